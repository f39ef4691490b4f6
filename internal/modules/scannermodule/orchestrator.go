// Package scannermodule owns the scan lifecycle: the persisted scan job
// record, its state machine, and startup recovery.
//
// The database row is the sole source of truth. The orchestrator's active and
// paused sets are a derived cache that can always be rebuilt from storage via
// RecoverInterruptedScans.
package scannermodule

import (
	"fmt"
	"sync"
	"time"

	"github.com/mantonx/mediadex/internal/database"
	"github.com/mantonx/mediadex/internal/events"
	"github.com/mantonx/mediadex/internal/logger"
	"github.com/mantonx/mediadex/internal/metrics"
	"github.com/mantonx/mediadex/internal/utils"
	"gorm.io/gorm"
)

// FatalErrorPrefix distinguishes operator-actionable failures from routine
// per-item errors on the scan's error list.
const FatalErrorPrefix = "FATAL: "

// DefaultMaxScanErrors bounds the per-scan error list.
const DefaultMaxScanErrors = 100

// Orchestrator manages scan job lifecycles.
type Orchestrator struct {
	db        *gorm.DB
	eventBus  events.EventBus
	maxErrors int

	mu     sync.RWMutex
	active map[uint]struct{}
	paused map[uint]struct{}
}

// NewOrchestrator creates a scan orchestrator. maxErrors bounds the per-scan
// error list; zero means DefaultMaxScanErrors.
func NewOrchestrator(db *gorm.DB, eventBus events.EventBus, maxErrors int) *Orchestrator {
	if maxErrors <= 0 {
		maxErrors = DefaultMaxScanErrors
	}
	return &Orchestrator{
		db:        db,
		eventBus:  eventBus,
		maxErrors: maxErrors,
		active:    make(map[uint]struct{}),
		paused:    make(map[uint]struct{}),
	}
}

// CreateScan persists a new scan job in Pending and registers its id as
// active.
func (o *Orchestrator) CreateScan(libraryID uint, scanType string, opts database.ScanOptions) (*database.ScanJob, error) {
	if err := utils.ValidateNewScan(o.db, libraryID); err != nil {
		return nil, err
	}

	job := database.ScanJob{
		LibraryID: libraryID,
		ScanType:  scanType,
		Status:    database.ScanStatusPending,
		Options:   opts,
	}
	if err := o.db.Create(&job).Error; err != nil {
		return nil, fmt.Errorf("failed to create scan job: %w", err)
	}

	o.mu.Lock()
	o.active[job.ID] = struct{}{}
	o.mu.Unlock()
	metrics.ActiveScans.Inc()

	o.publish(events.EventScanCreated, "Scan Created",
		fmt.Sprintf("Created %s scan #%d for library #%d", scanType, job.ID, libraryID),
		job.ID, libraryID)

	return &job, nil
}

// StartScan moves a Pending or Paused scan to Running and stamps started_at.
func (o *Orchestrator) StartScan(id uint) error {
	job, err := o.load(id)
	if err != nil {
		return err
	}
	if job.Status != database.ScanStatusPending && job.Status != database.ScanStatusPaused {
		return fmt.Errorf("cannot start scan %d from status %s", id, job.Status)
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":     database.ScanStatusRunning,
		"started_at": &now,
	}
	if err := o.db.Model(&database.ScanJob{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to start scan %d: %w", id, err)
	}

	o.mu.Lock()
	delete(o.paused, id)
	o.active[id] = struct{}{}
	o.mu.Unlock()

	o.publish(events.EventScanStarted, "Scan Started",
		fmt.Sprintf("Scan #%d running for library #%d", id, job.LibraryID),
		id, job.LibraryID)
	return nil
}

// UpdateScanProgress applies a monotonic progress update. Counters never move
// backwards, and a missing scan is a no-op: progress reporting must not fail
// a running pipeline.
func (o *Orchestrator) UpdateScanProgress(id uint, processedFolders, processedFiles int, currentPath string) error {
	job, err := o.load(id)
	if err != nil {
		return nil
	}

	updates := map[string]interface{}{}
	if processedFolders > job.ProcessedFolders {
		updates["processed_folders"] = processedFolders
	}
	if processedFiles > job.ProcessedFiles {
		updates["processed_files"] = processedFiles
	}
	if currentPath != "" {
		updates["current_path"] = currentPath
	}
	if len(updates) == 0 {
		return nil
	}
	return o.db.Model(&database.ScanJob{}).Where("id = ?", id).Updates(updates).Error
}

// SetScanTotals records the discovered totals for progress reporting.
func (o *Orchestrator) SetScanTotals(id uint, totalFolders, totalFiles int) error {
	return o.db.Model(&database.ScanJob{}).Where("id = ?", id).Updates(map[string]interface{}{
		"total_folders": totalFolders,
		"total_files":   totalFiles,
	}).Error
}

// AddScanError appends to the bounded error list and increments error_count.
// It never changes the scan's status.
func (o *Orchestrator) AddScanError(id uint, msg string) error {
	job, err := o.load(id)
	if err != nil {
		return err
	}

	errs := job.Errors
	if len(errs) < o.maxErrors {
		errs = append(errs, msg)
	}
	return o.db.Model(&database.ScanJob{}).Where("id = ?", id).Updates(map[string]interface{}{
		"errors":      errs,
		"error_count": gorm.Expr("error_count + 1"),
	}).Error
}

// CompleteScan transitions a Running scan to Completed. Only Running scans
// complete: a Pending scan never ran, and a Paused scan resumes or gets
// cancelled, it never finishes in place.
func (o *Orchestrator) CompleteScan(id uint) error {
	job, err := o.load(id)
	if err != nil {
		return err
	}
	if job.Status != database.ScanStatusRunning {
		return fmt.Errorf("cannot complete scan %d from status %s", id, job.Status)
	}

	now := time.Now()
	if err := o.db.Model(&database.ScanJob{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":       database.ScanStatusCompleted,
		"completed_at": &now,
	}).Error; err != nil {
		return fmt.Errorf("failed to complete scan %d: %w", id, err)
	}

	// Completion marks the library fresh for the maintenance scheduler.
	if err := o.db.Model(&database.MediaLibrary{}).Where("id = ?", job.LibraryID).
		Update("last_scan_at", &now).Error; err != nil {
		logger.Warn("failed to stamp library last scan time", "library_id", job.LibraryID, "error", err)
	}

	o.forget(id)
	o.publish(events.EventScanCompleted, "Scan Completed",
		fmt.Sprintf("Scan #%d completed for library #%d", id, job.LibraryID),
		id, job.LibraryID)
	return nil
}

// FailScan transitions any non-terminal scan to Failed. The reason is
// recorded with the fatal prefix so operators can separate it from routine
// per-item errors.
func (o *Orchestrator) FailScan(id uint, reason string) error {
	job, err := o.load(id)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return fmt.Errorf("scan %d already terminal (%s)", id, job.Status)
	}

	now := time.Now()
	if err := o.db.Model(&database.ScanJob{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":         database.ScanStatusFailed,
		"status_message": FatalErrorPrefix + reason,
		"completed_at":   &now,
	}).Error; err != nil {
		return fmt.Errorf("failed to fail scan %d: %w", id, err)
	}

	o.forget(id)
	o.publish(events.EventScanFailed, "Scan Failed",
		fmt.Sprintf("Scan #%d failed for library #%d: %s", id, job.LibraryID, reason),
		id, job.LibraryID)
	return nil
}

// PauseScan moves a Running scan to Paused. The executing pipeline driver
// observes the flipped status at its next batch boundary.
func (o *Orchestrator) PauseScan(id uint) error {
	job, err := o.load(id)
	if err != nil {
		return err
	}
	if job.Status != database.ScanStatusRunning {
		return fmt.Errorf("cannot pause scan %d from status %s", id, job.Status)
	}

	if err := o.db.Model(&database.ScanJob{}).Where("id = ?", id).
		Update("status", database.ScanStatusPaused).Error; err != nil {
		return fmt.Errorf("failed to pause scan %d: %w", id, err)
	}

	o.mu.Lock()
	delete(o.active, id)
	o.paused[id] = struct{}{}
	o.mu.Unlock()
	metrics.ActiveScans.Dec()

	o.publish(events.EventScanPaused, "Scan Paused",
		fmt.Sprintf("Scan #%d paused for library #%d", id, job.LibraryID),
		id, job.LibraryID)
	return nil
}

// ResumeScan moves a Paused scan back to Running and returns the current
// state so the caller continues from its processed counters rather than
// restarting.
func (o *Orchestrator) ResumeScan(id uint) (*database.ScanJob, error) {
	job, err := o.load(id)
	if err != nil {
		return nil, err
	}
	if job.Status != database.ScanStatusPaused {
		return nil, fmt.Errorf("cannot resume scan %d from status %s", id, job.Status)
	}

	if err := o.db.Model(&database.ScanJob{}).Where("id = ?", id).
		Update("status", database.ScanStatusRunning).Error; err != nil {
		return nil, fmt.Errorf("failed to resume scan %d: %w", id, err)
	}

	o.mu.Lock()
	delete(o.paused, id)
	o.active[id] = struct{}{}
	o.mu.Unlock()
	metrics.ActiveScans.Inc()

	o.publish(events.EventScanResumed, "Scan Resumed",
		fmt.Sprintf("Scan #%d resumed for library #%d", id, job.LibraryID),
		id, job.LibraryID)

	job.Status = database.ScanStatusRunning
	return job, nil
}

// CancelScan moves any non-terminal scan to Cancelled.
func (o *Orchestrator) CancelScan(id uint) error {
	job, err := o.load(id)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return fmt.Errorf("cannot cancel scan %d from status %s", id, job.Status)
	}

	now := time.Now()
	if err := o.db.Model(&database.ScanJob{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":       database.ScanStatusCancelled,
		"completed_at": &now,
	}).Error; err != nil {
		return fmt.Errorf("failed to cancel scan %d: %w", id, err)
	}

	o.forget(id)
	o.publish(events.EventScanCancelled, "Scan Cancelled",
		fmt.Sprintf("Scan #%d cancelled for library #%d", id, job.LibraryID),
		id, job.LibraryID)
	return nil
}

// GetScanStatus returns the persisted state of a scan job.
func (o *Orchestrator) GetScanStatus(id uint) (*database.ScanJob, error) {
	return o.load(id)
}

// GetActiveScans returns the persisted state of every scan in the active set.
func (o *Orchestrator) GetActiveScans() ([]database.ScanJob, error) {
	o.mu.RLock()
	ids := make([]uint, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	o.mu.RUnlock()

	if len(ids) == 0 {
		return nil, nil
	}
	var jobs []database.ScanJob
	if err := o.db.Where("id IN ?", ids).Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to load active scans: %w", err)
	}
	return jobs, nil
}

// GetActiveScan returns the most recent Pending or Running scan for a
// library, the one that holds library-level exclusivity. Paused scans do not
// count.
func (o *Orchestrator) GetActiveScan(libraryID uint) (*database.ScanJob, error) {
	var job database.ScanJob
	err := o.db.Where("library_id = ? AND status IN ?", libraryID,
		[]string{database.ScanStatusPending, database.ScanStatusRunning}).
		Order("created_at DESC").First(&job).Error
	if err != nil {
		return nil, fmt.Errorf("no active scan for library %d: %w", libraryID, err)
	}
	return &job, nil
}

// GetLatestScan returns the most recent scan job for a library.
func (o *Orchestrator) GetLatestScan(libraryID uint) (*database.ScanJob, error) {
	var job database.ScanJob
	err := o.db.Where("library_id = ?", libraryID).Order("created_at DESC").First(&job).Error
	if err != nil {
		return nil, fmt.Errorf("no scans for library %d: %w", libraryID, err)
	}
	return &job, nil
}

// GetScanRate returns processed files per second for a running scan.
func (o *Orchestrator) GetScanRate(id uint) (float64, error) {
	job, err := o.load(id)
	if err != nil {
		return 0, err
	}
	if job.StartedAt == nil {
		return 0, nil
	}
	elapsed := time.Since(*job.StartedAt).Seconds()
	if elapsed <= 0 {
		return 0, nil
	}
	return float64(job.ProcessedFiles) / elapsed, nil
}

// RecoverInterruptedScans rebuilds the in-memory sets from storage. Any scan
// persisted as Running means the previous process died mid-scan: it is
// demoted to Paused and never silently resumed, so no work is
// double-processed.
func (o *Orchestrator) RecoverInterruptedScans() error {
	var interrupted []database.ScanJob
	if err := o.db.Where("status = ?", database.ScanStatusRunning).Find(&interrupted).Error; err != nil {
		return fmt.Errorf("failed to query interrupted scans: %w", err)
	}

	for _, job := range interrupted {
		msg := fmt.Sprintf("Paused after process restart (had processed %d/%d files)",
			job.ProcessedFiles, job.TotalFiles)
		if err := o.db.Model(&database.ScanJob{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
			"status":         database.ScanStatusPaused,
			"status_message": msg,
		}).Error; err != nil {
			logger.Error("failed to demote interrupted scan", "scan_id", job.ID, "error", err)
			continue
		}
		logger.Info("recovered interrupted scan", "scan_id", job.ID, "library_id", job.LibraryID)
	}

	// Rebuild the derived sets from what storage now says.
	o.mu.Lock()
	o.active = make(map[uint]struct{})
	o.paused = make(map[uint]struct{})
	var pending, paused []database.ScanJob
	if err := o.db.Where("status = ?", database.ScanStatusPending).Find(&pending).Error; err == nil {
		for _, job := range pending {
			o.active[job.ID] = struct{}{}
		}
	}
	if err := o.db.Where("status = ?", database.ScanStatusPaused).Find(&paused).Error; err == nil {
		for _, job := range paused {
			o.paused[job.ID] = struct{}{}
		}
	}
	metrics.ActiveScans.Set(float64(len(o.active)))
	o.mu.Unlock()

	return nil
}

// PauseActiveScans pauses every running scan, used on graceful shutdown.
// Returns the number of scans paused.
func (o *Orchestrator) PauseActiveScans() (int, error) {
	var running []database.ScanJob
	if err := o.db.Where("status = ?", database.ScanStatusRunning).Find(&running).Error; err != nil {
		return 0, fmt.Errorf("failed to query running scans: %w", err)
	}

	count := 0
	for _, job := range running {
		if err := o.PauseScan(job.ID); err != nil {
			logger.Error("failed to pause scan on shutdown", "scan_id", job.ID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

func (o *Orchestrator) load(id uint) (*database.ScanJob, error) {
	var job database.ScanJob
	if err := o.db.First(&job, id).Error; err != nil {
		return nil, fmt.Errorf("scan job not found: %w", err)
	}
	return &job, nil
}

func (o *Orchestrator) forget(id uint) {
	o.mu.Lock()
	if _, ok := o.active[id]; ok {
		metrics.ActiveScans.Dec()
	}
	delete(o.active, id)
	delete(o.paused, id)
	o.mu.Unlock()
}

func (o *Orchestrator) publish(eventType events.EventType, title, message string, scanID, libraryID uint) {
	if o.eventBus == nil {
		return
	}
	event := events.NewSystemEvent(eventType, title, message)
	event.Data = map[string]interface{}{
		"scanJobId": scanID,
		"libraryId": libraryID,
	}
	o.eventBus.PublishAsync(event)
}
