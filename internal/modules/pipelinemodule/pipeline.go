package pipelinemodule

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mantonx/mediadex/internal/config"
	"github.com/mantonx/mediadex/internal/database"
	"github.com/mantonx/mediadex/internal/events"
	"github.com/mantonx/mediadex/internal/logger"
	"github.com/mantonx/mediadex/internal/metrics"
	"github.com/mantonx/mediadex/internal/modules/scannermodule"
	"github.com/mantonx/mediadex/internal/utils"
	"gorm.io/gorm"
)

// Actors bundles the pipeline stages. Each field is a small capability
// interface so tests swap individual stages without touching the rest.
type Actors struct {
	Analyzer MediaAnalyzer
	Enricher MetadataEnricher
	Indexer  Indexer
	Images   ImageFetcher
}

// Pipeline executes commands: it maps correlations onto scan jobs, runs each
// event through the stages, and reports progress and per-item errors to the
// orchestrator.
type Pipeline struct {
	db           *gorm.DB
	bus          events.EventBus
	orchestrator *scannermodule.Orchestrator
	actors       Actors
	log          *database.EventLog
	watcherCfg   config.WatcherConfig
	ignored      map[string]bool

	mu    sync.Mutex
	scans map[string]scanRef // correlation id -> scan job

	imageWG sync.WaitGroup
}

// scanRef ties a correlation to its scan job. owned is true when this
// correlation created the scan and is therefore responsible for completing
// it.
type scanRef struct {
	id    uint
	owned bool
}

// NewPipeline creates a pipeline driver.
func NewPipeline(db *gorm.DB, bus events.EventBus, orchestrator *scannermodule.Orchestrator, actors Actors, watcherCfg config.WatcherConfig) *Pipeline {
	return &Pipeline{
		db:           db,
		bus:          bus,
		orchestrator: orchestrator,
		actors:       actors,
		log:          database.NewEventLog(db),
		watcherCfg:   watcherCfg,
		ignored:      utils.NormalizeExtensions(watcherCfg.IgnoredExtensions),
		scans:        make(map[string]scanRef),
	}
}

// Execute runs one command to completion. Returned errors are structural
// (scan state could not be persisted, the scan is not runnable); per-item
// failures are recorded on the scan and reflected in the result instead.
func (p *Pipeline) Execute(ctx context.Context, cmd Command) (*CommandResult, error) {
	switch cmd.Kind {
	case CommandFileEventBatch:
		return p.executeBatch(ctx, cmd)
	case CommandMaintenanceSweep:
		return p.executeSweep(ctx, cmd)
	default:
		return nil, fmt.Errorf("unknown command kind %q", cmd.Kind)
	}
}

// Drain waits for in-flight artwork downloads to finish. Called on
// shutdown.
func (p *Pipeline) Drain() {
	p.imageWG.Wait()
}

func (p *Pipeline) executeBatch(ctx context.Context, cmd Command) (*CommandResult, error) {
	scanID, created, err := p.ensureScan(cmd.LibraryID, cmd.CorrelationID, database.ScanTypeIncremental)
	if err != nil {
		return nil, err
	}

	job, err := p.orchestrator.GetScanStatus(scanID)
	if err != nil {
		return nil, err
	}
	if job.Status != database.ScanStatusRunning {
		// A paused or cancelled scan stops consuming work. The batch stays
		// in the durable log and replays once the scan moves again.
		return nil, fmt.Errorf("scan %d is %s, refusing batch", scanID, job.Status)
	}

	result := &CommandResult{ScanID: scanID}
	for i := range cmd.Events {
		item := p.processEvent(ctx, scanID, job.Options, cmd.Events[i])
		result.Items = append(result.Items, item)
		if item.Err != "" {
			result.Failed++
			if err := p.orchestrator.AddScanError(scanID, item.Err); err != nil {
				logger.Warn("failed to record scan error", "scan_id", scanID, "error", err)
			}
			continue
		}
		result.Processed++
	}

	if err := p.orchestrator.UpdateScanProgress(scanID, job.ProcessedFolders,
		job.ProcessedFiles+result.Processed, lastPath(cmd.Events)); err != nil {
		logger.Warn("failed to update scan progress", "scan_id", scanID, "error", err)
	}

	if created {
		p.finishScan(cmd.CorrelationID, scanID)
	}
	return result, nil
}

func (p *Pipeline) executeSweep(ctx context.Context, cmd Command) (*CommandResult, error) {
	var root database.LibraryRoot
	if err := p.db.WithContext(ctx).First(&root, cmd.RootID).Error; err != nil {
		return nil, fmt.Errorf("sweep root %d not found: %w", cmd.RootID, err)
	}

	scanID, _, err := p.ensureScan(cmd.LibraryID, cmd.CorrelationID, database.ScanTypeMaintenance)
	if err != nil {
		return nil, err
	}
	job, err := p.orchestrator.GetScanStatus(scanID)
	if err != nil {
		return nil, err
	}
	if job.Status != database.ScanStatusRunning {
		return nil, fmt.Errorf("scan %d is %s, refusing sweep", scanID, job.Status)
	}

	logger.Info("maintenance sweep started",
		"library_id", cmd.LibraryID, "root_id", cmd.RootID, "reason", cmd.Reason, "scan_id", scanID)

	paths, folders := p.collectFiles(root.Path)
	if err := p.orchestrator.SetScanTotals(scanID, folders, len(paths)); err != nil {
		logger.Warn("failed to set scan totals", "scan_id", scanID, "error", err)
	}

	result := &CommandResult{ScanID: scanID}
	chunkSize := p.watcherCfg.MaxBatchEvents
	if chunkSize <= 0 {
		chunkSize = 256
	}

	for start := 0; start < len(paths); start += chunkSize {
		end := start + chunkSize
		if end > len(paths) {
			end = len(paths)
		}

		// Pause and cancel take effect between chunks, never mid-item.
		current, err := p.orchestrator.GetScanStatus(scanID)
		if err != nil {
			return result, err
		}
		if current.Status != database.ScanStatusRunning {
			logger.Info("sweep halted by scan state", "scan_id", scanID, "status", current.Status)
			if cmd.Final {
				p.releaseScan(cmd.CorrelationID)
			}
			return result, nil
		}

		chunk := p.synthesizeEvents(cmd, paths[start:end])
		if err := p.log.Append(ctx, chunk); err != nil {
			reason := fmt.Sprintf("failed to persist sweep events: %v", err)
			if ferr := p.orchestrator.FailScan(scanID, reason); ferr != nil {
				logger.Error("failed to mark scan failed", "scan_id", scanID, "error", ferr)
			}
			p.releaseScan(cmd.CorrelationID)
			return result, fmt.Errorf("sweep persistence failed: %w", err)
		}

		var maxID uint64
		for _, ev := range chunk {
			item := p.processEvent(ctx, scanID, job.Options, *ev)
			result.Items = append(result.Items, item)
			if item.Err != "" {
				result.Failed++
				if err := p.orchestrator.AddScanError(scanID, item.Err); err != nil {
					logger.Warn("failed to record scan error", "scan_id", scanID, "error", err)
				}
			} else {
				result.Processed++
			}
			if ev.ID > maxID {
				maxID = ev.ID
			}
		}

		// Sweep events are consumed inline, so the replay cursor follows.
		if maxID > 0 {
			if err := p.log.AdvanceCursor(ctx, cmd.LibraryID, maxID); err != nil {
				logger.Warn("failed to advance cursor after sweep chunk",
					"library_id", cmd.LibraryID, "error", err)
			}
		}
		if err := p.orchestrator.UpdateScanProgress(scanID, folders, result.Processed, paths[end-1]); err != nil {
			logger.Warn("failed to update scan progress", "scan_id", scanID, "error", err)
		}
	}

	// A sweep run spans every root of the library under one correlation and
	// one scan; only the command for the last root completes it.
	if cmd.Final {
		if p.ownsScan(cmd.CorrelationID) {
			if rate, err := p.orchestrator.GetScanRate(scanID); err == nil && rate > 0 {
				logger.Debug("sweep throughput", "scan_id", scanID, "files_per_second", rate)
			}
			p.finishScan(cmd.CorrelationID, scanID)
		} else {
			p.releaseScan(cmd.CorrelationID)
		}
	}

	if stats, err := utils.GetLibraryStatistics(p.db, cmd.LibraryID); err == nil {
		logger.Info("maintenance sweep finished",
			"scan_id", scanID, "processed", result.Processed, "failed", result.Failed,
			"library_files", stats.TotalFiles, "library_bytes", stats.TotalSize)
	} else {
		logger.Info("maintenance sweep finished",
			"scan_id", scanID, "processed", result.Processed, "failed", result.Failed)
	}
	return result, nil
}

// ensureScan maps a correlation id onto a scan job, creating and starting a
// new one when the correlation is unknown. When the library already has a
// pending or running scan (a sweep in progress, say) new correlations join it
// instead of failing; joined scans are completed by their owner, not here.
// Paused scans are never joined, so their operator keeps them where they are.
// The returned bool reports whether this call created the scan.
func (p *Pipeline) ensureScan(libraryID uint, correlationID, scanType string) (uint, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ref, ok := p.scans[correlationID]; ok {
		return ref.id, false, nil
	}

	job, err := p.orchestrator.CreateScan(libraryID, scanType, database.ScanOptions{FetchImages: true})
	if err != nil {
		active, aerr := p.orchestrator.GetActiveScan(libraryID)
		if aerr == nil {
			return active.ID, false, nil
		}
		return 0, false, fmt.Errorf("failed to create scan for library %d: %w", libraryID, err)
	}
	if err := p.orchestrator.StartScan(job.ID); err != nil {
		return 0, false, err
	}

	p.scans[correlationID] = scanRef{id: job.ID, owned: true}
	return job.ID, true, nil
}

func (p *Pipeline) releaseScan(correlationID string) {
	p.mu.Lock()
	delete(p.scans, correlationID)
	p.mu.Unlock()
}

func (p *Pipeline) ownsScan(correlationID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref, ok := p.scans[correlationID]
	return ok && ref.owned
}

// finishScan completes a scan this pipeline owns, unless something moved it
// out of Running while the command was processing. A scan paused underneath
// its owner stays paused until resumed or cancelled.
func (p *Pipeline) finishScan(correlationID string, scanID uint) {
	p.releaseScan(correlationID)

	current, err := p.orchestrator.GetScanStatus(scanID)
	if err != nil {
		logger.Warn("failed to load scan before completion", "scan_id", scanID, "error", err)
		return
	}
	if current.Status != database.ScanStatusRunning {
		logger.Info("leaving scan unfinished", "scan_id", scanID, "status", current.Status)
		return
	}
	if err := p.orchestrator.CompleteScan(scanID); err != nil {
		logger.Warn("failed to complete scan", "scan_id", scanID, "error", err)
	}
}

// processEvent runs one event through the stages. The returned item carries
// an error string instead of failing the command; only the caller decides
// what is structural.
func (p *Pipeline) processEvent(ctx context.Context, scanID uint, opts database.ScanOptions, ev database.FileEvent) ItemResult {
	item := ItemResult{EventID: ev.ID, Path: ev.Path}

	if ev.Kind == database.EventOverflow {
		// Overflow events only mark the gap; the maintenance sweep does the
		// actual reconciliation.
		return item
	}

	var ready *MediaReadyForIndex
	if ev.Kind != database.EventDelete {
		analyzed, err := p.actors.Analyzer.Analyze(ctx, ev)
		if err != nil {
			metrics.PipelineItems.WithLabelValues("analyze", "error").Inc()
			item.Err = fmt.Sprintf("analyze %s: %v", ev.Path, err)
			return item
		}
		metrics.PipelineItems.WithLabelValues("analyze", "ok").Inc()

		ready, err = p.actors.Enricher.Enrich(ctx, ev, analyzed)
		if err != nil {
			metrics.PipelineItems.WithLabelValues("metadata", "error").Inc()
			item.Err = fmt.Sprintf("enrich %s: %v", ev.Path, err)
			return item
		}
	}

	outcome, err := p.actors.Indexer.Index(ctx, ev, ready)
	if err != nil {
		metrics.PipelineItems.WithLabelValues("index", "error").Inc()
		item.Err = fmt.Sprintf("index %s: %v", ev.Path, err)
		return item
	}
	if outcome != nil {
		item.MediaID = outcome.MediaID
	}

	if opts.FetchImages && ready != nil && outcome != nil && outcome.MediaID != "" {
		p.fetchImages(ready.ImageJobs, outcome.MediaID, ev.CorrelationID)
	}
	return item
}

// fetchImages fans artwork downloads out to goroutines. Failures are logged
// and counted, never propagated; an unreachable image CDN must not stall
// indexing.
func (p *Pipeline) fetchImages(jobs []ImageJob, mediaID, correlationID string) {
	if p.actors.Images == nil {
		return
	}
	for _, job := range jobs {
		job.MediaID = mediaID
		job.CorrelationID = correlationID
		p.imageWG.Add(1)
		go func(job ImageJob) {
			defer p.imageWG.Done()
			fetchCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := p.actors.Images.Fetch(fetchCtx, job); err != nil {
				metrics.ImageFetchFailures.Inc()
				logger.Warn("artwork fetch failed",
					"media_id", job.MediaID, "kind", job.Kind, "error", err)
				return
			}
			metrics.PipelineItems.WithLabelValues("images", "fetched").Inc()
		}(job)
	}
}

// collectFiles walks a root and returns every indexable file plus the folder
// count, bounded by the same depth limit the polling watcher uses.
func (p *Pipeline) collectFiles(rootPath string) ([]string, int) {
	var paths []string
	folders := 0
	maxDepth := p.watcherCfg.PollMaxDepth

	err := filepath.WalkDir(rootPath, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			logger.Debug("sweep skipped unreadable path", "path", path, "error", err)
			return nil
		}
		if entry.IsDir() {
			if maxDepth > 0 && sweepDepth(rootPath, path) >= maxDepth {
				return filepath.SkipDir
			}
			folders++
			return nil
		}
		if utils.HasIgnoredExtension(path, p.ignored) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		logger.Warn("sweep walk failed", "root", rootPath, "error", err)
	}
	return paths, folders
}

func sweepDepth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}

// synthesizeEvents turns swept paths into durable create events carrying the
// sweep correlation, so replays and live batches converge on the same
// idempotent outcomes.
func (p *Pipeline) synthesizeEvents(cmd Command, paths []string) []*database.FileEvent {
	now := time.Now()
	out := make([]*database.FileEvent, 0, len(paths))
	for _, path := range paths {
		out = append(out, &database.FileEvent{
			Version:       database.FileEventVersion,
			LibraryID:     cmd.LibraryID,
			RootID:        cmd.RootID,
			Kind:          database.EventCreate,
			Path:          path,
			DetectedAt:    now,
			CorrelationID: cmd.CorrelationID,
			IdempotencyKey: utils.IdempotencyKey(
				cmd.LibraryID, cmd.RootID, string(database.EventCreate), path, now),
		})
	}
	return out
}

func lastPath(evts []database.FileEvent) string {
	for i := len(evts) - 1; i >= 0; i-- {
		if evts[i].Kind != database.EventOverflow {
			return evts[i].Path
		}
	}
	return ""
}
