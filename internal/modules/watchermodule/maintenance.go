package watchermodule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mantonx/mediadex/internal/config"
	"github.com/mantonx/mediadex/internal/database"
	"github.com/mantonx/mediadex/internal/events"
	"github.com/mantonx/mediadex/internal/logger"
	"github.com/mantonx/mediadex/internal/metrics"
	"github.com/mantonx/mediadex/internal/utils"
	"gorm.io/gorm"
)

// replayBatchLimit bounds how many logged events a single gap replay pass
// re-dispatches per library.
const replayBatchLimit = 500

// Sweep reasons, recorded on metrics and events.
const (
	SweepReasonStale      = "stale"
	SweepReasonNeedsSweep = "needs_sweep"
	SweepReasonNeverScan  = "never_scanned"
)

// SweepScheduler periodically reconciles libraries: it replays logged events
// the pipeline never acknowledged, and enqueues full maintenance sweeps for
// libraries that are stale or flagged after dispatch failures.
type SweepScheduler struct {
	db         *gorm.DB
	log        *database.EventLog
	dispatcher Dispatcher
	watcher    *Watcher
	bus        events.EventBus
	cfg        config.WatcherConfig

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewSweepScheduler creates a scheduler. The watcher may be nil in contexts
// without live watching; sweeps then run without a maintenance correlation
// attached to flushed batches.
func NewSweepScheduler(db *gorm.DB, dispatcher Dispatcher, watcher *Watcher, bus events.EventBus, cfg config.WatcherConfig) *SweepScheduler {
	return &SweepScheduler{
		db:         db,
		log:        database.NewEventLog(db),
		dispatcher: dispatcher,
		watcher:    watcher,
		bus:        bus,
		cfg:        cfg,
		stop:       make(chan struct{}),
	}
}

// Start runs the scheduler loop until Stop or context cancellation.
func (s *SweepScheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.MaintenanceTickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				if err := s.RunOnce(ctx); err != nil {
					logger.Error("maintenance tick failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the scheduler and waits for an in-flight tick to finish.
func (s *SweepScheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// RunOnce executes one maintenance pass over every library: gap replay
// first, then staleness and sweep-flag checks, then event retention.
func (s *SweepScheduler) RunOnce(ctx context.Context) error {
	var libraries []database.MediaLibrary
	if err := s.db.Preload("Roots").Find(&libraries).Error; err != nil {
		return fmt.Errorf("failed to load libraries: %w", err)
	}

	for i := range libraries {
		lib := &libraries[i]
		if err := s.replayGap(ctx, lib); err != nil {
			logger.Error("gap replay failed", "library_id", lib.ID, "error", err)
		}
		if reason := s.sweepReason(lib); reason != "" {
			s.enqueueSweep(ctx, lib, reason)
		}
	}

	if s.cfg.EventRetention > 0 {
		pruned, err := s.log.PruneOlderThan(ctx, s.cfg.EventRetention)
		if err != nil {
			logger.Error("event retention failed", "error", err)
		} else if pruned > 0 {
			logger.Info("pruned durable events", "count", pruned)
		}
	}

	s.cleanupScanJobs()
	return nil
}

// cleanupScanJobs removes old terminal scan jobs and jobs orphaned by library
// deletion. Best-effort housekeeping; failures only log.
func (s *SweepScheduler) cleanupScanJobs() {
	if removed, err := utils.CleanupOldScanJobs(s.db); err != nil {
		logger.Warn("scan job cleanup failed", "error", err)
	} else if removed > 0 {
		logger.Info("removed old scan jobs", "count", removed)
	}
	if removed, err := utils.CleanupOrphanedScanJobs(s.db); err != nil {
		logger.Warn("orphaned scan job cleanup failed", "error", err)
	} else if removed > 0 {
		logger.Info("removed orphaned scan jobs", "count", removed)
	}
}

// replayGap re-dispatches logged events past the library cursor. These are
// events that were persisted but whose dispatch never succeeded, typically
// after a crash between persist and dispatch or a string of pipeline
// failures. Idempotency keys make re-delivery safe.
func (s *SweepScheduler) replayGap(ctx context.Context, lib *database.MediaLibrary) error {
	evts, err := s.log.EventsSince(ctx, lib.ID, lib.EventCursor, replayBatchLimit)
	if err != nil {
		return err
	}
	if len(evts) == 0 {
		return nil
	}

	byRoot := make(map[uint][]database.FileEvent)
	var maxID uint64
	for _, ev := range evts {
		byRoot[ev.RootID] = append(byRoot[ev.RootID], ev)
		if ev.ID > maxID {
			maxID = ev.ID
		}
	}

	for rootID, batch := range byRoot {
		if err := s.dispatcher.DispatchBatch(ctx, lib.ID, rootID, batch); err != nil {
			return fmt.Errorf("replay dispatch failed for root %d: %w", rootID, err)
		}
	}

	if err := s.log.AdvanceCursor(ctx, lib.ID, maxID); err != nil {
		return err
	}

	logger.Info("replayed event gap", "library_id", lib.ID, "events", len(evts), "cursor", maxID)
	if s.bus != nil {
		event := events.NewSystemEvent(events.EventGapReplayed, "Gap Replayed",
			fmt.Sprintf("Replayed %d events for library #%d", len(evts), lib.ID))
		event.Data = map[string]interface{}{"libraryId": lib.ID, "events": len(evts)}
		s.bus.PublishAsync(event)
	}
	return nil
}

func (s *SweepScheduler) sweepReason(lib *database.MediaLibrary) string {
	if lib.NeedsSweep {
		return SweepReasonNeedsSweep
	}
	if lib.LastScanAt == nil {
		return SweepReasonNeverScan
	}
	if s.cfg.StaleScanThreshold > 0 && time.Since(*lib.LastScanAt) > s.cfg.StaleScanThreshold {
		return SweepReasonStale
	}
	return ""
}

// enqueueSweep dispatches one sweep per root under a shared maintenance
// correlation. The correlation is also attached to the live watcher so
// batches flushed while the sweep runs join the same scan.
func (s *SweepScheduler) enqueueSweep(ctx context.Context, lib *database.MediaLibrary, reason string) {
	if len(lib.Roots) == 0 {
		return
	}

	correlation := "maint-" + uuid.New().String()
	if s.watcher != nil {
		s.watcher.SetMaintenanceCorrelation(lib.ID, correlation)
		defer s.watcher.SetMaintenanceCorrelation(lib.ID, "")
	}

	enqueued := 0
	for i, root := range lib.Roots {
		final := i == len(lib.Roots)-1
		if err := s.dispatcher.DispatchSweep(ctx, lib.ID, root.ID, correlation, reason, final); err != nil {
			logger.Error("failed to dispatch sweep",
				"library_id", lib.ID, "root_id", root.ID, "reason", reason, "error", err)
			continue
		}
		enqueued++
	}
	if enqueued == 0 {
		return
	}

	if err := s.log.MarkNeedsSweep(ctx, lib.ID, false); err != nil {
		logger.Warn("failed to clear sweep flag", "library_id", lib.ID, "error", err)
	}

	metrics.MaintenanceSweeps.WithLabelValues(reason).Inc()
	logger.Info("maintenance sweep enqueued", "library_id", lib.ID, "reason", reason, "roots", enqueued)
	if s.bus != nil {
		event := events.NewSystemEvent(events.EventSweepEnqueued, "Sweep Enqueued",
			fmt.Sprintf("Maintenance sweep for library #%d (%s)", lib.ID, reason))
		event.Data = map[string]interface{}{
			"libraryId":     lib.ID,
			"reason":        reason,
			"correlationId": correlation,
		}
		s.bus.PublishAsync(event)
	}
}
