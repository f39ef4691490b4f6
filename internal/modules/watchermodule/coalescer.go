package watchermodule

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mantonx/mediadex/internal/database"
	"github.com/mantonx/mediadex/internal/events"
	"github.com/mantonx/mediadex/internal/logger"
	"github.com/mantonx/mediadex/internal/metrics"
	"github.com/mantonx/mediadex/internal/utils"
)

// dispatchAttempts is how many times a flushed batch is offered to the
// pipeline before the library is flagged for a maintenance sweep.
const dispatchAttempts = 3

// runFlush is the per-library flush task. It coalesces raw events under the
// debounce window, flushes early when the batch limit is hit, and lets
// overflow notices bypass debouncing entirely. On shutdown or unregistration
// it drains whatever is buffered and persists it before exiting.
func (w *Watcher) runFlush(ctx context.Context, lw *libraryWatch) {
	defer w.wg.Done()
	defer close(lw.flushDone)

	var pending []RawEvent
	var timer *time.Timer
	var timerC <-chan time.Time

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}
	flush := func() {
		stopTimer()
		if len(pending) > 0 {
			w.flushBatch(ctx, lw, pending)
			pending = nil
		}
	}
	drain := func() {
		for {
			select {
			case ev, ok := <-lw.raw:
				if !ok {
					return
				}
				pending = append(pending, ev)
			default:
				return
			}
		}
	}

	for {
		if roots := lw.takeOverflows(); len(roots) > 0 {
			w.flushOverflow(ctx, lw, roots)
		}

		if len(pending) == 0 {
			select {
			case ev, ok := <-lw.raw:
				if !ok {
					return
				}
				pending = append(pending, ev)
				timer = time.NewTimer(w.cfg.DebounceWindow)
				timerC = timer.C
			case <-ctx.Done():
				drain()
				flush()
				return
			}
			continue
		}

		select {
		case ev, ok := <-lw.raw:
			if !ok {
				flush()
				return
			}
			pending = append(pending, ev)
			if len(pending) >= w.cfg.MaxBatchEvents {
				flush()
			}
		case <-timerC:
			flush()
		case <-ctx.Done():
			drain()
			flush()
			return
		}
	}
}

// flushBatch normalizes a pending batch, persists it durably, then hands it
// to the pipeline. Persistence strictly precedes dispatch: a crash after
// persist loses nothing, because the maintenance scheduler replays from the
// library cursor.
func (w *Watcher) flushBatch(ctx context.Context, lw *libraryWatch, pending []RawEvent) {
	batch := w.normalize(lw, pending)
	if len(batch) == 0 {
		return
	}

	correlation := w.resolveCorrelation(lw, pending)
	for _, ev := range batch {
		ev.CorrelationID = correlation
	}

	if err := w.log.Append(ctx, batch); err != nil {
		logger.Error("failed to persist event batch, scheduling sweep",
			"library_id", lw.library.ID, "events", len(batch), "error", err)
		if merr := w.log.MarkNeedsSweep(ctx, lw.library.ID, true); merr != nil {
			logger.Error("failed to flag library for sweep", "library_id", lw.library.ID, "error", merr)
		}
		return
	}

	libLabel := fmt.Sprintf("%d", lw.library.ID)
	metrics.BatchesFlushed.WithLabelValues(libLabel).Inc()
	for _, ev := range batch {
		metrics.EventsPersisted.WithLabelValues(libLabel, string(ev.Kind)).Inc()
	}
	w.publishBatch(lw.library.ID, correlation, len(batch))

	// Dispatch per root; a batch can mix events from several roots.
	byRoot := make(map[uint][]database.FileEvent)
	var maxID uint64
	for _, ev := range batch {
		byRoot[ev.RootID] = append(byRoot[ev.RootID], *ev)
		if ev.ID > maxID {
			maxID = ev.ID
		}
	}

	allDispatched := true
	for rootID, evts := range byRoot {
		if err := w.dispatchWithRetry(ctx, lw.library.ID, rootID, evts); err != nil {
			allDispatched = false
		}
	}

	// The cursor is a single watermark per library, so it only advances when
	// every root's slice made it through. A failed root leaves the cursor in
	// place and the replay re-dispatches the whole batch; idempotency keys
	// make the repeat harmless.
	if allDispatched && maxID > 0 {
		if err := w.log.AdvanceCursor(ctx, lw.library.ID, maxID); err != nil {
			logger.Warn("failed to advance event cursor", "library_id", lw.library.ID, "error", err)
		}
	}
}

func (w *Watcher) dispatchWithRetry(ctx context.Context, libraryID, rootID uint, evts []database.FileEvent) error {
	var err error
	for attempt := 1; attempt <= dispatchAttempts; attempt++ {
		if err = w.dispatcher.DispatchBatch(ctx, libraryID, rootID, evts); err == nil {
			return nil
		}
		logger.Warn("batch dispatch failed",
			"library_id", libraryID, "root_id", rootID, "attempt", attempt, "error", err)
		select {
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		case <-ctx.Done():
			attempt = dispatchAttempts
		}
	}

	metrics.DispatchFailures.WithLabelValues(fmt.Sprintf("%d", libraryID)).Inc()
	if merr := w.log.MarkNeedsSweep(context.Background(), libraryID, true); merr != nil {
		logger.Error("failed to flag library for sweep", "library_id", libraryID, "error", merr)
	}
	return err
}

// flushOverflow synthesizes one overflow event per affected root and pushes
// it through the normal persist-then-dispatch path immediately, skipping the
// debounce window. The library is flagged so the scheduler backfills with a
// full sweep.
func (w *Watcher) flushOverflow(ctx context.Context, lw *libraryWatch, rootIDs []uint) {
	metrics.Overflows.WithLabelValues(fmt.Sprintf("%d", lw.library.ID)).Inc()
	logger.Warn("watcher overflow, full rescan scheduled",
		"library_id", lw.library.ID, "roots", len(rootIDs))

	now := time.Now()
	raw := make([]RawEvent, 0, len(rootIDs))
	for _, rootID := range rootIDs {
		raw = append(raw, RawEvent{
			RootID:     rootID,
			Kind:       database.EventOverflow,
			Path:       w.rootPath(lw, rootID),
			Size:       -1,
			DetectedAt: now,
		})
	}
	w.flushBatch(ctx, lw, raw)

	if err := w.log.MarkNeedsSweep(ctx, lw.library.ID, true); err != nil {
		logger.Error("failed to flag library for sweep after overflow",
			"library_id", lw.library.ID, "error", err)
	}
	if w.bus != nil {
		event := events.NewSystemEvent(events.EventWatcherOverflow, "Watcher Overflow",
			fmt.Sprintf("Library #%d lost events on %d roots", lw.library.ID, len(rootIDs)))
		event.Data = map[string]interface{}{"libraryId": lw.library.ID}
		w.bus.PublishAsync(event)
	}
}

func (w *Watcher) rootPath(lw *libraryWatch, rootID uint) string {
	for _, rw := range lw.roots {
		if rw.root.ID == rootID {
			return rw.root.Path
		}
	}
	return ""
}

// normalize converts raw events into durable records: absolute cleaned
// paths, ignored extensions dropped, delete+create pairs within the batch
// collapsed into moves, idempotency keys computed.
func (w *Watcher) normalize(lw *libraryWatch, pending []RawEvent) []*database.FileEvent {
	kept := make([]RawEvent, 0, len(pending))
	for _, ev := range pending {
		if ev.Kind != database.EventOverflow {
			if abs, err := filepath.Abs(filepath.Clean(ev.Path)); err == nil {
				ev.Path = abs
			}
			if ev.OldPath != "" {
				if abs, err := filepath.Abs(filepath.Clean(ev.OldPath)); err == nil {
					ev.OldPath = abs
				}
			}
			if utils.HasIgnoredExtension(ev.Path, w.ignored) {
				continue
			}
		}
		if ev.DetectedAt.IsZero() {
			ev.DetectedAt = time.Now()
		}
		kept = append(kept, ev)
	}

	kept = pairMoves(kept)

	batch := make([]*database.FileEvent, 0, len(kept))
	for _, ev := range kept {
		record := &database.FileEvent{
			Version:    database.FileEventVersion,
			LibraryID:  lw.library.ID,
			RootID:     ev.RootID,
			Kind:       ev.Kind,
			Path:       ev.Path,
			DetectedAt: ev.DetectedAt,
			IdempotencyKey: utils.IdempotencyKey(
				lw.library.ID, ev.RootID, string(ev.Kind), ev.Path, ev.DetectedAt),
		}
		if ev.OldPath != "" {
			old := ev.OldPath
			record.OldPath = &old
		}
		if ev.Size >= 0 {
			size := ev.Size
			record.FileSize = &size
		}
		batch = append(batch, record)
	}
	return batch
}

// pairMoves collapses a delete followed by a create of equal size (and equal
// inode, when both sides carry one) into a single move. Pairing only happens
// inside one batch; unmatched halves stay independent events.
func pairMoves(evts []RawEvent) []RawEvent {
	out := make([]RawEvent, 0, len(evts))
	consumed := make([]bool, len(evts))

	for i, del := range evts {
		if consumed[i] || del.Kind != database.EventDelete || del.Size <= 0 {
			continue
		}
		for j := i + 1; j < len(evts); j++ {
			cr := evts[j]
			if consumed[j] || cr.Kind != database.EventCreate || cr.RootID != del.RootID {
				continue
			}
			if cr.Size != del.Size {
				continue
			}
			if del.Inode != 0 && cr.Inode != 0 && del.Inode != cr.Inode {
				continue
			}
			consumed[i] = true
			consumed[j] = true
			out = append(out, RawEvent{
				RootID:     del.RootID,
				Kind:       database.EventMove,
				Path:       cr.Path,
				OldPath:    del.Path,
				Size:       cr.Size,
				Inode:      cr.Inode,
				DetectedAt: cr.DetectedAt,
			})
			break
		}
	}

	for i, ev := range evts {
		if !consumed[i] {
			out = append(out, ev)
		}
	}
	return out
}

// resolveCorrelation picks the batch correlation id: an id carried by a raw
// event wins, then the library's active maintenance correlation, then a
// fresh id.
func (w *Watcher) resolveCorrelation(lw *libraryWatch, pending []RawEvent) string {
	for _, ev := range pending {
		if ev.CorrelationID != "" {
			return ev.CorrelationID
		}
	}
	if corr := lw.maintenanceCorrelation(); corr != "" {
		return corr
	}
	return uuid.New().String()
}

func (w *Watcher) publishBatch(libraryID uint, correlationID string, count int) {
	if w.bus == nil {
		return
	}
	event := events.NewSystemEvent(events.EventBatchFlushed, "Batch Flushed",
		fmt.Sprintf("Flushed %d events for library #%d", count, libraryID))
	event.Data = map[string]interface{}{
		"libraryId":     libraryID,
		"correlationId": correlationID,
		"events":        count,
	}
	w.bus.PublishAsync(event)
}
