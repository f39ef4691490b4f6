// Package watchermodule watches library roots for filesystem changes,
// coalesces them into durable event batches, and hands those batches to the
// pipeline. It also runs the maintenance scheduler that backfills anything
// live watching missed.
package watchermodule

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mantonx/mediadex/internal/config"
	"github.com/mantonx/mediadex/internal/database"
	"github.com/mantonx/mediadex/internal/events"
	"github.com/mantonx/mediadex/internal/logger"
	"github.com/mantonx/mediadex/internal/utils"
	"gorm.io/gorm"
)

// Watch strategy names recorded on library roots.
const (
	StrategyNative  = "native"
	StrategyPolling = "polling"
)

// Dispatcher hands work to the pipeline without binding the watcher to a
// concrete pipeline runtime.
type Dispatcher interface {
	DispatchBatch(ctx context.Context, libraryID, rootID uint, evts []database.FileEvent) error
	DispatchSweep(ctx context.Context, libraryID, rootID uint, correlationID, reason string, final bool) error
}

// RawEvent is a change observed by a detector before normalization. Size is
// -1 when unknown (deletes), Inode is 0 when the platform or strategy cannot
// provide one.
type RawEvent struct {
	RootID        uint
	Kind          database.EventKind
	Path          string
	OldPath       string
	Size          int64
	Inode         uint64
	DetectedAt    time.Time
	CorrelationID string
}

// detector is one watch strategy bound to a single root.
type detector interface {
	Start(ctx context.Context) error
	Stop()
}

type rootWatch struct {
	root     database.LibraryRoot
	detector detector
	strategy string
}

// libraryWatch is the per-library watch state: its roots, the shared raw
// event channel, and the flush task draining it.
type libraryWatch struct {
	library database.MediaLibrary
	roots   []*rootWatch

	raw       chan RawEvent
	cancel    context.CancelFunc
	flushDone chan struct{}

	mu              sync.Mutex
	overflowRoots   map[uint]struct{}
	maintenanceCorr string
}

// markOverflow records that a root lost events. Detectors call this instead
// of blocking when the raw channel is full.
func (lw *libraryWatch) markOverflow(rootID uint) {
	lw.mu.Lock()
	lw.overflowRoots[rootID] = struct{}{}
	lw.mu.Unlock()
}

func (lw *libraryWatch) takeOverflows() []uint {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if len(lw.overflowRoots) == 0 {
		return nil
	}
	roots := make([]uint, 0, len(lw.overflowRoots))
	for id := range lw.overflowRoots {
		roots = append(roots, id)
	}
	lw.overflowRoots = make(map[uint]struct{})
	return roots
}

func (lw *libraryWatch) setMaintenanceCorrelation(id string) {
	lw.mu.Lock()
	lw.maintenanceCorr = id
	lw.mu.Unlock()
}

func (lw *libraryWatch) maintenanceCorrelation() string {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.maintenanceCorr
}

// Watcher owns all registered library watches.
type Watcher struct {
	db         *gorm.DB
	bus        events.EventBus
	log        *database.EventLog
	dispatcher Dispatcher
	cfg        config.WatcherConfig
	ignored    map[string]bool

	mu        sync.RWMutex
	libraries map[uint]*libraryWatch

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher. Registration of libraries happens separately
// so callers control which libraries are live.
func NewWatcher(db *gorm.DB, bus events.EventBus, dispatcher Dispatcher, cfg config.WatcherConfig) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		db:         db,
		bus:        bus,
		log:        database.NewEventLog(db),
		dispatcher: dispatcher,
		cfg:        cfg,
		ignored:    utils.NormalizeExtensions(cfg.IgnoredExtensions),
		libraries:  make(map[uint]*libraryWatch),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// RegisterLibrary starts watching all roots of a library and spawns its flush
// task. Registering an already registered library is a no-op. If some roots
// fail to initialize the library still registers with the healthy ones; it
// fails only when no root could be watched at all.
func (w *Watcher) RegisterLibrary(library *database.MediaLibrary) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.libraries[library.ID]; exists {
		logger.Debug("library already registered", "library_id", library.ID)
		return nil
	}

	ctx, cancel := context.WithCancel(w.ctx)
	lw := &libraryWatch{
		library:       *library,
		raw:           make(chan RawEvent, w.cfg.OverflowBatchCapacity),
		cancel:        cancel,
		flushDone:     make(chan struct{}),
		overflowRoots: make(map[uint]struct{}),
	}

	for i := range library.Roots {
		root := library.Roots[i]
		rw, err := w.startRoot(ctx, lw, root)
		if err != nil {
			logger.Error("failed to watch library root",
				"library_id", library.ID, "root_id", root.ID, "path", root.Path, "error", err)
			continue
		}
		lw.roots = append(lw.roots, rw)
	}

	if len(lw.roots) == 0 && len(library.Roots) > 0 {
		cancel()
		return fmt.Errorf("no watchable roots for library %d (%s)", library.ID, library.Name)
	}

	w.wg.Add(1)
	go w.runFlush(ctx, lw)

	w.libraries[library.ID] = lw

	w.publish(events.EventLibraryRegistered, "Library Registered",
		fmt.Sprintf("Watching library #%d (%s) with %d roots", library.ID, library.Name, len(lw.roots)),
		library.ID)
	return nil
}

// startRoot resolves the root path and starts a detector, preferring native
// watching and falling back to polling.
func (w *Watcher) startRoot(ctx context.Context, lw *libraryWatch, root database.LibraryRoot) (*rootWatch, error) {
	abs, err := filepath.Abs(root.Path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve root path %s: %w", root.Path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("root path unavailable: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", abs)
	}
	root.Path = abs

	strategy := StrategyNative
	var det detector
	det, err = newNativeDetector(lw, root)
	if err != nil {
		logger.Warn("native watching unavailable, falling back to polling",
			"root_id", root.ID, "path", abs, "error", err)
		det = newPollingDetector(lw, root, w.cfg)
		strategy = StrategyPolling
	}
	if err := det.Start(ctx); err != nil {
		det.Stop()
		if strategy == StrategyNative {
			logger.Warn("native watch failed to start, falling back to polling",
				"root_id", root.ID, "path", abs, "error", err)
			det = newPollingDetector(lw, root, w.cfg)
			strategy = StrategyPolling
			if err := det.Start(ctx); err != nil {
				det.Stop()
				return nil, err
			}
		} else {
			return nil, err
		}
	}

	// Record the strategy so operators can see which roots run degraded.
	if w.db != nil && root.ID != 0 {
		if err := w.db.Model(&database.LibraryRoot{}).Where("id = ?", root.ID).
			Update("strategy", strategy).Error; err != nil {
			logger.Warn("failed to record root strategy", "root_id", root.ID, "error", err)
		}
	}

	logger.Info("watching root", "root_id", root.ID, "path", abs, "strategy", strategy)
	return &rootWatch{root: root, detector: det, strategy: strategy}, nil
}

// UnregisterLibrary stops a library's detectors, drains buffered events
// through a final flush, and removes the watch. Unknown libraries are a
// no-op.
func (w *Watcher) UnregisterLibrary(libraryID uint) error {
	w.mu.Lock()
	lw, ok := w.libraries[libraryID]
	if ok {
		delete(w.libraries, libraryID)
	}
	w.mu.Unlock()
	if !ok {
		return nil
	}

	for _, rw := range lw.roots {
		rw.detector.Stop()
	}
	// Closing the channel tells the flush task to drain, persist and exit.
	close(lw.raw)
	<-lw.flushDone
	lw.cancel()

	w.publish(events.EventLibraryUnregistered, "Library Unregistered",
		fmt.Sprintf("Stopped watching library #%d", libraryID), libraryID)
	return nil
}

// SetMaintenanceCorrelation attaches the active maintenance correlation id to
// a library so batches flushed during a sweep share its correlation. Empty
// clears it. No-op when the library is not registered.
func (w *Watcher) SetMaintenanceCorrelation(libraryID uint, correlationID string) {
	w.mu.RLock()
	lw, ok := w.libraries[libraryID]
	w.mu.RUnlock()
	if ok {
		lw.setMaintenanceCorrelation(correlationID)
	}
}

// Registered reports whether a library is currently watched.
func (w *Watcher) Registered(libraryID uint) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.libraries[libraryID]
	return ok
}

// Shutdown unregisters every library, draining and persisting buffered
// events, then stops the watcher entirely.
func (w *Watcher) Shutdown() {
	w.mu.RLock()
	ids := make([]uint, 0, len(w.libraries))
	for id := range w.libraries {
		ids = append(ids, id)
	}
	w.mu.RUnlock()

	for _, id := range ids {
		if err := w.UnregisterLibrary(id); err != nil {
			logger.Error("failed to unregister library on shutdown", "library_id", id, "error", err)
		}
	}

	w.cancel()
	w.wg.Wait()
}

func (w *Watcher) publish(eventType events.EventType, title, message string, libraryID uint) {
	if w.bus == nil {
		return
	}
	event := events.NewSystemEvent(eventType, title, message)
	event.Data = map[string]interface{}{"libraryId": libraryID}
	w.bus.PublishAsync(event)
}
