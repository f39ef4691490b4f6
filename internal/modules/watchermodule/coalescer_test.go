package watchermodule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mantonx/mediadex/internal/config"
	"github.com/mantonx/mediadex/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type recordedBatch struct {
	libraryID uint
	rootID    uint
	events    []database.FileEvent
}

// fakeDispatcher records dispatched work and optionally fails.
type fakeDispatcher struct {
	mu      sync.Mutex
	batches []recordedBatch
	sweeps  []string
	finals  []bool
	fail    bool
}

func (d *fakeDispatcher) DispatchBatch(ctx context.Context, libraryID, rootID uint, evts []database.FileEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return errors.New("pipeline unavailable")
	}
	d.batches = append(d.batches, recordedBatch{libraryID: libraryID, rootID: rootID, events: evts})
	return nil
}

func (d *fakeDispatcher) DispatchSweep(ctx context.Context, libraryID, rootID uint, correlationID, reason string, final bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return errors.New("pipeline unavailable")
	}
	d.sweeps = append(d.sweeps, reason)
	d.finals = append(d.finals, final)
	return nil
}

func (d *fakeDispatcher) batchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.batches)
}

func setupWatcherDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

func watcherConfig() config.WatcherConfig {
	cfg := config.Default().Watcher
	cfg.DebounceWindow = 30 * time.Millisecond
	cfg.MaxBatchEvents = 8
	return cfg
}

func seedLibrary(t *testing.T, db *gorm.DB) *database.MediaLibrary {
	t.Helper()
	library := &database.MediaLibrary{
		Name:  "Movies",
		Type:  "movie",
		Roots: []database.LibraryRoot{{Path: "/media/movies"}},
	}
	require.NoError(t, db.Create(library).Error)
	return library
}

func newTestWatch(library *database.MediaLibrary, capacity int) *libraryWatch {
	return &libraryWatch{
		library:       *library,
		raw:           make(chan RawEvent, capacity),
		flushDone:     make(chan struct{}),
		overflowRoots: make(map[uint]struct{}),
	}
}

func TestFlushBatchPersistsBeforeDispatch(t *testing.T) {
	db := setupWatcherDB(t)
	library := seedLibrary(t, db)
	dispatcher := &fakeDispatcher{}
	w := NewWatcher(db, nil, dispatcher, watcherConfig())
	lw := newTestWatch(library, 16)
	rootID := library.Roots[0].ID

	pending := []RawEvent{
		{RootID: rootID, Kind: database.EventCreate, Path: "/media/movies/a.mkv", Size: 100, DetectedAt: time.Now()},
		{RootID: rootID, Kind: database.EventModify, Path: "/media/movies/b.mkv", Size: 200, DetectedAt: time.Now()},
	}
	w.flushBatch(context.Background(), lw, pending)

	// Both events are durable.
	var count int64
	require.NoError(t, db.Model(&database.FileEvent{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)

	// One batch, one shared correlation id.
	require.Equal(t, 1, dispatcher.batchCount())
	batch := dispatcher.batches[0]
	require.Len(t, batch.events, 2)
	assert.NotEmpty(t, batch.events[0].CorrelationID)
	assert.Equal(t, batch.events[0].CorrelationID, batch.events[1].CorrelationID)

	// Successful dispatch advances the library cursor.
	var lib database.MediaLibrary
	require.NoError(t, db.First(&lib, library.ID).Error)
	assert.Greater(t, lib.EventCursor, uint64(0))
	assert.False(t, lib.NeedsSweep)
}

func TestDispatchFailureKeepsEventsAndFlagsSweep(t *testing.T) {
	db := setupWatcherDB(t)
	library := seedLibrary(t, db)
	dispatcher := &fakeDispatcher{fail: true}
	w := NewWatcher(db, nil, dispatcher, watcherConfig())
	lw := newTestWatch(library, 16)
	rootID := library.Roots[0].ID

	w.flushBatch(context.Background(), lw, []RawEvent{
		{RootID: rootID, Kind: database.EventCreate, Path: "/media/movies/a.mkv", Size: 100, DetectedAt: time.Now()},
	})

	// The event survived despite the pipeline being down.
	var count int64
	require.NoError(t, db.Model(&database.FileEvent{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	// The cursor did not move and the library is flagged for a sweep.
	var lib database.MediaLibrary
	require.NoError(t, db.First(&lib, library.ID).Error)
	assert.EqualValues(t, 0, lib.EventCursor)
	assert.True(t, lib.NeedsSweep)
}

func TestNormalizeDropsIgnoredExtensions(t *testing.T) {
	db := setupWatcherDB(t)
	library := seedLibrary(t, db)
	w := NewWatcher(db, nil, &fakeDispatcher{}, watcherConfig())
	lw := newTestWatch(library, 16)

	batch := w.normalize(lw, []RawEvent{
		{RootID: 1, Kind: database.EventCreate, Path: "/media/movies/a.mkv", Size: 100},
		{RootID: 1, Kind: database.EventCreate, Path: "/media/movies/a.mkv.part", Size: 50},
		{RootID: 1, Kind: database.EventCreate, Path: "/media/movies/junk.TMP", Size: 10},
	})

	require.Len(t, batch, 1)
	assert.Equal(t, "/media/movies/a.mkv", batch[0].Path)
	assert.NotEmpty(t, batch[0].IdempotencyKey)
}

func TestPairMovesCollapsesDeleteCreate(t *testing.T) {
	now := time.Now()
	evts := []RawEvent{
		{RootID: 1, Kind: database.EventDelete, Path: "/media/old/a.mkv", Size: 100, Inode: 7, DetectedAt: now},
		{RootID: 1, Kind: database.EventCreate, Path: "/media/new/a.mkv", Size: 100, Inode: 7, DetectedAt: now},
	}

	out := pairMoves(evts)
	require.Len(t, out, 1)
	assert.Equal(t, database.EventMove, out[0].Kind)
	assert.Equal(t, "/media/new/a.mkv", out[0].Path)
	assert.Equal(t, "/media/old/a.mkv", out[0].OldPath)
}

func TestPairMovesRejectsInodeMismatch(t *testing.T) {
	now := time.Now()
	evts := []RawEvent{
		{RootID: 1, Kind: database.EventDelete, Path: "/media/old/a.mkv", Size: 100, Inode: 7, DetectedAt: now},
		{RootID: 1, Kind: database.EventCreate, Path: "/media/new/b.mkv", Size: 100, Inode: 9, DetectedAt: now},
	}

	out := pairMoves(evts)
	require.Len(t, out, 2)
	assert.Equal(t, database.EventDelete, out[0].Kind)
	assert.Equal(t, database.EventCreate, out[1].Kind)
}

func TestPairMovesLeavesUnmatchedHalves(t *testing.T) {
	now := time.Now()
	evts := []RawEvent{
		{RootID: 1, Kind: database.EventDelete, Path: "/media/a.mkv", Size: 100, DetectedAt: now},
		{RootID: 1, Kind: database.EventCreate, Path: "/media/b.mkv", Size: 999, DetectedAt: now},
	}

	out := pairMoves(evts)
	require.Len(t, out, 2)
	for _, ev := range out {
		assert.NotEqual(t, database.EventMove, ev.Kind)
	}
}

func TestMaintenanceCorrelationWinsOverFresh(t *testing.T) {
	db := setupWatcherDB(t)
	library := seedLibrary(t, db)
	w := NewWatcher(db, nil, &fakeDispatcher{}, watcherConfig())
	lw := newTestWatch(library, 16)

	lw.setMaintenanceCorrelation("maint-123")
	corr := w.resolveCorrelation(lw, []RawEvent{{Kind: database.EventCreate, Path: "/a"}})
	assert.Equal(t, "maint-123", corr)

	// A correlation carried by the events themselves wins over everything.
	corr = w.resolveCorrelation(lw, []RawEvent{{Kind: database.EventCreate, Path: "/a", CorrelationID: "job-9"}})
	assert.Equal(t, "job-9", corr)

	lw.setMaintenanceCorrelation("")
	corr = w.resolveCorrelation(lw, []RawEvent{{Kind: database.EventCreate, Path: "/a"}})
	assert.NotEmpty(t, corr)
}

func TestRunFlushDebouncesIntoOneBatch(t *testing.T) {
	db := setupWatcherDB(t)
	library := seedLibrary(t, db)
	dispatcher := &fakeDispatcher{}
	w := NewWatcher(db, nil, dispatcher, watcherConfig())
	lw := newTestWatch(library, 16)
	rootID := library.Roots[0].ID

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.wg.Add(1)
	go w.runFlush(ctx, lw)

	// A burst inside the debounce window coalesces into a single batch.
	for i := 0; i < 3; i++ {
		lw.raw <- RawEvent{
			RootID:     rootID,
			Kind:       database.EventCreate,
			Path:       "/media/movies/ep" + string(rune('a'+i)) + ".mkv",
			Size:       int64(100 + i),
			DetectedAt: time.Now(),
		}
	}

	require.Eventually(t, func() bool { return dispatcher.batchCount() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Len(t, dispatcher.batches[0].events, 3)

	close(lw.raw)
	<-lw.flushDone
}

func TestOverflowBypassesDebounceAndFlagsSweep(t *testing.T) {
	db := setupWatcherDB(t)
	library := seedLibrary(t, db)
	dispatcher := &fakeDispatcher{}
	cfg := watcherConfig()
	cfg.DebounceWindow = time.Hour // debounce must not matter for overflow
	w := NewWatcher(db, nil, dispatcher, cfg)
	lw := newTestWatch(library, 16)
	rootID := library.Roots[0].ID
	lw.roots = []*rootWatch{{root: library.Roots[0]}}

	lw.markOverflow(rootID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.wg.Add(1)
	go w.runFlush(ctx, lw)

	// Wake the loop; the overflow must flush even though debounce is huge.
	lw.raw <- RawEvent{RootID: rootID, Kind: database.EventCreate, Path: "/media/movies/x.mkv", Size: 1, DetectedAt: time.Now()}

	require.Eventually(t, func() bool { return dispatcher.batchCount() >= 1 },
		time.Second, 10*time.Millisecond)

	overflow := dispatcher.batches[0]
	require.Len(t, overflow.events, 1)
	assert.Equal(t, database.EventOverflow, overflow.events[0].Kind)

	var lib database.MediaLibrary
	require.NoError(t, db.First(&lib, library.ID).Error)
	assert.True(t, lib.NeedsSweep)

	close(lw.raw)
	<-lw.flushDone
}

func TestIdempotencyKeysStableAcrossReplay(t *testing.T) {
	db := setupWatcherDB(t)
	library := seedLibrary(t, db)
	w := NewWatcher(db, nil, &fakeDispatcher{}, watcherConfig())
	lw := newTestWatch(library, 16)

	at := time.Now()
	raw := []RawEvent{{RootID: 1, Kind: database.EventCreate, Path: "/media/movies/a.mkv", Size: 1, DetectedAt: at}}

	first := w.normalize(lw, raw)
	second := w.normalize(lw, raw)
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].IdempotencyKey, second[0].IdempotencyKey)
}
