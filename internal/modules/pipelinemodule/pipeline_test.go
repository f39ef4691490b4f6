package pipelinemodule

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mantonx/mediadex/internal/config"
	"github.com/mantonx/mediadex/internal/database"
	"github.com/mantonx/mediadex/internal/modules/scannermodule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// stubAnalyzer avoids touching the filesystem for batch tests.
type stubAnalyzer struct{ fail bool }

func (a stubAnalyzer) Analyze(ctx context.Context, event database.FileEvent) (*MediaAnalyzed, error) {
	if a.fail {
		return nil, fmt.Errorf("probe crashed")
	}
	return &MediaAnalyzed{
		Fingerprint: "fp-" + filepath.Base(event.Path),
		SizeBytes:   100,
		StreamsJSON: placeholderStreams,
	}, nil
}

type stubEnricher struct{}

func (stubEnricher) Enrich(ctx context.Context, event database.FileEvent, analyzed *MediaAnalyzed) (*MediaReadyForIndex, error) {
	title, year := TitleFromPath(event.Path)
	return &MediaReadyForIndex{Analyzed: analyzed, Title: title, Year: year, MediaType: "movie"}, nil
}

func newTestPipeline(t *testing.T, db *gorm.DB, actors Actors) (*Pipeline, *scannermodule.Orchestrator) {
	t.Helper()
	orch := scannermodule.NewOrchestrator(db, nil, 0)
	if actors.Analyzer == nil {
		actors.Analyzer = stubAnalyzer{}
	}
	if actors.Enricher == nil {
		actors.Enricher = stubEnricher{}
	}
	if actors.Indexer == nil {
		actors.Indexer = NewRepositoryIndexer(db, nil, nil)
	}
	cfg := config.Default().Watcher
	cfg.MaxBatchEvents = 4
	return NewPipeline(db, nil, orch, actors, cfg), orch
}

func seedPipelineLibrary(t *testing.T, db *gorm.DB, rootPath string) *database.MediaLibrary {
	t.Helper()
	library := &database.MediaLibrary{
		Name:  "Movies",
		Type:  "movie",
		Roots: []database.LibraryRoot{{Path: rootPath}},
	}
	require.NoError(t, db.Create(library).Error)
	return library
}

func batchCommand(library *database.MediaLibrary, evts ...database.FileEvent) Command {
	return Command{
		Kind:          CommandFileEventBatch,
		LibraryID:     library.ID,
		RootID:        library.Roots[0].ID,
		CorrelationID: "corr-1",
		Events:        evts,
	}
}

func fileEvent(library *database.MediaLibrary, kind database.EventKind, path string) database.FileEvent {
	return database.FileEvent{
		LibraryID:     library.ID,
		RootID:        library.Roots[0].ID,
		Kind:          kind,
		Path:          path,
		CorrelationID: "corr-1",
	}
}

func TestExecuteBatchIndexesAndCompletesScan(t *testing.T) {
	db := setupPipelineDB(t)
	library := seedPipelineLibrary(t, db, "/media/movies")
	pipeline, orch := newTestPipeline(t, db, Actors{})

	result, err := pipeline.Execute(context.Background(), batchCommand(library,
		fileEvent(library, database.EventCreate, "/media/movies/a.mkv"),
		fileEvent(library, database.EventCreate, "/media/movies/b.mkv"),
	))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 0, result.Failed)

	var count int64
	require.NoError(t, db.Model(&database.MediaFile{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)

	// The live batch ran under its own scan, now completed.
	job, err := orch.GetScanStatus(result.ScanID)
	require.NoError(t, err)
	assert.Equal(t, database.ScanStatusCompleted, job.Status)
	assert.Equal(t, database.ScanTypeIncremental, job.ScanType)
	assert.Equal(t, 2, job.ProcessedFiles)
}

func TestExecuteBatchRecordsItemErrors(t *testing.T) {
	db := setupPipelineDB(t)
	library := seedPipelineLibrary(t, db, "/media/movies")
	pipeline, orch := newTestPipeline(t, db, Actors{Analyzer: stubAnalyzer{fail: true}})

	result, err := pipeline.Execute(context.Background(), batchCommand(library,
		fileEvent(library, database.EventCreate, "/media/movies/a.mkv"),
	))
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 1, result.Failed)

	job, err := orch.GetScanStatus(result.ScanID)
	require.NoError(t, err)
	assert.Equal(t, 1, job.ErrorCount)
	require.Len(t, job.Errors, 1)
	assert.Contains(t, job.Errors[0], "analyze")
	// Item failures never fail the scan itself.
	assert.Equal(t, database.ScanStatusCompleted, job.Status)
}

// pausingIndexer pauses the scan from inside the first indexed item, the
// way an operator would mid-sweep.
type pausingIndexer struct {
	inner  Indexer
	orch   *scannermodule.Orchestrator
	paused bool
}

func (p *pausingIndexer) Index(ctx context.Context, event database.FileEvent, ready *MediaReadyForIndex) (*IndexingOutcome, error) {
	outcome, err := p.inner.Index(ctx, event, ready)
	if !p.paused {
		p.paused = true
		if job, jerr := p.orch.GetLatestScan(event.LibraryID); jerr == nil {
			_ = p.orch.PauseScan(job.ID)
		}
	}
	return outcome, err
}

func TestSweepHaltsAtChunkBoundaryWhenPaused(t *testing.T) {
	db := setupPipelineDB(t)
	dir := t.TempDir()
	for _, name := range []string{"a.mkv", "b.mkv", "c.mkv"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	library := seedPipelineLibrary(t, db, dir)

	orch := scannermodule.NewOrchestrator(db, nil, 0)
	cfg := config.Default().Watcher
	cfg.MaxBatchEvents = 1 // one file per chunk, so the pause lands between files
	actors := Actors{
		Analyzer: stubAnalyzer{},
		Enricher: stubEnricher{},
		Indexer:  &pausingIndexer{inner: NewRepositoryIndexer(db, nil, nil), orch: orch},
	}
	pipeline := NewPipeline(db, nil, orch, actors, cfg)

	result, err := pipeline.Execute(context.Background(), Command{
		Kind:          CommandMaintenanceSweep,
		LibraryID:     library.ID,
		RootID:        library.Roots[0].ID,
		CorrelationID: "maint-1",
		Reason:        "stale",
		Final:         true,
	})
	require.NoError(t, err)

	// Only the chunk already in flight finished; the rest waits for resume.
	assert.Equal(t, 1, result.Processed)

	job, err := orch.GetScanStatus(result.ScanID)
	require.NoError(t, err)
	assert.Equal(t, database.ScanStatusPaused, job.Status)

	var count int64
	require.NoError(t, db.Model(&database.MediaFile{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestBatchLeavesScanPausedUnderneath(t *testing.T) {
	db := setupPipelineDB(t)
	library := seedPipelineLibrary(t, db, "/media/movies")

	orch := scannermodule.NewOrchestrator(db, nil, 0)
	actors := Actors{
		Analyzer: stubAnalyzer{},
		Enricher: stubEnricher{},
		Indexer:  &pausingIndexer{inner: NewRepositoryIndexer(db, nil, nil), orch: orch},
	}
	pipeline := NewPipeline(db, nil, orch, actors, config.Default().Watcher)

	result, err := pipeline.Execute(context.Background(), batchCommand(library,
		fileEvent(library, database.EventCreate, "/media/movies/a.mkv"),
		fileEvent(library, database.EventCreate, "/media/movies/b.mkv"),
	))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)

	// The pause landed while the batch was in flight; the owner must not
	// complete over it.
	job, err := orch.GetScanStatus(result.ScanID)
	require.NoError(t, err)
	assert.Equal(t, database.ScanStatusPaused, job.Status)
}

func TestBatchMintsOwnScanWhilePausedScanExists(t *testing.T) {
	db := setupPipelineDB(t)
	library := seedPipelineLibrary(t, db, "/media/movies")
	pipeline, orch := newTestPipeline(t, db, Actors{})

	paused, err := orch.CreateScan(library.ID, database.ScanTypeFull, database.ScanOptions{})
	require.NoError(t, err)
	require.NoError(t, orch.StartScan(paused.ID))
	require.NoError(t, orch.PauseScan(paused.ID))

	result, err := pipeline.Execute(context.Background(), batchCommand(library,
		fileEvent(library, database.EventCreate, "/media/movies/a.mkv"),
	))
	require.NoError(t, err)
	assert.NotEqual(t, paused.ID, result.ScanID)

	job, err := orch.GetScanStatus(result.ScanID)
	require.NoError(t, err)
	assert.Equal(t, database.ScanStatusCompleted, job.Status)

	// The paused scan is untouched.
	still, err := orch.GetScanStatus(paused.ID)
	require.NoError(t, err)
	assert.Equal(t, database.ScanStatusPaused, still.Status)
}

func TestEnsureScanJoinsActiveScanNotPaused(t *testing.T) {
	db := setupPipelineDB(t)
	library := seedPipelineLibrary(t, db, "/media/movies")
	pipeline, _ := newTestPipeline(t, db, Actors{})

	running := database.ScanJob{LibraryID: library.ID, ScanType: database.ScanTypeMaintenance, Status: database.ScanStatusRunning}
	require.NoError(t, db.Create(&running).Error)
	paused := database.ScanJob{LibraryID: library.ID, ScanType: database.ScanTypeFull, Status: database.ScanStatusPaused}
	require.NoError(t, db.Create(&paused).Error)

	// Exclusivity blocks a new scan; the unknown correlation joins the scan
	// that holds it, never the paused one.
	scanID, created, err := pipeline.ensureScan(library.ID, "corr-x", database.ScanTypeIncremental)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, running.ID, scanID)
}

func TestExecuteBatchReplayIsIdempotent(t *testing.T) {
	db := setupPipelineDB(t)
	library := seedPipelineLibrary(t, db, "/media/movies")
	pipeline, _ := newTestPipeline(t, db, Actors{})

	cmd := batchCommand(library, fileEvent(library, database.EventCreate, "/media/movies/a.mkv"))

	first, err := pipeline.Execute(context.Background(), cmd)
	require.NoError(t, err)

	// The same batch replayed (crash between persist and cursor advance)
	// converges on the same row and the same media id.
	second, err := pipeline.Execute(context.Background(), cmd)
	require.NoError(t, err)

	var files []database.MediaFile
	require.NoError(t, db.Find(&files).Error)
	require.Len(t, files, 1)
	assert.Equal(t, first.Items[0].MediaID, second.Items[0].MediaID)
}

func TestExecuteSweepWalksRootAndCompletes(t *testing.T) {
	db := setupPipelineDB(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.mkv"), []byte("aa"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.mkv"), []byte("bb"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.tmp"), []byte("t"), 0o644))

	library := seedPipelineLibrary(t, db, dir)
	pipeline, orch := newTestPipeline(t, db, Actors{})

	result, err := pipeline.Execute(context.Background(), Command{
		Kind:          CommandMaintenanceSweep,
		LibraryID:     library.ID,
		RootID:        library.Roots[0].ID,
		CorrelationID: "maint-1",
		Reason:        "stale",
		Final:         true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)

	job, err := orch.GetScanStatus(result.ScanID)
	require.NoError(t, err)
	assert.Equal(t, database.ScanStatusCompleted, job.Status)
	assert.Equal(t, database.ScanTypeMaintenance, job.ScanType)
	assert.Equal(t, 2, job.TotalFiles)

	// Sweep events were journaled and the cursor followed them.
	var eventCount int64
	require.NoError(t, db.Model(&database.FileEvent{}).Count(&eventCount).Error)
	assert.EqualValues(t, 2, eventCount)

	var lib database.MediaLibrary
	require.NoError(t, db.First(&lib, library.ID).Error)
	assert.Greater(t, lib.EventCursor, uint64(0))
}

func TestSweepAcrossRootsSharesOneScan(t *testing.T) {
	db := setupPipelineDB(t)
	dirA := t.TempDir()
	dirB := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dirA, "a.mkv"), []byte("aa"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dirB, "b.mkv"), []byte("bb"), 0o644))

	library := &database.MediaLibrary{
		Name:  "Movies",
		Type:  "movie",
		Roots: []database.LibraryRoot{{Path: dirA}, {Path: dirB}},
	}
	require.NoError(t, db.Create(library).Error)
	pipeline, orch := newTestPipeline(t, db, Actors{})

	sweep := func(rootID uint, final bool) *CommandResult {
		result, err := pipeline.Execute(context.Background(), Command{
			Kind:          CommandMaintenanceSweep,
			LibraryID:     library.ID,
			RootID:        rootID,
			CorrelationID: "maint-1",
			Reason:        "stale",
			Final:         final,
		})
		require.NoError(t, err)
		return result
	}

	first := sweep(library.Roots[0].ID, false)
	second := sweep(library.Roots[1].ID, true)

	// One sweep run over both roots maps onto exactly one scan job, still
	// running between roots and completed after the last one.
	assert.Equal(t, first.ScanID, second.ScanID)

	var count int64
	require.NoError(t, db.Model(&database.ScanJob{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	job, err := orch.GetScanStatus(first.ScanID)
	require.NoError(t, err)
	assert.Equal(t, database.ScanStatusCompleted, job.Status)

	var files int64
	require.NoError(t, db.Model(&database.MediaFile{}).Count(&files).Error)
	assert.EqualValues(t, 2, files)
}

func TestExecuteUnknownCommandKind(t *testing.T) {
	db := setupPipelineDB(t)
	pipeline, _ := newTestPipeline(t, db, Actors{})

	_, err := pipeline.Execute(context.Background(), Command{Kind: "bogus"})
	require.Error(t, err)
}

func TestDispatchBatchEmptyIsNoop(t *testing.T) {
	db := setupPipelineDB(t)
	pipeline, _ := newTestPipeline(t, db, Actors{})
	dispatcher := NewBatchDispatcher(NewInProcessMailbox(pipeline))

	// No events, no command, no scan.
	require.NoError(t, dispatcher.DispatchBatch(context.Background(), 1, 1, nil))

	var count int64
	require.NoError(t, db.Model(&database.ScanJob{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}

func TestQueuedMailboxExecutesAndStops(t *testing.T) {
	db := setupPipelineDB(t)
	library := seedPipelineLibrary(t, db, "/media/movies")
	pipeline, _ := newTestPipeline(t, db, Actors{})

	mailbox := NewQueuedMailbox(pipeline, 2, 8)
	mailbox.Start()

	result, err := mailbox.Send(context.Background(), batchCommand(library,
		fileEvent(library, database.EventCreate, "/media/movies/a.mkv"),
	))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)

	mailbox.Stop()
	_, err = mailbox.Send(context.Background(), batchCommand(library))
	require.Error(t, err)
}

func TestQueuedMailboxSendHonorsContext(t *testing.T) {
	db := setupPipelineDB(t)
	library := seedPipelineLibrary(t, db, "/media/movies")
	pipeline, _ := newTestPipeline(t, db, Actors{})

	// Never started: sends sit in the queue until the context gives up.
	mailbox := NewQueuedMailbox(pipeline, 2, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := mailbox.Send(ctx, batchCommand(library,
		fileEvent(library, database.EventCreate, "/media/movies/a.mkv"),
	))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
