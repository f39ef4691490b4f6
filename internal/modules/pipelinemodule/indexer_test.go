package pipelinemodule

import (
	"context"
	"fmt"
	"testing"

	"github.com/mantonx/mediadex/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func setupPipelineDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

// probingRefs records lookup order and resolves only the configured kind.
type probingRefs struct {
	order []string
	kind  string // which lookup succeeds: movie, series, season, episode
	fail  error  // non-not-found error returned by every lookup
}

func (r *probingRefs) miss(name string) error {
	r.order = append(r.order, name)
	if r.fail != nil {
		return r.fail
	}
	if r.kind == name {
		return nil
	}
	return fmt.Errorf("%s: %w", name, database.ErrReferenceNotFound)
}

func (r *probingRefs) GetMovieReference(ctx context.Context, id string) (*database.MovieReference, error) {
	if err := r.miss("movie"); err != nil {
		return nil, err
	}
	return &database.MovieReference{ID: id}, nil
}

func (r *probingRefs) GetSeriesReference(ctx context.Context, id string) (*database.SeriesReference, error) {
	if err := r.miss("series"); err != nil {
		return nil, err
	}
	return &database.SeriesReference{ID: id}, nil
}

func (r *probingRefs) GetSeasonReference(ctx context.Context, id string) (*database.SeasonReference, error) {
	if err := r.miss("season"); err != nil {
		return nil, err
	}
	return &database.SeasonReference{ID: id}, nil
}

func (r *probingRefs) GetEpisodeReference(ctx context.Context, id string) (*database.EpisodeReference, error) {
	if err := r.miss("episode"); err != nil {
		return nil, err
	}
	return &database.EpisodeReference{ID: id}, nil
}

func readyFixture(logicalID string) *MediaReadyForIndex {
	ready := &MediaReadyForIndex{
		Analyzed:  analyzedFixture(),
		Title:     "The Matrix",
		MediaType: "movie",
	}
	if logicalID != "" {
		ready.LogicalID = &logicalID
	}
	return ready
}

func indexEvent(kind database.EventKind, path string) database.FileEvent {
	return database.FileEvent{LibraryID: 1, RootID: 1, Kind: kind, Path: path, CorrelationID: "c1"}
}

func TestIndexProbesReferencesInOrder(t *testing.T) {
	db := setupPipelineDB(t)
	refs := &probingRefs{kind: "episode"}
	ix := NewRepositoryIndexer(db, refs, nil)

	outcome, err := ix.Index(context.Background(), indexEvent(database.EventCreate, "/m/s01e01.mkv"), readyFixture("ep-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"movie", "series", "season", "episode"}, refs.order)
	assert.Equal(t, "ep-1", outcome.MediaID)

	var stored database.MediaFile
	require.NoError(t, db.First(&stored, "path = ?", "/m/s01e01.mkv").Error)
	assert.Equal(t, "episode", stored.MediaType)
}

func TestIndexStopsProbingOnFirstHit(t *testing.T) {
	db := setupPipelineDB(t)
	refs := &probingRefs{kind: "movie"}
	ix := NewRepositoryIndexer(db, refs, nil)

	_, err := ix.Index(context.Background(), indexEvent(database.EventCreate, "/m/a.mkv"), readyFixture("tt1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"movie"}, refs.order)
}

func TestIndexPropagatesRepositoryFailures(t *testing.T) {
	db := setupPipelineDB(t)
	refs := &probingRefs{fail: fmt.Errorf("connection refused")}
	ix := NewRepositoryIndexer(db, refs, nil)

	_, err := ix.Index(context.Background(), indexEvent(database.EventCreate, "/m/a.mkv"), readyFixture("tt1"))
	require.Error(t, err)
	// Only the first probe ran; a hard failure is not a miss.
	assert.Equal(t, []string{"movie"}, refs.order)
}

func TestIndexUnknownReferenceIsNewEntity(t *testing.T) {
	db := setupPipelineDB(t)
	refs := &probingRefs{} // every probe misses
	ix := NewRepositoryIndexer(db, refs, nil)

	outcome, err := ix.Index(context.Background(), indexEvent(database.EventCreate, "/m/a.mkv"), readyFixture("tt-new"))
	require.NoError(t, err)
	assert.Equal(t, "tt-new", outcome.MediaID)
	assert.Equal(t, ChangeCreated, outcome.Change)
}

func TestIndexWithoutMatchDerivesStableID(t *testing.T) {
	db := setupPipelineDB(t)
	ix := NewRepositoryIndexer(db, nil, nil)

	first, err := ix.Index(context.Background(), indexEvent(database.EventCreate, "/m/a.mkv"), readyFixture(""))
	require.NoError(t, err)
	assert.Equal(t, "md_abcdef0123456789", first.MediaID)
	assert.Equal(t, ChangeCreated, first.Change)

	// Replaying the same event updates in place with the same id.
	second, err := ix.Index(context.Background(), indexEvent(database.EventCreate, "/m/a.mkv"), readyFixture(""))
	require.NoError(t, err)
	assert.Equal(t, first.MediaID, second.MediaID)
	assert.Equal(t, ChangeUpdated, second.Change)

	var count int64
	require.NoError(t, db.Model(&database.MediaFile{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestIndexDeleteRemovesRow(t *testing.T) {
	db := setupPipelineDB(t)
	ix := NewRepositoryIndexer(db, nil, nil)

	_, err := ix.Index(context.Background(), indexEvent(database.EventCreate, "/m/a.mkv"), readyFixture(""))
	require.NoError(t, err)

	outcome, err := ix.Index(context.Background(), indexEvent(database.EventDelete, "/m/a.mkv"), nil)
	require.NoError(t, err)
	assert.Equal(t, ChangeRemoved, outcome.Change)

	var count int64
	require.NoError(t, db.Model(&database.MediaFile{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)

	// Deleting what was never indexed is a quiet no-op.
	outcome, err = ix.Index(context.Background(), indexEvent(database.EventDelete, "/m/ghost.mkv"), nil)
	require.NoError(t, err)
	assert.Equal(t, ChangeNone, outcome.Change)
}

func TestIndexMoveRepointsRow(t *testing.T) {
	db := setupPipelineDB(t)
	ix := NewRepositoryIndexer(db, nil, nil)

	created, err := ix.Index(context.Background(), indexEvent(database.EventCreate, "/m/old.mkv"), readyFixture(""))
	require.NoError(t, err)

	old := "/m/old.mkv"
	moveEvent := indexEvent(database.EventMove, "/m/new.mkv")
	moveEvent.OldPath = &old

	outcome, err := ix.Index(context.Background(), moveEvent, readyFixture(""))
	require.NoError(t, err)
	assert.Equal(t, ChangeUpdated, outcome.Change)
	assert.Equal(t, created.MediaID, outcome.MediaID)

	var stored database.MediaFile
	require.NoError(t, db.First(&stored, "path = ?", "/m/new.mkv").Error)
	var count int64
	require.NoError(t, db.Model(&database.MediaFile{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestIndexMoveOfUnknownPathIndexesFresh(t *testing.T) {
	db := setupPipelineDB(t)
	ix := NewRepositoryIndexer(db, nil, nil)

	old := "/m/never-indexed.mkv"
	moveEvent := indexEvent(database.EventMove, "/m/new.mkv")
	moveEvent.OldPath = &old

	outcome, err := ix.Index(context.Background(), moveEvent, readyFixture(""))
	require.NoError(t, err)
	assert.Equal(t, ChangeCreated, outcome.Change)
}
