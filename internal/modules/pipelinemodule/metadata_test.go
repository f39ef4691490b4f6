package pipelinemodule

import (
	"context"
	"sync"
	"testing"

	"github.com/mantonx/mediadex/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider returns canned responses or a canned error.
type scriptedProvider struct {
	searchErr  error
	detailsErr error
	results    []SearchResult
	info       *DetailedMediaInfo
	searches   int
}

func (p *scriptedProvider) Search(ctx context.Context, query SearchQuery) ([]SearchResult, error) {
	p.searches++
	if p.searchErr != nil {
		return nil, p.searchErr
	}
	return p.results, nil
}

func (p *scriptedProvider) GetMetadata(ctx context.Context, id, mediaType string) (*DetailedMediaInfo, error) {
	if p.detailsErr != nil {
		return nil, p.detailsErr
	}
	return p.info, nil
}

func analyzedFixture() *MediaAnalyzed {
	return &MediaAnalyzed{Fingerprint: "abcdef0123456789abcd", SizeBytes: 100, StreamsJSON: placeholderStreams}
}

func enrichEvent(path string) database.FileEvent {
	return database.FileEvent{LibraryID: 1, RootID: 1, Kind: database.EventCreate, Path: path, CorrelationID: "c1"}
}

func TestEnrichAttachesProviderMatch(t *testing.T) {
	provider := &scriptedProvider{
		results: []SearchResult{{ID: "tt0133093", Title: "The Matrix", Year: 1999, MediaType: "movie"}},
		info: &DetailedMediaInfo{
			ID: "tt0133093", Title: "The Matrix", Year: 1999,
			PosterURL:   "https://img.example/poster.jpg",
			BackdropURL: "https://img.example/backdrop.jpg",
		},
	}
	enricher := NewProviderEnricher(provider, func(uint) string { return "movie" })

	ready, err := enricher.Enrich(context.Background(), enrichEvent("/media/The.Matrix.1999.mkv"), analyzedFixture())
	require.NoError(t, err)
	require.NotNil(t, ready.LogicalID)
	assert.Equal(t, "tt0133093", *ready.LogicalID)
	assert.Equal(t, "The Matrix", ready.Title)
	assert.Len(t, ready.ImageJobs, 2)
}

func TestEnrichDegradesOnRateLimit(t *testing.T) {
	provider := &scriptedProvider{
		searchErr: NewProviderError(ErrKindRateLimited, "slow down", nil),
	}
	enricher := NewProviderEnricher(provider, func(uint) string { return "movie" })

	ready, err := enricher.Enrich(context.Background(), enrichEvent("/media/The.Matrix.1999.mkv"), analyzedFixture())

	// A rate limited provider degrades the item, never fails it.
	require.NoError(t, err)
	assert.Nil(t, ready.LogicalID)
	assert.Empty(t, ready.ImageJobs)
	assert.Equal(t, "The Matrix", ready.Title)
	assert.Equal(t, 1999, ready.Year)
}

func TestEnrichDegradesOnDetailsFailure(t *testing.T) {
	provider := &scriptedProvider{
		results:    []SearchResult{{ID: "tt1", Title: "Something", MediaType: "movie"}},
		detailsErr: NewProviderError(ErrKindNetwork, "connection reset", nil),
	}
	enricher := NewProviderEnricher(provider, nil)

	ready, err := enricher.Enrich(context.Background(), enrichEvent("/media/something.mkv"), analyzedFixture())
	require.NoError(t, err)
	assert.Nil(t, ready.LogicalID)
	assert.Empty(t, ready.ImageJobs)
}

func TestEnrichNoMatchKeepsLocalTitle(t *testing.T) {
	enricher := NewProviderEnricher(&scriptedProvider{}, nil)

	ready, err := enricher.Enrich(context.Background(), enrichEvent("/media/home_video_clip.mkv"), analyzedFixture())
	require.NoError(t, err)
	assert.Nil(t, ready.LogicalID)
	assert.Equal(t, "home video clip", ready.Title)
}

func TestLibraryTypeResolverConcurrentUse(t *testing.T) {
	db := setupPipelineDB(t)
	movies := &database.MediaLibrary{Name: "Movies", Type: "movie"}
	shows := &database.MediaLibrary{Name: "Shows", Type: "tv"}
	require.NoError(t, db.Create(movies).Error)
	require.NoError(t, db.Create(shows).Error)

	resolve := LibraryTypeResolver(db)

	// Queued mailbox workers resolve types from several goroutines at once;
	// the cache has to hold up under that.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				assert.Equal(t, "movie", resolve(movies.ID))
				assert.Equal(t, "tv", resolve(shows.ID))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, "", resolve(9999))
}

func TestNullProviderReportsNotFound(t *testing.T) {
	_, err := NullProvider{}.Search(context.Background(), SearchQuery{Title: "x"})
	require.Error(t, err)
	perr, ok := err.(*ProviderError)
	require.True(t, ok)
	assert.Equal(t, ErrKindNotFound, perr.Kind)
}

func TestTitleFromPath(t *testing.T) {
	cases := []struct {
		path  string
		title string
		year  int
	}{
		{"/media/The.Matrix.1999.1080p.mkv", "The Matrix", 1999},
		{"/media/Blade Runner (1982).mkv", "Blade Runner", 1982},
		{"/media/some_show_episode.mkv", "some show episode", 0},
		{"/media/plain.mkv", "plain", 0},
	}
	for _, tc := range cases {
		title, year := TitleFromPath(tc.path)
		assert.Equal(t, tc.title, title, tc.path)
		assert.Equal(t, tc.year, year, tc.path)
	}
}
