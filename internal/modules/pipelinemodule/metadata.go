package pipelinemodule

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/mantonx/mediadex/internal/database"
	"github.com/mantonx/mediadex/internal/logger"
	"github.com/mantonx/mediadex/internal/metrics"
	"gorm.io/gorm"
)

// ProviderErrorKind classifies metadata provider failures.
type ProviderErrorKind string

const (
	ErrKindApi           ProviderErrorKind = "api_error"
	ErrKindNotFound      ProviderErrorKind = "not_found"
	ErrKindRateLimited   ProviderErrorKind = "rate_limited"
	ErrKindInvalidApiKey ProviderErrorKind = "invalid_api_key"
	ErrKindNetwork       ProviderErrorKind = "network_error"
	ErrKindParse         ProviderErrorKind = "parse_error"
)

// ProviderError is a typed metadata provider failure. The pipeline treats
// every kind the same way (degrade, never fail the item) but the kind drives
// logging and metrics.
type ProviderError struct {
	Kind ProviderErrorKind
	Msg  string
	Err  error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError creates a typed provider error.
func NewProviderError(kind ProviderErrorKind, msg string, err error) *ProviderError {
	return &ProviderError{Kind: kind, Msg: msg, Err: err}
}

// SearchQuery is a provider lookup request.
type SearchQuery struct {
	Title     string
	Year      int
	MediaType string
}

// SearchResult is one provider match candidate.
type SearchResult struct {
	ID        string
	Title     string
	Year      int
	MediaType string
	Score     float64
}

// DetailedMediaInfo is the full provider record for a matched item.
type DetailedMediaInfo struct {
	ID          string
	Title       string
	Year        int
	Overview    string
	PosterURL   string
	BackdropURL string
}

// MetadataProvider is the outbound port to an external metadata service.
type MetadataProvider interface {
	Search(ctx context.Context, query SearchQuery) ([]SearchResult, error)
	GetMetadata(ctx context.Context, id, mediaType string) (*DetailedMediaInfo, error)
}

// NullProvider is the provider used when none is configured. Every lookup
// reports not found, so the pipeline indexes with local data only.
type NullProvider struct{}

// Search always reports not found.
func (NullProvider) Search(ctx context.Context, query SearchQuery) ([]SearchResult, error) {
	return nil, NewProviderError(ErrKindNotFound, "no metadata provider configured", nil)
}

// GetMetadata always reports not found.
func (NullProvider) GetMetadata(ctx context.Context, id, mediaType string) (*DetailedMediaInfo, error) {
	return nil, NewProviderError(ErrKindNotFound, "no metadata provider configured", nil)
}

// ImageJob describes one artwork download queued by enrichment.
type ImageJob struct {
	MediaID       string
	URL           string
	Kind          string // poster, backdrop
	CorrelationID string
}

// MediaReadyForIndex is the enrichment output handed to the indexer.
// LogicalID is nil when no provider match exists; the item is still
// indexable from its technical data.
type MediaReadyForIndex struct {
	Analyzed  *MediaAnalyzed
	LogicalID *string
	Title     string
	Year      int
	MediaType string
	ImageJobs []ImageJob
}

// MetadataEnricher attaches external metadata to an analyzed item.
type MetadataEnricher interface {
	Enrich(ctx context.Context, event database.FileEvent, analyzed *MediaAnalyzed) (*MediaReadyForIndex, error)
}

// ProviderEnricher enriches through a metadata provider. All provider
// failures degrade: the item continues with whatever local information the
// path yields. Returned errors are reserved for programming mistakes, not
// provider weather.
type ProviderEnricher struct {
	provider MetadataProvider

	// typeOf resolves a library id to its media type (movie, tv, music) so
	// searches carry the right hint.
	typeOf func(libraryID uint) string
}

// NewProviderEnricher creates an enricher. typeOf may be nil when library
// types are unknown.
func NewProviderEnricher(provider MetadataProvider, typeOf func(libraryID uint) string) *ProviderEnricher {
	if provider == nil {
		provider = NullProvider{}
	}
	if typeOf == nil {
		typeOf = func(uint) string { return "" }
	}
	return &ProviderEnricher{provider: provider, typeOf: typeOf}
}

// Enrich searches the provider for the item and attaches the best match.
func (e *ProviderEnricher) Enrich(ctx context.Context, event database.FileEvent, analyzed *MediaAnalyzed) (*MediaReadyForIndex, error) {
	title, year := TitleFromPath(event.Path)
	mediaType := e.typeOf(event.LibraryID)
	ready := &MediaReadyForIndex{
		Analyzed:  analyzed,
		Title:     title,
		Year:      year,
		MediaType: mediaType,
	}

	results, err := e.provider.Search(ctx, SearchQuery{Title: title, Year: year, MediaType: mediaType})
	if err != nil {
		e.degrade(event.Path, "search", err)
		return ready, nil
	}
	if len(results) == 0 {
		metrics.PipelineItems.WithLabelValues("metadata", "no_match").Inc()
		return ready, nil
	}

	best := results[0]
	info, err := e.provider.GetMetadata(ctx, best.ID, best.MediaType)
	if err != nil {
		e.degrade(event.Path, "details", err)
		return ready, nil
	}

	id := info.ID
	ready.LogicalID = &id
	if info.Title != "" {
		ready.Title = info.Title
	}
	if info.Year != 0 {
		ready.Year = info.Year
	}
	if info.PosterURL != "" {
		ready.ImageJobs = append(ready.ImageJobs, ImageJob{
			MediaID: id, URL: info.PosterURL, Kind: "poster", CorrelationID: event.CorrelationID,
		})
	}
	if info.BackdropURL != "" {
		ready.ImageJobs = append(ready.ImageJobs, ImageJob{
			MediaID: id, URL: info.BackdropURL, Kind: "backdrop", CorrelationID: event.CorrelationID,
		})
	}

	metrics.PipelineItems.WithLabelValues("metadata", "enriched").Inc()
	return ready, nil
}

// LibraryTypeResolver returns a typeOf func for NewProviderEnricher that
// looks library types up once and caches them. Safe for concurrent use from
// mailbox workers; library types do not change while the process runs.
func LibraryTypeResolver(db *gorm.DB) func(uint) string {
	var mu sync.Mutex
	cache := make(map[uint]string)
	return func(libraryID uint) string {
		mu.Lock()
		cached, ok := cache[libraryID]
		mu.Unlock()
		if ok {
			return cached
		}
		var lib database.MediaLibrary
		if err := db.First(&lib, libraryID).Error; err != nil {
			return ""
		}
		mu.Lock()
		cache[libraryID] = lib.Type
		mu.Unlock()
		return lib.Type
	}
}

func (e *ProviderEnricher) degrade(path, stage string, err error) {
	kind := ErrKindApi
	var perr *ProviderError
	if errors.As(err, &perr) {
		kind = perr.Kind
	}
	metrics.PipelineItems.WithLabelValues("metadata", string(kind)).Inc()
	logger.Warn("metadata lookup degraded", "path", path, "stage", stage, "kind", kind, "error", err)
}

var yearPattern = regexp.MustCompile(`\(?((19|20)\d{2})\)?`)

// TitleFromPath derives a search title and year from a file name: strip the
// extension, replace common separators, pull out a year, drop everything
// after it.
func TitleFromPath(path string) (string, int) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	name = strings.NewReplacer(".", " ", "_", " ", "-", " ").Replace(name)

	year := 0
	if loc := yearPattern.FindStringIndex(name); loc != nil {
		if y, err := strconv.Atoi(strings.Trim(name[loc[0]:loc[1]], "()")); err == nil {
			year = y
			name = name[:loc[0]]
		}
	}

	return strings.TrimSpace(strings.Join(strings.Fields(name), " ")), year
}
