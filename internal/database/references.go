package database

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrReferenceNotFound is returned by reference lookups when no matching
// logical entity exists. Callers treat it as "keep probing", anything else
// propagates.
var ErrReferenceNotFound = errors.New("reference not found")

// MediaReferencesRepository resolves logical entities (movie, series, season,
// episode) by id.
type MediaReferencesRepository interface {
	GetMovieReference(ctx context.Context, id string) (*MovieReference, error)
	GetSeriesReference(ctx context.Context, id string) (*SeriesReference, error)
	GetSeasonReference(ctx context.Context, id string) (*SeasonReference, error)
	GetEpisodeReference(ctx context.Context, id string) (*EpisodeReference, error)
}

// GormReferencesRepository backs MediaReferencesRepository with the primary
// database.
type GormReferencesRepository struct {
	db *gorm.DB
}

// NewReferencesRepository creates a repository over the given connection.
func NewReferencesRepository(db *gorm.DB) *GormReferencesRepository {
	return &GormReferencesRepository{db: db}
}

func (r *GormReferencesRepository) GetMovieReference(ctx context.Context, id string) (*MovieReference, error) {
	var ref MovieReference
	if err := r.db.WithContext(ctx).First(&ref, "id = ?", id).Error; err != nil {
		return nil, wrapLookupErr("movie", id, err)
	}
	return &ref, nil
}

func (r *GormReferencesRepository) GetSeriesReference(ctx context.Context, id string) (*SeriesReference, error) {
	var ref SeriesReference
	if err := r.db.WithContext(ctx).First(&ref, "id = ?", id).Error; err != nil {
		return nil, wrapLookupErr("series", id, err)
	}
	return &ref, nil
}

func (r *GormReferencesRepository) GetSeasonReference(ctx context.Context, id string) (*SeasonReference, error) {
	var ref SeasonReference
	if err := r.db.WithContext(ctx).First(&ref, "id = ?", id).Error; err != nil {
		return nil, wrapLookupErr("season", id, err)
	}
	return &ref, nil
}

func (r *GormReferencesRepository) GetEpisodeReference(ctx context.Context, id string) (*EpisodeReference, error) {
	var ref EpisodeReference
	if err := r.db.WithContext(ctx).First(&ref, "id = ?", id).Error; err != nil {
		return nil, wrapLookupErr("episode", id, err)
	}
	return &ref, nil
}

func wrapLookupErr(kind, id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrReferenceNotFound)
	}
	return fmt.Errorf("failed to look up %s reference %s: %w", kind, id, err)
}
