package pipelinemodule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mantonx/mediadex/internal/database"
	"github.com/mantonx/mediadex/internal/events"
	"github.com/mantonx/mediadex/internal/logger"
	"github.com/mantonx/mediadex/internal/metrics"
	"gorm.io/gorm"
)

// ChangeKind describes what the indexer did with an item.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeRemoved ChangeKind = "removed"
	ChangeNone    ChangeKind = "none"
)

// IndexingOutcome is the result of indexing one event.
type IndexingOutcome struct {
	MediaID string
	Change  ChangeKind
}

// Indexer reconciles one event against the media index.
type Indexer interface {
	Index(ctx context.Context, event database.FileEvent, ready *MediaReadyForIndex) (*IndexingOutcome, error)
}

// RepositoryIndexer upserts media files keyed by (library, path) and
// resolves provider matches against known reference entities. Indexing
// errors are real item failures, unlike analysis and enrichment which
// degrade.
type RepositoryIndexer struct {
	db   *gorm.DB
	refs database.MediaReferencesRepository
	bus  events.EventBus
}

// NewRepositoryIndexer creates an indexer.
func NewRepositoryIndexer(db *gorm.DB, refs database.MediaReferencesRepository, bus events.EventBus) *RepositoryIndexer {
	return &RepositoryIndexer{db: db, refs: refs, bus: bus}
}

// Index applies one event to the index. Deletes remove the row, moves
// re-point it, everything else upserts.
func (ix *RepositoryIndexer) Index(ctx context.Context, event database.FileEvent, ready *MediaReadyForIndex) (*IndexingOutcome, error) {
	switch event.Kind {
	case database.EventDelete:
		return ix.remove(ctx, event)
	case database.EventMove:
		if outcome, handled, err := ix.move(ctx, event); handled || err != nil {
			return outcome, err
		}
		// No row at the old path; fall through and index the destination
		// as a fresh item.
	}
	return ix.upsert(ctx, event, ready)
}

func (ix *RepositoryIndexer) remove(ctx context.Context, event database.FileEvent) (*IndexingOutcome, error) {
	result := ix.db.WithContext(ctx).
		Where("library_id = ? AND path = ?", event.LibraryID, event.Path).
		Delete(&database.MediaFile{})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to remove %s from index: %w", event.Path, result.Error)
	}
	if result.RowsAffected == 0 {
		return &IndexingOutcome{Change: ChangeNone}, nil
	}

	metrics.PipelineItems.WithLabelValues("index", "removed").Inc()
	ix.publish(events.EventMediaFileRemoved, event.LibraryID, event.Path, "")
	return &IndexingOutcome{Change: ChangeRemoved}, nil
}

// move re-points an indexed row at its new path. Returns handled=false when
// the old path was never indexed.
func (ix *RepositoryIndexer) move(ctx context.Context, event database.FileEvent) (*IndexingOutcome, bool, error) {
	if event.OldPath == nil {
		return nil, false, nil
	}

	var existing database.MediaFile
	err := ix.db.WithContext(ctx).
		Where("library_id = ? AND path = ?", event.LibraryID, *event.OldPath).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load moved item %s: %w", *event.OldPath, err)
	}

	err = ix.db.WithContext(ctx).Model(&database.MediaFile{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"path":      event.Path,
			"last_seen": time.Now(),
		}).Error
	if err != nil {
		return nil, false, fmt.Errorf("failed to move %s in index: %w", *event.OldPath, err)
	}

	metrics.PipelineItems.WithLabelValues("index", "moved").Inc()
	logger.Debug("media file moved", "from", *event.OldPath, "to", event.Path)
	return &IndexingOutcome{MediaID: existing.MediaID, Change: ChangeUpdated}, true, nil
}

func (ix *RepositoryIndexer) upsert(ctx context.Context, event database.FileEvent, ready *MediaReadyForIndex) (*IndexingOutcome, error) {
	if ready == nil || ready.Analyzed == nil {
		return nil, fmt.Errorf("nothing to index for %s", event.Path)
	}

	mediaType, err := ix.resolveMediaType(ctx, ready)
	if err != nil {
		return nil, err
	}

	var existing database.MediaFile
	err = ix.db.WithContext(ctx).
		Where("library_id = ? AND path = ?", event.LibraryID, event.Path).
		First(&existing).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		record := database.MediaFile{
			LibraryID:   event.LibraryID,
			RootID:      event.RootID,
			Path:        event.Path,
			Fingerprint: ready.Analyzed.Fingerprint,
			SizeBytes:   ready.Analyzed.SizeBytes,
			MediaID:     mediaID(ready),
			MediaType:   mediaType,
			StreamsJSON: ready.Analyzed.StreamsJSON,
			LastSeen:    time.Now(),
		}
		if err := ix.db.WithContext(ctx).Create(&record).Error; err != nil {
			return nil, fmt.Errorf("failed to index %s: %w", event.Path, err)
		}
		metrics.PipelineItems.WithLabelValues("index", "created").Inc()
		ix.publish(events.EventMediaFileIndexed, event.LibraryID, event.Path, record.MediaID)
		return &IndexingOutcome{MediaID: record.MediaID, Change: ChangeCreated}, nil

	case err != nil:
		return nil, fmt.Errorf("failed to look up %s in index: %w", event.Path, err)
	}

	// Existing row: keep its media id stable so replays and re-probes of the
	// same file never mint a new identity.
	id := existing.MediaID
	if id == "" {
		id = mediaID(ready)
	}
	err = ix.db.WithContext(ctx).Model(&database.MediaFile{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"fingerprint":  ready.Analyzed.Fingerprint,
			"size_bytes":   ready.Analyzed.SizeBytes,
			"media_id":     id,
			"media_type":   mediaType,
			"streams_json": ready.Analyzed.StreamsJSON,
			"last_seen":    time.Now(),
		}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update %s in index: %w", event.Path, err)
	}

	metrics.PipelineItems.WithLabelValues("index", "updated").Inc()
	ix.publish(events.EventMediaFileIndexed, event.LibraryID, event.Path, id)
	return &IndexingOutcome{MediaID: id, Change: ChangeUpdated}, nil
}

// resolveMediaType probes the reference repositories for the provider match,
// movie first, then series, season, episode. A miss in one repository moves
// to the next; any other error aborts the item.
func (ix *RepositoryIndexer) resolveMediaType(ctx context.Context, ready *MediaReadyForIndex) (string, error) {
	if ready.LogicalID == nil || ix.refs == nil {
		return ready.MediaType, nil
	}
	id := *ready.LogicalID

	if _, err := ix.refs.GetMovieReference(ctx, id); err == nil {
		return "movie", nil
	} else if !errors.Is(err, database.ErrReferenceNotFound) {
		return "", fmt.Errorf("movie reference lookup failed: %w", err)
	}
	if _, err := ix.refs.GetSeriesReference(ctx, id); err == nil {
		return "series", nil
	} else if !errors.Is(err, database.ErrReferenceNotFound) {
		return "", fmt.Errorf("series reference lookup failed: %w", err)
	}
	if _, err := ix.refs.GetSeasonReference(ctx, id); err == nil {
		return "season", nil
	} else if !errors.Is(err, database.ErrReferenceNotFound) {
		return "", fmt.Errorf("season reference lookup failed: %w", err)
	}
	if _, err := ix.refs.GetEpisodeReference(ctx, id); err == nil {
		return "episode", nil
	} else if !errors.Is(err, database.ErrReferenceNotFound) {
		return "", fmt.Errorf("episode reference lookup failed: %w", err)
	}

	// Unknown to every repository: a genuinely new logical entity.
	return ready.MediaType, nil
}

// mediaID picks the item's logical identity: the provider match when one
// exists, otherwise an id derived from the fingerprint. Both are
// deterministic, so replaying the same event lands on the same id.
func mediaID(ready *MediaReadyForIndex) string {
	if ready.LogicalID != nil && *ready.LogicalID != "" {
		return *ready.LogicalID
	}
	fp := ready.Analyzed.Fingerprint
	if len(fp) > 16 {
		fp = fp[:16]
	}
	return "md_" + fp
}

func (ix *RepositoryIndexer) publish(eventType events.EventType, libraryID uint, path, mediaID string) {
	if ix.bus == nil {
		return
	}
	event := events.NewSystemEvent(eventType, "Media Index", path)
	event.Data = map[string]interface{}{
		"libraryId": libraryID,
		"path":      path,
		"mediaId":   mediaID,
	}
	ix.bus.PublishAsync(event)
}
