package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// EventLog is the durable, append-only log of normalized filesystem events.
// Events are persisted strictly before the pipeline observes them, which is
// what makes a crash between persist and dispatch replayable with no loss.
type EventLog struct {
	db *gorm.DB
}

// NewEventLog creates an event log over the given connection.
func NewEventLog(db *gorm.DB) *EventLog {
	return &EventLog{db: db}
}

// Append persists a batch of events in one transaction. Event IDs are
// populated on the passed records.
func (l *EventLog) Append(ctx context.Context, events []*FileEvent) error {
	if len(events) == 0 {
		return nil
	}
	now := time.Now()
	for _, ev := range events {
		if ev.Version == 0 {
			ev.Version = FileEventVersion
		}
		if ev.DetectedAt.IsZero() {
			ev.DetectedAt = now
		}
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, ev := range events {
			if err := tx.Create(ev).Error; err != nil {
				return fmt.Errorf("failed to persist event for %s: %w", ev.Path, err)
			}
		}
		return nil
	})
}

// EventsSince returns up to limit events for a library with ids strictly
// greater than cursor, in append order.
func (l *EventLog) EventsSince(ctx context.Context, libraryID uint, cursor uint64, limit int) ([]FileEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	var events []FileEvent
	err := l.db.WithContext(ctx).
		Where("library_id = ? AND id > ?", libraryID, cursor).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read events since %d for library %d: %w", cursor, libraryID, err)
	}
	return events, nil
}

// AdvanceCursor moves the library's replay cursor forward. It never moves the
// cursor backwards.
func (l *EventLog) AdvanceCursor(ctx context.Context, libraryID uint, cursor uint64) error {
	return l.db.WithContext(ctx).Model(&MediaLibrary{}).
		Where("id = ? AND event_cursor < ?", libraryID, cursor).
		Update("event_cursor", cursor).Error
}

// MarkNeedsSweep flags or clears a library for the maintenance scheduler.
func (l *EventLog) MarkNeedsSweep(ctx context.Context, libraryID uint, needs bool) error {
	return l.db.WithContext(ctx).Model(&MediaLibrary{}).
		Where("id = ?", libraryID).
		Update("needs_sweep", needs).Error
}

// PruneOlderThan removes events older than the retention window. Retention
// is a deliberate external policy decision; nothing inside the pipeline
// calls this on its own.
func (l *EventLog) PruneOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	result := l.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&FileEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
