// Package events provides the in-process event bus used for lifecycle
// notifications: scan transitions, watcher activity, maintenance sweeps.
package events

import (
	"time"
)

// EventType represents the type of event.
type EventType string

const (
	// Scan lifecycle events
	EventScanCreated   EventType = "scan.created"
	EventScanStarted   EventType = "scan.started"
	EventScanProgress  EventType = "scan.progress"
	EventScanPaused    EventType = "scan.paused"
	EventScanResumed   EventType = "scan.resumed"
	EventScanCompleted EventType = "scan.completed"
	EventScanFailed    EventType = "scan.failed"
	EventScanCancelled EventType = "scan.cancelled"

	// Watcher events
	EventLibraryRegistered   EventType = "watcher.library.registered"
	EventLibraryUnregistered EventType = "watcher.library.unregistered"
	EventWatcherOverflow     EventType = "watcher.overflow"
	EventBatchFlushed        EventType = "watcher.batch.flushed"

	// Maintenance events
	EventSweepEnqueued EventType = "maintenance.sweep.enqueued"
	EventGapReplayed   EventType = "maintenance.gap.replayed"

	// Media events
	EventMediaFileIndexed EventType = "media.file.indexed"
	EventMediaFileRemoved EventType = "media.file.removed"

	// General events
	EventError EventType = "error"
	EventInfo  EventType = "info"
)

// Event represents a system event.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventHandler handles a delivered event.
type EventHandler func(event Event) error

// EventFilter selects events for a subscription. Empty fields match
// everything.
type EventFilter struct {
	Types   []EventType `json:"types,omitempty"`
	Sources []string    `json:"sources,omitempty"`
}

// Matches reports whether an event passes the filter.
func (f EventFilter) Matches(event Event) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == event.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Sources) > 0 {
		ok := false
		for _, s := range f.Sources {
			if s == event.Source {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Subscription represents an event subscription.
type Subscription struct {
	ID           string       `json:"id"`
	Filter       EventFilter  `json:"filter"`
	Handler      EventHandler `json:"-"`
	Created      time.Time    `json:"created"`
	TriggerCount int64        `json:"trigger_count"`
}

// Stats represents event bus statistics.
type Stats struct {
	TotalEvents         int64            `json:"total_events"`
	EventsByType        map[string]int64 `json:"events_by_type"`
	ActiveSubscriptions int              `json:"active_subscriptions"`
	Dropped             int64            `json:"dropped"`
}

// BusConfig configures the event bus.
type BusConfig struct {
	BufferSize   int `json:"buffer_size"`
	RecentEvents int `json:"recent_events"`
}

// DefaultBusConfig returns default configuration.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		BufferSize:   1000,
		RecentEvents: 100,
	}
}

// NewSystemEvent creates an event originating from the system itself.
func NewSystemEvent(eventType EventType, title, message string) Event {
	return Event{
		Type:      eventType,
		Source:    "system",
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
	}
}
