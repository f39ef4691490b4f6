package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// EventKind classifies a durable file event.
type EventKind string

const (
	EventCreate   EventKind = "create"
	EventModify   EventKind = "modify"
	EventDelete   EventKind = "delete"
	EventMove     EventKind = "move"
	EventOverflow EventKind = "overflow"
)

// FileEventVersion is the current durable event record version.
const FileEventVersion = 1

// MediaLibrary represents a configured media library.
type MediaLibrary struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Name string `gorm:"uniqueIndex;not null" json:"name"`
	Type string `gorm:"not null" json:"type"` // movie, tv, music

	// NeedsSweep is set when dispatching live batches fails repeatedly;
	// the maintenance scheduler clears it.
	NeedsSweep bool `json:"needs_sweep"`

	// EventCursor is the id of the last durable event successfully handed
	// to the pipeline for this library.
	EventCursor uint64 `json:"event_cursor"`

	LastScanAt *time.Time    `json:"last_scan_at,omitempty"`
	Roots      []LibraryRoot `gorm:"foreignKey:LibraryID" json:"roots,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// LibraryRoot is one filesystem directory a library watches and scans.
type LibraryRoot struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	LibraryID uint      `gorm:"index;not null" json:"library_id"`
	Path      string    `gorm:"not null" json:"path"`
	Strategy  string    `json:"strategy"` // "native" or "polling", recorded at registration
	CreatedAt time.Time `json:"created_at"`
}

// FileEvent is a durably persisted filesystem change. Append-only; rows are
// never mutated after creation and are pruned only by the retention policy.
type FileEvent struct {
	ID             uint64    `gorm:"primaryKey" json:"id"`
	Version        int       `gorm:"not null;default:1" json:"version"`
	LibraryID      uint      `gorm:"index:idx_file_events_library" json:"library_id"`
	RootID         uint      `gorm:"index" json:"root_id"`
	Kind           EventKind `gorm:"not null" json:"kind"`
	Path           string    `gorm:"not null" json:"path"`
	OldPath        *string   `json:"old_path,omitempty"`
	FileSize       *int64    `json:"file_size,omitempty"`
	DetectedAt     time.Time `json:"detected_at"`
	CorrelationID  string    `gorm:"index;not null" json:"correlation_id"`
	IdempotencyKey string    `gorm:"index;not null" json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// Scan job status values.
const (
	ScanStatusPending   = "pending"
	ScanStatusRunning   = "running"
	ScanStatusPaused    = "paused"
	ScanStatusCompleted = "completed"
	ScanStatusFailed    = "failed"
	ScanStatusCancelled = "cancelled"
)

// Scan type values.
const (
	ScanTypeFull        = "full"
	ScanTypeIncremental = "incremental"
	ScanTypeMaintenance = "maintenance"
)

// ScanErrors is a bounded list of per-item error messages stored as JSON.
type ScanErrors []string

// Value implements driver.Valuer.
func (e ScanErrors) Value() (driver.Value, error) {
	if e == nil {
		return "[]", nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (e *ScanErrors) Scan(value interface{}) error {
	if value == nil {
		*e = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, e)
	case string:
		return json.Unmarshal([]byte(v), e)
	default:
		return fmt.Errorf("cannot scan %T into ScanErrors", value)
	}
}

// ScanOptions configures a single scan run, stored as JSON on the job row.
type ScanOptions struct {
	ForceRescan bool `json:"force_rescan"`
	DeepProbe   bool `json:"deep_probe"`
	FetchImages bool `json:"fetch_images"`
}

// Value implements driver.Valuer.
func (o ScanOptions) Value() (driver.Value, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (o *ScanOptions) Scan(value interface{}) error {
	if value == nil {
		*o = ScanOptions{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, o)
	case string:
		return json.Unmarshal([]byte(v), o)
	default:
		return fmt.Errorf("cannot scan %T into ScanOptions", value)
	}
}

// ScanJob is the persisted scan lifecycle record. The database row is
// authoritative; orchestrator in-memory state is derived from it.
type ScanJob struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	LibraryID uint   `gorm:"index;not null" json:"library_id"`
	ScanType  string `gorm:"not null" json:"scan_type"`
	Status    string `gorm:"index;not null" json:"status"`

	TotalFolders     int `json:"total_folders"`
	ProcessedFolders int `json:"processed_folders"`
	TotalFiles       int `json:"total_files"`
	ProcessedFiles   int `json:"processed_files"`

	CurrentPath *string    `json:"current_path,omitempty"`
	ErrorCount  int        `json:"error_count"`
	Errors      ScanErrors `gorm:"type:text" json:"errors"`

	// StatusMessage carries the failure reason on failed jobs; fatal
	// failures are prefixed with "FATAL: ".
	StatusMessage string `json:"status_message,omitempty"`

	Options     ScanOptions  `gorm:"type:text" json:"options"`
	Library     MediaLibrary `gorm:"foreignKey:LibraryID" json:"library,omitempty"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Terminal reports whether the job is in a terminal status.
func (j *ScanJob) Terminal() bool {
	switch j.Status {
	case ScanStatusCompleted, ScanStatusFailed, ScanStatusCancelled:
		return true
	}
	return false
}

// MediaFile is an indexed on-disk media item.
type MediaFile struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	LibraryID uint   `gorm:"uniqueIndex:idx_media_files_library_path" json:"library_id"`
	RootID    uint   `json:"root_id"`
	Path      string `gorm:"uniqueIndex:idx_media_files_library_path;not null" json:"path"`

	// Fingerprint identifies the file content/path combination; replays of
	// the same fingerprint resolve to the same MediaID.
	Fingerprint string `gorm:"index" json:"fingerprint"`

	SizeBytes   int64     `json:"size_bytes"`
	MediaID     string    `gorm:"index" json:"media_id"`
	MediaType   string    `json:"media_type"`
	StreamsJSON string    `json:"streams_json"`
	LastSeen    time.Time `json:"last_seen"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MovieReference is a canonical movie entity known to the index.
type MovieReference struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	Title      string    `gorm:"index" json:"title"`
	Year       int       `json:"year"`
	ExternalID string    `gorm:"index" json:"external_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// SeriesReference is a canonical series entity known to the index.
type SeriesReference struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	Title      string    `gorm:"index" json:"title"`
	ExternalID string    `gorm:"index" json:"external_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// SeasonReference is a canonical season entity known to the index.
type SeasonReference struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	SeriesID  string    `gorm:"index;not null" json:"series_id"`
	Number    int       `json:"number"`
	CreatedAt time.Time `json:"created_at"`
}

// EpisodeReference is a canonical episode entity known to the index.
type EpisodeReference struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	SeasonID  string    `gorm:"index;not null" json:"season_id"`
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}
