// Package pipelinemodule runs the media processing pipeline: analyze,
// metadata enrichment, index upsert, and best-effort artwork fetching. Work
// arrives as commands through a mailbox; the watcher never calls pipeline
// stages directly.
package pipelinemodule

import (
	"context"
	"fmt"

	"github.com/mantonx/mediadex/internal/database"
)

// CommandKind identifies the work a command carries.
type CommandKind string

const (
	// CommandFileEventBatch processes a batch of durable file events.
	CommandFileEventBatch CommandKind = "file_event_batch"

	// CommandMaintenanceSweep walks a library root and reconciles the index
	// against what is actually on disk.
	CommandMaintenanceSweep CommandKind = "maintenance_sweep"
)

// Command is one unit of pipeline work.
type Command struct {
	Kind          CommandKind
	LibraryID     uint
	RootID        uint
	CorrelationID string

	// Events carries the batch for CommandFileEventBatch.
	Events []database.FileEvent

	// Reason explains a CommandMaintenanceSweep (stale, needs_sweep).
	Reason string

	// Final marks the sweep command for the last root of a sweep run. The
	// shared scan completes only after it.
	Final bool
}

// ItemResult records the outcome of one event within a command.
type ItemResult struct {
	EventID uint64
	Path    string
	MediaID string
	Err     string
}

// CommandResult summarizes a completed command.
type CommandResult struct {
	ScanID    uint
	Processed int
	Failed    int
	Items     []ItemResult
}

// Mailbox delivers commands to the pipeline. Send blocks until the command
// finishes (or the context ends) and returns its result. Implementations
// decide whether execution is inline or queued across workers.
type Mailbox interface {
	Send(ctx context.Context, cmd Command) (*CommandResult, error)
}

// BatchDispatcher adapts a mailbox to the dispatch interface the watcher
// expects.
type BatchDispatcher struct {
	mailbox Mailbox
}

// NewBatchDispatcher creates a dispatcher over the given mailbox.
func NewBatchDispatcher(mailbox Mailbox) *BatchDispatcher {
	return &BatchDispatcher{mailbox: mailbox}
}

// DispatchBatch sends one command covering the whole batch. An empty batch
// is a no-op, not an error.
func (d *BatchDispatcher) DispatchBatch(ctx context.Context, libraryID, rootID uint, evts []database.FileEvent) error {
	if len(evts) == 0 {
		return nil
	}
	cmd := Command{
		Kind:          CommandFileEventBatch,
		LibraryID:     libraryID,
		RootID:        rootID,
		CorrelationID: evts[0].CorrelationID,
		Events:        evts,
	}
	if _, err := d.mailbox.Send(ctx, cmd); err != nil {
		return fmt.Errorf("batch dispatch failed: %w", err)
	}
	return nil
}

// DispatchSweep sends a maintenance sweep command for one root. final marks
// the last root of the sweep run.
func (d *BatchDispatcher) DispatchSweep(ctx context.Context, libraryID, rootID uint, correlationID, reason string, final bool) error {
	cmd := Command{
		Kind:          CommandMaintenanceSweep,
		LibraryID:     libraryID,
		RootID:        rootID,
		CorrelationID: correlationID,
		Reason:        reason,
		Final:         final,
	}
	if _, err := d.mailbox.Send(ctx, cmd); err != nil {
		return fmt.Errorf("sweep dispatch failed: %w", err)
	}
	return nil
}
