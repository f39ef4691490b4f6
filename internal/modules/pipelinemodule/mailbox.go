package pipelinemodule

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/mantonx/mediadex/internal/logger"
)

// Executor runs a command to completion. The pipeline driver implements
// this; mailboxes only move commands to it.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (*CommandResult, error)
}

// InProcessMailbox executes commands inline on the caller's goroutine.
// Useful for tests and for deployments where the watcher's own pacing is
// throttle enough.
type InProcessMailbox struct {
	executor Executor
}

// NewInProcessMailbox creates an inline mailbox.
func NewInProcessMailbox(executor Executor) *InProcessMailbox {
	return &InProcessMailbox{executor: executor}
}

// Send executes the command immediately.
func (m *InProcessMailbox) Send(ctx context.Context, cmd Command) (*CommandResult, error) {
	return m.executor.Execute(ctx, cmd)
}

type envelope struct {
	ctx   context.Context
	cmd   Command
	reply chan reply
}

type reply struct {
	result *CommandResult
	err    error
}

// QueuedMailbox executes commands on a bounded worker pool. Send still
// blocks until the command finishes, so callers keep their backpressure and
// result handling; the pool bounds how many commands run concurrently.
type QueuedMailbox struct {
	executor Executor
	queue    chan envelope
	workers  int

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewQueuedMailbox creates a queued mailbox. workers <= 0 derives the pool
// size from the CPU count, clamped to a sane range.
func NewQueuedMailbox(executor Executor, workers, buffer int) *QueuedMailbox {
	if workers <= 0 {
		workers = runtime.NumCPU() / 2
		if workers < 2 {
			workers = 2
		}
		if workers > 8 {
			workers = 8
		}
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &QueuedMailbox{
		executor: executor,
		queue:    make(chan envelope, buffer),
		workers:  workers,
		done:     make(chan struct{}),
	}
}

// Start launches the worker pool.
func (m *QueuedMailbox) Start() {
	m.startOnce.Do(func() {
		logger.Info("pipeline mailbox started", "workers", m.workers)
		for i := 0; i < m.workers; i++ {
			m.wg.Add(1)
			go m.worker()
		}
	})
}

func (m *QueuedMailbox) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case env := <-m.queue:
			result, err := m.executor.Execute(env.ctx, env.cmd)
			env.reply <- reply{result: result, err: err}
		}
	}
}

// Send enqueues the command and waits for its result.
func (m *QueuedMailbox) Send(ctx context.Context, cmd Command) (*CommandResult, error) {
	env := envelope{ctx: ctx, cmd: cmd, reply: make(chan reply, 1)}
	select {
	case m.queue <- env:
	case <-m.done:
		return nil, fmt.Errorf("mailbox stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-env.reply:
		return r.result, r.err
	case <-m.done:
		return nil, fmt.Errorf("mailbox stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop shuts the pool down. Commands already executing finish; queued
// commands that never started are abandoned and their senders unblock via
// their contexts.
func (m *QueuedMailbox) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}
