package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mantonx/mediadex/internal/logger"
)

// EventBus defines the interface for the event bus system.
type EventBus interface {
	// Publish delivers an event, blocking until queued or ctx is done.
	Publish(ctx context.Context, event Event) error

	// PublishAsync queues an event without blocking; a full buffer drops
	// the event with a warning.
	PublishAsync(event Event) error

	// Subscribe registers a handler for events matching the filter.
	Subscribe(filter EventFilter, handler EventHandler) (*Subscription, error)

	// Unsubscribe removes a subscription.
	Unsubscribe(subscriptionID string) error

	// GetStats returns event bus statistics.
	GetStats() Stats

	// Start starts the delivery loop.
	Start(ctx context.Context) error

	// Stop drains and stops the delivery loop.
	Stop(ctx context.Context) error

	// Health reports whether the bus is running.
	Health() error
}

type eventBus struct {
	config BusConfig

	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	eventCh       chan Event
	running       bool
	wg            sync.WaitGroup

	recent  []Event
	stats   Stats
	statsMu sync.Mutex
}

// NewBus creates a new in-process event bus.
func NewBus(config BusConfig) EventBus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBusConfig().BufferSize
	}
	if config.RecentEvents <= 0 {
		config.RecentEvents = DefaultBusConfig().RecentEvents
	}
	return &eventBus{
		config:        config,
		subscriptions: make(map[string]*Subscription),
		eventCh:       make(chan Event, config.BufferSize),
		recent:        make([]Event, 0, config.RecentEvents),
		stats:         Stats{EventsByType: make(map[string]int64)},
	}
}

func (eb *eventBus) Start(ctx context.Context) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.running {
		return fmt.Errorf("event bus is already running")
	}
	eb.running = true

	eb.wg.Add(1)
	go eb.deliver(ctx)

	logger.Info("event bus started", "buffer_size", eb.config.BufferSize)
	return nil
}

func (eb *eventBus) Stop(ctx context.Context) error {
	eb.mu.Lock()
	if !eb.running {
		eb.mu.Unlock()
		return nil
	}
	eb.running = false
	close(eb.eventCh)
	eb.mu.Unlock()

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("event bus stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("event bus stop timed out")
		return ctx.Err()
	}
}

func (eb *eventBus) Health() error {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if !eb.running {
		return fmt.Errorf("event bus is not running")
	}
	return nil
}

func (eb *eventBus) Publish(ctx context.Context, event Event) error {
	if err := eb.prepare(&event); err != nil {
		return err
	}
	select {
	case eb.eventCh <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (eb *eventBus) PublishAsync(event Event) error {
	if err := eb.prepare(&event); err != nil {
		return err
	}
	select {
	case eb.eventCh <- event:
		return nil
	default:
		eb.statsMu.Lock()
		eb.stats.Dropped++
		eb.statsMu.Unlock()
		logger.Warn("event channel full, dropping event", "event_type", event.Type, "event_id", event.ID)
		return fmt.Errorf("event channel full")
	}
}

func (eb *eventBus) prepare(event *Event) error {
	eb.mu.RLock()
	running := eb.running
	eb.mu.RUnlock()
	if !running {
		return fmt.Errorf("event bus is not running")
	}
	if event.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return nil
}

func (eb *eventBus) Subscribe(filter EventFilter, handler EventHandler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()

	sub := &Subscription{
		ID:      uuid.New().String(),
		Filter:  filter,
		Handler: handler,
		Created: time.Now(),
	}
	eb.subscriptions[sub.ID] = sub

	logger.Debug("subscription created", "subscription_id", sub.ID, "types", filter.Types)
	return sub, nil
}

func (eb *eventBus) Unsubscribe(subscriptionID string) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if _, exists := eb.subscriptions[subscriptionID]; !exists {
		return fmt.Errorf("subscription not found: %s", subscriptionID)
	}
	delete(eb.subscriptions, subscriptionID)
	return nil
}

func (eb *eventBus) GetStats() Stats {
	eb.statsMu.Lock()
	defer eb.statsMu.Unlock()

	eb.mu.RLock()
	subs := len(eb.subscriptions)
	eb.mu.RUnlock()

	byType := make(map[string]int64, len(eb.stats.EventsByType))
	for k, v := range eb.stats.EventsByType {
		byType[k] = v
	}
	return Stats{
		TotalEvents:         eb.stats.TotalEvents,
		EventsByType:        byType,
		ActiveSubscriptions: subs,
		Dropped:             eb.stats.Dropped,
	}
}

// deliver is the single delivery loop. Handler errors are logged, never
// propagated back to publishers.
func (eb *eventBus) deliver(ctx context.Context) {
	defer eb.wg.Done()

	for {
		select {
		case event, ok := <-eb.eventCh:
			if !ok {
				return
			}
			eb.record(event)
			eb.dispatch(event)
		case <-ctx.Done():
			// Drain whatever is already queued before exiting.
			for {
				select {
				case event, ok := <-eb.eventCh:
					if !ok {
						return
					}
					eb.record(event)
					eb.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (eb *eventBus) record(event Event) {
	eb.statsMu.Lock()
	defer eb.statsMu.Unlock()

	eb.stats.TotalEvents++
	eb.stats.EventsByType[string(event.Type)]++
	eb.recent = append(eb.recent, event)
	if len(eb.recent) > eb.config.RecentEvents {
		eb.recent = eb.recent[1:]
	}
}

func (eb *eventBus) dispatch(event Event) {
	eb.mu.RLock()
	subs := make([]*Subscription, 0, len(eb.subscriptions))
	for _, sub := range eb.subscriptions {
		if sub.Filter.Matches(event) {
			subs = append(subs, sub)
		}
	}
	eb.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.Handler(event); err != nil {
			logger.Error("event handler failed", "subscription_id", sub.ID, "event_type", event.Type, "error", err)
		}
		sub.TriggerCount++
	}
}
