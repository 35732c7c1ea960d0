package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notification about evaluation progress, for UI consumers.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	// Type is one of the EventType constants.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the evaluation pass the event belongs to, if any.
	RunID string `json:"run_id,omitempty"`

	BlockID   string `json:"block_id,omitempty"`
	BlockName string `json:"block_name,omitempty"`

	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypePassStarted     = "pass.started"
	EventTypePassCompleted   = "pass.completed"
	EventTypeBlockEvaluated  = "block.evaluated"
	EventTypeDocumentLoaded  = "document.loaded"
	EventTypePolicyViolation = "policy.violation"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles an event.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. Each subscriber sees
// events in publication order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishPassStarted publishes the start of an evaluation pass.
func (ep *EventPublisher) PublishPassStarted(runID string, blocks int) error {
	return ep.Publish(Event{
		Type:    EventTypePassStarted,
		Source:  "evaluator",
		RunID:   runID,
		Message: fmt.Sprintf("Pass %s started over %d blocks", runID, blocks),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"blocks": blocks,
		},
	})
}

// PublishPassCompleted publishes the end of an evaluation pass. status is
// succeeded, partial or cancelled.
func (ep *EventPublisher) PublishPassCompleted(runID, status string, duration time.Duration) error {
	level := EventLevelInfo
	if status != "succeeded" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    EventTypePassCompleted,
		Source:  "evaluator",
		RunID:   runID,
		Message: fmt.Sprintf("Pass %s finished: %s", runID, status),
		Level:   level,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishBlockEvaluated publishes one block result.
func (ep *EventPublisher) PublishBlockEvaluated(runID, blockID, name, state string) error {
	level := EventLevelInfo
	if state != "valid" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:      EventTypeBlockEvaluated,
		Source:    "evaluator",
		RunID:     runID,
		BlockID:   blockID,
		BlockName: name,
		Message:   fmt.Sprintf("Block %s is %s", name, state),
		Level:     level,
		Data: map[string]interface{}{
			"state": state,
		},
	})
}

// PublishDocumentLoaded publishes a successful document load.
func (ep *EventPublisher) PublishDocumentLoaded(path string, blocks int, migrated bool) error {
	return ep.Publish(Event{
		Type:    EventTypeDocumentLoaded,
		Source:  "document",
		Message: fmt.Sprintf("Loaded %s (%d blocks)", path, blocks),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"path":     path,
			"blocks":   blocks,
			"migrated": migrated,
		},
	})
}

// PublishPolicyViolation publishes a lint finding.
func (ep *EventPublisher) PublishPolicyViolation(blockID, policy, message string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy",
		BlockID: blockID,
		Message: fmt.Sprintf("%s: %s", policy, message),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"policy": policy,
		},
	})
}

// Subscribe adds a subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events in batches.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			// Drain what is already queued, up to a batch.
		drain:
			for len(batch) < ep.config.MaxBatchSize {
				select {
				case next := <-ep.buffer:
					batch = append(batch, next)
				default:
					break drain
				}
			}
			flush()

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all matching subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown delivers buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events of one pass.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}
