package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event emitted by the compilation engine.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the compile run the event belongs to, if any.
	RunID string `json:"run_id,omitempty"`

	// Surface is the ID of the surface involved, if any.
	Surface string `json:"surface,omitempty"`

	// Unit is the ID of the node or group involved, if any.
	Unit string `json:"unit,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for engine events.
const (
	EventTypeCompileStarted   = "compile.started"
	EventTypeCompileCompleted = "compile.completed"
	EventTypeCompileFailed    = "compile.failed"
	EventTypeUnitFailed       = "unit.failed"
	EventTypePolicyViolation  = "policy.violation"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// Subscription is the token returned by Subscribe. Cancelling it removes the
// subscriber from the publisher; shutting the publisher down makes every
// outstanding subscription inert.
type Subscription struct {
	active atomic.Bool
	cancel func()
	once   sync.Once
}

// Unsubscribe removes the subscriber. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.active.Store(false)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool {
	return s != nil && s.active.Load()
}

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers map[uint64]subscriberEntry
	nextID      uint64
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	stopped     bool
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
	sub        *Subscription
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
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make(map[uint64]subscriberEntry),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

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

// PublishCompileStarted publishes a compile started event.
func (ep *EventPublisher) PublishCompileStarted(runID, surface string, pass uint64) error {
	return ep.Publish(Event{
		Type:    EventTypeCompileStarted,
		Source:  "engine",
		RunID:   runID,
		Surface: surface,
		Message: fmt.Sprintf("Compile pass %d started on surface %s", pass, surface),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"pass": pass,
		},
	})
}

// PublishCompileCompleted publishes a compile completed event.
func (ep *EventPublisher) PublishCompileCompleted(runID, surface string, compiled, failed int, duration time.Duration) error {
	level := EventLevelInfo
	if failed > 0 {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    EventTypeCompileCompleted,
		Source:  "engine",
		RunID:   runID,
		Surface: surface,
		Message: fmt.Sprintf("Compile of surface %s completed: %d compiled, %d failed", surface, compiled, failed),
		Level:   level,
		Data: map[string]interface{}{
			"compiled": compiled,
			"failed":   failed,
			"duration": duration.Seconds(),
		},
	})
}

// PublishCompileFailed publishes a compile failed event.
func (ep *EventPublisher) PublishCompileFailed(runID, surface, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeCompileFailed,
		Source:  "engine",
		RunID:   runID,
		Surface: surface,
		Message: fmt.Sprintf("Compile of surface %s failed: %s", surface, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishUnitFailed publishes a unit failure event.
func (ep *EventPublisher) PublishUnitFailed(runID, surface, unit, class, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeUnitFailed,
		Source:  "engine",
		RunID:   runID,
		Surface: surface,
		Unit:    unit,
		Message: fmt.Sprintf("Unit %s failed: %s", unit, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"class":  class,
			"reason": reason,
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(policyName, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy_engine",
		Message: fmt.Sprintf("Policy violation: %s - %s", policyName, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber. filter may be nil.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) *Subscription {
	sub := &Subscription{}
	if ep == nil || !ep.config.Enabled {
		return sub
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.stopped {
		return sub
	}

	id := ep.nextID
	ep.nextID++
	sub.active.Store(true)
	sub.cancel = func() {
		ep.mu.Lock()
		delete(ep.subscribers, id)
		ep.mu.Unlock()
	}
	ep.subscribers[id] = subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
		sub:        sub,
	}
	return sub
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
			// Drain whatever is already queued before delivering.
			for len(batch) < ep.config.MaxBatchSize {
				select {
				case next := <-ep.buffer:
					batch = append(batch, next)
					continue
				default:
				}
				break
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

// deliverEvent delivers an event to all subscribers in subscription order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	entries := make([]subscriberEntry, 0, len(ep.subscribers))
	for id := uint64(0); id < ep.nextID; id++ {
		if entry, ok := ep.subscribers[id]; ok {
			entries = append(entries, entry)
		}
	}
	ep.mu.RUnlock()

	for _, entry := range entries {
		if !entry.sub.Active() {
			continue
		}
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown drains pending events, stops the publisher and detaches every
// subscriber.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("event publisher shutdown timeout")
	}

	ep.mu.Lock()
	ep.stopped = true
	for id, entry := range ep.subscribers {
		entry.sub.active.Store(false)
		delete(ep.subscribers, id)
	}
	ep.mu.Unlock()

	return err
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

// FilterBySurface creates a filter that only allows events for one surface.
func FilterBySurface(surface string) EventFilter {
	return func(event Event) bool {
		return event.Surface == surface
	}
}
