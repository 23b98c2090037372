package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notable scheduler occurrence delivered to subscribers.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	// Source identifies where the event originated (scheduler, engine, policy).
	Source string `json:"source"`

	Schedule string `json:"schedule,omitempty"`
	System   string `json:"system,omitempty"`
	Tick     uint64 `json:"tick,omitempty"`

	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants.
const (
	EventTypeTickFailed       = "tick.failed"
	EventTypeRebuildCompleted = "rebuild.completed"
	EventTypeRebuildFailed    = "rebuild.failed"
	EventTypeSystemCompleted  = "system.completed"
	EventTypeSystemFailed     = "system.failed"
	EventTypeManifestReloaded = "manifest.reloaded"
	EventTypeManifestRejected = "manifest.rejected"
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

// EventPublisher manages event publishing and subscriptions. Subscribers are
// called one at a time in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	deliverMu   sync.Mutex
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
			return fmt.Errorf("event buffer full, event %s dropped", event.Type)
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishRebuild publishes the outcome of a graph rebuild.
func (ep *EventPublisher) PublishRebuild(schedule string, rebuild uint64, systems, levels int, err error) error {
	if err != nil {
		return ep.Publish(Event{
			Type:     EventTypeRebuildFailed,
			Source:   "scheduler",
			Schedule: schedule,
			Message:  fmt.Sprintf("Schedule %s failed to rebuild: %v", schedule, err),
			Level:    EventLevelError,
			Data: map[string]interface{}{
				"error": err.Error(),
			},
		})
	}
	return ep.Publish(Event{
		Type:     EventTypeRebuildCompleted,
		Source:   "scheduler",
		Schedule: schedule,
		Message:  fmt.Sprintf("Schedule %s rebuilt with %d systems in %d levels", schedule, systems, levels),
		Level:    EventLevelInfo,
		Data: map[string]interface{}{
			"rebuild": rebuild,
			"systems": systems,
			"levels":  levels,
		},
	})
}

// PublishTickFailed publishes a failed tick.
func (ep *EventPublisher) PublishTickFailed(schedule string, tick uint64, reason string) error {
	return ep.Publish(Event{
		Type:     EventTypeTickFailed,
		Source:   "scheduler",
		Schedule: schedule,
		Tick:     tick,
		Message:  fmt.Sprintf("Schedule %s tick %d failed: %s", schedule, tick, reason),
		Level:    EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishSystemCompleted publishes a successful system invocation.
func (ep *EventPublisher) PublishSystemCompleted(schedule, system string, tick uint64, duration time.Duration) error {
	return ep.Publish(Event{
		Type:     EventTypeSystemCompleted,
		Source:   "scheduler",
		Schedule: schedule,
		System:   system,
		Tick:     tick,
		Message:  fmt.Sprintf("System %s completed", system),
		Level:    EventLevelInfo,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishSystemFailed publishes a failed system invocation.
func (ep *EventPublisher) PublishSystemFailed(schedule, system string, tick uint64, reason string) error {
	return ep.Publish(Event{
		Type:     EventTypeSystemFailed,
		Source:   "scheduler",
		Schedule: schedule,
		System:   system,
		Tick:     tick,
		Message:  fmt.Sprintf("System %s failed: %s", system, reason),
		Level:    EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishManifestReloaded publishes a manifest reload outcome.
func (ep *EventPublisher) PublishManifestReloaded(path string, err error) error {
	if err != nil {
		return ep.Publish(Event{
			Type:    EventTypeManifestRejected,
			Source:  "engine",
			Message: fmt.Sprintf("Manifest %s rejected, keeping previous schedule: %v", path, err),
			Level:   EventLevelWarning,
			Data: map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			},
		})
	}
	return ep.Publish(Event{
		Type:    EventTypeManifestReloaded,
		Source:  "engine",
		Message: fmt.Sprintf("Manifest %s reloaded", path),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"path": path,
		},
	})
}

// PublishPolicyViolation publishes a policy violation.
func (ep *EventPublisher) PublishPolicyViolation(schedule, policyName, system, reason string, blocking bool) error {
	level := EventLevelWarning
	if blocking {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:     EventTypePolicyViolation,
		Source:   "policy",
		Schedule: schedule,
		System:   system,
		Message:  fmt.Sprintf("Policy %s violated: %s", policyName, reason),
		Level:    level,
		Data: map[string]interface{}{
			"policy":   policyName,
			"reason":   reason,
			"blocking": blocking,
		},
	})
}

// Subscribe adds a new event subscriber.
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

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize || len(ep.buffer) == 0 {
				ep.flushBatch(batch)
				batch = batch[:0]
			}

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					ep.flushBatch(batch)
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	subscribers := ep.subscribers
	ep.mu.RUnlock()

	ep.deliverMu.Lock()
	defer ep.deliverMu.Unlock()

	for _, entry := range subscribers {
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

// FilterBySchedule creates a filter that only allows events for one schedule.
func FilterBySchedule(schedule string) EventFilter {
	return func(event Event) bool {
		return event.Schedule == schedule
	}
}
