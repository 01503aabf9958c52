package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stackmemory/stackmemory/internal/config"
)

// EventType names a lifecycle event hooks can subscribe to
type EventType string

// Lifecycle events
const (
	EventSessionStart    EventType = "session_start"
	EventFileChange      EventType = "file_change"
	EventContextSwitch   EventType = "context_switch"
	EventSessionEnd      EventType = "session_end"
	EventFrameClosed     EventType = "frame_closed"
	EventSuggestionReady EventType = "suggestion_ready"
)

// Event is one lifecycle notification delivered to subscribed hooks
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	FrameID   string         `json:"frame_id,omitempty"`
	Path      string         `json:"path,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	At        time.Time      `json:"at"`
}

// Handler receives coalesced lifecycle events. The context is canceled when
// the hook's wall budget runs out.
type Handler func(ctx context.Context, ev Event)

// subscription is one registered hook with its own debounce and cooldown
// state. Bursts coalesce to the latest event.
type subscription struct {
	id      int
	event   EventType
	handler Handler

	mu       sync.Mutex
	latest   Event
	lastRun  time.Time
	degraded bool

	debouncer *Debouncer
}

// Dispatcher routes lifecycle events to subscribed hooks with per-hook
// debounce, cooldown and a wall budget. A misbehaving handler never brings
// the daemon down.
type Dispatcher struct {
	mu     sync.Mutex
	subs   map[EventType][]*subscription
	byID   map[int]*subscription
	nextID int

	debounce time.Duration
	cooldown time.Duration
	budget   time.Duration

	log *slog.Logger
	wg  sync.WaitGroup
}

// NewDispatcher builds a dispatcher with debounce, cooldown and budget from
// config.
func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		subs:     make(map[EventType][]*subscription),
		byID:     make(map[int]*subscription),
		debounce: config.GetDuration("daemon.debounce"),
		cooldown: config.GetDuration("daemon.cooldown"),
		budget:   config.GetDuration("daemon.hook-budget"),
		log:      log,
	}
}

// Subscribe registers a handler for one event type and returns a
// subscription id for Unsubscribe.
func (d *Dispatcher) Subscribe(event EventType, handler Handler) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	sub := &subscription{id: d.nextID, event: event, handler: handler}
	sub.debouncer = NewDebouncer(d.debounce, func() { d.fire(sub) })

	d.subs[event] = append(d.subs[event], sub)
	d.byID[sub.id] = sub
	return sub.id
}

// Unsubscribe removes a hook registration
func (d *Dispatcher) Unsubscribe(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sub, ok := d.byID[id]
	if !ok {
		return
	}
	delete(d.byID, id)

	subs := d.subs[sub.event]
	for i, s := range subs {
		if s.id == id {
			d.subs[sub.event] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	sub.debouncer.Cancel()
}

// Publish delivers an event to every subscriber of its type. Delivery is
// debounced per subscription; rapid events collapse to the latest one.
func (d *Dispatcher) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	d.mu.Lock()
	subs := append([]*subscription(nil), d.subs[ev.Type]...)
	d.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		sub.latest = ev
		sub.mu.Unlock()
		sub.debouncer.Trigger()
	}
}

// fire runs one coalesced invocation for a subscription, honoring its
// cooldown and wall budget.
func (d *Dispatcher) fire(sub *subscription) {
	sub.mu.Lock()
	ev := sub.latest
	remaining := d.cooldown - time.Since(sub.lastRun)
	sub.mu.Unlock()

	if remaining > 0 {
		// Still cooling down; retrigger so the event lands afterwards
		time.AfterFunc(remaining, sub.debouncer.Trigger)
		return
	}

	sub.mu.Lock()
	sub.lastRun = time.Now()
	sub.degraded = false
	sub.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.budget)

	done := make(chan struct{})
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("hook panicked", "event", sub.event, "hook", sub.id, "panic", r)
			}
		}()
		sub.handler(ctx, ev)
	}()

	go func() {
		defer cancel()
		select {
		case <-done:
		case <-ctx.Done():
			// Budget exhausted; the handler is abandoned but stays registered
			sub.mu.Lock()
			sub.degraded = true
			sub.mu.Unlock()
			d.log.Warn("hook exceeded wall budget, abandoned",
				"event", sub.event, "hook", sub.id, "budget", d.budget)
		}
	}()
}

// Degraded reports whether the hook's last invocation blew its budget
func (d *Dispatcher) Degraded(id int) bool {
	d.mu.Lock()
	sub, ok := d.byID[id]
	d.mu.Unlock()
	if !ok {
		return false
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.degraded
}

// Close cancels pending deliveries. Handlers already running finish on
// their own budget.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	for _, sub := range d.byID {
		sub.debouncer.Cancel()
	}
	d.mu.Unlock()
}
