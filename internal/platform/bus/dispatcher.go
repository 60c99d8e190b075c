// Package bus implements the in-process event dispatcher wired into every
// gateway operation. Subscriptions match an exact topic or a dotted prefix
// with a trailing "*" wildcard, mirroring the webhook subscription matching
// the gateway's ancestor server used for outbound deliveries, adapted here
// for in-process callback delivery instead of signed HTTP POSTs.
package bus

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Mode selects whether a subscriber runs inline with the emitter or on its
// own goroutine.
type Mode int

const (
	// Sync subscribers run inline, in registration order, before any async
	// subscriber for the same emit.
	Sync Mode = iota
	// Async subscribers run on a per-subscriber worker goroutine so that one
	// slow subscriber cannot delay another.
	Async
)

// Event is the payload delivered to subscribers on a topic.
type Event struct {
	Topic     string
	Payload   map[string]interface{}
	Timestamp time.Time
	Source    string
}

// Callback receives a delivered event. A panic or error inside a callback is
// caught by the dispatcher, logged, and never propagated to the emitter or
// to sibling subscribers.
type Callback func(Event)

// CreatorContext is the operation context passed to a pluggable event
// creator installed via SetEventCreator.
type CreatorContext struct {
	Operation    string
	ResourceType string
	ID           string
	Resource     interface{}
	Source       string
}

// EventCreator builds the payload recorded with an event from operation
// context. Gateways call this rather than constructing payloads ad hoc.
type EventCreator func(CreatorContext) map[string]interface{}

type subscription struct {
	pattern    string
	callback   Callback
	mode       Mode
	seq        int64
	queue      chan Event // non-nil for Async subscriptions; one worker drains it in order
	closeQueue sync.Once
	processing int32 // 1 while the worker is executing a callback
}

// Dispatcher is a process-wide (or per-host, for test isolation) pub/sub
// bus. The zero value is not usable; construct with New.
type Dispatcher struct {
	mu      sync.RWMutex
	subs    []*subscription
	seq     int64
	creator EventCreator
	logger  zerolog.Logger
	wg      sync.WaitGroup
}

// New constructs a Dispatcher that logs subscriber failures through logger.
func New(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{logger: logger}
}

// Subscribe registers callback against pattern with the given delivery mode.
// pattern is either an exact topic ("fhir.patient.read") or a prefix ending
// in ".*" or exactly "*" (matches everything). Returns an unsubscribe func.
func (d *Dispatcher) Subscribe(pattern string, mode Mode, callback Callback) func() {
	d.mu.Lock()
	d.seq++
	sub := &subscription{pattern: pattern, callback: callback, mode: mode, seq: d.seq}
	if mode == Async {
		sub.queue = make(chan Event, 256)
		d.wg.Add(1)
		go d.runAsyncWorker(sub)
	}
	d.subs = append(d.subs, sub)
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, s := range d.subs {
			if s == sub {
				d.subs = append(d.subs[:i], d.subs[i+1:]...)
				break
			}
		}
		if sub.queue != nil {
			sub.closeQueue.Do(func() { close(sub.queue) })
		}
	}
}

// runAsyncWorker drains sub's queue in FIFO order for the lifetime of the
// subscription, guaranteeing per-subscriber delivery order.
func (d *Dispatcher) runAsyncWorker(sub *subscription) {
	defer d.wg.Done()
	for evt := range sub.queue {
		atomic.StoreInt32(&sub.processing, 1)
		d.deliver(sub, evt)
		atomic.StoreInt32(&sub.processing, 0)
	}
}

// SetEventCreator installs fn as the payload factory used by EmitOperation.
func (d *Dispatcher) SetEventCreator(fn EventCreator) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.creator = fn
}

// EmitOperation builds a payload via the installed event creator (if any)
// and emits it under topic.
func (d *Dispatcher) EmitOperation(topic string, ctx CreatorContext) {
	d.mu.RLock()
	creator := d.creator
	d.mu.RUnlock()

	var payload map[string]interface{}
	if creator != nil {
		payload = creator(ctx)
	} else {
		payload = map[string]interface{}{
			"operation":     ctx.Operation,
			"resource_type": ctx.ResourceType,
			"id":            ctx.ID,
			"source":        ctx.Source,
		}
	}
	d.Emit(topic, ctx.Source, payload)
}

// Emit delivers an event to every subscription whose pattern matches topic.
// Synchronous subscribers run inline, in registration order, before any
// asynchronous subscriber is scheduled. A panicking or erroring subscriber
// never interrupts siblings or the emitter.
func (d *Dispatcher) Emit(topic, source string, payload map[string]interface{}) {
	evt := Event{Topic: topic, Payload: payload, Timestamp: time.Now().UTC(), Source: source}

	d.mu.RLock()
	matched := make([]*subscription, 0, len(d.subs))
	for _, s := range d.subs {
		if matches(s.pattern, topic) {
			matched = append(matched, s)
		}
	}
	d.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	var syncSubs, asyncSubs []*subscription
	for _, s := range matched {
		if s.mode == Sync {
			syncSubs = append(syncSubs, s)
		} else {
			asyncSubs = append(asyncSubs, s)
		}
	}

	for _, s := range syncSubs {
		d.deliver(s, evt)
	}
	for _, s := range asyncSubs {
		s.queue <- evt
	}
}

// Wait blocks until every event enqueued to an async subscriber so far has
// been delivered. It does not stop the workers; intended for tests that
// need a synchronization point, not for shutdown (use Shutdown for that).
func (d *Dispatcher) Wait() {
	d.mu.RLock()
	subs := make([]*subscription, 0, len(d.subs))
	for _, s := range d.subs {
		if s.queue != nil {
			subs = append(subs, s)
		}
	}
	d.mu.RUnlock()

	for _, s := range subs {
		for len(s.queue) > 0 || atomic.LoadInt32(&s.processing) == 1 {
			time.Sleep(time.Millisecond)
		}
	}
}

// Shutdown closes every async subscriber's queue and waits for in-flight
// deliveries to drain, per the host's cancel-subscribed-async-tasks
// shutdown step.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	for _, s := range d.subs {
		if s.queue != nil {
			s.closeQueue.Do(func() { close(s.queue) })
		}
	}
	d.subs = nil
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) deliver(s *subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("topic", evt.Topic).
				Str("pattern", s.pattern).
				Interface("panic", r).
				Msg("event subscriber panicked")
		}
	}()
	s.callback(evt)
}

// matches reports whether pattern matches topic. A pattern of exactly "*"
// matches every topic. A pattern ending in ".*" matches any topic sharing
// its dotted prefix. Otherwise an exact match is required.
func matches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := pattern[:len(pattern)-1] // "prefix."
		return strings.HasPrefix(topic, prefix)
	}
	return false
}
