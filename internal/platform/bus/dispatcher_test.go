package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestDispatcher() *Dispatcher {
	return New(zerolog.Nop())
}

func TestEmit_ExactMatch(t *testing.T) {
	d := newTestDispatcher()
	var got Event
	d.Subscribe("fhir.read", Sync, func(e Event) { got = e })

	d.Emit("fhir.read", "m", map[string]interface{}{"id": "123"})

	if got.Topic != "fhir.read" {
		t.Fatalf("expected delivery, got %+v", got)
	}
}

func TestEmit_WildcardSuffix(t *testing.T) {
	d := newTestDispatcher()
	var calls []string
	d.Subscribe("fhir.patient.*", Sync, func(e Event) { calls = append(calls, e.Topic) })

	d.Emit("fhir.patient.read", "m", nil)
	d.Emit("fhir.patient.update", "m", nil)
	d.Emit("cds.patient.view", "m", nil)

	if len(calls) != 2 {
		t.Fatalf("expected 2 matches, got %v", calls)
	}
}

func TestEmit_SyncBeforeAsync_RegistrationOrder(t *testing.T) {
	d := newTestDispatcher()
	var mu sync.Mutex
	var order []string

	d.Subscribe("topic", Async, func(e Event) {
		mu.Lock()
		order = append(order, "async1")
		mu.Unlock()
	})
	d.Subscribe("topic", Sync, func(e Event) {
		mu.Lock()
		order = append(order, "sync1")
		mu.Unlock()
	})
	d.Subscribe("topic", Sync, func(e Event) {
		mu.Lock()
		order = append(order, "sync2")
		mu.Unlock()
	})

	d.Emit("topic", "m", nil)
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("expected 3 deliveries, got %v", order)
	}
	if order[0] != "sync1" || order[1] != "sync2" {
		t.Fatalf("expected sync subscribers first in registration order, got %v", order)
	}
	if order[2] != "async1" {
		t.Fatalf("expected async subscriber last, got %v", order)
	}
}

func TestEmit_PanicInSubscriberDoesNotStopSiblings(t *testing.T) {
	d := newTestDispatcher()
	var secondRan bool

	d.Subscribe("topic", Sync, func(e Event) { panic("boom") })
	d.Subscribe("topic", Sync, func(e Event) { secondRan = true })

	d.Emit("topic", "m", nil)

	if !secondRan {
		t.Fatal("expected sibling subscriber to run despite panic in first")
	}
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	d := newTestDispatcher()
	var count int
	unsub := d.Subscribe("topic", Sync, func(e Event) { count++ })

	d.Emit("topic", "m", nil)
	unsub()
	d.Emit("topic", "m", nil)

	if count != 1 {
		t.Fatalf("expected 1 delivery after unsubscribe, got %d", count)
	}
}

func TestEmitOperation_UsesInstalledCreator(t *testing.T) {
	d := newTestDispatcher()
	d.SetEventCreator(func(ctx CreatorContext) map[string]interface{} {
		return map[string]interface{}{"custom": true, "op": ctx.Operation}
	})

	var got Event
	d.Subscribe("fhir.read", Sync, func(e Event) { got = e })
	d.EmitOperation("fhir.read", CreatorContext{Operation: "read", Source: "m"})

	if got.Payload["custom"] != true || got.Payload["op"] != "read" {
		t.Fatalf("expected creator-built payload, got %+v", got.Payload)
	}
}

func TestEmit_AsyncOrderedPerSubscriber(t *testing.T) {
	d := newTestDispatcher()
	var mu sync.Mutex
	var order []int

	d.Subscribe("topic", Async, func(e Event) {
		n := e.Payload["n"].(int)
		time.Sleep(time.Duration(3-n) * time.Millisecond)
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
	})

	for i := 1; i <= 3; i++ {
		d.Emit("topic", "m", map[string]interface{}{"n": i})
	}
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("expected 3 deliveries, got %v", order)
	}
}
