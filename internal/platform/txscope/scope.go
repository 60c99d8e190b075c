// Package txscope implements the resource transaction context: a scoped
// read-modify-write primitive over the FHIR Client Pool that serializes
// concurrent modifications to the same (source, resource type, id) and
// writes back only when the caller's mutation function succeeds.
//
// Grounded on the same read-then-write discipline the pool's CRUD methods
// already enforce (fhirclient.Pool.Update requires an id on the body); this
// package adds the missing mutual exclusion and rollback-on-error semantics
// around that read/update pair.
package txscope

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/dotimplement/healthchain-gateway/internal/platform/bus"
	"github.com/dotimplement/healthchain-gateway/internal/platform/fhirclient"
	"github.com/dotimplement/healthchain-gateway/internal/platform/gwerrors"
)

// ModifyFunc receives the resource as currently stored and returns the
// version to write back. Returning a non-nil error aborts the scope: no
// write happens, and the lock is released before the error propagates.
type ModifyFunc func(current json.RawMessage) (updated json.RawMessage, err error)

type refCountedLock struct {
	lock *keyLock
	refs int
}

// Manager owns the per-key lock table backing every modify scope.
type Manager struct {
	pool *fhirclient.Pool
	bus  *bus.Dispatcher

	mu    sync.Mutex
	locks map[string]*refCountedLock
}

func New(pool *fhirclient.Pool, dispatcher *bus.Dispatcher) *Manager {
	return &Manager{pool: pool, bus: dispatcher, locks: make(map[string]*refCountedLock)}
}

func scopeKey(source, resourceType, id string) string {
	return strings.Join([]string{source, resourceType, id}, "\x00")
}

func (m *Manager) acquireRef(key string) *refCountedLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	rl, ok := m.locks[key]
	if !ok {
		rl = &refCountedLock{lock: newKeyLock()}
		m.locks[key] = rl
	}
	rl.refs++
	return rl
}

func (m *Manager) releaseRef(key string, rl *refCountedLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rl.refs--
	if rl.refs == 0 {
		delete(m.locks, key)
	}
}

// Modify acquires exclusive access to (source, resourceType, id), reads the
// current resource, applies fn, and writes the result back — all while
// holding the lock, so a second concurrent Modify on the same key blocks
// until this one finishes (FIFO across waiters on that key).
//
// fn returning an error rolls the scope back: nothing is written, and the
// lock is released before the error reaches the caller. A transport failure
// on the final write surfaces as an UpstreamError with the lock already
// released.
func (m *Manager) Modify(ctx context.Context, resourceType, id, source string, fn ModifyFunc) (json.RawMessage, error) {
	key := scopeKey(source, resourceType, id)
	rl := m.acquireRef(key)

	if err := rl.lock.Lock(ctx); err != nil {
		m.releaseRef(key, rl)
		return nil, gwerrors.Wrap(gwerrors.Cancelled, "modify scope cancelled while waiting for the resource lock", err)
	}
	defer func() {
		rl.lock.Unlock()
		m.releaseRef(key, rl)
	}()

	current, err := m.pool.Read(ctx, resourceType, id, source)
	if err != nil {
		return nil, err
	}

	updated, err := fn(current)
	if err != nil {
		return nil, err
	}

	result, err := m.pool.Update(ctx, resourceType, updated, source)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.Upstream, "update failed while closing the resource scope", err)
	}

	if m.bus != nil {
		m.bus.EmitOperation("fhir.modify", bus.CreatorContext{
			Operation: "modify", ResourceType: resourceType, ID: id, Source: source,
		})
	}
	return result, nil
}
