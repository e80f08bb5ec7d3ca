package mpi

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// IntentRegistry grants exclusive intent over sets of patient ids within one
// process. Acquisition is all-or-nothing: a request either holds every id it
// asked for or none of them. Stores without row locks (the embedded SQLite
// store, test fakes) use it to serialize overlapping merges.
type IntentRegistry struct {
	mu   sync.Mutex
	held map[uuid.UUID]*intent
}

type intent struct {
	ids  []uuid.UUID
	done chan struct{}
}

// NewIntentRegistry creates an empty registry.
func NewIntentRegistry() *IntentRegistry {
	return &IntentRegistry{held: make(map[uuid.UUID]*intent)}
}

// TryAcquire takes intent over ids or fails immediately with a
// *ConflictError naming the ids already held.
func (r *IntentRegistry) TryAcquire(ids []uuid.UUID) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if busy := r.busyLocked(ids); len(busy) > 0 {
		return nil, &ConflictError{IDs: busy}
	}
	return r.grantLocked(ids), nil
}

// Acquire waits until every id is free, then takes intent over all of them.
// If ctx ends first it returns a *ConflictError wrapping the context error.
func (r *IntentRegistry) Acquire(ctx context.Context, ids []uuid.UUID) (func(), error) {
	for {
		r.mu.Lock()
		busy := r.busyLocked(ids)
		if len(busy) == 0 {
			release := r.grantLocked(ids)
			r.mu.Unlock()
			return release, nil
		}
		wait := r.held[busy[0]].done
		r.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, &ConflictError{IDs: busy, Err: ctx.Err()}
		}
	}
}

// Held reports whether id is currently held.
func (r *IntentRegistry) Held(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.held[id]
	return ok
}

func (r *IntentRegistry) busyLocked(ids []uuid.UUID) []uuid.UUID {
	var busy []uuid.UUID
	for _, id := range ids {
		if _, ok := r.held[id]; ok {
			busy = append(busy, id)
		}
	}
	return busy
}

func (r *IntentRegistry) grantLocked(ids []uuid.UUID) func() {
	in := &intent{ids: append([]uuid.UUID(nil), ids...), done: make(chan struct{})}
	for _, id := range in.ids {
		r.held[id] = in
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			for _, id := range in.ids {
				if r.held[id] == in {
					delete(r.held, id)
				}
			}
			r.mu.Unlock()
			close(in.done)
		})
	}
}
