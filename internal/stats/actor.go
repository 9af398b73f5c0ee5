// Package stats serializes updates to rolling statistics through a single
// goroutine. Running means are order dependent, so concurrent runs hand
// their updates to the actor instead of writing shared counters.
package stats

import "sync"

// Actor owns a value of type S. Updates are applied one at a time, in the
// order they were submitted, by the actor goroutine.
type Actor[S any] struct {
	ops   chan func(*S)
	done  chan struct{}
	clone func(S) S

	mu     sync.RWMutex
	closed bool
}

// NewActor starts an actor owning initial. clone produces a deep copy for
// Snapshot; pass nil when S has no reference fields.
func NewActor[S any](initial S, clone func(S) S) *Actor[S] {
	a := &Actor[S]{
		ops:   make(chan func(*S), 64),
		done:  make(chan struct{}),
		clone: clone,
	}
	go a.run(initial)
	return a
}

func (a *Actor[S]) run(state S) {
	defer close(a.done)
	for op := range a.ops {
		op(&state)
	}
}

func (a *Actor[S]) submit(fn func(*S)) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return false
	}
	a.ops <- fn
	return true
}

// Update queues fn to be applied to the owned state. It blocks only when the
// queue is full. Updates after Close are discarded.
func (a *Actor[S]) Update(fn func(*S)) {
	a.submit(fn)
}

// Snapshot returns a copy of the state after every previously queued update.
// After Close it returns the zero value.
func (a *Actor[S]) Snapshot() S {
	reply := make(chan S, 1)
	ok := a.submit(func(s *S) {
		if a.clone != nil {
			reply <- a.clone(*s)
			return
		}
		reply <- *s
	})
	if !ok {
		var zero S
		return zero
	}
	return <-reply
}

// Close stops the actor after draining queued updates.
func (a *Actor[S]) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ops)
	}
	a.mu.Unlock()
	<-a.done
}
