package engine

import (
	"sync"
	"sync/atomic"

	"github.com/batlogic/axiom/pkg/codegen"
	"github.com/batlogic/axiom/pkg/values"
)

// Subscription is the token returned by Topic.Subscribe. Unsubscribe removes
// the handler from the topic; closing the topic makes the token inert.
type Subscription struct {
	active atomic.Bool
	once   sync.Once
	cancel func()
}

// Unsubscribe detaches the handler. It is safe to call more than once and
// after the topic was closed.
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

// Active reports whether the handler still receives notifications.
func (s *Subscription) Active() bool {
	return s != nil && s.active.Load()
}

// Topic is a typed notification channel. Handlers run synchronously on the
// goroutine that publishes, in subscription order, and never while engine
// state is locked.
type Topic[T any] struct {
	mu     sync.Mutex
	next   uint64
	subs   map[uint64]*topicEntry[T]
	closed bool
}

type topicEntry[T any] struct {
	fn  func(T)
	sub *Subscription
}

// Subscribe registers fn and returns its token. Subscribing to a closed
// topic returns an inactive token.
func (t *Topic[T]) Subscribe(fn func(T)) *Subscription {
	sub := &Subscription{}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return sub
	}
	if t.subs == nil {
		t.subs = make(map[uint64]*topicEntry[T])
	}
	id := t.next
	t.next++
	sub.active.Store(true)
	sub.cancel = func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
	t.subs[id] = &topicEntry[T]{fn: fn, sub: sub}
	return sub
}

// Len returns the number of attached handlers.
func (t *Topic[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (t *Topic[T]) publish(v T) {
	t.mu.Lock()
	if t.closed || len(t.subs) == 0 {
		t.mu.Unlock()
		return
	}
	entries := make([]*topicEntry[T], 0, len(t.subs))
	for id := uint64(0); id < t.next; id++ {
		if e, ok := t.subs[id]; ok {
			entries = append(entries, e)
		}
	}
	t.mu.Unlock()

	for _, e := range entries {
		if e.sub.Active() {
			e.fn(v)
		}
	}
}

func (t *Topic[T]) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, e := range t.subs {
		e.sub.active.Store(false)
		delete(t.subs, id)
	}
}

// RecompiledEvent is published after a surface compile pass committed.
type RecompiledEvent struct {
	Surface *Surface
	Module  codegen.Module
	Pass    uint64

	// Units lists the IDs of every node and group compiled in the pass.
	Units []string
}

// ErrorRaisedEvent is published when an entry is added to the error log.
type ErrorRaisedEvent struct {
	Entry ErrorEntry
}

// ErrorClearedEvent is published when an entry leaves the error log.
type ErrorClearedEvent struct {
	Location SourceLocation
}

// ValueChangedEvent is published when a group's value is written from the
// edit goroutine.
type ValueChangedEvent struct {
	Surface *Surface
	Group   GroupHandle
	GroupID string
	Kind    values.Kind
}

// PortFiddledEvent is published when an I/O port's name or type changed.
type PortFiddledEvent struct {
	Surface *Surface
	Node    NodeHandle
	Path    string
	Name    string
	Type    values.Kind
}

// topics bundles the runtime's notification channels.
type topics struct {
	recompiled   Topic[RecompiledEvent]
	errorRaised  Topic[ErrorRaisedEvent]
	errorCleared Topic[ErrorClearedEvent]
	valueChanged Topic[ValueChangedEvent]
	portFiddled  Topic[PortFiddledEvent]
}

func (t *topics) closeAll() {
	t.recompiled.close()
	t.errorRaised.close()
	t.errorCleared.close()
	t.valueChanged.close()
	t.portFiddled.close()
}
