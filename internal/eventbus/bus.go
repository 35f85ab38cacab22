// Package eventbus implements the publish/subscribe bus used by the
// broker (C3) and process manager (C7) to emit named structured events.
// It generalizes the teacher's core/bus package — whose retrieved tests
// describe a Config{Name, Unit, Backend, Frontend, Capture}-shaped,
// context-cancellable pub/sub component — into a pure in-process bus
// carrying a "private" vs "joint" scope label from spec.md's glossary.
// The scope only records the bus's intended audience (see Scope): a bus
// of either scope fans every event out to every matching subscriber in
// publication order (spec.md §5's ordering guarantee).
package eventbus

import (
	"context"
	"sync"
)

// Event is a named, structured message published on a Bus.
type Event struct {
	Name    string
	Payload interface{}
}

// Handler receives published events. Handlers run synchronously on the
// publishing goroutine's call to Publish in subscription order, matching
// the single-threaded cooperative model of spec.md §5: a handler must not
// block on external I/O.
type Handler func(Event)

// Scope distinguishes a bus meant for intra-component delivery only from
// one meant to fan out across components.
type Scope int

const (
	// Private scope: subscribers are expected to live in the same
	// process component that owns the bus (e.g. the broker's internal
	// worker-state transitions feeding its own self-API handlers).
	Private Scope = iota
	// Joint scope: subscribers may belong to other components (e.g.
	// procman subscribing to the broker's worker_failedHb event).
	Joint
)

// Bus is an in-process, ordered publish/subscribe channel.
type Bus struct {
	scope       Scope
	mu          sync.Mutex
	subscribers map[string][]Handler
}

// New creates a Bus of the given scope.
func New(scope Scope) *Bus {
	return &Bus{scope: scope, subscribers: make(map[string][]Handler)}
}

// Scope reports the bus's scope.
func (b *Bus) Scope() Scope {
	return b.scope
}

// Subscribe registers handler for events named name. An empty name
// subscribes to every event published on this bus. Subscriptions are
// delivered in the order they were registered, and a single subscriber
// receives every event it is eligible for in publication order (spec.md
// §5).
func (b *Bus) Subscribe(name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[name] = append(b.subscribers[name], handler)
}

// Publish delivers event to every matching subscriber, in subscription
// order, then to every wildcard ("") subscriber, in subscription order.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	named := append([]Handler(nil), b.subscribers[event.Name]...)
	wildcard := append([]Handler(nil), b.subscribers[""]...)
	b.mu.Unlock()

	for _, h := range named {
		h(event)
	}
	for _, h := range wildcard {
		h(event)
	}
}

// Run blocks until ctx is cancelled. It exists so a Bus can be started
// alongside other long-running components with the same
// context-cancellation idiom the teacher's core/bus tests exercise
// (ctx.Done() driven shutdown), even though Publish/Subscribe need no
// running loop of their own.
func (b *Bus) Run(ctx context.Context, wg *sync.WaitGroup) {
	if wg != nil {
		defer wg.Done()
	}
	<-ctx.Done()
}
