package aggregate

import (
	"fmt"

	"github.com/clinicore/kernel/pkg/clock"
	"github.com/clinicore/kernel/pkg/event"
)

// Decider is the pair of pure functions every aggregate kind exposes
// (spec.md §4.2). Decide reads only state and command; apply is
// deterministic and total over every event a prior Decide could have
// produced for this kind.
type Decider interface {
	// InitialState returns the zero/None state for a not-yet-existing
	// aggregate.
	InitialState() any

	// Decide returns the events a command produces, or a *DomainError.
	// clk supplies the drafts' occurredAt; Decide does not itself reject a
	// far-future occurredAt (event.Stamp does). Decide never blocks and
	// never performs I/O.
	Decide(state any, cmd Command, clk clock.Clock) ([]event.Draft, error)

	// Apply folds one event into state. Must be total: every event type
	// this aggregate kind ever emits must be handled.
	Apply(state any, env event.Envelope) any

	// Permissible reports whether eventType is a valid state-machine
	// transition from state, independent of any command payload. Used by
	// SyncEngine conflict resolution (spec.md §4.7 step 3) to replay
	// contested events in causal order without re-deciding them.
	Permissible(state any, eventType string) bool
}

// registry maps each aggregate kind to its Decider. Populated by each
// aggregate file's init().
var registry = make(map[event.AggregateType]Decider)

func register(kind event.AggregateType, d Decider) {
	if _, exists := registry[kind]; exists {
		panic(fmt.Sprintf("aggregate: duplicate registration for %s", kind))
	}
	registry[kind] = d
}

// For looks up the Decider for an aggregate kind.
func For(kind event.AggregateType) (Decider, bool) {
	d, ok := registry[kind]
	return d, ok
}

// Rehydrate folds apply over stream in order, starting from the kind's
// InitialState, and returns the resulting state plus the stream's current
// version (length of stream). spec.md §4.2: "Loading an aggregate =
// fold(apply, initialState, readStream(…))."
func Rehydrate(kind event.AggregateType, stream []event.Envelope) (state any, version uint64, err error) {
	d, ok := For(kind)
	if !ok {
		return nil, 0, fmt.Errorf("aggregate: unknown kind %q", kind)
	}
	state = d.InitialState()
	for _, env := range stream {
		state = d.Apply(state, env)
	}
	return state, uint64(len(stream)), nil
}

// Decide looks up kind's Decider and calls Decide with state.
func Decide(kind event.AggregateType, state any, cmd Command, clk clock.Clock) ([]event.Draft, error) {
	d, ok := For(kind)
	if !ok {
		return nil, fmt.Errorf("aggregate: unknown kind %q", kind)
	}
	return d.Decide(state, cmd, clk)
}
