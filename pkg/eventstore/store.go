// Package eventstore implements the append-only, per-aggregate-stream
// store of spec.md §4.1: optimistic concurrency by aggregateVersion,
// idempotent append by eventId, and filter-query reads. It is grounded on
// the teacher's EventStore/ReadEvents/AppendEvents contract
// (pkg/dcb/types.go, event_store.go) generalized from the DCB's
// single-global-stream query model to one physical stream per
// (aggregateType, aggregateId) with strict version sequencing, per
// spec.md §3 ("Streams").
//
// Only an in-memory implementation is provided: spec.md §1 places
// concrete storage backends out of scope ("an in-memory implementation
// suffices for tests").
package eventstore

import (
	"context"

	"github.com/clinicore/kernel/pkg/event"
	"github.com/clinicore/kernel/pkg/ids"
)

// Cursor is an opaque position in the store's global insertion log. It is
// *not* a semantic ordering (spec.md §4.1) — only an insertion-order
// bookmark for catch-up reads.
type Cursor struct {
	Position int64
}

// Filter selects events for readAfter queries (spec.md §4.1).
type Filter struct {
	EventTypes     []string
	AggregateTypes []event.AggregateType
	OrganizationID ids.OpaqueID // zero value: no filter
	PatientID      string       // matches Tags["patient_id"]; "" = no filter
	VisibilityMask event.VisibilitySet
}

func (f Filter) matches(e event.Envelope) bool {
	if len(f.EventTypes) > 0 && !containsString(f.EventTypes, e.EventType) {
		return false
	}
	if len(f.AggregateTypes) > 0 && !containsAggregateType(f.AggregateTypes, e.AggregateType) {
		return false
	}
	if !f.OrganizationID.IsNil() && e.OrganizationID != f.OrganizationID {
		return false
	}
	if f.PatientID != "" && e.Tags["patient_id"] != f.PatientID {
		return false
	}
	if len(f.VisibilityMask) > 0 && !e.Visibility.Intersects(f.VisibilityMask) {
		return false
	}
	return true
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsAggregateType(set []event.AggregateType, v event.AggregateType) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// AppendOutcome reports whether an Append call created a new event or
// found it already present (spec.md §4.1: "succeeds silently").
type AppendOutcome int

const (
	AppendOutcomeAppended AppendOutcome = iota
	AppendOutcomeAlreadyExists
)

// Store is the append-only per-aggregate-stream event store.
type Store interface {
	// Append persists env. If env.EventID already exists anywhere in the
	// store, this is a no-op that returns AppendOutcomeAlreadyExists and a
	// nil error (idempotent append). Otherwise it rejects any envelope
	// whose AggregateVersion is not currentLength(stream)+1 with a
	// *VersionConflictError.
	Append(ctx context.Context, env event.Envelope) (AppendOutcome, error)

	// ReadStream returns the full stream for (aggregateType, aggregateId),
	// ascending by AggregateVersion.
	ReadStream(ctx context.Context, aggregateType event.AggregateType, aggregateID ids.OpaqueID) ([]event.Envelope, error)

	// ReadAfter returns events matching filter after cursor (nil = from
	// the beginning), insertion-ordered, up to limit (0 = no limit), and
	// the cursor to resume from.
	ReadAfter(ctx context.Context, filter Filter, cursor *Cursor, limit int) ([]event.Envelope, Cursor, error)

	// Exists reports whether an event with this id has been persisted.
	Exists(ctx context.Context, id ids.EventID) (bool, error)

	// CurrentVersion returns the current length of the given aggregate's
	// stream (0 if it does not exist yet) — used by handlers to compute
	// the aggregateVersion of the next event without a full rehydrate.
	CurrentVersion(ctx context.Context, aggregateType event.AggregateType, aggregateID ids.OpaqueID) (uint64, error)
}
