// Package ids provides the identifier types used throughout the kernel.
//
// EventID is a time-sortable 128-bit id (ULID) so that the CausalOrderer's
// final tiebreak rule (§4.6 rule 6) is itself a deterministic ordering
// rather than an arbitrary one. causationId is also an EventID, since it
// references another event's eventId. Every other 128-bit identifier
// (aggregateId, performedBy, organizationId, facilityId, correlationId,
// syncBatchId) is an opaque UUID: nothing in the
// protocol depends on their creation order.
package ids

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// EventID is a time-sortable, globally unique identifier for an EventEnvelope.
type EventID string

// NewEventID mints a fresh, time-sortable EventID for occurredAt.
func NewEventID(occurredAt time.Time) EventID {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id := ulid.MustNew(ulid.Timestamp(occurredAt), entropy)
	return EventID(strings.ToLower(id.String()))
}

// ParseEventID validates and normalizes a wire-format EventID.
func ParseEventID(s string) (EventID, error) {
	if _, err := ulid.ParseStrict(strings.ToUpper(s)); err != nil {
		return "", fmt.Errorf("ids: invalid event id %q: %w", s, err)
	}
	return EventID(strings.ToLower(s)), nil
}

func (e EventID) String() string { return string(e) }

// Less reports whether e sorts before o under the time-sortable encoding.
// Used only as the CausalOrderer's deterministic final tiebreak; never as
// a substitute for the causal/device/stream rules that precede it.
func (e EventID) Less(o EventID) bool { return string(e) < string(o) }

// NilEvent is the zero-value EventID, used for "no id" (e.g. an absent
// causationId on a root event).
const NilEvent EventID = ""

func (e EventID) IsNil() bool { return e == NilEvent }

// OpaqueID is a 128-bit identifier with no ordering semantics: aggregateId,
// performedBy, organizationId, facilityId, correlationId and syncBatchId are
// all OpaqueIDs. causationId is an EventID, not an OpaqueID — see above.
type OpaqueID string

// NewOpaqueID mints a fresh random OpaqueID.
func NewOpaqueID() OpaqueID {
	return OpaqueID(uuid.NewString())
}

// ParseOpaqueID validates a wire-format OpaqueID.
func ParseOpaqueID(s string) (OpaqueID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("ids: invalid id %q: %w", s, err)
	}
	return OpaqueID(u.String()), nil
}

func (o OpaqueID) String() string { return string(o) }

// Nil is the zero-value OpaqueID, used for "no id" (e.g. an absent syncBatchId).
const Nil OpaqueID = ""

func (o OpaqueID) IsNil() bool { return o == Nil }
