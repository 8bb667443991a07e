// Package aggregate implements the 14 aggregate kinds of spec.md §3-4: the
// pure decide(state, command, clock) -> events|DomainError and
// apply(state, event) -> state contract, and the finite state machines for
// the 7 lifecycle aggregates plus the single-event contract for the 7
// fact aggregates. Grounded on the teacher's StateProjector.TransitionFn
// shape (pkg/dcb/types.go, decision_model.go) generalized from "fold
// events into a read-side projection" to "fold events into authoritative,
// replay-derived aggregate state" (spec.md §4.2 "Rehydration").
package aggregate

import (
	"encoding/json"
	"time"

	"github.com/clinicore/kernel/pkg/event"
	"github.com/clinicore/kernel/pkg/ids"
)

// Command is a frozen structured value identifying the target aggregate,
// actor, org/facility/device context, correlation, and payload (spec.md
// §3). Commands carry no event-level metadata: no eventId, no
// aggregateVersion.
type Command struct {
	CommandType    string
	AggregateType  event.AggregateType
	AggregateID    ids.OpaqueID // empty for creation commands; gateway/handler mints one
	PerformedBy    ids.OpaqueID
	PerformerRole  event.PerformerRole
	OrganizationID ids.OpaqueID
	FacilityID     ids.OpaqueID
	DeviceID       string
	CorrelationID  ids.OpaqueID
	CausationID    ids.EventID
	Deadline       *time.Time
	Payload        json.RawMessage
}

// IsCreation reports whether this command targets a not-yet-existing
// aggregate (spec.md §4.4 step 2: "empty for creation commands").
func (c Command) IsCreation() bool {
	return c.AggregateID.IsNil()
}
