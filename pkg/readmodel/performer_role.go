package readmodel

import "github.com/clinicore/kernel/pkg/event"

// PerformerRoleView tracks the most recently observed role for a
// performer id, keyed by performedBy rather than by an aggregate id
// (spec.md §1, §4.3: "PerformerRole" read model), so a handler
// precondition can look up a performer's role without loading every
// aggregate the performer ever touched. No aggregate rule in this module
// checks a role; ClinicalNote cosign, for one, only checks the cosigner
// differs from the author.
type PerformerRoleView struct {
	LastRole   event.PerformerRole
	EventCount uint64
}

type performerRoleProjection struct{}

func NewPerformerRoleProjection() Projection { return performerRoleProjection{} }

func (performerRoleProjection) ID() string { return "PerformerRole" }

func (performerRoleProjection) Interested(event.Envelope) bool { return true }

func (performerRoleProjection) InitialState() any { return PerformerRoleView{} }

func (performerRoleProjection) Key(env event.Envelope) string { return env.PerformedBy.String() }

func (performerRoleProjection) Apply(stateAny any, env event.Envelope) any {
	state := stateAny.(PerformerRoleView)
	state.LastRole = env.PerformerRole
	state.EventCount++
	return state
}
