package readmodel

import "github.com/clinicore/kernel/pkg/event"

// EncounterStateView tracks whether a patient has an open (not yet
// Completed/Discharged) encounter. The CompensationEngine's
// concurrent-active-encounters review case (spec.md §4.8) reads the event
// store, not this view.
type EncounterStateView struct {
	PatientID string
	Open      bool
	Stage     string
}

type encounterStateProjection struct{}

func NewEncounterStateProjection() Projection { return encounterStateProjection{} }

func (encounterStateProjection) ID() string { return "EncounterState" }

func (encounterStateProjection) Interested(env event.Envelope) bool {
	return env.AggregateType == event.AggregateEncounter
}

func (encounterStateProjection) InitialState() any { return EncounterStateView{} }

func (encounterStateProjection) Key(env event.Envelope) string { return env.AggregateID.String() }

func (encounterStateProjection) Apply(stateAny any, env event.Envelope) any {
	state := stateAny.(EncounterStateView)
	switch env.EventType {
	case "EncounterCheckedIn":
		state.Open = true
		state.Stage = "CheckedIn"
		state.PatientID = env.Tags["patient_id"]
	case "PatientTriaged":
		state.Stage = "Triaged"
	case "EncounterBegan":
		state.Stage = "Began"
	case "EncounterReopened":
		state.Open = true
		state.Stage = "Reopened"
	case "EncounterCompleted":
		state.Stage = "Completed"
		state.Open = false
	case "EncounterDischarged":
		state.Stage = "Discharged"
		state.Open = false
	}
	return state
}
