package readmodel

import "github.com/clinicore/kernel/pkg/event"

// DiagnosisStatusView tracks whether a diagnosis was made and resolved,
// for handler preconditions. The CompensationEngine's
// treatment-plan-for-resolved-diagnosis check (spec.md §4.8) reads the
// event store, not this view.
type DiagnosisStatusView struct {
	Made     bool
	Resolved bool
}

type diagnosisStatusProjection struct{}

func NewDiagnosisStatusProjection() Projection { return diagnosisStatusProjection{} }

func (diagnosisStatusProjection) ID() string { return "DiagnosisStatus" }

func (diagnosisStatusProjection) Interested(env event.Envelope) bool {
	return env.AggregateType == event.AggregateDiagnosis
}

func (diagnosisStatusProjection) InitialState() any { return DiagnosisStatusView{} }

func (diagnosisStatusProjection) Key(env event.Envelope) string { return env.AggregateID.String() }

func (diagnosisStatusProjection) Apply(stateAny any, env event.Envelope) any {
	state := stateAny.(DiagnosisStatusView)
	switch env.EventType {
	case "DiagnosisMade":
		state.Made = true
	case "DiagnosisResolved":
		state.Resolved = true
	}
	return state
}
