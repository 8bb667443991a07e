package readmodel

import "github.com/clinicore/kernel/pkg/event"

// PatientStatusView is the minimal patient status consulted by handlers
// before accepting an appointment, diagnosis, or clinical fact command
// (spec.md §4.8 scenario 3: appointment-for-deceased-patient).
type PatientStatusView struct {
	Registered bool
	Deceased   bool
	Transferred bool
}

type patientStatusProjection struct{}

func NewPatientStatusProjection() Projection { return patientStatusProjection{} }

func (patientStatusProjection) ID() string { return "PatientStatus" }

func (patientStatusProjection) Interested(env event.Envelope) bool {
	return env.AggregateType == event.AggregatePatientRegistration
}

func (patientStatusProjection) InitialState() any { return PatientStatusView{} }

func (patientStatusProjection) Key(env event.Envelope) string { return env.AggregateID.String() }

func (patientStatusProjection) Apply(stateAny any, env event.Envelope) any {
	state := stateAny.(PatientStatusView)
	switch env.EventType {
	case "PatientRegistered":
		state.Registered = true
	case "PatientDeathRecorded":
		state.Deceased = true
	case "PatientTransferredOut":
		state.Transferred = true
	}
	return state
}

// Active reports whether commands targeting this patient should be
// accepted under normal (non-compensated) operation.
func (v PatientStatusView) Active() bool {
	return v.Registered && !v.Deceased && !v.Transferred
}
