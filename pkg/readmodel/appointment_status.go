package readmodel

import "github.com/clinicore/kernel/pkg/event"

// AppointmentStatusView tracks an appointment's patient and stage, for
// handler preconditions on appointment commands. The CompensationEngine's
// appointment-for-deceased-patient check (spec.md §4.8 scenario 3) reads
// the event store, not this view.
type AppointmentStatusView struct {
	PatientID string
	Stage     string
}

type appointmentStatusProjection struct{}

func NewAppointmentStatusProjection() Projection { return appointmentStatusProjection{} }

func (appointmentStatusProjection) ID() string { return "AppointmentStatus" }

func (appointmentStatusProjection) Interested(env event.Envelope) bool {
	return env.AggregateType == event.AggregateAppointment
}

func (appointmentStatusProjection) InitialState() any { return AppointmentStatusView{} }

func (appointmentStatusProjection) Key(env event.Envelope) string { return env.AggregateID.String() }

func (appointmentStatusProjection) Apply(stateAny any, env event.Envelope) any {
	state := stateAny.(AppointmentStatusView)
	switch env.EventType {
	case "AppointmentRequested":
		state.Stage = "Requested"
		state.PatientID = env.Tags["patient_id"]
	case "AppointmentConfirmed":
		state.Stage = "Confirmed"
	case "AppointmentCancelled":
		state.Stage = "Cancelled"
	case "AppointmentCancelledByPractice":
		state.Stage = "Cancelled"
	case "AppointmentNoShowed":
		state.Stage = "NoShowed"
	}
	return state
}
