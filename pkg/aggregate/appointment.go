package aggregate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/clinicore/kernel/pkg/clock"
	"github.com/clinicore/kernel/pkg/event"
)

// AppointmentStage is the Clinical Appointment aggregate's state tag
// (spec.md §4.8): None → Requested → Confirmed → Rescheduled⇄Confirmed →
// (Cancelled | NoShowed), terminal.
type AppointmentStage int

const (
	AppointmentNone AppointmentStage = iota
	AppointmentRequested
	AppointmentConfirmed
	AppointmentCancelled
	AppointmentNoShowed
)

type AppointmentState struct {
	Stage     AppointmentStage
	PatientID string
	When      time.Time
}

const (
	CmdRequestAppointment     = "RequestAppointment"
	CmdConfirmAppointment     = "ConfirmAppointment"
	CmdRescheduleAppointment  = "RescheduleAppointment"
	CmdCancelAppointment      = "CancelAppointment"
	CmdMarkAppointmentNoShow  = "MarkAppointmentNoShow"
)

type requestAppointmentPayload struct {
	PatientID string    `json:"patientId"`
	When      time.Time `json:"when"`
}

type rescheduleAppointmentPayload struct {
	When time.Time `json:"when"`
}

func (s AppointmentStage) terminal() bool {
	return s == AppointmentCancelled || s == AppointmentNoShowed
}

type appointmentDecider struct{}

func (appointmentDecider) InitialState() any { return AppointmentState{Stage: AppointmentNone} }

func (a appointmentDecider) draft(cmd Command, clk clock.Clock, eventType string, payload any, patientID string) (event.Draft, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return event.Draft{}, NewDomainError(InvalidTransition, cmd.CommandType, err)
	}
	return event.Draft{
		EventType:      eventType,
		SchemaVersion:  1,
		AggregateID:    cmd.AggregateID,
		AggregateType:  event.AggregateAppointment,
		OccurredAt:     clk.Now(),
		PerformedBy:    cmd.PerformedBy,
		PerformerRole:  cmd.PerformerRole,
		OrganizationID: cmd.OrganizationID,
		FacilityID:     cmd.FacilityID,
		Visibility:     event.NewVisibilitySet(event.VisibilityStandard),
		Tags:           map[string]string{"patient_id": patientID},
		Payload:        data,
	}, nil
}

func (a appointmentDecider) Decide(stateAny any, cmd Command, clk clock.Clock) ([]event.Draft, error) {
	state := stateAny.(AppointmentState)

	switch cmd.CommandType {
	case CmdRequestAppointment:
		if state.Stage != AppointmentNone {
			return nil, NewDomainError(InvalidTransition, cmd.CommandType, fmt.Errorf("appointment already requested"))
		}
		var p requestAppointmentPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.PatientID == "" || p.When.IsZero() {
			return nil, NewDomainError(InvalidTransition, cmd.CommandType, fmt.Errorf("request requires patientId and when"))
		}
		draft, err := a.draft(cmd, clk, "AppointmentRequested", p, p.PatientID)
		return []event.Draft{draft}, err

	case CmdConfirmAppointment:
		if state.Stage != AppointmentRequested {
			return nil, NewDomainError(InvAppointmentRequiresRequested, cmd.CommandType, fmt.Errorf("confirm requires a prior Requested, stage=%d", state.Stage))
		}
		draft, err := a.draft(cmd, clk, "AppointmentConfirmed", struct{}{}, state.PatientID)
		return []event.Draft{draft}, err

	case CmdRescheduleAppointment:
		if state.Stage != AppointmentConfirmed {
			return nil, NewDomainError(InvAppointmentRescheduleState, cmd.CommandType, fmt.Errorf("reschedule only valid from Confirmed, stage=%d", state.Stage))
		}
		var p rescheduleAppointmentPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.When.IsZero() {
			return nil, NewDomainError(InvalidTransition, cmd.CommandType, fmt.Errorf("reschedule requires a non-zero when"))
		}
		draft, err := a.draft(cmd, clk, "AppointmentRescheduled", p, state.PatientID)
		return []event.Draft{draft}, err

	case CmdCancelAppointment:
		if state.Stage.terminal() {
			return nil, NewDomainError(InvAppointmentTerminal, cmd.CommandType, fmt.Errorf("appointment already in a terminal state"))
		}
		if state.Stage != AppointmentRequested && state.Stage != AppointmentConfirmed {
			return nil, NewDomainError(InvAppointmentActionableState, cmd.CommandType, fmt.Errorf("cancel not valid from stage %d", state.Stage))
		}
		draft, err := a.draft(cmd, clk, "AppointmentCancelled", struct{}{}, state.PatientID)
		return []event.Draft{draft}, err

	case CmdMarkAppointmentNoShow:
		if state.Stage.terminal() {
			return nil, NewDomainError(InvAppointmentTerminal, cmd.CommandType, fmt.Errorf("appointment already in a terminal state"))
		}
		if state.Stage != AppointmentConfirmed {
			return nil, NewDomainError(InvAppointmentActionableState, cmd.CommandType, fmt.Errorf("no-show only valid from Confirmed, stage=%d", state.Stage))
		}
		draft, err := a.draft(cmd, clk, "AppointmentNoShowed", struct{}{}, state.PatientID)
		return []event.Draft{draft}, err
	}

	return nil, fmt.Errorf("aggregate: unknown command type %q for Appointment", cmd.CommandType)
}

func (appointmentDecider) Apply(stateAny any, env event.Envelope) any {
	state := stateAny.(AppointmentState)
	switch env.EventType {
	case "AppointmentRequested":
		var p requestAppointmentPayload
		_ = json.Unmarshal(env.Payload, &p)
		state.Stage = AppointmentRequested
		state.PatientID = p.PatientID
		state.When = p.When
	case "AppointmentConfirmed":
		state.Stage = AppointmentConfirmed
	case "AppointmentRescheduled":
		var p rescheduleAppointmentPayload
		_ = json.Unmarshal(env.Payload, &p)
		state.When = p.When
	case "AppointmentCancelled", "AppointmentCancelledByPractice":
		state.Stage = AppointmentCancelled
	case "AppointmentNoShowed":
		state.Stage = AppointmentNoShowed
	}
	return state
}

func (appointmentDecider) Permissible(stateAny any, eventType string) bool {
	state := stateAny.(AppointmentState)
	switch eventType {
	case "AppointmentRequested":
		return state.Stage == AppointmentNone
	case "AppointmentConfirmed":
		return state.Stage == AppointmentRequested
	case "AppointmentRescheduled":
		return state.Stage == AppointmentConfirmed
	case "AppointmentCancelled", "AppointmentCancelledByPractice":
		return !state.Stage.terminal() && (state.Stage == AppointmentRequested || state.Stage == AppointmentConfirmed)
	case "AppointmentNoShowed":
		return state.Stage == AppointmentConfirmed
	}
	return false
}

func init() {
	register(event.AggregateAppointment, appointmentDecider{})
}
