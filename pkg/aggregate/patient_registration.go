package aggregate

import (
	"encoding/json"
	"fmt"

	"github.com/clinicore/kernel/pkg/clock"
	"github.com/clinicore/kernel/pkg/event"
)

// PatientStage is the Patient Lifecycle aggregate's state tag (spec.md
// §4.1): None → Active → (Deceased | TransferredOut), terminal once left
// Active.
type PatientStage int

const (
	PatientNone PatientStage = iota
	PatientActive
	PatientDeceased
	PatientTransferredOut
)

type PatientRegistrationState struct {
	Stage PatientStage
}

const (
	CmdRegisterPatient     = "RegisterPatient"
	CmdUpdatePatientContact = "UpdatePatientContact"
	CmdRecordPatientDeath  = "RecordPatientDeath"
	CmdTransferPatientOut  = "TransferPatientOut"
)

type registerPatientPayload struct {
	GivenName  string `json:"givenName"`
	FamilyName string `json:"familyName"`
	Contact    contactInfo `json:"contact"`
}

type contactInfo struct {
	Phone string `json:"phone"`
	Email string `json:"email"`
}

func (c contactInfo) valid() bool {
	return c.Phone != "" || c.Email != ""
}

type updateContactPayload struct {
	Contact contactInfo `json:"contact"`
}

type patientRegistrationDecider struct{}

func (patientRegistrationDecider) InitialState() any {
	return PatientRegistrationState{Stage: PatientNone}
}

func (patientRegistrationDecider) draft(cmd Command, clk clock.Clock, eventType string, payload any) (event.Draft, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return event.Draft{}, NewDomainError(InvalidTransition, cmd.CommandType, err)
	}
	return event.Draft{
		EventType:      eventType,
		SchemaVersion:  1,
		AggregateID:    cmd.AggregateID,
		AggregateType:  event.AggregatePatientRegistration,
		OccurredAt:     clk.Now(),
		PerformedBy:    cmd.PerformedBy,
		PerformerRole:  cmd.PerformerRole,
		OrganizationID: cmd.OrganizationID,
		FacilityID:     cmd.FacilityID,
		Visibility:     event.NewVisibilitySet(event.VisibilityStandard),
		Tags:           map[string]string{"patient_id": cmd.AggregateID.String()},
		Payload:        data,
	}, nil
}

func (p patientRegistrationDecider) Decide(stateAny any, cmd Command, clk clock.Clock) ([]event.Draft, error) {
	state := stateAny.(PatientRegistrationState)

	switch cmd.CommandType {
	case CmdRegisterPatient:
		if state.Stage != PatientNone {
			return nil, NewDomainError(InvPatientAlreadyActive, cmd.CommandType, fmt.Errorf("patient already registered"))
		}
		var payload registerPatientPayload
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil || payload.GivenName == "" || payload.FamilyName == "" {
			return nil, NewDomainError(InvPatientContactInvalid, cmd.CommandType, fmt.Errorf("registration requires given/family name"))
		}
		if !payload.Contact.valid() {
			return nil, NewDomainError(InvPatientContactInvalid, cmd.CommandType, fmt.Errorf("registration requires a phone or email"))
		}
		d, err := p.draft(cmd, clk, "PatientRegistered", payload)
		return []event.Draft{d}, err

	case CmdUpdatePatientContact:
		if state.Stage != PatientActive {
			return nil, NewDomainError(InvPatientTerminalState, cmd.CommandType, fmt.Errorf("contact updates rejected once patient left Active, stage=%d", state.Stage))
		}
		var payload updateContactPayload
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil || !payload.Contact.valid() {
			return nil, NewDomainError(InvPatientContactInvalid, cmd.CommandType, fmt.Errorf("contact update requires a phone or email"))
		}
		d, err := p.draft(cmd, clk, "PatientContactUpdated", payload)
		return []event.Draft{d}, err

	case CmdRecordPatientDeath:
		if state.Stage != PatientActive {
			return nil, NewDomainError(InvPatientTerminalOnce, cmd.CommandType, fmt.Errorf("death can only be recorded once, from Active, stage=%d", state.Stage))
		}
		d, err := p.draft(cmd, clk, "PatientDeathRecorded", struct{}{})
		return []event.Draft{d}, err

	case CmdTransferPatientOut:
		if state.Stage != PatientActive {
			return nil, NewDomainError(InvPatientTerminalOnce, cmd.CommandType, fmt.Errorf("transfer-out can only happen once, from Active, stage=%d", state.Stage))
		}
		d, err := p.draft(cmd, clk, "PatientTransferredOut", struct{}{})
		return []event.Draft{d}, err
	}

	return nil, fmt.Errorf("aggregate: unknown command type %q for PatientRegistration", cmd.CommandType)
}

func (patientRegistrationDecider) Apply(stateAny any, env event.Envelope) any {
	state := stateAny.(PatientRegistrationState)
	switch env.EventType {
	case "PatientRegistered":
		state.Stage = PatientActive
	case "PatientDeathRecorded":
		state.Stage = PatientDeceased
	case "PatientTransferredOut":
		state.Stage = PatientTransferredOut
	}
	return state
}

func (patientRegistrationDecider) Permissible(stateAny any, eventType string) bool {
	state := stateAny.(PatientRegistrationState)
	switch eventType {
	case "PatientRegistered":
		return state.Stage == PatientNone
	case "PatientContactUpdated":
		return state.Stage == PatientActive
	case "PatientDeathRecorded", "PatientTransferredOut":
		return state.Stage == PatientActive
	}
	return false
}

func init() {
	register(event.AggregatePatientRegistration, patientRegistrationDecider{})
}
