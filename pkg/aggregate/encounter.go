package aggregate

import (
	"encoding/json"
	"fmt"

	"github.com/clinicore/kernel/pkg/clock"
	"github.com/clinicore/kernel/pkg/event"
)

// EncounterStage is the Encounter lifecycle aggregate's state tag
// (spec.md §4.2): None → CheckedIn → (Triaged) → Began → Completed →
// Discharged, with Completed → Reopened → Began for a reopened encounter.
type EncounterStage int

const (
	EncounterNone EncounterStage = iota
	EncounterCheckedIn
	EncounterTriaged
	EncounterBegan
	EncounterReopened
	EncounterCompleted
	EncounterDischarged
)

type EncounterState struct {
	Stage         EncounterStage
	PatientID     string
	PractitionerID string
}

const (
	CmdCheckInEncounter  = "CheckInEncounter"
	CmdTriagePatient     = "TriagePatient"
	CmdBeginEncounter    = "BeginEncounter"
	CmdCompleteEncounter = "CompleteEncounter"
	CmdReopenEncounter   = "ReopenEncounter"
	CmdDischargeEncounter = "DischargeEncounter"
)

type checkInPayload struct {
	PatientID      string `json:"patientId"`
	PractitionerID string `json:"practitionerId"`
	Reason         string `json:"reason"`
}

type encounterDecider struct{}

func (encounterDecider) InitialState() any { return EncounterState{Stage: EncounterNone} }

func (encounterDecider) Decide(stateAny any, cmd Command, clk clock.Clock) ([]event.Draft, error) {
	state := stateAny.(EncounterState)
	now := clk.Now()

	base := func(eventType string, payload any) (event.Draft, error) {
		data, err := json.Marshal(payload)
		if err != nil {
			return event.Draft{}, NewDomainError(InvalidTransition, cmd.CommandType, err)
		}
		return event.Draft{
			EventType:      eventType,
			SchemaVersion:  1,
			AggregateID:    cmd.AggregateID,
			AggregateType:  event.AggregateEncounter,
			OccurredAt:     now,
			PerformedBy:    cmd.PerformedBy,
			PerformerRole:  cmd.PerformerRole,
			OrganizationID: cmd.OrganizationID,
			FacilityID:     cmd.FacilityID,
			Visibility:     event.NewVisibilitySet(event.VisibilityStandard),
			Tags:           map[string]string{"patient_id": state.PatientID},
			Payload:        data,
		}, nil
	}

	switch cmd.CommandType {
	case CmdCheckInEncounter:
		if state.Stage != EncounterNone {
			return nil, NewDomainError(InvalidTransition, cmd.CommandType, fmt.Errorf("encounter already checked in"))
		}
		var p checkInPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.PatientID == "" {
			return nil, NewDomainError(InvEncounterCheckinRequired, cmd.CommandType, fmt.Errorf("check-in requires patientId"))
		}
		d, err := base("EncounterCheckedIn", p)
		if err != nil {
			return nil, err
		}
		d.Tags = map[string]string{"patient_id": p.PatientID}
		return []event.Draft{d}, nil

	case CmdTriagePatient:
		if state.Stage != EncounterCheckedIn {
			return nil, NewDomainError(InvalidTransition, cmd.CommandType, fmt.Errorf("triage only valid from CheckedIn, got stage %d", state.Stage))
		}
		d, err := base("PatientTriaged", struct{}{})
		if err != nil {
			return nil, err
		}
		return []event.Draft{d}, nil

	case CmdBeginEncounter:
		if state.Stage != EncounterCheckedIn && state.Stage != EncounterTriaged && state.Stage != EncounterReopened {
			return nil, NewDomainError(InvalidTransition, cmd.CommandType, fmt.Errorf("begin not valid from stage %d", state.Stage))
		}
		d, err := base("EncounterBegan", struct{}{})
		if err != nil {
			return nil, err
		}
		return []event.Draft{d}, nil

	case CmdCompleteEncounter:
		if state.Stage != EncounterBegan {
			return nil, NewDomainError(InvalidTransition, cmd.CommandType, fmt.Errorf("complete only valid from Began, got stage %d", state.Stage))
		}
		d, err := base("EncounterCompleted", struct{}{})
		if err != nil {
			return nil, err
		}
		return []event.Draft{d}, nil

	case CmdReopenEncounter:
		if state.Stage != EncounterCompleted {
			return nil, NewDomainError(InvEncounterNotReopenable, cmd.CommandType, fmt.Errorf("reopen only valid from Completed, got stage %d", state.Stage))
		}
		d, err := base("EncounterReopened", struct{}{})
		if err != nil {
			return nil, err
		}
		return []event.Draft{d}, nil

	case CmdDischargeEncounter:
		if state.Stage != EncounterCompleted {
			return nil, NewDomainError(InvEncounterClosedForWrites, cmd.CommandType, fmt.Errorf("discharge only valid from Completed, got stage %d", state.Stage))
		}
		d, err := base("EncounterDischarged", struct{}{})
		if err != nil {
			return nil, err
		}
		return []event.Draft{d}, nil
	}

	return nil, fmt.Errorf("aggregate: unknown command type %q for Encounter", cmd.CommandType)
}

func (encounterDecider) Apply(stateAny any, env event.Envelope) any {
	state := stateAny.(EncounterState)
	switch env.EventType {
	case "EncounterCheckedIn":
		var p checkInPayload
		_ = json.Unmarshal(env.Payload, &p)
		state.Stage = EncounterCheckedIn
		state.PatientID = p.PatientID
		state.PractitionerID = p.PractitionerID
	case "PatientTriaged":
		state.Stage = EncounterTriaged
	case "EncounterBegan":
		state.Stage = EncounterBegan
	case "EncounterCompleted":
		state.Stage = EncounterCompleted
	case "EncounterReopened":
		state.Stage = EncounterReopened
	case "EncounterDischarged":
		state.Stage = EncounterDischarged
	}
	return state
}

func (encounterDecider) Permissible(stateAny any, eventType string) bool {
	state := stateAny.(EncounterState)
	switch eventType {
	case "EncounterCheckedIn":
		return state.Stage == EncounterNone
	case "PatientTriaged":
		return state.Stage == EncounterCheckedIn
	case "EncounterBegan":
		return state.Stage == EncounterCheckedIn || state.Stage == EncounterTriaged || state.Stage == EncounterReopened
	case "EncounterCompleted":
		return state.Stage == EncounterBegan
	case "EncounterReopened":
		return state.Stage == EncounterCompleted
	case "EncounterDischarged":
		return state.Stage == EncounterCompleted
	}
	return false
}

func init() {
	register(event.AggregateEncounter, encounterDecider{})
}
