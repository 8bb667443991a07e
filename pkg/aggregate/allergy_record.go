package aggregate

import (
	"encoding/json"
	"fmt"

	"github.com/clinicore/kernel/pkg/clock"
	"github.com/clinicore/kernel/pkg/event"
)

// AllergyStage is the Clinical Observation aggregate's state tag (spec.md
// §4.5): None → Identified → Refuted, terminal.
type AllergyStage int

const (
	AllergyNone AllergyStage = iota
	AllergyIdentified
	AllergyRefuted
)

type AllergyRecordState struct {
	Stage     AllergyStage
	PatientID string
	Substance string
}

const (
	CmdIdentifyAllergy = "IdentifyAllergy"
	CmdRefuteAllergy   = "RefuteAllergy"
)

type identifyAllergyPayload struct {
	PatientID string `json:"patientId"`
	Substance string `json:"substance"`
	Reaction  string `json:"reaction"`
}

type allergyRecordDecider struct{}

func (allergyRecordDecider) InitialState() any { return AllergyRecordState{Stage: AllergyNone} }

func (a allergyRecordDecider) draft(cmd Command, clk clock.Clock, eventType string, payload any, patientID string) (event.Draft, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return event.Draft{}, NewDomainError(InvalidTransition, cmd.CommandType, err)
	}
	return event.Draft{
		EventType:      eventType,
		SchemaVersion:  1,
		AggregateID:    cmd.AggregateID,
		AggregateType:  event.AggregateAllergyRecord,
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

func (a allergyRecordDecider) Decide(stateAny any, cmd Command, clk clock.Clock) ([]event.Draft, error) {
	state := stateAny.(AllergyRecordState)

	switch cmd.CommandType {
	case CmdIdentifyAllergy:
		if state.Stage == AllergyIdentified {
			return nil, NewDomainError(InvAllergyDuplicateIdent, cmd.CommandType, fmt.Errorf("allergy already identified"))
		}
		if state.Stage == AllergyRefuted {
			return nil, NewDomainError(InvAllergyTerminal, cmd.CommandType, fmt.Errorf("allergy record is refuted, terminal"))
		}
		var p identifyAllergyPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.PatientID == "" || p.Substance == "" {
			return nil, NewDomainError(InvalidTransition, cmd.CommandType, fmt.Errorf("identification requires patientId and substance"))
		}
		draft, err := a.draft(cmd, clk, "AllergyIdentified", p, p.PatientID)
		return []event.Draft{draft}, err

	case CmdRefuteAllergy:
		if state.Stage == AllergyRefuted {
			return nil, NewDomainError(InvAllergyTerminal, cmd.CommandType, fmt.Errorf("allergy record already refuted"))
		}
		if state.Stage != AllergyIdentified {
			return nil, NewDomainError(InvAllergyIdentifyRequired, cmd.CommandType, fmt.Errorf("refute requires a prior Identified"))
		}
		draft, err := a.draft(cmd, clk, "AllergyRefuted", struct{}{}, state.PatientID)
		return []event.Draft{draft}, err
	}

	return nil, fmt.Errorf("aggregate: unknown command type %q for AllergyRecord", cmd.CommandType)
}

func (allergyRecordDecider) Apply(stateAny any, env event.Envelope) any {
	state := stateAny.(AllergyRecordState)
	switch env.EventType {
	case "AllergyIdentified":
		var p identifyAllergyPayload
		_ = json.Unmarshal(env.Payload, &p)
		state.Stage = AllergyIdentified
		state.PatientID = p.PatientID
		state.Substance = p.Substance
	case "AllergyRefuted":
		state.Stage = AllergyRefuted
	}
	return state
}

func (allergyRecordDecider) Permissible(stateAny any, eventType string) bool {
	state := stateAny.(AllergyRecordState)
	switch eventType {
	case "AllergyIdentified":
		return state.Stage == AllergyNone
	case "AllergyRefuted":
		return state.Stage == AllergyIdentified
	}
	return false
}

func init() {
	register(event.AggregateAllergyRecord, allergyRecordDecider{})
}
