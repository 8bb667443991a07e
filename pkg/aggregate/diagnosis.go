package aggregate

import (
	"encoding/json"
	"fmt"

	"github.com/clinicore/kernel/pkg/clock"
	"github.com/clinicore/kernel/pkg/event"
)

// DiagnosisStage is the Clinical Judgment aggregate's state tag (spec.md
// §4.4 scenario 4): None → Made → Made(revised*) → Resolved, terminal.
type DiagnosisStage int

const (
	DiagnosisNone DiagnosisStage = iota
	DiagnosisMade
	DiagnosisResolved
)

type DiagnosisState struct {
	Stage       DiagnosisStage
	PatientID   string
	Code        string
	Description string
}

const (
	CmdMakeDiagnosis    = "MakeDiagnosis"
	CmdReviseDiagnosis  = "ReviseDiagnosis"
	CmdResolveDiagnosis = "ResolveDiagnosis"
)

type diagnosisContent struct {
	PatientID   string `json:"patientId"`
	Code        string `json:"code"`
	Description string `json:"description"`
	EncounterID string `json:"encounterId,omitempty"`
}

type diagnosisDecider struct{}

func (diagnosisDecider) InitialState() any { return DiagnosisState{Stage: DiagnosisNone} }

func (d diagnosisDecider) draft(cmd Command, clk clock.Clock, eventType string, payload any, patientID string) (event.Draft, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return event.Draft{}, NewDomainError(InvalidTransition, cmd.CommandType, err)
	}
	return event.Draft{
		EventType:      eventType,
		SchemaVersion:  1,
		AggregateID:    cmd.AggregateID,
		AggregateType:  event.AggregateDiagnosis,
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

func (d diagnosisDecider) Decide(stateAny any, cmd Command, clk clock.Clock) ([]event.Draft, error) {
	state := stateAny.(DiagnosisState)

	switch cmd.CommandType {
	case CmdMakeDiagnosis:
		if state.Stage != DiagnosisNone {
			return nil, NewDomainError(InvalidTransition, cmd.CommandType, fmt.Errorf("diagnosis already made"))
		}
		var c diagnosisContent
		if err := json.Unmarshal(cmd.Payload, &c); err != nil || c.Code == "" || c.PatientID == "" {
			return nil, NewDomainError(InvDiagnosisCodeRequired, cmd.CommandType, fmt.Errorf("diagnosis requires a non-empty patientId and code"))
		}
		draft, err := d.draft(cmd, clk, "DiagnosisMade", c, c.PatientID)
		if err == nil && c.EncounterID != "" {
			draft.Tags["encounter_id"] = c.EncounterID
		}
		return []event.Draft{draft}, err

	case CmdReviseDiagnosis:
		if state.Stage == DiagnosisResolved {
			return nil, NewDomainError(InvDiagnosisReviseTerminal, cmd.CommandType, fmt.Errorf("cannot revise a resolved diagnosis"))
		}
		if state.Stage != DiagnosisMade {
			return nil, NewDomainError(InvalidTransition, cmd.CommandType, fmt.Errorf("revise requires a prior Made, stage=%d", state.Stage))
		}
		var c diagnosisContent
		if err := json.Unmarshal(cmd.Payload, &c); err != nil || c.Code == "" {
			return nil, NewDomainError(InvDiagnosisCodeRequired, cmd.CommandType, fmt.Errorf("revision requires a non-empty code"))
		}
		if c.Code == state.Code && c.Description == state.Description {
			// INV-CJ-2: revising to identical content is a no-op, not an error.
			return nil, nil
		}
		draft, err := d.draft(cmd, clk, "DiagnosisRevised", c, state.PatientID)
		return []event.Draft{draft}, err

	case CmdResolveDiagnosis:
		if state.Stage == DiagnosisResolved {
			return nil, NewDomainError(InvDiagnosisResolveTerminal, cmd.CommandType, fmt.Errorf("diagnosis already resolved"))
		}
		if state.Stage != DiagnosisMade {
			return nil, NewDomainError(InvDiagnosisResolveRequiresMade, cmd.CommandType, fmt.Errorf("resolve requires a prior Made, stage=%d", state.Stage))
		}
		draft, err := d.draft(cmd, clk, "DiagnosisResolved", struct{}{}, state.PatientID)
		return []event.Draft{draft}, err
	}

	return nil, fmt.Errorf("aggregate: unknown command type %q for Diagnosis", cmd.CommandType)
}

func (diagnosisDecider) Apply(stateAny any, env event.Envelope) any {
	state := stateAny.(DiagnosisState)
	switch env.EventType {
	case "DiagnosisMade":
		var c diagnosisContent
		_ = json.Unmarshal(env.Payload, &c)
		state.Stage = DiagnosisMade
		state.PatientID = c.PatientID
		state.Code = c.Code
		state.Description = c.Description
	case "DiagnosisRevised":
		var c diagnosisContent
		_ = json.Unmarshal(env.Payload, &c)
		state.Code = c.Code
		state.Description = c.Description
	case "DiagnosisResolved":
		state.Stage = DiagnosisResolved
	}
	return state
}

func (diagnosisDecider) Permissible(stateAny any, eventType string) bool {
	state := stateAny.(DiagnosisState)
	switch eventType {
	case "DiagnosisMade":
		return state.Stage == DiagnosisNone
	case "DiagnosisRevised":
		return state.Stage == DiagnosisMade
	case "DiagnosisResolved":
		return state.Stage == DiagnosisMade
	}
	return false
}

func init() {
	register(event.AggregateDiagnosis, diagnosisDecider{})
}
