package aggregate

import (
	"encoding/json"
	"fmt"

	"github.com/clinicore/kernel/pkg/clock"
	"github.com/clinicore/kernel/pkg/event"
)

// DuplicateStage is the duplicate-patient-resolution aggregate's state tag
// (spec.md §4.7): None → Flagged → Resolved, terminal.
type DuplicateStage int

const (
	DuplicateNone DuplicateStage = iota
	DuplicateFlagged
	DuplicateResolved
)

type DuplicateResolutionState struct {
	Stage          DuplicateStage
	PrimaryPatient string
	OtherPatient   string
}

const (
	CmdFlagDuplicatePatients    = "FlagDuplicatePatients"
	CmdResolveDuplicatePatients = "ResolveDuplicatePatients"
)

type flagDuplicatePayload struct {
	PrimaryPatientID string `json:"primaryPatientId"`
	OtherPatientID   string `json:"otherPatientId"`
	Reason           string `json:"reason"`
}

type resolveDuplicatePayload struct {
	Outcome string `json:"outcome"` // "merged" | "not_duplicate"
}

type duplicateResolutionDecider struct{}

func (duplicateResolutionDecider) InitialState() any {
	return DuplicateResolutionState{Stage: DuplicateNone}
}

func (d duplicateResolutionDecider) draft(cmd Command, clk clock.Clock, eventType string, payload any, patientID string) (event.Draft, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return event.Draft{}, NewDomainError(InvalidTransition, cmd.CommandType, err)
	}
	return event.Draft{
		EventType:      eventType,
		SchemaVersion:  1,
		AggregateID:    cmd.AggregateID,
		AggregateType:  event.AggregateDuplicateResolution,
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

func (d duplicateResolutionDecider) Decide(stateAny any, cmd Command, clk clock.Clock) ([]event.Draft, error) {
	state := stateAny.(DuplicateResolutionState)

	switch cmd.CommandType {
	case CmdFlagDuplicatePatients:
		if state.Stage != DuplicateNone {
			return nil, NewDomainError(InvalidTransition, cmd.CommandType, fmt.Errorf("duplicate already flagged"))
		}
		var p flagDuplicatePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.PrimaryPatientID == "" || p.OtherPatientID == "" {
			return nil, NewDomainError(InvalidTransition, cmd.CommandType, fmt.Errorf("flag requires primaryPatientId and otherPatientId"))
		}
		if p.PrimaryPatientID == p.OtherPatientID {
			return nil, NewDomainError(InvDuplicateDistinctPatients, cmd.CommandType, fmt.Errorf("primary and other patient must be distinct"))
		}
		draft, err := d.draft(cmd, clk, "DuplicatePatientsFlagged", p, p.PrimaryPatientID)
		return []event.Draft{draft}, err

	case CmdResolveDuplicatePatients:
		if state.Stage == DuplicateResolved {
			return nil, NewDomainError(InvDuplicateTerminal, cmd.CommandType, fmt.Errorf("duplicate resolution already resolved"))
		}
		if state.Stage != DuplicateFlagged {
			return nil, NewDomainError(InvDuplicateExists, cmd.CommandType, fmt.Errorf("resolve requires a prior Flagged"))
		}
		var p resolveDuplicatePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Outcome == "" {
			return nil, NewDomainError(InvalidTransition, cmd.CommandType, fmt.Errorf("resolve requires a non-empty outcome"))
		}
		draft, err := d.draft(cmd, clk, "DuplicatePatientsResolved", p, state.PrimaryPatient)
		return []event.Draft{draft}, err
	}

	return nil, fmt.Errorf("aggregate: unknown command type %q for DuplicateResolution", cmd.CommandType)
}

func (duplicateResolutionDecider) Apply(stateAny any, env event.Envelope) any {
	state := stateAny.(DuplicateResolutionState)
	switch env.EventType {
	case "DuplicatePatientsFlagged":
		var p flagDuplicatePayload
		_ = json.Unmarshal(env.Payload, &p)
		state.Stage = DuplicateFlagged
		state.PrimaryPatient = p.PrimaryPatientID
		state.OtherPatient = p.OtherPatientID
	case "DuplicatePatientsResolved":
		state.Stage = DuplicateResolved
	}
	return state
}

func (duplicateResolutionDecider) Permissible(stateAny any, eventType string) bool {
	state := stateAny.(DuplicateResolutionState)
	switch eventType {
	case "DuplicatePatientsFlagged":
		return state.Stage == DuplicateNone
	case "DuplicatePatientsResolved":
		return state.Stage == DuplicateFlagged
	}
	return false
}

func init() {
	register(event.AggregateDuplicateResolution, duplicateResolutionDecider{})
}
