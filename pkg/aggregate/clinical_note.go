package aggregate

import (
	"encoding/json"
	"fmt"

	"github.com/clinicore/kernel/pkg/clock"
	"github.com/clinicore/kernel/pkg/event"
)

// NoteStage is the Clinical Documentation aggregate's state tag (spec.md
// §4.4 scenario 5): None → Authored → (addenda*) → Cosigned.
type NoteStage int

const (
	NoteNone NoteStage = iota
	NoteAuthored
	NoteCosigned
)

type ClinicalNoteState struct {
	Stage       NoteStage
	PatientID   string
	AuthorID    string
	CosignedBy  string
}

const (
	CmdAuthorNote  = "AuthorNote"
	CmdAddAddendum = "AddAddendum"
	CmdCosignNote  = "CosignNote"
)

type authorNotePayload struct {
	PatientID string `json:"patientId"`
	Body      string `json:"body"`
}

type addendumPayload struct {
	Body string `json:"body"`
}

type clinicalNoteDecider struct{}

func (clinicalNoteDecider) InitialState() any { return ClinicalNoteState{Stage: NoteNone} }

func (n clinicalNoteDecider) draft(cmd Command, clk clock.Clock, eventType string, payload any, patientID string) (event.Draft, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return event.Draft{}, NewDomainError(InvalidTransition, cmd.CommandType, err)
	}
	return event.Draft{
		EventType:      eventType,
		SchemaVersion:  1,
		AggregateID:    cmd.AggregateID,
		AggregateType:  event.AggregateClinicalNote,
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

func (n clinicalNoteDecider) Decide(stateAny any, cmd Command, clk clock.Clock) ([]event.Draft, error) {
	state := stateAny.(ClinicalNoteState)

	switch cmd.CommandType {
	case CmdAuthorNote:
		if state.Stage != NoteNone {
			return nil, NewDomainError(InvalidTransition, cmd.CommandType, fmt.Errorf("note already authored"))
		}
		var p authorNotePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Body == "" || p.PatientID == "" {
			return nil, NewDomainError(InvalidTransition, cmd.CommandType, fmt.Errorf("authoring requires patientId and body"))
		}
		draft, err := n.draft(cmd, clk, "NoteAuthored", p, p.PatientID)
		return []event.Draft{draft}, err

	case CmdAddAddendum:
		if state.Stage == NoteNone {
			return nil, NewDomainError(InvNoteAddendumRequiresAuthor, cmd.CommandType, fmt.Errorf("addendum requires a prior Authored"))
		}
		var p addendumPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Body == "" {
			return nil, NewDomainError(InvalidTransition, cmd.CommandType, fmt.Errorf("addendum requires a non-empty body"))
		}
		draft, err := n.draft(cmd, clk, "NoteAddendumAdded", p, state.PatientID)
		return []event.Draft{draft}, err

	case CmdCosignNote:
		if state.Stage == NoteNone {
			return nil, NewDomainError(InvNoteAddendumRequiresAuthor, cmd.CommandType, fmt.Errorf("cosign requires a prior Authored"))
		}
		if state.Stage == NoteCosigned {
			return nil, NewDomainError(InvNoteCosignOnce, cmd.CommandType, fmt.Errorf("note already cosigned"))
		}
		if cmd.PerformedBy.String() == state.AuthorID {
			return nil, NewDomainError(InvNoteCosignSelf, cmd.CommandType, fmt.Errorf("cosigner must differ from original author"))
		}
		draft, err := n.draft(cmd, clk, "NoteCosigned", struct{}{}, state.PatientID)
		return []event.Draft{draft}, err
	}

	return nil, fmt.Errorf("aggregate: unknown command type %q for ClinicalNote", cmd.CommandType)
}

func (clinicalNoteDecider) Apply(stateAny any, env event.Envelope) any {
	state := stateAny.(ClinicalNoteState)
	switch env.EventType {
	case "NoteAuthored":
		var p authorNotePayload
		_ = json.Unmarshal(env.Payload, &p)
		state.Stage = NoteAuthored
		state.PatientID = p.PatientID
		state.AuthorID = env.PerformedBy.String()
	case "NoteCosigned":
		state.Stage = NoteCosigned
		state.CosignedBy = env.PerformedBy.String()
	}
	return state
}

func (clinicalNoteDecider) Permissible(stateAny any, eventType string) bool {
	state := stateAny.(ClinicalNoteState)
	switch eventType {
	case "NoteAuthored":
		return state.Stage == NoteNone
	case "NoteAddendumAdded":
		return state.Stage != NoteNone
	case "NoteCosigned":
		return state.Stage == NoteAuthored
	}
	return false
}

func init() {
	register(event.AggregateClinicalNote, clinicalNoteDecider{})
}
