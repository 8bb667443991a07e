package aggregate

import (
	"encoding/json"
	"fmt"

	"github.com/clinicore/kernel/pkg/clock"
	"github.com/clinicore/kernel/pkg/event"
)

// FactState is the shared state shape for the 7 single-event fact
// aggregates (spec.md §3: "state after creation is frozen"). Grounded on
// the same fold-to-state idea as the lifecycle aggregates, specialized to
// "recorded or not".
type FactState struct {
	Recorded bool
	Event    event.Envelope
}

// factCommon holds the tags extracted from every fact payload: the
// patient this observation/finding/result/plan/referral/procedure
// concerns, and optionally the encounter it was recorded within or the
// diagnosis it references. Every fact command payload must carry
// patientId; it feeds eventstore's patient-id filter (spec.md §4.1) and
// several read models. encounterId/diagnosisId, when present, let
// CompensationEngine check the "observation after encounter closed" and
// "treatment plan for resolved diagnosis" table rows (spec.md §4.8)
// without a separate cross-reference lookup.
type factCommon struct {
	PatientID   string `json:"patientId"`
	EncounterID string `json:"encounterId,omitempty"`
	DiagnosisID string `json:"diagnosisId,omitempty"`
}

// The 7 fact aggregate kinds each have exactly one command type, producing
// their one event type on first (and only) decide.
const (
	CmdRecordVitalSigns         = "RecordVitalSigns"
	CmdReportSymptom            = "ReportSymptom"
	CmdRecordExaminationFinding = "RecordExaminationFinding"
	CmdRecordLabResult          = "RecordLabResult"
	CmdPerformProcedure         = "PerformProcedure"
	CmdMakeReferral             = "MakeReferral"
	CmdRecordTreatmentPlan      = "RecordTreatmentPlan"
)

// factDecider implements Decider for a single-event fact aggregate kind.
type factDecider struct {
	kind        event.AggregateType
	commandType string
	eventType   string
}

func (f factDecider) InitialState() any { return FactState{} }

func (f factDecider) Decide(stateAny any, cmd Command, clk clock.Clock) ([]event.Draft, error) {
	if cmd.CommandType != f.commandType {
		return nil, fmt.Errorf("aggregate: unknown command type %q for %s", cmd.CommandType, f.kind)
	}

	state := stateAny.(FactState)
	if state.Recorded {
		return nil, NewDomainError(InvalidTransition, string(f.kind), fmt.Errorf("fact already recorded for this aggregate id"))
	}

	var common factCommon
	if err := json.Unmarshal(cmd.Payload, &common); err != nil || common.PatientID == "" {
		return nil, NewDomainError(InvalidTransition, string(f.kind), fmt.Errorf("payload must carry a non-empty patientId"))
	}

	now := clk.Now()
	tags := map[string]string{"patient_id": common.PatientID}
	if common.EncounterID != "" {
		tags["encounter_id"] = common.EncounterID
	}
	if common.DiagnosisID != "" {
		tags["diagnosis_id"] = common.DiagnosisID
	}
	draft := event.Draft{
		EventType:      f.eventType,
		SchemaVersion:  1,
		AggregateID:    cmd.AggregateID,
		AggregateType:  f.kind,
		OccurredAt:     now,
		PerformedBy:    cmd.PerformedBy,
		PerformerRole:  cmd.PerformerRole,
		OrganizationID: cmd.OrganizationID,
		FacilityID:     cmd.FacilityID,
		Visibility:     event.NewVisibilitySet(event.VisibilityStandard),
		Tags:           tags,
		Payload:        cmd.Payload,
	}
	return []event.Draft{draft}, nil
}

func (f factDecider) Apply(stateAny any, env event.Envelope) any {
	return FactState{Recorded: true, Event: env}
}

func (f factDecider) Permissible(stateAny any, eventType string) bool {
	state := stateAny.(FactState)
	return !state.Recorded && eventType == f.eventType
}

func init() {
	type factSpec struct {
		commandType string
		eventType   string
	}
	for kind, spec := range map[event.AggregateType]factSpec{
		event.AggregateVitalSigns:         {CmdRecordVitalSigns, "VitalSignsRecorded"},
		event.AggregateSymptom:            {CmdReportSymptom, "SymptomReported"},
		event.AggregateExaminationFinding: {CmdRecordExaminationFinding, "ExaminationFindingRecorded"},
		event.AggregateLabResult:          {CmdRecordLabResult, "LabResultRecorded"},
		event.AggregateProcedure:          {CmdPerformProcedure, "ProcedurePerformed"},
		event.AggregateReferral:           {CmdMakeReferral, "ReferralMade"},
		event.AggregateTreatmentPlan:      {CmdRecordTreatmentPlan, "TreatmentPlanRecorded"},
	} {
		register(kind, factDecider{kind: kind, commandType: spec.commandType, eventType: spec.eventType})
	}
}
