// Package compensation implements CompensationEngine (spec.md §4.8): the
// violation table checked synchronously during hub upload, after an
// event has already passed its per-stream version check. It never
// modifies the original event; it only decides whether a review item
// (and, for one row, an auto-compensating event) should accompany it.
// Grounded on the teacher's post-commit validation idiom
// (pkg/dcb/channel_eventstore.go callers re-check derived state after an
// append succeeds) generalized from "re-validate this stream" to
// "re-validate the cross-aggregate neighborhood this event touches".
package compensation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clinicore/kernel/pkg/aggregate"
	"github.com/clinicore/kernel/pkg/clock"
	"github.com/clinicore/kernel/pkg/event"
	"github.com/clinicore/kernel/pkg/eventstore"
	"github.com/clinicore/kernel/pkg/ids"
)

// ViolationCode names a row of the spec.md §4.8 table, or one of the two
// sync-specific violations (StateMachineRejected, CausationCycle) that
// share the same CompensationRequired reporting path.
type ViolationCode string

const (
	ViolationAppointmentForTerminalPatient     ViolationCode = "AppointmentForTerminalPatient"
	ViolationObservationAfterEncounterClosed   ViolationCode = "ObservationAfterEncounterClosed"
	ViolationDiagnosisForTerminalPatient       ViolationCode = "DiagnosisForTerminalPatient"
	ViolationTreatmentPlanForResolvedDiagnosis ViolationCode = "TreatmentPlanForResolvedDiagnosis"
	ViolationConcurrentActiveEncounters        ViolationCode = "ConcurrentActiveEncounters"
	ViolationStateMachineRejected              ViolationCode = "StateMachineRejected" // spec.md §4.7 step 4
	ViolationCausationCycle                    ViolationCode = "CausationCycle"       // spec.md §4.6 edge case
)

// SystemActor is the performedBy id the engine stamps onto events it
// emits itself (spec.md §4.8: RolePracticeSystem, "automated ... actions").
const SystemActor ids.OpaqueID = "00000000-0000-0000-0000-000000000000"

// Finding is one violation-table match for a single event.
type Finding struct {
	Violation       ViolationCode
	AutoCompensate  bool
	OriginalEventID ids.EventID
	Reason          string
}

// Engine evaluates the violation table against the EventStore directly
// rather than against the (asynchronously updated) ReadModel store, so a
// finding is never missed to a dispatcher race: every check here is a
// synchronous read of the exact aggregate streams it needs.
type Engine struct {
	Store eventstore.Store
	Clock clock.Clock
}

func NewEngine(store eventstore.Store) *Engine {
	return &Engine{Store: store, Clock: clock.System{}}
}

// Evaluate runs every table row applicable to env's kind and returns the
// findings, if any. Called post-commit, once per newly-accepted event
// (spec.md §4.8: "Triggered synchronously during hub upload").
func (e *Engine) Evaluate(ctx context.Context, env event.Envelope) ([]Finding, error) {
	var findings []Finding

	if env.AggregateType == event.AggregateAppointment && isAppointmentActiveEvent(env.EventType) {
		terminal, err := e.patientTerminal(ctx, env.Tags["patient_id"])
		if err != nil {
			return nil, err
		}
		if terminal {
			findings = append(findings, Finding{
				Violation:       ViolationAppointmentForTerminalPatient,
				AutoCompensate:  true,
				OriginalEventID: env.EventID,
				Reason:          "appointment requested/confirmed for a deceased or transferred-out patient",
			})
		}
	}

	if env.AggregateType == event.AggregateDiagnosis && env.EventType == "DiagnosisMade" {
		terminal, err := e.patientTerminal(ctx, env.Tags["patient_id"])
		if err != nil {
			return nil, err
		}
		if terminal {
			findings = append(findings, Finding{
				Violation:       ViolationDiagnosisForTerminalPatient,
				OriginalEventID: env.EventID,
				Reason:          "diagnosis made for a deceased or transferred-out patient",
			})
		}
	}

	if isObservationOrDiagnosisEvent(env) {
		if encID := env.Tags["encounter_id"]; encID != "" {
			closed, err := e.encounterClosed(ctx, encID)
			if err != nil {
				return nil, err
			}
			if closed {
				findings = append(findings, Finding{
					Violation:       ViolationObservationAfterEncounterClosed,
					OriginalEventID: env.EventID,
					Reason:          "observation or diagnosis recorded after its encounter had already closed",
				})
			}
		}
	}

	if env.AggregateType == event.AggregateTreatmentPlan {
		if diagID := env.Tags["diagnosis_id"]; diagID != "" {
			resolved, err := e.diagnosisResolved(ctx, diagID)
			if err != nil {
				return nil, err
			}
			if resolved {
				findings = append(findings, Finding{
					Violation:       ViolationTreatmentPlanForResolvedDiagnosis,
					OriginalEventID: env.EventID,
					Reason:          "treatment plan references an already-resolved diagnosis",
				})
			}
		}
	}

	if env.AggregateType == event.AggregateEncounter && isEncounterOpenEvent(env.EventType) {
		concurrent, err := e.concurrentActiveEncounters(ctx, env)
		if err != nil {
			return nil, err
		}
		if concurrent {
			findings = append(findings, Finding{
				Violation:       ViolationConcurrentActiveEncounters,
				OriginalEventID: env.EventID,
				Reason:          "patient already has another open encounter with this practitioner",
			})
		}
	}

	return findings, nil
}

func isAppointmentActiveEvent(eventType string) bool {
	return eventType == "AppointmentRequested" || eventType == "AppointmentConfirmed"
}

func isEncounterOpenEvent(eventType string) bool {
	return eventType == "EncounterCheckedIn" || eventType == "EncounterBegan"
}

func isObservationOrDiagnosisEvent(env event.Envelope) bool {
	switch env.AggregateType {
	case event.AggregateVitalSigns, event.AggregateSymptom, event.AggregateExaminationFinding,
		event.AggregateLabResult, event.AggregateProcedure, event.AggregateReferral,
		event.AggregateDiagnosis:
		return true
	default:
		return false
	}
}

func (e *Engine) patientTerminal(ctx context.Context, patientIDStr string) (bool, error) {
	if patientIDStr == "" {
		return false, nil
	}
	patientID, err := ids.ParseOpaqueID(patientIDStr)
	if err != nil {
		return false, nil
	}
	stream, err := e.Store.ReadStream(ctx, event.AggregatePatientRegistration, patientID)
	if err != nil {
		return false, fmt.Errorf("compensation: read patient stream: %w", err)
	}
	stateAny, _, err := aggregate.Rehydrate(event.AggregatePatientRegistration, stream)
	if err != nil {
		return false, err
	}
	state := stateAny.(aggregate.PatientRegistrationState)
	return state.Stage == aggregate.PatientDeceased || state.Stage == aggregate.PatientTransferredOut, nil
}

func (e *Engine) encounterClosed(ctx context.Context, encounterIDStr string) (bool, error) {
	encounterID, err := ids.ParseOpaqueID(encounterIDStr)
	if err != nil {
		return false, nil
	}
	stream, err := e.Store.ReadStream(ctx, event.AggregateEncounter, encounterID)
	if err != nil {
		return false, fmt.Errorf("compensation: read encounter stream: %w", err)
	}
	stateAny, _, err := aggregate.Rehydrate(event.AggregateEncounter, stream)
	if err != nil {
		return false, err
	}
	state := stateAny.(aggregate.EncounterState)
	return state.Stage == aggregate.EncounterCompleted || state.Stage == aggregate.EncounterDischarged, nil
}

func (e *Engine) diagnosisResolved(ctx context.Context, diagnosisIDStr string) (bool, error) {
	diagnosisID, err := ids.ParseOpaqueID(diagnosisIDStr)
	if err != nil {
		return false, nil
	}
	stream, err := e.Store.ReadStream(ctx, event.AggregateDiagnosis, diagnosisID)
	if err != nil {
		return false, fmt.Errorf("compensation: read diagnosis stream: %w", err)
	}
	stateAny, _, err := aggregate.Rehydrate(event.AggregateDiagnosis, stream)
	if err != nil {
		return false, err
	}
	state := stateAny.(aggregate.DiagnosisState)
	return state.Stage == aggregate.DiagnosisResolved, nil
}

// concurrentActiveEncounters scans every encounter stream tagged with
// env's patient and reports whether one other than env's own is open
// with the same practitioner (spec.md §4.8: "same patient + practitioner").
func (e *Engine) concurrentActiveEncounters(ctx context.Context, env event.Envelope) (bool, error) {
	patientID := env.Tags["patient_id"]
	if patientID == "" {
		return false, nil
	}
	events, _, err := e.Store.ReadAfter(ctx, eventstore.Filter{
		AggregateTypes: []event.AggregateType{event.AggregateEncounter},
		PatientID:      patientID,
	}, nil, 0)
	if err != nil {
		return false, fmt.Errorf("compensation: scan encounters for patient: %w", err)
	}

	byStream := make(map[ids.OpaqueID][]event.Envelope)
	for _, e2 := range events {
		byStream[e2.AggregateID] = append(byStream[e2.AggregateID], e2)
	}

	thisStateAny, _, err := aggregate.Rehydrate(event.AggregateEncounter, byStream[env.AggregateID])
	if err != nil {
		return false, err
	}
	practitionerID := thisStateAny.(aggregate.EncounterState).PractitionerID

	for aggID, stream := range byStream {
		if aggID == env.AggregateID {
			continue
		}
		stateAny, _, err := aggregate.Rehydrate(event.AggregateEncounter, stream)
		if err != nil {
			continue
		}
		state := stateAny.(aggregate.EncounterState)
		open := state.Stage != aggregate.EncounterNone &&
			state.Stage != aggregate.EncounterCompleted &&
			state.Stage != aggregate.EncounterDischarged
		if open && state.PractitionerID == practitionerID {
			return true, nil
		}
	}
	return false, nil
}

// StateMachineRejectedFinding builds the finding SyncEngine conflict
// resolution reports when a contested event is impermissible in causal
// replay order (spec.md §4.7 step 4).
func StateMachineRejectedFinding(eventID ids.EventID, reason string) Finding {
	return Finding{Violation: ViolationStateMachineRejected, OriginalEventID: eventID, Reason: reason}
}

// CausationCycleFinding builds the finding for a *causal.CycleError
// surfaced during ordering (spec.md §4.6 edge case: "a data-integrity
// violation flagged by CompensationEngine, not handled silently").
func CausationCycleFinding(eventID ids.EventID) Finding {
	return Finding{Violation: ViolationCausationCycle, OriginalEventID: eventID, Reason: "event participates in a causation cycle"}
}

type compensationRequiredPayload struct {
	OriginalEventID  string          `json:"originalEventId"`
	InvariantCode    ViolationCode   `json:"invariantCode"`
	Reason           string          `json:"reason"`
	OriginalEnvelope *event.Envelope `json:"originalEnvelope,omitempty"`
}

// CompensationRequiredDraft builds the review-item event for f, appended
// to the same stream as the original event (spec.md §4.8: "Review items
// are events themselves ... {originalEventId, invariantCode, ...}"). When
// f is about original itself, the payload also carries original's whole
// envelope verbatim, so an event the hub rejected and never appended keeps
// its clinical content.
func (e *Engine) CompensationRequiredDraft(original event.Envelope, f Finding) (event.Draft, error) {
	p := compensationRequiredPayload{
		OriginalEventID: f.OriginalEventID.String(),
		InvariantCode:   f.Violation,
		Reason:          f.Reason,
	}
	if original.EventID == f.OriginalEventID {
		p.OriginalEnvelope = &original
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return event.Draft{}, fmt.Errorf("compensation: marshal CompensationRequired payload: %w", err)
	}
	return event.Draft{
		EventType:      "CompensationRequired",
		SchemaVersion:  1,
		AggregateID:    original.AggregateID,
		AggregateType:  original.AggregateType,
		OccurredAt:     e.Clock.Now(),
		PerformedBy:    SystemActor,
		PerformerRole:  event.RolePracticeSystem,
		OrganizationID: original.OrganizationID,
		FacilityID:     original.FacilityID,
		Visibility:     original.Visibility,
		Tags:           original.Tags,
		Payload:        payload,
	}, nil
}

// AutoCompensateDraft builds the unambiguous compensating event for the
// one auto-compensating table row (appointment-for-terminal-patient):
// AppointmentCancelledByPractice. Returns ok=false for any other finding.
func (e *Engine) AutoCompensateDraft(original event.Envelope, f Finding) (draft event.Draft, ok bool) {
	if f.Violation != ViolationAppointmentForTerminalPatient {
		return event.Draft{}, false
	}
	return event.Draft{
		EventType:      "AppointmentCancelledByPractice",
		SchemaVersion:  1,
		AggregateID:    original.AggregateID,
		AggregateType:  event.AggregateAppointment,
		OccurredAt:     e.Clock.Now(),
		PerformedBy:    SystemActor,
		PerformerRole:  event.RolePracticeSystem,
		OrganizationID: original.OrganizationID,
		FacilityID:     original.FacilityID,
		Visibility:     original.Visibility,
		Tags:           original.Tags,
		Payload:        json.RawMessage(`{}`),
	}, true
}
