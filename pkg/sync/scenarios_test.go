package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/clinicore/kernel/pkg/aggregate"
	"github.com/clinicore/kernel/pkg/clock"
	"github.com/clinicore/kernel/pkg/command"
	"github.com/clinicore/kernel/pkg/config"
	"github.com/clinicore/kernel/pkg/event"
	"github.com/clinicore/kernel/pkg/eventstore"
	"github.com/clinicore/kernel/pkg/handler"
	"github.com/clinicore/kernel/pkg/ids"
	"github.com/clinicore/kernel/pkg/readmodel"
)

func TestSyncScenarios(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "SyncEngine Scenario Suite")
}

func handle(h *handler.CommandHandler, cmd aggregate.Command) command.Outcome {
	out := h.Handle(cmd)
	ExpectWithOffset(1, out.Kind).To(Equal(command.OutcomeSuccess), "%+v", out)
	return out
}

var _ = Describe("Concurrent encounter transitions", func() {
	// spec.md §8 scenario 2: two devices both hold Encounter-E at v1
	// (CheckedIn). D1 emits PatientTriaged (09:05), D2 emits EncounterBegan
	// (09:04); both stage it as v2. D1 syncs first and lands v2 directly.
	// D2's upload version-conflicts; resolution puts D2's
	// earlier-occurring EncounterBegan ahead of D1's Triaged in causal
	// order, so D2's event is accepted and renumbered to v3, while D1's
	// already-committed Triaged turns out impermissible from Began and
	// surfaces as a CompensationRequired review item.
	It("accepts the causally-earlier event and compensates the other", func() {
		org := ids.NewOpaqueID()
		ctx := context.Background()
		encounterID := ids.NewOpaqueID()

		freshStore := eventstore.NewMemoryStore()
		checkInEnv, err := event.Stamp(event.Draft{
			EventType:      "EncounterCheckedIn",
			SchemaVersion:  1,
			AggregateID:    encounterID,
			AggregateType:  event.AggregateEncounter,
			OccurredAt:     time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
			PerformerRole:  event.RoleFrontDeskStaff,
			OrganizationID: org,
			Visibility:     event.NewVisibilitySet(event.VisibilityStandard),
			Tags:           map[string]string{"patient_id": "patient-e"},
			Payload:        mustJSONScenario(map[string]any{"patientId": "patient-e", "practitionerId": "practitioner-e"}),
		}, clock.System{}, 1, "hub", event.ConnectionOnline, 0, 1, ids.Nil, ids.Nil, ids.NilEvent)
		Expect(err).NotTo(HaveOccurred())
		_, err = freshStore.Append(ctx, checkInEnv)
		Expect(err).NotTo(HaveOccurred())

		d1Triaged, err := event.Stamp(event.Draft{
			EventType:      "PatientTriaged",
			SchemaVersion:  1,
			AggregateID:    encounterID,
			AggregateType:  event.AggregateEncounter,
			OccurredAt:     time.Date(2026, 1, 1, 9, 5, 0, 0, time.UTC),
			PerformerRole:  event.RoleNurse,
			OrganizationID: org,
			Visibility:     event.NewVisibilitySet(event.VisibilityStandard),
			Tags:           map[string]string{"patient_id": "patient-e"},
			Payload:        mustJSONScenario(map[string]any{}),
		}, clock.System{}, 2, "d1", event.ConnectionOffline, 0, 1, ids.Nil, ids.Nil, ids.NilEvent)
		Expect(err).NotTo(HaveOccurred())

		d2Began, err := event.Stamp(event.Draft{
			EventType:      "EncounterBegan",
			SchemaVersion:  1,
			AggregateID:    encounterID,
			AggregateType:  event.AggregateEncounter,
			OccurredAt:     time.Date(2026, 1, 1, 9, 4, 0, 0, time.UTC),
			PerformerRole:  event.RolePhysician,
			OrganizationID: org,
			Visibility:     event.NewVisibilitySet(event.VisibilityStandard),
			Tags:           map[string]string{"patient_id": "patient-e"},
			Payload:        mustJSONScenario(map[string]any{}),
		}, clock.System{}, 2, "d2", event.ConnectionOffline, 0, 1, ids.Nil, ids.Nil, ids.NilEvent)
		Expect(err).NotTo(HaveOccurred())

		hub := NewHub(freshStore)
		hub.RegisterDevice("d1", org)
		hub.RegisterDevice("d2", org)

		ack1, err := hub.Upload(ctx, "d1", SyncUpload{Events: []event.Envelope{d1Triaged}})
		Expect(err).NotTo(HaveOccurred())
		Expect(ack1.Accepted).To(ConsistOf(d1Triaged.EventID))

		ack2, err := hub.Upload(ctx, "d2", SyncUpload{Events: []event.Envelope{d2Began}})
		Expect(err).NotTo(HaveOccurred())
		Expect(ack2.Accepted).To(ConsistOf(d2Began.EventID), "the conflict resolves by renumbering, not rejecting")
		Expect(ack2.Conflicted).To(BeEmpty())

		stream, err := freshStore.ReadStream(ctx, event.AggregateEncounter, encounterID)
		Expect(err).NotTo(HaveOccurred())

		var sawBegan, sawCompensation bool
		for _, e := range stream {
			if e.EventType == "EncounterBegan" {
				sawBegan = true
			}
			if e.EventType == "CompensationRequired" {
				sawCompensation = true
			}
		}
		Expect(sawBegan).To(BeTrue(), "D2's causally-earlier EncounterBegan must land")
		Expect(sawCompensation).To(BeTrue(), "D1's impermissible Triaged must surface as a review item")
	})
})

var _ = Describe("Appointment for deceased patient", func() {
	// spec.md §8 scenario 3: device confirms Appointment-A offline while
	// the hub already recorded the patient's death. Upload succeeds
	// per-stream; CompensationEngine then auto-cancels the appointment
	// and emits a review item.
	It("auto-cancels and emits a review item on upload", func() {
		store := eventstore.NewMemoryStore()
		reads := readmodel.NewStore()
		org := ids.NewOpaqueID()
		ctx := context.Background()

		patH := handler.NewCommandHandler(event.AggregatePatientRegistration, store, reads, config.Default())
		registered := handle(patH, aggregate.Command{
			CommandType:    aggregate.CmdRegisterPatient,
			AggregateType:  event.AggregatePatientRegistration,
			OrganizationID: org,
			Payload:        mustJSONScenario(map[string]any{"givenName": "Grace", "familyName": "Hopper", "contact": map[string]string{"email": "grace@example.org"}}),
		})
		patientID := registered.Events[0].AggregateID
		handle(patH, aggregate.Command{
			CommandType:    aggregate.CmdRecordPatientDeath,
			AggregateType:  event.AggregatePatientRegistration,
			AggregateID:    patientID,
			OrganizationID: org,
			Payload:        mustJSONScenario(map[string]any{}),
		})

		apptEnv, err := event.Stamp(event.Draft{
			EventType:      "AppointmentConfirmed",
			SchemaVersion:  1,
			AggregateID:    ids.NewOpaqueID(),
			AggregateType:  event.AggregateAppointment,
			OccurredAt:     time.Now(),
			PerformerRole:  event.RoleFrontDeskStaff,
			OrganizationID: org,
			Visibility:     event.NewVisibilitySet(event.VisibilityStandard),
			Tags:           map[string]string{"patient_id": patientID.String()},
			Payload:        mustJSONScenario(map[string]any{"patientId": patientID.String()}),
		}, clock.System{}, 1, "d1", event.ConnectionOffline, 0, 1, ids.Nil, ids.Nil, ids.NilEvent)
		Expect(err).NotTo(HaveOccurred())

		hub := NewHub(store)
		hub.RegisterDevice("d1", org)

		ack, err := hub.Upload(ctx, "d1", SyncUpload{Events: []event.Envelope{apptEnv}})
		Expect(err).NotTo(HaveOccurred())
		Expect(ack.Accepted).To(ConsistOf(apptEnv.EventID))
		Expect(ack.Compensations).To(HaveLen(2))

		var sawCancel, sawReview bool
		for _, e := range ack.Compensations {
			if e.EventType == "AppointmentCancelledByPractice" {
				sawCancel = true
			}
			if e.EventType == "CompensationRequired" {
				sawReview = true
			}
		}
		Expect(sawCancel).To(BeTrue())
		Expect(sawReview).To(BeTrue())
	})
})

var _ = Describe("Fact-only offline burst", func() {
	// spec.md §8 scenario 1: device D1 records three facts at an already-
	// Began encounter while offline (LSN 1-3), then syncs in one batch.
	// Each fact aggregate is its own single-event stream, so all three are
	// brand-new aggregate ids: every upload is a fresh append, never a
	// conflict, and the compensation table has nothing to flag.
	It("accepts all three as new streams with no conflicts or compensations", func() {
		store := eventstore.NewMemoryStore()
		org := ids.NewOpaqueID()
		ctx := context.Background()
		patientID := "patient-burst"
		encounterID := ids.NewOpaqueID().String()

		factDraft := func(kind event.AggregateType, eventType string, lsn uint64) event.Envelope {
			env, err := event.Stamp(event.Draft{
				EventType:      eventType,
				SchemaVersion:  1,
				AggregateID:    ids.NewOpaqueID(),
				AggregateType:  kind,
				OccurredAt:     time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(lsn) * time.Minute),
				PerformerRole:  event.RoleNurse,
				OrganizationID: org,
				Visibility:     event.NewVisibilitySet(event.VisibilityStandard),
				Tags:           map[string]string{"patient_id": patientID, "encounter_id": encounterID},
				Payload:        mustJSONScenario(map[string]any{"patientId": patientID, "encounterId": encounterID}),
			}, clock.System{}, 1, "d1", event.ConnectionOffline, 0, lsn, ids.Nil, ids.Nil, ids.NilEvent)
			Expect(err).NotTo(HaveOccurred())
			return env
		}

		burst := []event.Envelope{
			factDraft(event.AggregateVitalSigns, "VitalSignsRecorded", 1),
			factDraft(event.AggregateSymptom, "SymptomReported", 2),
			factDraft(event.AggregateVitalSigns, "VitalSignsRecorded", 3),
		}

		hub := NewHub(store)
		hub.RegisterDevice("d1", org)

		ack, err := hub.Upload(ctx, "d1", SyncUpload{Events: burst})
		Expect(err).NotTo(HaveOccurred())
		Expect(ack.Accepted).To(HaveLen(3))
		Expect(ack.Conflicted).To(BeEmpty())
		Expect(ack.Duplicate).To(BeEmpty())
		Expect(ack.Compensations).To(BeEmpty())

		for _, env := range burst {
			stream, err := store.ReadStream(ctx, env.AggregateType, env.AggregateID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stream).To(HaveLen(1))
			Expect(stream[0].AggregateVersion).To(Equal(uint64(1)))
		}
	})
})

var _ = Describe("Diagnosis revision after resolution", func() {
	// spec.md §8 scenario 4: DiagnosisMade(v1) -> DiagnosisResolved(v2);
	// ReviseDiagnosis against the resolved stream must be rejected with
	// INV-CJ-3, with no event appended.
	It("rejects ReviseDiagnosis once the diagnosis is resolved", func() {
		store := eventstore.NewMemoryStore()
		reads := readmodel.NewStore()
		org := ids.NewOpaqueID()

		h := handler.NewCommandHandler(event.AggregateDiagnosis, store, reads, config.Default())
		patientID := ids.NewOpaqueID()

		made := handle(h, aggregate.Command{
			CommandType:    aggregate.CmdMakeDiagnosis,
			AggregateType:  event.AggregateDiagnosis,
			OrganizationID: org,
			Payload:        mustJSONScenario(map[string]any{"patientId": patientID.String(), "code": "J45.9"}),
		})
		diagID := made.Events[0].AggregateID

		handle(h, aggregate.Command{
			CommandType:    aggregate.CmdResolveDiagnosis,
			AggregateType:  event.AggregateDiagnosis,
			AggregateID:    diagID,
			OrganizationID: org,
			Payload:        mustJSONScenario(map[string]any{}),
		})

		out := h.Handle(aggregate.Command{
			CommandType:    aggregate.CmdReviseDiagnosis,
			AggregateType:  event.AggregateDiagnosis,
			AggregateID:    diagID,
			OrganizationID: org,
			Payload:        mustJSONScenario(map[string]any{"code": "J45.0"}),
		})

		Expect(out.Kind).To(Equal(command.OutcomeDomainError))
		Expect(out.Code).To(Equal(aggregate.InvDiagnosisReviseTerminal))
		Expect(out.Events).To(BeEmpty())
	})
})

var _ = Describe("Self-cosign forbidden", func() {
	// spec.md §8 scenario 5: ClinicalNoteAuthored(author=U, v1); CosignNote
	// with the same author U must be rejected with INV-CD-3.
	It("rejects a cosign attempt from the original author", func() {
		store := eventstore.NewMemoryStore()
		reads := readmodel.NewStore()
		org := ids.NewOpaqueID()
		author := ids.NewOpaqueID()

		h := handler.NewCommandHandler(event.AggregateClinicalNote, store, reads, config.Default())

		authored := handle(h, aggregate.Command{
			CommandType:    aggregate.CmdAuthorNote,
			AggregateType:  event.AggregateClinicalNote,
			OrganizationID: org,
			PerformedBy:    author,
			Payload:        mustJSONScenario(map[string]any{"patientId": "patient-note", "body": "stable, continue plan"}),
		})
		noteID := authored.Events[0].AggregateID

		out := h.Handle(aggregate.Command{
			CommandType:    aggregate.CmdCosignNote,
			AggregateType:  event.AggregateClinicalNote,
			AggregateID:    noteID,
			OrganizationID: org,
			PerformedBy:    author,
			Payload:        mustJSONScenario(map[string]any{}),
		})

		Expect(out.Kind).To(Equal(command.OutcomeDomainError))
		Expect(out.Code).To(Equal(aggregate.InvNoteCosignSelf))
		Expect(out.Events).To(BeEmpty())
	})
})

func mustJSONScenario(v any) json.RawMessage {
	data, err := json.Marshal(v)
	Expect(err).NotTo(HaveOccurred())
	return data
}
