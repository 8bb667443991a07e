// Package event defines EventEnvelope, the immutable record every
// persisted clinical fact is carried in (spec.md §3), and the enums and
// validation rules that go with it. Construction follows the teacher's
// opaque-type-via-unexported-interface pattern (pkg/dcb/core.go's
// Tag/Query/InputEvent): Stamp is the constructor that enforces the
// "occurredAt ≤ wallclock + 5min" invariant. Envelope's fields are
// exported, so a struct literal or UnmarshalJSON builds an Envelope
// without that check.
package event

import (
	"encoding/json"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/clinicore/kernel/pkg/clock"
	"github.com/clinicore/kernel/pkg/ids"
)

// AggregateType enumerates the 14 aggregate kinds (spec.md §3).
type AggregateType string

const (
	AggregatePatientRegistration AggregateType = "patient_registration"
	AggregateEncounter           AggregateType = "encounter"
	AggregateDiagnosis           AggregateType = "diagnosis"
	AggregateClinicalNote        AggregateType = "clinical_note"
	AggregateAppointment         AggregateType = "appointment"
	AggregateAllergyRecord       AggregateType = "allergy_record"
	AggregateDuplicateResolution AggregateType = "duplicate_resolution"

	AggregateVitalSigns         AggregateType = "vital_signs"
	AggregateSymptom            AggregateType = "symptom"
	AggregateExaminationFinding AggregateType = "examination_finding"
	AggregateLabResult          AggregateType = "lab_result"
	AggregateProcedure          AggregateType = "procedure"
	AggregateReferral           AggregateType = "referral"
	AggregateTreatmentPlan      AggregateType = "treatment_plan"
)

// Lifecycle reports whether this aggregate kind is multi-event/stateful
// (true) or a single-event fact aggregate (false). spec.md §3.
func (a AggregateType) Lifecycle() bool {
	switch a {
	case AggregatePatientRegistration, AggregateEncounter, AggregateDiagnosis,
		AggregateClinicalNote, AggregateAppointment, AggregateAllergyRecord,
		AggregateDuplicateResolution:
		return true
	default:
		return false
	}
}

func (a AggregateType) Valid() bool {
	switch a {
	case AggregatePatientRegistration, AggregateEncounter, AggregateDiagnosis,
		AggregateClinicalNote, AggregateAppointment, AggregateAllergyRecord,
		AggregateDuplicateResolution, AggregateVitalSigns, AggregateSymptom,
		AggregateExaminationFinding, AggregateLabResult, AggregateProcedure,
		AggregateReferral, AggregateTreatmentPlan:
		return true
	default:
		return false
	}
}

// PerformerRole enumerates the actor roles that can produce events.
type PerformerRole string

const (
	RolePhysician         PerformerRole = "physician"
	RoleNursePractitioner PerformerRole = "nurse_practitioner"
	RoleNurse             PerformerRole = "nurse"
	RoleMedicalAssistant  PerformerRole = "medical_assistant"
	RoleFrontDeskStaff    PerformerRole = "front_desk_staff"
	RolePracticeSystem    PerformerRole = "practice_system" // automated/compensating actions
	RolePatient           PerformerRole = "patient"
)

func (r PerformerRole) Valid() bool {
	switch r {
	case RolePhysician, RoleNursePractitioner, RoleNurse, RoleMedicalAssistant,
		RoleFrontDeskStaff, RolePracticeSystem, RolePatient:
		return true
	default:
		return false
	}
}

// ConnectionStatus is the device's connectivity at the moment it produced
// the event.
type ConnectionStatus string

const (
	ConnectionOnline  ConnectionStatus = "online"
	ConnectionOffline ConnectionStatus = "offline"
)

// VisibilityTag enumerates the audience tags an event's access set can
// carry. Resolved Open Question (spec.md §9): enumerated here, not left
// implicit. See SPEC_FULL.md §4.
type VisibilityTag string

const (
	VisibilityStandard            VisibilityTag = "standard"
	VisibilityPart2Protected      VisibilityTag = "part2_protected" // 42 CFR Part 2
	VisibilityBillingOnly         VisibilityTag = "billing_only"
	VisibilityPatientPortal       VisibilityTag = "patient_portal"
	VisibilityRestrictedLegalHold VisibilityTag = "restricted_legal_hold"
)

func (v VisibilityTag) Valid() bool {
	switch v {
	case VisibilityStandard, VisibilityPart2Protected, VisibilityBillingOnly,
		VisibilityPatientPortal, VisibilityRestrictedLegalHold:
		return true
	default:
		return false
	}
}

// VisibilitySet is a set of VisibilityTag, used both on envelopes and as a
// read filter mask (spec.md §4.1).
type VisibilitySet map[VisibilityTag]struct{}

func NewVisibilitySet(tags ...VisibilityTag) VisibilitySet {
	s := make(VisibilitySet, len(tags))
	for _, t := range tags {
		s[t] = struct{}{}
	}
	return s
}

func (s VisibilitySet) Contains(t VisibilityTag) bool {
	_, ok := s[t]
	return ok
}

// Intersects reports whether s shares any tag with mask. An empty mask
// matches everything (no filtering).
func (s VisibilitySet) Intersects(mask VisibilitySet) bool {
	if len(mask) == 0 {
		return true
	}
	for t := range mask {
		if s.Contains(t) {
			return true
		}
	}
	return false
}

func (s VisibilitySet) Slice() []VisibilityTag {
	out := make([]VisibilityTag, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	return out
}

// Envelope is the immutable record every persisted clinical fact is
// carried in. Field groups mirror spec.md §3 exactly.
type Envelope struct {
	// identity
	EventID       ids.EventID
	EventType     string
	SchemaVersion uint32

	// aggregate
	AggregateID      ids.OpaqueID
	AggregateType    AggregateType
	AggregateVersion uint64

	// temporal
	OccurredAt time.Time
	RecordedAt time.Time

	// actor
	PerformedBy   ids.OpaqueID
	PerformerRole PerformerRole

	// org
	OrganizationID ids.OpaqueID
	FacilityID     ids.OpaqueID

	// device
	DeviceID            string
	ConnectionStatus    ConnectionStatus
	DeviceClockDriftMs  int64
	LocalSequenceNumber uint64
	SyncBatchID         ids.OpaqueID // zero value ("") when not part of a sync batch

	// trace
	CorrelationID ids.OpaqueID
	CausationID   ids.EventID // zero value ("") when absent; references another event's eventId

	// access
	Visibility VisibilitySet

	// tags: cross-cutting key/value fields extracted from the payload for
	// store filtering (e.g. "patient_id", "practitioner_id"), in the
	// spirit of the teacher's Tag{Key,Value} query mechanism
	// (pkg/dcb/types.go) repurposed here as filter-only metadata rather
	// than the DCB model's consistency boundary.
	Tags map[string]string

	// payload: variant-specific fields, JSON-encoded
	Payload json.RawMessage
}

// Draft carries everything about an event except identity/recordedAt,
// i.e. what an aggregate's decide() produces and a CommandHandler stamps
// into a full Envelope (spec.md §4.4 step 6).
type Draft struct {
	EventType        string
	SchemaVersion    uint32
	AggregateID      ids.OpaqueID
	AggregateType    AggregateType
	OccurredAt       time.Time
	PerformedBy      ids.OpaqueID
	PerformerRole    PerformerRole
	OrganizationID   ids.OpaqueID
	FacilityID       ids.OpaqueID
	Visibility       VisibilitySet
	Tags             map[string]string
	Payload          json.RawMessage
}

// MaxFutureSkew is the maximum amount occurredAt may exceed wallclock by
// at creation time (spec.md §3).
const MaxFutureSkew = 5 * time.Minute

// Stamp turns a Draft into a full Envelope, assigning the remaining
// identity/device/trace fields. It rejects an occurredAt more than
// MaxFutureSkew in the future and an aggregateVersion/localSequenceNumber
// below 1; a struct literal or UnmarshalJSON does not run these checks.
func Stamp(d Draft, c clock.Clock, aggregateVersion uint64, deviceID string, connStatus ConnectionStatus,
	clockDriftMs int64, localSeq uint64, syncBatchID ids.OpaqueID, correlationID ids.OpaqueID, causationID ids.EventID) (Envelope, error) {

	now := c.Now()
	if d.OccurredAt.After(now.Add(MaxFutureSkew)) {
		return Envelope{}, fmt.Errorf("event: occurredAt %s is more than %s ahead of wallclock %s", d.OccurredAt, MaxFutureSkew, now)
	}
	if !d.AggregateType.Valid() {
		return Envelope{}, fmt.Errorf("event: invalid aggregate type %q", d.AggregateType)
	}
	if aggregateVersion < 1 {
		return Envelope{}, fmt.Errorf("event: aggregateVersion must be >= 1, got %d", aggregateVersion)
	}
	if localSeq < 1 {
		return Envelope{}, fmt.Errorf("event: localSequenceNumber must be >= 1, got %d", localSeq)
	}
	if d.EventType == "" {
		return Envelope{}, fmt.Errorf("event: eventType must not be empty")
	}
	if d.PerformerRole != "" && !d.PerformerRole.Valid() {
		return Envelope{}, fmt.Errorf("event: invalid performer role %q", d.PerformerRole)
	}

	return Envelope{
		EventID:             ids.NewEventID(d.OccurredAt),
		EventType:           d.EventType,
		SchemaVersion:       d.SchemaVersion,
		AggregateID:         d.AggregateID,
		AggregateType:       d.AggregateType,
		AggregateVersion:    aggregateVersion,
		OccurredAt:          d.OccurredAt,
		RecordedAt:          now,
		PerformedBy:         d.PerformedBy,
		PerformerRole:       d.PerformerRole,
		OrganizationID:      d.OrganizationID,
		FacilityID:          d.FacilityID,
		DeviceID:            deviceID,
		ConnectionStatus:    connStatus,
		DeviceClockDriftMs:  clockDriftMs,
		LocalSequenceNumber: localSeq,
		SyncBatchID:         syncBatchID,
		CorrelationID:       correlationID,
		CausationID:         causationID,
		Visibility:          d.Visibility,
		Tags:                d.Tags,
		Payload:             d.Payload,
	}, nil
}

// AdjustedOccurredAt applies the device clock-drift correction used by
// CausalOrderer rule 4 (spec.md §4.6).
func (e Envelope) AdjustedOccurredAt() time.Time {
	return e.OccurredAt.Add(-time.Duration(e.DeviceClockDriftMs) * time.Millisecond)
}

// DeviceLSN mints localSequenceNumber values for one device (spec.md §3:
// "strictly monotonically increasing, starts at 1, never reused"). It is a
// per-device singleton (spec.md §9): every CommandHandler and Hub that
// stamps an event on a given deviceId's behalf must mint from the same
// DeviceLSN, or two streams sharing that device would each start counting
// from 1 independently. Callers construct one per device identity in their
// wiring/initialization routine and share the pointer; tests inject their
// own.
type DeviceLSN struct {
	mu   stdsync.Mutex
	next uint64
}

// NewDeviceLSN returns a counter that mints 1 on its first call.
func NewDeviceLSN() *DeviceLSN {
	return &DeviceLSN{}
}

// Next returns the next localSequenceNumber for this device, safe for
// concurrent use.
func (l *DeviceLSN) Next() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	return l.next
}
