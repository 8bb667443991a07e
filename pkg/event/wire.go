package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/clinicore/kernel/pkg/ids"
)

// wireEnvelope is the stable, forward-compatible JSON shape for Envelope
// (spec.md §6): instants as ISO-8601 with offset, ids as lowercase hex/ULID
// strings, enums as snake_case strings, unknown fields tolerated on read.
type wireEnvelope struct {
	EventID             string          `json:"eventId"`
	EventType           string          `json:"eventType"`
	SchemaVersion       uint32          `json:"schemaVersion"`
	AggregateID         string          `json:"aggregateId"`
	AggregateType       string          `json:"aggregateType"`
	AggregateVersion    uint64          `json:"aggregateVersion"`
	OccurredAt          time.Time       `json:"occurredAt"`
	RecordedAt          time.Time       `json:"recordedAt"`
	PerformedBy         string          `json:"performedBy"`
	PerformerRole       string          `json:"performerRole"`
	OrganizationID      string          `json:"organizationId"`
	FacilityID          string          `json:"facilityId"`
	DeviceID            string          `json:"deviceId"`
	ConnectionStatus    string          `json:"connectionStatus"`
	DeviceClockDriftMs  int64           `json:"deviceClockDriftMs"`
	LocalSequenceNumber uint64          `json:"localSequenceNumber"`
	SyncBatchID         string          `json:"syncBatchId,omitempty"`
	CorrelationID       string          `json:"correlationId"`
	CausationID         string          `json:"causationId,omitempty"`
	Visibility          []string          `json:"visibility"`
	Tags                map[string]string `json:"tags,omitempty"`
	Payload             json.RawMessage   `json:"payload"`
}

// MarshalJSON implements the wire format of spec.md §6.
func (e Envelope) MarshalJSON() ([]byte, error) {
	vis := make([]string, 0, len(e.Visibility))
	for _, t := range e.Visibility.Slice() {
		vis = append(vis, string(t))
	}
	w := wireEnvelope{
		EventID:             e.EventID.String(),
		EventType:           e.EventType,
		SchemaVersion:       e.SchemaVersion,
		AggregateID:         e.AggregateID.String(),
		AggregateType:       string(e.AggregateType),
		AggregateVersion:    e.AggregateVersion,
		OccurredAt:          e.OccurredAt,
		RecordedAt:          e.RecordedAt,
		PerformedBy:         e.PerformedBy.String(),
		PerformerRole:       string(e.PerformerRole),
		OrganizationID:      e.OrganizationID.String(),
		FacilityID:          e.FacilityID.String(),
		DeviceID:            e.DeviceID,
		ConnectionStatus:    string(e.ConnectionStatus),
		DeviceClockDriftMs:  e.DeviceClockDriftMs,
		LocalSequenceNumber: e.LocalSequenceNumber,
		SyncBatchID:         e.SyncBatchID.String(),
		CorrelationID:       e.CorrelationID.String(),
		CausationID:         e.CausationID.String(),
		Visibility:          vis,
		Tags:                e.Tags,
		Payload:             e.Payload,
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements the wire format of spec.md §6. Unknown fields
// are tolerated (encoding/json ignores them by default); schemaVersion
// lets callers upcast older payloads before this is invoked.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("event: decode envelope: %w", err)
	}

	eventID, err := ids.ParseEventID(w.EventID)
	if err != nil {
		return err
	}
	aggregateID, err := ids.ParseOpaqueID(w.AggregateID)
	if err != nil {
		return err
	}
	performedBy, err := ids.ParseOpaqueID(w.PerformedBy)
	if err != nil {
		return err
	}
	orgID, err := ids.ParseOpaqueID(w.OrganizationID)
	if err != nil {
		return err
	}
	facilityID, err := ids.ParseOpaqueID(w.FacilityID)
	if err != nil {
		return err
	}
	correlationID, err := ids.ParseOpaqueID(w.CorrelationID)
	if err != nil {
		return err
	}

	var syncBatchID ids.OpaqueID
	var causationID ids.EventID
	if w.SyncBatchID != "" {
		if syncBatchID, err = ids.ParseOpaqueID(w.SyncBatchID); err != nil {
			return err
		}
	}
	if w.CausationID != "" {
		if causationID, err = ids.ParseEventID(w.CausationID); err != nil {
			return err
		}
	}

	vis := make(VisibilitySet, len(w.Visibility))
	for _, s := range w.Visibility {
		vis[VisibilityTag(s)] = struct{}{}
	}

	*e = Envelope{
		EventID:             eventID,
		EventType:           w.EventType,
		SchemaVersion:       w.SchemaVersion,
		AggregateID:         aggregateID,
		AggregateType:       AggregateType(w.AggregateType),
		AggregateVersion:    w.AggregateVersion,
		OccurredAt:          w.OccurredAt,
		RecordedAt:          w.RecordedAt,
		PerformedBy:         performedBy,
		PerformerRole:       PerformerRole(w.PerformerRole),
		OrganizationID:      orgID,
		FacilityID:          facilityID,
		DeviceID:            w.DeviceID,
		ConnectionStatus:    ConnectionStatus(w.ConnectionStatus),
		DeviceClockDriftMs:  w.DeviceClockDriftMs,
		LocalSequenceNumber: w.LocalSequenceNumber,
		SyncBatchID:         syncBatchID,
		CorrelationID:       correlationID,
		CausationID:         causationID,
		Visibility:          vis,
		Tags:                w.Tags,
		Payload:             w.Payload,
	}
	return nil
}
