// Package sync implements SyncEngine (spec.md §4.7): the hub-and-spoke
// protocol devices use to exchange events with the practice hub while
// offline-first. Four phases — handshake, missing-event detection,
// upload, download — plus the conflict-resolution algorithm that runs
// when two devices wrote to the same lifecycle aggregate while
// partitioned. Grounded on the teacher's session/handshake framing in
// internal/examples/* request-reply pairs, generalized from one-shot
// command dispatch to a four-phase stateful exchange with its own wire
// messages.
package sync

import (
	"time"

	"github.com/clinicore/kernel/pkg/event"
	"github.com/clinicore/kernel/pkg/eventstore"
	"github.com/clinicore/kernel/pkg/ids"
)

// ProtocolVersion is the version this hub and device both speak. Bumped
// only on a wire-incompatible change.
const ProtocolVersion = 1

// HandshakeStatus enumerates Phase 1's reply status.
type HandshakeStatus string

const (
	HandshakeOK                  HandshakeStatus = "ok"
	HandshakeDeviceNotRegistered HandshakeStatus = "device_not_registered"
	HandshakeDeviceRevoked       HandshakeStatus = "device_revoked"
	HandshakeOrgMismatch         HandshakeStatus = "org_mismatch"
	HandshakeProtocolUnsupported HandshakeStatus = "protocol_unsupported"
)

// SyncHandshake is Phase 1's device→hub request (spec.md §4.7).
type SyncHandshake struct {
	DeviceID               string
	OrganizationID         ids.OpaqueID
	ProtocolVersion        int
	LastDownloadedPosition eventstore.Cursor
	DeviceLSN              uint64
	PendingCount           int
	DeviceClockNow         time.Time
}

// SyncHandshakeAck is Phase 1's hub→device reply.
type SyncHandshakeAck struct {
	Status           HandshakeStatus
	HubClockNow      time.Time
	ComputedDriftMs  int64
	HubCurrentLSN    uint64
	EventsAvailable  int
}

// SyncUpload is Phase 3a's device→hub request: the device's outbox, in
// LSN order, inside one batch.
type SyncUpload struct {
	SyncBatchID ids.OpaqueID
	Events      []event.Envelope
}

// UploadResultKind classifies what happened to one uploaded event.
type UploadResultKind string

const (
	UploadAccepted   UploadResultKind = "accepted"
	UploadDuplicate  UploadResultKind = "duplicate"
	UploadConflicted UploadResultKind = "conflicted"
)

// SyncUploadAck is Phase 3a's hub→device reply (spec.md §4.7: "hub
// replies {accepted[], duplicate[], conflicted[], compensations[]}").
type SyncUploadAck struct {
	Accepted     []ids.EventID
	Duplicate    []ids.EventID
	Conflicted   []ids.EventID
	Compensations []event.Envelope
}

// SyncDownload is Phase 3b's hub→device push: events after the device's
// cursor, filtered by org and visibility, in hub insertion order.
type SyncDownload struct {
	Events         []event.Envelope
	NewHubPosition eventstore.Cursor
}

// SyncDownloadAck is Phase 3b's device→hub reply.
type SyncDownloadAck struct {
	ReceivedCount         int
	NewDownloadedPosition eventstore.Cursor
}
