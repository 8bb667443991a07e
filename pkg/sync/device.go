package sync

import (
	"context"
	"fmt"

	"github.com/clinicore/kernel/pkg/clock"
	"github.com/clinicore/kernel/pkg/event"
	"github.com/clinicore/kernel/pkg/eventstore"
	"github.com/clinicore/kernel/pkg/ids"
)

// Device is the device half of the sync protocol: an offline-first local
// EventStore plus an outbox of not-yet-acknowledged local events and a
// cursor into the hub's event log. Grounded on spec.md §4.7's "outbox,
// cursors... owned by the SyncEngine" ownership note.
type Device struct {
	DeviceID       string
	OrganizationID ids.OpaqueID
	Store          eventstore.Store
	Clock          clock.Clock
	Dispatcher     Dispatcher

	DriftMs             int64             // set after Phase 1, from the hub's computedDriftMs
	DownloadedPosition  eventstore.Cursor // Phase 3b cursor into the hub's log
	outbox              []event.Envelope  // pending local events, in LSN order
	deviceLSN           uint64
}

// NewDevice wires a Device with sane defaults (empty outbox, no-op
// dispatcher).
func NewDevice(deviceID string, orgID ids.OpaqueID, store eventstore.Store) *Device {
	return &Device{
		DeviceID:       deviceID,
		OrganizationID: orgID,
		Store:          store,
		Clock:          clock.System{},
		Dispatcher:     noopDispatcher{},
	}
}

// Enqueue adds env to the outbox (spec.md §4.7 Phase 2: "uploadSet =
// outbox in LSN order"). Callers append env to the device's local store
// before enqueueing; Enqueue only tracks the pending-upload bookkeeping.
func (d *Device) Enqueue(env event.Envelope) {
	d.outbox = append(d.outbox, env)
	if env.LocalSequenceNumber > d.deviceLSN {
		d.deviceLSN = env.LocalSequenceNumber
	}
}

// BuildHandshake constructs Phase 1's request.
func (d *Device) BuildHandshake() SyncHandshake {
	return SyncHandshake{
		DeviceID:               d.DeviceID,
		OrganizationID:         d.OrganizationID,
		ProtocolVersion:        ProtocolVersion,
		LastDownloadedPosition: d.DownloadedPosition,
		DeviceLSN:              d.deviceLSN,
		PendingCount:           len(d.outbox),
		DeviceClockNow:         d.Clock.Now(),
	}
}

// ApplyHandshakeAck persists the drift the hub computed, for subsequent
// event stamping (spec.md §4.7 Phase 1: "device persists computedDriftMs").
func (d *Device) ApplyHandshakeAck(ack SyncHandshakeAck) error {
	if ack.Status != HandshakeOK {
		return fmt.Errorf("sync: handshake failed with status %q", ack.Status)
	}
	d.DriftMs = ack.ComputedDriftMs
	return nil
}

// BuildUpload packages the outbox for Phase 3a.
func (d *Device) BuildUpload(batchID ids.OpaqueID) SyncUpload {
	return SyncUpload{SyncBatchID: batchID, Events: append([]event.Envelope{}, d.outbox...)}
}

// ApplyUploadAck prunes outbox entries the hub has finished with —
// accepted, duplicate, or conflicted all remove the entry from the
// device's outbox, since in every case the hub now holds a terminal
// disposition for it (appended as-is, already present, or renumbered /
// recorded as CompensationRequired for review). Spec.md §4.7: "Device
// prunes outbox entries in accepted ∪ duplicate"; conflicted entries are
// pruned too because resolution is one-shot and not retried by re-upload.
func (d *Device) ApplyUploadAck(ack SyncUploadAck) {
	done := make(map[ids.EventID]bool, len(ack.Accepted)+len(ack.Duplicate)+len(ack.Conflicted))
	for _, id := range ack.Accepted {
		done[id] = true
	}
	for _, id := range ack.Duplicate {
		done[id] = true
	}
	for _, id := range ack.Conflicted {
		done[id] = true
	}

	remaining := d.outbox[:0:0]
	for _, env := range d.outbox {
		if !done[env.EventID] {
			remaining = append(remaining, env)
		}
	}
	d.outbox = remaining
}

// ApplyDownload appends Phase 3b's events to the local store (idempotent
// on eventId) and notifies the local dispatcher, then reports the new
// cursor position.
func (d *Device) ApplyDownload(ctx context.Context, dl SyncDownload) (SyncDownloadAck, error) {
	received := 0
	for _, env := range dl.Events {
		out, err := d.Store.Append(ctx, env)
		if err != nil {
			return SyncDownloadAck{}, fmt.Errorf("sync: apply downloaded event %s: %w", env.EventID, err)
		}
		if out == eventstore.AppendOutcomeAppended {
			received++
			d.Dispatcher.Notify(env)
		}
	}
	d.DownloadedPosition = dl.NewHubPosition
	return SyncDownloadAck{ReceivedCount: received, NewDownloadedPosition: dl.NewHubPosition}, nil
}

// OutboxLen reports the current pending-upload count.
func (d *Device) OutboxLen() int { return len(d.outbox) }
