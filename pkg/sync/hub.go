package sync

import (
	"context"
	"fmt"
	stdsync "sync"

	"github.com/clinicore/kernel/pkg/clock"
	"github.com/clinicore/kernel/pkg/compensation"
	"github.com/clinicore/kernel/pkg/event"
	"github.com/clinicore/kernel/pkg/eventstore"
	"github.com/clinicore/kernel/pkg/ids"
)

// Dispatcher is the non-blocking sink Hub hands newly-accepted events to,
// mirroring pkg/handler.Dispatcher so the hub's own ReadModels stay
// current without this package depending on pkg/dispatch directly.
type Dispatcher interface {
	Notify(env event.Envelope)
}

type noopDispatcher struct{}

func (noopDispatcher) Notify(event.Envelope) {}

// DeviceRecord is what the hub knows about a registered device (spec.md
// §4.7 Phase 1: "validate device registered, not revoked, org matches").
type DeviceRecord struct {
	OrganizationID ids.OpaqueID
	Revoked        bool
}

// Hub is the hub half of the sync protocol. One Hub serves every
// registered device; request handling is serialized per device (spec.md
// §5: "one active sync session per device") via a per-device mutex, so
// concurrent syncs from different devices never block each other while a
// single device's phases stay strictly ordered.
type Hub struct {
	Store         eventstore.Store
	Clock         clock.Clock
	Compensation  *compensation.Engine
	Dispatcher    Dispatcher
	Devices       map[string]DeviceRecord
	VisibilityMask event.VisibilitySet

	// HubDeviceLSN mints localSequenceNumber values for events the hub
	// itself originates (compensation drafts, device id "hub"). It must be
	// the same instance any pkg/handler.CommandHandler wired with
	// DeviceID "hub" uses, or the two would independently start counting
	// from 1 (spec.md §3, §9).
	HubDeviceLSN *event.DeviceLSN

	mu          stdsync.Mutex
	cursors     map[string]eventstore.Cursor
	deviceLocks map[string]*stdsync.Mutex
}

// NewHub wires a Hub with sane defaults (no devices registered yet, a
// no-op dispatcher, its own hub-device LSN counter).
func NewHub(store eventstore.Store) *Hub {
	return &Hub{
		Store:        store,
		Clock:        clock.System{},
		Compensation: compensation.NewEngine(store),
		Dispatcher:   noopDispatcher{},
		Devices:      make(map[string]DeviceRecord),
		HubDeviceLSN: event.NewDeviceLSN(),
		cursors:      make(map[string]eventstore.Cursor),
		deviceLocks:  make(map[string]*stdsync.Mutex),
	}
}

// RegisterDevice enrolls deviceId under org, replacing any prior record.
func (h *Hub) RegisterDevice(deviceID string, orgID ids.OpaqueID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Devices[deviceID] = DeviceRecord{OrganizationID: orgID}
}

// RevokeDevice marks deviceId revoked; subsequent handshakes fail.
func (h *Hub) RevokeDevice(deviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rec, ok := h.Devices[deviceID]; ok {
		rec.Revoked = true
		h.Devices[deviceID] = rec
	}
}

func (h *Hub) lockFor(deviceID string) *stdsync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.deviceLocks[deviceID]
	if !ok {
		l = &stdsync.Mutex{}
		h.deviceLocks[deviceID] = l
	}
	return l
}

// Handshake runs Phase 1 (spec.md §4.7).
func (h *Hub) Handshake(ctx context.Context, req SyncHandshake) SyncHandshakeAck {
	lock := h.lockFor(req.DeviceID)
	lock.Lock()
	defer lock.Unlock()

	now := h.Clock.Now()

	h.mu.Lock()
	rec, registered := h.Devices[req.DeviceID]
	h.mu.Unlock()

	switch {
	case !registered:
		return SyncHandshakeAck{Status: HandshakeDeviceNotRegistered, HubClockNow: now}
	case rec.Revoked:
		return SyncHandshakeAck{Status: HandshakeDeviceRevoked, HubClockNow: now}
	case rec.OrganizationID != req.OrganizationID:
		return SyncHandshakeAck{Status: HandshakeOrgMismatch, HubClockNow: now}
	case req.ProtocolVersion != ProtocolVersion:
		return SyncHandshakeAck{Status: HandshakeProtocolUnsupported, HubClockNow: now}
	}

	driftMs := now.Sub(req.DeviceClockNow).Milliseconds()

	h.mu.Lock()
	cursor := h.cursors[req.DeviceID]
	h.mu.Unlock()

	outbound, hubPos, err := h.Store.ReadAfter(ctx, eventstore.Filter{
		OrganizationID: req.OrganizationID,
		VisibilityMask: h.VisibilityMask,
	}, &cursor, 0)
	if err != nil {
		return SyncHandshakeAck{Status: HandshakeProtocolUnsupported, HubClockNow: now}
	}

	return SyncHandshakeAck{
		Status:          HandshakeOK,
		HubClockNow:     now,
		ComputedDriftMs: driftMs,
		HubCurrentLSN:   uint64(hubPos.Position),
		EventsAvailable: len(outbound),
	}
}

// Upload runs Phase 3a (spec.md §4.7) for one batch, processing events in
// the order the device sent them.
func (h *Hub) Upload(ctx context.Context, deviceID string, batch SyncUpload) (SyncUploadAck, error) {
	lock := h.lockFor(deviceID)
	lock.Lock()
	defer lock.Unlock()

	ack := SyncUploadAck{}

	for _, env := range batch.Events {
		exists, err := h.Store.Exists(ctx, env.EventID)
		if err != nil {
			return ack, fmt.Errorf("sync: check existence of %s: %w", env.EventID, err)
		}
		if exists {
			ack.Duplicate = append(ack.Duplicate, env.EventID)
			continue
		}

		out, err := h.Store.Append(ctx, env)
		if err == nil {
			if out == eventstore.AppendOutcomeAlreadyExists {
				ack.Duplicate = append(ack.Duplicate, env.EventID)
				continue
			}
			ack.Accepted = append(ack.Accepted, env.EventID)
			h.Dispatcher.Notify(env)
			comps, err := h.applyCompensation(ctx, env)
			if err != nil {
				return ack, err
			}
			ack.Compensations = append(ack.Compensations, comps...)
			continue
		}

		if !eventstore.IsVersionConflict(err) {
			return ack, fmt.Errorf("sync: append %s: %w", env.EventID, err)
		}

		outcome, rerr := resolveConflict(ctx, h.Store, env)
		if rerr != nil {
			return ack, fmt.Errorf("sync: resolve conflict for %s: %w", env.EventID, rerr)
		}

		switch outcome.kind {
		case UploadDuplicate:
			ack.Duplicate = append(ack.Duplicate, env.EventID)
		case UploadAccepted:
			if _, err := h.Store.Append(ctx, outcome.resolved); err != nil {
				return ack, fmt.Errorf("sync: append renumbered %s: %w", env.EventID, err)
			}
			ack.Accepted = append(ack.Accepted, env.EventID)
			h.Dispatcher.Notify(outcome.resolved)
			comps, err := h.applyCompensation(ctx, outcome.resolved)
			if err != nil {
				return ack, err
			}
			ack.Compensations = append(ack.Compensations, comps...)

			for _, f := range outcome.retroactive {
				reviewDraft, derr := h.Compensation.CompensationRequiredDraft(outcome.resolved, f)
				if derr != nil {
					return ack, derr
				}
				reviewEnv, aerr := h.appendCompensationDraft(ctx, env.AggregateType, env.AggregateID, reviewDraft)
				if aerr != nil {
					return ack, aerr
				}
				ack.Compensations = append(ack.Compensations, reviewEnv)
			}
		case UploadConflicted:
			ack.Conflicted = append(ack.Conflicted, env.EventID)
			if outcome.finding != nil {
				draft, derr := h.Compensation.CompensationRequiredDraft(env, *outcome.finding)
				if derr != nil {
					return ack, derr
				}
				reviewEnv, aerr := h.appendCompensationDraft(ctx, env.AggregateType, env.AggregateID, draft)
				if aerr != nil {
					return ack, aerr
				}
				ack.Compensations = append(ack.Compensations, reviewEnv)
			}
		}
	}

	return ack, nil
}

// applyCompensation runs CompensationEngine (spec.md §4.8) against a
// just-accepted event and appends whatever findings it returns: a review
// item for every finding, plus the auto-compensating event for the one
// table row that has one.
func (h *Hub) applyCompensation(ctx context.Context, env event.Envelope) ([]event.Envelope, error) {
	findings, err := h.Compensation.Evaluate(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("sync: evaluate compensation for %s: %w", env.EventID, err)
	}

	var appended []event.Envelope
	for _, f := range findings {
		reviewDraft, err := h.Compensation.CompensationRequiredDraft(env, f)
		if err != nil {
			return nil, err
		}
		reviewEnv, err := h.appendCompensationDraft(ctx, env.AggregateType, env.AggregateID, reviewDraft)
		if err != nil {
			return nil, err
		}
		appended = append(appended, reviewEnv)

		if autoDraft, ok := h.Compensation.AutoCompensateDraft(env, f); ok {
			autoEnv, err := h.appendCompensationDraft(ctx, env.AggregateType, env.AggregateID, autoDraft)
			if err != nil {
				return nil, err
			}
			appended = append(appended, autoEnv)
		}
	}
	return appended, nil
}

// appendCompensationDraft stamps draft against the current tail of
// (aggregateType, aggregateId) and appends it, as the system actor.
func (h *Hub) appendCompensationDraft(ctx context.Context, kind event.AggregateType, aggID ids.OpaqueID, draft event.Draft) (event.Envelope, error) {
	version, err := h.Store.CurrentVersion(ctx, kind, aggID)
	if err != nil {
		return event.Envelope{}, fmt.Errorf("sync: current version for compensation append: %w", err)
	}
	nextVersion := version + 1
	env, err := event.Stamp(draft, h.Clock, nextVersion, "hub", event.ConnectionOnline, 0, h.HubDeviceLSN.Next(), ids.Nil, ids.Nil, ids.NilEvent)
	if err != nil {
		return event.Envelope{}, fmt.Errorf("sync: stamp compensation draft: %w", err)
	}
	if _, err := h.Store.Append(ctx, env); err != nil {
		return event.Envelope{}, fmt.Errorf("sync: append compensation event: %w", err)
	}
	h.Dispatcher.Notify(env)
	return env, nil
}

// Download runs Phase 3b's hub side (spec.md §4.7): stream events after
// the device's cursor, filtered by org and visibility, and advance the
// cursor once the device acknowledges receipt.
func (h *Hub) Download(ctx context.Context, deviceID string, orgID ids.OpaqueID) (SyncDownload, error) {
	lock := h.lockFor(deviceID)
	lock.Lock()
	defer lock.Unlock()

	h.mu.Lock()
	cursor := h.cursors[deviceID]
	h.mu.Unlock()

	events, newCursor, err := h.Store.ReadAfter(ctx, eventstore.Filter{
		OrganizationID: orgID,
		VisibilityMask: h.VisibilityMask,
	}, &cursor, 0)
	if err != nil {
		return SyncDownload{}, fmt.Errorf("sync: read outbound events for %s: %w", deviceID, err)
	}

	return SyncDownload{Events: events, NewHubPosition: newCursor}, nil
}

// AckDownload advances deviceId's cursor once it confirms receipt.
// Idempotent: acking the same position twice is a no-op (spec.md §4.7
// "cursors are monotonic").
func (h *Hub) AckDownload(deviceID string, ack SyncDownloadAck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ack.NewDownloadedPosition.Position > h.cursors[deviceID].Position {
		h.cursors[deviceID] = ack.NewDownloadedPosition
	}
}

