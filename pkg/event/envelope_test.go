package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/clinicore/kernel/pkg/clock"
	"github.com/clinicore/kernel/pkg/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDraft(now time.Time) Draft {
	return Draft{
		EventType:      "EncounterCheckedIn",
		SchemaVersion:  1,
		AggregateID:    ids.NewOpaqueID(),
		AggregateType:  AggregateEncounter,
		OccurredAt:     now,
		PerformedBy:    ids.NewOpaqueID(),
		PerformerRole:  RoleFrontDeskStaff,
		OrganizationID: ids.NewOpaqueID(),
		FacilityID:     ids.NewOpaqueID(),
		Visibility:     NewVisibilitySet(VisibilityStandard),
		Payload:        json.RawMessage(`{"reason":"checkup"}`),
	}
}

func TestStamp_RejectsFarFutureOccurredAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := clock.Fixed{At: now}
	d := validDraft(now.Add(10 * time.Minute))

	_, err := Stamp(d, c, 1, "dev-1", ConnectionOnline, 0, 1, ids.Nil, ids.NewOpaqueID(), ids.NilEvent)
	assert.Error(t, err)
}

func TestStamp_AcceptsWithinSkew(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := clock.Fixed{At: now}
	d := validDraft(now.Add(1 * time.Minute))

	env, err := Stamp(d, c, 1, "dev-1", ConnectionOnline, 0, 1, ids.Nil, ids.NewOpaqueID(), ids.NilEvent)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), env.AggregateVersion)
	assert.Equal(t, uint64(1), env.LocalSequenceNumber)
}

func TestStamp_RejectsZeroVersion(t *testing.T) {
	now := time.Now()
	c := clock.Fixed{At: now}
	d := validDraft(now)
	_, err := Stamp(d, c, 0, "dev-1", ConnectionOnline, 0, 1, ids.Nil, ids.NewOpaqueID(), ids.NilEvent)
	assert.Error(t, err)
}

func TestStamp_RejectsZeroLocalSequence(t *testing.T) {
	now := time.Now()
	c := clock.Fixed{At: now}
	d := validDraft(now)
	_, err := Stamp(d, c, 1, "dev-1", ConnectionOnline, 0, 0, ids.Nil, ids.NewOpaqueID(), ids.NilEvent)
	assert.Error(t, err)
}

func TestEnvelope_WireRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	c := clock.Fixed{At: now}
	d := validDraft(now)
	env, err := Stamp(d, c, 3, "dev-1", ConnectionOffline, 1500, 7, ids.NewOpaqueID(), ids.NewOpaqueID(), ids.NewEventID(now))
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var round Envelope
	require.NoError(t, json.Unmarshal(data, &round))

	assert.Equal(t, env.EventID, round.EventID)
	assert.Equal(t, env.AggregateVersion, round.AggregateVersion)
	assert.Equal(t, env.DeviceClockDriftMs, round.DeviceClockDriftMs)
	assert.Equal(t, env.LocalSequenceNumber, round.LocalSequenceNumber)
	assert.True(t, round.Visibility.Contains(VisibilityStandard))
}

func TestVisibilitySet_Intersects(t *testing.T) {
	s := NewVisibilitySet(VisibilityPart2Protected)
	assert.True(t, s.Intersects(NewVisibilitySet())) // empty mask matches everything
	assert.True(t, s.Intersects(NewVisibilitySet(VisibilityPart2Protected)))
	assert.False(t, s.Intersects(NewVisibilitySet(VisibilityBillingOnly)))
}

func TestAdjustedOccurredAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	env := Envelope{OccurredAt: now, DeviceClockDriftMs: 2000}
	assert.Equal(t, now.Add(-2*time.Second), env.AdjustedOccurredAt())
}

func TestAggregateType_Lifecycle(t *testing.T) {
	assert.True(t, AggregateEncounter.Lifecycle())
	assert.False(t, AggregateVitalSigns.Lifecycle())
}

func TestDeviceLSN_StartsAtOneAndNeverReuses(t *testing.T) {
	l := NewDeviceLSN()
	assert.Equal(t, uint64(1), l.Next())
	assert.Equal(t, uint64(2), l.Next())
	assert.Equal(t, uint64(3), l.Next())
}

func TestDeviceLSN_SharedAcrossCallers(t *testing.T) {
	// Two streams minting from the same DeviceLSN never land on the same
	// value, reproducing what two CommandHandlers sharing one DeviceID
	// must guarantee (spec.md §3, §9).
	shared := NewDeviceLSN()
	first := shared.Next()
	second := shared.Next()
	assert.NotEqual(t, first, second)
}
