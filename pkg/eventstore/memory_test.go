package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/clinicore/kernel/pkg/clock"
	"github.com/clinicore/kernel/pkg/event"
	"github.com/clinicore/kernel/pkg/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkEnvelope(t *testing.T, aggType event.AggregateType, aggID ids.OpaqueID, version uint64, eventType string) event.Envelope {
	t.Helper()
	now := time.Now()
	d := event.Draft{
		EventType:      eventType,
		AggregateID:    aggID,
		AggregateType:  aggType,
		OccurredAt:     now,
		PerformedBy:    ids.NewOpaqueID(),
		PerformerRole:  event.RolePhysician,
		OrganizationID: ids.NewOpaqueID(),
		Visibility:     event.NewVisibilitySet(event.VisibilityStandard),
		Payload:        []byte(`{}`),
	}
	env, err := event.Stamp(d, clock.Fixed{At: now}, version, "dev-1", event.ConnectionOnline, 0, version, ids.Nil, ids.NewOpaqueID(), ids.NilEvent)
	require.NoError(t, err)
	return env
}

func TestMemoryStore_AppendAndReadStream(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	aggID := ids.NewOpaqueID()

	e1 := mkEnvelope(t, event.AggregateEncounter, aggID, 1, "EncounterCheckedIn")
	outcome, err := s.Append(ctx, e1)
	require.NoError(t, err)
	assert.Equal(t, AppendOutcomeAppended, outcome)

	e2 := mkEnvelope(t, event.AggregateEncounter, aggID, 2, "EncounterBegan")
	_, err = s.Append(ctx, e2)
	require.NoError(t, err)

	stream, err := s.ReadStream(ctx, event.AggregateEncounter, aggID)
	require.NoError(t, err)
	require.Len(t, stream, 2)
	assert.Equal(t, uint64(1), stream[0].AggregateVersion)
	assert.Equal(t, uint64(2), stream[1].AggregateVersion)
}

func TestMemoryStore_VersionConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	aggID := ids.NewOpaqueID()

	e1 := mkEnvelope(t, event.AggregateEncounter, aggID, 1, "EncounterCheckedIn")
	_, err := s.Append(ctx, e1)
	require.NoError(t, err)

	// Wrong version: stream is at length 1, next must be version 2.
	wrong := mkEnvelope(t, event.AggregateEncounter, aggID, 5, "EncounterBegan")
	_, err = s.Append(ctx, wrong)
	require.Error(t, err)
	conflict, ok := AsVersionConflict(err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), conflict.Expected)
	assert.Equal(t, uint64(1), conflict.Actual)
}

func TestMemoryStore_IdempotentAppend(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	aggID := ids.NewOpaqueID()

	e1 := mkEnvelope(t, event.AggregateEncounter, aggID, 1, "EncounterCheckedIn")
	outcome, err := s.Append(ctx, e1)
	require.NoError(t, err)
	assert.Equal(t, AppendOutcomeAppended, outcome)

	// Re-appending the exact same envelope (same eventId) must be a silent no-op.
	outcome, err = s.Append(ctx, e1)
	require.NoError(t, err)
	assert.Equal(t, AppendOutcomeAlreadyExists, outcome)

	stream, err := s.ReadStream(ctx, event.AggregateEncounter, aggID)
	require.NoError(t, err)
	assert.Len(t, stream, 1)
}

func TestMemoryStore_ReadAfter_Pagination(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	aggID := ids.NewOpaqueID()

	for i := uint64(1); i <= 5; i++ {
		_, err := s.Append(ctx, mkEnvelope(t, event.AggregateEncounter, aggID, i, "EncounterBegan"))
		require.NoError(t, err)
	}

	page1, cursor1, err := s.ReadAfter(ctx, Filter{}, nil, 2)
	require.NoError(t, err)
	assert.Len(t, page1, 2)

	page2, cursor2, err := s.ReadAfter(ctx, Filter{}, &cursor1, 2)
	require.NoError(t, err)
	assert.Len(t, page2, 2)

	page3, _, err := s.ReadAfter(ctx, Filter{}, &cursor2, 2)
	require.NoError(t, err)
	assert.Len(t, page3, 1)
}

func TestMemoryStore_ReadAfter_FilterByEventType(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	aggID := ids.NewOpaqueID()

	_, err := s.Append(ctx, mkEnvelope(t, event.AggregateEncounter, aggID, 1, "EncounterCheckedIn"))
	require.NoError(t, err)
	_, err = s.Append(ctx, mkEnvelope(t, event.AggregateEncounter, aggID, 2, "EncounterBegan"))
	require.NoError(t, err)

	events, _, err := s.ReadAfter(ctx, Filter{EventTypes: []string{"EncounterBegan"}}, nil, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "EncounterBegan", events[0].EventType)
}

func TestMemoryStore_Exists(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	aggID := ids.NewOpaqueID()
	e1 := mkEnvelope(t, event.AggregateEncounter, aggID, 1, "EncounterCheckedIn")

	ok, err := s.Exists(ctx, e1.EventID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Append(ctx, e1)
	require.NoError(t, err)

	ok, err = s.Exists(ctx, e1.EventID)
	require.NoError(t, err)
	assert.True(t, ok)
}
