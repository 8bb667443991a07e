package eventstore

import (
	"context"
	"sync"

	"github.com/clinicore/kernel/pkg/event"
	"github.com/clinicore/kernel/pkg/ids"
)

type streamKey struct {
	aggregateType event.AggregateType
	aggregateID   ids.OpaqueID
}

// MemoryStore is the in-memory Store implementation. A single mutex
// serializes all streams; the teacher's equivalent serialization point is
// a Postgres row lock per aggregate (command.go's appendInTx), which is
// out of scope here since no concrete DB backend is carried (see
// DESIGN.md). stdlib sync.Mutex stands in because no third-party
// in-memory store library appears anywhere in the pack.
type MemoryStore struct {
	mu       sync.Mutex
	streams  map[streamKey][]event.Envelope
	byID     map[ids.EventID]struct{}
	log      []event.Envelope // global insertion order, for ReadAfter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[streamKey][]event.Envelope),
		byID:    make(map[ids.EventID]struct{}),
	}
}

func (s *MemoryStore) Append(_ context.Context, env event.Envelope) (AppendOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[env.EventID]; ok {
		return AppendOutcomeAlreadyExists, nil
	}

	key := streamKey{env.AggregateType, env.AggregateID}
	stream := s.streams[key]
	expected := uint64(len(stream)) + 1
	if env.AggregateVersion != expected {
		return 0, NewVersionConflictError("Append", expected, uint64(len(stream)))
	}

	s.streams[key] = append(stream, env)
	s.byID[env.EventID] = struct{}{}
	s.log = append(s.log, env)
	return AppendOutcomeAppended, nil
}

func (s *MemoryStore) ReadStream(_ context.Context, aggregateType event.AggregateType, aggregateID ids.OpaqueID) ([]event.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[streamKey{aggregateType, aggregateID}]
	out := make([]event.Envelope, len(stream))
	copy(out, stream)
	return out, nil
}

func (s *MemoryStore) CurrentVersion(_ context.Context, aggregateType event.AggregateType, aggregateID ids.OpaqueID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.streams[streamKey{aggregateType, aggregateID}])), nil
}

func (s *MemoryStore) Exists(_ context.Context, id ids.EventID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[id]
	return ok, nil
}

func (s *MemoryStore) ReadAfter(_ context.Context, filter Filter, cursor *Cursor, limit int) ([]event.Envelope, Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := 0
	if cursor != nil {
		start = int(cursor.Position)
	}
	if start < 0 {
		start = 0
	}
	if start > len(s.log) {
		start = len(s.log)
	}

	out := make([]event.Envelope, 0)
	pos := start
	for ; pos < len(s.log); pos++ {
		e := s.log[pos]
		if !filter.matches(e) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			pos++
			break
		}
	}

	return out, Cursor{Position: int64(pos)}, nil
}

var _ Store = (*MemoryStore)(nil)
