// Package readmodel implements the five internal read models spec.md §1
// names as the core's full scope: PatientStatus, EncounterState,
// DiagnosisStatus, AppointmentStatus, PerformerRole. Each is a small
// deterministic projection, fed only by the EventDispatcher, consulted by
// CommandHandler for cross-aggregate precondition checks (spec.md §4.4
// step 4) — never read directly by end users. Grounded on the teacher's
// StateProjector/TransitionFn shape (pkg/dcb/decision_model.go), adapted
// from "project on demand over one query" to "maintained continuously by
// the dispatcher, read as a snapshot".
package readmodel

import (
	"sync"

	"github.com/clinicore/kernel/pkg/event"
)

// Projection is a named, continuously-updated view keyed by aggregate id.
// Store owns its Apply loop; CommandHandler only ever reads snapshots.
type Projection interface {
	// ID names the projection for checkpoint bookkeeping and dead-letter
	// queue routing.
	ID() string

	// Interested reports whether env should be folded into this
	// projection (spec.md §4.3: "declares a filter by eventType /
	// aggregateType / org").
	Interested(env event.Envelope) bool

	// InitialState returns the zero view for a key not yet seen.
	InitialState() any

	// Apply folds one event into the view for env's key.
	Apply(state any, env event.Envelope) any

	// Key returns the view key for env — the aggregate id for most
	// projections, but the performer id for PerformerRole (spec.md §4.3).
	Key(env event.Envelope) string
}

// Store holds one map[key]view per registered Projection. Safe for
// concurrent use: the dispatcher is the only writer, CommandHandler and
// tests are readers.
type Store struct {
	mu          sync.RWMutex
	projections map[string]Projection
	views       map[string]map[string]any // projection ID -> Projection.Key(env) -> view
	checkpoints map[string]int64          // projection ID -> cursor value last passed to Apply
}

func NewStore() *Store {
	return &Store{
		projections: make(map[string]Projection),
		views:       make(map[string]map[string]any),
		checkpoints: make(map[string]int64),
	}
}

// Register adds a projection, starting it at checkpoint 0 (rebuild from
// the beginning of the log). spec.md §4.3: "rebuildable by replay".
func (s *Store) Register(p Projection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projections[p.ID()] = p
	if _, ok := s.views[p.ID()]; !ok {
		s.views[p.ID()] = make(map[string]any)
	}
}

// Projections returns the registered projections, for the dispatcher's
// fan-out loop.
func (s *Store) Projections() []Projection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Projection, 0, len(s.projections))
	for _, p := range s.projections {
		out = append(out, p)
	}
	return out
}

// Apply folds env into projectionID's view for p.Key(env), if the
// projection declares interest, and advances its checkpoint. Called only
// by the dispatcher, once per (projection, event) pair — dispatcher
// dedup/at-least-once handling happens one layer up.
func (s *Store) Apply(projectionID string, env event.Envelope, cursor int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projections[projectionID]
	if !ok || !p.Interested(env) {
		s.checkpoints[projectionID] = cursor
		return
	}
	key := p.Key(env)
	view, ok := s.views[projectionID][key]
	if !ok {
		view = p.InitialState()
	}
	s.views[projectionID][key] = p.Apply(view, env)
	s.checkpoints[projectionID] = cursor
}

// Get returns projectionID's view for key, and whether it exists.
func (s *Store) Get(projectionID, key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.views[projectionID][key]
	return v, ok
}

// Checkpoint returns the cursor value most recently passed to Apply for
// projectionID (0 if none). pkg/dispatch passes a per-projection running
// count of apply attempts, not an event-store position; its catch-up
// poller keeps its own store cursor and does not read this value.
func (s *Store) Checkpoint(projectionID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoints[projectionID]
}

// Reset clears a projection's view and checkpoint, forcing a full replay
// from position 0. spec.md §4.3: "rebuildable by replay".
func (s *Store) Reset(projectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[projectionID] = make(map[string]any)
	s.checkpoints[projectionID] = 0
}
