package sync

import (
	"context"
	"fmt"
	"reflect"

	"github.com/clinicore/kernel/pkg/aggregate"
	"github.com/clinicore/kernel/pkg/causal"
	"github.com/clinicore/kernel/pkg/compensation"
	"github.com/clinicore/kernel/pkg/event"
	"github.com/clinicore/kernel/pkg/eventstore"
	"github.com/clinicore/kernel/pkg/ids"
)

// conflictOutcome is the renumber-or-reject verdict for one
// version-conflicted upload (spec.md §4.7 "Conflict Resolution"), plus
// any retroactive findings the causal reorder surfaces against events
// that were already committed under the hub's real append order.
type conflictOutcome struct {
	kind        UploadResultKind
	resolved    event.Envelope          // set when kind == UploadAccepted: renumbered, ready to append at the stream's tail
	finding     *compensation.Finding   // set when kind == UploadConflicted
	retroactive []compensation.Finding  // already-persisted events the causal reorder now deems impermissible
}

// resolveConflict implements spec.md §4.7's conflict-resolution
// algorithm for a single version-conflicted upload:
//  1. collect the contested events (everything committed since the
//     device's believed baseline version, plus the new upload),
//  2. totally order them with CausalOrderer,
//  3. replay from the baseline state and check each event's
//     permissibility in that order,
//  4. accept the new event (renumbered to the stream's current tail,
//     since already-dispatched events are never rewritten) or reject it
//     with a StateMachineRejected finding,
//  5. dedup identical transitions from the same state.
//
// Because already-committed events cannot be un-appended, step 4's
// "renumber and append" only ever applies to the not-yet-persisted
// upload; the function separately audits whether the causal reorder
// retroactively invalidates any already-committed event (spec.md §8
// scenario 2: D1's Triaged, committed first in real time, turns out to
// follow causally-earlier D2's EncounterBegan and is no longer a
// permissible transition) and reports those as additional findings
// without ever removing the original envelope.
func resolveConflict(ctx context.Context, store eventstore.Store, newEnv event.Envelope) (conflictOutcome, error) {
	d, ok := aggregate.For(newEnv.AggregateType)
	if !ok {
		return conflictOutcome{}, fmt.Errorf("sync: unknown aggregate type %q", newEnv.AggregateType)
	}

	stream, err := store.ReadStream(ctx, newEnv.AggregateType, newEnv.AggregateID)
	if err != nil {
		return conflictOutcome{}, fmt.Errorf("sync: read stream for conflict resolution: %w", err)
	}

	baseline := newEnv.AggregateVersion - 1
	if baseline > uint64(len(stream)) {
		baseline = uint64(len(stream))
	}

	baselineState := d.InitialState()
	for _, e := range stream[:baseline] {
		baselineState = d.Apply(baselineState, e)
	}

	contested := append(append([]event.Envelope{}, stream[baseline:]...), newEnv)
	ordered, err := causal.Order(contested)
	if err != nil {
		if _, isCycle := err.(*causal.CycleError); isCycle {
			f := compensation.CausationCycleFinding(newEnv.EventID)
			return conflictOutcome{kind: UploadConflicted, finding: &f}, nil
		}
		return conflictOutcome{}, err
	}

	outcome, err := decideNewEvent(d, baselineState, ordered, newEnv, stream[baseline:])
	if err != nil {
		return conflictOutcome{}, err
	}
	if outcome.kind != UploadAccepted {
		return outcome, nil
	}

	outcome.resolved.AggregateVersion = uint64(len(stream)) + 1
	return outcome, nil
}

// decideNewEvent walks ordered (the causally-sorted contested set,
// still carrying the devices' original, pre-renumbering versions) and
// returns newEnv's verdict: duplicate, accepted, or conflicted. Once
// newEnv is accepted, the walk continues over whatever already-persisted
// events follow it in causal order — events that were committed in real
// time before newEnv but causally belong after it — and flags any of
// them that the new ordering renders impermissible as a retroactive
// finding (spec.md §8 scenario 2: D1's Triaged, committed first, is no
// longer a valid transition once D2's causally-earlier Began is
// accepted ahead of it). Those events are never rewritten or removed,
// only reported.
func decideNewEvent(d aggregate.Decider, baselineState any, ordered []event.Envelope, newEnv event.Envelope, alreadyCommitted []event.Envelope) (conflictOutcome, error) {
	state := baselineState
	accepted := false
	var outcome conflictOutcome
	preState := make(map[ids.EventID]any, len(ordered))

	for _, ev := range ordered {
		preState[ev.EventID] = state

		if !accepted && ev.EventID == newEnv.EventID {
			if isDuplicateTransition(ev, state, alreadyCommitted, preState) {
				return conflictOutcome{kind: UploadDuplicate}, nil
			}

			if !d.Permissible(state, ev.EventType) {
				f := compensation.StateMachineRejectedFinding(ev.EventID,
					fmt.Sprintf("event type %q is not a permissible transition from the causally-replayed state", ev.EventType))
				return conflictOutcome{kind: UploadConflicted, finding: &f}, nil
			}

			outcome = conflictOutcome{kind: UploadAccepted, resolved: ev}
			accepted = true
			state = d.Apply(state, ev)
			continue
		}

		if accepted {
			if !d.Permissible(state, ev.EventType) {
				outcome.retroactive = append(outcome.retroactive, compensation.StateMachineRejectedFinding(ev.EventID,
					fmt.Sprintf("causal reorder places %q after an event that makes it impermissible", ev.EventType)))
				continue
			}
		}
		state = d.Apply(state, ev)
	}

	if accepted {
		return outcome, nil
	}
	return conflictOutcome{kind: UploadDuplicate}, nil
}

// isDuplicateTransition reports whether some already-committed event made
// the same transition evState would now make for ev: same event type, from
// the identical pre-event state (spec.md §4.7 rule 5). Bare EventType
// equality is not enough — EncounterBegan, for one, is Permissible from
// three distinct states, so a stream can legitimately carry two real
// EncounterBegan events with different preceding states.
func isDuplicateTransition(ev event.Envelope, evState any, alreadyCommitted []event.Envelope, preState map[ids.EventID]any) bool {
	for _, committed := range alreadyCommitted {
		if committed.EventType != ev.EventType {
			continue
		}
		if committedFrom, ok := preState[committed.EventID]; ok && reflect.DeepEqual(committedFrom, evState) {
			return true
		}
	}
	return false
}
