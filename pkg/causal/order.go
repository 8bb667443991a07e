// Package causal implements CausalOrderer (spec.md §4.6): a
// deterministic total order function over any event set, built from two
// ordering sources — the partial order causation and same-stream version
// actually impose, and a deterministic tiebreak comparator (rules 3-6)
// used to linearize whatever the partial order leaves ambiguous.
// Grounded on the teacher's DAG-of-causation framing (spec.md §9's
// "Cyclic data" note: "Causation chains form a DAG") generalized into a
// Kahn's-algorithm topological sort whose ready-set tiebreak is the
// deterministic comparator, rather than hand-rolling a single sort.Slice
// comparator that cannot express transitive causation precedence.
package causal

import (
	"container/heap"
	"fmt"

	"github.com/clinicore/kernel/pkg/event"
	"github.com/clinicore/kernel/pkg/ids"
)

// CycleError reports a causation cycle (spec.md §4.6 edge case: "this is
// a data-integrity violation flagged by CompensationEngine, not handled
// silently").
type CycleError struct {
	EventIDs []ids.EventID
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("causal: causation cycle detected among %d events", len(e.EventIDs))
}

// Order returns events in CausalOrderer's deterministic total order,
// or a *CycleError if causation or same-stream version edges cycle.
func Order(events []event.Envelope) ([]event.Envelope, error) {
	byID := make(map[ids.EventID]event.Envelope, len(events))
	for _, e := range events {
		byID[e.EventID] = e
	}

	indegree := make(map[ids.EventID]int, len(events))
	children := make(map[ids.EventID][]ids.EventID, len(events))
	addEdge := func(parent, child ids.EventID) {
		if parent == child {
			return
		}
		if _, ok := byID[parent]; !ok {
			return
		}
		children[parent] = append(children[parent], child)
		indegree[child]++
	}

	for _, e := range events {
		if _, ok := indegree[e.EventID]; !ok {
			indegree[e.EventID] = 0
		}
	}

	// Rule 1: same (aggregateType, aggregateId) — lower aggregateVersion
	// first. Group by stream and add an edge for every pair with
	// different versions; equal versions get no edge here.
	streams := make(map[string][]event.Envelope)
	for _, e := range events {
		key := string(e.AggregateType) + "/" + e.AggregateID.String()
		streams[key] = append(streams[key], e)
	}
	for _, stream := range streams {
		for i := 0; i < len(stream); i++ {
			for j := i + 1; j < len(stream); j++ {
				if stream[i].AggregateVersion < stream[j].AggregateVersion {
					addEdge(stream[i].EventID, stream[j].EventID)
				} else if stream[j].AggregateVersion < stream[i].AggregateVersion {
					addEdge(stream[j].EventID, stream[i].EventID)
				}
			}
		}
	}

	// Rule 2: causation chain. e.CausationID == parent.EventID means
	// parent precedes e; transitive precedence falls out of the
	// topological sort itself.
	for _, e := range events {
		if e.CausationID != "" {
			if parent, ok := byID[e.CausationID]; ok {
				addEdge(parent.EventID, e.EventID)
			}
		}
	}

	ready := &readyHeap{}
	for id, deg := range indegree {
		if deg == 0 {
			heap.Push(ready, byID[id])
		}
	}

	out := make([]event.Envelope, 0, len(events))
	for ready.Len() > 0 {
		next := heap.Pop(ready).(event.Envelope)
		out = append(out, next)
		for _, child := range children[next.EventID] {
			indegree[child]--
			if indegree[child] == 0 {
				heap.Push(ready, byID[child])
			}
		}
	}

	if len(out) != len(events) {
		var cyclic []ids.EventID
		for id, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		return nil, &CycleError{EventIDs: cyclic}
	}

	return out, nil
}

// readyHeap orders the topological sort's ready set by the deterministic
// tiebreak comparator (rules 3-6): same-device LSN, clock-drift-adjusted
// occurredAt, recordedAt, eventId.
type readyHeap []event.Envelope

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool { return lessTiebreak(h[i], h[j]) }
func (h readyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(event.Envelope)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func lessTiebreak(a, b event.Envelope) bool {
	if a.DeviceID == b.DeviceID {
		if a.LocalSequenceNumber != b.LocalSequenceNumber {
			return a.LocalSequenceNumber < b.LocalSequenceNumber
		}
	}
	aAdj := a.AdjustedOccurredAt()
	bAdj := b.AdjustedOccurredAt()
	if !aAdj.Equal(bAdj) {
		return aAdj.Before(bAdj)
	}
	if !a.RecordedAt.Equal(b.RecordedAt) {
		return a.RecordedAt.Before(b.RecordedAt)
	}
	return a.EventID.Less(b.EventID)
}
