// Package dispatch implements the EventDispatcher of spec.md §4.3: async,
// at-least-once pub/sub from the EventStore to projections, with a
// per-projection FIFO inbox, a processedSet for idempotent delivery, a
// checkpoint cursor, retry-then-dead-letter handling, and a catch-up
// poller. Grounded on the teacher's channel-plus-goroutine streaming
// idiom (pkg/dcb/channel_eventstore.go's ReadStreamChannel: buffered
// channel, goroutine with deferred close+recover, log.Printf on error),
// generalized from "stream query rows to a channel" to "fan events out
// to independently-failing projection handlers".
package dispatch

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/clinicore/kernel/pkg/event"
	"github.com/clinicore/kernel/pkg/eventstore"
	"github.com/clinicore/kernel/pkg/ids"
	"github.com/clinicore/kernel/pkg/readmodel"
)

// Mode is a projection's delivery mode (spec.md §4.3).
type Mode int

const (
	ModeLive Mode = iota
	ModeOnDemand
	ModePeriodic
)

// DeadLetter records an event a projection failed to apply after
// exhausting retries (spec.md §4.3: "(eventId, reason, counts,
// timestamps)").
type DeadLetter struct {
	EventID    ids.EventID
	Reason     string
	Attempts   int
	FirstSeen  time.Time
	LastFailed time.Time
}

type inbox struct {
	projection readmodel.Projection
	mode       Mode
	ch         chan event.Envelope
	processed  map[ids.EventID]struct{}
	deadLetter []DeadLetter
	applied    int64
}

// Dispatcher is the EventDispatcher. One goroutine per Live projection
// drains that projection's inbox; OnDemand/Periodic projections are
// caught up only when Poll is called.
type Dispatcher struct {
	store      eventstore.Store
	reads      *readmodel.Store
	retryMax   int
	retryBase  time.Duration
	inboxes    map[string]*inbox
	cursors    map[string]*eventstore.Cursor
	stop       chan struct{}
}

func NewDispatcher(store eventstore.Store, reads *readmodel.Store, retryMax int, retryBase time.Duration) *Dispatcher {
	return &Dispatcher{
		store:     store,
		reads:     reads,
		retryMax:  retryMax,
		retryBase: retryBase,
		inboxes:   make(map[string]*inbox),
		cursors:   make(map[string]*eventstore.Cursor),
		stop:      make(chan struct{}),
	}
}

// Register adds a projection at the given mode and, for Live projections,
// starts its inbox-draining goroutine. inboxSize bounds the FIFO inbox's
// buffered channel.
func (d *Dispatcher) Register(p readmodel.Projection, mode Mode, inboxSize int) {
	d.reads.Register(p)
	ib := &inbox{
		projection: p,
		mode:       mode,
		ch:         make(chan event.Envelope, inboxSize),
		processed:  make(map[ids.EventID]struct{}),
	}
	d.inboxes[p.ID()] = ib
	d.cursors[p.ID()] = nil

	if mode == ModeLive {
		go d.drain(ib)
	}
}

// Notify is the post-append notification hook CommandHandler and
// SyncEngine call for every newly appended event (spec.md §4.3: "fed by
// the in-process bus"). Never blocks: when a Live projection's inbox is
// full the notification is dropped and logged, and a later Poll for that
// projection picks the event up from the store.
func (d *Dispatcher) Notify(env event.Envelope) {
	for _, ib := range d.inboxes {
		if ib.mode != ModeLive {
			continue
		}
		select {
		case ib.ch <- env:
		default:
			log.Printf("dispatch: inbox for projection %s full, dropping live notification for event %s; catch-up poller will recover it", ib.projection.ID(), env.EventID)
		}
	}
}

// drain is the per-projection goroutine that applies inbox events in
// FIFO order, retrying on failure and dead-lettering on exhaustion
// (spec.md §4.3).
func (d *Dispatcher) drain(ib *inbox) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("dispatch: projection %s goroutine panicked: %v", ib.projection.ID(), r)
		}
	}()

	for {
		select {
		case <-d.stop:
			return
		case env, ok := <-ib.ch:
			if !ok {
				return
			}
			d.apply(ib, env)
		}
	}
}

// apply applies env to ib's projection, retrying with exponential
// backoff-with-jitter up to retryMax before dead-lettering.
func (d *Dispatcher) apply(ib *inbox, env event.Envelope) {
	if _, seen := ib.processed[env.EventID]; seen {
		return
	}

	var lastErr error
	firstSeen := time.Now()
	for attempt := 0; attempt <= d.retryMax; attempt++ {
		if err := d.tryApply(ib, env); err != nil {
			lastErr = err
			log.Printf("dispatch: projection %s failed to apply event %s (attempt %d/%d): %v", ib.projection.ID(), env.EventID, attempt+1, d.retryMax+1, err)
			d.backoff(attempt)
			continue
		}
		ib.processed[env.EventID] = struct{}{}
		return
	}

	ib.deadLetter = append(ib.deadLetter, DeadLetter{
		EventID:    env.EventID,
		Reason:     errString(lastErr),
		Attempts:   d.retryMax + 1,
		FirstSeen:  firstSeen,
		LastFailed: time.Now(),
	})
}

// tryApply is the unit of work that can fail: folding env into the
// ReadModel store. A panicking projection Apply is recovered and
// surfaced as an error so one bad projection never kills the goroutine.
func (d *Dispatcher) tryApply(ib *inbox, env event.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{r}
		}
	}()
	ib.applied++
	d.reads.Apply(ib.projection.ID(), env, ib.applied)
	return nil
}

type panicError struct{ v any }

func (p panicError) Error() string { return "panic in projection handler" }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (d *Dispatcher) backoff(attempt int) {
	max := d.retryBase * time.Duration(1<<uint(attempt))
	if max <= 0 {
		return
	}
	time.Sleep(time.Duration(rand.Int63n(int64(max))))
}

// Poll runs the catch-up poller for projectionID: reads events past its
// checkpoint in ascending insertion order and applies them, exactly as
// the Live drain loop would (spec.md §4.3: "ascending position for
// catch-up"). Used both to recover from a full inbox and to service
// OnDemand/Periodic projections.
func (d *Dispatcher) Poll(ctx context.Context, projectionID string, filter eventstore.Filter, limit int) error {
	ib, ok := d.inboxes[projectionID]
	if !ok {
		return nil
	}
	events, cursor, err := d.store.ReadAfter(ctx, filter, d.cursors[projectionID], limit)
	if err != nil {
		return err
	}
	for _, env := range events {
		d.apply(ib, env)
	}
	d.cursors[projectionID] = &cursor
	return nil
}

// DeadLetters returns projectionID's accumulated dead letters.
func (d *Dispatcher) DeadLetters(projectionID string) []DeadLetter {
	ib, ok := d.inboxes[projectionID]
	if !ok {
		return nil
	}
	return ib.deadLetter
}

// Stop halts every Live projection's drain goroutine.
func (d *Dispatcher) Stop() {
	close(d.stop)
}
