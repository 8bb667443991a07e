// Package handler implements CommandHandler, the orchestration spec.md
// §4.4 describes: load stream, rehydrate, cross-aggregate precondition
// checks against ReadModels, decide, stamp, append with retry-on-
// VersionConflict, dispatch. Grounded on the teacher's command-handler
// examples (internal/examples/command_execution/main.go's
// load-decide-append loop), generalized from one-shot DCB append
// conditions to per-aggregate-stream optimistic concurrency with
// bounded retry.
package handler

import (
	"context"
	"math/rand"
	"time"

	"github.com/clinicore/kernel/pkg/aggregate"
	"github.com/clinicore/kernel/pkg/clock"
	"github.com/clinicore/kernel/pkg/command"
	"github.com/clinicore/kernel/pkg/config"
	"github.com/clinicore/kernel/pkg/event"
	"github.com/clinicore/kernel/pkg/eventstore"
	"github.com/clinicore/kernel/pkg/ids"
	"github.com/clinicore/kernel/pkg/readmodel"
)

// Precondition is a cross-aggregate check run after rehydration and
// before decide (spec.md §4.4 step 4). ok=false means the command fails
// with PreconditionFailed{code}.
type Precondition func(cmd aggregate.Command, reads *readmodel.Store) (ok bool, code aggregate.InvariantCode)

// Dispatcher is the non-blocking sink CommandHandler hands appended
// events to (spec.md §4.4 step 8: "dispatch (non-blocking)"). Implemented
// by pkg/dispatch.Dispatcher; kept as a narrow interface here so
// handler does not import dispatch.
type Dispatcher interface {
	Notify(env event.Envelope)
}

type noopDispatcher struct{}

func (noopDispatcher) Notify(event.Envelope) {}

// CommandHandler serves every command for one aggregate kind.
type CommandHandler struct {
	Kind           event.AggregateType
	Store          eventstore.Store
	Reads          *readmodel.Store
	Clock          clock.Clock
	Config         config.KernelConfig
	Dispatcher     Dispatcher
	Preconditions  map[string]Precondition
	DeviceID       string
	ConnStatus     event.ConnectionStatus

	// LSN mints this handler's localSequenceNumber values. Every
	// CommandHandler (and pkg/sync.Hub) that stamps events under the same
	// DeviceID must share one LSN instance (spec.md §9) — NewCommandHandler
	// gives each handler its own, so callers wiring multiple handlers
	// under one DeviceID (e.g. several aggregate kinds behind "hub") must
	// overwrite LSN with a shared *event.DeviceLSN after construction.
	LSN *event.DeviceLSN
}

// NewCommandHandler wires a CommandHandler with sane defaults (no
// preconditions, a no-op dispatcher, its own LSN counter) — callers
// override via the exported fields or RegisterPrecondition.
func NewCommandHandler(kind event.AggregateType, store eventstore.Store, reads *readmodel.Store, cfg config.KernelConfig) *CommandHandler {
	return &CommandHandler{
		Kind:          kind,
		Store:         store,
		Reads:         reads,
		Clock:         clock.System{},
		Config:        cfg,
		Dispatcher:    noopDispatcher{},
		Preconditions: make(map[string]Precondition),
		DeviceID:      "hub",
		ConnStatus:    event.ConnectionOnline,
		LSN:           event.NewDeviceLSN(),
	}
}

// RegisterPrecondition associates a command_type with a cross-aggregate
// check (spec.md §4.4 step 4: "explicit and listed per command").
func (h *CommandHandler) RegisterPrecondition(commandType string, p Precondition) {
	h.Preconditions[commandType] = p
}

// Handle runs the full spec.md §4.4 pipeline for cmd and returns the
// gateway-facing Outcome.
func (h *CommandHandler) Handle(cmd aggregate.Command) command.Outcome {
	ctx := context.Background()

	if cmd.AggregateType != h.Kind {
		return command.Outcome{Kind: command.OutcomeValidationError, Field: "aggregate_type", Reason: "command routed to the wrong handler"}
	}
	if cmd.IsCreation() {
		cmd.AggregateID = ids.NewOpaqueID()
	}

	if p, ok := h.Preconditions[cmd.CommandType]; ok {
		if ok, code := p(cmd, h.Reads); !ok {
			return command.Outcome{Kind: command.OutcomePreconditionFailed, Code: code}
		}
	}

	var lastErr error
	for attempt := 0; attempt <= h.Config.CommandRetryMax; attempt++ {
		outcome, retry, err := h.attempt(ctx, cmd)
		if !retry {
			return outcome
		}
		lastErr = err
		h.backoff(attempt)
	}

	return command.Outcome{Kind: command.OutcomeConcurrencyError, Reason: "retries exhausted", Err: lastErr}
}

// attempt runs one load→rehydrate→decide→append cycle. retry=true means
// the caller should back off and try again (a VersionConflict raced us).
func (h *CommandHandler) attempt(ctx context.Context, cmd aggregate.Command) (outcome command.Outcome, retry bool, err error) {
	stream, err := h.Store.ReadStream(ctx, cmd.AggregateType, cmd.AggregateID)
	if err != nil {
		return command.Outcome{Kind: command.OutcomeTransient, Reason: err.Error()}, false, err
	}

	state, version, err := aggregate.Rehydrate(cmd.AggregateType, stream)
	if err != nil {
		return command.Outcome{Kind: command.OutcomeValidationError, Reason: err.Error()}, false, err
	}

	drafts, err := aggregate.Decide(cmd.AggregateType, state, cmd, h.Clock)
	if err != nil {
		if de, ok := aggregate.AsDomainError(err); ok {
			return command.Outcome{Kind: command.OutcomeDomainError, Code: de.Code, Err: de}, false, err
		}
		return command.Outcome{Kind: command.OutcomeValidationError, Reason: err.Error()}, false, err
	}
	if len(drafts) == 0 {
		return command.Outcome{Kind: command.OutcomeSuccess}, false, nil
	}

	appended := make([]event.Envelope, 0, len(drafts))
	for i, draft := range drafts {
		nextVersion := version + uint64(i) + 1
		env, err := event.Stamp(draft, h.Clock, nextVersion, h.DeviceID, h.ConnStatus, 0, h.LSN.Next(), ids.Nil, cmd.CorrelationID, cmd.CausationID)
		if err != nil {
			return command.Outcome{Kind: command.OutcomeValidationError, Reason: err.Error()}, false, err
		}

		out, err := h.Store.Append(ctx, env)
		if err != nil {
			if eventstore.IsVersionConflict(err) {
				return command.Outcome{}, true, err
			}
			if eventstore.IsTransient(err) {
				return command.Outcome{Kind: command.OutcomeTransient, Reason: err.Error()}, false, err
			}
			return command.Outcome{Kind: command.OutcomeValidationError, Reason: err.Error()}, false, err
		}
		if out == eventstore.AppendOutcomeAppended {
			appended = append(appended, env)
		}
	}

	for _, env := range appended {
		h.Dispatcher.Notify(env)
	}

	return command.Outcome{Kind: command.OutcomeSuccess, Events: appended}, false, nil
}

// backoff sleeps for an exponential-backoff-with-full-jitter delay
// (spec.md §4.4 step 7, §9).
func (h *CommandHandler) backoff(attempt int) {
	max := h.Config.CommandRetryBaseDelay * time.Duration(1<<uint(attempt))
	if max <= 0 {
		return
	}
	time.Sleep(time.Duration(rand.Int63n(int64(max))))
}
