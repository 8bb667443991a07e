// Package command implements the CommandGateway/QueryGateway wire-level
// entry points of spec.md §3: structural validation, command-type
// mapping, dispatch, and the outcome taxonomy
// (Success/ValidationError/UnknownCommandType/PreconditionFailed/
// DomainError/ConcurrencyError/Transient). Grounded on the teacher's
// request-validation-then-dispatch shape in internal/web-app's HTTP
// handlers, generalized from "HTTP handler calls dcb.EventStore
// directly" to "gateway maps a wire request to a typed Command and
// hands it to a registered Handler".
package command

import (
	"encoding/json"
	"fmt"

	"github.com/clinicore/kernel/pkg/aggregate"
	"github.com/clinicore/kernel/pkg/event"
)

// OutcomeKind enumerates spec.md §6's command outcome taxonomy.
type OutcomeKind string

const (
	OutcomeSuccess             OutcomeKind = "Success"
	OutcomeValidationError     OutcomeKind = "ValidationError"
	OutcomeUnknownCommandType  OutcomeKind = "UnknownCommandType"
	OutcomePreconditionFailed  OutcomeKind = "PreconditionFailed"
	OutcomeDomainError         OutcomeKind = "DomainError"
	OutcomeConcurrencyError    OutcomeKind = "ConcurrencyError"
	OutcomeTransient           OutcomeKind = "Transient"
)

// Outcome is the CommandGateway's response to a Request (spec.md §6's
// wire format: "{success, events?, error?}").
type Outcome struct {
	Kind   OutcomeKind
	Events []event.Envelope
	Field  string // set on ValidationError
	Reason string // set on ValidationError / Transient
	Code   aggregate.InvariantCode // set on PreconditionFailed / DomainError
	Err    error
}

func (o Outcome) Success() bool { return o.Kind == OutcomeSuccess }

// Request is the untyped wire request spec.md §6 names: "{command_type,
// payload}". The gateway never inspects payload beyond structural rules;
// domain meaning is entirely a mapper+handler concern.
type Request struct {
	CommandType string
	Payload     json.RawMessage
}

// Mapper turns a structurally-valid Request into a typed Command. Mappers
// are registered per command_type; the CommandGateway never builds a
// Command itself.
type Mapper func(req Request) (aggregate.Command, error)

// Handler is implemented by pkg/handler.CommandHandler; the gateway
// depends only on this interface to stay decoupled from orchestration.
type Handler interface {
	Handle(cmd aggregate.Command) Outcome
}

// Gateway is the CommandGateway: validates structure, maps to a typed
// command, dispatches to the Handler for cmd's aggregate kind, and
// returns the outcome. Never executes domain logic itself (spec.md §3).
type Gateway struct {
	mappers  map[string]Mapper
	handlers map[event.AggregateType]Handler
}

func NewGateway() *Gateway {
	return &Gateway{
		mappers:  make(map[string]Mapper),
		handlers: make(map[event.AggregateType]Handler),
	}
}

// RegisterMapper associates a command_type with its Mapper.
func (g *Gateway) RegisterMapper(commandType string, m Mapper) {
	g.mappers[commandType] = m
}

// RegisterHandler associates an aggregate kind with the CommandHandler
// that serves it.
func (g *Gateway) RegisterHandler(kind event.AggregateType, h Handler) {
	g.handlers[kind] = h
}

// Dispatch accepts an untyped Request and returns an Outcome, per spec.md
// §3's CommandGateway responsibilities.
func (g *Gateway) Dispatch(req Request) Outcome {
	if req.CommandType == "" {
		return Outcome{Kind: OutcomeValidationError, Field: "command_type", Reason: "command_type is required"}
	}

	mapper, ok := g.mappers[req.CommandType]
	if !ok {
		return Outcome{Kind: OutcomeUnknownCommandType, Reason: fmt.Sprintf("no mapper registered for %q", req.CommandType)}
	}

	cmd, err := mapper(req)
	if err != nil {
		return Outcome{Kind: OutcomeValidationError, Field: "payload", Reason: err.Error()}
	}

	handler, ok := g.handlers[cmd.AggregateType]
	if !ok {
		return Outcome{Kind: OutcomeUnknownCommandType, Reason: fmt.Sprintf("no handler registered for aggregate kind %q", cmd.AggregateType)}
	}

	return handler.Handle(cmd)
}

// QueryRequest is the symmetric read-side wire request (spec.md §3:
// "{query_type, params}").
type QueryRequest struct {
	QueryType string
	Params    map[string]string
}

// QueryResult is the QueryGateway's response (spec.md §3:
// "QueryResult{success, data | error}").
type QueryResult struct {
	Success bool
	Data    any
	Error   string
}

// ResponseMapper reads a projection's current state plus params and
// produces response data. Pure: no aggregate loads, no event store
// reads, no business rules (spec.md §3).
type ResponseMapper func(state any, params map[string]string) (any, error)

type registeredQuery struct {
	read   func() (any, bool)
	mapper ResponseMapper
}

// QueryGateway is the read-side counterpart to Gateway. It never loads
// aggregates or reads the event store; filtering beyond structural
// validation is left to the projection (spec.md §3).
type QueryGateway struct {
	queries map[string]registeredQuery
}

func NewQueryGateway() *QueryGateway {
	return &QueryGateway{queries: make(map[string]registeredQuery)}
}

// RegisterQuery associates query_type with a state reader and a pure
// response mapper.
func (q *QueryGateway) RegisterQuery(queryType string, read func() (any, bool), mapper ResponseMapper) {
	q.queries[queryType] = registeredQuery{read: read, mapper: mapper}
}

func (q *QueryGateway) Dispatch(req QueryRequest) QueryResult {
	if req.QueryType == "" {
		return QueryResult{Success: false, Error: "query_type is required"}
	}
	rq, ok := q.queries[req.QueryType]
	if !ok {
		return QueryResult{Success: false, Error: fmt.Sprintf("no projection registered for %q", req.QueryType)}
	}
	state, found := rq.read()
	if !found {
		return QueryResult{Success: false, Error: "not found"}
	}
	data, err := rq.mapper(state, req.Params)
	if err != nil {
		return QueryResult{Success: false, Error: err.Error()}
	}
	return QueryResult{Success: true, Data: data}
}
