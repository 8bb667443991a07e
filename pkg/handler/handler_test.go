package handler

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/kernel/pkg/aggregate"
	"github.com/clinicore/kernel/pkg/command"
	"github.com/clinicore/kernel/pkg/config"
	"github.com/clinicore/kernel/pkg/event"
	"github.com/clinicore/kernel/pkg/eventstore"
	"github.com/clinicore/kernel/pkg/ids"
	"github.com/clinicore/kernel/pkg/readmodel"
)

func newTestHandler(kind event.AggregateType) (*CommandHandler, eventstore.Store, *readmodel.Store) {
	store := eventstore.NewMemoryStore()
	reads := readmodel.NewStore()
	h := NewCommandHandler(kind, store, reads, config.Default())
	return h, store, reads
}

func TestCommandHandler_RegisterPatient_Success(t *testing.T) {
	h, _, _ := newTestHandler(event.AggregatePatientRegistration)

	payload, _ := json.Marshal(map[string]any{
		"givenName":  "Ada",
		"familyName": "Lovelace",
		"contact":    map[string]string{"email": "ada@example.org"},
	})

	out := h.Handle(aggregate.Command{
		CommandType:   aggregate.CmdRegisterPatient,
		AggregateType: event.AggregatePatientRegistration,
		Payload:       payload,
	})

	require.Equal(t, command.OutcomeSuccess, out.Kind)
	require.Len(t, out.Events, 1)
	assert.Equal(t, "PatientRegistered", out.Events[0].EventType)
	assert.Equal(t, uint64(1), out.Events[0].AggregateVersion)
}

func TestCommandHandler_DomainErrorSurfacesCode(t *testing.T) {
	h, store, _ := newTestHandler(event.AggregateDiagnosis)

	patientID := ids.NewOpaqueID()
	diagID := ids.NewOpaqueID()

	payload, _ := json.Marshal(map[string]any{"patientId": patientID.String(), "code": "J45.9"})
	out := h.Handle(aggregate.Command{
		CommandType:   aggregate.CmdMakeDiagnosis,
		AggregateType: event.AggregateDiagnosis,
		AggregateID:   diagID,
		Payload:       payload,
	})
	require.Equal(t, command.OutcomeSuccess, out.Kind)

	resolvePayload, _ := json.Marshal(map[string]any{})
	out = h.Handle(aggregate.Command{
		CommandType:   aggregate.CmdResolveDiagnosis,
		AggregateType: event.AggregateDiagnosis,
		AggregateID:   diagID,
		Payload:       resolvePayload,
	})
	require.Equal(t, command.OutcomeSuccess, out.Kind)

	out = h.Handle(aggregate.Command{
		CommandType:   aggregate.CmdReviseDiagnosis,
		AggregateType: event.AggregateDiagnosis,
		AggregateID:   diagID,
		Payload:       mustJSON(t, map[string]any{"code": "J45.0"}),
	})
	require.Equal(t, command.OutcomeDomainError, out.Kind)
	assert.Equal(t, aggregate.InvDiagnosisReviseTerminal, out.Code)

	_ = store // silence unused in case of future expansion
}

func TestCommandHandler_PreconditionFailed(t *testing.T) {
	h, _, reads := newTestHandler(event.AggregateAppointment)
	h.RegisterPrecondition(aggregate.CmdRequestAppointment, func(cmd aggregate.Command, reads *readmodel.Store) (bool, aggregate.InvariantCode) {
		return false, aggregate.InvPatientAlreadyActive
	})

	out := h.Handle(aggregate.Command{
		CommandType:   aggregate.CmdRequestAppointment,
		AggregateType: event.AggregateAppointment,
		Payload:       mustJSON(t, map[string]any{"patientId": "patient-1"}),
	})

	assert.Equal(t, command.OutcomePreconditionFailed, out.Kind)
	assert.Equal(t, aggregate.InvPatientAlreadyActive, out.Code)
	_ = reads
}

func TestCommandHandler_PreconditionFailed_PatientMustExist(t *testing.T) {
	h, _, reads := newTestHandler(event.AggregateAppointment)
	h.RegisterPrecondition(aggregate.CmdRequestAppointment, func(cmd aggregate.Command, reads *readmodel.Store) (bool, aggregate.InvariantCode) {
		var body struct {
			PatientID string `json:"patientId"`
		}
		if err := json.Unmarshal(cmd.Payload, &body); err != nil {
			return false, aggregate.InvPatientMustExist
		}
		view, ok := reads.Get("PatientStatus", body.PatientID)
		if !ok {
			return false, aggregate.InvPatientMustExist
		}
		if !view.(readmodel.PatientStatusView).Active() {
			return false, aggregate.InvPatientAlreadyActive
		}
		return true, ""
	})

	out := h.Handle(aggregate.Command{
		CommandType:   aggregate.CmdRequestAppointment,
		AggregateType: event.AggregateAppointment,
		Payload:       mustJSON(t, map[string]any{"patientId": ids.NewOpaqueID().String()}),
	})

	assert.Equal(t, command.OutcomePreconditionFailed, out.Kind)
	assert.Equal(t, aggregate.InvPatientMustExist, out.Code)
	_ = reads
}

func TestCommandHandler_DispatchesAppendedEvents(t *testing.T) {
	h, _, _ := newTestHandler(event.AggregatePatientRegistration)
	var notified []event.Envelope
	h.Dispatcher = notifyFunc(func(env event.Envelope) { notified = append(notified, env) })

	out := h.Handle(aggregate.Command{
		CommandType:   aggregate.CmdRegisterPatient,
		AggregateType: event.AggregatePatientRegistration,
		Payload: mustJSON(t, map[string]any{
			"givenName":  "Ada",
			"familyName": "Lovelace",
			"contact":    map[string]string{"phone": "555-0100"},
		}),
	})

	require.Equal(t, command.OutcomeSuccess, out.Kind)
	require.Len(t, notified, 1)
}

// TestCommandHandler_SharedDeviceLSNNeverReused reproduces the scenario two
// handlers for distinct aggregate kinds both stamping under DeviceID "hub":
// without a shared LSN counter, each handler's first-ever event would both
// land on localSequenceNumber 1.
func TestCommandHandler_SharedDeviceLSNNeverReused(t *testing.T) {
	store := eventstore.NewMemoryStore()
	reads := readmodel.NewStore()
	cfg := config.Default()
	sharedLSN := event.NewDeviceLSN()

	patientHandler := NewCommandHandler(event.AggregatePatientRegistration, store, reads, cfg)
	patientHandler.LSN = sharedLSN
	appointmentHandler := NewCommandHandler(event.AggregateAppointment, store, reads, cfg)
	appointmentHandler.LSN = sharedLSN

	patientOut := patientHandler.Handle(aggregate.Command{
		CommandType:   aggregate.CmdRegisterPatient,
		AggregateType: event.AggregatePatientRegistration,
		Payload: mustJSON(t, map[string]any{
			"givenName":  "Ada",
			"familyName": "Lovelace",
			"contact":    map[string]string{"email": "ada@example.org"},
		}),
	})
	require.Equal(t, command.OutcomeSuccess, patientOut.Kind)

	appointmentOut := appointmentHandler.Handle(aggregate.Command{
		CommandType:   aggregate.CmdRequestAppointment,
		AggregateType: event.AggregateAppointment,
		Payload:       mustJSON(t, map[string]any{"patientId": "patient-1"}),
	})
	require.Equal(t, command.OutcomeSuccess, appointmentOut.Kind)

	assert.NotEqual(t, patientOut.Events[0].LocalSequenceNumber, appointmentOut.Events[0].LocalSequenceNumber)
}

type notifyFunc func(event.Envelope)

func (f notifyFunc) Notify(env event.Envelope) { f(env) }

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
