package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/kernel/pkg/clock"
)

func TestAppointment_ConfirmRequiresRequested(t *testing.T) {
	clk := clock.Fixed{At: time.Now()}
	d := appointmentDecider{}
	state := d.InitialState()

	_, err := d.Decide(state, Command{CommandType: CmdConfirmAppointment}, clk)
	require.Error(t, err)
	de, ok := AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, InvAppointmentRequiresRequested, de.Code)
}

func TestAppointment_CancelRejectedOnceCancelled(t *testing.T) {
	clk := clock.Fixed{At: time.Now()}
	d := appointmentDecider{}
	state := AppointmentState{Stage: AppointmentCancelled}

	_, err := d.Decide(state, Command{CommandType: CmdCancelAppointment}, clk)
	require.Error(t, err)
	de, ok := AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, InvAppointmentTerminal, de.Code)
}

func TestAppointment_RescheduleOnlyFromConfirmed(t *testing.T) {
	clk := clock.Fixed{At: time.Now()}
	d := appointmentDecider{}
	state := AppointmentState{Stage: AppointmentRequested}

	_, err := d.Decide(state, Command{
		CommandType: CmdRescheduleAppointment,
		Payload:     mustPayload(t, rescheduleAppointmentPayload{When: time.Now().Add(24 * time.Hour)}),
	}, clk)

	require.Error(t, err)
	de, ok := AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, InvAppointmentRescheduleState, de.Code)
}

func TestAppointment_NoShowOnlyFromConfirmed(t *testing.T) {
	clk := clock.Fixed{At: time.Now()}
	d := appointmentDecider{}
	state := AppointmentState{Stage: AppointmentRequested}

	_, err := d.Decide(state, Command{CommandType: CmdMarkAppointmentNoShow}, clk)
	require.Error(t, err)
	de, ok := AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, InvAppointmentActionableState, de.Code)
}
