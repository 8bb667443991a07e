package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/kernel/pkg/clock"
)

func TestPatientRegistration_RegisterRequiresContact(t *testing.T) {
	clk := clock.Fixed{At: time.Now()}
	d := patientRegistrationDecider{}
	state := d.InitialState()

	_, err := d.Decide(state, Command{
		CommandType: CmdRegisterPatient,
		Payload:     mustPayload(t, registerPatientPayload{GivenName: "Ada", FamilyName: "Lovelace"}),
	}, clk)

	require.Error(t, err)
	de, ok := AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, InvPatientContactInvalid, de.Code)
}

func TestPatientRegistration_ContactUpdateRejectedAfterDeath(t *testing.T) {
	clk := clock.Fixed{At: time.Now()}
	d := patientRegistrationDecider{}
	state := PatientRegistrationState{Stage: PatientDeceased}

	_, err := d.Decide(state, Command{
		CommandType: CmdUpdatePatientContact,
		Payload:     mustPayload(t, updateContactPayload{Contact: contactInfo{Phone: "555-0100"}}),
	}, clk)

	require.Error(t, err)
	de, ok := AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, InvPatientTerminalState, de.Code)
}

func TestPatientRegistration_DeathRecordedOnceFromActive(t *testing.T) {
	clk := clock.Fixed{At: time.Now()}
	d := patientRegistrationDecider{}
	state := PatientRegistrationState{Stage: PatientDeceased}

	_, err := d.Decide(state, Command{CommandType: CmdRecordPatientDeath}, clk)
	require.Error(t, err)
	de, ok := AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, InvPatientTerminalOnce, de.Code)
}

func TestPatientRegistration_RegisterHappyPath(t *testing.T) {
	clk := clock.Fixed{At: time.Now()}
	d := patientRegistrationDecider{}
	state := d.InitialState()

	drafts, err := d.Decide(state, Command{
		CommandType: CmdRegisterPatient,
		Payload: mustPayload(t, registerPatientPayload{
			GivenName:  "Ada",
			FamilyName: "Lovelace",
			Contact:    contactInfo{Email: "ada@example.org"},
		}),
	}, clk)

	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "PatientRegistered", drafts[0].EventType)
}
