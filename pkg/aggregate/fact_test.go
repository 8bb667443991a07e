package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/kernel/pkg/clock"
	"github.com/clinicore/kernel/pkg/event"
)

func TestFactDecider_RecordsOnce(t *testing.T) {
	clk := clock.Fixed{At: time.Now()}
	d := factDecider{kind: event.AggregateVitalSigns, commandType: CmdRecordVitalSigns, eventType: "VitalSignsRecorded"}
	state := d.InitialState()

	drafts, err := d.Decide(state, Command{
		CommandType:   CmdRecordVitalSigns,
		AggregateType: event.AggregateVitalSigns,
		Payload:       mustPayload(t, factCommon{PatientID: "patient-1"}),
	}, clk)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "VitalSignsRecorded", drafts[0].EventType)

	state = d.Apply(state, envelopeFromDraft(t, drafts[0], 1))

	_, err = d.Decide(state, Command{
		CommandType: CmdRecordVitalSigns,
		Payload:     mustPayload(t, factCommon{PatientID: "patient-1"}),
	}, clk)
	require.Error(t, err)
}

func TestFactDecider_RequiresPatientID(t *testing.T) {
	clk := clock.Fixed{At: time.Now()}
	d := factDecider{kind: event.AggregateSymptom, commandType: CmdReportSymptom, eventType: "SymptomReported"}
	state := d.InitialState()

	_, err := d.Decide(state, Command{CommandType: CmdReportSymptom, Payload: mustPayload(t, factCommon{})}, clk)
	require.Error(t, err)
}

func TestFactDecider_RejectsUnknownCommandType(t *testing.T) {
	clk := clock.Fixed{At: time.Now()}
	d := factDecider{kind: event.AggregateSymptom, commandType: CmdReportSymptom, eventType: "SymptomReported"}
	state := d.InitialState()

	_, err := d.Decide(state, Command{CommandType: "SomeOtherCommand", Payload: mustPayload(t, factCommon{PatientID: "patient-1"})}, clk)
	require.Error(t, err)
}

func TestRegistry_AllFourteenKindsRegistered(t *testing.T) {
	kinds := []event.AggregateType{
		event.AggregatePatientRegistration, event.AggregateEncounter, event.AggregateDiagnosis,
		event.AggregateClinicalNote, event.AggregateAppointment, event.AggregateAllergyRecord,
		event.AggregateDuplicateResolution, event.AggregateVitalSigns, event.AggregateSymptom,
		event.AggregateExaminationFinding, event.AggregateLabResult, event.AggregateProcedure,
		event.AggregateReferral, event.AggregateTreatmentPlan,
	}
	for _, k := range kinds {
		_, ok := For(k)
		assert.True(t, ok, "expected %s to be registered", k)
	}
}
