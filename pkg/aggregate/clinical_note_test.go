package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/kernel/pkg/clock"
	"github.com/clinicore/kernel/pkg/ids"
)

func TestClinicalNote_SelfCosignRejected(t *testing.T) {
	clk := clock.Fixed{At: time.Now()}
	d := clinicalNoteDecider{}
	author := ids.NewOpaqueID()
	state := ClinicalNoteState{Stage: NoteAuthored, PatientID: "patient-1", AuthorID: author.String()}

	_, err := d.Decide(state, Command{
		CommandType: CmdCosignNote,
		PerformedBy: author,
	}, clk)

	require.Error(t, err)
	de, ok := AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, InvNoteCosignSelf, de.Code)
}

func TestClinicalNote_CosignByDifferentAuthorSucceeds(t *testing.T) {
	clk := clock.Fixed{At: time.Now()}
	d := clinicalNoteDecider{}
	author := ids.NewOpaqueID()
	cosigner := ids.NewOpaqueID()
	state := ClinicalNoteState{Stage: NoteAuthored, PatientID: "patient-1", AuthorID: author.String()}

	drafts, err := d.Decide(state, Command{
		CommandType: CmdCosignNote,
		PerformedBy: cosigner,
	}, clk)

	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "NoteCosigned", drafts[0].EventType)
}

func TestClinicalNote_CosignOnce(t *testing.T) {
	clk := clock.Fixed{At: time.Now()}
	d := clinicalNoteDecider{}
	state := ClinicalNoteState{Stage: NoteCosigned, AuthorID: "author-1", CosignedBy: "cosigner-1"}

	_, err := d.Decide(state, Command{
		CommandType: CmdCosignNote,
		PerformedBy: ids.NewOpaqueID(),
	}, clk)

	require.Error(t, err)
	de, ok := AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, InvNoteCosignOnce, de.Code)
}

func TestClinicalNote_AddendumRequiresAuthor(t *testing.T) {
	clk := clock.Fixed{At: time.Now()}
	d := clinicalNoteDecider{}
	state := d.InitialState()

	_, err := d.Decide(state, Command{
		CommandType: CmdAddAddendum,
		Payload:     mustPayload(t, addendumPayload{Body: "more detail"}),
	}, clk)

	require.Error(t, err)
	de, ok := AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, InvNoteAddendumRequiresAuthor, de.Code)
}
