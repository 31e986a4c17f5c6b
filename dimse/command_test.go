package dimse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeCommandRoundTrip(t *testing.T) {
	cmd := &Command{
		CommandField:        CommandCFindRQ,
		MessageID:           7,
		Priority:            0,
		CommandDataSetType:  DataSetTypePresent,
		AffectedSOPClassUID: "1.2.840.10008.5.1.4.1.2.2.1",
	}

	decoded, err := DecodeCommand(EncodeCommand(cmd))
	require.NoError(t, err)
	assert.Equal(t, cmd.CommandField, decoded.CommandField)
	assert.Equal(t, cmd.MessageID, decoded.MessageID)
	assert.Equal(t, cmd.AffectedSOPClassUID, decoded.AffectedSOPClassUID)
	assert.True(t, decoded.HasDataSet())
}

func TestDecodeCommandResponseStatus(t *testing.T) {
	cmd := &Command{
		CommandField:              CommandCFindRSP,
		MessageIDBeingRespondedTo: 7,
		CommandDataSetType:        DataSetTypeNone,
		Status:                    StatusPending,
	}
	decoded, err := DecodeCommand(EncodeCommand(cmd))
	require.NoError(t, err)
	assert.Equal(t, uint16(7), decoded.MessageIDBeingRespondedTo)
	assert.True(t, decoded.IsPending())
	assert.False(t, decoded.HasDataSet())
}

func TestBuildPDVsFlushesCommandBeforeDataset(t *testing.T) {
	cmd := &Command{
		CommandField:        CommandCStoreRQ,
		MessageID:           1,
		CommandDataSetType:  DataSetTypePresent,
		AffectedSOPClassUID: "1.2.840.10008.5.1.4.1.1.2",
	}
	dataset := []byte("dataset-bytes")

	pdvs := BuildPDVs(5, cmd, dataset, 1024)
	require.NotEmpty(t, pdvs)
	assert.True(t, pdvs[0].IsCommand)

	var sawDataStart bool
	for _, p := range pdvs {
		if !p.IsCommand {
			sawDataStart = true
		}
		if sawDataStart {
			assert.False(t, p.IsCommand)
		}
	}
}

func TestDemultiplexerReassemblesAcrossFragments(t *testing.T) {
	cmd := &Command{
		CommandField:        CommandCStoreRQ,
		MessageID:           1,
		CommandDataSetType:  DataSetTypePresent,
		AffectedSOPClassUID: "1.2.840.10008.5.1.4.1.1.2",
	}
	dataset := []byte("0123456789abcdef")
	pdvs := BuildPDVs(3, cmd, dataset, 4)

	demux := NewDemultiplexer()
	var msg *Message
	for i, p := range pdvs {
		m, done, err := demux.Feed(p)
		require.NoError(t, err)
		if i < len(pdvs)-1 {
			assert.False(t, done)
		} else {
			require.True(t, done)
			msg = m
		}
	}

	require.NotNil(t, msg)
	assert.Equal(t, cmd.MessageID, msg.Command.MessageID)
	assert.Equal(t, dataset, msg.Dataset)
}

func TestDemultiplexerNoDatasetCompletesOnCommandAlone(t *testing.T) {
	cmd := &Command{
		CommandField:              CommandCEchoRSP,
		MessageIDBeingRespondedTo: 1,
		CommandDataSetType:        DataSetTypeNone,
		Status:                    StatusSuccess,
	}
	pdvs := BuildPDVs(1, cmd, nil, 1024)
	require.Len(t, pdvs, 1)

	demux := NewDemultiplexer()
	msg, done, err := demux.Feed(pdvs[0])
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, StatusSuccess, msg.Command.Status)
	assert.Empty(t, msg.Dataset)
}

func TestDemultiplexerHandlesInterleavedContexts(t *testing.T) {
	cmdA := &Command{CommandField: CommandCEchoRQ, MessageID: 1, CommandDataSetType: DataSetTypeNone}
	cmdB := &Command{CommandField: CommandCEchoRQ, MessageID: 2, CommandDataSetType: DataSetTypeNone}

	pdvsA := BuildPDVs(1, cmdA, nil, 4)
	pdvsB := BuildPDVs(3, cmdB, nil, 4)

	demux := NewDemultiplexer()

	var doneA, doneB bool
	for i := range pdvsA {
		_, dA, err := demux.Feed(pdvsA[i])
		require.NoError(t, err)
		_, dB, err := demux.Feed(pdvsB[i])
		require.NoError(t, err)
		doneA, doneB = dA, dB
	}
	assert.True(t, doneA)
	assert.True(t, doneB)
}
