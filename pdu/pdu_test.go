package pdu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeHeaderRoundTrip(t *testing.T) {
	frame := Encode(TypeAssociateRQ, []byte("hello"))
	raw, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, TypeAssociateRQ, raw.Type)
	assert.Equal(t, []byte("hello"), raw.Payload)
}

func TestDecodeHeaderUnknownType(t *testing.T) {
	_, _, err := DecodeHeader([]byte{0xFF, 0x00, 0x00, 0x00, 0x00, 0x00})
	require.Error(t, err)
	var mp *MalformedPduError
	assert.ErrorAs(t, err, &mp)
}

func TestDecodeHeaderTruncated(t *testing.T) {
	_, _, err := DecodeHeader([]byte{0x01, 0x00})
	require.Error(t, err)
}

func TestAssociateRQRoundTrip(t *testing.T) {
	rq := &AssociateRQ{
		CalledAETitle:  "REMOTE_AE",
		CallingAETitle: "LOCAL_AE",
		PresentationContexts: []PresentationContextProposal{
			{ID: 1, AbstractSyntax: "1.2.840.10008.1.1", TransferSyntaxes: []string{"1.2.840.10008.1.2", "1.2.840.10008.1.2.1"}},
		},
		MaxPDULength:      16384,
		ImplementationUID: "1.2.3.4.5",
		AsyncOpsInvoked:   5,
		AsyncOpsPerformed: 5,
	}

	encoded := EncodeAssociateRQ(rq)
	decoded, err := DecodeAssociateRQ(encoded)
	require.NoError(t, err)

	assert.Equal(t, rq.CalledAETitle, decoded.CalledAETitle)
	assert.Equal(t, rq.CallingAETitle, decoded.CallingAETitle)
	assert.Equal(t, rq.MaxPDULength, decoded.MaxPDULength)
	assert.Equal(t, rq.ImplementationUID, decoded.ImplementationUID)
	assert.Equal(t, rq.AsyncOpsInvoked, decoded.AsyncOpsInvoked)
	require.Len(t, decoded.PresentationContexts, 1)
	assert.Equal(t, byte(1), decoded.PresentationContexts[0].ID)
	assert.Equal(t, "1.2.840.10008.1.1", decoded.PresentationContexts[0].AbstractSyntax)
	assert.Equal(t, []string{"1.2.840.10008.1.2", "1.2.840.10008.1.2.1"}, decoded.PresentationContexts[0].TransferSyntaxes)
}

func TestAssociateACRoundTrip(t *testing.T) {
	ac := &AssociateAC{
		CalledAETitle:  "REMOTE_AE",
		CallingAETitle: "LOCAL_AE",
		PresentationContexts: []PresentationContextResult{
			{ID: 1, Result: PresentationResultAccepted, TransferSyntax: "1.2.840.10008.1.2"},
		},
		MaxPDULength: 16384,
	}
	encoded := EncodeAssociateAC(ac)
	decoded, err := DecodeAssociateAC(encoded)
	require.NoError(t, err)
	require.Len(t, decoded.PresentationContexts, 1)
	assert.Equal(t, PresentationResultAccepted, decoded.PresentationContexts[0].Result)
	assert.Equal(t, "1.2.840.10008.1.2", decoded.PresentationContexts[0].TransferSyntax)
	assert.Equal(t, ac.MaxPDULength, decoded.MaxPDULength)
}

func TestAssociateRJRoundTrip(t *testing.T) {
	rj := &AssociateRJ{Result: 1, Source: 1, Reason: 3}
	decoded, err := DecodeAssociateRJ(EncodeAssociateRJ(rj))
	require.NoError(t, err)
	assert.Equal(t, rj, decoded)
}

func TestAbortRoundTrip(t *testing.T) {
	a := &Abort{Source: AbortSourceServiceProvider, Reason: AbortReasonUnexpectedPDU}
	decoded, err := DecodeAbort(EncodeAbort(a))
	require.NoError(t, err)
	assert.Equal(t, a, decoded)
}

func TestReleaseRoundTrip(t *testing.T) {
	require.NoError(t, DecodeReleaseRQ(EncodeReleaseRQ()))
	require.NoError(t, DecodeReleaseRP(EncodeReleaseRP()))
}

func TestPDataTFRoundTrip(t *testing.T) {
	pdvs := []PDV{
		{ContextID: 1, IsCommand: true, IsLast: true, Data: []byte{0x01, 0x02}},
		{ContextID: 1, IsCommand: false, IsLast: false, Data: []byte{0x03, 0x04, 0x05}},
		{ContextID: 1, IsCommand: false, IsLast: true, Data: []byte{0x06}},
	}
	decoded, err := DecodePDataTF(EncodePDataTF(pdvs))
	require.NoError(t, err)
	assert.Equal(t, pdvs, decoded)
}

func TestFragmentStreamRespectsMaxLength(t *testing.T) {
	data := make([]byte, 10)
	for i := range data {
		data[i] = byte(i)
	}
	pdvs := FragmentStream(3, false, data, 4)
	require.Len(t, pdvs, 3)
	assert.False(t, pdvs[0].IsLast)
	assert.False(t, pdvs[1].IsLast)
	assert.True(t, pdvs[2].IsLast)

	var reassembled []byte
	for _, p := range pdvs {
		reassembled = append(reassembled, p.Data...)
	}
	assert.Equal(t, data, reassembled)
}

func TestFragmentStreamEmptyData(t *testing.T) {
	pdvs := FragmentStream(1, true, nil, 100)
	require.Len(t, pdvs, 1)
	assert.True(t, pdvs[0].IsLast)
	assert.Empty(t, pdvs[0].Data)
}

func TestReassemblerAccumulatesUntilLast(t *testing.T) {
	r := NewReassembler()
	r.Add(PDV{IsCommand: true, IsLast: false, Data: []byte("ab")})
	assert.False(t, r.CommandReady())
	r.Add(PDV{IsCommand: true, IsLast: true, Data: []byte("cd")})
	assert.True(t, r.CommandReady())
	assert.Equal(t, []byte("abcd"), r.Command())

	assert.False(t, r.Done(true))
	r.Add(PDV{IsCommand: false, IsLast: true, Data: []byte("dataset")})
	assert.True(t, r.Done(true))
	assert.Equal(t, []byte("dataset"), r.Data())
}

func TestMaxFragmentPayload(t *testing.T) {
	assert.Equal(t, 16372, MaxFragmentPayload(16384))
	assert.Equal(t, 0, MaxFragmentPayload(4))
}
