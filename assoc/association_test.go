package assoc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/otcheredev/dicom-assoc-client/dcmerrors"
	"github.com/otcheredev/dicom-assoc-client/pdu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return l
}

func readFullPDU(t *testing.T, conn net.Conn) *pdu.Raw {
	t.Helper()
	header := make([]byte, 6)
	_, err := readFull(conn, header)
	require.NoError(t, err)
	_, length, err := pdu.DecodeHeader(header)
	require.NoError(t, err)
	payload := make([]byte, length)
	if length > 0 {
		_, err = readFull(conn, payload)
		require.NoError(t, err)
	}
	raw, err := pdu.Decode(append(header, payload...))
	require.NoError(t, err)
	return raw
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func baseConfig(addr string) Config {
	return Config{
		CallingAETitle: "LOCAL_AE",
		CalledAETitle:  "REMOTE_AE",
		Addr:           addr,
		ConnectTimeout: time.Second,
		MaxPDULength:   16384,
		ProposedContexts: []ProposedContext{
			{AbstractSyntax: "1.2.840.10008.1.1", TransferSyntaxes: []string{"1.2.840.10008.1.2"}},
		},
	}
}

func TestAssociateSuccess(t *testing.T) {
	l := listen(t)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		raw := readFullPDU(t, conn)
		require.Equal(t, pdu.TypeAssociateRQ, raw.Type)

		ac := &pdu.AssociateAC{
			CalledAETitle:  "REMOTE_AE",
			CallingAETitle: "LOCAL_AE",
			MaxPDULength:   16384,
			PresentationContexts: []pdu.PresentationContextResult{
				{ID: 1, Result: pdu.PresentationResultAccepted, TransferSyntax: "1.2.840.10008.1.2"},
			},
		}
		frame := pdu.Encode(pdu.TypeAssociateAC, pdu.EncodeAssociateAC(ac))
		conn.Write(frame)
	}()

	assoc, err := Associate(context.Background(), baseConfig(l.Addr().String()))
	require.NoError(t, err)
	defer assoc.Abort(pdu.AbortReasonNotSpecified)

	assert.Equal(t, StateEstablished, assoc.State())
	ctxID, ts, ok := assoc.ContextIDFor("1.2.840.10008.1.1")
	require.True(t, ok)
	assert.Equal(t, byte(1), ctxID)
	assert.Equal(t, "1.2.840.10008.1.2", ts)
}

func TestAssociateRejected(t *testing.T) {
	l := listen(t)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		readFullPDU(t, conn)
		rj := &pdu.AssociateRJ{Result: 1, Source: 1, Reason: 7}
		conn.Write(pdu.Encode(pdu.TypeAssociateRJ, pdu.EncodeAssociateRJ(rj)))
	}()

	_, err := Associate(context.Background(), baseConfig(l.Addr().String()))
	require.Error(t, err)
	var rjErr *dcmerrors.AssociationRejectedError
	require.ErrorAs(t, err, &rjErr)
	assert.Equal(t, byte(7), rjErr.Reason)
}

func TestAssociateAbortedByPeerAfterEstablished(t *testing.T) {
	l := listen(t)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		readFullPDU(t, conn)
		ac := &pdu.AssociateAC{
			CalledAETitle: "REMOTE_AE", CallingAETitle: "LOCAL_AE", MaxPDULength: 16384,
			PresentationContexts: []pdu.PresentationContextResult{
				{ID: 1, Result: pdu.PresentationResultAccepted, TransferSyntax: "1.2.840.10008.1.2"},
			},
		}
		conn.Write(pdu.Encode(pdu.TypeAssociateAC, pdu.EncodeAssociateAC(ac)))
		time.Sleep(20 * time.Millisecond)
		ab := &pdu.Abort{Source: pdu.AbortSourceServiceProvider, Reason: pdu.AbortReasonNotSpecified}
		conn.Write(pdu.Encode(pdu.TypeAbort, pdu.EncodeAbort(ab)))
	}()

	assoc, err := Associate(context.Background(), baseConfig(l.Addr().String()))
	require.NoError(t, err)

	select {
	case info := <-assoc.Aborted():
		require.NotNil(t, info)
		assert.Equal(t, StateAborted, assoc.State())
	case <-time.After(time.Second):
		t.Fatal("expected abort notification")
	}
}
