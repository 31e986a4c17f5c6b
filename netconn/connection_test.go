package netconn

import (
	"net"
	"testing"
	"time"

	"github.com/otcheredev/dicom-assoc-client/internal/logging"
	"github.com/otcheredev/dicom-assoc-client/pdu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T) (*Connection, *Connection) {
	t.Helper()
	c1, c2 := net.Pipe()
	return &Connection{conn: c1, log: logging.For("test")}, &Connection{conn: c2, log: logging.For("test")}
}

func TestWriteReadPDURoundTrip(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		done <- client.WritePDU(pdu.TypeAssociateRQ, []byte("payload"), time.Second)
	}()

	raw, err := server.ReadPDU()
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, pdu.TypeAssociateRQ, raw.Type)
	assert.Equal(t, []byte("payload"), raw.Payload)
}

func TestWritePDUTimeout(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	err := client.WritePDU(pdu.TypeAbort, make([]byte, 16), 20*time.Millisecond)
	require.Error(t, err)
	var wt *WriteTimeoutError
	assert.ErrorAs(t, err, &wt)
}

func TestCloseIsIdempotent(t *testing.T) {
	client, server := pipePair(t)
	defer server.Close()

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
}
