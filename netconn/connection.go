// Package netconn is a thin framing layer over a net.Conn: it reads and
// writes whole upper-layer PDUs and enforces per-write deadlines. It never
// interprets PDU payloads — that is pdu's and assoc's job.
package netconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/otcheredev/dicom-assoc-client/internal/logging"
	"github.com/otcheredev/dicom-assoc-client/pdu"
	"github.com/rs/zerolog"
)

func loadCAPool(caFile string) (*x509.CertPool, error) {
	if caFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates parsed from %s", caFile)
	}
	return pool, nil
}

// WriteTimeoutError reports that a write_pdu deadline elapsed before the
// kernel accepted all bytes.
type WriteTimeoutError struct {
	Deadline time.Duration
}

func (e *WriteTimeoutError) Error() string {
	return fmt.Sprintf("write PDU exceeded deadline of %s", e.Deadline)
}

func (e *WriteTimeoutError) Timeout() bool { return true }

// TLSConfig carries the TLS material named in the configuration table
// (tls.*): certificate/key pair, CA bundle, and the server name used for
// certificate verification.
type TLSConfig struct {
	Enabled    bool
	CertFile   string
	KeyFile    string
	CAFile     string
	ServerName string
}

// Connection is a thin abstraction over a TCP stream, optionally wrapped in
// TLS, exposing read_pdu/write_pdu/close exactly per spec §4.2. It performs
// no PDU-level interpretation beyond framing.
type Connection struct {
	conn   net.Conn
	log    zerolog.Logger
	closed bool
}

// Dial opens a TCP connection to addr, optionally upgrading to TLS, within
// connectTimeout.
func Dial(ctx context.Context, addr string, connectTimeout time.Duration, tlsCfg TLSConfig) (*Connection, error) {
	dialer := &net.Dialer{Timeout: connectTimeout}

	var conn net.Conn
	var err error
	if tlsCfg.Enabled {
		cert, cErr := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
		if tlsCfg.CertFile != "" && cErr != nil {
			return nil, fmt.Errorf("load TLS keypair: %w", cErr)
		}
		conf := &tls.Config{ServerName: tlsCfg.ServerName, MinVersion: tls.VersionTLS12}
		if tlsCfg.CertFile != "" {
			conf.Certificates = []tls.Certificate{cert}
		}
		if pool, pErr := loadCAPool(tlsCfg.CAFile); pErr == nil && pool != nil {
			conf.RootCAs = pool
		}
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: conf}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	return &Connection{conn: conn, log: logging.For("netconn")}, nil
}

// WritePDU encodes and writes a complete PDU, failing with WriteTimeoutError
// if writeDeadline elapses before all bytes are accepted by the kernel.
// Per spec §4.2 this deadline governs a single write call, not the whole
// logical request — a large C-STORE composed of many PDUs may legitimately
// take far longer end to end.
func (c *Connection) WritePDU(pduType byte, payload []byte, writeDeadline time.Duration) error {
	frame := pdu.Encode(pduType, payload)

	if writeDeadline > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	if _, err := c.conn.Write(frame); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return &WriteTimeoutError{Deadline: writeDeadline}
		}
		return fmt.Errorf("write PDU: %w", err)
	}

	c.log.Debug().Uint8("pdu_type", pduType).Int("bytes", len(frame)).Msg("wrote PDU")
	return nil
}

// ReadPDU blocks until a full PDU is framed or the peer closes the
// connection.
func (c *Connection) ReadPDU() (*pdu.Raw, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read PDU header: %w", err)
	}

	pduType, payloadLen, err := pdu.DecodeHeader(header)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return nil, fmt.Errorf("read PDU payload: %w", err)
		}
	}

	c.log.Debug().Uint8("pdu_type", pduType).Int("bytes", len(payload)).Msg("read PDU")
	return &pdu.Raw{Type: pduType, Payload: payload}, nil
}

// Close idempotently closes the underlying socket.
func (c *Connection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// RemoteAddr exposes the peer's socket address for logging/diagnostics.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
