// Package pdu encodes and decodes the seven DICOM upper-layer PDU types
// defined by PS3.8 §9.3. Every function here is a pure transform on bytes —
// the package performs no I/O; netconn owns the socket.
package pdu

import (
	"encoding/binary"
	"fmt"
)

// Upper-layer PDU types, PS3.8 table 9-1.
const (
	TypeAssociateRQ byte = 0x01
	TypeAssociateAC byte = 0x02
	TypeAssociateRJ byte = 0x03
	TypePDataTF     byte = 0x04
	TypeReleaseRQ   byte = 0x05
	TypeReleaseRP   byte = 0x06
	TypeAbort       byte = 0x07
)

// headerLen is the fixed 1-type + 1-reserved + 4-length-octet PDU header.
const headerLen = 6

// pduOverhead and pdvOverhead are the per-PDU and per-PDV framing costs a
// caller must subtract from max_pdu_length to size command/dataset
// fragments correctly.
const (
	pduOverhead = 6
	pdvOverhead = 6
)

// MalformedPduError reports truncated input, a reserved-field violation, or
// an unrecognized PDU type — the three documented decode failure modes.
type MalformedPduError struct {
	Reason string
}

func (e *MalformedPduError) Error() string {
	return fmt.Sprintf("malformed PDU: %s", e.Reason)
}

func malformed(format string, args ...interface{}) error {
	return &MalformedPduError{Reason: fmt.Sprintf(format, args...)}
}

// Raw is a decoded-but-untyped PDU: its type byte and payload (the bytes
// following the 6-byte header). Callers further decode the payload with the
// type-specific functions below.
type Raw struct {
	Type    byte
	Payload []byte
}

// Encode wraps a payload with the 6-octet upper-layer PDU header.
func Encode(pduType byte, payload []byte) []byte {
	buf := make([]byte, headerLen+len(payload))
	buf[0] = pduType
	buf[1] = 0x00
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(payload)))
	copy(buf[6:], payload)
	return buf
}

// DecodeHeader parses the fixed 6-byte header and reports the payload
// length still to be read from the stream. It does not consume payload
// bytes; netconn uses it to know how many more bytes to read.
func DecodeHeader(header []byte) (pduType byte, payloadLen uint32, err error) {
	if len(header) < headerLen {
		return 0, 0, malformed("header too short: %d bytes", len(header))
	}
	switch header[0] {
	case TypeAssociateRQ, TypeAssociateAC, TypeAssociateRJ, TypePDataTF,
		TypeReleaseRQ, TypeReleaseRP, TypeAbort:
	default:
		return 0, 0, malformed("unknown PDU type 0x%02x", header[0])
	}
	return header[0], binary.BigEndian.Uint32(header[2:6]), nil
}

// Decode parses a complete framed PDU (header + payload already read off the
// wire) into a Raw envelope.
func Decode(frame []byte) (*Raw, error) {
	pduType, payloadLen, err := DecodeHeader(frame)
	if err != nil {
		return nil, err
	}
	if uint32(len(frame)-headerLen) != payloadLen {
		return nil, malformed("length field %d does not match payload %d", payloadLen, len(frame)-headerLen)
	}
	return &Raw{Type: pduType, Payload: frame[headerLen:]}, nil
}

// MaxFragmentPayload returns the largest single PDV value field usable
// without exceeding maxPDULength, accounting for the outer PDU header and
// one PDV header.
func MaxFragmentPayload(maxPDULength uint32) int {
	usable := int(maxPDULength) - pduOverhead - pdvOverhead
	if usable < 0 {
		return 0
	}
	return usable
}
