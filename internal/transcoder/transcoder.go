// Package transcoder implements the Transcoder external collaborator named
// in spec §6: the dispatcher calls it for any request carrying a data
// dataset whose native transfer syntax differs from the one negotiated for
// its presentation context.
package transcoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/suyashkumar/dicom"
)

// ErrUnsupportedTranscode is returned for any conversion this core doesn't
// implement — general pixel-data compression transcoding (e.g. JPEG
// baseline <-> RLE) is dataset/codec territory explicitly out of scope per
// spec §1.
var ErrUnsupportedTranscode = errors.New("transcoder: unsupported transfer syntax conversion")

const (
	implicitVRLittleEndian = "1.2.840.10008.1.2"
	explicitVRLittleEndian = "1.2.840.10008.1.2.1"
)

// Transcoder converts data set bytes from one transfer syntax to another.
type Transcoder interface {
	Transcode(ctx context.Context, data []byte, from, to string) ([]byte, error)
}

// VRLETranscoder is a pass-through for the identity case plus an implicit
// <-> explicit VR little-endian converter, backed by re-parsing and
// re-writing the dataset with github.com/suyashkumar/dicom.
type VRLETranscoder struct{}

// NewVRLETranscoder returns the default Transcoder.
func NewVRLETranscoder() *VRLETranscoder { return &VRLETranscoder{} }

// Transcode converts data from one transfer syntax to another.
func (VRLETranscoder) Transcode(ctx context.Context, data []byte, from, to string) ([]byte, error) {
	if from == to {
		return data, nil
	}

	supported := map[string]bool{implicitVRLittleEndian: true, explicitVRLittleEndian: true}
	if !supported[from] || !supported[to] {
		return nil, fmt.Errorf("%w: %s -> %s", ErrUnsupportedTranscode, from, to)
	}

	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		return nil, fmt.Errorf("transcoder: parse source dataset: %w", err)
	}

	var out bytes.Buffer
	if err := dicom.Write(&out, ds); err != nil {
		return nil, fmt.Errorf("transcoder: write target dataset: %w", err)
	}
	return out.Bytes(), nil
}
