// Package datasetcodec defines the dataset codec external collaborator and
// ships one implementation backed by github.com/suyashkumar/dicom. It
// handles only the data-set half of a DIMSE exchange (the negotiated
// transfer syntax); the small, fixed-tag command set is encoded/decoded by
// the dimse package directly, since it is not a transcodable dataset.
package datasetcodec

import (
	"bytes"
	"fmt"

	"github.com/suyashkumar/dicom"
)

// Codec encodes/decodes data datasets in a given transfer syntax, per
// spec §6's "Dataset codec (external collaborator)".
type Codec interface {
	// Encode serializes a dataset to octets in the given transfer syntax.
	Encode(ds *dicom.Dataset, transferSyntaxUID string) ([]byte, error)
	// Decode parses octets (already known to be in transferSyntaxUID) into
	// a dataset.
	Decode(data []byte, transferSyntaxUID string) (*dicom.Dataset, error)
}

// SuyashkumarCodec is the Codec implementation used by this client.
type SuyashkumarCodec struct{}

// NewSuyashkumarCodec returns the default Codec.
func NewSuyashkumarCodec() *SuyashkumarCodec { return &SuyashkumarCodec{} }

// Encode writes ds as a DICOM data set stream (no File Meta group — the
// transfer syntax has already been negotiated and is carried out of band
// by the presentation context, not re-derived from file meta information).
func (SuyashkumarCodec) Encode(ds *dicom.Dataset, transferSyntaxUID string) ([]byte, error) {
	var buf bytes.Buffer
	if err := dicom.Write(&buf, *ds); err != nil {
		return nil, fmt.Errorf("datasetcodec: encode dataset (transfer syntax %s): %w", transferSyntaxUID, err)
	}
	return buf.Bytes(), nil
}

// Decode parses a raw data set stream into a dicom.Dataset.
func (SuyashkumarCodec) Decode(data []byte, transferSyntaxUID string) (*dicom.Dataset, error) {
	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		return nil, fmt.Errorf("datasetcodec: decode dataset (transfer syntax %s): %w", transferSyntaxUID, err)
	}
	return &ds, nil
}
