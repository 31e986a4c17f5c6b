package datasetcodec

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

func TestSuyashkumarCodecEncodeDecodeRoundTrip(t *testing.T) {
	elem, err := dicom.NewElement(tag.PatientName, []string{"TEST^PATIENT"})
	require.NoError(t, err)
	ds := &dicom.Dataset{Elements: []*dicom.Element{elem}}

	codec := NewSuyashkumarCodec()
	encoded, err := codec.Encode(ds, "1.2.840.10008.1.2.1")
	require.NoError(t, err)
	require.NotEmpty(t, encoded)

	decoded, err := codec.Decode(encoded, "1.2.840.10008.1.2.1")
	require.NoError(t, err)
	require.Len(t, decoded.Elements, 1)
}
