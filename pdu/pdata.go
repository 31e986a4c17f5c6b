package pdu

import "encoding/binary"

// PDV (Presentation Data Value) message control header bits, PS3.8 §9.3.5.1.
const (
	controlBitIsCommand    byte = 0x01
	controlBitLastFragment byte = 0x02
)

// PDV is one presentation data value carried inside a P-DATA-TF PDU.
type PDV struct {
	ContextID   byte
	IsCommand   bool
	IsLast      bool
	Data        []byte
}

func (p PDV) controlHeader() byte {
	var h byte
	if p.IsLast {
		h |= controlBitLastFragment
	}
	if p.IsCommand {
		h |= controlBitIsCommand
	}
	return h
}

// EncodePDataTF serializes one or more PDVs into a P-DATA-TF PDU payload.
func EncodePDataTF(pdvs []PDV) []byte {
	payload := make([]byte, 0, 128)
	for _, pdv := range pdvs {
		itemLen := uint32(2 + len(pdv.Data))
		header := make([]byte, 4)
		binary.BigEndian.PutUint32(header, itemLen)
		payload = append(payload, header...)
		payload = append(payload, pdv.ContextID, pdv.controlHeader())
		payload = append(payload, pdv.Data...)
	}
	return payload
}

// DecodePDataTF parses a P-DATA-TF PDU payload into its constituent PDVs.
func DecodePDataTF(payload []byte) ([]PDV, error) {
	var pdvs []PDV
	offset := 0
	for offset+4 <= len(payload) {
		itemLen := binary.BigEndian.Uint32(payload[offset : offset+4])
		if itemLen < 2 {
			return nil, malformed("PDV item length %d too small", itemLen)
		}
		start := offset + 4
		end := start + int(itemLen)
		if end > len(payload) {
			return nil, malformed("PDV item exceeds P-DATA-TF payload bounds")
		}
		contextID := payload[start]
		control := payload[start+1]
		data := payload[start+2 : end]
		pdvs = append(pdvs, PDV{
			ContextID: contextID,
			IsCommand: control&controlBitIsCommand != 0,
			IsLast:    control&controlBitLastFragment != 0,
			Data:      data,
		})
		offset = end
	}
	if offset != len(payload) {
		return nil, malformed("trailing bytes after last PDV item")
	}
	return pdvs, nil
}

// FragmentStream splits data into one or more PDVs no larger than
// maxFragment bytes each, all tagged with contextID/isCommand, with IsLast
// set only on the final fragment. Used by the DIMSE layer to fragment a
// command or dataset stream across P-DATA-TF PDUs respecting the peer's
// negotiated max_pdu_length.
func FragmentStream(contextID byte, isCommand bool, data []byte, maxFragment int) []PDV {
	if maxFragment <= 0 {
		maxFragment = len(data)
		if maxFragment == 0 {
			maxFragment = 1
		}
	}
	if len(data) == 0 {
		return []PDV{{ContextID: contextID, IsCommand: isCommand, IsLast: true, Data: nil}}
	}

	var pdvs []PDV
	for offset := 0; offset < len(data); offset += maxFragment {
		end := offset + maxFragment
		if end > len(data) {
			end = len(data)
		}
		pdvs = append(pdvs, PDV{
			ContextID: contextID,
			IsCommand: isCommand,
			IsLast:    end == len(data),
			Data:      data[offset:end],
		})
	}
	return pdvs
}

// GroupForPDU packs pdvs into successive groups, each sized so its encoded
// P-DATA-TF PDU (header plus every PDV's 4-byte item length, 1-byte context
// ID, 1-byte control header, and data) does not exceed maxPDULength. A
// single oversized PDV still gets its own group rather than being dropped;
// callers that pre-fragment with MaxFragmentPayload never hit that case.
func GroupForPDU(pdvs []PDV, maxPDULength uint32) [][]PDV {
	budget := int(maxPDULength) - pduOverhead
	if budget <= 0 {
		budget = 1
	}

	var groups [][]PDV
	var current []PDV
	used := 0
	for _, p := range pdvs {
		cost := pdvOverhead + len(p.Data)
		if len(current) > 0 && used+cost > budget {
			groups = append(groups, current)
			current = nil
			used = 0
		}
		current = append(current, p)
		used += cost
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

// Reassembler accumulates PDVs for a single context ID's command and data
// streams until each is marked IsLast, matching the DIMSE layer's inbound
// accumulation rule in spec §4.4.
type Reassembler struct {
	command []byte
	data    []byte
	cmdDone bool
	dataDone bool
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Add feeds one PDV into the reassembler.
func (r *Reassembler) Add(pdv PDV) {
	if pdv.IsCommand {
		r.command = append(r.command, pdv.Data...)
		if pdv.IsLast {
			r.cmdDone = true
		}
		return
	}
	r.data = append(r.data, pdv.Data...)
	if pdv.IsLast {
		r.dataDone = true
	}
}

// CommandReady reports whether the command stream has seen its last
// fragment.
func (r *Reassembler) CommandReady() bool { return r.cmdDone }

// Done reports whether the command stream has been fully reassembled and,
// when expectDataset is true, the data stream has seen its last fragment as
// well. When expectDataset is false the data stream is not consulted.
func (r *Reassembler) Done(expectDataset bool) bool {
	if !r.cmdDone {
		return false
	}
	if !expectDataset {
		return true
	}
	return r.dataDone
}

// Command returns the reassembled command stream bytes.
func (r *Reassembler) Command() []byte { return r.command }

// Data returns the reassembled data stream bytes.
func (r *Reassembler) Data() []byte { return r.data }
