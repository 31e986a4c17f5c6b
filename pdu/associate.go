package pdu

import (
	"encoding/binary"
	"strings"
)

// Item type codes for the variable items nested inside A-ASSOCIATE PDUs,
// PS3.8 table 9-12 onward.
const (
	itemApplicationContext    byte = 0x10
	itemPresentationContextRQ byte = 0x20
	itemPresentationContextAC byte = 0x21
	itemAbstractSyntax        byte = 0x30
	itemTransferSyntax        byte = 0x40
	itemUserInformation       byte = 0x50
	itemMaxPDULength          byte = 0x51
	itemImplementationUID     byte = 0x52
	itemImplementationVersion byte = 0x55
	itemAsyncOperations       byte = 0x53
)

// DefaultApplicationContextName is the only application context defined by
// PS3.8 for the DICOM upper-layer service.
const DefaultApplicationContextName = "1.2.840.10008.3.1.1.1"

// Presentation context acceptance results, PS3.8 table 9-18.
const (
	PresentationResultAccepted               byte = 0x00
	PresentationResultUserRejection          byte = 0x01
	PresentationResultNoReason               byte = 0x02
	PresentationResultAbstractSyntaxRejected byte = 0x03
	PresentationResultTransferSyntaxRejected byte = 0x04
)

// PresentationContextProposal is one proposed presentation context in an
// A-ASSOCIATE-RQ: an abstract syntax plus an ordered, most-preferred-first
// list of transfer syntaxes.
type PresentationContextProposal struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// PresentationContextResult is one negotiated presentation context as
// returned in an A-ASSOCIATE-AC.
type PresentationContextResult struct {
	ID             byte
	Result         byte
	TransferSyntax string
}

// AssociateRQ is the decoded/encodable form of an A-ASSOCIATE-RQ payload.
type AssociateRQ struct {
	CalledAETitle        string
	CallingAETitle       string
	ApplicationContext   string
	PresentationContexts []PresentationContextProposal
	MaxPDULength         uint32
	ImplementationUID    string
	ImplementationVer    string
	AsyncOpsInvoked      uint16
	AsyncOpsPerformed    uint16
}

// AssociateAC is the decoded/encodable form of an A-ASSOCIATE-AC payload.
type AssociateAC struct {
	CalledAETitle        string
	CallingAETitle       string
	ApplicationContext   string
	PresentationContexts []PresentationContextResult
	MaxPDULength         uint32
	ImplementationUID    string
	ImplementationVer    string
	AsyncOpsInvoked      uint16
	AsyncOpsPerformed    uint16
}

// AssociateRJ is the decoded/encodable form of an A-ASSOCIATE-RJ payload,
// PS3.8 table 9-21.
type AssociateRJ struct {
	Result byte // 1 = rejected-permanent, 2 = rejected-transient
	Source byte
	Reason byte
}

func padAET(title string) []byte {
	b := make([]byte, 16)
	for i := range b {
		b[i] = ' '
	}
	copy(b, []byte(title))
	return b
}

func trimAET(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}

func putItem(buf []byte, itemType byte, value []byte) []byte {
	header := make([]byte, 4)
	header[0] = itemType
	header[1] = 0x00
	binary.BigEndian.PutUint16(header[2:4], uint16(len(value)))
	buf = append(buf, header...)
	buf = append(buf, value...)
	return buf
}

// EncodeAssociateRQ serializes an AssociateRQ into an A-ASSOCIATE-RQ PDU
// payload (without the 6-octet PDU header).
func EncodeAssociateRQ(rq *AssociateRQ) []byte {
	appContext := rq.ApplicationContext
	if appContext == "" {
		appContext = DefaultApplicationContextName
	}

	payload := make([]byte, 0, 256)
	payload = append(payload, 0x00, 0x01) // protocol version
	payload = append(payload, 0x00, 0x00) // reserved
	payload = append(payload, padAET(rq.CalledAETitle)...)
	payload = append(payload, padAET(rq.CallingAETitle)...)
	payload = append(payload, make([]byte, 32)...) // reserved

	payload = putItem(payload, itemApplicationContext, []byte(appContext))

	for _, pc := range rq.PresentationContexts {
		var sub []byte
		sub = putItem(sub, itemAbstractSyntax, []byte(pc.AbstractSyntax))
		for _, ts := range pc.TransferSyntaxes {
			sub = putItem(sub, itemTransferSyntax, []byte(ts))
		}
		pcValue := make([]byte, 4)
		pcValue[0] = pc.ID
		pcValue = append(pcValue, sub...)
		payload = putItem(payload, itemPresentationContextRQ, pcValue)
	}

	payload = putItem(payload, itemUserInformation, encodeUserInformation(rq.MaxPDULength, rq.ImplementationUID, rq.ImplementationVer, rq.AsyncOpsInvoked, rq.AsyncOpsPerformed))

	return payload
}

func encodeUserInformation(maxPDU uint32, implUID, implVer string, asyncInvoked, asyncPerformed uint16) []byte {
	var sub []byte

	maxPDUValue := make([]byte, 4)
	binary.BigEndian.PutUint32(maxPDUValue, maxPDU)
	sub = putItem(sub, itemMaxPDULength, maxPDUValue)

	if implUID != "" {
		sub = putItem(sub, itemImplementationUID, []byte(implUID))
	}
	if implVer != "" {
		sub = putItem(sub, itemImplementationVersion, []byte(implVer))
	}
	if asyncInvoked != 0 || asyncPerformed != 0 {
		asyncValue := make([]byte, 4)
		binary.BigEndian.PutUint16(asyncValue[0:2], asyncInvoked)
		binary.BigEndian.PutUint16(asyncValue[2:4], asyncPerformed)
		sub = putItem(sub, itemAsyncOperations, asyncValue)
	}
	return sub
}

// DecodeAssociateRQ parses an A-ASSOCIATE-RQ payload (the bytes after the
// 6-octet PDU header).
func DecodeAssociateRQ(payload []byte) (*AssociateRQ, error) {
	if len(payload) < 68 {
		return nil, malformed("associate-rq payload too short: %d", len(payload))
	}
	rq := &AssociateRQ{
		CalledAETitle:  trimAET(payload[4:20]),
		CallingAETitle: trimAET(payload[20:36]),
	}

	offset := 68
	for offset+4 <= len(payload) {
		itemType := payload[offset]
		itemLen := int(binary.BigEndian.Uint16(payload[offset+2 : offset+4]))
		valueStart := offset + 4
		valueEnd := valueStart + itemLen
		if valueEnd > len(payload) {
			return nil, malformed("item at offset %d exceeds payload", offset)
		}
		value := payload[valueStart:valueEnd]

		switch itemType {
		case itemApplicationContext:
			rq.ApplicationContext = string(value)
		case itemPresentationContextRQ:
			pc, err := decodePresentationContextProposal(value)
			if err != nil {
				return nil, err
			}
			rq.PresentationContexts = append(rq.PresentationContexts, *pc)
		case itemUserInformation:
			decodeUserInformation(value, &rq.MaxPDULength, &rq.ImplementationUID, &rq.ImplementationVer, &rq.AsyncOpsInvoked, &rq.AsyncOpsPerformed)
		}

		offset = valueEnd
	}

	return rq, nil
}

func decodePresentationContextProposal(data []byte) (*PresentationContextProposal, error) {
	if len(data) < 4 {
		return nil, malformed("presentation context item too short: %d", len(data))
	}
	pc := &PresentationContextProposal{ID: data[0]}

	offset := 4
	for offset+4 <= len(data) {
		subType := data[offset]
		subLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		valueStart := offset + 4
		valueEnd := valueStart + subLen
		if valueEnd > len(data) {
			return nil, malformed("presentation context %d sub-item exceeds bounds", pc.ID)
		}
		value := data[valueStart:valueEnd]
		switch subType {
		case itemAbstractSyntax:
			pc.AbstractSyntax = string(value)
		case itemTransferSyntax:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, string(value))
		}
		offset = valueEnd
	}
	return pc, nil
}

func decodeUserInformation(data []byte, maxPDU *uint32, implUID, implVer *string, asyncInvoked, asyncPerformed *uint16) {
	offset := 0
	for offset+4 <= len(data) {
		subType := data[offset]
		subLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		valueStart := offset + 4
		valueEnd := valueStart + subLen
		if valueEnd > len(data) {
			break
		}
		value := data[valueStart:valueEnd]
		switch subType {
		case itemMaxPDULength:
			if len(value) == 4 {
				*maxPDU = binary.BigEndian.Uint32(value)
			}
		case itemImplementationUID:
			*implUID = string(value)
		case itemImplementationVersion:
			*implVer = string(value)
		case itemAsyncOperations:
			if len(value) == 4 {
				*asyncInvoked = binary.BigEndian.Uint16(value[0:2])
				*asyncPerformed = binary.BigEndian.Uint16(value[2:4])
			}
		}
		offset = valueEnd
	}
}

// EncodeAssociateAC serializes an AssociateAC into an A-ASSOCIATE-AC PDU
// payload (without the 6-octet PDU header).
func EncodeAssociateAC(ac *AssociateAC) []byte {
	appContext := ac.ApplicationContext
	if appContext == "" {
		appContext = DefaultApplicationContextName
	}

	payload := make([]byte, 0, 256)
	payload = append(payload, 0x00, 0x01)
	payload = append(payload, 0x00, 0x00)
	payload = append(payload, padAET(ac.CalledAETitle)...)
	payload = append(payload, padAET(ac.CallingAETitle)...)
	payload = append(payload, make([]byte, 32)...)

	payload = putItem(payload, itemApplicationContext, []byte(appContext))

	for _, pc := range ac.PresentationContexts {
		sub := []byte{pc.ID, 0x00, pc.Result, 0x00}
		sub = putItem(sub, itemTransferSyntax, []byte(pc.TransferSyntax))
		payload = putItem(payload, itemPresentationContextAC, sub)
	}

	payload = putItem(payload, itemUserInformation, encodeUserInformation(ac.MaxPDULength, ac.ImplementationUID, ac.ImplementationVer, ac.AsyncOpsInvoked, ac.AsyncOpsPerformed))

	return payload
}

// DecodeAssociateAC parses an A-ASSOCIATE-AC payload.
func DecodeAssociateAC(payload []byte) (*AssociateAC, error) {
	if len(payload) < 68 {
		return nil, malformed("associate-ac payload too short: %d", len(payload))
	}
	ac := &AssociateAC{
		CalledAETitle:  trimAET(payload[4:20]),
		CallingAETitle: trimAET(payload[20:36]),
	}

	offset := 68
	for offset+4 <= len(payload) {
		itemType := payload[offset]
		itemLen := int(binary.BigEndian.Uint16(payload[offset+2 : offset+4]))
		valueStart := offset + 4
		valueEnd := valueStart + itemLen
		if valueEnd > len(payload) {
			return nil, malformed("item at offset %d exceeds payload", offset)
		}
		value := payload[valueStart:valueEnd]

		switch itemType {
		case itemApplicationContext:
			ac.ApplicationContext = string(value)
		case itemPresentationContextAC:
			if len(value) < 4 {
				return nil, malformed("presentation context result item too short")
			}
			pcr := PresentationContextResult{ID: value[0], Result: value[2]}
			subOffset := 4
			for subOffset+4 <= len(value) {
				subType := value[subOffset]
				subLen := int(binary.BigEndian.Uint16(value[subOffset+2 : subOffset+4]))
				vs := subOffset + 4
				ve := vs + subLen
				if ve > len(value) {
					break
				}
				if subType == itemTransferSyntax {
					pcr.TransferSyntax = string(value[vs:ve])
				}
				subOffset = ve
			}
			ac.PresentationContexts = append(ac.PresentationContexts, pcr)
		case itemUserInformation:
			decodeUserInformation(value, &ac.MaxPDULength, &ac.ImplementationUID, &ac.ImplementationVer, &ac.AsyncOpsInvoked, &ac.AsyncOpsPerformed)
		}

		offset = valueEnd
	}

	return ac, nil
}

// EncodeAssociateRJ serializes an AssociateRJ into an A-ASSOCIATE-RJ PDU
// payload (without the 6-octet PDU header).
func EncodeAssociateRJ(rj *AssociateRJ) []byte {
	return []byte{0x00, rj.Result, rj.Source, rj.Reason}
}

// DecodeAssociateRJ parses an A-ASSOCIATE-RJ payload.
func DecodeAssociateRJ(payload []byte) (*AssociateRJ, error) {
	if len(payload) != 4 {
		return nil, malformed("associate-rj payload must be 4 bytes, got %d", len(payload))
	}
	return &AssociateRJ{Result: payload[1], Source: payload[2], Reason: payload[3]}, nil
}
