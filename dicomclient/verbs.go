package dicomclient

import "github.com/otcheredev/dicom-assoc-client/dimse"

// Well-known SOP class UIDs this core's request constructors default to,
// PS3.4.
const (
	VerificationSOPClass                          = "1.2.840.10008.1.1"
	StudyRootQueryRetrieveInformationModelFind     = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootQueryRetrieveInformationModelMove     = "1.2.840.10008.5.1.4.1.2.2.2"
	StudyRootQueryRetrieveInformationModelGet      = "1.2.840.10008.5.1.4.1.2.2.3"
)

// NewCEcho builds a C-ECHO request (DICOM connectivity verification).
func NewCEcho() *DicomRequest {
	return newRequest(VerificationSOPClass, dimse.CommandCEchoRQ, false)
}

// NewCFind builds a C-FIND request against sopClassUID (defaulting to
// Study Root Find when empty) with an already-encoded identifier dataset.
func NewCFind(sopClassUID string, identifier []byte, transferSyntax string) *DicomRequest {
	if sopClassUID == "" {
		sopClassUID = StudyRootQueryRetrieveInformationModelFind
	}
	req := newRequest(sopClassUID, dimse.CommandCFindRQ, true)
	req.Dataset = identifier
	req.NativeTransferSyntax = transferSyntax
	return req
}

// NewCMove builds a C-MOVE request redirecting matches to moveDestination.
func NewCMove(sopClassUID, moveDestination string, identifier []byte, transferSyntax string) *DicomRequest {
	if sopClassUID == "" {
		sopClassUID = StudyRootQueryRetrieveInformationModelMove
	}
	req := newRequest(sopClassUID, dimse.CommandCMoveRQ, true)
	req.MoveDestination = moveDestination
	req.Dataset = identifier
	req.NativeTransferSyntax = transferSyntax
	return req
}

// NewCGet builds a C-GET request (retrieve over the same association).
func NewCGet(sopClassUID string, identifier []byte, transferSyntax string) *DicomRequest {
	if sopClassUID == "" {
		sopClassUID = StudyRootQueryRetrieveInformationModelGet
	}
	req := newRequest(sopClassUID, dimse.CommandCGetRQ, true)
	req.Dataset = identifier
	req.NativeTransferSyntax = transferSyntax
	return req
}

// NewCStore builds a C-STORE request for one composite instance.
func NewCStore(sopClassUID, sopInstanceUID string, dataset []byte, transferSyntax string) *DicomRequest {
	req := newRequest(sopClassUID, dimse.CommandCStoreRQ, false)
	req.AffectedSOPInstanceUID = sopInstanceUID
	req.Dataset = dataset
	req.NativeTransferSyntax = transferSyntax
	return req
}
