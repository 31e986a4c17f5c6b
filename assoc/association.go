// Package assoc implements the DICOM upper-layer association state machine
// for a client: Idle -> Requesting -> Established -> Releasing -> Closed,
// with Aborted/Rejected reachable as documented in spec §4.3. It owns one
// netconn.Connection. State is guarded by a mutex; one reader goroutine per
// association performs every read from the connection and reports inbound
// P-DATA, release and abort over channels, while SendPData, Release and
// Abort write from the calling goroutine.
package assoc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/dicom-assoc-client/dcmerrors"
	"github.com/otcheredev/dicom-assoc-client/internal/logging"
	"github.com/otcheredev/dicom-assoc-client/netconn"
	"github.com/otcheredev/dicom-assoc-client/pdu"
	"github.com/rs/zerolog"
)

// ProposedContext is one abstract syntax plus its ordered (most-preferred
// first) candidate transfer syntaxes, proposed during association
// negotiation.
type ProposedContext struct {
	AbstractSyntax   string
	TransferSyntaxes []string
}

// PresentationContext is a negotiated context as recorded after
// A-ASSOCIATE-AC: the ID, the abstract syntax it was proposed for, the
// transfer syntax the peer actually chose, and the acceptance result.
type PresentationContext struct {
	ID             byte
	AbstractSyntax string
	TransferSyntax string
	Result         byte
}

// Accepted reports whether the peer accepted this context.
func (p PresentationContext) Accepted() bool {
	return p.Result == pdu.PresentationResultAccepted
}

// Config parameterizes Associate.
type Config struct {
	CallingAETitle    string
	CalledAETitle     string
	Addr              string // host:port
	ConnectTimeout    time.Duration
	MaxPDULength      uint32
	AsyncOpsInvoked   uint16
	AsyncOpsPerformed uint16
	ProposedContexts  []ProposedContext
	TLS               netconn.TLSConfig
	ImplementationUID string
	ImplementationVer string
}

// PDataEvent carries one inbound P-DATA-TF's PDVs to the DIMSE layer.
type PDataEvent struct {
	PDVs []pdu.PDV
}

// Association drives the upper-layer protocol for a single association
// instance. It is not reused across associations — a new Association is
// created for each Associate call, per spec §3's Association lifecycle.
type Association struct {
	id   string
	log  zerolog.Logger
	conn *netconn.Connection

	mu    sync.Mutex
	state State

	calledAET      string
	callingAET     string
	maxPDULength   uint32
	peerMaxPDU     uint32
	asyncInvoked   uint16
	asyncPerformed uint16
	contexts       []PresentationContext

	inbound   chan PDataEvent
	abortedCh chan *dcmerrors.AssociationAbortedError
	releasedC chan struct{}
	readerErr chan error

	writeDeadlineDefault time.Duration
}

// ID is an opaque identifier for log correlation, distinct from any
// protocol-level value.
func (a *Association) ID() string { return a.id }

// State returns the association's current lifecycle state.
func (a *Association) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Association) setState(s State) {
	a.mu.Lock()
	prev := a.state
	a.state = s
	a.mu.Unlock()
	a.log.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("association state transition")
}

// Contexts returns the negotiated presentation contexts recorded after
// A-ASSOCIATE-AC.
func (a *Association) Contexts() []PresentationContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]PresentationContext, len(a.contexts))
	copy(out, a.contexts)
	return out
}

// ContextIDFor returns the negotiated, accepted context ID for the given
// abstract syntax.
func (a *Association) ContextIDFor(abstractSyntax string) (byte, string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.contexts {
		if c.AbstractSyntax == abstractSyntax && c.Accepted() {
			return c.ID, c.TransferSyntax, true
		}
	}
	return 0, "", false
}

// PeerMaxPDULength returns the max_pdu_length the peer advertised in its
// A-ASSOCIATE-AC.
func (a *Association) PeerMaxPDULength() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peerMaxPDU
}

// AsyncOpsInvoked returns the negotiated asynchronous-operations-invoked
// window.
func (a *Association) AsyncOpsInvoked() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.asyncInvoked
}

// Inbound returns the channel on which reassembled P-DATA-TF PDV batches
// arrive while the association is Established.
func (a *Association) Inbound() <-chan PDataEvent { return a.inbound }

// Aborted returns a channel that receives exactly once if the association
// transitions to Aborted, either locally or from a peer A-ABORT.
func (a *Association) Aborted() <-chan *dcmerrors.AssociationAbortedError { return a.abortedCh }

func assignContextIDs(proposed []ProposedContext) []pdu.PresentationContextProposal {
	out := make([]pdu.PresentationContextProposal, 0, len(proposed))
	id := byte(1)
	for _, p := range proposed {
		out = append(out, pdu.PresentationContextProposal{
			ID:               id,
			AbstractSyntax:   p.AbstractSyntax,
			TransferSyntaxes: p.TransferSyntaxes,
		})
		id += 2 // context IDs are odd, PS3.8 §7.1.1.13
	}
	return out
}

// Associate opens a TCP (optionally TLS) connection, sends A-ASSOCIATE-RQ,
// and blocks until A-ASSOCIATE-AC, A-ASSOCIATE-RJ, or a connect/timeout
// failure resolves the Idle->Requesting transition (spec §4.3 row 1-3).
// On success the association is Established and its reader loop is
// running; on any other outcome no association is returned and the error is
// a dcmerrors.AssociationRejectedError (peer A-ASSOCIATE-RJ),
// dcmerrors.AssociationAbortedError (peer A-ABORT),
// dcmerrors.ProtocolViolationError (undecodable or unexpected reply) or
// dcmerrors.TransportError (dial or I/O failure).
func Associate(ctx context.Context, cfg Config) (*Association, error) {
	a := &Association{
		id:                   uuid.NewString(),
		log:                  logging.For("assoc"),
		state:                StateIdle,
		calledAET:            cfg.CalledAETitle,
		callingAET:           cfg.CallingAETitle,
		maxPDULength:         cfg.MaxPDULength,
		inbound:              make(chan PDataEvent, 8),
		abortedCh:            make(chan *dcmerrors.AssociationAbortedError, 1),
		releasedC:            make(chan struct{}, 1),
		readerErr:            make(chan error, 1),
		writeDeadlineDefault: 30 * time.Second,
	}

	conn, err := netconn.Dial(ctx, cfg.Addr, cfg.ConnectTimeout, cfg.TLS)
	if err != nil {
		a.setState(StateAborted)
		return nil, &dcmerrors.TransportError{Op: "dial", Err: err}
	}
	a.conn = conn
	a.setState(StateRequesting)

	rq := &pdu.AssociateRQ{
		CalledAETitle:        cfg.CalledAETitle,
		CallingAETitle:       cfg.CallingAETitle,
		PresentationContexts: assignContextIDs(cfg.ProposedContexts),
		MaxPDULength:         cfg.MaxPDULength,
		ImplementationUID:    cfg.ImplementationUID,
		ImplementationVer:    cfg.ImplementationVer,
		AsyncOpsInvoked:      cfg.AsyncOpsInvoked,
		AsyncOpsPerformed:    cfg.AsyncOpsPerformed,
	}

	if err := a.conn.WritePDU(pdu.TypeAssociateRQ, pdu.EncodeAssociateRQ(rq), a.writeDeadlineDefault); err != nil {
		a.conn.Close()
		a.setState(StateAborted)
		return nil, &dcmerrors.TransportError{Op: "write associate-rq", Err: err}
	}

	raw, err := a.conn.ReadPDU()
	if err != nil {
		a.conn.Close()
		a.setState(StateAborted)
		return nil, &dcmerrors.TransportError{Op: "read associate response", Err: err}
	}

	switch raw.Type {
	case pdu.TypeAssociateAC:
		ac, err := pdu.DecodeAssociateAC(raw.Payload)
		if err != nil {
			a.conn.Close()
			a.setState(StateAborted)
			return nil, &dcmerrors.ProtocolViolationError{Detail: err.Error()}
		}
		a.applyAssociateAC(ac, cfg.ProposedContexts)
		a.setState(StateEstablished)
		go a.readLoop()
		return a, nil

	case pdu.TypeAssociateRJ:
		rj, err := pdu.DecodeAssociateRJ(raw.Payload)
		if err != nil {
			a.conn.Close()
			a.setState(StateAborted)
			return nil, &dcmerrors.ProtocolViolationError{Detail: err.Error()}
		}
		a.conn.Close()
		a.setState(StateRejected)
		return nil, &dcmerrors.AssociationRejectedError{Result: rj.Result, Source: rj.Source, Reason: rj.Reason}

	case pdu.TypeAbort:
		ab, _ := pdu.DecodeAbort(raw.Payload)
		a.conn.Close()
		a.setState(StateAborted)
		reason := &dcmerrors.AssociationAbortedError{}
		if ab != nil {
			reason.Source, reason.Reason = ab.Source, ab.Reason
		}
		return nil, reason

	default:
		a.conn.Close()
		a.setState(StateAborted)
		return nil, &dcmerrors.ProtocolViolationError{Detail: fmt.Sprintf("unexpected PDU type 0x%02x during negotiation", raw.Type)}
	}
}

func (a *Association) applyAssociateAC(ac *pdu.AssociateAC, proposed []ProposedContext) {
	byID := make(map[byte]string, len(proposed))
	id := byte(1)
	for _, p := range proposed {
		byID[id] = p.AbstractSyntax
		id += 2
	}

	a.mu.Lock()
	a.peerMaxPDU = ac.MaxPDULength
	a.asyncInvoked = ac.AsyncOpsInvoked
	a.asyncPerformed = ac.AsyncOpsPerformed
	if a.asyncInvoked == 0 {
		a.asyncInvoked = 1
	}
	for _, pcr := range ac.PresentationContexts {
		a.contexts = append(a.contexts, PresentationContext{
			ID:             pcr.ID,
			AbstractSyntax: byID[pcr.ID],
			TransferSyntax: pcr.TransferSyntax,
			Result:         pcr.Result,
		})
	}
	a.mu.Unlock()
}

// readLoop owns all reads from the connection for the lifetime of the
// association; it is the only goroutine besides the caller that touches
// a.conn, so writes from SendPData/Release/Abort never race with it on the
// read side (net.Conn permits concurrent read/write from different
// goroutines).
func (a *Association) readLoop() {
	for {
		raw, err := a.conn.ReadPDU()
		if err != nil {
			a.handleReadFailure(err)
			return
		}

		switch raw.Type {
		case pdu.TypePDataTF:
			pdvs, err := pdu.DecodePDataTF(raw.Payload)
			if err != nil {
				a.abortLocally(pdu.AbortReasonInvalidPDUParamValue, &dcmerrors.ProtocolViolationError{Detail: err.Error()})
				return
			}
			select {
			case a.inbound <- PDataEvent{PDVs: pdvs}:
			default:
				a.log.Warn().Msg("inbound PDV buffer full, blocking reader until it drains")
				a.inbound <- PDataEvent{PDVs: pdvs}
			}

		case pdu.TypeReleaseRQ:
			// Only the service user side (this client) initiates release in
			// this core's scope; an unsolicited RQ from the peer is treated
			// as a collision and answered with RP before closing, matching
			// PS3.8's AR-4 action.
			a.conn.WritePDU(pdu.TypeReleaseRP, pdu.EncodeReleaseRP(), a.writeDeadlineDefault)
			a.conn.Close()
			a.setState(StateClosed)
			return

		case pdu.TypeReleaseRP:
			a.setState(StateClosed)
			a.conn.Close()
			select {
			case a.releasedC <- struct{}{}:
			default:
			}
			return

		case pdu.TypeAbort:
			ab, _ := pdu.DecodeAbort(raw.Payload)
			a.conn.Close()
			a.setState(StateAborted)
			info := &dcmerrors.AssociationAbortedError{}
			if ab != nil {
				info.Source, info.Reason = ab.Source, ab.Reason
			}
			select {
			case a.abortedCh <- info:
			default:
			}
			return

		default:
			a.abortLocally(pdu.AbortReasonUnexpectedPDU, &dcmerrors.ProtocolViolationError{Detail: fmt.Sprintf("unexpected PDU type 0x%02x while established", raw.Type)})
			return
		}
	}
}

func (a *Association) handleReadFailure(err error) {
	a.conn.Close()
	prev := a.State()
	if prev.IsTerminal() {
		return
	}
	a.setState(StateAborted)
	select {
	case a.abortedCh <- &dcmerrors.AssociationAbortedError{Local: true, Cause: &dcmerrors.TransportError{Op: "read", Err: err}}:
	default:
	}
}

func (a *Association) abortLocally(reason byte, cause error) {
	a.conn.WritePDU(pdu.TypeAbort, pdu.EncodeAbort(&pdu.Abort{Source: pdu.AbortSourceServiceUser, Reason: reason}), a.writeDeadlineDefault)
	a.conn.Close()
	a.setState(StateAborted)
	select {
	case a.abortedCh <- &dcmerrors.AssociationAbortedError{Local: true, Reason: reason, Cause: cause}:
	default:
	}
}

// SendPData writes one P-DATA-TF PDU carrying pdvs, honoring writeDeadline
// per spec §4.2 (a per-write deadline, not a whole-request deadline).
func (a *Association) SendPData(pdvs []pdu.PDV, writeDeadline time.Duration) error {
	if a.State() != StateEstablished {
		return &dcmerrors.ProtocolViolationError{Detail: fmt.Sprintf("send_pdata while %s", a.State())}
	}
	if err := a.conn.WritePDU(pdu.TypePDataTF, pdu.EncodePDataTF(pdvs), writeDeadline); err != nil {
		return &dcmerrors.TransportError{Op: "write p-data-tf", Err: err}
	}
	return nil
}

// Release sends A-RELEASE-RQ and blocks until A-RELEASE-RP arrives (the
// reader loop observes it and closes the connection) or ctx is done.
func (a *Association) Release(ctx context.Context) error {
	if a.State() != StateEstablished {
		return &dcmerrors.ProtocolViolationError{Detail: fmt.Sprintf("release while %s", a.State())}
	}
	a.setState(StateReleasing)
	if err := a.conn.WritePDU(pdu.TypeReleaseRQ, pdu.EncodeReleaseRQ(), a.writeDeadlineDefault); err != nil {
		return &dcmerrors.TransportError{Op: "write release-rq", Err: err}
	}

	select {
	case <-a.releasedC:
		return nil
	case info := <-a.abortedCh:
		return info
	case <-ctx.Done():
		a.Abort(pdu.AbortReasonNotSpecified)
		return ctx.Err()
	}
}

// Abort sends A-ABORT and tears down the connection immediately, from any
// live state.
func (a *Association) Abort(reason byte) {
	if !a.State().IsLive() {
		return
	}
	a.abortLocally(reason, nil)
}
