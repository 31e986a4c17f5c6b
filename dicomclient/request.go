package dicomclient

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// RequestState is a DicomRequest's lifecycle per spec §3: Pending ->
// InFlight -> {Completed | TimedOut | Failed}, never re-entering a prior
// state.
type RequestState int

const (
	StatePending RequestState = iota
	StateInFlight
	StateCompleted
	StateTimedOut
	StateFailed
)

func (s RequestState) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateInFlight:
		return "InFlight"
	case StateCompleted:
		return "Completed"
	case StateTimedOut:
		return "TimedOut"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

func (s RequestState) isTerminal() bool {
	return s == StateCompleted || s == StateTimedOut || s == StateFailed
}

// DicomResponse is one DIMSE response correlated to its request by message
// ID (spec §3). For multi-response operations, Pending responses do not
// terminate the request.
type DicomResponse struct {
	MessageID uint16
	Status    uint16
	Pending   bool
	Dataset   []byte
}

// DicomRequest is one queued DIMSE operation (spec §3's DicomRequest).
type DicomRequest struct {
	MessageID       uint16
	CorrelationID   uuid.UUID
	SOPClassUID     string
	CommandField    uint16
	MoveDestination string
	Priority        uint16
	MultiResponse   bool

	// Dataset is the outbound data dataset, already encoded in
	// NativeTransferSyntax; the dispatcher transcodes it to the negotiated
	// transfer syntax if they differ (spec §6's Transcoder collaborator).
	Dataset               []byte
	NativeTransferSyntax  string
	AffectedSOPInstanceUID string

	mu           sync.Mutex
	state        RequestState
	lastActivity time.Time
	err          error
	cancelled    bool

	responses chan *DicomResponse
	done      chan struct{}
}

func newRequest(sopClassUID string, commandField uint16, multiResponse bool) *DicomRequest {
	return &DicomRequest{
		SOPClassUID:   sopClassUID,
		CommandField:  commandField,
		MultiResponse: multiResponse,
		Priority:      0x0000, // medium, PS3.7
		CorrelationID: uuid.New(),
		state:         StatePending,
		responses:     make(chan *DicomResponse, 4),
		done:          make(chan struct{}),
	}
}

// Responses returns the channel of inbound responses; it is closed once the
// request reaches a terminal state.
func (r *DicomRequest) Responses() <-chan *DicomResponse { return r.responses }

// Done is closed exactly once, when the request reaches a terminal state.
func (r *DicomRequest) Done() <-chan struct{} { return r.done }

// State returns the request's current lifecycle state.
func (r *DicomRequest) State() RequestState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the terminal error, if any (nil for a Completed request).
func (r *DicomRequest) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Cancel requests cancellation of this specific request. If it has not yet
// been transmitted, the dispatcher fails it with a CancelledError instead of
// sending it. If it is InFlight on a multi-response operation, the
// dispatcher sends a C-CANCEL-RQ on its presentation context and fails the
// request with a CancelledError when the peer's Cancel status arrives. An
// InFlight single-response request is not affected.
func (r *DicomRequest) Cancel() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
}

func (r *DicomRequest) cancelRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// markInFlight transitions Pending -> InFlight and stamps last_activity_at,
// per invariant 2.
func (r *DicomRequest) markInFlight(now time.Time) {
	r.mu.Lock()
	r.state = StateInFlight
	r.lastActivity = now
	r.mu.Unlock()
}

func (r *DicomRequest) touch(now time.Time) {
	r.mu.Lock()
	r.lastActivity = now
	r.mu.Unlock()
}

func (r *DicomRequest) silenceSince(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return now.Sub(r.lastActivity)
}

// deliver pushes a non-terminal (Pending) response to the caller without
// altering lifecycle state beyond touching last_activity_at.
func (r *DicomRequest) deliver(resp *DicomResponse, now time.Time) {
	r.touch(now)
	select {
	case r.responses <- resp:
	default:
		// Buffer full: block the caller until the consumer reads. No
		// response is dropped.
		r.responses <- resp
	}
}

// finishTerminal delivers a terminal response (if any) and transitions to
// state, dropping the transition if the request already reached a terminal
// state (second terminal event is a no-op, per the idempotence invariant).
func (r *DicomRequest) finishTerminal(state RequestState, resp *DicomResponse, err error) bool {
	r.mu.Lock()
	if r.state.isTerminal() {
		r.mu.Unlock()
		return false
	}
	r.state = state
	r.err = err
	r.mu.Unlock()

	if resp != nil {
		r.responses <- resp
	}
	close(r.responses)
	close(r.done)
	return true
}
