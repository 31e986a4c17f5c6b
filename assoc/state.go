package assoc

import "fmt"

// State is one of the reduced set of PS3.8 §9.2 association states this
// client implements (spec §4.3).
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateEstablished
	StateReleasing
	StateClosed
	StateAborted
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRequesting:
		return "Requesting"
	case StateEstablished:
		return "Established"
	case StateReleasing:
		return "Releasing"
	case StateClosed:
		return "Closed"
	case StateAborted:
		return "Aborted"
	case StateRejected:
		return "Rejected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsTerminal reports whether no further transition is legal from s.
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateAborted || s == StateRejected
}

// IsLive reports whether an association in state s has an open connection
// that a local or peer abort can still tear down.
func (s State) IsLive() bool {
	return s == StateRequesting || s == StateEstablished || s == StateReleasing
}

// event names the stimulus driving a transition, as carried by
// illegalTransitionError — the transition table itself is encoded directly
// in association.go's methods, which enumerate a reduced, client-only
// subset of the PS3.8
// sta01..sta13/evt01..evt19 state machine.
type event string

const (
	eventAssociate     event = "associate"
	eventAssociateAC   event = "associate-ac"
	eventAssociateRJ   event = "associate-rj"
	eventConnectFail   event = "connect-fail"
	eventSendPData     event = "send-pdata"
	eventRecvPData     event = "recv-pdata"
	eventRelease       event = "release"
	eventReleaseRP     event = "release-rp"
	eventAbortReceived event = "abort-received"
	eventLocalAbort    event = "local-abort"
)

// illegalTransitionError reports an attempted transition the reduced state
// table does not permit — a protocol violation.
type illegalTransitionError struct {
	from  State
	event event
}

func (e *illegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: event %q in state %s", e.event, e.from)
}
