package dialog

import "fmt"

// State is the dialog lifecycle state, per spec.md §4.B.
type State int

const (
	// Unconfirmed is the initial state: dialog created, no reply seen yet.
	Unconfirmed State = iota
	// Early is set after a 1xx provisional reply.
	Early
	// ConfirmedNoAck is set after a 2xx final reply, before the ACK arrives.
	ConfirmedNoAck
	// Confirmed is set once the ACK for the 2xx has been observed.
	Confirmed
	// Deleted is the terminal state.
	Deleted
)

func (s State) String() string {
	switch s {
	case Unconfirmed:
		return "unconfirmed"
	case Early:
		return "early"
	case ConfirmedNoAck:
		return "confirmed-no-ack"
	case Confirmed:
		return "confirmed"
	case Deleted:
		return "deleted"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ParseState maps an RPC-supplied state name back to a State, for the
// set-state control surface operation (spec.md §6, §9 Open Question b).
func ParseState(name string) (State, bool) {
	switch name {
	case "unconfirmed":
		return Unconfirmed, true
	case "early":
		return Early, true
	case "confirmed-no-ack":
		return ConfirmedNoAck, true
	case "confirmed":
		return Confirmed, true
	case "deleted":
		return Deleted, true
	default:
		return 0, false
	}
}

// validTransitions enumerates the monotone transition table of spec.md §4.B.
// Every legal next-state for a given current state is listed; the state
// machine never regresses (invariant 2 of spec.md §3).
var validTransitions = map[State][]State{
	Unconfirmed:    {Early, ConfirmedNoAck, Confirmed, Deleted},
	Early:          {ConfirmedNoAck, Confirmed, Deleted},
	ConfirmedNoAck: {Confirmed, Deleted},
	Confirmed:      {Confirmed, Deleted}, // self-loop: in-dialog traffic rearms the timer
	Deleted:        {},
}

// CanTransitionTo reports whether s -> next is a legal monotone transition.
func (s State) CanTransitionTo(next State) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	for _, st := range allowed {
		if st == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether this is the Deleted terminal state.
func (s State) IsTerminal() bool {
	return s == Deleted
}

// EndReason records why a dialog reached Deleted, for callbacks and CDR-ish
// reporting via the events package.
type EndReason int

const (
	EndReasonNone EndReason = iota
	// EndReasonFailed is a >=300 final reply received before confirmation.
	EndReasonFailed
	// EndReasonBye is a BYE observed from either leg.
	EndReasonBye
	// EndReasonExpired is a timer-ring expiry (no-ACK, end-timeout, or ka-failed-limit).
	EndReasonExpired
	// EndReasonError is an internal/downstream error that forced termination.
	EndReasonError
)

func (r EndReason) String() string {
	switch r {
	case EndReasonFailed:
		return "failed"
	case EndReasonBye:
		return "bye"
	case EndReasonExpired:
		return "expired"
	case EndReasonError:
		return "error"
	default:
		return "none"
	}
}
