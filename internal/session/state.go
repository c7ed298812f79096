package session

import (
	"errors"
	"time"
)

// State is the connection state of one bed.
type State int

const (
	Disconnected State = iota
	Connecting
	HandshakePending
	Authorized
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case HandshakePending:
		return "handshake-pending"
	case Authorized:
		return "authorized"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	ErrNotAuthorized = errors.New("session: not authorized")
	ErrPINRejected   = errors.New("session: pin rejected")
	ErrUnavailable   = errors.New("session: bed unavailable")
	ErrClosed        = errors.New("session: closed")

	// errStale marks a request whose state gate closed while it was queued.
	errStale = errors.New("session: state changed before write")
)

// Transition is delivered to the host, in order, for every state change.
type Transition struct {
	From      State
	To        State
	Err       error
	SessionID string
	At        time.Time
}

// Status is a point-in-time view of the session.
type Status struct {
	State        State
	SessionID    string
	AuthorizedAt time.Time
	Confirmed    bool // the bed explicitly acknowledged the PIN
	PINProven    bool // the PIN has held a link past the reject window
	Err          error
}
