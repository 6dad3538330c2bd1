package session

import (
	"fmt"

	"github.com/MrWong99/callwire/internal/link"
	"github.com/MrWong99/callwire/internal/report"
)

// Phase is the lifecycle position of a call session. Phases only move
// forward, except that a failed end-call returns to the running phase that
// matches the link status at that moment.
type Phase int

const (
	// PhaseIdle is a session that has not started.
	PhaseIdle Phase = iota

	// PhaseConnecting is a started call whose sockets are not both open.
	PhaseConnecting

	// PhaseInCall is a started call with both sockets open.
	PhaseInCall

	// PhaseEnding is an end-call request in flight.
	PhaseEnding

	// PhaseEnded is a call the backend confirmed as ended. The report job
	// runs in this phase.
	PhaseEnded

	// PhaseExiting is a session that was left; all resources are released.
	PhaseExiting
)

// String returns the human-readable name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseInCall:
		return "in_call"
	case PhaseEnding:
		return "ending"
	case PhaseEnded:
		return "ended"
	case PhaseExiting:
		return "exiting"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements [encoding.TextUnmarshaler].
func (p *Phase) UnmarshalText(b []byte) error {
	for q := PhaseIdle; q <= PhaseExiting; q++ {
		if q.String() == string(b) {
			*p = q
			return nil
		}
	}
	return fmt.Errorf("session: unknown phase %q", b)
}

// active reports whether the call is running (connecting or in call).
func (p Phase) active() bool { return p == PhaseConnecting || p == PhaseInCall }

// runningPhase is the active phase for link status s.
func runningPhase(s link.Status) Phase {
	if s == link.StatusConnected {
		return PhaseInCall
	}
	return PhaseConnecting
}

// Snapshot is a consistent view of the session state.
type Snapshot struct {
	SessionID     string
	Phase         Phase
	AudioEnabled  bool
	VideoEnabled  bool
	Status        link.Status
	RemotePlaying bool
	ReportLoading bool
	// Report is the state of the post-call report job. StateFailed covers a
	// backend that refused the job, including because the call had not ended.
	Report report.State
	// Rating is the report rating in [1, 3], or zero while unknown.
	Rating int
}

// CallEnded reports whether the call-ended latch is set.
func (s Snapshot) CallEnded() bool { return s.Phase >= PhaseEnded }
