package dispatch

import "fmt"

// State is the dispatch lane state of a Queue.
//
//	Idle ──submit──▶ Buffering ──flush──▶ Idle (tick armed)
//	Idle ──tick──▶ Dispatching ──ok/fail──▶ Idle
//	Dispatching ──429──▶ Backoff ──deadline──▶ Idle
//	Dispatching ──404──▶ Invalid (terminal)
//	any ──shutdown──▶ Draining ──manual cycle──▶ Dispatching ──▶ Draining
//
// Buffering is reported when the lane is Idle but the buffer holds messages;
// it is never stored.
type State int

const (
	StateIdle State = iota
	StateBuffering
	StateDispatching
	StateBackoff
	StateDraining
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StateDispatching:
		return "dispatching"
	case StateBackoff:
		return "backoff"
	case StateDraining:
		return "draining"
	case StateInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// canDispatch is the guard into StateDispatching. Manual cycles may enter
// from Draining; timer ticks may not.
func (s State) canDispatch(manual bool) bool {
	switch s {
	case StateIdle, StateBackoff:
		return true
	case StateDraining:
		return manual
	default:
		return false
	}
}
