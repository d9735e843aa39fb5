package ranging

import (
	"fmt"

	"github.com/danmuck/uwbctl/internal/protocol/bundle"
)

// State is the controller's lifecycle state.
type State uint8

const (
	StateIdle State = iota
	StateConfigured
	StateOpening
	StateOpen
	StateStarting
	StateActive
	StateReconfiguring
	StateStopping
	StateStopped
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfigured:
		return "configured"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateReconfiguring:
		return "reconfiguring"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Transient reports whether s waits on an engine event.
func (s State) Transient() bool {
	switch s {
	case StateOpening, StateStarting, StateReconfiguring, StateStopping, StateClosing:
		return true
	default:
		return false
	}
}

// opened reports whether the engine holds a session for the handle in s.
func (s State) opened() bool {
	switch s {
	case StateOpen, StateStarting, StateActive, StateReconfiguring, StateStopping, StateStopped, StateClosing:
		return true
	default:
		return false
	}
}

type opKind uint8

const (
	opOpen opKind = iota + 1
	opStart
	opReconfigure
	opStop
	opClose
)

func (k opKind) String() string {
	switch k {
	case opOpen:
		return "open"
	case opStart:
		return "start"
	case opReconfigure:
		return "reconfigure"
	case opStop:
		return "stop"
	case opClose:
		return "close"
	default:
		return "unknown"
	}
}

func (k opKind) transient() State {
	switch k {
	case opOpen:
		return StateOpening
	case opStart:
		return StateStarting
	case opReconfigure:
		return StateReconfiguring
	case opStop:
		return StateStopping
	default:
		return StateClosing
	}
}

// pendingOp is the engine call the controller is waiting on.
type pendingOp struct {
	kind   opKind
	from   State
	params *bundle.Bundle
}
