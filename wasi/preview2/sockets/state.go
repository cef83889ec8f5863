package sockets

import "net/netip"

// State is the lifecycle state of a TCP socket.
type State uint8

const (
	StateUnbound State = iota
	StateBindInProgress
	StateBound
	StateListenInProgress
	StateListening
	StateConnectInProgress
	StateConnected
	StateClosed
)

var stateNames = [...]string{
	StateUnbound:           "unbound",
	StateBindInProgress:    "bind-in-progress",
	StateBound:             "bound",
	StateListenInProgress:  "listen-in-progress",
	StateListening:         "listening",
	StateConnectInProgress: "connect-in-progress",
	StateConnected:         "connected",
	StateClosed:            "closed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "invalid"
}

// InProgress reports whether s is one of the *-in-progress states.
func (s State) InProgress() bool {
	return s == StateBindInProgress || s == StateListenInProgress || s == StateConnectInProgress
}

// States lists every state in declaration order.
func States() []State {
	return []State{
		StateUnbound, StateBindInProgress, StateBound, StateListenInProgress,
		StateListening, StateConnectInProgress, StateConnected, StateClosed,
	}
}

// Operation names the two-phase operation occupying a socket's pending slot.
type Operation uint8

const (
	OperationNone Operation = iota
	OperationBind
	OperationConnect
	OperationListen
)

func (o Operation) String() string {
	switch o {
	case OperationBind:
		return "bind"
	case OperationConnect:
		return "connect"
	case OperationListen:
		return "listen"
	default:
		return "none"
	}
}

// pendingOperation is the single-slot record of an in-flight start/finish pair.
type pendingOperation struct {
	target netip.AddrPort
	op     Operation
	revert State
}

func (p pendingOperation) active() bool { return p.op != OperationNone }

// inProgressState maps a pending operation to the state it holds the socket in.
func (o Operation) inProgressState() State {
	switch o {
	case OperationBind:
		return StateBindInProgress
	case OperationConnect:
		return StateConnectInProgress
	case OperationListen:
		return StateListenInProgress
	}
	return StateUnbound
}
