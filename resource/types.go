package resource

// Handle is an opaque reference to a resource in a table.
// Handle 0 is reserved and always invalid.
type Handle uint32

// Kind identifies the type of a resource for type-checked lookups.
type Kind uint32

const (
	KindPollable Kind = iota
	KindError
	KindNetwork
	KindTCPSocket
)

func (k Kind) String() string {
	switch k {
	case KindPollable:
		return "pollable"
	case KindError:
		return "error"
	case KindNetwork:
		return "network"
	case KindTCPSocket:
		return "tcp-socket"
	default:
		return "unknown"
	}
}

// EventType enumerates resource lifecycle notifications.
type EventType uint8

const (
	EventCreated EventType = iota
	EventDropped
)

// Event represents a resource lifecycle event.
type Event struct {
	Value  any
	Handle Handle
	Kind   Kind
	Type   EventType
}

// Observer receives notifications about resource lifecycle events.
type Observer interface {
	OnResourceEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnResourceEvent(e Event) { f(e) }

// Dropper is optionally implemented by resource values that need cleanup.
type Dropper interface {
	Drop()
}
