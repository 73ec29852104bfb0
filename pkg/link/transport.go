// Package link owns the connection to the counterpart device: activation,
// reachability and pairing status, and the direct and durable send paths.
package link

import (
	"errors"

	"timer-link/pkg/model"
	"timer-link/pkg/wire"
)

var (
	ErrUnsupported  = errors.New("link not supported")
	ErrNotActivated = errors.New("link not activated")
	ErrNotReachable = errors.New("counterpart not reachable")
	ErrDisconnected = errors.New("link disconnected")
	ErrClosed       = errors.New("transport closed")
)

// Channel identifies how an inbound payload arrived.
type Channel string

const (
	ChannelDirect  Channel = "direct"
	ChannelQueue   Channel = "queue"
	ChannelContext Channel = "context"
)

// Durability selects the store-and-forward flavour.
type Durability int

const (
	// DurableContext is a single slot; a newer payload replaces an undelivered one.
	DurableContext Durability = iota
	// DurableQueue keeps every payload in order.
	DurableQueue
)

func (d Durability) String() string {
	if d == DurableQueue {
		return "queue"
	}
	return "context"
}

// Inbound is a payload received from the counterpart. Reply is non-nil only
// for direct requests that expect an answer.
type Inbound struct {
	Payload wire.Payload
	Channel Channel
	Reply   func(wire.Payload)
}

// EventKind distinguishes transport events.
type EventKind int

const (
	EventStatus EventKind = iota
	EventMessage
)

// Event is pushed by a transport from any goroutine.
type Event struct {
	Kind    EventKind
	Status  model.LinkStatus
	Inbound Inbound
}

// Handler receives transport events.
type Handler func(Event)

// Transport is the platform connection underneath a Session. Implementations
// must be safe for concurrent use; callbacks may run on any goroutine.
type Transport interface {
	SetHandler(Handler)
	Status() model.LinkStatus
	Activate() error
	// SendMessage delivers p immediately or fails. A non-nil reply asks the
	// counterpart to answer; onErr reports asynchronous delivery failure.
	SendMessage(p wire.Payload, reply func(wire.Payload), onErr func(error)) error
	TransferUserInfo(p wire.Payload) error
	UpdateApplicationContext(p wire.Payload) error
	Close() error
}

func clonePayload(p wire.Payload) wire.Payload {
	out := make(wire.Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
