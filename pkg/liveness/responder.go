package liveness

import (
	"github.com/hashicorp/go-hclog"

	"timer-link/pkg/link"
	"timer-link/pkg/wire"
)

// Sender is the part of link.Session the responder uses.
type Sender interface {
	SendDurable(p wire.Payload, d link.Durability) error
	SendOrFallback(p wire.Payload, d link.Durability) link.Route
}

// Responder answers every ping with a pong carrying the same id.
type Responder struct {
	link Sender
	log  hclog.Logger
}

func NewResponder(l Sender, log hclog.Logger) *Responder {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Responder{link: l, log: log.Named("responder")}
}

// Handle replies on the path the ping arrived on.
func (r *Responder) Handle(in link.Inbound) {
	id, err := wire.DecodePing(in.Payload)
	if err != nil {
		r.log.Debug("dropping malformed ping", "error", err)
		return
	}
	pong := wire.EncodePong(id)
	switch {
	case in.Reply != nil:
		in.Reply(pong)
	case in.Channel == link.ChannelDirect:
		route := r.link.SendOrFallback(pong, link.DurableQueue)
		r.log.Debug("pong sent", "id", id, "route", route)
	default:
		if err := r.link.SendDurable(pong, link.DurableQueue); err != nil {
			r.log.Warn("pong not sent", "id", id, "error", err)
		}
	}
}
