// Package timersync mirrors the primary's timer onto the companion: the
// Broadcaster publishes state, the Receiver applies it and follows the
// session lifecycle.
package timersync

import (
	"github.com/hashicorp/go-hclog"

	"timer-link/pkg/link"
	"timer-link/pkg/model"
	"timer-link/pkg/wire"
)

// Sender is satisfied by link.Session.
type Sender interface {
	SendOrFallbackFunc(p wire.Payload, d link.Durability, onLate func(link.Route)) link.Route
}

type Options struct {
	// Dedupe omits an unchanged exercise while running.
	Dedupe bool
	Logger hclog.Logger
}

// Broadcaster publishes timer state over the context path.
type Broadcaster struct {
	link   Sender
	dedupe bool
	log    hclog.Logger

	sent     bool
	lastMode model.Mode
	lastRun  bool
	lastEx   string
}

func NewBroadcaster(l Sender, opts Options) *Broadcaster {
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	return &Broadcaster{link: l, dedupe: opts.Dedupe, log: opts.Logger.Named("broadcaster")}
}

// Publish sends msg, preferring the direct path.
func (b *Broadcaster) Publish(msg model.TimerWireMessage) link.Route {
	msg = b.shape(msg)
	route := b.link.SendOrFallbackFunc(wire.EncodeTimerState(msg), link.DurableContext, b.forget)
	if route == link.RouteDropped {
		b.log.Debug("timer state dropped", "phase", msg.Phase)
		return route
	}
	if route != link.RouteDirect {
		// a coalesced slot may replace what the receiver last saw
		b.sent = false
		return route
	}
	b.remember(msg)
	return route
}

func (b *Broadcaster) shape(msg model.TimerWireMessage) model.TimerWireMessage {
	if msg.DisplaySeconds < 0 {
		msg.DisplaySeconds = 0
	}
	if msg.Phase == model.PhaseIdle {
		return model.TimerWireMessage{Mode: msg.Mode, Phase: model.PhaseIdle}
	}
	if !b.dedupe || msg.Phase != model.PhaseRunning {
		return msg
	}
	continuing := b.sent && b.lastRun && b.lastMode == msg.Mode
	switch {
	case msg.Exercise != nil && continuing && *msg.Exercise == b.lastEx && b.lastEx != "":
		msg.Exercise = nil
	case msg.Exercise == nil && continuing && b.lastEx != "":
		msg.Exercise = model.StringPtr("")
	}
	return msg
}

// forget runs when a direct send failed after Publish returned; the
// receiver may now see a coalesced copy, so the next message is sent whole.
func (b *Broadcaster) forget(route link.Route) {
	b.log.Debug("direct timer state fell back", "route", route)
	b.sent = false
}

func (b *Broadcaster) remember(msg model.TimerWireMessage) {
	running := msg.Phase == model.PhaseRunning
	if !running || msg.Exercise != nil || !b.lastRun || b.lastMode != msg.Mode {
		b.lastEx = msg.ExerciseText()
	}
	b.sent = true
	b.lastMode = msg.Mode
	b.lastRun = running
}
