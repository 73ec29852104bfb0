package link

import (
	"github.com/hashicorp/go-hclog"

	"timer-link/pkg/actor"
	"timer-link/pkg/model"
	"timer-link/pkg/wire"
)

// Route reports which path SendOrFallback used.
type Route int

const (
	RouteDropped Route = iota
	RouteDirect
	RouteQueued
	RouteContext
)

func (r Route) String() string {
	switch r {
	case RouteDirect:
		return "direct"
	case RouteQueued:
		return "queue"
	case RouteContext:
		return "context"
	default:
		return "dropped"
	}
}

func durableRoute(d Durability) Route {
	if d == DurableQueue {
		return RouteQueued
	}
	return RouteContext
}

// Session wraps a Transport and confines all status and message handling to
// the owning actor. Every method must be called on that actor.
type Session struct {
	tr          Transport
	sched       actor.Scheduler
	log         hclog.Logger
	status      model.LinkStatus
	subscribers []func(prev, next model.LinkStatus)
	onMessage   func(Inbound)
}

// NewSession attaches to tr. Transport events are re-posted onto sched.
func NewSession(tr Transport, sched actor.Scheduler, log hclog.Logger) *Session {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	s := &Session{
		tr:     tr,
		sched:  sched,
		log:    log.Named("link"),
		status: tr.Status().Normalize(),
	}
	tr.SetHandler(func(ev Event) {
		sched.Post(func() { s.process(ev) })
	})
	return s
}

// Subscribe registers a status observer called after every change.
func (s *Session) Subscribe(fn func(prev, next model.LinkStatus)) {
	s.subscribers = append(s.subscribers, fn)
}

// OnMessage sets the inbound message handler.
func (s *Session) OnMessage(fn func(Inbound)) {
	s.onMessage = fn
}

func (s *Session) Status() model.LinkStatus { return s.status }

// Activate requests activation unless already activated.
func (s *Session) Activate() {
	if s.status.Activation == model.Activated {
		return
	}
	if err := s.tr.Activate(); err != nil {
		s.log.Warn("activation request failed", "error", err)
	}
}

func (s *Session) checkSendable() error {
	if !s.status.Supported {
		return ErrUnsupported
	}
	if s.status.Activation != model.Activated {
		return ErrNotActivated
	}
	return nil
}

// SendDirect delivers p without a reply. Callers check Reachable first.
func (s *Session) SendDirect(p wire.Payload) error {
	if err := s.checkSendable(); err != nil {
		return err
	}
	if !s.status.Reachable {
		return ErrNotReachable
	}
	return s.tr.SendMessage(p, nil, func(err error) {
		s.sched.Post(func() { s.log.Debug("direct send failed", "error", err) })
	})
}

// Request sends p directly and routes the reply or error back onto the actor.
func (s *Session) Request(p wire.Payload, reply func(wire.Payload), onErr func(error)) error {
	if err := s.checkSendable(); err != nil {
		return err
	}
	if !s.status.Reachable {
		return ErrNotReachable
	}
	return s.tr.SendMessage(p,
		func(r wire.Payload) {
			s.sched.Post(func() {
				if reply != nil {
					reply(r)
				}
			})
		},
		func(err error) {
			s.sched.Post(func() {
				if onErr != nil {
					onErr(err)
				}
			})
		})
}

// SendDurable hands p to the store-and-forward path.
func (s *Session) SendDurable(p wire.Payload, d Durability) error {
	if err := s.checkSendable(); err != nil {
		return err
	}
	if d == DurableQueue {
		return s.tr.TransferUserInfo(p)
	}
	return s.tr.UpdateApplicationContext(p)
}

// SendOrFallback prefers the direct path and falls back to durable delivery
// when the counterpart is unreachable or the direct send fails.
func (s *Session) SendOrFallback(p wire.Payload, d Durability) Route {
	return s.SendOrFallbackFunc(p, d, nil)
}

// SendOrFallbackFunc is SendOrFallback with a hook for the late fallback:
// when a direct send that returned RouteDirect fails afterwards, onLate runs
// on the actor with the route the payload finally took.
func (s *Session) SendOrFallbackFunc(p wire.Payload, d Durability, onLate func(Route)) Route {
	if err := s.checkSendable(); err != nil {
		s.log.Debug("send dropped", "error", err)
		return RouteDropped
	}
	if s.status.Reachable {
		err := s.tr.SendMessage(p, nil, func(err error) {
			s.sched.Post(func() {
				route := s.fallback(p, d, err)
				if onLate != nil {
					onLate(route)
				}
			})
		})
		if err == nil {
			return RouteDirect
		}
		return s.fallback(p, d, err)
	}
	if err := s.SendDurable(p, d); err != nil {
		s.log.Warn("durable send failed", "kind", d, "error", err)
		return RouteDropped
	}
	return durableRoute(d)
}

func (s *Session) fallback(p wire.Payload, d Durability, cause error) Route {
	s.log.Debug("direct send failed, using durable path", "kind", d, "error", cause)
	if err := s.SendDurable(p, d); err != nil {
		s.log.Warn("durable fallback failed", "kind", d, "error", err)
		return RouteDropped
	}
	return durableRoute(d)
}

func (s *Session) process(ev Event) {
	switch ev.Kind {
	case EventStatus:
		prev := s.status
		next := ev.Status.Normalize()
		if prev == next {
			return
		}
		s.status = next
		s.log.Debug("status changed",
			"activation", next.Activation, "reachable", next.Reachable,
			"paired", next.Paired, "installed", next.CompanionAppInstalled)
		for _, fn := range s.subscribers {
			fn(prev, next)
		}
	case EventMessage:
		if s.onMessage == nil {
			s.log.Debug("inbound message without handler", "channel", ev.Inbound.Channel)
			return
		}
		s.onMessage(ev.Inbound)
	}
}
