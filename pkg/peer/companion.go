package peer

import (
	"math/rand"

	"github.com/hashicorp/go-hclog"

	"timer-link/pkg/actor"
	"timer-link/pkg/heartrate"
	"timer-link/pkg/link"
	"timer-link/pkg/liveness"
	"timer-link/pkg/model"
	"timer-link/pkg/timersync"
	"timer-link/pkg/wire"
)

type CompanionConfig struct {
	Rand   *rand.Rand
	Logger hclog.Logger
}

// Companion is the wearable-side controller.
type Companion struct {
	sched     actor.Scheduler
	log       hclog.Logger
	link      *link.Session
	receiver  *timersync.Receiver
	responder *liveness.Responder
	relay     *heartrate.Relay
}

func NewCompanion(tr link.Transport, sched actor.Scheduler, cfg CompanionConfig) *Companion {
	log := cfg.Logger
	if log == nil {
		log = hclog.NewNullLogger()
	}
	c := &Companion{sched: sched, log: log.Named("companion")}
	c.link = link.NewSession(tr, sched, log)
	var gen *heartrate.Synthetic
	if cfg.Rand != nil {
		gen = heartrate.NewSynthetic(cfg.Rand)
	}
	c.relay = heartrate.NewRelay(c.link, sched, gen, log)
	c.receiver = timersync.NewReceiver(c.relay, sched, log)
	c.responder = liveness.NewResponder(c.link, log)
	c.link.OnMessage(c.handle)
	return c
}

// OnTimerState registers a callback for every applied timer state.
func (c *Companion) OnTimerState(fn func(*model.RemoteTimerState)) { c.receiver.OnChange(fn) }

func (c *Companion) Start() { c.link.Activate() }

// StartSession starts the sensor session by hand.
func (c *Companion) StartSession() { c.relay.Start() }

func (c *Companion) StopSession() { c.relay.Stop() }

// Shutdown stops the sensor session.
func (c *Companion) Shutdown() { c.relay.Stop() }

func (c *Companion) handle(in link.Inbound) {
	kind := wire.Classify(in.Payload)
	if kind == wire.KindPing {
		c.responder.Handle(in)
		return
	}
	switch kind {
	case wire.KindTimerState:
		_ = c.receiver.Handle(in.Payload)
	case wire.KindCommand:
		cmd, err := wire.DecodeCommand(in.Payload)
		if err != nil {
			c.log.Debug("dropping command", "error", err)
			break
		}
		c.log.Info("command received", "command", cmd, "channel", in.Channel)
		if cmd == wire.CommandStart {
			c.relay.Start()
		} else {
			c.relay.Stop()
		}
	default:
		c.log.Debug("ignoring inbound message", "kind", kind, "channel", in.Channel)
	}
	if in.Reply != nil {
		in.Reply(wire.EncodeAck())
	}
}

// CompanionSnapshot is a point-in-time view for status output.
type CompanionSnapshot struct {
	Link          model.LinkStatus        `json:"link"`
	Timer         *model.RemoteTimerState `json:"timer,omitempty"`
	Display       int                     `json:"display"`
	Following     bool                    `json:"following"`
	SessionActive bool                    `json:"sessionActive"`
	HeartRate     model.HeartRateMetrics  `json:"heartRate"`
}

func (c *Companion) Snapshot() CompanionSnapshot {
	s := CompanionSnapshot{
		Link:          c.link.Status(),
		Following:     c.receiver.Following(),
		SessionActive: c.relay.Active(),
		HeartRate:     c.relay.Metrics(),
	}
	if st, ok := c.receiver.State(); ok {
		s.Timer = &st
		s.Display, _ = c.receiver.Display(c.sched.Now())
	}
	return s
}
