// Package liveness implements the ping/pong health check between the two
// peers: the Prober on the primary and the Responder on the companion.
package liveness

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"timer-link/pkg/actor"
	"timer-link/pkg/link"
	"timer-link/pkg/model"
	"timer-link/pkg/wire"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 10 * time.Second

var (
	ErrTimeout      = errors.New("no pong before timeout")
	ErrPongRejected = errors.New("counterpart answered pong=false")
)

// Outcome is the prober state.
type Outcome int

const (
	Idle Outcome = iota
	Probing
	Succeeded
	FailedTimeout
	FailedTransport
)

func (o Outcome) String() string {
	switch o {
	case Idle:
		return "idle"
	case Probing:
		return "probing"
	case Succeeded:
		return "succeeded"
	case FailedTimeout:
		return "failed_timeout"
	case FailedTransport:
		return "failed_transport"
	default:
		return "unknown"
	}
}

// Result describes a finished probe.
type Result struct {
	Outcome       Outcome
	CorrelationID string
	IssuedAt      time.Time
	At            time.Time
	RTT           time.Duration
	Err           error
}

// Link is the part of link.Session the prober uses.
type Link interface {
	Status() model.LinkStatus
	Activate()
	Request(p wire.Payload, reply func(wire.Payload), onErr func(error)) error
	SendDurable(p wire.Payload, d link.Durability) error
}

type Config struct {
	Timeout  time.Duration
	NewID    func() string
	Logger   hclog.Logger
	OnResult func(Result)
}

type probe struct {
	id       string
	issuedAt time.Time
	gen      uint64
	timer    actor.Timer
	// waiting for activation or reachability before the direct path is tried
	pending     bool
	durableSent bool
}

// Prober issues correlated pings and judges the replies. At most one probe
// is outstanding; starting a new one invalidates the previous id. All
// methods run on the owning actor.
type Prober struct {
	link    Link
	sched   actor.Scheduler
	timeout time.Duration
	newID   func() string
	log     hclog.Logger
	onRes   func(Result)

	state   Outcome
	current *probe
	gen     uint64
	last    Result
}

func NewProber(l Link, sched actor.Scheduler, cfg Config) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &Prober{
		link:    l,
		sched:   sched,
		timeout: cfg.Timeout,
		newID:   cfg.NewID,
		log:     cfg.Logger.Named("prober"),
		onRes:   cfg.OnResult,
	}
}

func (p *Prober) State() Outcome { return p.state }

// Last returns the most recent finished probe.
func (p *Prober) Last() Result { return p.last }

// Outstanding returns the correlation id of the running probe, if any.
func (p *Prober) Outstanding() string {
	if p.current == nil {
		return ""
	}
	return p.current.id
}

// Probe starts a new probe and returns its correlation id.
func (p *Prober) Probe() string {
	if p.current != nil {
		p.current.timer.Stop()
		p.log.Debug("superseding probe", "id", p.current.id)
	}
	p.gen++
	pr := &probe{id: p.newID(), issuedAt: p.sched.Now(), gen: p.gen}
	p.current = pr
	p.state = Probing

	st := p.link.Status()
	if !st.Supported {
		pr.timer = noopTimer{}
		p.finish(FailedTransport, link.ErrUnsupported)
		return pr.id
	}
	gen := pr.gen
	pr.timer = p.sched.AfterFunc(p.timeout, func() { p.onTimeout(gen) })

	if st.Activation != model.Activated {
		p.log.Debug("link not activated, probe pending", "id", pr.id)
		pr.pending = true
		p.link.Activate()
		return pr.id
	}
	p.transmit()
	return pr.id
}

func (p *Prober) transmit() {
	pr := p.current
	if pr == nil {
		return
	}
	st := p.link.Status()
	payload := wire.EncodePing(pr.id)
	gen := pr.gen

	var errs *multierror.Error
	directOK := false
	if st.Reachable {
		err := p.link.Request(payload,
			func(reply wire.Payload) { p.handleReply(gen, reply) },
			func(err error) { p.onDirectError(gen, err) })
		if err != nil {
			errs = multierror.Append(errs, err)
		} else {
			directOK = true
		}
	}
	pr.pending = !directOK

	if !pr.durableSent {
		if err := p.link.SendDurable(payload, link.DurableQueue); err != nil {
			errs = multierror.Append(errs, err)
		} else {
			pr.durableSent = true
		}
	}

	if !directOK && !pr.durableSent {
		p.finish(FailedTransport, errs.ErrorOrNil())
		return
	}
	p.log.Debug("ping sent", "id", pr.id, "direct", directOK, "durable", pr.durableSent)
}

func (p *Prober) onDirectError(gen uint64, err error) {
	if p.current == nil || p.current.gen != gen {
		return
	}
	p.log.Debug("direct ping failed, waiting for reachability", "id", p.current.id, "error", err)
	p.current.pending = true
}

func (p *Prober) handleReply(gen uint64, reply wire.Payload) {
	if p.current == nil || p.current.gen != gen {
		p.log.Debug("late reply discarded")
		return
	}
	pong, err := wire.DecodePong(reply)
	if err != nil {
		p.log.Debug("malformed reply", "error", err)
		return
	}
	p.HandlePong(pong)
}

// HandlePong accepts a pong that arrived on any channel.
func (p *Prober) HandlePong(pong wire.Pong) {
	if p.state != Probing || p.current == nil {
		p.log.Debug("pong while not probing", "id", pong.PingID)
		return
	}
	if pong.PingID == "" {
		p.log.Debug("pong without id ignored")
		return
	}
	if pong.PingID != p.current.id {
		p.log.Debug("stale pong ignored", "id", pong.PingID, "want", p.current.id)
		return
	}
	if !pong.OK {
		p.finish(FailedTransport, ErrPongRejected)
		return
	}
	p.finish(Succeeded, nil)
}

// OnLinkStatus retries a pending probe when the link activates or the
// counterpart becomes reachable.
func (p *Prober) OnLinkStatus(prev, next model.LinkStatus) {
	if p.state != Probing || p.current == nil {
		return
	}
	if !next.Supported {
		p.finish(FailedTransport, link.ErrUnsupported)
		return
	}
	if !p.current.pending || next.Activation != model.Activated {
		return
	}
	activated := prev.Activation != model.Activated
	reachable := next.Reachable && !prev.Reachable
	if activated || reachable {
		p.log.Debug("retrying pending probe", "id", p.current.id)
		p.transmit()
	}
}

// Cancel abandons the running probe without reporting a result.
func (p *Prober) Cancel() {
	if p.current == nil {
		return
	}
	p.current.timer.Stop()
	p.current = nil
	p.gen++
	p.state = Idle
}

func (p *Prober) onTimeout(gen uint64) {
	if p.current == nil || p.current.gen != gen || p.state != Probing {
		return
	}
	p.finish(FailedTimeout, ErrTimeout)
}

func (p *Prober) finish(o Outcome, err error) {
	pr := p.current
	pr.timer.Stop()
	now := p.sched.Now()
	res := Result{
		Outcome:       o,
		CorrelationID: pr.id,
		IssuedAt:      pr.issuedAt,
		At:            now,
		Err:           err,
	}
	if o == Succeeded {
		res.RTT = now.Sub(pr.issuedAt)
	}
	p.current = nil
	p.state = o
	p.last = res
	if err != nil {
		p.log.Info("probe finished", "id", pr.id, "outcome", o, "error", err)
	} else {
		p.log.Info("probe finished", "id", pr.id, "outcome", o, "rtt", res.RTT)
	}
	if p.onRes != nil {
		p.onRes(res)
	}
}

type noopTimer struct{}

func (noopTimer) Stop() bool { return false }
