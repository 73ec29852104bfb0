// Package peer composes the link, sync, liveness and heart-rate components
// into the two controllers: Primary (phone) and Companion (wearable). Each
// controller is confined to one actor.Scheduler.
package peer

import (
	"errors"
	"math/rand"
	"time"

	"github.com/hashicorp/go-hclog"

	"timer-link/pkg/actor"
	"timer-link/pkg/heartrate"
	"timer-link/pkg/link"
	"timer-link/pkg/liveness"
	"timer-link/pkg/model"
	"timer-link/pkg/timersync"
	"timer-link/pkg/wire"
	"timer-link/pkg/workout"
)

// TickInterval drives the workout engine.
const TickInterval = time.Second

var ErrWorkoutActive = errors.New("workout already running")

type PrimaryConfig struct {
	// ProbeInterval enables periodic liveness probes when > 0.
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	AutoConnect   bool
	Synthetic     bool
	Dedupe        bool
	Rand          *rand.Rand
	NewID         func() string
	Logger        hclog.Logger
}

// Primary is the phone-side controller.
type Primary struct {
	sched  actor.Scheduler
	log    hclog.Logger
	link   *link.Session
	bcast  *timersync.Broadcaster
	prober *liveness.Prober
	hr     *heartrate.Monitor
	engine *workout.Engine

	tick        actor.Timer
	tickEpoch   uint64
	probeEvery  time.Duration
	probeTimer  actor.Timer
	autoConnect bool
	onProbe     func(liveness.Result)
}

func NewPrimary(tr link.Transport, sched actor.Scheduler, cfg PrimaryConfig) *Primary {
	log := cfg.Logger
	if log == nil {
		log = hclog.NewNullLogger()
	}
	p := &Primary{
		sched:       sched,
		log:         log.Named("primary"),
		probeEvery:  cfg.ProbeInterval,
		autoConnect: cfg.AutoConnect,
	}
	p.link = link.NewSession(tr, sched, log)
	p.bcast = timersync.NewBroadcaster(p.link, timersync.Options{Dedupe: cfg.Dedupe, Logger: log})
	p.prober = liveness.NewProber(p.link, sched, liveness.Config{
		Timeout: cfg.ProbeTimeout,
		NewID:   cfg.NewID,
		Logger:  log,
		OnResult: func(r liveness.Result) {
			if p.onProbe != nil {
				p.onProbe(r)
			}
		},
	})
	var gen *heartrate.Synthetic
	if cfg.Rand != nil {
		gen = heartrate.NewSynthetic(cfg.Rand)
	}
	p.hr = heartrate.NewMonitor(p.link, sched, cfg.Synthetic, gen, log)

	p.link.OnMessage(p.handle)
	p.link.Subscribe(p.onStatus)
	return p
}

// OnProbeResult registers a callback for finished probes.
func (p *Primary) OnProbeResult(fn func(liveness.Result)) { p.onProbe = fn }

// OnHeartRate registers a callback for accepted samples.
func (p *Primary) OnHeartRate(fn func(model.HeartRateMetrics)) { p.hr.OnUpdate(fn) }

// Start activates the link and starts periodic probing.
func (p *Primary) Start() {
	p.link.Activate()
	p.checkAutoConnect(p.link.Status())
	if p.probeEvery > 0 {
		p.Probe()
		p.scheduleProbe()
	}
}

func (p *Primary) scheduleProbe() {
	p.probeTimer = p.sched.AfterFunc(p.probeEvery, func() {
		p.Probe()
		p.scheduleProbe()
	})
}

// Shutdown cancels every timer owned by the controller.
func (p *Primary) Shutdown() {
	if p.probeTimer != nil {
		p.probeTimer.Stop()
		p.probeTimer = nil
	}
	p.probeEvery = 0
	p.stopTicking()
	p.prober.Cancel()
	p.hr.Reset()
}

func (p *Primary) Probe() string { return p.prober.Probe() }

// StartWorkout begins the countdown of a new workout.
func (p *Primary) StartWorkout(cfg workout.Config) error {
	if p.engine != nil {
		if k := p.engine.State().Kind; k == workout.Countdown || k == workout.Running {
			return ErrWorkoutActive
		}
	}
	e, err := workout.New(cfg)
	if err != nil {
		return err
	}
	p.engine = e
	e.Start()
	p.log.Info("workout starting", "mode", cfg.Mode, "minutes", cfg.TotalMinutes)
	p.publish()
	p.startTicking()
	return nil
}

// StopWorkout abandons the running workout. Safe to call repeatedly.
func (p *Primary) StopWorkout() {
	if p.engine == nil || !p.engine.Stop() {
		return
	}
	p.stopTicking()
	p.hr.Stop()
	p.log.Info("workout stopped")
	p.publish()
}

// Reset clears the workout and the heart-rate metrics.
func (p *Primary) Reset() {
	p.stopTicking()
	if p.engine != nil {
		p.engine.Stop()
	}
	p.hr.Reset()
	p.bcast.Publish(p.idle())
}

// AddRound counts an AMRAP round.
func (p *Primary) AddRound() {
	if p.engine == nil {
		return
	}
	p.engine.AddRound()
	if p.engine.State().Kind == workout.Running {
		p.publish()
	}
}

func (p *Primary) SetSynthetic(on bool) { p.hr.SetSynthetic(on) }

func (p *Primary) idle() model.TimerWireMessage {
	msg := model.TimerWireMessage{Phase: model.PhaseIdle}
	if p.engine != nil {
		msg.Mode = p.engine.Config().Mode
	}
	return msg
}

func (p *Primary) publish() {
	if p.engine == nil {
		return
	}
	p.bcast.Publish(p.engine.Snapshot())
}

func (p *Primary) startTicking() {
	p.stopTicking()
	p.scheduleTick(p.tickEpoch)
}

func (p *Primary) stopTicking() {
	p.tickEpoch++
	if p.tick != nil {
		p.tick.Stop()
		p.tick = nil
	}
}

func (p *Primary) scheduleTick(epoch uint64) {
	p.tick = p.sched.AfterFunc(TickInterval, func() {
		if epoch != p.tickEpoch || p.engine == nil {
			return
		}
		switch p.engine.Tick() {
		case workout.Started:
			p.hr.Start()
		case workout.Completed:
			p.hr.Stop()
			p.log.Info("workout complete")
		}
		p.publish()
		if k := p.engine.State().Kind; k == workout.Countdown || k == workout.Running {
			p.scheduleTick(epoch)
		}
	})
}

func (p *Primary) onStatus(prev, next model.LinkStatus) {
	p.prober.OnLinkStatus(prev, next)
	p.checkAutoConnect(next)
}

// checkAutoConnect starts collecting once the companion app is known to be
// installed. It fires at most once per controller.
func (p *Primary) checkAutoConnect(st model.LinkStatus) {
	if !p.autoConnect || p.hr.Collecting() {
		return
	}
	if !st.Supported || !st.Paired || !st.CompanionAppInstalled || st.Activation != model.Activated {
		return
	}
	p.autoConnect = false
	p.log.Info("companion available, starting heart-rate collection")
	p.hr.Start()
}

func (p *Primary) handle(in link.Inbound) {
	switch wire.Classify(in.Payload) {
	case wire.KindPong:
		pong, err := wire.DecodePong(in.Payload)
		if err != nil {
			p.log.Debug("dropping malformed pong", "error", err)
			break
		}
		p.prober.HandlePong(pong)
	case wire.KindHeartRate:
		p.hr.HandleSample(in.Payload, p.sched.Now())
	default:
		p.log.Debug("ignoring inbound message", "channel", in.Channel, "keys", len(in.Payload))
	}
	if in.Reply != nil {
		in.Reply(wire.EncodeAck())
	}
}

// ProbeView summarizes the liveness prober.
type ProbeView struct {
	State       string        `json:"state"`
	Outstanding string        `json:"outstanding,omitempty"`
	LastOutcome string        `json:"lastOutcome,omitempty"`
	LastAt      time.Time     `json:"lastAt,omitempty"`
	RTT         time.Duration `json:"rtt,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// PrimarySnapshot is a point-in-time view for status output.
type PrimarySnapshot struct {
	Link       model.LinkStatus       `json:"link"`
	Timer      model.TimerWireMessage `json:"timer"`
	HeartRate  model.HeartRateMetrics `json:"heartRate"`
	Collecting bool                   `json:"collecting"`
	Synthetic  bool                   `json:"synthetic"`
	Probe      ProbeView              `json:"probe"`
}

func (p *Primary) Snapshot() PrimarySnapshot {
	s := PrimarySnapshot{
		Link:       p.link.Status(),
		Timer:      p.idle(),
		HeartRate:  p.hr.Metrics(),
		Collecting: p.hr.Collecting(),
		Synthetic:  p.hr.Synthetic(),
		Probe: ProbeView{
			State:       p.prober.State().String(),
			Outstanding: p.prober.Outstanding(),
		},
	}
	if p.engine != nil {
		s.Timer = p.engine.Snapshot()
	}
	if last := p.prober.Last(); last.CorrelationID != "" {
		s.Probe.LastOutcome = last.Outcome.String()
		s.Probe.LastAt = last.At
		s.Probe.RTT = last.RTT
		if last.Err != nil {
			s.Probe.Error = last.Err.Error()
		}
	}
	return s
}
