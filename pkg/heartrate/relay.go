package heartrate

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"timer-link/pkg/actor"
	"timer-link/pkg/link"
	"timer-link/pkg/model"
	"timer-link/pkg/wire"
)

// Sender is satisfied by link.Session.
type Sender interface {
	SendOrFallback(p wire.Payload, d link.Durability) link.Route
}

// Relay is the companion's sensor session: it owns the simulated sensor,
// accumulates its samples locally and forwards each one to the primary.
type Relay struct {
	link   Sender
	acc    Accumulator
	sensor *SimulatedSensor
	log    hclog.Logger
}

func NewRelay(l Sender, sched actor.Scheduler, gen *Synthetic, log hclog.Logger) *Relay {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	r := &Relay{link: l, log: log.Named("hr-relay")}
	r.sensor = NewSimulatedSensor(sched, gen, r.Publish)
	return r
}

// Start resets the accumulator and starts sampling.
func (r *Relay) Start() {
	if r.sensor.Active() {
		return
	}
	r.acc.Reset()
	r.sensor.Start()
	r.log.Info("sensor session started")
}

func (r *Relay) Stop() {
	if !r.sensor.Active() {
		return
	}
	r.sensor.Stop()
	r.log.Info("sensor session stopped", "samples", r.acc.count)
}

func (r *Relay) Active() bool { return r.sensor.Active() }

// Publish records bpm and sends it to the primary over the queue path.
func (r *Relay) Publish(bpm float64, at time.Time) {
	if !r.acc.Add(bpm, at) {
		r.log.Debug("rejected sample", "bpm", bpm)
		return
	}
	route := r.link.SendOrFallback(wire.EncodeHeartRate(bpm), link.DurableQueue)
	r.log.Trace("sample relayed", "bpm", bpm, "route", route)
}

func (r *Relay) Metrics() model.HeartRateMetrics { return r.acc.Snapshot() }
