package heartrate

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"timer-link/pkg/actor"
	"timer-link/pkg/link"
	"timer-link/pkg/model"
	"timer-link/pkg/wire"
)

// Monitor is the primary's heart-rate consumer. In synthetic mode it feeds
// itself from a local generator and ignores relayed samples.
type Monitor struct {
	link       Sender
	sensor     *SimulatedSensor
	acc        Accumulator
	log        hclog.Logger
	collecting bool
	synthetic  bool
	onUpdate   func(model.HeartRateMetrics)
}

func NewMonitor(l Sender, sched actor.Scheduler, synthetic bool, gen *Synthetic, log hclog.Logger) *Monitor {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	m := &Monitor{link: l, synthetic: synthetic, log: log.Named("hr-monitor")}
	m.sensor = NewSimulatedSensor(sched, gen, m.record)
	return m
}

// OnUpdate registers a callback for every accepted sample.
func (m *Monitor) OnUpdate(fn func(model.HeartRateMetrics)) { m.onUpdate = fn }

func (m *Monitor) Collecting() bool { return m.collecting }
func (m *Monitor) Synthetic() bool  { return m.synthetic }

// Start resets the metrics and begins collecting. Outside synthetic mode it
// asks the companion to start its sensor session.
func (m *Monitor) Start() {
	m.acc.Reset()
	m.collecting = true
	if m.synthetic {
		m.sensor.Start()
		return
	}
	m.sendCommand(wire.CommandStart)
}

// Stop ends collection and keeps the metrics.
func (m *Monitor) Stop() {
	if !m.collecting {
		return
	}
	m.collecting = false
	m.sensor.Stop()
	if !m.synthetic {
		m.sendCommand(wire.CommandStop)
	}
}

// Reset stops collection locally and clears the metrics.
func (m *Monitor) Reset() {
	m.collecting = false
	m.sensor.Stop()
	m.acc.Reset()
}

// SetSynthetic switches the sample source, restarting collection if needed.
func (m *Monitor) SetSynthetic(on bool) {
	if m.synthetic == on {
		return
	}
	m.synthetic = on
	m.sensor.Stop()
	if !m.collecting {
		return
	}
	if on {
		m.sensor.Start()
		return
	}
	m.Start()
}

// HandleSample applies a relayed sample.
func (m *Monitor) HandleSample(p wire.Payload, at time.Time) {
	if m.synthetic {
		return
	}
	bpm, err := wire.DecodeHeartRate(p)
	if err != nil {
		m.log.Debug("dropping malformed sample", "error", err)
		return
	}
	m.record(bpm, at)
}

func (m *Monitor) record(bpm float64, at time.Time) {
	if !m.collecting {
		return
	}
	if !m.acc.Add(bpm, at) {
		return
	}
	if m.onUpdate != nil {
		m.onUpdate(m.acc.Snapshot())
	}
}

func (m *Monitor) Metrics() model.HeartRateMetrics { return m.acc.Snapshot() }

func (m *Monitor) sendCommand(name string) {
	route := m.link.SendOrFallback(wire.EncodeCommand(name), link.DurableQueue)
	m.log.Debug("command sent", "command", name, "route", route)
}
