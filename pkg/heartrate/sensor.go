package heartrate

import (
	"time"

	"timer-link/pkg/actor"
)

// SampleInterval is the simulated sensor cadence.
const SampleInterval = time.Second

// SimulatedSensor yields one synthetic sample per interval while active.
// Start and Stop are idempotent. Runs on the owning actor.
type SimulatedSensor struct {
	sched    actor.Scheduler
	walk     *Synthetic
	interval time.Duration
	onSample func(bpm float64, at time.Time)

	active bool
	timer  actor.Timer
	epoch  uint64
}

func NewSimulatedSensor(sched actor.Scheduler, gen *Synthetic, onSample func(float64, time.Time)) *SimulatedSensor {
	if gen == nil {
		gen = NewSynthetic(nil)
	}
	return &SimulatedSensor{sched: sched, walk: gen, interval: SampleInterval, onSample: onSample}
}

func (s *SimulatedSensor) Active() bool { return s.active }

func (s *SimulatedSensor) Start() {
	if s.active {
		return
	}
	s.active = true
	s.epoch++
	s.schedule(s.epoch)
}

func (s *SimulatedSensor) Stop() {
	if !s.active {
		return
	}
	s.active = false
	s.epoch++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *SimulatedSensor) schedule(gen uint64) {
	s.timer = s.sched.AfterFunc(s.interval, func() {
		if !s.active || gen != s.epoch {
			return
		}
		bpm := s.walk.Next()
		if s.onSample != nil {
			s.onSample(float64(bpm), s.sched.Now())
		}
		if s.active && gen == s.epoch {
			s.schedule(gen)
		}
	})
}
