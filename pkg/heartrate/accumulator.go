// Package heartrate collects heart-rate samples on the companion, relays
// them to the primary, and keeps per-session current and average values.
package heartrate

import (
	"math"
	"time"

	"timer-link/pkg/model"
)

// Accumulator keeps a running mean. It is reset on every session start.
type Accumulator struct {
	sum     float64
	count   int
	current *int
	average *int
	lastAt  time.Time
}

func (a *Accumulator) Reset() {
	*a = Accumulator{}
}

// Add records a sample. Non-finite and non-positive values are rejected.
func (a *Accumulator) Add(bpm float64, at time.Time) bool {
	if math.IsNaN(bpm) || math.IsInf(bpm, 0) || bpm <= 0 {
		return false
	}
	a.sum += bpm
	a.count++
	cur := int(math.Round(bpm))
	avg := int(math.Round(a.sum / float64(a.count)))
	a.current = &cur
	a.average = &avg
	a.lastAt = at
	return true
}

func (a *Accumulator) Snapshot() model.HeartRateMetrics {
	m := model.HeartRateMetrics{SampleCount: a.count, LastSampleAt: a.lastAt}
	if a.current != nil {
		v := *a.current
		m.CurrentBpm = &v
	}
	if a.average != nil {
		v := *a.average
		m.AverageBpm = &v
	}
	return m
}
