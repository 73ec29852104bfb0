package model

import "time"

// HeartRateMetrics is a snapshot of a session's heart-rate accumulator.
type HeartRateMetrics struct {
	CurrentBpm   *int      `json:"currentBpm,omitempty"`
	AverageBpm   *int      `json:"averageBpm,omitempty"`
	SampleCount  int       `json:"sampleCount"`
	LastSampleAt time.Time `json:"lastSampleAt,omitempty"`
}
