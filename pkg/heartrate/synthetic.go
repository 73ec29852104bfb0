package heartrate

import "math/rand"

const (
	syntheticStart = 95
	syntheticMin   = 75
	syntheticMax   = 145
)

// Synthetic is a bounded random walk standing in for a real sensor.
type Synthetic struct {
	bpm int
	dir int
	rnd *rand.Rand
}

// NewSynthetic uses rnd for drift; nil seeds from the global source.
func NewSynthetic(rnd *rand.Rand) *Synthetic {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Synthetic{bpm: syntheticStart, dir: 1, rnd: rnd}
}

// Next advances the walk by a drift in [-2, 4] times the direction and
// bounces off the bounds.
func (s *Synthetic) Next() int {
	drift := s.rnd.Intn(7) - 2
	s.bpm += drift * s.dir
	switch {
	case s.bpm > syntheticMax:
		s.bpm = syntheticMax
		s.dir = -1
	case s.bpm < syntheticMin:
		s.bpm = syntheticMin
		s.dir = 1
	}
	return s.bpm
}
