package model

import "time"

// Mode is the workout timer mode, as carried on the wire.
type Mode string

const (
	ModeEMOM    Mode = "EMOM"
	ModeAMRAP   Mode = "AMRAP"
	ModeForTime Mode = "FOR TIME"
)

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeEMOM, ModeAMRAP, ModeForTime:
		return true
	}
	return false
}

// CountsUp reports whether the running display increases over time.
func (m Mode) CountsUp() bool { return m == ModeForTime }

// Phase is the timer phase, as carried on the wire.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseCountdown Phase = "countdown"
	PhaseRunning   Phase = "running"
	PhaseComplete  Phase = "complete"
)

func (p Phase) Valid() bool {
	switch p {
	case PhaseIdle, PhaseCountdown, PhaseRunning, PhaseComplete:
		return true
	}
	return false
}

// Terminal phases always carry full context on the wire.
func (p Phase) Terminal() bool {
	return p == PhaseCountdown || p == PhaseComplete
}

// TimerWireMessage is the state-sync payload pushed from the primary.
type TimerWireMessage struct {
	Mode           Mode    `json:"mode"`
	Phase          Phase   `json:"phase"`
	DisplaySeconds int     `json:"displaySeconds"`
	Headline       string  `json:"headline"`
	Exercise       *string `json:"exercise,omitempty"` // nil when absent on the wire
}

// IsIdle reports whether the message is the explicit "unfollow" signal.
func (m TimerWireMessage) IsIdle() bool {
	return m.Phase == PhaseIdle || m.Mode == ""
}

// ExerciseText returns the exercise or "" when absent.
func (m TimerWireMessage) ExerciseText() string {
	if m.Exercise == nil {
		return ""
	}
	return *m.Exercise
}

// RemoteTimerState is the companion's mirror of the primary's timer.
type RemoteTimerState struct {
	Mode           Mode      `json:"mode"`
	Phase          Phase     `json:"phase"`
	DisplaySeconds int       `json:"displaySeconds"`
	Headline       string    `json:"headline"`
	Exercise       string    `json:"exercise,omitempty"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

// StringPtr is a helper for optional wire fields.
func StringPtr(s string) *string { return &s }
