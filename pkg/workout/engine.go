// Package workout runs the per-mode interval timer on the primary and maps
// its state onto timer state messages.
package workout

import (
	"errors"
	"fmt"
	"strings"

	"timer-link/pkg/model"
)

// DefaultCountdown is the number of seconds shown before a workout starts.
const DefaultCountdown = 5

var ErrInvalidConfig = errors.New("invalid workout config")

// Config describes one workout.
type Config struct {
	Mode         model.Mode `yaml:"mode" json:"mode"`
	TotalMinutes int        `yaml:"totalMinutes" json:"totalMinutes"`
	// IntervalMinutes applies to EMOM only.
	IntervalMinutes int      `yaml:"intervalMinutes" json:"intervalMinutes"`
	Exercises       []string `yaml:"exercises" json:"exercises"`
	Countdown       int      `yaml:"countdown" json:"countdown"`
}

func (c Config) Validate() error {
	if !c.Mode.Valid() {
		return fmt.Errorf("%w: mode %q", ErrInvalidConfig, c.Mode)
	}
	if c.TotalMinutes <= 0 {
		return fmt.Errorf("%w: totalMinutes must be positive", ErrInvalidConfig)
	}
	if c.Mode == model.ModeEMOM && (c.IntervalMinutes <= 0 || c.IntervalMinutes > c.TotalMinutes) {
		return fmt.Errorf("%w: intervalMinutes must be in 1..%d", ErrInvalidConfig, c.TotalMinutes)
	}
	if c.Countdown < 0 {
		return fmt.Errorf("%w: negative countdown", ErrInvalidConfig)
	}
	return nil
}

// ParseExercises splits a comma or newline separated list.
func ParseExercises(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Kind tags the engine state.
type Kind int

const (
	Idle Kind = iota
	Countdown
	Running
	Complete
)

func (k Kind) Phase() model.Phase {
	switch k {
	case Countdown:
		return model.PhaseCountdown
	case Running:
		return model.PhaseRunning
	case Complete:
		return model.PhaseComplete
	default:
		return model.PhaseIdle
	}
}

// State is the tagged engine state. Remaining is only meaningful while
// counting down.
type State struct {
	Kind      Kind
	Remaining int
}

// Event is what a Tick produced.
type Event int

const (
	None Event = iota
	Started
	Beep
	Completed
)

// Engine is a 1 Hz timer. It has no clock of its own; the owner calls Tick.
type Engine struct {
	cfg   Config
	state State

	remaining int // EMOM, AMRAP
	nextBeep  int // EMOM
	elapsed   int // FOR TIME
	rounds    int // AMRAP, counted by the athlete
}

func New(cfg Config) (*Engine, error) {
	if cfg.Countdown == 0 {
		cfg.Countdown = DefaultCountdown
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

func (e *Engine) Config() Config { return e.cfg }
func (e *Engine) State() State   { return e.state }

// Start begins the countdown. It is a no-op unless idle or complete.
func (e *Engine) Start() bool {
	if e.state.Kind == Countdown || e.state.Kind == Running {
		return false
	}
	e.reset()
	e.state = State{Kind: Countdown, Remaining: e.cfg.Countdown}
	return true
}

// Stop returns to idle and reports whether anything was running.
func (e *Engine) Stop() bool {
	if e.state.Kind == Idle {
		return false
	}
	e.reset()
	e.state = State{Kind: Idle}
	return true
}

func (e *Engine) reset() {
	e.remaining, e.nextBeep, e.elapsed, e.rounds = 0, 0, 0, 0
}

// AddRound counts a finished AMRAP round.
func (e *Engine) AddRound() {
	if e.cfg.Mode == model.ModeAMRAP && e.state.Kind == Running {
		e.rounds++
	}
}

// Tick advances the timer by one second.
func (e *Engine) Tick() Event {
	switch e.state.Kind {
	case Countdown:
		if e.state.Remaining > 1 {
			e.state.Remaining--
			return None
		}
		e.begin()
		return Started
	case Running:
		return e.tickRunning()
	}
	return None
}

func (e *Engine) begin() {
	e.state = State{Kind: Running}
	total := e.cfg.TotalMinutes * 60
	switch e.cfg.Mode {
	case model.ModeEMOM:
		e.remaining = total
		e.nextBeep = e.cfg.IntervalMinutes * 60
	case model.ModeAMRAP:
		e.remaining = total
	case model.ModeForTime:
		e.elapsed = 0
	}
}

func (e *Engine) tickRunning() Event {
	total := e.cfg.TotalMinutes * 60
	switch e.cfg.Mode {
	case model.ModeEMOM:
		if e.remaining == 0 {
			e.state = State{Kind: Complete}
			return Completed
		}
		e.remaining--
		e.nextBeep--
		if e.nextBeep == 0 {
			e.nextBeep = e.cfg.IntervalMinutes * 60
			return Beep
		}
	case model.ModeAMRAP:
		if e.remaining == 0 {
			e.state = State{Kind: Complete}
			return Completed
		}
		e.remaining--
	case model.ModeForTime:
		if e.elapsed+1 >= total {
			e.elapsed = total
			e.state = State{Kind: Complete}
			return Completed
		}
		e.elapsed++
	}
	return None
}

// Round is the 1-based EMOM interval in progress.
func (e *Engine) Round() int {
	interval := e.cfg.IntervalMinutes * 60
	if interval <= 0 {
		return 1
	}
	return max(1, (e.cfg.TotalMinutes*60-e.remaining)/interval+1)
}

func (e *Engine) currentExercise() string {
	if len(e.cfg.Exercises) == 0 {
		return "No exercise"
	}
	return e.cfg.Exercises[(e.Round()-1)%len(e.cfg.Exercises)]
}

func (e *Engine) summary() string {
	return strings.Join(e.cfg.Exercises, ", ")
}

// Snapshot maps the current state onto the wire message.
func (e *Engine) Snapshot() model.TimerWireMessage {
	msg := model.TimerWireMessage{Mode: e.cfg.Mode, Phase: e.state.Kind.Phase()}
	switch e.state.Kind {
	case Countdown:
		msg.DisplaySeconds = e.state.Remaining
		msg.Headline = "Countdown"
	case Running:
		switch e.cfg.Mode {
		case model.ModeEMOM:
			msg.DisplaySeconds = e.nextBeep
			if e.cfg.IntervalMinutes == 1 {
				msg.Headline = fmt.Sprintf("Minute %d", e.Round())
			} else {
				msg.Headline = fmt.Sprintf("Round %d", e.Round())
			}
			msg.Exercise = model.StringPtr(e.currentExercise())
		case model.ModeAMRAP:
			msg.DisplaySeconds = e.remaining
			msg.Headline = fmt.Sprintf("Round %d", e.rounds)
			msg.Exercise = model.StringPtr(e.summary())
		case model.ModeForTime:
			msg.DisplaySeconds = e.elapsed
			msg.Headline = "Elapsed"
			msg.Exercise = model.StringPtr(e.summary())
		}
	case Complete:
		switch e.cfg.Mode {
		case model.ModeAMRAP:
			msg.Headline = fmt.Sprintf("Done, %d rounds", e.rounds)
		case model.ModeForTime:
			msg.DisplaySeconds = e.elapsed
			msg.Headline = "Total time"
		default:
			msg.Headline = "Done"
		}
	}
	return msg
}
