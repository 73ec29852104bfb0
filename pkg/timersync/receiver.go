package timersync

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"timer-link/pkg/actor"
	"timer-link/pkg/model"
	"timer-link/pkg/wire"
)

// SessionController is the companion's sensor session.
type SessionController interface {
	Start()
	Stop()
	Active() bool
}

// Receiver holds the latest mirrored state and starts or stops the
// companion's session to follow the primary. Runs on the owning actor.
type Receiver struct {
	session   SessionController
	clock     actor.Scheduler
	log       hclog.Logger
	state     *model.RemoteTimerState
	following bool
	onChange  func(*model.RemoteTimerState)
}

func NewReceiver(session SessionController, clock actor.Scheduler, log hclog.Logger) *Receiver {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Receiver{session: session, clock: clock, log: log.Named("receiver")}
}

// OnChange registers a callback for every applied state; nil means cleared.
func (r *Receiver) OnChange(fn func(*model.RemoteTimerState)) { r.onChange = fn }

// Handle decodes and applies a timer state payload. Malformed payloads are
// dropped without touching the current state.
func (r *Receiver) Handle(p wire.Payload) error {
	msg, err := wire.DecodeTimerState(p)
	if err != nil {
		r.log.Warn("dropping malformed timer state", "error", err)
		return err
	}
	r.Apply(msg)
	return nil
}

func (r *Receiver) Apply(msg model.TimerWireMessage) {
	if msg.IsIdle() {
		r.state = nil
		if r.following {
			r.following = false
			r.session.Stop()
			r.log.Debug("stopped following")
		}
		r.notify()
		return
	}

	exercise := msg.ExerciseText()
	if msg.Exercise == nil && r.state != nil &&
		r.state.Phase == model.PhaseRunning && msg.Phase == model.PhaseRunning &&
		r.state.Mode == msg.Mode {
		exercise = r.state.Exercise
	}
	r.state = &model.RemoteTimerState{
		Mode:           msg.Mode,
		Phase:          msg.Phase,
		DisplaySeconds: msg.DisplaySeconds,
		Headline:       msg.Headline,
		Exercise:       exercise,
		ReceivedAt:     r.clock.Now(),
	}

	running := msg.Phase == model.PhaseRunning
	switch {
	case running && !r.session.Active():
		r.following = true
		r.session.Start()
		r.log.Debug("started following", "mode", msg.Mode)
	case !running && r.following:
		r.following = false
		r.session.Stop()
		r.log.Debug("stopped following", "phase", msg.Phase)
	}
	r.notify()
}

func (r *Receiver) notify() {
	if r.onChange == nil {
		return
	}
	if r.state == nil {
		r.onChange(nil)
		return
	}
	s := *r.state
	r.onChange(&s)
}

// State returns the mirrored state, if any.
func (r *Receiver) State() (model.RemoteTimerState, bool) {
	if r.state == nil {
		return model.RemoteTimerState{}, false
	}
	return *r.state, true
}

// Following reports whether the current session was started by the receiver.
func (r *Receiver) Following() bool { return r.following }

// Display extrapolates the shown seconds from the last snapshot.
func (r *Receiver) Display(now time.Time) (int, bool) {
	if r.state == nil {
		return 0, false
	}
	return Extrapolate(*r.state, now), true
}

// Extrapolate advances s.DisplaySeconds by the whole seconds since receipt.
func Extrapolate(s model.RemoteTimerState, now time.Time) int {
	elapsed := int(now.Sub(s.ReceivedAt) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	switch s.Phase {
	case model.PhaseCountdown:
		return max(0, s.DisplaySeconds-elapsed)
	case model.PhaseRunning:
		if s.Mode.CountsUp() {
			return s.DisplaySeconds + elapsed
		}
		return max(0, s.DisplaySeconds-elapsed)
	default:
		return s.DisplaySeconds
	}
}
