package relay

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"timer-link/pkg/actor"
	"timer-link/pkg/link"
	"timer-link/pkg/liveness"
	"timer-link/pkg/model"
	"timer-link/pkg/peer"
	"timer-link/pkg/workout"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (r *testRelay) transport(t *testing.T, device string) *link.WSTransport {
	t.Helper()
	tr, err := link.NewWSTransport(link.WSConfig{
		Relay:      r.srv.URL,
		Token:      r.token(t, device),
		RetryDelay: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("transport %s: %v", device, err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func runLoop(t *testing.T) *actor.Loop {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	loop := actor.NewLoop(0)
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})
	return loop
}

func TestPeersOverRelay(t *testing.T) {
	r := newTestRelay(t)
	r.pair(t)

	pLoop := runLoop(t)
	primary := peer.NewPrimary(r.transport(t, "phone"), pLoop, peer.PrimaryConfig{Rand: rand.New(rand.NewSource(1))})
	results := make(chan liveness.Result, 4)
	pLoop.Call(func() {
		primary.OnProbeResult(func(res liveness.Result) {
			select {
			case results <- res:
			default:
			}
		})
		primary.Start()
	})
	waitFor(t, "primary activation", func() bool {
		var st model.LinkStatus
		pLoop.Call(func() { st = primary.Snapshot().Link })
		return st.Activation == model.Activated
	})

	// the companion is away: state goes through the relay mailbox
	pLoop.Call(func() {
		if err := primary.StartWorkout(workout.Config{Mode: model.ModeAMRAP, TotalMinutes: 5, Countdown: 30}); err != nil {
			t.Errorf("start workout: %v", err)
		}
	})

	cLoop := runLoop(t)
	companion := peer.NewCompanion(r.transport(t, "watch"), cLoop, peer.CompanionConfig{Rand: rand.New(rand.NewSource(2))})
	states := make(chan model.RemoteTimerState, 64)
	cLoop.Call(func() {
		companion.OnTimerState(func(s *model.RemoteTimerState) {
			if s == nil {
				return
			}
			select {
			case states <- *s:
			default:
			}
		})
		companion.Start()
	})

	select {
	case s := <-states:
		if s.Mode != model.ModeAMRAP {
			t.Fatalf("unexpected mirrored state %+v", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("companion never received the timer state")
	}

	waitFor(t, "reachability", func() bool {
		var st model.LinkStatus
		pLoop.Call(func() { st = primary.Snapshot().Link })
		return st.Reachable && st.CompanionAppInstalled
	})
	pLoop.Call(func() { primary.Probe() })
	select {
	case res := <-results:
		if res.Outcome != liveness.Succeeded {
			t.Fatalf("expected probe success, got %s (%v)", res.Outcome, res.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("probe never finished")
	}

	pLoop.Call(primary.Shutdown)
	cLoop.Call(companion.Shutdown)
}
