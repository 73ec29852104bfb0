package link

import (
	"errors"
	"testing"
	"time"

	"timer-link/pkg/actor"
	"timer-link/pkg/model"
	"timer-link/pkg/wire"
)

type harness struct {
	sched     *actor.Manual
	pair      *MemoryPair
	primary   *Session
	companion *Session
	received  []Inbound
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sched: actor.NewManual(time.Unix(0, 0)),
		pair:  NewMemoryPair(),
	}
	h.primary = NewSession(h.pair.Primary(), h.sched, nil)
	h.companion = NewSession(h.pair.Companion(), h.sched, nil)
	h.companion.OnMessage(func(in Inbound) { h.received = append(h.received, in) })
	return h
}

func (h *harness) activateBoth() {
	h.primary.Activate()
	h.companion.Activate()
	h.sched.Drain()
}

func TestSession_DropsWhenNotActivated(t *testing.T) {
	h := newHarness(t)
	h.pair.SetConnected(true)
	h.sched.Drain()

	if r := h.primary.SendOrFallback(wire.EncodeCommand(wire.CommandStart), DurableQueue); r != RouteDropped {
		t.Fatalf("expected dropped, got %s", r)
	}
	if err := h.primary.SendDirect(wire.EncodeCommand(wire.CommandStart)); !errors.Is(err, ErrNotActivated) {
		t.Fatalf("expected ErrNotActivated, got %v", err)
	}
	h.companion.Activate()
	h.sched.Drain()
	if len(h.received) != 0 {
		t.Fatalf("expected nothing delivered, got %d", len(h.received))
	}
}

func TestSession_UnsupportedTransport(t *testing.T) {
	h := newHarness(t)
	h.pair.Primary().SetSupported(false)
	h.sched.Drain()
	h.primary.Activate()
	h.sched.Drain()
	if err := h.primary.SendDurable(wire.EncodeHeartRate(90), DurableQueue); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestSession_DirectWhenReachable(t *testing.T) {
	h := newHarness(t)
	h.pair.SetConnected(true)
	h.activateBoth()
	if !h.primary.Status().Reachable {
		t.Fatalf("expected reachable")
	}

	if r := h.primary.SendOrFallback(wire.EncodeCommand(wire.CommandStop), DurableQueue); r != RouteDirect {
		t.Fatalf("expected direct, got %s", r)
	}
	h.sched.Drain()
	if len(h.received) != 1 || h.received[0].Channel != ChannelDirect {
		t.Fatalf("expected one direct delivery, got %+v", h.received)
	}
}

func TestSession_ContextCoalescesWhileOffline(t *testing.T) {
	h := newHarness(t)
	h.activateBoth()

	running := wire.EncodeTimerState(model.TimerWireMessage{Mode: model.ModeAMRAP, Phase: model.PhaseRunning, DisplaySeconds: 45})
	idle := wire.EncodeTimerState(model.TimerWireMessage{Mode: model.ModeAMRAP, Phase: model.PhaseIdle})
	if r := h.primary.SendOrFallback(running, DurableContext); r != RouteContext {
		t.Fatalf("expected context, got %s", r)
	}
	h.primary.SendOrFallback(idle, DurableContext)
	if _, has := h.pair.PendingDurable(h.pair.Companion()); !has {
		t.Fatalf("expected context held for companion")
	}

	h.pair.SetConnected(true)
	h.sched.Drain()
	if len(h.received) != 1 {
		t.Fatalf("expected one coalesced delivery, got %d", len(h.received))
	}
	if got := h.received[0].Payload["phase"]; got != string(model.PhaseIdle) {
		t.Fatalf("expected idle to win, got %v", got)
	}
	if h.received[0].Channel != ChannelContext {
		t.Fatalf("expected context channel, got %s", h.received[0].Channel)
	}
}

func TestSession_QueueKeepsOrderAcrossReconnect(t *testing.T) {
	h := newHarness(t)
	h.activateBoth()
	for _, bpm := range []float64{90, 92, 88} {
		if r := h.primary.SendOrFallback(wire.EncodeHeartRate(bpm), DurableQueue); r != RouteQueued {
			t.Fatalf("expected queued, got %s", r)
		}
	}
	h.pair.SetConnected(true)
	h.sched.Drain()
	if len(h.received) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(h.received))
	}
	for i, want := range []float64{90, 92, 88} {
		got, err := wire.DecodeHeartRate(h.received[i].Payload)
		if err != nil || got != want {
			t.Fatalf("item %d: expected %v, got %v (%v)", i, want, got, err)
		}
	}
}

func TestSession_StatusSubscribersSeeReachability(t *testing.T) {
	h := newHarness(t)
	var seen []model.LinkStatus
	h.primary.Subscribe(func(_, next model.LinkStatus) { seen = append(seen, next) })
	h.activateBoth()
	h.pair.SetConnected(true)
	h.sched.Drain()
	h.pair.SetConnected(false)
	h.sched.Drain()

	if len(seen) != 3 {
		t.Fatalf("expected 3 changes, got %d: %+v", len(seen), seen)
	}
	if seen[0].Activation != model.Activated || seen[0].Reachable {
		t.Fatalf("unexpected first status %+v", seen[0])
	}
	if !seen[1].Reachable || seen[2].Reachable {
		t.Fatalf("expected reachable then unreachable, got %+v", seen[1:])
	}
}

func TestSession_RequestReplyRunsOnActor(t *testing.T) {
	h := newHarness(t)
	h.pair.SetConnected(true)
	h.activateBoth()
	h.companion.OnMessage(func(in Inbound) {
		if in.Reply != nil {
			in.Reply(wire.EncodePong("x"))
		}
	})

	var got wire.Payload
	if err := h.primary.Request(wire.EncodePing("x"), func(p wire.Payload) { got = p }, nil); err != nil {
		t.Fatalf("request: %v", err)
	}
	if got != nil {
		t.Fatalf("reply must not run before the actor drains")
	}
	h.sched.Drain()
	if got["pingId"] != "x" {
		t.Fatalf("expected pong for x, got %v", got)
	}
}

// failingTransport accepts direct sends and fails them asynchronously.
type failingTransport struct {
	handler  Handler
	status   model.LinkStatus
	failures []func(error)
	queued   []wire.Payload
	context  []wire.Payload
}

func (f *failingTransport) SetHandler(h Handler)     { f.handler = h }
func (f *failingTransport) Status() model.LinkStatus { return f.status }
func (f *failingTransport) Activate() error          { return nil }
func (f *failingTransport) Close() error             { return nil }

func (f *failingTransport) SendMessage(_ wire.Payload, _ func(wire.Payload), onErr func(error)) error {
	f.failures = append(f.failures, onErr)
	return nil
}

func (f *failingTransport) TransferUserInfo(p wire.Payload) error {
	f.queued = append(f.queued, p)
	return nil
}

func (f *failingTransport) UpdateApplicationContext(p wire.Payload) error {
	f.context = append(f.context, p)
	return nil
}

func TestSession_DirectFailureFallsBack(t *testing.T) {
	sched := actor.NewManual(time.Unix(0, 0))
	tr := &failingTransport{status: model.LinkStatus{Supported: true, Paired: true, CompanionAppInstalled: true, Reachable: true, Activation: model.Activated}}
	s := NewSession(tr, sched, nil)

	if r := s.SendOrFallback(wire.EncodeHeartRate(120), DurableQueue); r != RouteDirect {
		t.Fatalf("expected direct attempt, got %s", r)
	}
	if r := s.SendOrFallback(wire.EncodeTimerState(model.TimerWireMessage{Mode: model.ModeEMOM, Phase: model.PhaseRunning}), DurableContext); r != RouteDirect {
		t.Fatalf("expected direct attempt, got %s", r)
	}
	for _, fail := range tr.failures {
		fail(ErrDisconnected)
	}
	sched.Drain()
	if len(tr.queued) != 1 || len(tr.context) != 1 {
		t.Fatalf("expected one queue and one context fallback, got %d/%d", len(tr.queued), len(tr.context))
	}
}

func TestSession_LateFallbackReportsRoute(t *testing.T) {
	sched := actor.NewManual(time.Unix(0, 0))
	tr := &failingTransport{status: model.LinkStatus{Supported: true, Paired: true, CompanionAppInstalled: true, Reachable: true, Activation: model.Activated}}
	s := NewSession(tr, sched, nil)

	var late []Route
	if r := s.SendOrFallbackFunc(wire.EncodeHeartRate(90), DurableContext, func(r Route) { late = append(late, r) }); r != RouteDirect {
		t.Fatalf("expected direct attempt, got %s", r)
	}
	if len(late) != 0 {
		t.Fatalf("hook must not run before the failure")
	}
	tr.failures[0](ErrDisconnected)
	sched.Drain()
	if len(late) != 1 || late[0] != RouteContext {
		t.Fatalf("expected one late context route, got %v", late)
	}
}

func TestStatus_NormalizeClearsReachable(t *testing.T) {
	sched := actor.NewManual(time.Unix(0, 0))
	tr := &failingTransport{status: model.LinkStatus{Supported: true, Reachable: true, Activation: model.Activating}}
	s := NewSession(tr, sched, nil)
	if s.Status().Reachable {
		t.Fatalf("reachable must imply activated")
	}
	tr.handler(Event{Kind: EventStatus, Status: model.LinkStatus{Supported: true, Reachable: true, Activation: model.Unactivated}})
	sched.Drain()
	if s.Status().Reachable {
		t.Fatalf("reachable must imply activated after an event")
	}
}
