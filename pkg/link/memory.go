package link

import (
	"sync"

	"timer-link/pkg/model"
	"timer-link/pkg/wire"
)

// MemoryPair is an in-process link between two endpoints. It models the
// platform semantics the protocol depends on: direct delivery only while
// reachable, a FIFO queue and a coalescing context slot held until the link
// comes back.
type MemoryPair struct {
	mu          sync.Mutex
	primary     *MemoryEndpoint
	companion   *MemoryEndpoint
	connected   bool
	paired      bool
	installed   bool
	holdReplies bool
	heldReplies []func()
}

// MemoryEndpoint is one side of a MemoryPair.
type MemoryEndpoint struct {
	pair       *MemoryPair
	name       string
	peer       *MemoryEndpoint
	handler    Handler
	supported  bool
	activation model.ActivationState
	closed     bool

	// inbound durable items waiting for this endpoint
	queue   []wire.Payload
	context wire.Payload
}

// NewMemoryPair returns a paired, installed, disconnected link.
func NewMemoryPair() *MemoryPair {
	p := &MemoryPair{paired: true, installed: true}
	p.primary = &MemoryEndpoint{pair: p, name: "primary", supported: true}
	p.companion = &MemoryEndpoint{pair: p, name: "companion", supported: true}
	p.primary.peer = p.companion
	p.companion.peer = p.primary
	return p
}

func (p *MemoryPair) Primary() *MemoryEndpoint   { return p.primary }
func (p *MemoryPair) Companion() *MemoryEndpoint { return p.companion }

// SetConnected toggles the underlying radio link. Reconnecting flushes any
// held durable items to both sides.
func (p *MemoryPair) SetConnected(connected bool) {
	p.mu.Lock()
	p.connected = connected
	deliveries := p.statusDeliveriesLocked()
	deliveries = append(deliveries, p.flushLocked(p.primary)...)
	deliveries = append(deliveries, p.flushLocked(p.companion)...)
	p.mu.Unlock()
	run(deliveries)
}

// SetPaired updates pairing and companion-install flags on both sides.
func (p *MemoryPair) SetPaired(paired, installed bool) {
	p.mu.Lock()
	p.paired = paired
	p.installed = installed
	deliveries := p.statusDeliveriesLocked()
	p.mu.Unlock()
	run(deliveries)
}

// HoldReplies queues direct replies instead of delivering them.
func (p *MemoryPair) HoldReplies(hold bool) {
	p.mu.Lock()
	p.holdReplies = hold
	p.mu.Unlock()
}

// ReleaseReplies delivers every held reply in order.
func (p *MemoryPair) ReleaseReplies() {
	p.mu.Lock()
	held := p.heldReplies
	p.heldReplies = nil
	p.mu.Unlock()
	run(held)
}

// PendingDurable reports items held for the named side.
func (p *MemoryPair) PendingDurable(e *MemoryEndpoint) (queued int, hasContext bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(e.queue), e.context != nil
}

func (p *MemoryPair) reachableLocked(e *MemoryEndpoint) bool {
	return p.connected && !e.closed && !e.peer.closed &&
		e.activation == model.Activated && e.peer.activation == model.Activated
}

func (p *MemoryPair) statusLocked(e *MemoryEndpoint) model.LinkStatus {
	return model.LinkStatus{
		Supported:             e.supported,
		Paired:                p.paired,
		CompanionAppInstalled: p.installed,
		Reachable:             p.reachableLocked(e),
		Activation:            e.activation,
	}.Normalize()
}

func (p *MemoryPair) statusDeliveriesLocked() []func() {
	var out []func()
	for _, e := range []*MemoryEndpoint{p.primary, p.companion} {
		if h := e.handler; h != nil {
			st := p.statusLocked(e)
			out = append(out, func() { h(Event{Kind: EventStatus, Status: st}) })
		}
	}
	return out
}

// flushLocked drains durable items held for e when it can receive them.
func (p *MemoryPair) flushLocked(e *MemoryEndpoint) []func() {
	if !p.reachableLocked(e) || e.handler == nil {
		return nil
	}
	h := e.handler
	var out []func()
	for _, item := range e.queue {
		in := Inbound{Payload: item, Channel: ChannelQueue}
		out = append(out, func() { h(Event{Kind: EventMessage, Inbound: in}) })
	}
	e.queue = nil
	if e.context != nil {
		in := Inbound{Payload: e.context, Channel: ChannelContext}
		out = append(out, func() { h(Event{Kind: EventMessage, Inbound: in}) })
		e.context = nil
	}
	return out
}

func run(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

func (e *MemoryEndpoint) SetHandler(h Handler) {
	e.pair.mu.Lock()
	e.handler = h
	e.pair.mu.Unlock()
}

func (e *MemoryEndpoint) Status() model.LinkStatus {
	e.pair.mu.Lock()
	defer e.pair.mu.Unlock()
	return e.pair.statusLocked(e)
}

// SetSupported simulates a device without link support.
func (e *MemoryEndpoint) SetSupported(supported bool) {
	e.pair.mu.Lock()
	e.supported = supported
	deliveries := e.pair.statusDeliveriesLocked()
	e.pair.mu.Unlock()
	run(deliveries)
}

func (e *MemoryEndpoint) Activate() error {
	p := e.pair
	p.mu.Lock()
	if !e.supported {
		p.mu.Unlock()
		return ErrUnsupported
	}
	if e.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	e.activation = model.Activated
	deliveries := p.statusDeliveriesLocked()
	deliveries = append(deliveries, p.flushLocked(e)...)
	deliveries = append(deliveries, p.flushLocked(e.peer)...)
	p.mu.Unlock()
	run(deliveries)
	return nil
}

func (e *MemoryEndpoint) SendMessage(payload wire.Payload, reply func(wire.Payload), onErr func(error)) error {
	p := e.pair
	p.mu.Lock()
	if e.activation != model.Activated {
		p.mu.Unlock()
		return ErrNotActivated
	}
	if !p.reachableLocked(e) {
		p.mu.Unlock()
		return ErrNotReachable
	}
	h := e.peer.handler
	p.mu.Unlock()
	if h == nil {
		return ErrNotReachable
	}
	in := Inbound{Payload: clonePayload(payload), Channel: ChannelDirect}
	if reply != nil {
		in.Reply = func(r wire.Payload) {
			r = clonePayload(r)
			p.mu.Lock()
			if p.holdReplies {
				p.heldReplies = append(p.heldReplies, func() { reply(r) })
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
			reply(r)
		}
	}
	h(Event{Kind: EventMessage, Inbound: in})
	return nil
}

func (e *MemoryEndpoint) TransferUserInfo(payload wire.Payload) error {
	return e.durable(payload, func(peer *MemoryEndpoint, item wire.Payload) {
		peer.queue = append(peer.queue, item)
	})
}

func (e *MemoryEndpoint) UpdateApplicationContext(payload wire.Payload) error {
	return e.durable(payload, func(peer *MemoryEndpoint, item wire.Payload) {
		peer.context = item
	})
}

func (e *MemoryEndpoint) durable(payload wire.Payload, store func(*MemoryEndpoint, wire.Payload)) error {
	p := e.pair
	p.mu.Lock()
	if e.activation != model.Activated {
		p.mu.Unlock()
		return ErrNotActivated
	}
	store(e.peer, clonePayload(payload))
	deliveries := p.flushLocked(e.peer)
	p.mu.Unlock()
	run(deliveries)
	return nil
}

// Close deactivates the endpoint; held items stay queued for its peer.
func (e *MemoryEndpoint) Close() error {
	p := e.pair
	p.mu.Lock()
	e.closed = true
	e.activation = model.Unactivated
	deliveries := p.statusDeliveriesLocked()
	p.mu.Unlock()
	run(deliveries)
	return nil
}
