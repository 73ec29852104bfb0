package link

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"timer-link/pkg/model"
	"timer-link/pkg/wire"
)

// WSConfig configures a relay client.
type WSConfig struct {
	// Relay is the relay base URL (http or https).
	Relay      string
	Token      string
	RetryDelay time.Duration
	Logger     hclog.Logger
	Dialer     *websocket.Dialer
}

type pendingSend struct {
	reply func(wire.Payload)
	onErr func(error)
}

// WSTransport connects to the relay over a websocket. Durable items sent
// while disconnected are kept locally and flushed on the next connect.
type WSTransport struct {
	endpoint string
	token    string
	retry    time.Duration
	dialer   *websocket.Dialer
	log      hclog.Logger

	mu         sync.Mutex
	writeMu    sync.Mutex
	conn       *websocket.Conn
	handler    Handler
	activation model.ActivationState
	relay      RelayStatus
	pending    map[string]pendingSend
	outQueue   []wire.Payload
	outContext wire.Payload
	cancel     context.CancelFunc
	done       chan struct{}
	closed     bool
}

// LinkEndpoint converts a relay base URL into its websocket endpoint.
func LinkEndpoint(relay string) (string, error) {
	u, err := url.Parse(relay)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws", "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	u.Path = "/api/v1/link/ws"
	return u.String(), nil
}

func NewWSTransport(cfg WSConfig) (*WSTransport, error) {
	endpoint, err := LinkEndpoint(cfg.Relay)
	if err != nil {
		return nil, err
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &WSTransport{
		endpoint: endpoint,
		token:    cfg.Token,
		retry:    cfg.RetryDelay,
		dialer:   cfg.Dialer,
		log:      cfg.Logger.Named("ws"),
		pending:  map[string]pendingSend{},
	}, nil
}

func (t *WSTransport) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *WSTransport) Status() model.LinkStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked()
}

func (t *WSTransport) statusLocked() model.LinkStatus {
	return model.LinkStatus{
		Supported:             true,
		Paired:                t.relay.Paired,
		CompanionAppInstalled: t.relay.CompanionAppInstalled,
		Reachable:             t.conn != nil && t.relay.Reachable,
		Activation:            t.activation,
	}.Normalize()
}

func (t *WSTransport) emitStatus() {
	t.mu.Lock()
	h := t.handler
	st := t.statusLocked()
	t.mu.Unlock()
	if h != nil {
		h(Event{Kind: EventStatus, Status: st})
	}
}

// Activate starts the connect loop. Activation completes on the first
// successful connect and survives later disconnects.
func (t *WSTransport) Activate() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.activation != model.Unactivated {
		t.mu.Unlock()
		return nil
	}
	t.activation = model.Activating
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	t.mu.Unlock()

	t.emitStatus()
	go t.loop(ctx)
	return nil
}

func (t *WSTransport) loop(ctx context.Context) {
	defer close(t.done)
	for {
		header := http.Header{}
		if t.token != "" {
			header.Set("Authorization", "Bearer "+t.token)
		}
		conn, resp, err := t.dialer.DialContext(ctx, t.endpoint, header)
		if err != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			t.log.Warn("dial failed", "url", t.endpoint, "status", status, "error", err)
			if !sleepCtx(ctx, t.retry) {
				return
			}
			continue
		}
		t.onConnect(conn)
		t.log.Info("connected to relay", "url", t.endpoint)
		t.readLoop(conn)
		t.onDisconnect(conn)
		if ctx.Err() != nil {
			return
		}
		t.log.Info("disconnected, retrying", "delay", t.retry)
		if !sleepCtx(ctx, t.retry) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (t *WSTransport) onConnect(conn *websocket.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.activation = model.Activated
	queue := t.outQueue
	ctxItem := t.outContext
	t.outQueue = nil
	t.outContext = nil
	t.mu.Unlock()
	t.emitStatus()

	for _, p := range queue {
		if err := t.write(Frame{Type: FrameSend, Channel: ChannelQueue, Payload: p}); err != nil {
			t.log.Warn("flush queue failed", "error", err)
			t.requeue(p)
		}
	}
	if ctxItem != nil {
		if err := t.write(Frame{Type: FrameSend, Channel: ChannelContext, Payload: ctxItem}); err != nil {
			t.log.Warn("flush context failed", "error", err)
			t.mu.Lock()
			if t.outContext == nil {
				t.outContext = ctxItem
			}
			t.mu.Unlock()
		}
	}
}

func (t *WSTransport) requeue(p wire.Payload) {
	t.mu.Lock()
	t.outQueue = append(t.outQueue, p)
	t.mu.Unlock()
}

func (t *WSTransport) onDisconnect(conn *websocket.Conn) {
	_ = conn.Close()
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.relay.Reachable = false
	pending := t.pending
	t.pending = map[string]pendingSend{}
	t.mu.Unlock()

	for _, p := range pending {
		if p.onErr != nil {
			p.onErr(ErrDisconnected)
		}
	}
	t.emitStatus()
}

func (t *WSTransport) readLoop(conn *websocket.Conn) {
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.log.Debug("read ended", "error", err)
			return
		}
		t.dispatch(f)
	}
}

func (t *WSTransport) dispatch(f Frame) {
	switch f.Type {
	case FrameStatus:
		if f.Status == nil {
			return
		}
		t.mu.Lock()
		t.relay = *f.Status
		t.mu.Unlock()
		t.emitStatus()
	case FrameDeliver:
		in := Inbound{Payload: f.Payload, Channel: f.Channel}
		if f.ExpectsReply && f.ID != "" {
			id := f.ID
			in.Reply = func(r wire.Payload) {
				if err := t.write(Frame{Type: FrameReply, ID: id, Payload: r}); err != nil {
					t.log.Warn("reply failed", "id", id, "error", err)
				}
			}
		}
		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h != nil {
			h(Event{Kind: EventMessage, Inbound: in})
		}
	case FrameReply, FrameAck, FrameError:
		t.mu.Lock()
		p, ok := t.pending[f.ID]
		delete(t.pending, f.ID)
		t.mu.Unlock()
		if !ok {
			t.log.Debug("unmatched frame", "type", f.Type, "id", f.ID)
			return
		}
		switch {
		case f.Type == FrameError && p.onErr != nil:
			p.onErr(errors.New(f.Error))
		case f.Type == FrameReply && p.reply != nil:
			p.reply(f.Payload)
		}
	default:
		t.log.Debug("unknown frame", "type", f.Type)
	}
}

func (t *WSTransport) write(f Frame) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

func (t *WSTransport) SendMessage(p wire.Payload, reply func(wire.Payload), onErr func(error)) error {
	t.mu.Lock()
	if t.activation != model.Activated {
		t.mu.Unlock()
		return ErrNotActivated
	}
	if t.conn == nil || !t.relay.Reachable {
		t.mu.Unlock()
		return ErrNotReachable
	}
	id := uuid.NewString()
	t.pending[id] = pendingSend{reply: reply, onErr: onErr}
	t.mu.Unlock()

	err := t.write(Frame{Type: FrameSend, ID: id, Channel: ChannelDirect, ExpectsReply: reply != nil, Payload: p})
	if err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return err
	}
	return nil
}

func (t *WSTransport) TransferUserInfo(p wire.Payload) error {
	return t.sendDurable(p, ChannelQueue)
}

func (t *WSTransport) UpdateApplicationContext(p wire.Payload) error {
	return t.sendDurable(p, ChannelContext)
}

func (t *WSTransport) sendDurable(p wire.Payload, ch Channel) error {
	t.mu.Lock()
	if t.activation != model.Activated {
		t.mu.Unlock()
		return ErrNotActivated
	}
	p = clonePayload(p)
	if t.conn == nil {
		if ch == ChannelQueue {
			t.outQueue = append(t.outQueue, p)
		} else {
			t.outContext = p
		}
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.write(Frame{Type: FrameSend, Channel: ch, Payload: p}); err != nil {
		t.log.Debug("durable write failed, holding locally", "channel", ch, "error", err)
		t.mu.Lock()
		if ch == ChannelQueue {
			t.outQueue = append(t.outQueue, p)
		} else {
			t.outContext = p
		}
		t.mu.Unlock()
	}
	return nil
}

// Close stops the connect loop and waits for it to exit.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel, done, conn := t.cancel, t.done, t.conn
	t.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		err = conn.Close()
	}
	if done != nil {
		<-done
	}
	return err
}
