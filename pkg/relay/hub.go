// Package relay is the server both peers of a pairing connect to. It routes
// direct frames between connected devices and keeps durable items in a
// mailbox for devices that are away.
package relay

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"timer-link/pkg/auth"
	"timer-link/pkg/link"
	"timer-link/pkg/model"
	"timer-link/pkg/store"
	"timer-link/pkg/wire"
)

const storeTimeout = 5 * time.Second

type client struct {
	deviceID string
	peerID   string
	role     model.Role
	conn     *websocket.Conn
	writeMu  sync.Mutex
}

func (c *client) send(f link.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(f)
}

type pendingReply struct {
	from string
	to   string
}

// ConnInfo describes a connected device.
type ConnInfo struct {
	DeviceID string     `json:"deviceId"`
	PeerID   string     `json:"peerId"`
	Role     model.Role `json:"role"`
}

// Hub keeps the device connections keyed by device id.
type Hub struct {
	upgrader websocket.Upgrader
	signer   *auth.Signer
	registry store.PairingRegistry
	mailbox  store.Mailbox
	log      hclog.Logger

	mu      sync.RWMutex
	clients map[string]*client
	pending map[string]pendingReply

	// route orders durable delivery against the mailbox flush on connect.
	route sync.Mutex
}

func NewHub(signer *auth.Signer, registry store.PairingRegistry, mailbox store.Mailbox, log hclog.Logger) *Hub {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		signer:   signer,
		registry: registry,
		mailbox:  mailbox,
		log:      log.Named("hub"),
		clients:  map[string]*client{},
		pending:  map[string]pendingReply{},
	}
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// HandleLink authenticates the device token and upgrades the connection.
func (h *Hub) HandleLink(w http.ResponseWriter, r *http.Request) {
	claims, err := h.signer.Parse(bearer(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := h.registry.Lookup(r.Context(), claims.DeviceID); err != nil {
		http.Error(w, "unknown device", http.StatusForbidden)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "device", claims.DeviceID, "error", err)
		return
	}
	c := &client{deviceID: claims.DeviceID, peerID: claims.PeerID, role: claims.Role, conn: conn}
	h.attach(c)
	go h.readLoop(c)
}

func (h *Hub) attach(c *client) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if c.role == model.RoleCompanion {
		if err := h.registry.MarkInstalled(ctx, c.deviceID); err != nil {
			h.log.Warn("mark installed failed", "device", c.deviceID, "error", err)
		}
	}

	h.route.Lock()
	h.mu.Lock()
	if old, ok := h.clients[c.deviceID]; ok {
		_ = old.conn.Close()
	}
	h.clients[c.deviceID] = c
	h.mu.Unlock()
	h.flush(ctx, c)
	h.route.Unlock()

	h.log.Info("device connected", "device", c.deviceID, "role", c.role)
	h.pushStatus(ctx, c.deviceID, c.peerID)
}

// flush delivers the stored queue, then the context slot.
func (h *Hub) flush(ctx context.Context, c *client) {
	items, err := h.mailbox.DrainTransfers(ctx, c.deviceID)
	if err != nil {
		h.log.Warn("drain transfers failed", "device", c.deviceID, "error", err)
	}
	for i, raw := range items {
		p, err := wire.Unmarshal(raw)
		if err != nil {
			h.log.Warn("dropping stored item", "device", c.deviceID, "error", err)
			continue
		}
		if err := c.send(link.Frame{Type: link.FrameDeliver, Channel: link.ChannelQueue, Payload: p}); err != nil {
			h.log.Warn("flush failed, re-queueing", "device", c.deviceID, "error", err)
			var lost *multierror.Error
			for _, rest := range items[i:] {
				if err := h.mailbox.EnqueueTransfer(ctx, c.deviceID, rest); err != nil {
					lost = multierror.Append(lost, err)
				}
			}
			if err := lost.ErrorOrNil(); err != nil {
				h.log.Error("mailbox write failed", "device", c.deviceID, "channel", link.ChannelQueue, "lost", len(lost.Errors), "error", err)
			}
			return
		}
	}
	raw, ok, err := h.mailbox.TakeContext(ctx, c.deviceID)
	if err != nil {
		h.log.Warn("take context failed", "device", c.deviceID, "error", err)
		return
	}
	if !ok {
		return
	}
	p, err := wire.Unmarshal(raw)
	if err != nil {
		h.log.Warn("dropping stored context", "device", c.deviceID, "error", err)
		return
	}
	if err := c.send(link.Frame{Type: link.FrameDeliver, Channel: link.ChannelContext, Payload: p}); err != nil {
		h.log.Warn("flush failed, restoring context", "device", c.deviceID, "error", err)
		if err := h.mailbox.SetContext(ctx, c.deviceID, raw); err != nil {
			h.log.Error("mailbox write failed", "device", c.deviceID, "channel", link.ChannelContext, "error", err)
		}
	}
}

func (h *Hub) lookup(deviceID string) *client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[deviceID]
}

// pushStatus sends each connected side of the pairing its current view.
func (h *Hub) pushStatus(ctx context.Context, a, b string) {
	installed := false
	if p, err := h.registry.Lookup(ctx, a); err == nil {
		installed = p.CompanionInstalled
	}
	ca, cb := h.lookup(a), h.lookup(b)
	st := &link.RelayStatus{
		Paired:                true,
		CompanionAppInstalled: installed,
		Reachable:             ca != nil && cb != nil,
	}
	for _, c := range []*client{ca, cb} {
		if c == nil {
			continue
		}
		if err := c.send(link.Frame{Type: link.FrameStatus, Status: st}); err != nil {
			h.log.Debug("status push failed", "device", c.deviceID, "error", err)
		}
	}
}

func (h *Hub) readLoop(c *client) {
	defer h.detach(c)
	for {
		var f link.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case link.FrameSend:
			h.handleSend(c, f)
		case link.FrameReply:
			h.handleReply(c, f)
		default:
			h.log.Debug("ignoring frame", "device", c.deviceID, "type", f.Type)
		}
	}
}

func (h *Hub) handleSend(c *client, f link.Frame) {
	switch f.Channel {
	case link.ChannelDirect:
		h.sendDirect(c, f)
	case link.ChannelQueue, link.ChannelContext:
		h.sendDurable(c, f)
	default:
		h.log.Debug("unknown channel", "device", c.deviceID, "channel", f.Channel)
	}
}

func (h *Hub) sendDirect(c *client, f link.Frame) {
	target := h.lookup(c.peerID)
	if target == nil {
		h.fail(c, f.ID, link.ErrNotReachable)
		return
	}
	if f.ExpectsReply {
		h.mu.Lock()
		h.pending[f.ID] = pendingReply{from: c.deviceID, to: target.deviceID}
		h.mu.Unlock()
	}
	err := target.send(link.Frame{
		Type:         link.FrameDeliver,
		ID:           f.ID,
		Channel:      link.ChannelDirect,
		ExpectsReply: f.ExpectsReply,
		Payload:      f.Payload,
	})
	if err != nil {
		h.mu.Lock()
		delete(h.pending, f.ID)
		h.mu.Unlock()
		h.fail(c, f.ID, err)
		return
	}
	if !f.ExpectsReply {
		_ = c.send(link.Frame{Type: link.FrameAck, ID: f.ID})
	}
}

func (h *Hub) fail(c *client, id string, err error) {
	if id == "" {
		return
	}
	if werr := c.send(link.Frame{Type: link.FrameError, ID: id, Error: err.Error()}); werr != nil {
		h.log.Debug("error frame failed", "device", c.deviceID, "error", werr)
	}
}

func (h *Hub) sendDurable(c *client, f link.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	h.route.Lock()
	defer h.route.Unlock()
	if target := h.lookup(c.peerID); target != nil {
		err := target.send(link.Frame{Type: link.FrameDeliver, Channel: f.Channel, Payload: f.Payload})
		if err == nil {
			return
		}
		h.log.Debug("durable delivery failed, storing", "device", target.deviceID, "error", err)
	}
	raw, err := wire.Marshal(f.Payload)
	if err != nil {
		h.log.Warn("dropping durable item", "device", c.deviceID, "error", err)
		return
	}
	if f.Channel == link.ChannelQueue {
		err = h.mailbox.EnqueueTransfer(ctx, c.peerID, raw)
	} else {
		err = h.mailbox.SetContext(ctx, c.peerID, raw)
	}
	if err != nil {
		h.log.Error("mailbox write failed", "device", c.peerID, "channel", f.Channel, "error", err)
	}
}

func (h *Hub) handleReply(c *client, f link.Frame) {
	h.mu.Lock()
	p, ok := h.pending[f.ID]
	if ok && p.to == c.deviceID {
		delete(h.pending, f.ID)
	}
	h.mu.Unlock()
	if !ok || p.to != c.deviceID {
		h.log.Debug("unmatched reply", "device", c.deviceID, "id", f.ID)
		return
	}
	if sender := h.lookup(p.from); sender != nil {
		if err := sender.send(link.Frame{Type: link.FrameReply, ID: f.ID, Payload: f.Payload}); err != nil {
			h.log.Debug("reply forward failed", "device", p.from, "error", err)
		}
	}
}

func (h *Hub) detach(c *client) {
	_ = c.conn.Close()
	h.mu.Lock()
	if h.clients[c.deviceID] == c {
		delete(h.clients, c.deviceID)
	}
	var orphaned []string
	for id, p := range h.pending {
		switch {
		case p.to == c.deviceID:
			orphaned = append(orphaned, id)
			delete(h.pending, id)
		case p.from == c.deviceID:
			delete(h.pending, id)
		}
	}
	h.mu.Unlock()

	if sender := h.lookup(c.peerID); sender != nil {
		for _, id := range orphaned {
			h.fail(sender, id, link.ErrDisconnected)
		}
	}
	h.log.Info("device disconnected", "device", c.deviceID)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	h.pushStatus(ctx, c.deviceID, c.peerID)
}

// Connected lists the connected devices ordered by id.
func (h *Hub) Connected() []ConnInfo {
	h.mu.RLock()
	out := make([]ConnInfo, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, ConnInfo{DeviceID: c.deviceID, PeerID: c.peerID, Role: c.role})
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Close drops every connection and closes the mailbox.
func (h *Hub) Close() error {
	var result *multierror.Error
	h.mu.Lock()
	for id, c := range h.clients {
		if err := c.conn.Close(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			result = multierror.Append(result, err)
		}
		delete(h.clients, id)
	}
	h.mu.Unlock()
	if err := h.mailbox.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
