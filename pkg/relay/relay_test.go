package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"timer-link/pkg/auth"
	"timer-link/pkg/link"
	"timer-link/pkg/model"
	"timer-link/pkg/store"
	"timer-link/pkg/wire"
)

const adminToken = "admin-secret"

type testRelay struct {
	srv      *httptest.Server
	hub      *Hub
	registry *store.MemoryRegistry
	signer   *auth.Signer
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	registry := store.NewMemoryRegistry()
	signer := auth.NewSigner("test-secret")
	hub := NewHub(signer, registry, store.NewMemory(), nil)
	mux := http.NewServeMux()
	RegisterRoutes(mux, hub, registry, signer, Options{AdminToken: adminToken})
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		_ = hub.Close()
	})
	return &testRelay{srv: srv, hub: hub, registry: registry, signer: signer}
}

func (r *testRelay) pair(t *testing.T) {
	t.Helper()
	if _, err := r.registry.CreatePairing(context.Background(), "phone", "watch", "s3cret"); err != nil {
		t.Fatalf("create pairing: %v", err)
	}
}

func (r *testRelay) token(t *testing.T, device string) string {
	t.Helper()
	tok, err := FetchToken(context.Background(), r.srv.Client(), r.srv.URL, device, "s3cret")
	if err != nil {
		t.Fatalf("fetch token for %s: %v", device, err)
	}
	return tok.Token
}

func (r *testRelay) dial(t *testing.T, device string) *websocket.Conn {
	t.Helper()
	endpoint, err := link.LinkEndpoint(r.srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+r.token(t, device))
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, header)
	if err != nil {
		t.Fatalf("dial %s: %v", device, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// next reads frames until one that is not a status frame arrives.
func next(t *testing.T, c *websocket.Conn) link.Frame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var f link.Frame
		if err := c.ReadJSON(&f); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if f.Type != link.FrameStatus {
			return f
		}
	}
}

func nextStatus(t *testing.T, c *websocket.Conn) link.RelayStatus {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var f link.Frame
		if err := c.ReadJSON(&f); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if f.Type == link.FrameStatus && f.Status != nil {
			return *f.Status
		}
	}
}

func post(t *testing.T, url, token string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Auth-Token", token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestPairingEndpoints(t *testing.T) {
	r := newTestRelay(t)
	url := r.srv.URL + "/api/v1/pairings"
	req := PairingRequest{PrimaryID: "phone", CompanionID: "watch", Secret: "s3cret"}

	if resp := post(t, url, "", req); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without admin token, got %d", resp.StatusCode)
	}
	if resp := post(t, url, adminToken, req); resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if resp := post(t, url, adminToken, req); resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate pairing, got %d", resp.StatusCode)
	}
	bad := PairingRequest{PrimaryID: "x", CompanionID: "x", Secret: "s"}
	if resp := post(t, url, adminToken, bad); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for self pairing, got %d", resp.StatusCode)
	}

	tokURL := r.srv.URL + "/api/v1/pairings/token"
	if resp := post(t, tokURL, "", TokenRequest{DeviceID: "watch", Secret: "wrong"}); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad secret, got %d", resp.StatusCode)
	}
	tok, err := FetchToken(context.Background(), nil, r.srv.URL, "watch", "s3cret")
	if err != nil {
		t.Fatalf("fetch token: %v", err)
	}
	if tok.Role != string(model.RoleCompanion) || tok.PeerID != "phone" {
		t.Fatalf("unexpected token response %+v", tok)
	}
	claims, err := r.signer.Parse(tok.Token)
	if err != nil || claims.DeviceID != "watch" || claims.PeerID != "phone" {
		t.Fatalf("token does not carry the pairing: %+v %v", claims, err)
	}
}

func TestLinkRejectsMissingToken(t *testing.T) {
	r := newTestRelay(t)
	endpoint, _ := link.LinkEndpoint(r.srv.URL)
	_, resp, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestStatusFollowsConnections(t *testing.T) {
	r := newTestRelay(t)
	r.pair(t)

	phone := r.dial(t, "phone")
	if st := nextStatus(t, phone); !st.Paired || st.Reachable || st.CompanionAppInstalled {
		t.Fatalf("phone alone: unexpected status %+v", st)
	}
	watch := r.dial(t, "watch")
	if st := nextStatus(t, watch); !st.Reachable || !st.CompanionAppInstalled {
		t.Fatalf("watch: unexpected status %+v", st)
	}
	if st := nextStatus(t, phone); !st.Reachable || !st.CompanionAppInstalled {
		t.Fatalf("phone after watch connect: unexpected status %+v", st)
	}

	_ = watch.Close()
	if st := nextStatus(t, phone); st.Reachable {
		t.Fatalf("phone after watch disconnect: expected unreachable, got %+v", st)
	}
}

func TestDirectRouting(t *testing.T) {
	r := newTestRelay(t)
	r.pair(t)
	phone := r.dial(t, "phone")

	// counterpart offline
	_ = phone.WriteJSON(link.Frame{Type: link.FrameSend, ID: "a", Channel: link.ChannelDirect, ExpectsReply: true, Payload: wire.EncodePing("p1")})
	if f := next(t, phone); f.Type != link.FrameError || f.ID != "a" {
		t.Fatalf("expected error frame for offline peer, got %+v", f)
	}

	watch := r.dial(t, "watch")
	nextStatus(t, phone)

	_ = phone.WriteJSON(link.Frame{Type: link.FrameSend, ID: "b", Channel: link.ChannelDirect, ExpectsReply: true, Payload: wire.EncodePing("p2")})
	f := next(t, watch)
	if f.Type != link.FrameDeliver || f.ID != "b" || !f.ExpectsReply {
		t.Fatalf("expected deliver to watch, got %+v", f)
	}
	_ = watch.WriteJSON(link.Frame{Type: link.FrameReply, ID: "b", Payload: wire.EncodePong("p2")})
	f = next(t, phone)
	if f.Type != link.FrameReply || f.ID != "b" {
		t.Fatalf("expected reply on phone, got %+v", f)
	}
	if pong, err := wire.DecodePong(f.Payload); err != nil || pong.PingID != "p2" {
		t.Fatalf("unexpected pong %+v %v", pong, err)
	}

	_ = phone.WriteJSON(link.Frame{Type: link.FrameSend, ID: "c", Channel: link.ChannelDirect, Payload: wire.EncodeCommand("start")})
	if f := next(t, watch); f.Type != link.FrameDeliver || f.ID != "c" {
		t.Fatalf("expected command delivered, got %+v", f)
	}
	if f := next(t, phone); f.Type != link.FrameAck || f.ID != "c" {
		t.Fatalf("expected ack, got %+v", f)
	}
}

func TestDurableItemsWaitForCounterpart(t *testing.T) {
	r := newTestRelay(t)
	r.pair(t)
	phone := r.dial(t, "phone")

	for _, p := range []wire.Payload{wire.EncodeCommand("start"), wire.EncodeCommand("stop")} {
		_ = phone.WriteJSON(link.Frame{Type: link.FrameSend, Channel: link.ChannelQueue, Payload: p})
	}
	for _, bpm := range []float64{80, 81} {
		_ = phone.WriteJSON(link.Frame{Type: link.FrameSend, Channel: link.ChannelContext, Payload: wire.EncodeHeartRate(bpm)})
	}
	// frames are handled in order, so the error proves the durable ones are stored
	_ = phone.WriteJSON(link.Frame{Type: link.FrameSend, ID: "sync", Channel: link.ChannelDirect, Payload: wire.EncodeCommand("noop")})
	if f := next(t, phone); f.Type != link.FrameError {
		t.Fatalf("expected error frame, got %+v", f)
	}

	watch := r.dial(t, "watch")
	var got []string
	for i := 0; i < 3; i++ {
		f := next(t, watch)
		switch f.Channel {
		case link.ChannelQueue:
			cmd, _ := wire.DecodeCommand(f.Payload)
			got = append(got, cmd)
		case link.ChannelContext:
			bpm, _ := wire.DecodeHeartRate(f.Payload)
			if bpm != 81 {
				t.Fatalf("expected latest context 81, got %v", bpm)
			}
			got = append(got, "context")
		}
	}
	if strings.Join(got, ",") != "start,stop,context" {
		t.Fatalf("unexpected flush order %v", got)
	}

	// once connected, durable items go straight through
	_ = phone.WriteJSON(link.Frame{Type: link.FrameSend, Channel: link.ChannelQueue, Payload: wire.EncodeCommand("start")})
	if f := next(t, watch); f.Channel != link.ChannelQueue {
		t.Fatalf("expected live queue delivery, got %+v", f)
	}
}

func TestConnectedListing(t *testing.T) {
	r := newTestRelay(t)
	r.pair(t)
	phone := r.dial(t, "phone")
	nextStatus(t, phone)

	req, _ := http.NewRequest(http.MethodGet, r.srv.URL+"/api/v1/link/status", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var list []ConnInfo
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].DeviceID != "phone" || list[0].Role != model.RolePrimary {
		t.Fatalf("unexpected listing %+v", list)
	}
}

func TestWaitTokenStopsOnBadCredentials(t *testing.T) {
	r := newTestRelay(t)
	r.pair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := WaitToken(ctx, nil, r.srv.URL, "phone", "nope", 10*time.Millisecond, nil)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

// brokenMailbox stores nothing once writes are switched off.
type brokenMailbox struct {
	store.Mailbox
	readOnly bool
}

func (m *brokenMailbox) EnqueueTransfer(ctx context.Context, deviceID string, payload []byte) error {
	if m.readOnly {
		return errors.New("mailbox is read-only")
	}
	return m.Mailbox.EnqueueTransfer(ctx, deviceID, payload)
}

func (m *brokenMailbox) SetContext(ctx context.Context, deviceID string, payload []byte) error {
	if m.readOnly {
		return errors.New("mailbox is read-only")
	}
	return m.Mailbox.SetContext(ctx, deviceID, payload)
}

// closedConn returns a websocket connection whose writes fail.
func closedConn(t *testing.T) *websocket.Conn {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err == nil {
			_ = conn.Close()
		}
	}))
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = conn.Close()
	return conn
}

func TestFlushReportsLostItems(t *testing.T) {
	var logs bytes.Buffer
	log := hclog.New(&hclog.LoggerOptions{Output: &logs, Level: hclog.Debug})
	mailbox := &brokenMailbox{Mailbox: store.NewMemory()}
	hub := NewHub(auth.NewSigner("test-secret"), store.NewMemoryRegistry(), mailbox, log)
	ctx := context.Background()

	for _, cmd := range []string{"start", "stop"} {
		raw, _ := wire.Marshal(wire.EncodeCommand(cmd))
		if err := mailbox.EnqueueTransfer(ctx, "watch", raw); err != nil {
			t.Fatal(err)
		}
	}
	mailbox.readOnly = true
	c := &client{deviceID: "watch", peerID: "phone", role: model.RoleCompanion, conn: closedConn(t)}
	hub.flush(ctx, c)
	if !strings.Contains(logs.String(), "mailbox write failed") || !strings.Contains(logs.String(), "lost=2") {
		t.Fatalf("expected the lost queue items to be logged, got:\n%s", logs.String())
	}

	logs.Reset()
	mailbox.readOnly = false
	raw, _ := wire.Marshal(wire.EncodeHeartRate(99))
	if err := mailbox.SetContext(ctx, "watch", raw); err != nil {
		t.Fatal(err)
	}
	mailbox.readOnly = true
	hub.flush(ctx, c)
	if !strings.Contains(logs.String(), "mailbox write failed") || !strings.Contains(logs.String(), "channel=context") {
		t.Fatalf("expected the lost context to be logged, got:\n%s", logs.String())
	}
}
