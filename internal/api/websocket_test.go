package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerrad567/irrigation-core/internal/auth"
	"github.com/nerrad567/irrigation-core/internal/control"
	"github.com/nerrad567/irrigation-core/internal/core"
	"github.com/nerrad567/irrigation-core/internal/realtime"
)

// listen serves h over a real listener; WebSocket upgrades need one.
// It returns the http base URL.
func listen(t *testing.T, h *harness) string {
	t.Helper()
	ts := httptest.NewServer(h.srv.Handler())
	t.Cleanup(func() {
		h.srv.hub.closeAll()
		ts.Close()
	})
	return ts.URL
}

func wsURL(base string) string {
	return "ws" + strings.TrimPrefix(base, "http") + "/api/v1/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func read(t *testing.T, ws *websocket.Conn) WSMessage {
	t.Helper()
	//nolint:errcheck // test deadline
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func subscribe(t *testing.T, ws *websocket.Conn, channels ...string) {
	t.Helper()
	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: channels},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	resp := read(t, ws)
	if resp.Type != WSTypeResponse || resp.ID != "sub-1" {
		t.Fatalf("subscribe response = %+v", resp)
	}
}

func waitClients(t *testing.T, h *harness, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.srv.hub.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.srv.hub.ClientCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ─── Connection ─────────────────────────────────────────────────────

func TestWebSocket_StateSnapshotOnSubscribe(t *testing.T) {
	h := testServer(t)
	ws := dial(t, wsURL(listen(t, h)))

	subscribe(t, ws, core.ChannelState)

	msg := read(t, ws)
	if msg.Type != WSTypeEvent || msg.EventType != core.ChannelState {
		t.Fatalf("message = %+v, want device.state snapshot", msg)
	}
	view, ok := msg.Payload.(map[string]any)
	if !ok || view["mode"] != "auto" {
		t.Errorf("payload = %v", msg.Payload)
	}
}

func TestWebSocket_Broadcast(t *testing.T) {
	h := testServer(t)
	ws := dial(t, wsURL(listen(t, h)))
	subscribe(t, ws, core.ChannelAlert)

	h.srv.Hub().Broadcast(core.ChannelNotice, map[string]string{"ignored": "yes"})
	h.srv.Hub().Broadcast(core.ChannelAlert, map[string]any{"type": "soil_1_low", "value": 15})

	msg := read(t, ws)
	if msg.Type != WSTypeEvent || msg.EventType != core.ChannelAlert {
		t.Fatalf("message = %+v, want alert", msg)
	}
	if p := msg.Payload.(map[string]any); p["type"] != "soil_1_low" {
		t.Errorf("payload = %v", p)
	}
}

func TestWebSocket_CommandFailureNotice(t *testing.T) {
	h := testServer(t)
	h.relay.err = fmt.Errorf("%w: relayStatus=true: %w", control.ErrCommandFailed, realtime.ErrWriteFailed)
	base := listen(t, h)
	ws := dial(t, wsURL(base))
	subscribe(t, ws, core.ChannelNotice)

	resp, err := http.Post(base+"/api/v1/relay", "application/json", strings.NewReader(`{"on":true}`))
	if err != nil {
		t.Fatalf("POST relay: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}

	msg := read(t, ws)
	if msg.EventType != core.ChannelNotice {
		t.Fatalf("message = %+v, want notice", msg)
	}
	if p := msg.Payload.(map[string]any); p["command"] != "relay" {
		t.Errorf("payload = %v", p)
	}
}

func TestWebSocket_PingAndErrors(t *testing.T) {
	h := testServer(t)
	ws := dial(t, wsURL(listen(t, h)))

	if err := ws.WriteJSON(WSMessage{Type: WSTypePing, ID: "ping-1"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if resp := read(t, ws); resp.Type != WSTypePong || resp.ID != "ping-1" {
		t.Errorf("pong = %+v", resp)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if resp := read(t, ws); resp.Type != WSTypeError {
		t.Errorf("invalid JSON response = %+v", resp)
	}

	if err := ws.WriteJSON(WSMessage{Type: "unknown_type", ID: "x"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if resp := read(t, ws); resp.Type != WSTypeError || resp.ID != "x" {
		t.Errorf("unknown type response = %+v", resp)
	}
}

func TestWebSocket_ClientGauge(t *testing.T) {
	h := testServer(t)
	url := wsURL(listen(t, h))

	ws := dial(t, url)
	waitClients(t, h, 1)
	if got := testutil.ToFloat64(h.metrics.WebSocketClients); got != 1 {
		t.Errorf("gauge = %v, want 1", got)
	}

	ws.Close()
	waitClients(t, h, 0)
	if got := testutil.ToFloat64(h.metrics.WebSocketClients); got != 0 {
		t.Errorf("gauge after close = %v, want 0", got)
	}
}

// ─── Authentication ─────────────────────────────────────────────────

func TestWebSocket_TicketFlow(t *testing.T) {
	h := testServer(t, withJWT(operator(t, "alice", auth.RoleOperator)))
	token := login(t, h, "alice")

	w := h.do(t, http.MethodPost, "/api/v1/auth/ws-ticket", "", "Authorization", "Bearer "+token)
	if w.Code != http.StatusOK {
		t.Fatalf("ws-ticket status = %d", w.Code)
	}
	ticket := decode[map[string]any](t, w)["ticket"].(string)

	base := wsURL(listen(t, h))
	dial(t, base+"?ticket="+ticket)
	waitClients(t, h, 1)

	// Tickets are single-use.
	_, resp, err := websocket.DefaultDialer.Dial(base+"?ticket="+ticket, nil)
	if err == nil {
		t.Fatal("reused ticket accepted")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestWebSocket_TokenQueryParam(t *testing.T) {
	h := testServer(t, withJWT(operator(t, "victor", auth.RoleViewer)))
	token := login(t, h, "victor")

	dial(t, wsURL(listen(t, h))+"?token="+token)
	waitClients(t, h, 1)
}

func TestWebSocket_Unauthenticated(t *testing.T) {
	h := testServer(t, withJWT(operator(t, "alice", auth.RoleOperator)))
	base := wsURL(listen(t, h))

	for _, q := range []string{"", "?ticket=invalid", "?token=garbage"} {
		_, resp, err := websocket.DefaultDialer.Dial(base+q, nil)
		if err == nil {
			t.Fatalf("%q: connected without valid credentials", q)
		}
		if resp != nil && resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%q: status = %d, want 401", q, resp.StatusCode)
		}
	}
}

func TestTicketStore_Expiry(t *testing.T) {
	ts := newTicketStore()
	ts.add("old", ticketEntry{expiresAt: time.Now().Add(-time.Second)})
	ts.add("new", ticketEntry{expiresAt: time.Now().Add(time.Minute)})

	ts.cleanExpired()
	if _, ok := ts.tickets["old"]; ok {
		t.Error("expired ticket not cleaned")
	}
	if _, ok := ts.consume("new"); !ok {
		t.Error("fresh ticket rejected")
	}
	if _, ok := ts.consume("new"); ok {
		t.Error("ticket accepted twice")
	}
}
