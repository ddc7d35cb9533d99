package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newWebsocketTestServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(hub)
	t.Cleanup(ts.Close)
	return ts
}

func dialWebsocket(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	return conn
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("hub has %d clients, want %d", hub.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startHub(t *testing.T, hub *Hub) (cancel func(), done chan error) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done = make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()
	return cancelCtx, done
}

func TestHubDeliversBroadcasts(t *testing.T) {
	hub := NewHub()
	cancel, done := startHub(t, hub)
	defer cancel()

	ts := newWebsocketTestServer(t, hub)
	conn := dialWebsocket(t, ts.URL)
	defer conn.Close()
	waitForClients(t, hub, 1)

	hub.Broadcast([]byte(`{"t":1}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if string(msg) != `{"t":1}` {
		t.Errorf("message = %q, want {\"t\":1}", msg)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after cancel")
	}
}

func TestHubDeliversToAllClients(t *testing.T) {
	hub := NewHub()
	cancel, _ := startHub(t, hub)
	defer cancel()

	ts := newWebsocketTestServer(t, hub)
	a := dialWebsocket(t, ts.URL)
	defer a.Close()
	b := dialWebsocket(t, ts.URL)
	defer b.Close()
	waitForClients(t, hub, 2)

	hub.Broadcast([]byte("fan out"))

	for name, conn := range map[string]*websocket.Conn{"a": a, "b": b} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("client %s: ReadMessage failed: %v", name, err)
		}
		if string(msg) != "fan out" {
			t.Errorf("client %s: message = %q", name, msg)
		}
	}
}

func TestHubRemovesDisconnectedClients(t *testing.T) {
	hub := NewHub()
	cancel, _ := startHub(t, hub)
	defer cancel()

	ts := newWebsocketTestServer(t, hub)
	conn := dialWebsocket(t, ts.URL)
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}

func TestHubBroadcastWithoutRunDrops(t *testing.T) {
	hub := NewHub()

	// Fill the forward buffer, then one more.
	for i := 0; i < 17; i++ {
		hub.Broadcast([]byte("x"))
	}
	if hub.Dropped() == 0 {
		t.Error("no drops recorded with the hub loop not running")
	}
}

func TestHubRejectsClientsAfterShutdown(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := hub.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}

	ts := newWebsocketTestServer(t, hub)
	conn := dialWebsocket(t, ts.URL)
	defer conn.Close()

	// The upgrade succeeds but the hub immediately drops the socket.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("read succeeded on a socket the hub should have closed")
	}
}

func TestServerBroadcastState(t *testing.T) {
	srv := NewServer(newTestEstimator(t), nil, nil, nil, "sess-ws")
	hub := srv.Hub()
	cancel, _ := startHub(t, hub)
	defer cancel()

	ts := newWebsocketTestServer(t, hub)
	conn := dialWebsocket(t, ts.URL)
	defer conn.Close()
	waitForClients(t, hub, 1)

	srv.BroadcastState(1.5)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}

	var upd StateUpdate
	if err := json.Unmarshal(msg, &upd); err != nil {
		t.Fatalf("unmarshal %q: %v", msg, err)
	}
	if upd.T != 1.5 {
		t.Errorf("t = %v, want 1.5", upd.T)
	}
	if upd.SessionID != "sess-ws" {
		t.Errorf("session_id = %q, want sess-ws", upd.SessionID)
	}
	if upd.State.Attitude != [4]float64{0, 0, 0, 1} {
		t.Errorf("attitude = %v, want identity", upd.State.Attitude)
	}
}

func TestBroadcastStateWithoutClients(t *testing.T) {
	srv := newTestServer(t)

	// No hub loop and no clients; must record the time and return.
	srv.BroadcastState(3.25)
	if got := srv.lastCycleT(); got != 3.25 {
		t.Errorf("lastCycleT = %v, want 3.25", got)
	}
	if srv.hub.Dropped() != 0 {
		t.Errorf("dropped = %d, want 0", srv.hub.Dropped())
	}
}
