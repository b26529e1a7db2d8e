package actor

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// dialActor upgrades a connection against a fresh actor serving with the
// given limits and returns the client side of the duplex session.
func dialActor(t *testing.T, limits Limits) *websocket.Conn {
	t.Helper()

	reg := NewRegistry(&recordingCatalog{})
	t.Cleanup(reg.shutdown)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		a := reg.Actor("sess:duplex", Missing())
		_ = a.ServeConn(r.Context(), conn, Missing(), limits)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestServeConnClosesOnOversizedFrame(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxMessageBytes = 64
	conn := dialActor(t, limits)

	pad := strings.Repeat("x", 256)
	msg := `{"jsonrpc":"2.0","id":1,"method":"ping","params":{"pad":"` + pad + `"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatal(err)
	}

	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("oversized frame did not close the connection")
	}
	if !websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
		t.Errorf("close error = %v, want message-too-big", err)
	}
}

func TestServeConnClosesOnRateExcess(t *testing.T) {
	limits := DefaultLimits()
	limits.MessagesPerSec = rate.Limit(1)
	limits.Burst = 1
	conn := dialActor(t, limits)

	// The first message fits in the burst and is served normally.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("first message within the limit failed: %v", err)
	}

	// The second arrives before the bucket refills.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":2,"method":"ping"}`)); err != nil {
		t.Fatal(err)
	}
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("close error = %v, want policy violation", err)
	}
}

func TestServeConnClosesOnIdleTimeout(t *testing.T) {
	limits := DefaultLimits()
	limits.IdleTimeout = 100 * time.Millisecond
	conn := dialActor(t, limits)

	// Write nothing; the server must end the connection on its own.
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("close error = %v, want going-away", err)
	}
}
