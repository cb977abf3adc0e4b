package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"porthole/internal/dispatch"
	"porthole/internal/global"
	"porthole/internal/protocol"
)

func newTestServer(t *testing.T, gm *global.Manager) (*httptest.Server, func()) {
	t.Helper()
	e := echo.New()
	srv := &Server{Global: gm, Dispatcher: dispatch.New()}
	srv.Register(e, "/ws")
	ts := httptest.NewServer(e)
	return ts, ts.Close
}

func dial(t *testing.T, ts *httptest.Server) *gorilla.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestWebSocketRoundTripsInput(t *testing.T) {
	gm := global.New()
	gm.RegisterInstance("inst-1", nil, "/tmp", true)

	ts, closeSrv := newTestServer(t, gm)
	defer closeSrv()

	conn := dial(t, ts)
	defer conn.Close()

	msg := protocol.ClientMessage{Type: "focus", Instance: "inst-1"}
	b, _ := json.Marshal(msg)
	if err := conn.WriteMessage(gorilla.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply protocol.ServerMessage
	for i := 0; i < 20; i++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if err := json.Unmarshal(data, &reply); err != nil {
			t.Fatalf("unmarshal reply: %v", err)
		}
		if reply.Type == "focus_ack" {
			break
		}
	}
	if reply.Type != "focus_ack" || reply.Instance != "inst-1" {
		t.Fatalf("expected focus_ack for inst-1, got %+v", reply)
	}
}

func TestWebSocketDisconnectCleansUpPresence(t *testing.T) {
	gm := global.New()
	gm.RegisterInstance("inst-1", nil, "/tmp", true)

	ts, closeSrv := newTestServer(t, gm)
	defer closeSrv()

	conn := dial(t, ts)

	msg := protocol.ClientMessage{Type: "focus", Instance: "inst-1"}
	b, _ := json.Marshal(msg)
	conn.WriteMessage(gorilla.TextMessage, b)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	conn.ReadMessage() // focus_ack

	grantDeadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(grantDeadline) && gm.CurrentLock("inst-1") == nil {
		time.Sleep(10 * time.Millisecond)
	}
	if gm.CurrentLock("inst-1") == nil {
		t.Fatalf("expected sole-user auto-grant before disconnect")
	}

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if gm.CurrentLock("inst-1") == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if lock := gm.CurrentLock("inst-1"); lock != nil {
		t.Fatalf("expected lock released after disconnect, got %+v", lock)
	}
	// DisconnectCleanup removes presence before releasing the lock, so a
	// fresh connection must now be the only user present.
	if users := gm.AddPresence("inst-1", "probe-conn", "probe-user", "Probe"); len(users) != 1 || users[0].UserID != "probe-user" {
		t.Fatalf("expected the websocket connection's presence removed after disconnect, got %+v", users)
	}
}
