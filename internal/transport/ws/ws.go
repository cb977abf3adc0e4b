// Package ws is the WebSocket transport (spec.md §4.6.1): an echo HTTP
// front door upgrading to gorilla/websocket, running a sender task, a
// state/lifecycle broadcast forwarder, and an input loop per connection.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"porthole/internal/dispatch"
	"porthole/internal/global"
	"porthole/internal/protocol"
	"porthole/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	outboundBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Authenticator resolves the out-of-band credential carried by a request
// into a dispatcher user; it's a concern of the surrounding collaborator
// (spec.md §4.6.1), not this package, so it's injected.
type Authenticator func(r *http.Request) *dispatch.User

// Server wires the dispatcher and global state into an echo HTTP server
// accepting WebSocket connections.
type Server struct {
	Global     *global.Manager
	Dispatcher *dispatch.Dispatcher
	Store      store.Store
	Auth       Authenticator
	Logger     *slog.Logger

	connSeq atomic.Uint64
}

// Register mounts the WebSocket route on e.
func (s *Server) Register(e *echo.Echo, path string) {
	e.GET(path, s.handle)
}

func (s *Server) handle(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger().Warn("websocket upgrade failed", "err", err)
		return err
	}

	var user *dispatch.User
	if s.Auth != nil {
		user = s.Auth(c.Request())
	}

	connID := connIDFor(s.connSeq.Add(1))
	out := make(chan protocol.ServerMessage, outboundBuffer)
	cc := &dispatch.Context{
		ConnID: connID,
		User:   user,
		Out:    out,
		Global: s.Global,
		Store:  s.Store,
	}

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	go s.senderLoop(ctx, conn, out)
	go s.stateForwarder(ctx, cc)
	go s.lifecycleForwarder(ctx, cc)

	s.inputLoop(ctx, conn, cc)

	cancel()
	dispatch.DisconnectCleanup(s.Global, connID)
	conn.Close()
	return nil
}

func connIDFor(n uint64) string {
	return "ws-" + strconv.FormatUint(n, 10)
}

// sendTo is a non-blocking send to an outbound channel, mirroring
// dispatch.Context.send's drop-on-full policy for slow consumers.
func sendTo(out chan<- protocol.ServerMessage, msg protocol.ServerMessage) {
	select {
	case out <- msg:
	default:
	}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// inputLoop reads frames off the socket, decodes each into a
// ClientMessage, and dispatches it; unhandled messages are logged and
// dropped (membership/invite routing is out of this package's scope).
func (s *Server) inputLoop(ctx context.Context, conn *websocket.Conn, cc *dispatch.Context) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg protocol.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger().Warn("malformed client message", "err", err)
			continue
		}
		res := s.Dispatcher.Dispatch(ctx, cc, msg)
		if !res.Handled {
			s.logger().Debug("unhandled client message", "type", msg.Type)
		}
	}
}

// senderLoop drains cc's outbound channel to the socket and sends
// periodic pings, all serialized through this single writer goroutine
// (gorilla/websocket connections aren't safe for concurrent writers).
func (s *Server) senderLoop(ctx context.Context, conn *websocket.Conn, out <-chan protocol.ServerMessage) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-out:
			if !ok {
				return
			}
			b, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) stateForwarder(ctx context.Context, cc *dispatch.Context) {
	id, ch := s.Global.SubscribeState()
	defer s.Global.UnsubscribeState(id)
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			sendTo(cc.Out, protocol.ServerMessage{
				Type:         "instance_state",
				Instance:     env.Value.InstanceID,
				CurrentState: env.Value.State,
				Stale:        env.Value.Stale,
			})
		}
	}
}

func (s *Server) lifecycleForwarder(ctx context.Context, cc *dispatch.Context) {
	id, ch := s.Global.SubscribeLifecycle()
	defer s.Global.UnsubscribeLifecycle(id)
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			sendTo(cc.Out, lifecycleToServerMessage(env.Value))
		}
	}
}

func lifecycleToServerMessage(ev global.LifecycleEvent) protocol.ServerMessage {
	switch ev.Kind {
	case "presence_update":
		b, _ := json.Marshal(ev.Users)
		return protocol.ServerMessage{Type: "presence_update", Instance: ev.InstanceID, Users: b}
	case "terminal_lock_update":
		if ev.Lock == nil {
			return protocol.ServerMessage{Type: "terminal_lock_update", Instance: ev.InstanceID}
		}
		return protocol.ServerMessage{
			Type:         "terminal_lock_update",
			Instance:     ev.InstanceID,
			Holder:       ev.Lock.HolderUserID,
			LastActivity: ev.Lock.LastActivity.Format(time.RFC3339),
		}
	case "chat_message":
		b, _ := json.Marshal(ev.Payload)
		return protocol.ServerMessage{Type: "chat_message", Messages: b}
	case "lobby":
		b, _ := json.Marshal(ev.Payload)
		return protocol.ServerMessage{Type: "lobby_broadcast", Payload: b}
	case "instance_created", "instance_stopped", "instance_renamed":
		return protocol.ServerMessage{Type: ev.Kind, Instance: ev.InstanceID}
	default:
		return protocol.ServerMessage{Type: ev.Kind, Instance: ev.InstanceID}
	}
}

