// Package p2p implements the signed, authenticated QUIC transport
// (spec.md §4.6.2): a long-lived server signing keypair, an accept loop
// that resolves the remote key to a member grant or falls back to a
// one-shot invite handler, and length-prefixed framing with sequence
// numbers.
package p2p

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"porthole/internal/capability"
	"porthole/internal/dispatch"
	"porthole/internal/global"
	"porthole/internal/protocol"
	"porthole/internal/store"
)

// pubKeyEncoding renders a raw public key into the PublicKeyB32 form
// identity grants are keyed by.
var pubKeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

const (
	alpn         = "porthole-p2p/1"
	pingInterval = 30 * time.Second
	idleCutoff   = 40 * time.Second
)

// reservedLoopbackKey is the all-zeros key reserved for strictly local
// connections (e.g. a co-located CLI talking to its own server); any
// remote presenting it must actually be connecting from loopback.
var reservedLoopbackKey = make([]byte, ed25519.PublicKeySize)

// handshakeHello is the first frame a client sends on the control
// stream: its long-lived public key and a signature proving possession,
// computed over the server's own public key (binding the proof to this
// specific server rather than being replayable elsewhere).
type handshakeHello struct {
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
}

// redeemInvite is the sole message an unrecognized client may send
// before the connection is closed (spec.md §4.6.2 step 4).
type redeemInvite struct {
	Type        string `json:"type"`
	Token       string `json:"token"`
	DisplayName string `json:"display_name"`
}

// InviteRedeemer turns a redeemed invite token into a stored member
// grant; supplied by the admin/membership layer.
type InviteRedeemer func(ctx context.Context, token, displayName string, remotePublicKey ed25519.PublicKey) error

// Server accepts QUIC connections and runs the dispatcher pipeline
// (shared with the WebSocket transport) over each one.
type Server struct {
	SigningKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey

	Global     *global.Manager
	Dispatcher *dispatch.Dispatcher
	Store      store.Store
	Redeem     InviteRedeemer
	Logger     *slog.Logger

	connSeq atomic.Uint64
	addr    string
}

// NewServer generates a throwaway signing keypair, suitable for tests
// and for any caller that does not need node identity to survive a
// restart. A long-running server should overwrite SigningKey/PublicKey
// with a persisted keypair (see internal/identity) before accepting
// connections.
func NewServer(gm *global.Manager, d *dispatch.Dispatcher, st store.Store) (*Server, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("p2p: generate signing key: %w", err)
	}
	return &Server{SigningKey: priv, PublicKey: pub, Global: gm, Dispatcher: d, Store: st}, nil
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// ListenAndServe binds addr and runs the accept loop until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	return s.listenAndServeFor(ctx, addr, nil)
}

// listenAndServeFor is ListenAndServe with an optional ready signal,
// closed once the listener is bound and s.addr reflects the actual
// local address — tests bind to ":0" and need the resolved port.
func (s *Server) listenAndServeFor(ctx context.Context, addr string, ready chan struct{}) error {
	tlsConf, err := generateSessionTLSConfig()
	if err != nil {
		if ready != nil {
			close(ready)
		}
		return err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{
		MaxIdleTimeout:  idleCutoff,
		KeepAlivePeriod: pingInterval,
	})
	if err != nil {
		if ready != nil {
			close(ready)
		}
		return fmt.Errorf("p2p: listen %s: %w", addr, err)
	}
	defer ln.Close()

	s.addr = ln.Addr().String()
	if ready != nil {
		close(ready)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("p2p: accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn *quic.Conn) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		s.logger().Warn("p2p: no control stream", "remote", conn.RemoteAddr(), "err", err)
		conn.CloseWithError(0, "no control stream")
		return
	}

	var hello handshakeHello
	if err := readFrame(stream, &hello); err != nil {
		s.logger().Warn("p2p: bad handshake frame", "remote", conn.RemoteAddr(), "err", err)
		conn.CloseWithError(1, "bad handshake")
		return
	}

	remoteKey := ed25519.PublicKey(hello.PublicKey)
	if len(remoteKey) != ed25519.PublicKeySize {
		conn.CloseWithError(1, "bad key length")
		return
	}
	if constantTimeEqual(remoteKey, reservedLoopbackKey) && !isLoopback(conn.RemoteAddr()) {
		s.logger().Warn("p2p: reserved key presented from non-loopback remote", "remote", conn.RemoteAddr())
		conn.CloseWithError(2, "reserved key not permitted from remote host")
		return
	}
	if !ed25519.Verify(remoteKey, s.PublicKey, hello.Signature) {
		s.logger().Warn("p2p: identity proof failed", "remote", conn.RemoteAddr())
		conn.CloseWithError(3, "invalid identity proof")
		return
	}

	grant, err := s.lookupGrant(ctx, remoteKey)
	if err != nil {
		s.logger().Debug("p2p: no active grant, routing to invite handler", "remote", conn.RemoteAddr())
		s.runInviteHandler(ctx, conn, stream, remoteKey)
		return
	}

	s.runDispatchPipeline(ctx, conn, stream, grant)
}

func (s *Server) lookupGrant(ctx context.Context, remoteKey ed25519.PublicKey) (store.IdentityGrant, error) {
	if s.Store == nil {
		return store.IdentityGrant{}, errors.New("p2p: no store configured")
	}
	g, err := s.Store.FindIdentityGrant(ctx, encodeKey(remoteKey))
	if err != nil {
		return store.IdentityGrant{}, err
	}
	if !g.Active {
		return store.IdentityGrant{}, errors.New("p2p: grant inactive")
	}
	return g, nil
}

// runInviteHandler accepts exactly one RedeemInvite message, attempts
// redemption, and closes the connection either way (spec.md §4.6.2
// step 4: the client must reconnect after redemption succeeds).
func (s *Server) runInviteHandler(ctx context.Context, conn *quic.Conn, stream *quic.Stream, remoteKey ed25519.PublicKey) {
	defer conn.CloseWithError(0, "redeem handled")

	var req redeemInvite
	if err := readFrame(stream, &req); err != nil || req.Type != "redeem_invite" {
		writeFrame(stream, protocol.ServerMessage{Type: "error", Error: "expected redeem_invite"})
		return
	}
	if s.Redeem == nil {
		writeFrame(stream, protocol.ServerMessage{Type: "error", Error: "invite redemption not configured"})
		return
	}
	if err := s.Redeem(ctx, req.Token, req.DisplayName, remoteKey); err != nil {
		writeFrame(stream, protocol.ServerMessage{Type: "error", Error: err.Error()})
		return
	}
	writeFrame(stream, protocol.ServerMessage{Type: "redeem_ok"})
}

// runDispatchPipeline mirrors the WebSocket transport's per-connection
// loop over a QUIC stream instead of a gorilla/websocket connection.
func (s *Server) runDispatchPipeline(ctx context.Context, conn *quic.Conn, stream *quic.Stream, grant store.IdentityGrant) {
	connID := fmt.Sprintf("p2p-%d", s.connSeq.Add(1))
	user := &dispatch.User{
		ID:          grant.AccountKey,
		DisplayName: grant.DisplayName,
		Capability:  capability.FromAccessRights(grant.AccessRights),
	}
	out := make(chan protocol.ServerMessage, 64)
	cc := &dispatch.Context{ConnID: connID, User: user, Out: out, Global: s.Global, Store: s.Store}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.senderLoop(connCtx, stream, out)
	go s.stateForwarder(connCtx, out)
	go s.lifecycleForwarder(connCtx, out)

	s.inputLoop(connCtx, stream, cc)

	cancel()
	dispatch.DisconnectCleanup(s.Global, connID)
	conn.CloseWithError(0, "bye")
}

var seqCounter atomic.Uint64

func (s *Server) senderLoop(ctx context.Context, stream *quic.Stream, out <-chan protocol.ServerMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-out:
			if !ok {
				return
			}
			body, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			frame := protocol.Frame{Seq: seqCounter.Add(1), Body: body}
			if err := writeFrame(stream, frame); err != nil {
				return
			}
		}
	}
}

func (s *Server) inputLoop(ctx context.Context, stream *quic.Stream, cc *dispatch.Context) {
	r := bufio.NewReader(stream)
	for {
		var frame protocol.Frame
		if err := readFrame(r, &frame); err != nil {
			return
		}
		var msg protocol.ClientMessage
		if err := json.Unmarshal(frame.Body, &msg); err != nil {
			s.logger().Warn("p2p: malformed client message", "err", err)
			continue
		}
		res := s.Dispatcher.Dispatch(ctx, cc, msg)
		if !res.Handled {
			s.logger().Debug("p2p: unhandled client message", "type", msg.Type)
		}
	}
}

func (s *Server) stateForwarder(ctx context.Context, out chan<- protocol.ServerMessage) {
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
			sendNonBlocking(out, protocol.ServerMessage{
				Type: "instance_state", Instance: env.Value.InstanceID,
				CurrentState: env.Value.State, Stale: env.Value.Stale,
			})
		}
	}
}

func (s *Server) lifecycleForwarder(ctx context.Context, out chan<- protocol.ServerMessage) {
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
			sendNonBlocking(out, lifecycleToServerMessage(env.Value))
		}
	}
}

// lifecycleToServerMessage mirrors internal/transport/ws's translation
// so both transports render the same broadcast stream identically.
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
	default:
		return protocol.ServerMessage{Type: ev.Kind, Instance: ev.InstanceID}
	}
}

func sendNonBlocking(out chan<- protocol.ServerMessage, msg protocol.ServerMessage) {
	select {
	case out <- msg:
	default:
	}
}

func isLoopback(addr net.Addr) bool {
	h, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

func encodeKey(k ed25519.PublicKey) string {
	return pubKeyEncoding.EncodeToString(k)
}
