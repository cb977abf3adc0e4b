package federation

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"porthole/internal/activitylog"
	"porthole/internal/capability"
	"porthole/internal/dispatch"
	"porthole/internal/global"
	"porthole/internal/protocol"
	"porthole/internal/store"
)

// HostTunnel is the inbound (host-side) role: it accepts a home
// tunnel's Hello, authenticates each of its users against a stored
// grant, and wires each into the local dispatcher under an
// auto-prefixed display name (spec.md §4.7).
type HostTunnel struct {
	InstanceName  string
	NodePublicKey ed25519.PublicKey
	Global        *global.Manager
	Dispatcher    *dispatch.Dispatcher
	Store         store.Store
	Logger        *slog.Logger
	Activity      *activitylog.Logger

	connSeq int
}

func (h *HostTunnel) activity() *activitylog.Logger {
	if h.Activity != nil {
		return h.Activity
	}
	return activitylog.Nop()
}

func (h *HostTunnel) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

type federatedSession struct {
	connID string
	out    chan protocol.ServerMessage
	cancel context.CancelFunc
	cc     *dispatch.Context
}

// Handle runs one inbound tunnel connection until it's closed or ctx
// is canceled, cleaning up every federated user session it created.
func (h *HostTunnel) Handle(ctx context.Context, conn io.ReadWriteCloser, remoteAddr string) error {
	var hello protocol.TunnelMessage
	if err := readFrame(conn, &hello); err != nil {
		return fmt.Errorf("federation: awaiting hello: %w", err)
	}
	if hello.Type != "hello" {
		return fmt.Errorf("federation: expected hello, got %q", hello.Type)
	}
	if err := writeFrame(conn, protocol.TunnelMessage{Type: "welcome", InstanceName: h.InstanceName}); err != nil {
		return err
	}
	remoteInstanceName := hello.InstanceName

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	send := make(chan protocol.TunnelMessage, 256)
	writeErrs := make(chan error, 1)
	go func() {
		writeErrs <- writerLoop(connCtx, conn, send)
	}()

	var mu sync.Mutex
	sessions := make(map[string]*federatedSession)
	defer func() {
		mu.Lock()
		for accountKey, sess := range sessions {
			sess.cancel()
			dispatch.DisconnectCleanup(h.Global, sess.connID)
			delete(sessions, accountKey)
		}
		mu.Unlock()
	}()

	readErr := h.readLoop(connCtx, conn, send, remoteInstanceName, remoteAddr, &mu, sessions)
	cancel()
	<-writeErrs
	return readErr
}

func writerLoop(ctx context.Context, w io.Writer, out <-chan protocol.TunnelMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-out:
			if err := writeFrame(w, msg); err != nil {
				return err
			}
		}
	}
}

func (h *HostTunnel) readLoop(ctx context.Context, r io.Reader, send chan<- protocol.TunnelMessage, remoteInstanceName, remoteAddr string, mu *sync.Mutex, sessions map[string]*federatedSession) error {
	for {
		var msg protocol.TunnelMessage
		if err := readFrame(r, &msg); err != nil {
			return err
		}
		switch msg.Type {
		case "authenticate":
			h.handleAuthenticate(ctx, msg, send, remoteInstanceName, remoteAddr, mu, sessions)
		case "user_message":
			mu.Lock()
			sess, ok := sessions[msg.AccountKey]
			mu.Unlock()
			if !ok {
				continue
			}
			var cm protocol.ClientMessage
			if err := json.Unmarshal(msg.Message, &cm); err != nil {
				continue
			}
			h.Dispatcher.Dispatch(ctx, sess.cc, cm)
		case "user_disconnected":
			mu.Lock()
			sess, ok := sessions[msg.AccountKey]
			if ok {
				delete(sessions, msg.AccountKey)
			}
			mu.Unlock()
			if ok {
				sess.cancel()
				dispatch.DisconnectCleanup(h.Global, sess.connID)
			}
		}
	}
}

func (h *HostTunnel) handleAuthenticate(ctx context.Context, msg protocol.TunnelMessage, send chan<- protocol.TunnelMessage, remoteInstanceName, remoteAddr string, mu *sync.Mutex, sessions map[string]*federatedSession) {
	reject := func(reason string) {
		h.logger().Warn("federation: authentication rejected", "remote", remoteAddr, "account", msg.AccountKey, "reason", reason)
		h.activity().FederationAuth(remoteInstanceName, msg.AccountKey, false, reason)
		sendResult(ctx, send, protocol.TunnelMessage{Type: "auth_result", AccountKey: msg.AccountKey, Access: false, Error: reason})
	}

	pub, err := DecodeAccountKey(msg.AccountKey)
	if err != nil {
		reject("malformed account key")
		return
	}
	if !ed25519.Verify(pub, h.NodePublicKey, msg.IdentityProof) {
		reject("invalid identity proof")
		return
	}
	if h.Store == nil {
		reject("no grant store configured")
		return
	}
	grant, err := h.Store.FindIdentityGrant(ctx, msg.AccountKey)
	if err != nil || !grant.Active {
		reject("no active grant")
		return
	}

	effCap := capability.FromAccessRights(grant.AccessRights)
	displayName := displayNameViaRemote(msg.DisplayName, remoteInstanceName)

	h.connSeq++
	connID := fmt.Sprintf("fed-%s-%d", remoteInstanceName, h.connSeq)
	out := make(chan protocol.ServerMessage, 64)
	sessCtx, cancel := context.WithCancel(ctx)
	cc := &dispatch.Context{
		ConnID: connID,
		User:   &dispatch.User{ID: msg.AccountKey, DisplayName: displayName, Capability: effCap},
		Out:    out,
		Global: h.Global,
		Store:  h.Store,
	}
	sess := &federatedSession{connID: connID, out: out, cancel: cancel, cc: cc}

	mu.Lock()
	if old, exists := sessions[msg.AccountKey]; exists {
		old.cancel()
		dispatch.DisconnectCleanup(h.Global, old.connID)
	}
	sessions[msg.AccountKey] = sess
	mu.Unlock()

	go forwardSessionOutput(sessCtx, send, msg.AccountKey, out)

	h.activity().FederationAuth(remoteInstanceName, msg.AccountKey, true, "")
	instanceIDs := h.Global.InstanceIDs()
	sendResult(ctx, send, protocol.TunnelMessage{Type: "auth_result", AccountKey: msg.AccountKey, Access: true, Capability: capabilityName(effCap)})

	body, _ := json.Marshal(protocol.ServerMessage{Type: "instance_list", Candidates: instanceIDs})
	select {
	case send <- protocol.TunnelMessage{Type: "user_message", AccountKey: msg.AccountKey, Message: body}:
	case <-ctx.Done():
	}
}

func forwardSessionOutput(ctx context.Context, send chan<- protocol.TunnelMessage, accountKey string, out <-chan protocol.ServerMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case sm, ok := <-out:
			if !ok {
				return
			}
			body, err := json.Marshal(sm)
			if err != nil {
				continue
			}
			select {
			case send <- protocol.TunnelMessage{Type: "user_message", AccountKey: accountKey, Message: body}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func sendResult(ctx context.Context, send chan<- protocol.TunnelMessage, msg protocol.TunnelMessage) {
	select {
	case send <- msg:
	case <-ctx.Done():
	}
}
