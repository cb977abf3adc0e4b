package federation

import (
	"context"
	"crypto/ed25519"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"porthole/internal/capability"
	"porthole/internal/protocol"
)

// accountKeyEncoding renders an account's raw ed25519 public key into
// the account_key string carried over the tunnel, the same style
// internal/transport/p2p uses for its own identity keys.
var accountKeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// EncodeAccountKey renders a raw public key as an account_key string.
func EncodeAccountKey(pub ed25519.PublicKey) string { return accountKeyEncoding.EncodeToString(pub) }

// DecodeAccountKey parses an account_key string back into a raw public key.
func DecodeAccountKey(s string) (ed25519.PublicKey, error) {
	b, err := accountKeyEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("federation: invalid account key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, errors.New("federation: account key has wrong length")
	}
	return ed25519.PublicKey(b), nil
}

// UserCredential is one local user entitled to act on a remote
// instance, identified by the account_key their private key proves
// possession of.
type UserCredential struct {
	AccountKey  string
	PrivateKey  ed25519.PrivateKey
	DisplayName string
}

// Dialer opens a fresh tunnel connection; the returned stream carries
// length-prefixed TunnelMessage frames both ways.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// HomeTunnel is the outbound (home-side) role: it authenticates local
// users against a remote instance and forwards their messages through
// the tunnel (spec.md §4.7).
type HomeTunnel struct {
	InstanceName  string
	RemoteName    string
	RemoteNodeKey ed25519.PublicKey
	Dial          Dialer
	Users         []UserCredential
	Logger        *slog.Logger

	mu            sync.Mutex
	authenticated map[string]capability.Capability
	inboxes       map[string]chan protocol.ServerMessage
	send          chan protocol.TunnelMessage
}

func (h *HomeTunnel) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *HomeTunnel) init() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.authenticated == nil {
		h.authenticated = make(map[string]capability.Capability)
	}
	if h.inboxes == nil {
		h.inboxes = make(map[string]chan protocol.ServerMessage)
	}
	if h.send == nil {
		h.send = make(chan protocol.TunnelMessage, 256)
	}
}

// Inbox returns the channel ServerMessages forwarded for accountKey are
// delivered on, creating it on first use.
func (h *HomeTunnel) Inbox(accountKey string) <-chan protocol.ServerMessage {
	h.init()
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.inboxes[accountKey]
	if !ok {
		ch = make(chan protocol.ServerMessage, 64)
		h.inboxes[accountKey] = ch
	}
	return ch
}

// Capability reports the effective capability granted to accountKey by
// the remote, if it has successfully authenticated on the current
// connection.
func (h *HomeTunnel) Capability(accountKey string) (capability.Capability, bool) {
	h.init()
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.authenticated[accountKey]
	return c, ok
}

func (h *HomeTunnel) setAuthenticated(accountKey string, effCap capability.Capability) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.authenticated[accountKey] = effCap
}

func (h *HomeTunnel) clearAuthenticated() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.authenticated = make(map[string]capability.Capability)
}

// backoff implements spec.md §4.7's reconnect delay: min(60s, 2^attempt).
func backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if attempt >= 6 { // 2^6 already exceeds the 60s ceiling
		return 60 * time.Second
	}
	return time.Duration(1<<uint(attempt)) * time.Second
}

// Run dials, authenticates every configured user, and forwards traffic
// until ctx is canceled, reconnecting with exponential backoff on every
// disconnect and clearing authenticated state each time (callers must
// re-authenticate after a reconnect).
func (h *HomeTunnel) Run(ctx context.Context) error {
	h.init()
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d := backoff(attempt); d > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
		}
		err := h.runOnce(ctx)
		h.clearAuthenticated()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		h.logger().Warn("federation: home tunnel disconnected, reconnecting", "remote", h.RemoteName, "err", err)
		attempt++
	}
}

func (h *HomeTunnel) runOnce(ctx context.Context) error {
	conn, err := h.Dial(ctx)
	if err != nil {
		return fmt.Errorf("federation: dial: %w", err)
	}
	defer conn.Close()

	if err := writeFrame(conn, protocol.TunnelMessage{Type: "hello", InstanceName: h.InstanceName}); err != nil {
		return err
	}
	var welcome protocol.TunnelMessage
	if err := readFrame(conn, &welcome); err != nil {
		return fmt.Errorf("federation: awaiting welcome: %w", err)
	}
	if welcome.Type != "welcome" {
		return fmt.Errorf("federation: expected welcome, got %q", welcome.Type)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeErrs := make(chan error, 1)
	go func() { writeErrs <- h.writerLoop(connCtx, conn) }()

	for _, u := range h.Users {
		proof := ed25519.Sign(u.PrivateKey, h.RemoteNodeKey)
		select {
		case h.send <- protocol.TunnelMessage{Type: "authenticate", AccountKey: u.AccountKey, DisplayName: u.DisplayName, IdentityProof: proof}:
		case <-connCtx.Done():
			return connCtx.Err()
		}
	}

	readErr := h.readerLoop(connCtx, conn)
	cancel()
	<-writeErrs
	return readErr
}

func (h *HomeTunnel) writerLoop(ctx context.Context, w io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-h.send:
			if err := writeFrame(w, msg); err != nil {
				return err
			}
		}
	}
}

func (h *HomeTunnel) readerLoop(ctx context.Context, r io.Reader) error {
	for {
		var msg protocol.TunnelMessage
		if err := readFrame(r, &msg); err != nil {
			return err
		}
		switch msg.Type {
		case "auth_result":
			if !msg.Access {
				h.logger().Warn("federation: authentication rejected", "remote", h.RemoteName, "err", msg.Error)
				continue
			}
			effCap := capabilityFromName(msg.Capability)
			h.setAuthenticated(msg.AccountKey, effCap)
		case "user_message":
			var sm protocol.ServerMessage
			if err := json.Unmarshal(msg.Message, &sm); err != nil {
				continue
			}
			ch := h.Inbox(msg.AccountKey)
			select {
			case ch <- sm:
			default:
			}
		}
	}
}

// Send forwards a local user's client message through the tunnel as a
// UserMessage frame. Returns an error if the user hasn't authenticated
// on the current connection.
func (h *HomeTunnel) Send(ctx context.Context, accountKey string, body []byte) error {
	h.init()
	if _, ok := h.Capability(accountKey); !ok {
		return fmt.Errorf("federation: %s not authenticated", accountKey)
	}
	select {
	case h.send <- protocol.TunnelMessage{Type: "user_message", AccountKey: accountKey, Message: body}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Detach tells the remote a local user is no longer forwarding through
// this tunnel, and stops delivering to their inbox.
func (h *HomeTunnel) Detach(ctx context.Context, accountKey string) error {
	h.init()
	h.mu.Lock()
	delete(h.authenticated, accountKey)
	delete(h.inboxes, accountKey)
	h.mu.Unlock()
	select {
	case h.send <- protocol.TunnelMessage{Type: "user_disconnected", AccountKey: accountKey}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
