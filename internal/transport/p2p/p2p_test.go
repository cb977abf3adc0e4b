package p2p

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"porthole/internal/dispatch"
	"porthole/internal/global"
	"porthole/internal/protocol"
	"porthole/internal/store"
)

type fakeStore struct {
	store.Store
	grants map[string]store.IdentityGrant
}

func (f *fakeStore) FindIdentityGrant(ctx context.Context, publicKeyB32 string) (store.IdentityGrant, error) {
	g, ok := f.grants[publicKeyB32]
	if !ok {
		return store.IdentityGrant{}, store.ErrNotFound
	}
	return g, nil
}

func newTestServer(t *testing.T, st store.Store) (*Server, func()) {
	t.Helper()
	gm := global.New()
	srv, err := NewServer(gm, dispatch.New(), st)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	ready := make(chan struct{})
	go func() {
		errCh <- srv.listenAndServeFor(ctx, "127.0.0.1:0", ready)
	}()
	<-ready
	return srv, cancel
}

func dialControl(t *testing.T, addr string, remoteKey ed25519.PublicKey, sig []byte) (*quic.Conn, *quic.Stream) {
	t.Helper()
	conn, err := quic.DialAddr(context.Background(), addr, clientSessionTLSConfig(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	stream, err := conn.OpenStreamSync(context.Background())
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if err := writeFrame(stream, handshakeHello{PublicKey: remoteKey, Signature: sig}); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	return conn, stream
}

func TestUnknownKeyRoutesToInviteHandler(t *testing.T) {
	st := &fakeStore{grants: map[string]store.IdentityGrant{}}
	srv, stop := newTestServer(t, st)
	defer stop()

	remotePub, remotePriv, _ := ed25519.GenerateKey(nil)
	sig := ed25519.Sign(remotePriv, srv.PublicKey)

	conn, stream := dialControl(t, srv.addr, remotePub, sig)
	defer conn.CloseWithError(0, "done")

	redeemed := false
	srv.Redeem = func(ctx context.Context, token, displayName string, key ed25519.PublicKey) error {
		redeemed = true
		if token != "tok-1" {
			t.Fatalf("unexpected token %q", token)
		}
		return nil
	}

	if err := writeFrame(stream, redeemInvite{Type: "redeem_invite", Token: "tok-1", DisplayName: "Ada"}); err != nil {
		t.Fatalf("write redeem: %v", err)
	}

	var reply protocol.ServerMessage
	stream.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := readFrame(stream, &reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Type != "redeem_ok" {
		t.Fatalf("expected redeem_ok, got %+v", reply)
	}
	if !redeemed {
		t.Fatalf("expected Redeem to be invoked")
	}
}

func TestKnownKeyRunsDispatchPipeline(t *testing.T) {
	remotePub, remotePriv, _ := ed25519.GenerateKey(nil)
	keyB32 := encodeKey(remotePub)

	st := &fakeStore{grants: map[string]store.IdentityGrant{
		keyB32: {
			PublicKeyB32: keyB32,
			AccountKey:   "user-1",
			DisplayName:  "Ada",
			AccessRights: []string{"terminals:input"},
			Active:       true,
		},
	}}
	srv, stop := newTestServer(t, st)
	defer stop()
	srv.Global.RegisterInstance("inst-1", nil, "/tmp", true)

	sig := ed25519.Sign(remotePriv, srv.PublicKey)
	conn, stream := dialControl(t, srv.addr, remotePub, sig)
	defer conn.CloseWithError(0, "done")

	msg := protocol.ClientMessage{Type: "focus", Instance: "inst-1"}
	body, _ := json.Marshal(msg)
	if err := writeFrame(stream, protocol.Frame{Seq: 1, Body: body}); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	stream.SetReadDeadline(time.Now().Add(2 * time.Second))
	var gotFocusAck bool
	for i := 0; i < 20 && !gotFocusAck; i++ {
		var frame protocol.Frame
		if err := readFrame(stream, &frame); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		var reply protocol.ServerMessage
		if err := json.Unmarshal(frame.Body, &reply); err != nil {
			t.Fatalf("unmarshal reply: %v", err)
		}
		if reply.Type == "focus_ack" {
			gotFocusAck = true
		}
	}
	if !gotFocusAck {
		t.Fatalf("expected a focus_ack frame")
	}
}

func TestRejectsInvalidIdentityProof(t *testing.T) {
	st := &fakeStore{grants: map[string]store.IdentityGrant{}}
	srv, stop := newTestServer(t, st)
	defer stop()

	remotePub, _, _ := ed25519.GenerateKey(nil)
	badSig := make([]byte, ed25519.SignatureSize)

	conn, stream := dialControl(t, srv.addr, remotePub, badSig)
	defer conn.CloseWithError(0, "done")

	stream.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame protocol.Frame
	if err := readFrame(stream, &frame); err == nil {
		t.Fatalf("expected connection to be closed after invalid proof, got frame %+v", frame)
	}
}
