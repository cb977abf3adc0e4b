package membership

import (
	"context"
	"crypto/ed25519"
	"testing"

	"porthole/internal/capability"
	"porthole/internal/invite"
	"porthole/internal/store"
)

type fakeStore struct {
	store.Store
	grants map[string]store.IdentityGrant
}

func (f *fakeStore) UpsertIdentityGrant(ctx context.Context, g store.IdentityGrant) error {
	if f.grants == nil {
		f.grants = map[string]store.IdentityGrant{}
	}
	f.grants[g.PublicKeyB32] = g
	return nil
}

func genKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func TestRedeemPersistsGrantWithDerivedRights(t *testing.T) {
	nodePub, nodeKey := genKey(t)
	remotePub, _ := genKey(t)

	inv, err := invite.CreateFlat(nodeKey, nodePub, capability.Collaborate, 1, 0)
	if err != nil {
		t.Fatalf("create flat: %v", err)
	}
	token := inv.ToBase32()

	st := &fakeStore{}
	if err := Redeem(context.Background(), st, nodePub, token, "newuser", remotePub); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	grant, ok := st.grants[keyEncoding.EncodeToString(remotePub)]
	if !ok {
		t.Fatalf("expected a grant to be persisted")
	}
	if grant.DisplayName != "newuser" {
		t.Fatalf("expected display name newuser, got %q", grant.DisplayName)
	}
	if !grant.Active {
		t.Fatalf("expected grant to be active")
	}
	if len(grant.AccessRights) == 0 {
		t.Fatalf("expected non-empty access rights for a collaborate-tier invite")
	}
}

func TestRedeemRejectsInviteForAnotherInstance(t *testing.T) {
	nodePub, _ := genKey(t)
	otherPub, otherKey := genKey(t)
	remotePub, _ := genKey(t)

	inv, err := invite.CreateFlat(otherKey, otherPub, capability.Collaborate, 1, 0)
	if err != nil {
		t.Fatalf("create flat: %v", err)
	}

	st := &fakeStore{}
	if err := Redeem(context.Background(), st, nodePub, inv.ToBase32(), "x", remotePub); err == nil {
		t.Fatalf("expected redemption to be rejected for a foreign instance")
	}
}
