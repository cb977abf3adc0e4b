// Package membership turns a redeemed invite token into a persisted
// identity grant, the piece transport/p2p.Server.Redeem and the
// "porthole invite redeem" CLI command both defer to.
package membership

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base32"
	"fmt"
	"time"

	"porthole/internal/capability"
	"porthole/internal/invite"
	"porthole/internal/store"
)

// keyEncoding matches the unpadded standard-alphabet base32 every other
// package uses to render a raw ed25519 public key as a store key.
var keyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Redeem parses token, verifies its signature chain against now,
// confirms it was minted for this node, and upserts an active identity
// grant for remotePublicKey with the rights the invite's capability
// tier confers.
func Redeem(ctx context.Context, st store.Store, nodePublicKey ed25519.PublicKey, token, displayName string, remotePublicKey ed25519.PublicKey) error {
	if st == nil {
		return fmt.Errorf("membership: no store configured")
	}

	inv, err := invite.FromBase32(token)
	if err != nil {
		return fmt.Errorf("membership: parse invite: %w", err)
	}

	claims, err := inv.Verify(uint64(time.Now().Unix()))
	if err != nil {
		return fmt.Errorf("membership: verify invite: %w", err)
	}

	if !bytes.Equal(claims.Instance, nodePublicKey) {
		return fmt.Errorf("membership: invite was minted for a different instance")
	}

	grant := store.IdentityGrant{
		PublicKeyB32: keyEncoding.EncodeToString(remotePublicKey),
		AccountKey:   keyEncoding.EncodeToString(remotePublicKey),
		DisplayName:  displayName,
		AccessRights: capability.ToAccessRights(claims.Capability),
		Active:       true,
	}
	return st.UpsertIdentityGrant(ctx, grant)
}
