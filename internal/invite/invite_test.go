package invite

import (
	"crypto/ed25519"
	"testing"

	"porthole/internal/capability"
)

func genKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func TestCreateFlatRoundTrip(t *testing.T) {
	_, sk := genKey(t)
	instance, _ := genKey(t)

	inv, err := CreateFlat(sk, instance, capability.Collaborate, 5, 0)
	if err != nil {
		t.Fatalf("create flat: %v", err)
	}

	claims, err := inv.Verify(1000)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Capability != capability.Collaborate {
		t.Fatalf("expected Collaborate, got %v", claims.Capability)
	}
	if claims.ChainDepth != 1 {
		t.Fatalf("expected chain depth 1, got %d", claims.ChainDepth)
	}
}

func TestBase32RoundTrip(t *testing.T) {
	_, sk := genKey(t)
	instance, _ := genKey(t)

	inv, err := CreateFlat(sk, instance, capability.Admin, 1, 0)
	if err != nil {
		t.Fatalf("create flat: %v", err)
	}

	encoded := inv.ToBase32()
	decoded, err := FromBase32(encoded)
	if err != nil {
		t.Fatalf("from base32: %v", err)
	}
	claims, err := decoded.Verify(1000)
	if err != nil {
		t.Fatalf("verify decoded: %v", err)
	}
	if claims.Capability != capability.Admin {
		t.Fatalf("expected Admin, got %v", claims.Capability)
	}
}

func TestDelegationChain(t *testing.T) {
	_, rootSK := genKey(t)
	instance, _ := genKey(t)
	_, sk2 := genKey(t)
	_, sk3 := genKey(t)

	root, err := CreateFlat(rootSK, instance, capability.Admin, 1, 0)
	if err != nil {
		t.Fatalf("create flat: %v", err)
	}
	// root has max_depth=0 from create_flat; replace its link with one
	// signed at max_depth=2 so the chain is delegatable and still verifies
	// (the signature covers max_depth).
	root.Links[0], err = signLink(rootSK, genesisPrevHash, instance, capability.Admin, 2, 1, 0)
	if err != nil {
		t.Fatalf("sign delegatable root link: %v", err)
	}

	mid, err := Delegate(root, sk2, capability.Collaborate, 3, 0)
	if err != nil {
		t.Fatalf("delegate to sk2: %v", err)
	}
	leaf, err := Delegate(mid, sk3, capability.View, 1, 0)
	if err != nil {
		t.Fatalf("delegate to sk3: %v", err)
	}

	if len(leaf.Links) != 3 {
		t.Fatalf("expected chain of 3, got %d", len(leaf.Links))
	}

	claims, err := leaf.Verify(1000)
	if err != nil {
		t.Fatalf("verify full chain: %v", err)
	}
	if claims.Capability != capability.View {
		t.Fatalf("expected View, got %v", claims.Capability)
	}
	if claims.ChainDepth != 3 {
		t.Fatalf("expected chain depth 3, got %d", claims.ChainDepth)
	}

	if _, err := Delegate(leaf, sk3, capability.View, 1, 0); err == nil {
		t.Fatal("expected delegation from an exhausted-depth leaf to fail")
	}
}

func TestDelegationRejectsCapabilityEscalation(t *testing.T) {
	_, rootSK := genKey(t)
	instance, _ := genKey(t)
	_, sk2 := genKey(t)

	root, _ := CreateFlat(rootSK, instance, capability.View, 1, 0)
	root.Links[0].MaxDepth = 2

	if _, err := Delegate(root, sk2, capability.Admin, 1, 0); err == nil {
		t.Fatal("expected escalation beyond parent capability to fail")
	}
}

func TestVerifyRejectsExpiredLink(t *testing.T) {
	_, sk := genKey(t)
	instance, _ := genKey(t)

	inv, _ := CreateFlat(sk, instance, capability.View, 1, 500)
	if _, err := inv.Verify(501); err == nil {
		t.Fatal("expected expired invite to fail verification")
	}
	if _, err := inv.Verify(499); err != nil {
		t.Fatalf("expected not-yet-expired invite to verify, got %v", err)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	_, sk := genKey(t)
	instance, _ := genKey(t)

	inv, _ := CreateFlat(sk, instance, capability.View, 1, 0)
	inv.Links[0].Signature[0] ^= 0xFF

	if _, err := inv.Verify(0); err == nil {
		t.Fatal("expected tampered signature to fail verification")
	}
}

func TestFromBytesRejectsEmptyChain(t *testing.T) {
	b := []byte{version}
	b = append(b, make([]byte, 32)...) // instance
	b = append(b, 0)                   // chain_length = 0
	if _, err := FromBytes(b); err == nil {
		t.Fatal("expected empty chain to be rejected")
	}
}

func TestFromBytesRejectsOversizedChain(t *testing.T) {
	b := []byte{version}
	b = append(b, make([]byte, 32)...)
	b = append(b, 255) // far beyond maxChainDepth
	if _, err := FromBytes(b); err == nil {
		t.Fatal("expected oversized chain length to be rejected")
	}
}

func TestFromBytesNeverPanicsOnTruncatedInput(t *testing.T) {
	_, sk := genKey(t)
	instance, _ := genKey(t)
	inv, _ := CreateFlat(sk, instance, capability.View, 1, 0)
	full := inv.ToBytes()

	for n := 0; n <= len(full); n++ {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("FromBytes panicked on %d-byte prefix: %v", n, r)
				}
			}()
			_, _ = FromBytes(full[:n])
		}()
	}
}

func TestFromBytesRejectsUnknownCapabilityByte(t *testing.T) {
	_, sk := genKey(t)
	instance, _ := genKey(t)
	inv, _ := CreateFlat(sk, instance, capability.View, 1, 0)
	b := inv.ToBytes()
	b[34+32] = 9 // capability byte of the single link
	if _, err := FromBytes(b); err == nil {
		t.Fatal("expected unknown capability byte to be rejected")
	}
}
