package identity

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateGeneratesThenPersists(t *testing.T) {
	dir := t.TempDir()

	pub1, priv1, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("first LoadOrCreate: %v", err)
	}
	if len(pub1) == 0 || len(priv1) == 0 {
		t.Fatal("expected non-empty keys")
	}

	pub2, priv2, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}
	if !bytes.Equal(pub1, pub2) || !bytes.Equal(priv1, priv2) {
		t.Fatal("expected the second call to reload the persisted keypair, not generate a new one")
	}
}

func TestLoadOrCreateRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, keyFile), []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, _, err := LoadOrCreate(dir); err == nil {
		t.Fatal("expected an error for a corrupt identity file")
	}
}
