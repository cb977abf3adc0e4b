package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromMissingFile(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.NodeName != "" || len(cfg.Federation.Remotes) != 0 {
		t.Fatalf("expected zero-value config, got %+v", cfg)
	}
}

func TestLoadFromValidatesRemoteNames(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("node_name: home\nfederation:\n  remotes:\n    - name: \"bad name\"\n      address: \"peer:4433\"\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Fatal("expected validation error for invalid remote name")
	}
}

func TestLoadFromValidatesInstances(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("instances:\n  - id: \"bad id\"\n    command: claude\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Fatal("expected validation error for invalid instance id")
	}
}

func TestAutoConnectRemotesSortedAndFiltered(t *testing.T) {
	cfg := &Config{Federation: FederationConfig{Remotes: []RemoteConfig{
		{Name: "zulu", Address: "z:1", AutoConnect: true},
		{Name: "alpha", Address: "a:1", AutoConnect: true},
		{Name: "skip", Address: "s:1", AutoConnect: false},
	}}}
	got := cfg.AutoConnectRemotes()
	if len(got) != 2 || got[0].Name != "alpha" || got[1].Name != "zulu" {
		t.Fatalf("unexpected auto-connect set: %+v", got)
	}
}

func TestIsPortholeDirAndMarker(t *testing.T) {
	dir := t.TempDir()
	if IsPortholeDir(dir) {
		t.Fatal("expected fresh dir to not be a porthole dir")
	}
	if err := WriteMarker(dir); err != nil {
		t.Fatal(err)
	}
	if !IsPortholeDir(dir) {
		t.Fatal("expected dir to be a porthole dir after WriteMarker")
	}
}
