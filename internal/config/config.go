// Package config resolves the server's state directory and loads its
// YAML configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"porthole/internal/version"
)

const markerFile = ".porthole-dir.txt"

// Config is the top-level server configuration file, <dir>/config.yaml.
type Config struct {
	NodeName   string           `yaml:"node_name"`
	Listen     ListenConfig     `yaml:"listen"`
	Federation FederationConfig `yaml:"federation"`
	Instances  []InstanceConfig `yaml:"instances"`
}

// InstanceConfig describes one agent this server spawns and wraps in a
// PTY at startup (spec.md §4.1's Agent, wired end to end by
// internal/instance.Launch).
type InstanceConfig struct {
	ID            string   `yaml:"id"`
	Command       string   `yaml:"command"`
	Args          []string `yaml:"args"`
	WorkingDir    string   `yaml:"working_dir"`
	TranscriptDir string   `yaml:"transcript_dir"` // empty disables the transcript watcher
	IsAgent       bool     `yaml:"is_agent"`
}

// ListenConfig holds the WebSocket, P2P, and federation bind addresses and
// the WebSocket admin token.
type ListenConfig struct {
	WSAddr         string `yaml:"ws_addr"`         // e.g. ":8080"
	P2PAddr        string `yaml:"p2p_addr"`        // e.g. ":4433", UDP for QUIC
	FederationAddr string `yaml:"federation_addr"` // e.g. ":4434", UDP for QUIC, inbound tunnels only
	AdminToken     string `yaml:"admin_token"`      // bearer token granting Owner capability over WS; empty disables authenticated access
}

// FederationConfig holds the list of peer servers this node federates with.
type FederationConfig struct {
	Remotes []RemoteConfig `yaml:"remotes"`
}

// RemoteConfig describes one peer server consumed by the federation home
// side (§4.7): where to dial it, its known node identity, whether to
// connect automatically at startup, and which local users are entitled
// to act on it.
type RemoteConfig struct {
	Name        string                 `yaml:"name"`
	Address     string                 `yaml:"address"`
	AutoConnect bool                   `yaml:"auto_connect"`
	NodeKey     string                 `yaml:"node_key"` // remote's base32-encoded ed25519 public key
	Users       []UserCredentialConfig `yaml:"users"`
}

// UserCredentialConfig is one local user's credential for acting on a
// remote instance, base32-encoded the same way the wire protocol
// carries account keys.
type UserCredentialConfig struct {
	AccountKey  string `yaml:"account_key"`  // base32-encoded ed25519 public key
	PrivateKey  string `yaml:"private_key"`  // base32-encoded ed25519 private key
	DisplayName string `yaml:"display_name"`
}

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func (c *Config) validate() error {
	for _, r := range c.Federation.Remotes {
		if r.Name == "" || !nameRe.MatchString(r.Name) {
			return fmt.Errorf("federation.remotes: invalid name %q (must match [a-zA-Z0-9_-]+)", r.Name)
		}
		if r.Address == "" {
			return fmt.Errorf("federation.remotes: remote %q has no address", r.Name)
		}
		if r.AutoConnect && r.NodeKey == "" {
			return fmt.Errorf("federation.remotes: remote %q is auto_connect but has no node_key", r.Name)
		}
	}
	for _, inst := range c.Instances {
		if inst.ID == "" || !nameRe.MatchString(inst.ID) {
			return fmt.Errorf("instances: invalid id %q (must match [a-zA-Z0-9_-]+)", inst.ID)
		}
		if inst.Command == "" {
			return fmt.Errorf("instances: instance %q has no command", inst.ID)
		}
	}
	return nil
}

// IsPortholeDir reports whether dir contains a valid marker file.
func IsPortholeDir(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, markerFile))
	return err == nil && !info.IsDir()
}

// WriteMarker writes the marker file recording the current version.
func WriteMarker(dir string) error {
	return os.WriteFile(filepath.Join(dir, markerFile), []byte("v"+version.Version+"\n"), 0o644)
}

var (
	resolvedDir string
	resolvedErr error
	resolveOnce sync.Once
)

// ResolveDir finds the server's state directory.
// Order: PORTHOLE_DIR env var -> walk up CWD -> ~/.porthole/ fallback.
// Result is cached for the process lifetime.
func ResolveDir() (string, error) {
	resolveOnce.Do(func() {
		resolvedDir, resolvedErr = resolveDir()
	})
	return resolvedDir, resolvedErr
}

// ResetResolveCache resets the cached ResolveDir result. For testing only.
func ResetResolveCache() {
	resolveOnce = sync.Once{}
	resolvedDir = ""
	resolvedErr = nil
}

func resolveDir() (string, error) {
	if dir := os.Getenv("PORTHOLE_DIR"); dir != "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return "", fmt.Errorf("PORTHOLE_DIR: %w", err)
		}
		if !IsPortholeDir(abs) {
			return "", fmt.Errorf("PORTHOLE_DIR=%s is not a porthole directory (missing %s)", abs, markerFile)
		}
		return abs, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	dir := cwd
	for {
		if IsPortholeDir(dir) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	global := filepath.Join(home, ".porthole")
	if IsPortholeDir(global) {
		return global, nil
	}
	return "", fmt.Errorf("no porthole directory found; run 'porthole init' to create one")
}

// Dir returns the resolved directory, falling back to ~/.porthole without
// erroring. Used by callers that need a best-effort path before init.
func Dir() string {
	dir, err := ResolveDir()
	if err == nil {
		return dir
	}
	home, homeErr := os.UserHomeDir()
	if homeErr != nil {
		return filepath.Join(".", ".porthole")
	}
	return filepath.Join(home, ".porthole")
}

// Load reads <dir>/config.yaml, returning a zero-value Config if it does
// not exist yet.
func Load() (*Config, error) {
	return LoadFrom(filepath.Join(Dir(), "config.yaml"))
}

// LoadFrom reads the config from the given path.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// AutoConnectRemotes returns the subset of configured remotes that should
// be dialed at startup, sorted by name for deterministic connect order.
func (c *Config) AutoConnectRemotes() []RemoteConfig {
	var out []RemoteConfig
	for _, r := range c.Federation.Remotes {
		if r.AutoConnect {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
