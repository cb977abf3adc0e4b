// Package federation implements the two tunnel roles that let one
// Porthole instance's users act on another's (spec.md §4.7, §4.7.1):
// a home (outbound) role that authenticates local users against a
// remote, and a host (inbound) role that accepts those tunnels and
// wires authenticated federated users into the local dispatcher.
package federation

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"porthole/internal/capability"
)

// maxFrameSize bounds a single frame body, mirroring
// internal/transport/p2p's guard against a hostile length prefix.
const maxFrameSize = 16 * 1024 * 1024

// pingInterval/idleCutoff mirror internal/transport/p2p's QUIC keepalive
// figures; a federation tunnel is as long-lived as a direct P2P
// connection and gets the same idle budget.
const (
	pingInterval = 30 * time.Second
	idleCutoff   = 40 * time.Second
)

// writeFrame writes v as a length-prefixed JSON frame.
func writeFrame(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("federation: marshal frame: %w", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("federation: write frame header: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("federation: write frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame into v.
func readFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return fmt.Errorf("federation: frame of %d bytes exceeds maximum %d", n, maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("federation: read frame body: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("federation: unmarshal frame: %w", err)
	}
	return nil
}

// displayNameViaRemote implements the host side's auto-prefixing rule
// (spec.md §4.7 step 4).
func displayNameViaRemote(name, remoteInstanceName string) string {
	return fmt.Sprintf("%s (via %s)", name, remoteInstanceName)
}

// TunnelMessage's Capability field carries a capability's String() form
// rather than its wire byte, since the tunnel payload is JSON, not the
// invite system's packed binary encoding.
func capabilityName(c capability.Capability) string { return c.String() }

func capabilityFromName(s string) capability.Capability {
	switch s {
	case "collaborate":
		return capability.Collaborate
	case "admin":
		return capability.Admin
	case "owner":
		return capability.Owner
	default:
		return capability.View
	}
}
