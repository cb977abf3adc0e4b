// Package invite implements the signed, hash-chained delegation tokens
// that grant access to a Porthole instance: creation, delegation,
// binary encoding, and verification.
package invite

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"

	"porthole/internal/capability"
)

// linkSize is the fixed per-link wire size: 32 (issuer) + 1 (capability) +
// 1 (max_depth) + 4 (max_uses BE) + 8 (expires_at BE) + 16 (nonce) +
// 64 (signature).
const linkSize = 126

// maxChainDepth caps delegation depth; a hostile sender's length byte
// could otherwise claim up to 255.
const maxChainDepth = 16

const version byte = 0x01

// crockford is the textual encoding used for invite tokens on the wire
// (URLs, copy/paste): Crockford's base32 alphabet, unpadded.
var crockford = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

var genesisPrevHash = [32]byte{}

// Link is one signed step in a delegation chain.
type Link struct {
	Issuer     ed25519.PublicKey
	Capability capability.Capability
	MaxDepth   uint8
	MaxUses    uint32
	ExpiresAt  uint64 // unix seconds, 0 = no expiry
	Nonce      [16]byte
	Signature  [64]byte
}

// Invite is a complete token: a target instance key and the chain of
// links delegating access to it.
type Invite struct {
	Version  byte
	Instance ed25519.PublicKey
	Links    []Link
}

// Claims is what successful verification yields.
type Claims struct {
	Instance   ed25519.PublicKey
	Capability capability.Capability
	RootIssuer ed25519.PublicKey
	LeafIssuer ed25519.PublicKey
	ChainDepth int
	Nonce      [16]byte
}

// hash returns SHA-256 over the link's fields (excluding the signature
// itself, which covers this hash via the signing message).
func (l Link) hash() [32]byte {
	h := sha256.New()
	h.Write(l.Issuer)
	h.Write([]byte{l.Capability.Byte()})
	h.Write([]byte{l.MaxDepth})
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], l.MaxUses)
	h.Write(buf[:4])
	binary.BigEndian.PutUint64(buf[:], l.ExpiresAt)
	h.Write(buf[:])
	h.Write(l.Nonce[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func signingMessage(prevHash [32]byte, instance ed25519.PublicKey, cap capability.Capability, maxDepth uint8, maxUses uint32, expiresAt uint64, nonce [16]byte) []byte {
	msg := make([]byte, 0, 32+32+1+1+4+8+16)
	msg = append(msg, prevHash[:]...)
	msg = append(msg, instance...)
	msg = append(msg, cap.Byte(), maxDepth)
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], maxUses)
	msg = append(msg, buf[:4]...)
	binary.BigEndian.PutUint64(buf[:], expiresAt)
	msg = append(msg, buf[:]...)
	msg = append(msg, nonce[:]...)
	return msg
}

func signLink(sk ed25519.PrivateKey, prevHash [32]byte, instance ed25519.PublicKey, cap capability.Capability, maxDepth uint8, maxUses uint32, expiresAt uint64) (Link, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Link{}, fmt.Errorf("invite: generate nonce: %w", err)
	}
	msg := signingMessage(prevHash, instance, cap, maxDepth, maxUses, expiresAt, nonce)
	sig := ed25519.Sign(sk, msg)
	l := Link{
		Issuer:     ed25519.PublicKey(append([]byte(nil), sk.Public().(ed25519.PublicKey)...)),
		Capability: cap,
		MaxDepth:   maxDepth,
		MaxUses:    maxUses,
		ExpiresAt:  expiresAt,
		Nonce:      nonce,
	}
	copy(l.Signature[:], sig)
	return l, nil
}

func (l Link) verifySignature(prevHash [32]byte, instance ed25519.PublicKey) error {
	msg := signingMessage(prevHash, instance, l.Capability, l.MaxDepth, l.MaxUses, l.ExpiresAt, l.Nonce)
	if !ed25519.Verify(l.Issuer, msg, l.Signature[:]) {
		return errors.New("invite: invalid signature")
	}
	return nil
}

// CreateFlat creates a non-delegated invite: a single link with
// max_depth 0, so it can never be extended.
func CreateFlat(sk ed25519.PrivateKey, instance ed25519.PublicKey, cap capability.Capability, maxUses uint32, expiresAt uint64) (*Invite, error) {
	link, err := signLink(sk, genesisPrevHash, instance, cap, 0, maxUses, expiresAt)
	if err != nil {
		return nil, err
	}
	return &Invite{Version: version, Instance: instance, Links: []Link{link}}, nil
}

// Delegate appends a new link to parent's chain, requiring the parent's
// leaf to still have delegation depth remaining and the new capability
// to not exceed it.
func Delegate(parent *Invite, sk ed25519.PrivateKey, cap capability.Capability, maxUses uint32, expiresAt uint64) (*Invite, error) {
	if len(parent.Links) == 0 {
		return nil, errors.New("invite: empty chain")
	}
	leaf := parent.Links[len(parent.Links)-1]
	if leaf.MaxDepth == 0 {
		return nil, errors.New("invite: cannot delegate, max_depth is 0")
	}
	if cap > leaf.Capability {
		return nil, errors.New("invite: cannot escalate capability beyond parent")
	}

	prevHash := leaf.hash()
	newDepth := leaf.MaxDepth - 1

	link, err := signLink(sk, prevHash, parent.Instance, cap, newDepth, maxUses, expiresAt)
	if err != nil {
		return nil, err
	}

	links := make([]Link, len(parent.Links), len(parent.Links)+1)
	copy(links, parent.Links)
	links = append(links, link)

	return &Invite{Version: parent.Version, Instance: parent.Instance, Links: links}, nil
}

// Verify checks the chain against now (unix seconds, caller-supplied so
// expiry can be tested deterministically). It does not check use counts
// or issuer-grant liveness; that's the redeeming instance's job.
func (inv *Invite) Verify(nowUnixSecs uint64) (Claims, error) {
	if inv.Version != version {
		return Claims{}, errors.New("invite: unsupported version")
	}
	if len(inv.Links) == 0 {
		return Claims{}, errors.New("invite: empty chain")
	}

	prevHash := genesisPrevHash
	havePrev := false
	var prevCap capability.Capability
	var prevDepth uint8

	for i, link := range inv.Links {
		if err := link.verifySignature(prevHash, inv.Instance); err != nil {
			return Claims{}, fmt.Errorf("invite: link %d: %w", i, err)
		}
		if havePrev {
			if link.Capability > prevCap {
				return Claims{}, fmt.Errorf("invite: capability escalation at link %d", i)
			}
			if prevDepth == 0 {
				return Claims{}, fmt.Errorf("invite: depth exhausted at link %d", i)
			}
			if link.MaxDepth >= prevDepth {
				return Claims{}, fmt.Errorf("invite: depth must decrease at link %d", i)
			}
		}
		if link.ExpiresAt != 0 && nowUnixSecs > link.ExpiresAt {
			return Claims{}, fmt.Errorf("invite: link %d expired", i)
		}

		prevHash = link.hash()
		prevCap = link.Capability
		prevDepth = link.MaxDepth
		havePrev = true
	}

	root := inv.Links[0]
	leaf := inv.Links[len(inv.Links)-1]
	return Claims{
		Instance:   inv.Instance,
		Capability: leaf.Capability,
		RootIssuer: root.Issuer,
		LeafIssuer: leaf.Issuer,
		ChainDepth: len(inv.Links),
		Nonce:      leaf.Nonce,
	}, nil
}

// ToBytes encodes the invite: version(1) + instance(32) + chain_length(1)
// + links(N * linkSize).
func (inv *Invite) ToBytes() []byte {
	buf := make([]byte, 0, 1+32+1+len(inv.Links)*linkSize)
	buf = append(buf, inv.Version)
	buf = append(buf, inv.Instance...)
	buf = append(buf, byte(len(inv.Links)))
	for _, l := range inv.Links {
		buf = append(buf, linkToBytes(l)...)
	}
	return buf
}

func linkToBytes(l Link) []byte {
	buf := make([]byte, 0, linkSize)
	buf = append(buf, l.Issuer...)
	buf = append(buf, l.Capability.Byte(), l.MaxDepth)
	var b4 [4]byte
	binary.BigEndian.PutUint32(b4[:], l.MaxUses)
	buf = append(buf, b4[:]...)
	var b8 [8]byte
	binary.BigEndian.PutUint64(b8[:], l.ExpiresAt)
	buf = append(buf, b8[:]...)
	buf = append(buf, l.Nonce[:]...)
	buf = append(buf, l.Signature[:]...)
	return buf
}

// FromBytes parses a binary invite. Every slice index is bounds-checked
// before use so that parsing never panics on hostile input, and the
// chain-depth ceiling is enforced before any link is parsed to cap the
// work a malicious sender can force.
func FromBytes(b []byte) (*Invite, error) {
	if len(b) < 34 {
		return nil, errors.New("invite: too short")
	}
	v := b[0]
	instance := append(ed25519.PublicKey(nil), b[1:33]...)
	chainLen := b[33]

	if chainLen == 0 {
		return nil, errors.New("invite: empty chain")
	}
	if int(chainLen) > maxChainDepth {
		return nil, fmt.Errorf("invite: chain length %d exceeds maximum %d", chainLen, maxChainDepth)
	}

	expected := 34 + int(chainLen)*linkSize
	if len(b) != expected {
		return nil, fmt.Errorf("invite: wrong size, expected %d got %d", expected, len(b))
	}

	links := make([]Link, 0, chainLen)
	for i := 0; i < int(chainLen); i++ {
		offset := 34 + i*linkSize
		link, err := parseLink(b[offset : offset+linkSize])
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}

	return &Invite{Version: v, Instance: instance, Links: links}, nil
}

func parseLink(b []byte) (Link, error) {
	if len(b) != linkSize {
		return Link{}, fmt.Errorf("invite: link size %d, expected %d", len(b), linkSize)
	}
	issuer := append(ed25519.PublicKey(nil), b[0:32]...)
	cap, ok := capability.FromByte(b[32])
	if !ok {
		return Link{}, fmt.Errorf("invite: unknown capability byte %d", b[32])
	}
	maxDepth := b[33]
	maxUses := binary.BigEndian.Uint32(b[34:38])
	expiresRaw := binary.BigEndian.Uint64(b[38:46])

	var nonce [16]byte
	copy(nonce[:], b[46:62])
	var sig [64]byte
	copy(sig[:], b[62:126])

	return Link{
		Issuer:     issuer,
		Capability: cap,
		MaxDepth:   maxDepth,
		MaxUses:    maxUses,
		ExpiresAt:  expiresRaw,
		Nonce:      nonce,
		Signature:  sig,
	}, nil
}

// ToBase32 encodes the invite for copy/paste transport.
func (inv *Invite) ToBase32() string {
	return crockford.EncodeToString(inv.ToBytes())
}

// FromBase32 parses a textual invite token.
func FromBase32(s string) (*Invite, error) {
	b, err := crockford.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invite: invalid base32: %w", err)
	}
	return FromBytes(b)
}
