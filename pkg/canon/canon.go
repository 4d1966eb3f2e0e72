// Package canon implements the crypto primitives in §4.B: content hashing,
// canonical encoding, hash-chain linkage, and detached signatures over
// canonical JSON.
package canon

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Hash is a 32-byte SHA-256 digest, hex-encoded for storage/transport.
type Hash [32]byte

// String returns the hex encoding used everywhere a hash is stored or
// compared (AuditEntry.hash, auditHashRoot, ...).
func (h Hash) String() string {
	return fmt.Sprintf("%x", [32]byte(h))
}

// IsZero reports whether h is the zero value (never a valid content hash).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// HashFromHex parses a hex-encoded hash back into a Hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	n, err := fmt.Sscanf(s, "%x", &h)
	if err != nil || n != 1 {
		return Hash{}, fmt.Errorf("canon: invalid hash hex %q: %w", s, err)
	}
	return h, nil
}

// HashBytes computes the collision-resistant digest of arbitrary bytes.
func HashBytes(b []byte) Hash {
	return sha256.Sum256(b)
}

// Canonical deterministically encodes a structured value: sorted object
// keys and stable number/string formatting, per RFC 8785 (JSON
// Canonicalization Scheme).
func Canonical(v any) ([]byte, error) {
	out, err := jcs.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: canonicalize: %w", err)
	}
	return out, nil
}

// HashValue canonicalizes then hashes v in one step.
func HashValue(v any) (Hash, error) {
	b, err := Canonical(v)
	if err != nil {
		return Hash{}, err
	}
	return HashBytes(b), nil
}

// Chain computes hash(prevHash || canonical(event)), the link function used
// by the audit log (§4.E) to make retroactive edits detectable.
func Chain(prev Hash, event any) (Hash, error) {
	payload, err := Canonical(event)
	if err != nil {
		return Hash{}, err
	}
	buf := make([]byte, 0, len(prev)+len(payload))
	buf = append(buf, prev[:]...)
	buf = append(buf, payload...)
	return HashBytes(buf), nil
}

// GenesisPrevHash is the deterministic predecessor hash of the first entry
// in any audit log: hash("GENESIS").
func GenesisPrevHash() Hash {
	return HashBytes([]byte("GENESIS"))
}

// Signer produces detached Ed25519 signatures over canonical JSON.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner wraps an existing Ed25519 keypair.
func NewSigner(priv ed25519.PrivateKey) *Signer {
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

// PublicKey returns the verification key corresponding to this signer.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.pub
}

// Sign produces a detached signature over canonical(v).
func (s *Signer) Sign(v any) ([]byte, error) {
	data, err := Canonical(v)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(s.priv, data), nil
}

// Verify checks a detached signature over canonical(v) against pub.
func Verify(pub ed25519.PublicKey, v any, signature []byte) (bool, error) {
	data, err := Canonical(v)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, data, signature), nil
}
