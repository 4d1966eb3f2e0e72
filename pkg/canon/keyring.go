package canon

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyProvider abstracts the signing backend so an HSM or KMS can be swapped
// in for the in-memory provider without touching Keyring callers.
type KeyProvider interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// MemoryKeyProvider is the in-process Ed25519 provider used by default.
type MemoryKeyProvider struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewMemoryKeyProvider generates a fresh random Ed25519 keypair.
func NewMemoryKeyProvider() (*MemoryKeyProvider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &MemoryKeyProvider{pub: pub, priv: priv}, nil
}

// MemoryKeyProviderFromSeed rebuilds a deterministic provider from a seed,
// used when restoring a previously derived jurisdiction key.
func MemoryKeyProviderFromSeed(seed []byte) (*MemoryKeyProvider, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("canon: seed must be %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &MemoryKeyProvider{pub: priv.Public().(ed25519.PublicKey), priv: priv}, nil
}

func (m *MemoryKeyProvider) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(m.priv, msg), nil
}

func (m *MemoryKeyProvider) PublicKey() ed25519.PublicKey {
	return m.pub
}

// Keyring signs structured values (via canonical encoding) using a
// KeyProvider, and can derive jurisdiction-scoped sub-keyrings.
type Keyring struct {
	provider KeyProvider
}

// NewKeyring wraps a KeyProvider; a nil provider falls back to a fresh
// in-memory one so callers always get a usable Keyring.
func NewKeyring(p KeyProvider) *Keyring {
	if p == nil {
		p, _ = NewMemoryKeyProvider()
	}
	return &Keyring{provider: p}
}

// Sign produces a detached signature over canonical(data).
func (k *Keyring) Sign(data any) ([]byte, error) {
	msg, err := Canonical(data)
	if err != nil {
		return nil, err
	}
	return k.provider.Sign(msg)
}

// Verify checks a detached signature produced by Sign.
func (k *Keyring) Verify(data any, signature []byte) (bool, error) {
	return Verify(k.provider.PublicKey(), data, signature)
}

func (k *Keyring) PublicKey() ed25519.PublicKey {
	return k.provider.PublicKey()
}

// DeriveForJurisdiction derives a jurisdiction-scoped Keyring via
// HKDF-SHA256 over the master key's seed, so EU/US/OTHER certificates are
// signed with distinct, deterministically reproducible keys without
// persisting a separate keypair per jurisdiction.
func (k *Keyring) DeriveForJurisdiction(jurisdiction string) (*Keyring, error) {
	if jurisdiction == "" {
		return nil, fmt.Errorf("canon: jurisdiction must not be empty")
	}
	master, ok := k.provider.(*MemoryKeyProvider)
	if !ok {
		return nil, fmt.Errorf("canon: jurisdiction derivation requires a MemoryKeyProvider")
	}
	seed := master.priv.Seed()

	reader := hkdf.New(sha256.New, seed, []byte("erasure-jurisdiction-kdf"), []byte(jurisdiction))
	derivedSeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, derivedSeed); err != nil {
		return nil, fmt.Errorf("canon: HKDF derivation failed: %w", err)
	}

	provider, err := MemoryKeyProviderFromSeed(derivedSeed)
	if err != nil {
		return nil, err
	}
	return NewKeyring(provider), nil
}
