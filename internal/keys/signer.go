// Package keys holds the opaque signing capability. Accounts are identified
// by the hex encoding of their ed25519 public key; the concrete scheme sits
// behind the Signer interface so it can be swapped without touching callers.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Signer signs transfer block roots on behalf of one account.
type Signer interface {
	Sign(message []byte) []byte
	Public() ed25519.PublicKey
	Account() string
}

// Ed25519Signer is the default Signer.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
}

// NewSigner generates a fresh keypair.
func NewSigner() (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Ed25519Signer{priv: priv}, nil
}

// SignerFromSeed deterministically derives a signer from a 32-byte seed.
func SignerFromSeed(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Ed25519Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// Seed returns the private seed for persistence.
func (s *Ed25519Signer) Seed() []byte {
	return s.priv.Seed()
}

// Sign signs the message.
func (s *Ed25519Signer) Sign(message []byte) []byte {
	return ed25519.Sign(s.priv, message)
}

// Public returns the public key.
func (s *Ed25519Signer) Public() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Account returns the account identifier for this keypair.
func (s *Ed25519Signer) Account() string {
	return AccountFor(s.Public())
}

// AccountFor derives the account identifier from a public key.
func AccountFor(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

// Verify checks a signature against the account identifier it claims.
func Verify(account string, message, sig []byte) bool {
	pub, err := hex.DecodeString(account)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}
