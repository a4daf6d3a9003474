// Package crypto encrypts wallet signing seeds at rest. The seed is the one
// secret whose leak drains an account, so the wallet store seals it with
// AES-256-GCM under a master key supplied by the operator.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

const keySize = 32

// ErrKeySize rejects master keys that are not 32 bytes.
var ErrKeySize = errors.New("crypto: master key must be 32 bytes")

// SeedCipher seals and opens signing seeds with AES-256-GCM. The nonce is
// prepended to the ciphertext.
type SeedCipher struct {
	aead cipher.AEAD
}

// NewSeedCipher builds a cipher from a raw 32-byte master key.
func NewSeedCipher(key []byte) (*SeedCipher, error) {
	if len(key) != keySize {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: init GCM: %w", err)
	}
	return &SeedCipher{aead: aead}, nil
}

// SeedCipherFromHex builds a cipher from a hex-encoded master key, the form
// it takes in configuration.
func SeedCipherFromHex(hexKey string) (*SeedCipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode master key: %w", err)
	}
	return NewSeedCipher(key)
}

// Seal encrypts the seed, binding it to the wallet name so a sealed seed
// cannot be replayed under a different wallet.
func (c *SeedCipher) Seal(name string, seed []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, seed, []byte(name)), nil
}

// Open decrypts a sealed seed.
func (c *SeedCipher) Open(name string, sealed []byte) ([]byte, error) {
	if len(sealed) < c.aead.NonceSize() {
		return nil, errors.New("crypto: sealed seed too short")
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	seed, err := c.aead.Open(nil, nonce, ciphertext, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("crypto: open sealed seed: %w", err)
	}
	return seed, nil
}

// GenerateKey produces a fresh random master key, for key provisioning.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("crypto: generate master key: %w", err)
	}
	return key, nil
}
