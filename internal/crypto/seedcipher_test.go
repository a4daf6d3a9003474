package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen_RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	c, err := NewSeedCipher(key)
	require.NoError(t, err)

	seed := []byte("0123456789abcdef0123456789abcdef")
	sealed, err := c.Seal("alice", seed)
	require.NoError(t, err)
	assert.NotEqual(t, seed, sealed)

	opened, err := c.Open("alice", sealed)
	require.NoError(t, err)
	assert.Equal(t, seed, opened)
}

func TestOpen_RejectsTampering(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	c, err := NewSeedCipher(key)
	require.NoError(t, err)

	sealed, err := c.Seal("alice", []byte("seed material"))
	require.NoError(t, err)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = c.Open("alice", tampered)
	assert.Error(t, err)

	_, err = c.Open("alice", []byte("short"))
	assert.Error(t, err)
}

func TestOpen_BoundToWalletName(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	c, err := NewSeedCipher(key)
	require.NoError(t, err)

	sealed, err := c.Seal("alice", []byte("seed material"))
	require.NoError(t, err)

	_, err = c.Open("bob", sealed)
	assert.Error(t, err)
}

func TestOpen_RequiresSameKey(t *testing.T) {
	k1, err := GenerateKey()
	require.NoError(t, err)
	k2, err := GenerateKey()
	require.NoError(t, err)

	c1, err := NewSeedCipher(k1)
	require.NoError(t, err)
	c2, err := NewSeedCipher(k2)
	require.NoError(t, err)

	sealed, err := c1.Seal("alice", []byte("seed material"))
	require.NoError(t, err)
	_, err = c2.Open("alice", sealed)
	assert.Error(t, err)
}

func TestSeedCipherFromHex(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	_, err = SeedCipherFromHex(hex.EncodeToString(key))
	assert.NoError(t, err)

	_, err = SeedCipherFromHex("zz")
	assert.Error(t, err)
	_, err = SeedCipherFromHex("abcd")
	assert.ErrorIs(t, err, ErrKeySize)
}
