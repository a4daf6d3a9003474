package proof

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeLeaves(n int) []Hash {
	leaves := make([]Hash, n)
	for i := range leaves {
		leaves[i] = HashBytes([]byte(fmt.Sprintf("leaf-%d", i)))
	}
	return leaves
}

func TestCommit_EmptyFails(t *testing.T) {
	sys := NewMerkleSystem()
	_, err := sys.Commit(nil)
	assert.Error(t, err)
}

func TestCommit_Deterministic(t *testing.T) {
	sys := NewMerkleSystem()
	leaves := makeLeaves(5)

	r1, err := sys.Commit(leaves)
	require.NoError(t, err)
	r2, err := sys.Commit(leaves)
	require.NoError(t, err)
	assert.Equal(t, r1, r2)

	leaves[2] = HashBytes([]byte("tampered"))
	r3, err := sys.Commit(leaves)
	require.NoError(t, err)
	assert.NotEqual(t, r1, r3)
}

func TestProofFor_VerifiesAcrossSizes(t *testing.T) {
	sys := NewMerkleSystem()

	for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 13} {
		leaves := makeLeaves(n)
		for i := 0; i < n; i++ {
			frag, err := sys.ProofFor(leaves, i)
			require.NoError(t, err, "n=%d i=%d", n, i)
			assert.True(t, sys.Verify(frag), "n=%d i=%d", n, i)
		}
	}
}

func TestVerify_RejectsTamperedFragment(t *testing.T) {
	sys := NewMerkleSystem()
	leaves := makeLeaves(6)

	frag, err := sys.ProofFor(leaves, 2)
	require.NoError(t, err)

	tampered := frag
	tampered.Leaf = HashBytes([]byte("other leaf"))
	assert.False(t, sys.Verify(tampered))

	tampered = frag
	tampered.Index = 3
	assert.False(t, sys.Verify(tampered))

	tampered = frag
	tampered.Root = HashBytes([]byte("other root"))
	assert.False(t, sys.Verify(tampered))

	tampered = frag
	tampered.ProofHashes = frag.ProofHashes[:len(frag.ProofHashes)-1]
	assert.False(t, sys.Verify(tampered))
}

func TestVerify_RejectsOutOfRange(t *testing.T) {
	sys := NewMerkleSystem()

	assert.False(t, sys.Verify(Fragment{TotalLeaves: 0}))
	assert.False(t, sys.Verify(Fragment{TotalLeaves: 4, Index: 4}))
	assert.False(t, sys.Verify(Fragment{TotalLeaves: 4, Index: -1}))
}

func TestParseHash_RoundTrip(t *testing.T) {
	h := HashBytes([]byte("round trip"))

	parsed, err := ParseHash(h.Hex())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = ParseHash("zz")
	assert.Error(t, err)
	_, err = ParseHash("abcd")
	assert.Error(t, err)
}
