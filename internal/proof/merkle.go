package proof

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Hash is a 32-byte SHA-256 digest used for commitments throughout the system.
type Hash [32]byte

// HashBytes hashes arbitrary data into a Hash.
func HashBytes(data []byte) Hash {
	return sha256.Sum256(data)
}

// Hex returns the lowercase hex encoding of the hash.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is the all-zero value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash decodes a 64-character hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parse hash: %w", err)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("parse hash: expected %d bytes, got %d", len(h), len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// Fragment is an opaque inclusion artifact: it proves that a single leaf is
// committed under a Merkle root without revealing the other leaves.
type Fragment struct {
	Root        Hash   `json:"root"`
	Leaf        Hash   `json:"leaf"`
	ProofHashes []Hash `json:"proof_hashes"`
	Index       int    `json:"index"`
	TotalLeaves int    `json:"total_leaves"`
}

// System is the opaque proof capability: commit an ordered set of leaves to a
// root, produce inclusion fragments, and verify them. The concrete
// cryptographic scheme behind it is deliberately replaceable.
type System interface {
	Commit(leaves []Hash) (Hash, error)
	ProofFor(leaves []Hash, index int) (Fragment, error)
	Verify(f Fragment) bool
}

// MerkleSystem implements System with a binary SHA-256 Merkle tree. An odd
// node at any level is carried up unchanged rather than paired with itself.
type MerkleSystem struct{}

// NewMerkleSystem returns the default proof system.
func NewMerkleSystem() *MerkleSystem {
	return &MerkleSystem{}
}

var errNoLeaves = errors.New("merkle: no leaves to commit")

func hashPair(left, right Hash) Hash {
	var buf [64]byte
	copy(buf[:32], left[:])
	copy(buf[32:], right[:])
	return sha256.Sum256(buf[:])
}

// Commit computes the Merkle root over the ordered leaves.
func (m *MerkleSystem) Commit(leaves []Hash) (Hash, error) {
	if len(leaves) == 0 {
		return Hash{}, errNoLeaves
	}

	level := make([]Hash, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		next := make([]Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
	}

	return level[0], nil
}

// ProofFor builds the inclusion fragment for the leaf at index.
func (m *MerkleSystem) ProofFor(leaves []Hash, index int) (Fragment, error) {
	if len(leaves) == 0 {
		return Fragment{}, errNoLeaves
	}
	if index < 0 || index >= len(leaves) {
		return Fragment{}, fmt.Errorf("merkle: index %d out of range (%d leaves)", index, len(leaves))
	}

	root, err := m.Commit(leaves)
	if err != nil {
		return Fragment{}, err
	}

	var proofHashes []Hash
	level := make([]Hash, len(leaves))
	copy(level, leaves)
	pos := index

	for len(level) > 1 {
		sibling := pos ^ 1
		if sibling < len(level) {
			proofHashes = append(proofHashes, level[sibling])
		}

		next := make([]Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
		pos /= 2
	}

	return Fragment{
		Root:        root,
		Leaf:        leaves[index],
		ProofHashes: proofHashes,
		Index:       index,
		TotalLeaves: len(leaves),
	}, nil
}

// Verify recomputes the root from the fragment's leaf and sibling path.
func (m *MerkleSystem) Verify(f Fragment) bool {
	if f.TotalLeaves <= 0 || f.Index < 0 || f.Index >= f.TotalLeaves {
		return false
	}

	current := f.Leaf
	pos := f.Index
	width := f.TotalLeaves
	next := 0

	for width > 1 {
		sibling := pos ^ 1
		if sibling < width {
			if next >= len(f.ProofHashes) {
				return false
			}
			if pos%2 == 0 {
				current = hashPair(current, f.ProofHashes[next])
			} else {
				current = hashPair(f.ProofHashes[next], current)
			}
			next++
		}
		pos /= 2
		width = (width + 1) / 2
	}

	return next == len(f.ProofHashes) && current == f.Root
}
