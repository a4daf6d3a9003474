// Package store persists per-account wallet state in LevelDB: the ordered
// operation log with its latest commitment, the signing seed, and any
// pending batch, so that a process restart never loses a balance proof.
package store

import (
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/example/stateless-rollup/internal/crypto"
	"github.com/example/stateless-rollup/internal/engine"
	"github.com/example/stateless-rollup/internal/rollup"
)

// Store wraps LevelDB for wallet state persistence. LevelDB handles its own
// synchronization. With a seed cipher configured, signing seeds are sealed
// before they touch disk.
type Store struct {
	db     *leveldb.DB
	cipher *crypto.SeedCipher
}

// Open opens or creates the wallet database at path. An empty path uses
// in-memory storage, for tests.
func Open(path string) (*Store, error) {
	return OpenWithCipher(path, nil)
}

// OpenWithCipher opens the wallet database with seed encryption at rest.
// A nil cipher stores seeds in the clear.
func OpenWithCipher(path string, cipher *crypto.SeedCipher) (*Store, error) {
	var db *leveldb.DB
	var err error

	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open wallet db at %q: %w", path, err)
	}
	return &Store{db: db, cipher: cipher}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func proofKey(account string) []byte { return []byte("proof/" + account) }
func seedKey(name string) []byte     { return []byte("seed/" + name) }
func batchKey(account string) []byte { return []byte("batch/" + account) }

// SaveProof persists the account's balance proof.
func (s *Store) SaveProof(bp engine.BalanceProof) error {
	raw, err := json.Marshal(bp)
	if err != nil {
		return fmt.Errorf("encode proof for %s: %w", bp.Account, err)
	}
	if err := s.db.Put(proofKey(bp.Account), raw, nil); err != nil {
		return fmt.Errorf("save proof for %s: %w", bp.Account, err)
	}
	return nil
}

// LoadProof retrieves the account's balance proof. The second return is
// false when none is stored.
func (s *Store) LoadProof(account string) (engine.BalanceProof, bool, error) {
	raw, err := s.db.Get(proofKey(account), nil)
	if err == leveldb.ErrNotFound {
		return engine.BalanceProof{}, false, nil
	}
	if err != nil {
		return engine.BalanceProof{}, false, fmt.Errorf("load proof for %s: %w", account, err)
	}

	var bp engine.BalanceProof
	if err := json.Unmarshal(raw, &bp); err != nil {
		return engine.BalanceProof{}, false, fmt.Errorf("decode proof for %s: %w", account, err)
	}
	return bp, true, nil
}

// SaveSeed persists a signing seed under a wallet name.
func (s *Store) SaveSeed(name string, seed []byte) error {
	stored := seed
	if s.cipher != nil {
		sealed, err := s.cipher.Seal(name, seed)
		if err != nil {
			return fmt.Errorf("seal seed for %s: %w", name, err)
		}
		stored = sealed
	}
	if err := s.db.Put(seedKey(name), stored, nil); err != nil {
		return fmt.Errorf("save seed for %s: %w", name, err)
	}
	return nil
}

// LoadSeed retrieves a signing seed by wallet name.
func (s *Store) LoadSeed(name string) ([]byte, bool, error) {
	raw, err := s.db.Get(seedKey(name), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load seed for %s: %w", name, err)
	}
	if s.cipher != nil {
		seed, err := s.cipher.Open(name, raw)
		if err != nil {
			return nil, false, fmt.Errorf("unseal seed for %s: %w", name, err)
		}
		return seed, true, nil
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, true, nil
}

// SavePendingBatch persists the account's not-yet-admitted batch. A nil
// batch clears it.
func (s *Store) SavePendingBatch(account string, b *rollup.Batch) error {
	if b == nil {
		if err := s.db.Delete(batchKey(account), nil); err != nil {
			return fmt.Errorf("clear pending batch for %s: %w", account, err)
		}
		return nil
	}

	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode pending batch for %s: %w", account, err)
	}
	if err := s.db.Put(batchKey(account), raw, nil); err != nil {
		return fmt.Errorf("save pending batch for %s: %w", account, err)
	}
	return nil
}

// LoadPendingBatch retrieves the account's pending batch, if any.
func (s *Store) LoadPendingBatch(account string) (*rollup.Batch, error) {
	raw, err := s.db.Get(batchKey(account), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load pending batch for %s: %w", account, err)
	}

	var b rollup.Batch
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode pending batch for %s: %w", account, err)
	}
	return &b, nil
}
