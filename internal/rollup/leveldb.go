package rollup

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/example/stateless-rollup/internal/engine"
)

var stateKey = []byte("rollup/state")

type persistedState struct {
	Deposits    map[string]uint64             `json:"deposits"`
	Withdrawals map[string]uint64             `json:"withdrawals"`
	Blocks      []TransferBlock               `json:"blocks"`
	Ops         map[string][]engine.Operation `json:"ops"`
	NextSeq     map[string]uint64             `json:"next_seq"`
	Version     uint64                        `json:"version"`
}

// LevelDBOracle is a durable ledger oracle backed by LevelDB. It keeps the
// observed rollup state across process restarts, which the aggregator relies
// on instead of re-deriving everything after a crash. LevelDB holds an
// exclusive file lock, so only one process opens a given database; other
// processes query state over the message channel.
type LevelDBOracle struct {
	db  *leveldb.DB
	mem *MemoryOracle
}

// OpenLevelDBOracle opens or creates the oracle database at path. An empty
// path uses in-memory storage, for tests.
func OpenLevelDBOracle(path string) (*LevelDBOracle, error) {
	var db *leveldb.DB
	var err error

	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open oracle db at %q: %w", path, err)
	}

	o := &LevelDBOracle{db: db, mem: NewMemoryOracle()}
	if err := o.load(); err != nil {
		db.Close()
		return nil, err
	}
	return o, nil
}

// Close releases the underlying database.
func (o *LevelDBOracle) Close() error {
	return o.db.Close()
}

func (o *LevelDBOracle) load() error {
	raw, err := o.db.Get(stateKey, nil)
	if err == leveldb.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load oracle state: %w", err)
	}

	var st persistedState
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("decode oracle state: %w", err)
	}

	o.mem.mu.Lock()
	defer o.mem.mu.Unlock()
	if st.Deposits != nil {
		o.mem.deposits = st.Deposits
	}
	if st.Withdrawals != nil {
		o.mem.withdrawals = st.Withdrawals
	}
	if st.Ops != nil {
		o.mem.ops = st.Ops
	}
	if st.NextSeq != nil {
		o.mem.nextSeq = st.NextSeq
	}
	o.mem.blocks = st.Blocks
	o.mem.version = st.Version
	return nil
}

func (o *LevelDBOracle) persist() error {
	o.mem.mu.Lock()
	st := persistedState{
		Deposits:    o.mem.deposits,
		Withdrawals: o.mem.withdrawals,
		Blocks:      o.mem.blocks,
		Ops:         o.mem.ops,
		NextSeq:     o.mem.nextSeq,
		Version:     o.mem.version,
	}
	raw, err := json.Marshal(st)
	o.mem.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode oracle state: %w", err)
	}
	if err := o.db.Put(stateKey, raw, nil); err != nil {
		return fmt.Errorf("persist oracle state: %w", err)
	}
	return nil
}

// AddDeposit records an on-chain deposit and persists the state.
func (o *LevelDBOracle) AddDeposit(account string, amount uint64, sourceRef string) error {
	o.mem.AddDeposit(account, amount, sourceRef)
	return o.persist()
}

// AddWithdraw records an on-chain withdrawal and persists the state.
func (o *LevelDBOracle) AddWithdraw(account string, amount uint64) error {
	if err := o.mem.AddWithdraw(account, amount); err != nil {
		return err
	}
	return o.persist()
}

// SubmitBlock accepts a signed block and persists the state.
func (o *LevelDBOracle) SubmitBlock(ctx context.Context, block TransferBlock) (Receipt, error) {
	receipt, err := o.mem.SubmitBlock(ctx, block)
	if err != nil {
		return Receipt{}, err
	}
	if err := o.persist(); err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

// QueryState returns a consistent snapshot of the observed rollup state.
func (o *LevelDBOracle) QueryState(ctx context.Context) (StateView, error) {
	return o.mem.QueryState(ctx)
}
