package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/example/stateless-rollup/internal/proof"
)

// SQLiteStore persists lifecycle records in SQLite so they survive process
// restarts.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the snapshot database at path and
// ensures the schema exists. Use ":memory:" for an ephemeral store.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger db at %q: %w", path, err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS transfer_records (
			transfer_id TEXT PRIMARY KEY,
			account     TEXT NOT NULL,
			state       TEXT NOT NULL,
			block_root  TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMP NOT NULL,
			updated_at  TIMESTAMP NOT NULL
		)
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save upserts one record.
func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `
		INSERT INTO transfer_records (transfer_id, account, state, block_root, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id) DO UPDATE SET
			state = excluded.state,
			block_root = excluded.block_root,
			updated_at = excluded.updated_at
	`
	blockRoot := ""
	if !rec.BlockRoot.IsZero() {
		blockRoot = rec.BlockRoot.Hex()
	}
	_, err := s.db.ExecContext(ctx, query,
		rec.TransferID, rec.Account, string(rec.State), blockRoot, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save record %s: %w", rec.TransferID, err)
	}
	return nil
}

// LoadAll reads the full snapshot.
func (s *SQLiteStore) LoadAll(ctx context.Context) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT transfer_id, account, state, block_root, created_at, updated_at
		FROM transfer_records
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var state, blockRoot string
		if err := rows.Scan(&rec.TransferID, &rec.Account, &state, &blockRoot, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.State = State(state)
		if blockRoot != "" {
			root, err := proof.ParseHash(blockRoot)
			if err != nil {
				return nil, fmt.Errorf("record %s: %w", rec.TransferID, err)
			}
			rec.BlockRoot = root
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MemoryStore is an in-process Store for tests and ephemeral wallets.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Save upserts one record.
func (s *MemoryStore) Save(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.TransferID] = rec
	return nil
}

// LoadAll reads the full snapshot.
func (s *MemoryStore) LoadAll(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}
