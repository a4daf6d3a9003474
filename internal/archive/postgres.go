// Package archive records committed transfer blocks in PostgreSQL for
// operator inspection. The archive is write-behind and optional: the
// protocol never depends on it.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/stateless-rollup/internal/rollup"
)

// PostgresArchive stores committed blocks and their member transfers.
type PostgresArchive struct {
	Pool *pgxpool.Pool
}

// Connect opens a pool against databaseURL and ensures the schema exists.
func Connect(ctx context.Context, databaseURL string) (*PostgresArchive, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("archive: connect: %w", err)
	}

	a := &PostgresArchive{Pool: pool}
	if err := a.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the pool.
func (a *PostgresArchive) Close() {
	a.Pool.Close()
}

func (a *PostgresArchive) ensureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	schema := `
		CREATE TABLE IF NOT EXISTS transfer_blocks (
			block_id    TEXT PRIMARY KEY,
			root        TEXT NOT NULL,
			version     BIGINT NOT NULL,
			sender_count INT NOT NULL,
			closed_at   TIMESTAMPTZ NOT NULL,
			observed_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS archived_transfers (
			transfer_id TEXT PRIMARY KEY,
			block_id    TEXT NOT NULL REFERENCES transfer_blocks(block_id),
			sender      TEXT NOT NULL,
			recipient   TEXT NOT NULL,
			amount      BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_archived_transfers_sender ON archived_transfers(sender);
		CREATE INDEX IF NOT EXISTS idx_archived_transfers_recipient ON archived_transfers(recipient);
	`
	if _, err := a.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("archive: create schema: %w", err)
	}
	return nil
}

// ArchiveBlock records one committed block with its transfers in a single
// transaction.
func (a *PostgresArchive) ArchiveBlock(ctx context.Context, block rollup.TransferBlock, receipt rollup.Receipt) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := a.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("archive: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO transfer_blocks (block_id, root, version, sender_count, closed_at, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (block_id) DO NOTHING
	`, block.ID, block.Root.Hex(), receipt.Version, len(block.Batches), block.CreatedAt, receipt.ObservedAt)
	if err != nil {
		return fmt.Errorf("archive: insert block %s: %w", block.ID, err)
	}

	for _, b := range block.Batches {
		for _, t := range b.Transfers {
			_, err = tx.Exec(ctx, `
				INSERT INTO archived_transfers (transfer_id, block_id, sender, recipient, amount)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (transfer_id) DO NOTHING
			`, t.ID, block.ID, t.Sender, t.Recipient, t.Amount)
			if err != nil {
				return fmt.Errorf("archive: insert transfer %s: %w", t.ID, err)
			}
		}
	}

	return tx.Commit(ctx)
}

// ArchivedBlock is one row of the operator view.
type ArchivedBlock struct {
	BlockID     string    `json:"block_id"`
	Root        string    `json:"root"`
	Version     int64     `json:"version"`
	SenderCount int       `json:"sender_count"`
	ObservedAt  time.Time `json:"observed_at"`
}

// RecentBlocks lists the most recently observed blocks, newest first.
func (a *PostgresArchive) RecentBlocks(ctx context.Context, limit int) ([]ArchivedBlock, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := a.Pool.Query(ctx, `
		SELECT block_id, root, version, sender_count, observed_at
		FROM transfer_blocks
		ORDER BY observed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: query blocks: %w", err)
	}
	defer rows.Close()

	var out []ArchivedBlock
	for rows.Next() {
		var b ArchivedBlock
		if err := rows.Scan(&b.BlockID, &b.Root, &b.Version, &b.SenderCount, &b.ObservedAt); err != nil {
			return nil, fmt.Errorf("archive: scan block: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
