// Package pgindex mirrors the latest value of every ledger key into
// PostgreSQL for ad-hoc SQL queries. The block file stays the source of truth;
// the tables can be dropped and re-exported at any time.
package pgindex

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/decentcloud/dcledger/labelindex"
	"github.com/decentcloud/dcledger/ledger"
	"github.com/decentcloud/dcledger/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	label              TEXT   NOT NULL,
	key                BYTEA  NOT NULL,
	value              BYTEA  NOT NULL,
	block_height       BIGINT NOT NULL,
	block_offset       BIGINT NOT NULL,
	block_hash         TEXT   NOT NULL,
	block_timestamp_ns BIGINT NOT NULL,
	PRIMARY KEY (label, key)
);
CREATE TABLE IF NOT EXISTS ledger_export_state (
	id            SMALLINT PRIMARY KEY,
	next_position BIGINT NOT NULL
);`

const upsertEntry = `INSERT INTO ledger_entries
	(label, key, value, block_height, block_offset, block_hash, block_timestamp_ns)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (label, key) DO UPDATE SET
	value = EXCLUDED.value,
	block_height = EXCLUDED.block_height,
	block_offset = EXCLUDED.block_offset,
	block_hash = EXCLUDED.block_hash,
	block_timestamp_ns = EXCLUDED.block_timestamp_ns
WHERE ledger_entries.block_height <= EXCLUDED.block_height`

const upsertPosition = `INSERT INTO ledger_export_state (id, next_position) VALUES (1, $1)
ON CONFLICT (id) DO UPDATE SET next_position = EXCLUDED.next_position`

const selectPosition = `SELECT next_position FROM ledger_export_state WHERE id = 1`

// Source is the part of the ledger the exporter reads.
type Source interface {
	Size() int64
	EntriesFrom(position int64) []labelindex.MaterializedEntry
}

var _ Source = (*ledger.Ledger)(nil)

type Exporter struct {
	db *sql.DB
}

// Open connects to PostgreSQL with the lib/pq driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

func New(db *sql.DB) *Exporter {
	return &Exporter{db: db}
}

func (e *Exporter) EnsureSchema(ctx context.Context) error {
	if _, err := e.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create pgindex schema: %w", err)
	}
	return nil
}

// Position is the ledger offset the next export starts from.
func (e *Exporter) Position(ctx context.Context) (int64, error) {
	var pos int64
	err := e.db.QueryRowContext(ctx, selectPosition).Scan(&pos)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load export position: %w", err)
	}
	return pos, nil
}

// Export upserts every entry committed since the stored position and moves
// the position forward, all in one SQL transaction. It returns the number of
// rows written.
func (e *Exporter) Export(ctx context.Context, src Source) (int, error) {
	from, err := e.Position(ctx)
	if err != nil {
		return 0, err
	}
	// Size is taken first: blocks committed meanwhile may be exported now and
	// again next round, which the height guard on the upsert makes harmless.
	to := src.Size()
	if from >= to {
		return 0, nil
	}
	entries := src.EntriesFrom(from)

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin export: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertEntry)
	if err != nil {
		return 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, me := range entries {
		if _, err := stmt.ExecContext(ctx, me.Label, me.Key, me.Value,
			int64(me.BlockHeight), me.BlockOffset, me.BlockHash.String(), int64(me.BlockTimestampNs)); err != nil {
			return 0, fmt.Errorf("upsert %s/%x: %w", me.Label, me.Key, err)
		}
	}
	if _, err := tx.ExecContext(ctx, upsertPosition, to); err != nil {
		return 0, fmt.Errorf("store export position: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit export: %w", err)
	}
	logx.Debug("PGINDEX", fmt.Sprintf("exported %d entries, position %d -> %d", len(entries), from, to))
	return len(entries), nil
}

// Run exports every interval until ctx is done.
func (e *Exporter) Run(ctx context.Context, src Source, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := e.Export(ctx, src)
		if err != nil {
			logx.Error("PGINDEX", "export failed: ", err)
		} else if n > 0 {
			logx.Info("PGINDEX", fmt.Sprintf("exported %d entries", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Lookup returns the exported value of (label, key).
func (e *Exporter) Lookup(ctx context.Context, label string, key []byte) ([]byte, uint64, error) {
	var value []byte
	var height int64
	err := e.db.QueryRowContext(ctx,
		`SELECT value, block_height FROM ledger_entries WHERE label = $1 AND key = $2`, label, key).
		Scan(&value, &height)
	if err == sql.ErrNoRows {
		return nil, 0, ledger.ErrEntryNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	return value, uint64(height), nil
}
