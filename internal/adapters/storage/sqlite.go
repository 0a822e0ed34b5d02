package storage

// sqlite.go: durable order/position ledger.
//
// Tables:
//   identities  - derived signing identities and their activation state
//   orders      - one row per accepted intent, UNIQUE on idempotency_key
//   fills       - append-only executions, deduplicated by exchange trade id
//   redemptions - on-chain settlements that zero a position
//
// Orders are never deleted; terminal states are retained for audit. Overfill
// and status-monotonicity checks run inside the same transaction as the
// write they guard, so a refused write leaves no trace.

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS identities (
    idx         INTEGER PRIMARY KEY,
    address     TEXT NOT NULL UNIQUE,
    state       TEXT NOT NULL DEFAULT 'active',
    created_at  DATETIME NOT NULL,
    retired_at  DATETIME
);

CREATE TABLE IF NOT EXISTS orders (
    id               TEXT PRIMARY KEY,           -- local UUID
    idempotency_key  TEXT NOT NULL UNIQUE,
    exchange_order_id TEXT NOT NULL DEFAULT '',
    condition_id     TEXT NOT NULL,
    token_id         TEXT NOT NULL,
    identity_idx     INTEGER NOT NULL REFERENCES identities(idx),
    side             TEXT NOT NULL,              -- BUY / SELL
    order_type       TEXT NOT NULL DEFAULT 'LIMIT',
    price            REAL NOT NULL DEFAULT 0,
    size             REAL NOT NULL,
    filled_size      REAL NOT NULL DEFAULT 0,
    status           TEXT NOT NULL DEFAULT 'PENDING',
    reason           TEXT NOT NULL DEFAULT '',
    created_at       DATETIME NOT NULL,
    updated_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS fills (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id          TEXT NOT NULL REFERENCES orders(id),
    exchange_trade_id TEXT NOT NULL DEFAULT '',
    price             REAL NOT NULL,
    size              REAL NOT NULL,
    traded_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS redemptions (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    identity_idx  INTEGER NOT NULL REFERENCES identities(idx),
    condition_id  TEXT NOT NULL,
    size          REAL NOT NULL,
    payout_usdc   REAL NOT NULL DEFAULT 0,
    tx_hash       TEXT NOT NULL DEFAULT '',
    redeemed_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_status    ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_identity  ON orders(identity_idx, condition_id);
CREATE INDEX IF NOT EXISTS idx_fills_order      ON fills(order_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_fills_trade
    ON fills(order_id, exchange_trade_id) WHERE exchange_trade_id != '';
CREATE INDEX IF NOT EXISTS idx_redemptions_pair ON redemptions(identity_idx, condition_id);
`

// sizeEpsilon absorbs float accumulation noise in overfill checks.
const sizeEpsilon = 1e-9

// SQLiteLedger implements ports.Ledger and ports.IdentityStore on a single
// SQLite file (pure Go, no CGo).
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger opens (or creates) the ledger at the given path and
// applies the schema. ":memory:" is valid for tests.
func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteLedger: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteLedger: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteLedger: apply schema: %w", err)
	}

	return &SQLiteLedger{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteLedger) Close() error {
	return s.db.Close()
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *SQLiteLedger) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
