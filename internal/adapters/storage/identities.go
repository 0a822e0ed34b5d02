package storage

// identities.go: persistence for derived signing identities.
//
// Only metadata is stored (index, address, activation state); private keys
// are re-derived from the master secret and never touch disk.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/polyagent/internal/domain"
)

// SaveIdentity inserts a newly derived identity.
func (s *SQLiteLedger) SaveIdentity(ctx context.Context, id domain.Identity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (idx, address, state, created_at, retired_at)
		VALUES (?,?,?,?,?)`,
		id.Index, id.Address, string(id.State), id.CreatedAt.UTC(), nullTime(id.RetiredAt))
	if err != nil {
		return fmt.Errorf("storage.SaveIdentity: %w", err)
	}
	return nil
}

// GetIdentity returns the identity at the given derivation index.
func (s *SQLiteLedger) GetIdentity(ctx context.Context, index uint32) (domain.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT idx, address, state, created_at, retired_at FROM identities WHERE idx = ?`, index)
	id, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Identity{}, domain.ErrUnknownIdentity
	}
	if err != nil {
		return domain.Identity{}, fmt.Errorf("storage.GetIdentity: %w", err)
	}
	return id, nil
}

// ActiveIdentity returns the single active identity, or ok=false when none
// has been derived yet (fresh ledger).
func (s *SQLiteLedger) ActiveIdentity(ctx context.Context) (domain.Identity, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT idx, address, state, created_at, retired_at FROM identities WHERE state = 'active'`)
	id, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Identity{}, false, nil
	}
	if err != nil {
		return domain.Identity{}, false, fmt.Errorf("storage.ActiveIdentity: %w", err)
	}
	return id, true, nil
}

// SwapActive atomically retires the current identity and activates the next
// one. Either both writes commit or neither does, so readers never observe
// a ledger without an active identity.
func (s *SQLiteLedger) SwapActive(ctx context.Context, retiringIdx uint32, next domain.Identity) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE identities SET state = 'retiring' WHERE idx = ? AND state = 'active'`,
			retiringIdx)
		if err != nil {
			return fmt.Errorf("retire current: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("identity %d is not active", retiringIdx)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO identities (idx, address, state, created_at)
			VALUES (?,?,'active',?)`,
			next.Index, next.Address, next.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("activate next: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage.SwapActive: %w", err)
	}
	return nil
}

// ListRetiring returns identities awaiting finalization.
func (s *SQLiteLedger) ListRetiring(ctx context.Context) ([]domain.Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, address, state, created_at, retired_at FROM identities WHERE state = 'retiring'`)
	if err != nil {
		return nil, fmt.Errorf("storage.ListRetiring: query: %w", err)
	}
	defer rows.Close()

	var ids []domain.Identity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListRetiring: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountNonTerminalOrders returns how many in-flight orders still reference
// the identity.
func (s *SQLiteLedger) CountNonTerminalOrders(ctx context.Context, index uint32) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders
		 WHERE identity_idx = ? AND status IN ('PENDING','SUBMITTED','PARTIAL')`,
		index).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage.CountNonTerminalOrders: %w", err)
	}
	return n, nil
}

// RetireIdentity finalizes a retiring identity.
func (s *SQLiteLedger) RetireIdentity(ctx context.Context, index uint32) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE identities SET state = 'retired', retired_at = ? WHERE idx = ? AND state = 'retiring'`,
		time.Now().UTC(), index)
	if err != nil {
		return fmt.Errorf("storage.RetireIdentity: %w", err)
	}
	return nil
}

func scanIdentity(row rowScanner) (domain.Identity, error) {
	var id domain.Identity
	var state, createdAt string
	var retiredAt sql.NullString

	if err := row.Scan(&id.Index, &id.Address, &state, &createdAt, &retiredAt); err != nil {
		return id, err
	}

	id.State = domain.IdentityState(state)
	id.CreatedAt = parseTime(createdAt)
	if retiredAt.Valid && retiredAt.String != "" {
		t := parseTime(retiredAt.String)
		if !t.IsZero() {
			id.RetiredAt = &t
		}
	}
	return id, nil
}
