package storage

// ledger.go: order, fill, and position persistence.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/polyagent/internal/domain"
)

const orderColumns = `id, idempotency_key, exchange_order_id, condition_id, token_id,
       identity_idx, side, order_type, price, size, filled_size, status, reason,
       created_at, updated_at`

// RecordIntent durably accepts an intent, idempotent on its idempotency key.
// The UNIQUE constraint on idempotency_key is the concurrency boundary:
// concurrent calls with the same key serialize in SQLite and exactly one
// creates the row; the rest read it back unchanged.
func (s *SQLiteLedger) RecordIntent(ctx context.Context, intent domain.OrderIntent, identityIdx uint32) (domain.OrderRecord, bool, error) {
	var rec domain.OrderRecord
	created := false

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO orders
			  (id, idempotency_key, condition_id, token_id, identity_idx,
			   side, order_type, price, size, status, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(idempotency_key) DO NOTHING`,
			uuid.New().String(), intent.IdempotencyKey, intent.ConditionID, intent.TokenID,
			identityIdx, string(intent.Side), string(intent.Type), intent.Price, intent.Size,
			string(domain.StatusPending), now, now,
		)
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			created = true
		}

		row := tx.QueryRowContext(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE idempotency_key = ?`,
			intent.IdempotencyKey)
		rec, err = scanOrder(row)
		return err
	})
	if err != nil {
		return domain.OrderRecord{}, false, fmt.Errorf("storage.RecordIntent: %w", err)
	}
	return rec, created, nil
}

// GetOrder returns a record by local id.
func (s *SQLiteLedger) GetOrder(ctx context.Context, orderID string) (domain.OrderRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, orderID)
	rec, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OrderRecord{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.OrderRecord{}, fmt.Errorf("storage.GetOrder: %w", err)
	}
	return rec, nil
}

// MarkSubmitted transitions PENDING→SUBMITTED and stores the exchange id.
func (s *SQLiteLedger) MarkSubmitted(ctx context.Context, orderID, exchangeOrderID string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if !cur.Status.CanTransitionTo(domain.StatusSubmitted) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, cur.Status, domain.StatusSubmitted)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE orders SET status = ?, exchange_order_id = ?, reason = '', updated_at = ? WHERE id = ?`,
			string(domain.StatusSubmitted), exchangeOrderID, time.Now().UTC(), orderID)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage.MarkSubmitted: %w", err)
	}
	return nil
}

// UpdateStatus advances the order's status and commits the given fills in
// the same transaction. The transition is checked against the monotonic
// state machine, every fill against the overfill invariant; any violation
// aborts the whole transaction.
func (s *SQLiteLedger) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, reason string, fills ...domain.Fill) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if !cur.Status.CanTransitionTo(status) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, cur.Status, status)
		}

		filled := cur.FilledSize
		for _, f := range fills {
			filled, err = insertFill(ctx, tx, cur, filled, f)
			if err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE orders SET status = ?, reason = ?, filled_size = ?, updated_at = ? WHERE id = ?`,
			string(status), reason, filled, time.Now().UTC(), orderID)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage.UpdateStatus: %w", err)
	}
	return nil
}

// AppendFill records a single fill without changing the order's status.
func (s *SQLiteLedger) AppendFill(ctx context.Context, orderID string, fill domain.Fill) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		filled, err := insertFill(ctx, tx, cur, cur.FilledSize, fill)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE orders SET filled_size = ?, updated_at = ? WHERE id = ?`,
			filled, time.Now().UTC(), orderID)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage.AppendFill: %w", err)
	}
	return nil
}

// GetFills returns all fills for an order in trade-time order.
func (s *SQLiteLedger) GetFills(ctx context.Context, orderID string) ([]domain.Fill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, exchange_trade_id, price, size, traded_at
		FROM fills WHERE order_id = ? ORDER BY traded_at ASC, id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("storage.GetFills: query: %w", err)
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		var f domain.Fill
		var tradedAt string
		if err := rows.Scan(&f.ID, &f.OrderID, &f.ExchangeTradeID, &f.Price, &f.Size, &tradedAt); err != nil {
			return nil, fmt.Errorf("storage.GetFills: scan: %w", err)
		}
		f.TradedAt = parseTime(tradedAt)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// ListNonTerminal returns every order still in flight, oldest first.
func (s *SQLiteLedger) ListNonTerminal(ctx context.Context) ([]domain.OrderRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status IN ('PENDING','SUBMITTED','PARTIAL')
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage.ListNonTerminal: query: %w", err)
	}
	defer rows.Close()

	var orders []domain.OrderRecord
	for rows.Next() {
		rec, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListNonTerminal: scan: %w", err)
		}
		orders = append(orders, rec)
	}
	return orders, rows.Err()
}

// ReadPosition folds fills and redemptions for one (identity, market) pair.
func (s *SQLiteLedger) ReadPosition(ctx context.Context, identityIdx uint32, conditionID string) (domain.Position, error) {
	pos := domain.Position{IdentityIndex: identityIdx, ConditionID: conditionID}

	err := s.db.QueryRowContext(ctx, `
		SELECT
		  COALESCE(SUM(CASE WHEN o.side = 'BUY' THEN f.size ELSE -f.size END), 0),
		  COALESCE(SUM(CASE WHEN o.side = 'BUY' THEN f.size * f.price ELSE -f.size * f.price END), 0)
		FROM fills f
		JOIN orders o ON o.id = f.order_id
		WHERE o.identity_idx = ? AND o.condition_id = ?`,
		identityIdx, conditionID,
	).Scan(&pos.Size, &pos.CostBasis)
	if err != nil {
		return pos, fmt.Errorf("storage.ReadPosition: fold fills: %w", err)
	}

	var redeemed float64
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM redemptions WHERE identity_idx = ? AND condition_id = ?`,
		identityIdx, conditionID,
	).Scan(&redeemed)
	if err != nil {
		return pos, fmt.Errorf("storage.ReadPosition: fold redemptions: %w", err)
	}

	pos.Size -= redeemed
	return pos, nil
}

// ListOpenPositions returns every (identity, market) pair with a non-zero
// holding after folding redemptions.
func (s *SQLiteLedger) ListOpenPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.identity_idx, o.condition_id,
		  SUM(CASE WHEN o.side = 'BUY' THEN f.size ELSE -f.size END)
		    - COALESCE((SELECT SUM(r.size) FROM redemptions r
		                WHERE r.identity_idx = o.identity_idx
		                  AND r.condition_id = o.condition_id), 0) AS held,
		  SUM(CASE WHEN o.side = 'BUY' THEN f.size * f.price ELSE -f.size * f.price END)
		FROM fills f
		JOIN orders o ON o.id = f.order_id
		GROUP BY o.identity_idx, o.condition_id
		HAVING ABS(held) > ?`, sizeEpsilon)
	if err != nil {
		return nil, fmt.Errorf("storage.ListOpenPositions: query: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		if err := rows.Scan(&p.IdentityIndex, &p.ConditionID, &p.Size, &p.CostBasis); err != nil {
			return nil, fmt.Errorf("storage.ListOpenPositions: scan: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ListPositionTokens returns the distinct outcome tokens one identity has
// ever traded in a market.
func (s *SQLiteLedger) ListPositionTokens(ctx context.Context, identityIdx uint32, conditionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT token_id FROM orders WHERE identity_idx = ? AND condition_id = ?`,
		identityIdx, conditionID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListPositionTokens: query: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("storage.ListPositionTokens: scan: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// RecordRedemption appends a redemption, zeroing the pair's position.
func (s *SQLiteLedger) RecordRedemption(ctx context.Context, r domain.Redemption) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO redemptions (identity_idx, condition_id, size, payout_usdc, tx_hash, redeemed_at)
		VALUES (?,?,?,?,?,?)`,
		r.IdentityIndex, r.ConditionID, r.Size, r.PayoutUSDC, r.TxHash, r.RedeemedAt.UTC())
	if err != nil {
		return fmt.Errorf("storage.RecordRedemption: %w", err)
	}
	return nil
}

// --- internal helpers ---

// lockOrder reads the order row inside the transaction. With a single
// SQLite writer this gives a consistent read-modify-write cycle.
func lockOrder(ctx context.Context, tx *sql.Tx, orderID string) (domain.OrderRecord, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, orderID)
	rec, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OrderRecord{}, domain.ErrOrderNotFound
	}
	return rec, err
}

// insertFill appends one fill after checking the overfill invariant against
// the running filled total. Returns the new total.
func insertFill(ctx context.Context, tx *sql.Tx, order domain.OrderRecord, filled float64, f domain.Fill) (float64, error) {
	if f.Size <= 0 {
		return filled, fmt.Errorf("storage: fill size must be positive, got %f", f.Size)
	}
	if filled+f.Size > order.Size+sizeEpsilon {
		return filled, fmt.Errorf("%w: order %s size %.6f, filled %.6f, fill %.6f",
			domain.ErrOverfillDetected, order.ID, order.Size, filled, f.Size)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO fills (order_id, exchange_trade_id, price, size, traded_at)
		VALUES (?,?,?,?,?)`,
		order.ID, f.ExchangeTradeID, f.Price, f.Size, f.TradedAt.UTC())
	if err != nil {
		return filled, fmt.Errorf("insert fill: %w", err)
	}
	return filled + f.Size, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.OrderRecord, error) {
	var rec domain.OrderRecord
	var side, orderType, status string
	var createdAt, updatedAt string

	err := row.Scan(
		&rec.ID, &rec.IdempotencyKey, &rec.ExchangeOrderID, &rec.ConditionID, &rec.TokenID,
		&rec.IdentityIndex, &side, &orderType, &rec.Price, &rec.Size, &rec.FilledSize,
		&status, &rec.Reason, &createdAt, &updatedAt,
	)
	if err != nil {
		return rec, err
	}

	rec.Side = domain.Side(side)
	rec.Type = domain.OrderType(orderType)
	rec.Status = domain.OrderStatus(status)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return rec, nil
}
