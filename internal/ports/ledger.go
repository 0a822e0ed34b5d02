package ports

import (
	"context"

	"github.com/alejandrodnm/polyagent/internal/domain"
)

// Ledger is the durable, transactional record of orders, fills, and
// redemptions. It is the single concurrency boundary of the system: the
// unique idempotency-key constraint serializes concurrent placements, and
// every status update commits together with its associated fills or not at
// all.
type Ledger interface {
	// RecordIntent durably accepts an intent under the given identity.
	// Idempotent on the intent's idempotency key: if a record already
	// exists it is returned unchanged and created is false.
	RecordIntent(ctx context.Context, intent domain.OrderIntent, identityIdx uint32) (rec domain.OrderRecord, created bool, err error)

	// GetOrder returns a record by its local id.
	GetOrder(ctx context.Context, orderID string) (domain.OrderRecord, error)

	// MarkSubmitted transitions PENDING→SUBMITTED and stores the exchange
	// order id. Fails with ErrInvalidTransition if the order moved on.
	MarkSubmitted(ctx context.Context, orderID, exchangeOrderID string) error

	// UpdateStatus advances the order's status, enforcing the monotonic
	// state machine, and commits the given fills in the same transaction.
	// Each fill is individually checked for overfill; any violation aborts
	// the whole transaction with ErrOverfillDetected.
	UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, reason string, fills ...domain.Fill) error

	// AppendFill records a single fill without a status change.
	AppendFill(ctx context.Context, orderID string, fill domain.Fill) error

	// GetFills returns all fills for an order in trade-time order.
	GetFills(ctx context.Context, orderID string) ([]domain.Fill, error)

	// ListNonTerminal returns every order still in flight.
	ListNonTerminal(ctx context.Context) ([]domain.OrderRecord, error)

	// ReadPosition folds fills and redemptions for one (identity, market)
	// pair. Pure read, no side effects.
	ReadPosition(ctx context.Context, identityIdx uint32, conditionID string) (domain.Position, error)

	// ListOpenPositions returns every (identity, market) pair with a
	// non-zero holding.
	ListOpenPositions(ctx context.Context) ([]domain.Position, error)

	// ListPositionTokens returns the distinct outcome tokens one identity
	// has ever traded in a market.
	ListPositionTokens(ctx context.Context, identityIdx uint32, conditionID string) ([]string, error)

	// RecordRedemption appends a redemption, zeroing the pair's position.
	RecordRedemption(ctx context.Context, r domain.Redemption) error

	Close() error
}

// IdentityStore persists derived identity metadata (index, address,
// activation state), never private material.
type IdentityStore interface {
	// SaveIdentity inserts a newly derived identity.
	SaveIdentity(ctx context.Context, id domain.Identity) error

	// GetIdentity returns the identity at the given derivation index.
	// Fails with ErrUnknownIdentity if it was never derived.
	GetIdentity(ctx context.Context, index uint32) (domain.Identity, error)

	// ActiveIdentity returns the single currently active identity, or
	// ok=false if none has been derived yet.
	ActiveIdentity(ctx context.Context) (id domain.Identity, ok bool, err error)

	// SwapActive atomically marks the identity at retiringIdx as retiring
	// and inserts next as active, in one transaction.
	SwapActive(ctx context.Context, retiringIdx uint32, next domain.Identity) error

	// ListRetiring returns identities in the retiring state.
	ListRetiring(ctx context.Context) ([]domain.Identity, error)

	// CountNonTerminalOrders returns how many in-flight orders reference
	// the identity. Used to decide when retiring → retired is safe.
	CountNonTerminalOrders(ctx context.Context, index uint32) (int, error)

	// RetireIdentity finalizes a retiring identity.
	RetireIdentity(ctx context.Context, index uint32) error
}
