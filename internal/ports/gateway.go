package ports

import (
	"context"

	"github.com/alejandrodnm/polyagent/internal/domain"
)

// OrderGateway adapts local order intents to the exchange's submission
// protocol and normalizes its responses. Error contract: ErrUnreachable is
// retryable; RejectionError and ErrInsufficientFunds are terminal for the
// intent that triggered them.
type OrderGateway interface {
	// Submit signs the intent with the given identity and posts it.
	// Returns the exchange order id on acceptance.
	Submit(ctx context.Context, intent domain.OrderIntent, identity domain.Identity) (string, error)

	// Cancel cancels an open order, signing as the identity that placed
	// it. Fails with ErrAlreadyFilled when the exchange has already
	// matched it completely.
	Cancel(ctx context.Context, exchangeOrderID string, identity domain.Identity) error

	// FetchStatus returns the exchange's current view of an order,
	// including every fill it reports.
	FetchStatus(ctx context.Context, exchangeOrderID string, identity domain.Identity) (domain.ExchangeStatus, error)

	// FetchMarket returns the resolution state of a market.
	FetchMarket(ctx context.Context, conditionID string) (domain.MarketState, error)
}

// Redeemer converts a resolved position into settlement value on-chain.
type Redeemer interface {
	// Redeem clears the identity's outcome tokens for the resolved market,
	// checking on-chain balances of the given token ids first. Fails with
	// ErrNothingToRedeem when no balance is left, which callers treat as
	// already-settled.
	Redeem(ctx context.Context, market domain.MarketState, tokenIDs []string, identity domain.Identity) (domain.Redemption, error)
}
