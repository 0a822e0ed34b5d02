package recon

// loop.go holds the background reconciliation loop.

import (
	"context"
	"time"

	"github.com/alejandrodnm/polyagent/internal/domain"
)

// Run drives the reconciliation loop until the context is cancelled. One
// cycle runs immediately on start so a restarted agent converges without
// waiting a full interval.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("reconciliation loop started", "interval", e.cfg.ReconcileInterval)

	ticker := time.NewTicker(e.cfg.ReconcileInterval)
	defer ticker.Stop()

	e.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			e.log.Info("reconciliation loop stopped")
			return ctx.Err()
		case <-ticker.C:
			e.cycle(ctx)
		}
	}
}

// RunOnce performs a single reconciliation pass and returns.
func (e *Engine) RunOnce(ctx context.Context) error {
	e.cycle(ctx)
	return ctx.Err()
}

// cycle performs one full pass: orders, resolved positions, retiring
// identities, then a notification snapshot. Errors are logged per item so
// one sick order never stalls the rest.
func (e *Engine) cycle(ctx context.Context) {
	orders, err := e.ledger.ListNonTerminal(ctx)
	if err != nil {
		e.log.Error("list non-terminal orders", "err", err)
		return
	}
	for _, rec := range orders {
		if ctx.Err() != nil {
			return
		}
		if err := e.reconcileOrder(ctx, rec); err != nil {
			e.log.Warn("reconcile order", "order", rec.ID, "err", err)
		}
	}

	e.settleResolved(ctx)
	e.finalizeRetiring(ctx)
	e.notify(ctx)
}

// settleResolved redeems every open position whose market has resolved.
// Market lookups are cached per cycle.
func (e *Engine) settleResolved(ctx context.Context) {
	open, err := e.tracker.Open(ctx)
	if err != nil {
		e.log.Error("list open positions", "err", err)
		return
	}

	markets := make(map[string]domain.MarketState, len(open))
	for _, pos := range open {
		if ctx.Err() != nil {
			return
		}

		market, ok := markets[pos.ConditionID]
		if !ok {
			market, err = e.gateway.FetchMarket(ctx, pos.ConditionID)
			if err != nil {
				e.log.Warn("fetch market", "condition", pos.ConditionID, "err", err)
				continue
			}
			markets[pos.ConditionID] = market
		}
		if !market.Resolved {
			continue
		}

		if err := e.redeemResolved(ctx, pos, market); err != nil {
			e.log.Warn("redeem position",
				"condition", pos.ConditionID, "identity", pos.IdentityIndex, "err", err)
		}
	}
}

// finalizeRetiring moves retiring identities to retired once no order of
// theirs is still in flight.
func (e *Engine) finalizeRetiring(ctx context.Context) {
	retiring, err := e.idstore.ListRetiring(ctx)
	if err != nil {
		e.log.Error("list retiring identities", "err", err)
		return
	}
	for _, id := range retiring {
		n, err := e.idstore.CountNonTerminalOrders(ctx, id.Index)
		if err != nil {
			e.log.Warn("count open orders", "identity", id.Index, "err", err)
			continue
		}
		if n > 0 {
			continue
		}
		if err := e.idstore.RetireIdentity(ctx, id.Index); err != nil {
			e.log.Warn("retire identity", "identity", id.Index, "err", err)
			continue
		}
		e.log.Info("identity retired", "identity", id.Index, "address", id.Address)
	}
}

// notify renders the current snapshot through the configured notifier.
func (e *Engine) notify(ctx context.Context) {
	if e.notifier == nil {
		return
	}
	orders, err := e.ledger.ListNonTerminal(ctx)
	if err != nil {
		e.log.Warn("notify: list orders", "err", err)
		return
	}
	open, err := e.tracker.Open(ctx)
	if err != nil {
		e.log.Warn("notify: list positions", "err", err)
		return
	}
	if err := e.notifier.Notify(ctx, orders, open); err != nil {
		e.log.Warn("notify", "err", err)
	}
}

// Rotate retires the current signing identity and activates the next one.
// Orders already in flight keep reconciling under the old identity until
// they reach a terminal state, at which point the loop finalizes it.
func (e *Engine) Rotate(ctx context.Context) (domain.Identity, error) {
	next, err := e.identities.Rotate(ctx)
	if err != nil {
		return domain.Identity{}, err
	}
	e.log.Info("identity rotated", "identity", next.Index, "address", next.Address)
	return next, nil
}
