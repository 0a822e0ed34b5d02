// Package recon drives orders through their lifecycle: durable acceptance,
// submission with bounded retries, and periodic reconciliation of the ledger
// against the exchange's view.
package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alejandrodnm/polyagent/internal/application/positions"
	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/ports"
)

// Config holds the engine's tunables.
type Config struct {
	// SubmitRetries is how many times a retryable submission failure is
	// retried before the order is rejected locally.
	SubmitRetries int
	// SubmitBackoff is the base wait between submission retries, doubled
	// each attempt.
	SubmitBackoff time.Duration
	// ReconcileInterval is the cadence of the background loop.
	ReconcileInterval time.Duration
}

// DefaultConfig returns sane production defaults.
func DefaultConfig() Config {
	return Config{
		SubmitRetries:     3,
		SubmitBackoff:     time.Second,
		ReconcileInterval: 15 * time.Second,
	}
}

// fillEpsilon absorbs float accumulation noise when comparing the recorded
// fill total against the exchange's cumulative matched size.
const fillEpsilon = 1e-9

// Engine owns all ledger writes after acceptance. The background loop is the
// single writer for drift corrections, so fills and status changes never race.
type Engine struct {
	ledger     ports.Ledger
	idstore    ports.IdentityStore
	identities ports.Identities
	gateway    ports.OrderGateway
	redeemer   ports.Redeemer
	tracker    *positions.Tracker
	notifier   ports.Notifier
	cfg        Config
	log        *slog.Logger

	submitMu sync.Mutex
	inflight map[string]struct{} // order ids currently being submitted
}

// New wires an Engine. notifier may be nil.
func New(
	ledger ports.Ledger,
	idstore ports.IdentityStore,
	identities ports.Identities,
	gateway ports.OrderGateway,
	redeemer ports.Redeemer,
	tracker *positions.Tracker,
	notifier ports.Notifier,
	cfg Config,
) *Engine {
	return &Engine{
		ledger:     ledger,
		idstore:    idstore,
		identities: identities,
		gateway:    gateway,
		redeemer:   redeemer,
		tracker:    tracker,
		notifier:   notifier,
		cfg:        cfg,
		log:        slog.Default().With("component", "recon"),
		inflight:   make(map[string]struct{}),
	}
}

// Place accepts an intent, records it durably, and submits it to the
// exchange. Safe to call twice with the same idempotency key: the second
// call returns the first call's record and submits at most once.
//
// Once the record exists, submission proceeds on a context detached from the
// caller's: a disconnect after acceptance must not strand the order.
func (e *Engine) Place(ctx context.Context, intent domain.OrderIntent) (domain.OrderRecord, error) {
	if err := validateIntent(intent); err != nil {
		return domain.OrderRecord{}, fmt.Errorf("recon.Place: %w", err)
	}

	identity, err := e.identities.Current(ctx)
	if err != nil {
		return domain.OrderRecord{}, fmt.Errorf("recon.Place: %w", err)
	}

	rec, created, err := e.ledger.RecordIntent(ctx, intent, identity.Index)
	if err != nil {
		return domain.OrderRecord{}, fmt.Errorf("recon.Place: %w", err)
	}

	if !created {
		// Replay. If the earlier call got past submission, return what the
		// ledger has; if it died before submitting, pick up where it left off.
		if rec.Status != domain.StatusPending {
			e.log.Debug("duplicate intent, returning existing record",
				"key", intent.IdempotencyKey, "order", rec.ID, "status", rec.Status)
			return rec, nil
		}
		identity, err = e.identities.Resolve(ctx, rec.IdentityIndex)
		if err != nil {
			return rec, fmt.Errorf("recon.Place: %w", err)
		}
	}

	detached := context.WithoutCancel(ctx)
	return e.submit(detached, rec, identity)
}

// claimSubmission marks an order as having a submission in flight. Exactly
// one goroutine may hold the claim; duplicate placements and the loop's
// PENDING resume both fail the claim instead of reaching the gateway twice.
func (e *Engine) claimSubmission(orderID string) bool {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()
	if _, held := e.inflight[orderID]; held {
		return false
	}
	e.inflight[orderID] = struct{}{}
	return true
}

func (e *Engine) releaseSubmission(orderID string) {
	e.submitMu.Lock()
	delete(e.inflight, orderID)
	e.submitMu.Unlock()
}

// submitWindow bounds how long a PENDING record may legitimately sit in
// submission retries. Covers the full backoff schedule with slack.
func (e *Engine) submitWindow() time.Duration {
	return time.Duration(1<<uint(e.cfg.SubmitRetries)) * e.cfg.SubmitBackoff
}

// submit drives a PENDING record to SUBMITTED or REJECTED. At most one
// goroutine submits a given order; losers return the ledger's current view.
func (e *Engine) submit(ctx context.Context, rec domain.OrderRecord, identity domain.Identity) (domain.OrderRecord, error) {
	if !e.claimSubmission(rec.ID) {
		e.log.Debug("submission already in flight", "order", rec.ID)
		return e.ledger.GetOrder(ctx, rec.ID)
	}
	defer e.releaseSubmission(rec.ID)

	// The claim may have been won after an earlier holder finished; only a
	// record still PENDING gets submitted.
	rec, err := e.ledger.GetOrder(ctx, rec.ID)
	if err != nil {
		return rec, fmt.Errorf("recon.submit: %w", err)
	}
	if rec.Status != domain.StatusPending {
		return rec, nil
	}

	intent := domain.OrderIntent{
		IdempotencyKey: rec.IdempotencyKey,
		ConditionID:    rec.ConditionID,
		TokenID:        rec.TokenID,
		Side:           rec.Side,
		Type:           rec.Type,
		Price:          rec.Price,
		Size:           rec.Size,
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.SubmitRetries; attempt++ {
		if attempt > 0 {
			e.sleep(ctx, attempt-1)
		}

		exchangeID, err := e.gateway.Submit(ctx, intent, identity)
		if err == nil {
			if err := e.ledger.MarkSubmitted(ctx, rec.ID, exchangeID); err != nil {
				if errors.Is(err, domain.ErrInvalidTransition) {
					// A concurrent replay won the race; its result stands.
					return e.ledger.GetOrder(ctx, rec.ID)
				}
				return rec, fmt.Errorf("recon.submit: %w", err)
			}
			e.log.Info("order submitted",
				"order", rec.ID, "exchange_order", exchangeID, "identity", identity.Index)
			return e.ledger.GetOrder(ctx, rec.ID)
		}

		if domain.Retryable(err) {
			lastErr = err
			e.log.Warn("submission failed, will retry",
				"order", rec.ID, "attempt", attempt+1, "err", err)
			continue
		}

		// Terminal rejection.
		reason := err.Error()
		var rej *domain.RejectionError
		if errors.As(err, &rej) {
			reason = rej.Reason
		}
		if uerr := e.ledger.UpdateStatus(ctx, rec.ID, domain.StatusRejected, reason); uerr != nil {
			return rec, fmt.Errorf("recon.submit: record rejection: %w", uerr)
		}
		e.log.Info("order rejected", "order", rec.ID, "reason", reason)
		updated, gerr := e.ledger.GetOrder(ctx, rec.ID)
		if gerr != nil {
			return rec, gerr
		}
		return updated, err
	}

	reason := fmt.Sprintf("submission timed out after %d attempts: %v", e.cfg.SubmitRetries+1, lastErr)
	if uerr := e.ledger.UpdateStatus(ctx, rec.ID, domain.StatusRejected, reason); uerr != nil {
		return rec, fmt.Errorf("recon.submit: record timeout: %w", uerr)
	}
	e.log.Warn("order rejected after exhausting retries", "order", rec.ID, "err", lastErr)
	updated, gerr := e.ledger.GetOrder(ctx, rec.ID)
	if gerr != nil {
		return rec, gerr
	}
	return updated, fmt.Errorf("recon.submit: %w", lastErr)
}

// Cancel asks the exchange to cancel an open order. When the exchange
// already matched it, the next reconcile cycle records the fills; the caller
// gets ErrAlreadyFilled.
func (e *Engine) Cancel(ctx context.Context, orderID string) error {
	rec, err := e.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("recon.Cancel: %w", err)
	}
	if rec.Status.Terminal() {
		if rec.Status == domain.StatusFilled {
			return fmt.Errorf("recon.Cancel %s: %w", orderID, domain.ErrAlreadyFilled)
		}
		return nil
	}
	if rec.ExchangeOrderID == "" {
		return e.ledger.UpdateStatus(ctx, orderID, domain.StatusRejected, "cancelled before submission")
	}

	identity, err := e.identities.Resolve(ctx, rec.IdentityIndex)
	if err != nil {
		return fmt.Errorf("recon.Cancel: %w", err)
	}

	if err := e.gateway.Cancel(ctx, rec.ExchangeOrderID, identity); err != nil {
		if errors.Is(err, domain.ErrAlreadyFilled) {
			if rerr := e.reconcileOrder(ctx, rec); rerr != nil {
				e.log.Warn("reconcile after failed cancel", "order", orderID, "err", rerr)
			}
			return fmt.Errorf("recon.Cancel %s: %w", orderID, domain.ErrAlreadyFilled)
		}
		return fmt.Errorf("recon.Cancel %s: %w", orderID, err)
	}

	// Fold in any fill that landed between the last reconcile and the
	// cancel; once the record is terminal the loop stops polling it.
	var fresh []domain.Fill
	if st, ferr := e.gateway.FetchStatus(ctx, rec.ExchangeOrderID, identity); ferr == nil {
		fresh, ferr = e.newFills(ctx, rec.ID, st.Fills)
		if ferr != nil {
			return fmt.Errorf("recon.Cancel: %w", ferr)
		}
	} else {
		e.log.Warn("fetch status after cancel", "order", orderID, "err", ferr)
	}

	if err := e.ledger.UpdateStatus(ctx, orderID, domain.StatusCancelled, "cancelled by user", fresh...); err != nil {
		return fmt.Errorf("recon.Cancel: %w", err)
	}
	if len(fresh) > 0 {
		e.tracker.Invalidate(rec.IdentityIndex, rec.ConditionID)
	}
	e.log.Info("order cancelled", "order", orderID, "late_fills", len(fresh))
	return nil
}

// GetOrder returns the ledger's view of an order and its fills.
func (e *Engine) GetOrder(ctx context.Context, orderID string) (domain.OrderRecord, []domain.Fill, error) {
	rec, err := e.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return domain.OrderRecord{}, nil, err
	}
	fills, err := e.ledger.GetFills(ctx, orderID)
	if err != nil {
		return rec, nil, err
	}
	return rec, fills, nil
}

// reconcileOrder pulls the exchange's view of one order and folds any drift
// into the ledger: new fills are appended (deduplicated by trade id), the
// status advanced when it legally can.
func (e *Engine) reconcileOrder(ctx context.Context, rec domain.OrderRecord) error {
	identity, err := e.identities.Resolve(ctx, rec.IdentityIndex)
	if err != nil {
		return fmt.Errorf("resolve identity %d: %w", rec.IdentityIndex, err)
	}

	if rec.Status == domain.StatusPending {
		// Crash between acceptance and submission. A fresh record may still
		// have its accepting goroutine backing off between retries; only a
		// record older than the full retry budget is safe to take over.
		if time.Since(rec.CreatedAt) < e.submitWindow() {
			return nil
		}
		_, err := e.submit(ctx, rec, identity)
		return err
	}

	st, err := e.gateway.FetchStatus(ctx, rec.ExchangeOrderID, identity)
	if err != nil {
		return fmt.Errorf("fetch status %s: %w", rec.ExchangeOrderID, err)
	}

	fresh, err := e.newFills(ctx, rec.ID, st.Fills)
	if err != nil {
		return err
	}

	// The order endpoint can report matched size before the trade feed has
	// the executions. Recording the delta under a made-up id would double
	// count once the real trades arrive, so wait for them instead.
	reported := rec.FilledSize
	for _, f := range fresh {
		reported += f.Size
	}
	if st.SizeMatched > reported+fillEpsilon {
		e.log.Debug("trade feed lags matched size, deferring",
			"order", rec.ID, "matched", st.SizeMatched, "recorded", reported)
		return nil
	}

	if len(fresh) == 0 && st.Status == rec.Status {
		return nil
	}

	if st.Status == rec.Status && st.Status != domain.StatusPartial {
		for _, f := range fresh {
			if err := e.ledger.AppendFill(ctx, rec.ID, f); err != nil {
				return err
			}
		}
	} else if err := e.ledger.UpdateStatus(ctx, rec.ID, st.Status, "", fresh...); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			e.log.Warn("exchange status ignored, illegal transition",
				"order", rec.ID, "from", rec.Status, "to", st.Status)
			return nil
		}
		return err
	}

	e.tracker.Invalidate(rec.IdentityIndex, rec.ConditionID)
	e.log.Info("order reconciled",
		"order", rec.ID, "status", st.Status, "new_fills", len(fresh))
	return nil
}

// newFills filters exchange-reported fills down to the ones the ledger has
// not recorded yet, keyed by exchange trade id.
func (e *Engine) newFills(ctx context.Context, orderID string, reported []domain.Fill) ([]domain.Fill, error) {
	known, err := e.ledger.GetFills(ctx, orderID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(known))
	for _, f := range known {
		seen[f.ExchangeTradeID] = true
	}

	var fresh []domain.Fill
	for _, f := range reported {
		if f.ExchangeTradeID != "" && seen[f.ExchangeTradeID] {
			continue
		}
		fresh = append(fresh, f)
	}
	return fresh, nil
}

// Redeem settles every open position in one market on demand. A market that
// has not resolved is an error; a resolved market with nothing held is a
// no-op, matching the loop's treatment of already-settled positions.
func (e *Engine) Redeem(ctx context.Context, conditionID string) error {
	market, err := e.gateway.FetchMarket(ctx, conditionID)
	if err != nil {
		return fmt.Errorf("recon.Redeem: %w", err)
	}
	if !market.Resolved {
		return fmt.Errorf("recon.Redeem: market %s has not resolved", conditionID)
	}

	open, err := e.tracker.Open(ctx)
	if err != nil {
		return fmt.Errorf("recon.Redeem: %w", err)
	}
	for _, pos := range open {
		if pos.ConditionID != conditionID {
			continue
		}
		if err := e.redeemResolved(ctx, pos, market); err != nil {
			return fmt.Errorf("recon.Redeem: identity %d: %w", pos.IdentityIndex, err)
		}
	}
	return nil
}

// redeemResolved settles one open position whose market has resolved.
func (e *Engine) redeemResolved(ctx context.Context, pos domain.Position, market domain.MarketState) error {
	identity, err := e.identities.Resolve(ctx, pos.IdentityIndex)
	if err != nil {
		return err
	}
	tokens, err := e.ledger.ListPositionTokens(ctx, pos.IdentityIndex, pos.ConditionID)
	if err != nil {
		return err
	}

	redemption, err := e.redeemer.Redeem(ctx, market, tokens, identity)
	if errors.Is(err, domain.ErrNothingToRedeem) {
		// Settled elsewhere; zero the position with a synthetic record so
		// the fold stops reporting it.
		redemption = domain.Redemption{
			IdentityIndex: pos.IdentityIndex,
			ConditionID:   pos.ConditionID,
			Size:          pos.Size,
			RedeemedAt:    time.Now().UTC(),
		}
	} else if err != nil {
		return err
	}

	if err := e.ledger.RecordRedemption(ctx, redemption); err != nil {
		return err
	}
	e.tracker.Invalidate(pos.IdentityIndex, pos.ConditionID)
	e.log.Info("position redeemed",
		"condition", pos.ConditionID, "identity", pos.IdentityIndex,
		"shares", redemption.Size, "payout_usdc", redemption.PayoutUSDC, "tx", redemption.TxHash)
	return nil
}

func validateIntent(intent domain.OrderIntent) error {
	if intent.IdempotencyKey == "" {
		return fmt.Errorf("intent missing idempotency key")
	}
	if intent.ConditionID == "" || intent.TokenID == "" {
		return fmt.Errorf("intent missing market identifiers")
	}
	if intent.Side != domain.SideBuy && intent.Side != domain.SideSell {
		return fmt.Errorf("invalid side %q", intent.Side)
	}
	if intent.Size <= 0 {
		return fmt.Errorf("size must be positive, got %f", intent.Size)
	}
	if intent.Type == domain.OrderTypeLimit && (intent.Price <= 0 || intent.Price >= 1) {
		return fmt.Errorf("limit price must be in (0,1), got %f", intent.Price)
	}
	return nil
}

// sleep waits with exponential backoff, respecting the context.
func (e *Engine) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * e.cfg.SubmitBackoff
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
