package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyagent/internal/domain"
)

func newTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	s, err := NewSQLiteLedger(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.SaveIdentity(context.Background(), domain.Identity{
		Index:     0,
		Address:   "0xabc0",
		State:     domain.IdentityActive,
		CreatedAt: time.Now().UTC(),
	}))
	return s
}

func testIntent(key string) domain.OrderIntent {
	return domain.OrderIntent{
		IdempotencyKey: key,
		ConditionID:    "0xcond1",
		TokenID:        "1234",
		Side:           domain.SideBuy,
		Type:           domain.OrderTypeLimit,
		Price:          0.45,
		Size:           100,
	}
}

func TestRecordIntentIdempotent(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()

	first, created, err := s.RecordIntent(ctx, testIntent("key-1"), 0)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, domain.StatusPending, first.Status)

	again, created, err := s.RecordIntent(ctx, testIntent("key-1"), 0)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, again.ID)

	other, created, err := s.RecordIntent(ctx, testIntent("key-2"), 0)
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, first.ID, other.ID)
}

func TestRecordIntentConcurrent(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	ids := make(chan string, n)
	createdCount := make(chan bool, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, created, err := s.RecordIntent(ctx, testIntent("race-key"), 0)
			assert.NoError(t, err)
			ids <- rec.ID
			createdCount <- created
		}()
	}
	wg.Wait()
	close(ids)
	close(createdCount)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	require.Len(t, seen, 1, "all callers must observe the same record")

	creates := 0
	for c := range createdCount {
		if c {
			creates++
		}
	}
	require.Equal(t, 1, creates, "exactly one caller creates the row")
}

func TestStatusTransitions(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()

	rec, _, err := s.RecordIntent(ctx, testIntent("key-1"), 0)
	require.NoError(t, err)

	// PENDING -> FILLED skips SUBMITTED and must be refused.
	err = s.UpdateStatus(ctx, rec.ID, domain.StatusFilled, "")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, s.MarkSubmitted(ctx, rec.ID, "exch-1"))

	got, err := s.GetOrder(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSubmitted, got.Status)
	require.Equal(t, "exch-1", got.ExchangeOrderID)

	// Submitting twice is a repeated transition, also refused.
	err = s.MarkSubmitted(ctx, rec.ID, "exch-2")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, s.UpdateStatus(ctx, rec.ID, domain.StatusCancelled, "user cancel"))

	// Terminal orders never move again.
	err = s.UpdateStatus(ctx, rec.ID, domain.StatusFilled, "")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err = s.GetOrder(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, got.Status)
	require.Equal(t, "user cancel", got.Reason)
}

func TestPartialThenFilled(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()

	rec, _, err := s.RecordIntent(ctx, testIntent("key-1"), 0)
	require.NoError(t, err)
	require.NoError(t, s.MarkSubmitted(ctx, rec.ID, "exch-1"))

	now := time.Now().UTC()
	err = s.UpdateStatus(ctx, rec.ID, domain.StatusPartial, "",
		domain.Fill{ExchangeTradeID: "t1", Price: 0.45, Size: 40, TradedAt: now})
	require.NoError(t, err)

	got, err := s.GetOrder(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPartial, got.Status)
	require.InDelta(t, 40, got.FilledSize, sizeEpsilon)

	err = s.UpdateStatus(ctx, rec.ID, domain.StatusFilled, "",
		domain.Fill{ExchangeTradeID: "t2", Price: 0.46, Size: 60, TradedAt: now})
	require.NoError(t, err)

	got, err = s.GetOrder(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFilled, got.Status)
	require.InDelta(t, 100, got.FilledSize, sizeEpsilon)

	fills, err := s.GetFills(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, fills, 2)
}

func TestOverfillRefusedAtomically(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()

	rec, _, err := s.RecordIntent(ctx, testIntent("key-1"), 0)
	require.NoError(t, err)
	require.NoError(t, s.MarkSubmitted(ctx, rec.ID, "exch-1"))

	now := time.Now().UTC()
	require.NoError(t, s.UpdateStatus(ctx, rec.ID, domain.StatusPartial, "",
		domain.Fill{ExchangeTradeID: "t1", Price: 0.45, Size: 90, TradedAt: now}))

	// 90 + 20 > 100: the fill and the status change must both be rolled back.
	err = s.UpdateStatus(ctx, rec.ID, domain.StatusFilled, "",
		domain.Fill{ExchangeTradeID: "t2", Price: 0.45, Size: 20, TradedAt: now})
	require.ErrorIs(t, err, domain.ErrOverfillDetected)

	got, err := s.GetOrder(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPartial, got.Status)
	require.InDelta(t, 90, got.FilledSize, sizeEpsilon)

	fills, err := s.GetFills(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, fills, 1)

	// A batch where only the second fill overflows leaves no trace either.
	err = s.UpdateStatus(ctx, rec.ID, domain.StatusFilled, "",
		domain.Fill{ExchangeTradeID: "t3", Price: 0.45, Size: 10, TradedAt: now},
		domain.Fill{ExchangeTradeID: "t4", Price: 0.45, Size: 10, TradedAt: now})
	require.ErrorIs(t, err, domain.ErrOverfillDetected)

	fills, err = s.GetFills(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, fills, 1)
}

func TestFillDedupByTradeID(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()

	rec, _, err := s.RecordIntent(ctx, testIntent("key-1"), 0)
	require.NoError(t, err)
	require.NoError(t, s.MarkSubmitted(ctx, rec.ID, "exch-1"))

	now := time.Now().UTC()
	fill := domain.Fill{ExchangeTradeID: "t1", Price: 0.45, Size: 40, TradedAt: now}
	require.NoError(t, s.AppendFill(ctx, rec.ID, fill))

	err = s.AppendFill(ctx, rec.ID, fill)
	require.Error(t, err, "same exchange trade id must not insert twice")

	fills, err := s.GetFills(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, fills, 1)
}

func TestListNonTerminal(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()

	open, _, err := s.RecordIntent(ctx, testIntent("key-open"), 0)
	require.NoError(t, err)
	require.NoError(t, s.MarkSubmitted(ctx, open.ID, "exch-1"))

	done, _, err := s.RecordIntent(ctx, testIntent("key-done"), 0)
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(ctx, done.ID, domain.StatusRejected, "not enough balance"))

	orders, err := s.ListNonTerminal(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, open.ID, orders[0].ID)
}

func TestPositionFold(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()
	now := time.Now().UTC()

	buy, _, err := s.RecordIntent(ctx, testIntent("key-buy"), 0)
	require.NoError(t, err)
	require.NoError(t, s.MarkSubmitted(ctx, buy.ID, "exch-b"))
	require.NoError(t, s.UpdateStatus(ctx, buy.ID, domain.StatusFilled, "",
		domain.Fill{ExchangeTradeID: "t1", Price: 0.40, Size: 100, TradedAt: now}))

	sellIntent := testIntent("key-sell")
	sellIntent.Side = domain.SideSell
	sellIntent.Size = 30
	sell, _, err := s.RecordIntent(ctx, sellIntent, 0)
	require.NoError(t, err)
	require.NoError(t, s.MarkSubmitted(ctx, sell.ID, "exch-s"))
	require.NoError(t, s.UpdateStatus(ctx, sell.ID, domain.StatusFilled, "",
		domain.Fill{ExchangeTradeID: "t2", Price: 0.55, Size: 30, TradedAt: now}))

	pos, err := s.ReadPosition(ctx, 0, "0xcond1")
	require.NoError(t, err)
	require.InDelta(t, 70, pos.Size, sizeEpsilon)
	require.InDelta(t, 100*0.40-30*0.55, pos.CostBasis, sizeEpsilon)

	open, err := s.ListOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	// Redemption zeroes the holding.
	require.NoError(t, s.RecordRedemption(ctx, domain.Redemption{
		IdentityIndex: 0,
		ConditionID:   "0xcond1",
		Size:          70,
		PayoutUSDC:    70,
		TxHash:        "0xtx",
		RedeemedAt:    now,
	}))

	pos, err = s.ReadPosition(ctx, 0, "0xcond1")
	require.NoError(t, err)
	require.InDelta(t, 0, pos.Size, sizeEpsilon)

	open, err = s.ListOpenPositions(ctx)
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestReopenRecomputesState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()
	now := time.Now().UTC()

	s, err := NewSQLiteLedger(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveIdentity(ctx, domain.Identity{
		Index: 0, Address: "0xabc0", State: domain.IdentityActive, CreatedAt: now,
	}))

	rec, _, err := s.RecordIntent(ctx, testIntent("key-1"), 0)
	require.NoError(t, err)
	require.NoError(t, s.MarkSubmitted(ctx, rec.ID, "exch-1"))
	require.NoError(t, s.UpdateStatus(ctx, rec.ID, domain.StatusPartial, "",
		domain.Fill{ExchangeTradeID: "t1", Price: 0.45, Size: 40, TradedAt: now}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteLedger(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetOrder(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPartial, got.Status)
	require.InDelta(t, 40, got.FilledSize, sizeEpsilon)

	pos, err := s.ReadPosition(ctx, 0, "0xcond1")
	require.NoError(t, err)
	require.InDelta(t, 40, pos.Size, sizeEpsilon)

	orders, err := s.ListNonTerminal(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
}

func TestGetOrderNotFound(t *testing.T) {
	s := newTestLedger(t)
	_, err := s.GetOrder(context.Background(), "no-such-id")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}
