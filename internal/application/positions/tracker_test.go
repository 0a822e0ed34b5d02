package positions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyagent/internal/adapters/storage"
	"github.com/alejandrodnm/polyagent/internal/domain"
)

func newLedgerWithFill(t *testing.T) (*storage.SQLiteLedger, string) {
	t.Helper()
	s, err := storage.NewSQLiteLedger(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	require.NoError(t, s.SaveIdentity(ctx, domain.Identity{
		Index: 0, Address: "0xabc0", State: domain.IdentityActive, CreatedAt: time.Now().UTC(),
	}))

	rec, _, err := s.RecordIntent(ctx, domain.OrderIntent{
		IdempotencyKey: "k1",
		ConditionID:    "0xcond1",
		TokenID:        "5555",
		Side:           domain.SideBuy,
		Type:           domain.OrderTypeLimit,
		Price:          0.40,
		Size:           100,
	}, 0)
	require.NoError(t, err)
	require.NoError(t, s.MarkSubmitted(ctx, rec.ID, "exch-1"))
	require.NoError(t, s.UpdateStatus(ctx, rec.ID, domain.StatusPartial, "",
		domain.Fill{ExchangeTradeID: "t1", Price: 0.40, Size: 40, TradedAt: time.Now().UTC()}))
	return s, rec.ID
}

func TestTrackerReadThrough(t *testing.T) {
	ledger, orderID := newLedgerWithFill(t)
	tracker := NewTracker(ledger)
	ctx := context.Background()

	pos, err := tracker.Position(ctx, 0, "0xcond1")
	require.NoError(t, err)
	require.InDelta(t, 40, pos.Size, 1e-9)

	// A ledger write behind the cache's back is invisible until invalidated.
	require.NoError(t, ledger.AppendFill(ctx, orderID,
		domain.Fill{ExchangeTradeID: "t2", Price: 0.40, Size: 20, TradedAt: time.Now().UTC()}))

	pos, err = tracker.Position(ctx, 0, "0xcond1")
	require.NoError(t, err)
	require.InDelta(t, 40, pos.Size, 1e-9)

	tracker.Invalidate(0, "0xcond1")

	pos, err = tracker.Position(ctx, 0, "0xcond1")
	require.NoError(t, err)
	require.InDelta(t, 60, pos.Size, 1e-9)
}

func TestTrackerOpenRefreshesCache(t *testing.T) {
	ledger, _ := newLedgerWithFill(t)
	tracker := NewTracker(ledger)
	ctx := context.Background()

	open, err := tracker.Open(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "0xcond1", open[0].ConditionID)

	pos, err := tracker.Position(ctx, 0, "0xcond1")
	require.NoError(t, err)
	require.InDelta(t, open[0].Size, pos.Size, 1e-9)
}

func TestTrackerInvalidateAll(t *testing.T) {
	ledger, orderID := newLedgerWithFill(t)
	tracker := NewTracker(ledger)
	ctx := context.Background()

	_, err := tracker.Position(ctx, 0, "0xcond1")
	require.NoError(t, err)

	require.NoError(t, ledger.AppendFill(ctx, orderID,
		domain.Fill{ExchangeTradeID: "t3", Price: 0.40, Size: 10, TradedAt: time.Now().UTC()}))
	tracker.InvalidateAll()

	pos, err := tracker.Position(ctx, 0, "0xcond1")
	require.NoError(t, err)
	require.InDelta(t, 50, pos.Size, 1e-9)
}
