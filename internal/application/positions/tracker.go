// Package positions answers "what do we hold" by folding the ledger's fills
// and redemptions. The ledger is authoritative; the tracker only caches the
// fold and is invalidated by whoever writes.
package positions

import (
	"context"
	"fmt"
	"sync"

	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/ports"
)

type pairKey struct {
	identityIdx uint32
	conditionID string
}

// Tracker is a read-through cache over the ledger's position fold.
type Tracker struct {
	ledger ports.Ledger

	mu    sync.RWMutex
	cache map[pairKey]domain.Position
}

// NewTracker creates a Tracker over the given ledger.
func NewTracker(ledger ports.Ledger) *Tracker {
	return &Tracker{
		ledger: ledger,
		cache:  make(map[pairKey]domain.Position),
	}
}

// Position returns the holding of one identity in one market, recomputing
// from the ledger on cache miss.
func (t *Tracker) Position(ctx context.Context, identityIdx uint32, conditionID string) (domain.Position, error) {
	key := pairKey{identityIdx, conditionID}

	t.mu.RLock()
	pos, ok := t.cache[key]
	t.mu.RUnlock()
	if ok {
		return pos, nil
	}

	pos, err := t.ledger.ReadPosition(ctx, identityIdx, conditionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("positions.Position: %w", err)
	}

	t.mu.Lock()
	t.cache[key] = pos
	t.mu.Unlock()
	return pos, nil
}

// Open returns every non-zero holding, straight from the ledger. The cache
// is refreshed with the result.
func (t *Tracker) Open(ctx context.Context) ([]domain.Position, error) {
	open, err := t.ledger.ListOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("positions.Open: %w", err)
	}

	t.mu.Lock()
	for _, pos := range open {
		t.cache[pairKey{pos.IdentityIndex, pos.ConditionID}] = pos
	}
	t.mu.Unlock()
	return open, nil
}

// Invalidate drops the cached fold for one pair. Called after every ledger
// write that touches it.
func (t *Tracker) Invalidate(identityIdx uint32, conditionID string) {
	t.mu.Lock()
	delete(t.cache, pairKey{identityIdx, conditionID})
	t.mu.Unlock()
}

// InvalidateAll drops the whole cache.
func (t *Tracker) InvalidateAll() {
	t.mu.Lock()
	t.cache = make(map[pairKey]domain.Position)
	t.mu.Unlock()
}
