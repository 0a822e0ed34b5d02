package keys

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyagent/internal/adapters/storage"
	"github.com/alejandrodnm/polyagent/internal/domain"
)

func newTestStore(t *testing.T) *storage.SQLiteLedger {
	t.Helper()
	s, err := storage.NewSQLiteLedger(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDerivationDeterministic(t *testing.T) {
	ctx := context.Background()
	secret := []byte("test-master-secret")

	m1, err := NewManager(ctx, secret, newTestStore(t), 10)
	require.NoError(t, err)
	m2, err := NewManager(ctx, secret, newTestStore(t), 10)
	require.NoError(t, err)

	a, err := m1.Current(ctx)
	require.NoError(t, err)
	b, err := m2.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, a.Address, b.Address, "same secret and index must derive the same address")

	k1, err := m1.SignerFor(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, a.Address, crypto.PubkeyToAddress(k1.PublicKey).Hex())

	// Different indexes yield different keys.
	next, err := m1.Rotate(ctx)
	require.NoError(t, err)
	k2, err := m1.SignerFor(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, next.Address, crypto.PubkeyToAddress(k2.PublicKey).Hex())
	require.NotEqual(t, crypto.PubkeyToAddress(k1.PublicKey), crypto.PubkeyToAddress(k2.PublicKey))

	// Different secrets yield different keys at the same index.
	m3, err := NewManager(ctx, []byte("other-secret"), newTestStore(t), 10)
	require.NoError(t, err)
	c, err := m3.Current(ctx)
	require.NoError(t, err)
	require.NotEqual(t, a.Address, c.Address)
}

func TestRotate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	m, err := NewManager(ctx, []byte("test-master-secret"), store, 10)
	require.NoError(t, err)

	before, err := m.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(0), before.Index)

	next, err := m.Rotate(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(1), next.Index)
	require.NotEqual(t, before.Address, next.Address)

	after, err := m.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, next.Index, after.Index)

	old, err := m.Resolve(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, domain.IdentityRetiring, old.State)

	_, err = m.Resolve(ctx, 99)
	require.ErrorIs(t, err, domain.ErrUnknownIdentity)
}

func TestRotateConcurrentCurrent(t *testing.T) {
	ctx := context.Background()

	m, err := NewManager(ctx, []byte("test-master-secret"), newTestStore(t), 100)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				id, err := m.Current(ctx)
				if err != nil {
					t.Errorf("Current: %v", err)
					return
				}
				if id.State != domain.IdentityActive {
					t.Errorf("observed non-active current identity: %+v", id)
					return
				}
			}
		}()
	}
	for i := 0; i < 3; i++ {
		_, err := m.Rotate(ctx)
		require.NoError(t, err)
	}
	wg.Wait()
}

func TestRotateExhaustion(t *testing.T) {
	ctx := context.Background()

	m, err := NewManager(ctx, []byte("test-master-secret"), newTestStore(t), 2)
	require.NoError(t, err)

	_, err = m.Rotate(ctx) // 0 -> 1
	require.NoError(t, err)
	_, err = m.Rotate(ctx) // 1 -> 2
	require.NoError(t, err)

	_, err = m.Rotate(ctx)
	require.ErrorIs(t, err, domain.ErrDerivationExhausted)

	// The active identity stays usable after a refused rotation.
	id, err := m.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(2), id.Index)
}

func TestSignerForRequiresDerivedIdentity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	m, err := NewManager(ctx, []byte("test-master-secret"), store, 10)
	require.NoError(t, err)

	// An index the ledger has never recorded must not sign.
	_, err = m.SignerFor(ctx, 3)
	require.ErrorIs(t, err, domain.ErrUnknownIdentity)

	// A ledger row whose address does not match the derivation is refused.
	require.NoError(t, store.SaveIdentity(ctx, domain.Identity{
		Index:     5,
		Address:   "0x000000000000000000000000000000000000dEaD",
		State:     domain.IdentityRetired,
		CreatedAt: time.Now().UTC(),
	}))
	_, err = m.SignerFor(ctx, 5)
	require.Error(t, err)
	require.Contains(t, err.Error(), "ledger has")
}

func TestSecretMismatchDetected(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := NewManager(ctx, []byte("original-secret"), store, 10)
	require.NoError(t, err)

	_, err = NewManager(ctx, []byte("different-secret"), store, 10)
	require.Error(t, err, "reopening with another secret must fail fast")
}

func TestEmptySecretRejected(t *testing.T) {
	_, err := NewManager(context.Background(), nil, newTestStore(t), 10)
	require.Error(t, err)
}
