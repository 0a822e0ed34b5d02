// Package keys derives signing identities from a single master secret and
// manages their rotation lifecycle.
//
// Derivation is deterministic: HMAC-SHA256(secret, label(index, attempt))
// interpreted as a secp256k1 scalar. The attempt counter skips the
// (astronomically rare) digests that fall outside the curve order, so every
// index maps to exactly one key for a given secret. Keys are re-derived on
// demand and never persisted.
package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/ports"
)

// maxDeriveAttempts bounds the scalar-rejection loop per index. A valid
// scalar is found on the first attempt for all practical purposes.
const maxDeriveAttempts = 32

// Manager implements ports.Identities and ports.Signer on top of an
// IdentityStore. The mutex serializes rotations; reads go straight to the
// store.
type Manager struct {
	secret   []byte
	store    ports.IdentityStore
	maxIndex uint32

	mu sync.Mutex // guards rotation
}

// NewManager builds a manager over the given master secret, bootstrapping
// identity 0 if the store is empty. If an active identity already exists its
// address is checked against a fresh derivation, so a swapped master secret
// fails fast instead of signing with keys the ledger doesn't know.
func NewManager(ctx context.Context, secret []byte, store ports.IdentityStore, maxIndex uint32) (*Manager, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("keys.NewManager: empty master secret")
	}

	m := &Manager{secret: secret, store: store, maxIndex: maxIndex}

	active, ok, err := store.ActiveIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("keys.NewManager: read active identity: %w", err)
	}
	if !ok {
		key, err := m.deriveKey(0)
		if err != nil {
			return nil, fmt.Errorf("keys.NewManager: %w", err)
		}
		first := domain.Identity{
			Index:     0,
			Address:   crypto.PubkeyToAddress(key.PublicKey).Hex(),
			State:     domain.IdentityActive,
			CreatedAt: time.Now().UTC(),
		}
		if err := store.SaveIdentity(ctx, first); err != nil {
			return nil, fmt.Errorf("keys.NewManager: bootstrap identity 0: %w", err)
		}
		return m, nil
	}

	key, err := m.deriveKey(active.Index)
	if err != nil {
		return nil, fmt.Errorf("keys.NewManager: %w", err)
	}
	if got := crypto.PubkeyToAddress(key.PublicKey).Hex(); got != active.Address {
		return nil, fmt.Errorf("keys.NewManager: master secret does not match ledger: index %d derives %s, ledger has %s",
			active.Index, got, active.Address)
	}
	return m, nil
}

// Current returns the identity that receives new intents.
func (m *Manager) Current(ctx context.Context) (domain.Identity, error) {
	id, ok, err := m.store.ActiveIdentity(ctx)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("keys.Current: %w", err)
	}
	if !ok {
		return domain.Identity{}, fmt.Errorf("keys.Current: no active identity")
	}
	return id, nil
}

// Rotate retires the active identity and activates the next index. The swap
// is a single store transaction, so concurrent Current calls observe either
// the old active identity or the new one, never neither.
func (m *Manager) Rotate(ctx context.Context) (domain.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active, ok, err := m.store.ActiveIdentity(ctx)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("keys.Rotate: %w", err)
	}
	if !ok {
		return domain.Identity{}, fmt.Errorf("keys.Rotate: no active identity")
	}

	if active.Index >= m.maxIndex {
		return domain.Identity{}, fmt.Errorf("keys.Rotate: index %d at cap %d: %w",
			active.Index, m.maxIndex, domain.ErrDerivationExhausted)
	}
	nextIdx := active.Index + 1

	key, err := m.deriveKey(nextIdx)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("keys.Rotate: %w", err)
	}
	next := domain.Identity{
		Index:     nextIdx,
		Address:   crypto.PubkeyToAddress(key.PublicKey).Hex(),
		State:     domain.IdentityActive,
		CreatedAt: time.Now().UTC(),
	}

	if err := m.store.SwapActive(ctx, active.Index, next); err != nil {
		return domain.Identity{}, fmt.Errorf("keys.Rotate: %w", err)
	}
	return next, nil
}

// Resolve returns a historical identity by derivation index.
func (m *Manager) Resolve(ctx context.Context, index uint32) (domain.Identity, error) {
	return m.store.GetIdentity(ctx, index)
}

// SignerFor re-derives the private key for an index. Only exchange adapters
// call this; key material never crosses the engine. The index must exist in
// the store and its recorded address must match the fresh derivation, so a
// corrupted index never signs with a key the ledger has never seen.
func (m *Manager) SignerFor(ctx context.Context, index uint32) (*ecdsa.PrivateKey, error) {
	id, err := m.store.GetIdentity(ctx, index)
	if err != nil {
		return nil, fmt.Errorf("keys.SignerFor: %w", err)
	}
	key, err := m.deriveKey(index)
	if err != nil {
		return nil, fmt.Errorf("keys.SignerFor: %w", err)
	}
	if got := crypto.PubkeyToAddress(key.PublicKey).Hex(); got != id.Address {
		return nil, fmt.Errorf("keys.SignerFor: index %d derives %s, ledger has %s",
			index, got, id.Address)
	}
	return key, nil
}

func (m *Manager) deriveKey(index uint32) (*ecdsa.PrivateKey, error) {
	for attempt := 0; attempt < maxDeriveAttempts; attempt++ {
		mac := hmac.New(sha256.New, m.secret)
		fmt.Fprintf(mac, "polyagent/identity/%d/%d", index, attempt)
		key, err := crypto.ToECDSA(mac.Sum(nil))
		if err == nil {
			return key, nil
		}
	}
	return nil, fmt.Errorf("derive index %d: no valid scalar in %d attempts", index, maxDeriveAttempts)
}
