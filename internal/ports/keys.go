package ports

import (
	"context"
	"crypto/ecdsa"

	"github.com/alejandrodnm/polyagent/internal/domain"
)

// Identities manages the signing-identity lifecycle. Rotation is atomic with
// respect to concurrent Current calls: no caller ever observes a retiring
// identity without an active replacement.
type Identities interface {
	// Current returns the identity that receives new intents.
	Current(ctx context.Context) (domain.Identity, error)

	// Rotate retires the current identity and activates the next index.
	// Fails with ErrDerivationExhausted when the index space is spent.
	Rotate(ctx context.Context) (domain.Identity, error)

	// Resolve returns a historical identity by derivation index.
	// Fails with ErrUnknownIdentity if the index was never derived.
	Resolve(ctx context.Context, index uint32) (domain.Identity, error)
}

// Signer hands out private keys for derived identities. Only the exchange
// adapters consume this; the engine never touches key material. An index the
// store has never recorded fails with ErrUnknownIdentity.
type Signer interface {
	SignerFor(ctx context.Context, index uint32) (*ecdsa.PrivateKey, error)
}
