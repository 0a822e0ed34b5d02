package domain

import "time"

// IdentityState is the activation state of a derived signing identity.
type IdentityState string

const (
	IdentityActive   IdentityState = "active"
	IdentityRetiring IdentityState = "retiring"
	IdentityRetired  IdentityState = "retired"
)

// Identity is a signing address derived from the master secret at a given
// index. Exactly one identity is active at any time; retired identities stay
// readable for historical orders but never receive new intents. Private
// material is never part of this type; it is re-derived on demand.
type Identity struct {
	Index     uint32
	Address   string // 0x checksummed
	State     IdentityState
	CreatedAt time.Time
	RetiredAt *time.Time
}

// Position is the current holding of one identity in one market, derived by
// folding fills and redemptions. Never stored as authoritative state.
type Position struct {
	IdentityIndex uint32
	ConditionID   string
	Size          float64 // shares held: buys - sells - redemptions
	CostBasis     float64 // USDC spent acquiring the current holding
}

// Redemption records the on-chain settlement of a resolved position.
type Redemption struct {
	ID            int64
	IdentityIndex uint32
	ConditionID   string
	Size          float64 // shares cleared from the position
	PayoutUSDC    float64
	TxHash        string
	RedeemedAt    time.Time
}
