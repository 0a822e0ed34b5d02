package ports

import (
	"context"

	"github.com/alejandrodnm/polyagent/internal/domain"
)

// Notifier presents the agent's current orders and holdings to the user.
type Notifier interface {
	// Notify renders in-flight orders and open positions.
	Notify(ctx context.Context, orders []domain.OrderRecord, positions []domain.Position) error
}
