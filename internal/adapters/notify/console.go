// Package notify renders agent snapshots for a human operator.
package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/polyagent/internal/domain"
)

// Console implements ports.Notifier, printing in-flight orders and open
// positions after each reconciliation cycle.
type Console struct {
	out     io.Writer
	compact bool
}

// NewConsole creates a notifier that writes to stdout.
func NewConsole(compact bool) *Console {
	return &Console{out: os.Stdout, compact: compact}
}

// NewConsoleWriter creates a notifier for tests.
func NewConsoleWriter(w io.Writer, compact bool) *Console {
	return &Console{out: w, compact: compact}
}

// Notify prints the current snapshot.
func (c *Console) Notify(_ context.Context, orders []domain.OrderRecord, positions []domain.Position) error {
	now := time.Now().Format("15:04:05")

	if c.compact {
		var exposure float64
		for _, p := range positions {
			exposure += p.CostBasis
		}
		fmt.Fprintf(c.out, "[%s] %d open orders | %d positions | exposure $%.2f\n",
			now, len(orders), len(positions), exposure)
		return nil
	}

	fmt.Fprintf(c.out, "\n[%s] %d open orders, %d open positions\n", now, len(orders), len(positions))

	if len(orders) > 0 {
		table := tablewriter.NewWriter(c.out)
		table.Header("Order", "Ident", "Market", "Side", "Price", "Size", "Filled", "Status")
		for _, o := range orders {
			table.Append(
				shortID(o.ID),
				fmt.Sprintf("%d", o.IdentityIndex),
				shortID(o.ConditionID),
				string(o.Side),
				fmt.Sprintf("%.4f", o.Price),
				fmt.Sprintf("%.2f", o.Size),
				fmt.Sprintf("%.2f", o.FilledSize),
				string(o.Status),
			)
		}
		table.Render()
	}

	if len(positions) > 0 {
		table := tablewriter.NewWriter(c.out)
		table.Header("Ident", "Market", "Shares", "Cost$")
		for _, p := range positions {
			table.Append(
				fmt.Sprintf("%d", p.IdentityIndex),
				shortID(p.ConditionID),
				fmt.Sprintf("%.2f", p.Size),
				fmt.Sprintf("%.2f", p.CostBasis),
			)
		}
		table.Render()
	}
	return nil
}

func shortID(s string) string {
	if len(s) > 14 {
		return s[:12] + "..."
	}
	return s
}
