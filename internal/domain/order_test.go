package domain_test

import (
	"testing"

	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestOrderStatus_Terminal(t *testing.T) {
	assert.False(t, domain.StatusPending.Terminal())
	assert.False(t, domain.StatusSubmitted.Terminal())
	assert.False(t, domain.StatusPartial.Terminal())
	assert.True(t, domain.StatusFilled.Terminal())
	assert.True(t, domain.StatusCancelled.Terminal())
	assert.True(t, domain.StatusRejected.Terminal())
}

func TestOrderStatus_CanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to domain.OrderStatus
		ok       bool
	}{
		{domain.StatusPending, domain.StatusSubmitted, true},
		{domain.StatusPending, domain.StatusRejected, true},
		{domain.StatusPending, domain.StatusFilled, false},
		{domain.StatusPending, domain.StatusCancelled, false},
		{domain.StatusSubmitted, domain.StatusPartial, true},
		{domain.StatusSubmitted, domain.StatusFilled, true},
		{domain.StatusSubmitted, domain.StatusCancelled, true},
		{domain.StatusSubmitted, domain.StatusRejected, true},
		{domain.StatusSubmitted, domain.StatusPending, false},
		{domain.StatusPartial, domain.StatusPartial, true},
		{domain.StatusPartial, domain.StatusFilled, true},
		{domain.StatusPartial, domain.StatusCancelled, true},
		{domain.StatusPartial, domain.StatusRejected, false},
		{domain.StatusPartial, domain.StatusSubmitted, false},
	}

	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransitionTo(c.to),
			"%s -> %s", c.from, c.to)
	}
}

func TestOrderStatus_TerminalNeverTransitions(t *testing.T) {
	all := []domain.OrderStatus{
		domain.StatusPending, domain.StatusSubmitted, domain.StatusPartial,
		domain.StatusFilled, domain.StatusCancelled, domain.StatusRejected,
	}
	for _, from := range []domain.OrderStatus{domain.StatusFilled, domain.StatusCancelled, domain.StatusRejected} {
		for _, to := range all {
			assert.False(t, from.CanTransitionTo(to), "%s -> %s must be refused", from, to)
		}
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, domain.Retryable(domain.ErrUnreachable))
	assert.False(t, domain.Retryable(domain.ErrInsufficientFunds))
	assert.False(t, domain.Retryable(&domain.RejectionError{Reason: "market closed"}))
}
