// Package clob adapts order intents to the exchange's CLOB REST API.
//
// Authentication is two-level, per identity:
//   L1: EIP-712 signature with the identity's key derives API credentials
//   L2: HMAC-SHA256 signing of every authenticated request
//
// Errors are normalized to the gateway contract: transport failures, 429s
// and 5xx responses surface as domain.ErrUnreachable (retryable); 4xx
// responses surface as *apiError for the caller to classify.
package clob

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/alejandrodnm/polyagent/internal/domain"
)

const (
	defaultCLOBBase = "https://clob.polymarket.com"

	// 60% of the documented CLOB general limit: 9000/10s → 540/s.
	generalRatePerSec = 540

	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
)

// apiError is a non-retryable 4xx response from the exchange.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("clob: status %d: %s", e.Status, e.Body)
}

// Client is the rate-limited HTTP client for the CLOB API.
type Client struct {
	http    *http.Client
	base    string
	limiter *rate.Limiter
}

// NewClient creates a Client for the given base URL, or production if empty.
func NewClient(base string) *Client {
	if base == "" {
		base = defaultCLOBBase
	}
	return &Client{
		http:    &http.Client{Timeout: 10 * time.Second},
		base:    base,
		limiter: rate.NewLimiter(generalRatePerSec, 50),
	}
}

// get performs an unauthenticated GET with rate limiting and retries.
func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.doWithRetry(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return c.http.Do(req)
	}, out)
}

// doWithRetry executes fn with exponential backoff. Exhausted retries on
// transport errors, 429s and 5xx collapse into ErrUnreachable.
func (c *Client) doWithRetry(ctx context.Context, fn func() (*http.Response, error), out any) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		resp, err := fn()
		if err != nil {
			if attempt == maxRetries {
				return fmt.Errorf("%w: %v", domain.ErrUnreachable, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			slog.Warn("rate limited by exchange", "attempt", attempt+1)
			if attempt == maxRetries {
				return fmt.Errorf("%w: rate limited", domain.ErrUnreachable)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == maxRetries {
				return fmt.Errorf("%w: server error %d", domain.ErrUnreachable, resp.StatusCode)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return &apiError{Status: resp.StatusCode, Body: string(body)}
		}

		defer resp.Body.Close()
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: exhausted %d retries", domain.ErrUnreachable, maxRetries)
}

// sleep waits with exponential backoff, respecting the context.
func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
