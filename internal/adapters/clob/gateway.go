package clob

// gateway.go: order submission, cancellation and status polling.
//
// All limit orders are placed as GTC; marketable intents go out as FOK with
// the intent price as the cap.

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/polymarket/go-order-utils/pkg/builder"
	gomodel "github.com/polymarket/go-order-utils/pkg/model"

	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/ports"
)

// Taker zero address = public order.
const zeroAddress = "0x0000000000000000000000000000000000000000"

// Gateway implements ports.OrderGateway over the CLOB REST API, signing
// each request with the key of the identity that owns the order.
type Gateway struct {
	client  *Client
	signer  ports.Signer
	builder builder.ExchangeOrderBuilder

	mu       sync.Mutex
	sessions map[uint32]*session
}

var _ ports.OrderGateway = (*Gateway)(nil)

// NewGateway creates a Gateway over the given base URL.
func NewGateway(base string, signer ports.Signer) *Gateway {
	return &Gateway{
		client:   NewClient(base),
		signer:   signer,
		builder:  builder.NewExchangeOrderBuilderImpl(big.NewInt(polygonChainID), nil),
		sessions: make(map[uint32]*session),
	}
}

// Submit signs the intent with the identity's key and posts it to the CLOB.
func (g *Gateway) Submit(ctx context.Context, intent domain.OrderIntent, identity domain.Identity) (string, error) {
	sess, err := g.sessionFor(ctx, identity.Index)
	if err != nil {
		return "", fmt.Errorf("clob.Submit: %w", err)
	}

	negRisk, err := g.isNegRisk(ctx, intent.TokenID)
	if err != nil {
		return "", fmt.Errorf("clob.Submit: %w", err)
	}

	signed, err := g.buildSignedOrder(sess.key, sess.address.Hex(), intent, negRisk)
	if err != nil {
		return "", fmt.Errorf("clob.Submit: sign: %w", err)
	}

	orderType := "GTC"
	if intent.Type == domain.OrderTypeMarket {
		orderType = "FOK"
	}

	body := orderRequest{
		Order: orderBody{
			Salt:          json.Number(signed.Order.Salt.String()),
			Maker:         signed.Order.Maker.Hex(),
			Signer:        signed.Order.Signer.Hex(),
			Taker:         signed.Order.Taker.Hex(),
			TokenID:       intent.TokenID,
			MakerAmount:   signed.Order.MakerAmount.String(),
			TakerAmount:   signed.Order.TakerAmount.String(),
			Expiration:    signed.Order.Expiration.String(),
			Nonce:         signed.Order.Nonce.String(),
			FeeRateBps:    signed.Order.FeeRateBps.String(),
			Side:          string(intent.Side),
			SignatureType: int(signed.Order.SignatureType.Int64()),
			Signature:     "0x" + hex.EncodeToString(signed.Signature),
		},
		Owner:     sess.creds.APIKey,
		OrderType: orderType,
	}

	var resp orderResponse
	if err := g.doL2(ctx, sess, http.MethodPost, "/order", body, &resp); err != nil {
		if ae, ok := asAPIError(err); ok {
			return "", fmt.Errorf("clob.Submit: %w", classifyRejection(ae.Body))
		}
		return "", fmt.Errorf("clob.Submit: %w", err)
	}

	if !resp.Success || resp.ErrorMsg != "" {
		return "", fmt.Errorf("clob.Submit: %w", classifyRejection(resp.ErrorMsg))
	}
	return resp.OrderID, nil
}

// Cancel cancels an open order by its exchange id.
func (g *Gateway) Cancel(ctx context.Context, exchangeOrderID string, identity domain.Identity) error {
	sess, err := g.sessionFor(ctx, identity.Index)
	if err != nil {
		return fmt.Errorf("clob.Cancel: %w", err)
	}

	if err := g.doL2(ctx, sess, http.MethodDelete, "/order/"+exchangeOrderID, nil, nil); err != nil {
		if ae, ok := asAPIError(err); ok {
			lower := strings.ToLower(ae.Body)
			if strings.Contains(lower, "matched") || strings.Contains(lower, "filled") {
				return fmt.Errorf("clob.Cancel %s: %w", exchangeOrderID, domain.ErrAlreadyFilled)
			}
		}
		return fmt.Errorf("clob.Cancel %s: %w", exchangeOrderID, err)
	}
	return nil
}

// FetchStatus returns the exchange's view of an order and every trade it
// reports. The trades endpoint can lag the order endpoint's matched size;
// fills carry only real trade ids and SizeMatched reports the cumulative
// total, so the caller can tell when executions are still in flight.
func (g *Gateway) FetchStatus(ctx context.Context, exchangeOrderID string, identity domain.Identity) (domain.ExchangeStatus, error) {
	sess, err := g.sessionFor(ctx, identity.Index)
	if err != nil {
		return domain.ExchangeStatus{}, fmt.Errorf("clob.FetchStatus: %w", err)
	}

	var detail orderDetail
	if err := g.doL2(ctx, sess, http.MethodGet, "/data/order/"+exchangeOrderID, nil, &detail); err != nil {
		return domain.ExchangeStatus{}, fmt.Errorf("clob.FetchStatus %s: %w", exchangeOrderID, err)
	}

	var trades tradesResponse
	path := "/data/trades?maker_order_id=" + url.QueryEscape(exchangeOrderID)
	if err := g.doL2(ctx, sess, http.MethodGet, path, nil, &trades); err != nil {
		return domain.ExchangeStatus{}, fmt.Errorf("clob.FetchStatus %s: trades: %w", exchangeOrderID, err)
	}

	matched, err := parseFloat(detail.SizeMatched)
	if err != nil {
		return domain.ExchangeStatus{}, fmt.Errorf("clob.FetchStatus %s: size_matched: %w", exchangeOrderID, err)
	}
	fills := make([]domain.Fill, 0, len(trades.Data))
	for _, t := range trades.Data {
		price, err := parseFloat(t.Price)
		if err != nil {
			return domain.ExchangeStatus{}, fmt.Errorf("clob.FetchStatus %s: trade %s price: %w", exchangeOrderID, t.ID, err)
		}
		size, err := parseFloat(t.Size)
		if err != nil {
			return domain.ExchangeStatus{}, fmt.Errorf("clob.FetchStatus %s: trade %s size: %w", exchangeOrderID, t.ID, err)
		}
		fills = append(fills, domain.Fill{
			ExchangeTradeID: t.ID,
			Price:           price,
			Size:            size,
			TradedAt:        parseTimestamp(t.MatchTime),
		})
	}

	return domain.ExchangeStatus{
		Status:      mapOrderStatus(detail.Status, matched),
		SizeMatched: matched,
		Fills:       fills,
	}, nil
}

// FetchMarket returns the resolution state of a market.
func (g *Gateway) FetchMarket(ctx context.Context, conditionID string) (domain.MarketState, error) {
	var resp marketResponse
	if err := g.client.get(ctx, "/markets/"+conditionID, &resp); err != nil {
		return domain.MarketState{}, fmt.Errorf("clob.FetchMarket %s: %w", conditionID, err)
	}

	state := domain.MarketState{ConditionID: conditionID}
	for _, tok := range resp.Tokens {
		if tok.Winner {
			state.Resolved = true
			state.WinningTokenID = tok.TokenID
		}
	}
	if resp.Closed && state.WinningTokenID == "" {
		state.Resolved = true
	}
	return state, nil
}

// isNegRisk queries whether a token trades through the NegRisk adapter.
func (g *Gateway) isNegRisk(ctx context.Context, tokenID string) (bool, error) {
	var resp negRiskResponse
	if err := g.client.get(ctx, "/neg-risk?token_id="+url.QueryEscape(tokenID), &resp); err != nil {
		return false, fmt.Errorf("neg-risk check: %w", err)
	}
	return resp.NegRisk, nil
}

// buildSignedOrder creates an EIP-712 signed order from an intent. Integer
// arithmetic throughout: the CLOB verifies makerAmount == price * takerAmount
// exactly and rejects float drift.
func (g *Gateway) buildSignedOrder(key *ecdsa.PrivateKey, maker string, intent domain.OrderIntent, negRisk bool) (*gomodel.SignedOrder, error) {
	pricePrecision := detectPricePrecision(intent.Price)
	priceInt := int64(math.Round(intent.Price * float64(pricePrecision)))
	sharesCents := int64(math.Round(intent.Size * 100))

	amountFactor := int64(1_000_000) / (100 * pricePrecision)
	usdcAmount := sharesCents * priceInt * amountFactor
	sharesAmount := sharesCents * 10000

	if usdcAmount <= 0 || sharesAmount <= 0 {
		return nil, fmt.Errorf("invalid amounts: usdc=%d shares=%d (price=%.4f size=%.4f)",
			usdcAmount, sharesAmount, intent.Price, intent.Size)
	}

	// BUY gives USDC for shares; SELL the reverse.
	makerAmount, takerAmount := usdcAmount, sharesAmount
	side := gomodel.BUY
	if intent.Side == domain.SideSell {
		makerAmount, takerAmount = sharesAmount, usdcAmount
		side = gomodel.SELL
	}

	verifyingContract := gomodel.CTFExchange
	if negRisk {
		verifyingContract = gomodel.NegRiskCTFExchange
	}

	orderData := &gomodel.OrderData{
		Maker:         maker,
		Taker:         zeroAddress,
		TokenId:       intent.TokenID,
		MakerAmount:   strconv.FormatInt(makerAmount, 10),
		TakerAmount:   strconv.FormatInt(takerAmount, 10),
		FeeRateBps:    "0",
		Nonce:         "0",
		Signer:        maker,
		Expiration:    "0",
		Side:          side,
		SignatureType: gomodel.EOA,
	}

	signed, err := g.builder.BuildSignedOrder(key, orderData, verifyingContract)
	if err != nil {
		return nil, fmt.Errorf("build signed order: %w", err)
	}
	return signed, nil
}

// detectPricePrecision returns the multiplier matching the market's tick
// size, e.g. 0.60 → 100, 0.673 → 1000.
func detectPricePrecision(price float64) int64 {
	for _, prec := range []int64{100, 1000, 10000} {
		rounded := math.Round(price * float64(prec))
		if math.Abs(rounded/float64(prec)-price) < 1e-10 {
			return prec
		}
	}
	return 100
}

// classifyRejection maps an exchange rejection message to the error
// contract.
func classifyRejection(msg string) error {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "not enough balance") || strings.Contains(lower, "insufficient") {
		return fmt.Errorf("%w: %s", domain.ErrInsufficientFunds, msg)
	}
	return &domain.RejectionError{Reason: msg}
}

func asAPIError(err error) (*apiError, bool) {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// mapOrderStatus normalizes the exchange's status strings.
func mapOrderStatus(status string, matched float64) domain.OrderStatus {
	upper := strings.ToUpper(status)
	switch {
	case strings.Contains(upper, "MATCHED") || strings.Contains(upper, "FILLED"):
		return domain.StatusFilled
	case strings.Contains(upper, "CANCEL") || strings.Contains(upper, "INVALID"):
		return domain.StatusCancelled
	case matched > 0:
		return domain.StatusPartial
	default:
		return domain.StatusSubmitted
	}
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse number %q: %w", s, err)
	}
	return f, nil
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil && ts > 0 {
		if ts > 1e12 {
			return time.UnixMilli(ts).UTC()
		}
		return time.Unix(ts, 0).UTC()
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
