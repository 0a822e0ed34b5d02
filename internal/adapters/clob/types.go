package clob

// types.go: CLOB API wire types.

import "encoding/json"

// orderRequest is the JSON body sent to POST /order.
type orderRequest struct {
	Order     orderBody `json:"order"`
	Owner     string    `json:"owner"`
	OrderType string    `json:"orderType"`
}

type orderBody struct {
	Salt          json.Number `json:"salt"`
	Maker         string      `json:"maker"`
	Signer        string      `json:"signer"`
	Taker         string      `json:"taker"`
	TokenID       string      `json:"tokenId"`
	MakerAmount   string      `json:"makerAmount"`
	TakerAmount   string      `json:"takerAmount"`
	Expiration    string      `json:"expiration"`
	Nonce         string      `json:"nonce"`
	FeeRateBps    string      `json:"feeRateBps"`
	Side          string      `json:"side"`
	SignatureType int         `json:"signatureType"`
	Signature     string      `json:"signature"`
}

type orderResponse struct {
	ErrorMsg     string `json:"errorMsg"`
	OrderID      string `json:"orderID"`
	TakingAmount string `json:"takingAmount"`
	MakingAmount string `json:"makingAmount"`
	Status       string `json:"status"`
	Success      bool   `json:"success"`
}

// orderDetail is the exchange's view of one of our orders (GET /data/order).
type orderDetail struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
	CreatedAt    string `json:"created_at"`
}

// tradeEntry is one execution reported by GET /data/trades.
type tradeEntry struct {
	ID        string `json:"id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	MatchTime string `json:"match_time"`
}

type tradesResponse struct {
	Data       []tradeEntry `json:"data"`
	NextCursor string       `json:"next_cursor"`
}

// marketResponse is the resolution view of GET /markets/{condition_id}.
type marketResponse struct {
	ConditionID string `json:"condition_id"`
	Closed      bool   `json:"closed"`
	Tokens      []struct {
		TokenID string `json:"token_id"`
		Winner  bool   `json:"winner"`
	} `json:"tokens"`
}

type negRiskResponse struct {
	NegRisk bool `json:"neg_risk"`
}
