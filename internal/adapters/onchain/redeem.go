// Package onchain settles resolved positions through the CTF contract.
//
// The CTF (Conditional Token Framework) redeemPositions() function burns an
// identity's outcome tokens for a resolved condition and pays out USDC.e
// collateral: winning shares redeem 1:1, losing shares redeem to zero.
package onchain

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/ports"
)

const (
	polygonChainID = int64(137)

	// USDC.e collateral on Polygon
	usdcEAddress = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"

	// CTF contract, holds conditional tokens (ERC1155)
	ctfAddress = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"

	// Conservative upper bound when estimation fails
	redeemGasLimit = uint64(200_000)

	gasPriceUpdateInterval = 5 * time.Minute

	balanceEpsilon = 1e-9
)

var (
	ctfABI     abi.ABI
	erc1155ABI abi.ABI
)

func init() {
	var err error

	ctfABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "redeemPositions",
			"type": "function",
			"inputs": [
				{"name": "collateralToken", "type": "address"},
				{"name": "parentCollectionId", "type": "bytes32"},
				{"name": "conditionId", "type": "bytes32"},
				{"name": "indexSets", "type": "uint256[]"}
			],
			"outputs": []
		}
	]`))
	if err != nil {
		panic("ctf abi parse: " + err.Error())
	}

	erc1155ABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "balanceOf",
			"type": "function",
			"inputs": [
				{"name": "account", "type": "address"},
				{"name": "id", "type": "uint256"}
			],
			"outputs": [{"name": "", "type": "uint256"}]
		}
	]`))
	if err != nil {
		panic("erc1155 abi parse: " + err.Error())
	}
}

// RedeemClient implements ports.Redeemer over a Polygon RPC endpoint,
// signing each transaction with the key of the identity being settled.
type RedeemClient struct {
	client *ethclient.Client
	signer ports.Signer

	mu           sync.RWMutex
	cachedGasWei *big.Int
	gasUpdatedAt time.Time
}

var _ ports.Redeemer = (*RedeemClient)(nil)

// NewRedeemClient connects to the given Polygon RPC.
func NewRedeemClient(rpcURL string, signer ports.Signer) (*RedeemClient, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("onchain.NewRedeemClient: dial rpc %s: %w", rpcURL, err)
	}
	return &RedeemClient{client: client, signer: signer}, nil
}

// Redeem burns the identity's outcome tokens for a resolved condition and
// collects the collateral. Both index sets are redeemed in one transaction;
// the payout equals the winning-side balance.
func (rc *RedeemClient) Redeem(ctx context.Context, market domain.MarketState, tokenIDs []string, identity domain.Identity) (domain.Redemption, error) {
	key, err := rc.signer.SignerFor(ctx, identity.Index)
	if err != nil {
		return domain.Redemption{}, fmt.Errorf("onchain.Redeem: signer: %w", err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey)

	var total, payout float64
	for _, tokenID := range tokenIDs {
		bal, err := rc.tokenBalance(ctx, address, tokenID)
		if err != nil {
			return domain.Redemption{}, fmt.Errorf("onchain.Redeem: balance %s: %w", tokenID, err)
		}
		total += bal
		if tokenID == market.WinningTokenID {
			payout = bal
		}
	}
	if total < balanceEpsilon {
		return domain.Redemption{}, fmt.Errorf("onchain.Redeem %s: %w", market.ConditionID, domain.ErrNothingToRedeem)
	}

	condBytes, err := hexToBytes32(market.ConditionID)
	if err != nil {
		return domain.Redemption{}, fmt.Errorf("onchain.Redeem: condition id: %w", err)
	}

	indexSets := []*big.Int{big.NewInt(1), big.NewInt(2)}
	callData, err := ctfABI.Pack("redeemPositions",
		common.HexToAddress(usdcEAddress),
		[32]byte{},
		condBytes,
		indexSets,
	)
	if err != nil {
		return domain.Redemption{}, fmt.Errorf("onchain.Redeem: pack: %w", err)
	}

	nonce, err := rc.client.PendingNonceAt(ctx, address)
	if err != nil {
		return domain.Redemption{}, fmt.Errorf("onchain.Redeem: nonce: %w", err)
	}
	gasPrice, err := rc.getGasPrice(ctx)
	if err != nil {
		return domain.Redemption{}, fmt.Errorf("onchain.Redeem: gas price: %w", err)
	}

	ctfAddr := common.HexToAddress(ctfAddress)
	gasEstimate, err := rc.client.EstimateGas(ctx, ethereum.CallMsg{
		From:     address,
		To:       &ctfAddr,
		GasPrice: gasPrice,
		Data:     callData,
	})
	if err != nil {
		gasEstimate = redeemGasLimit
		slog.Warn("redeem: gas estimate failed, using default", "err", err, "limit", redeemGasLimit)
	}
	// 20% buffer
	gasEstimate = gasEstimate * 12 / 10

	tx := types.NewTransaction(nonce, ctfAddr, big.NewInt(0), gasEstimate, gasPrice, callData)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(polygonChainID)), key)
	if err != nil {
		return domain.Redemption{}, fmt.Errorf("onchain.Redeem: sign tx: %w", err)
	}

	if err := rc.client.SendTransaction(ctx, signedTx); err != nil {
		return domain.Redemption{}, fmt.Errorf("onchain.Redeem: send tx: %w", err)
	}
	txHash := signedTx.Hash()
	slog.Info("redeem: transaction sent",
		"condition", market.ConditionID, "identity", identity.Index, "tx", txHash.Hex())

	receiptCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	receipt, err := rc.waitForReceipt(receiptCtx, txHash)
	if err != nil {
		return domain.Redemption{}, fmt.Errorf("onchain.Redeem: confirm %s: %w", txHash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return domain.Redemption{}, fmt.Errorf("onchain.Redeem: tx reverted: %s", txHash.Hex())
	}

	slog.Info("redeem: confirmed",
		"condition", market.ConditionID,
		"identity", identity.Index,
		"tx", txHash.Hex(),
		"shares", total,
		"payout_usdc", payout,
	)

	return domain.Redemption{
		IdentityIndex: identity.Index,
		ConditionID:   market.ConditionID,
		Size:          total,
		PayoutUSDC:    payout,
		TxHash:        txHash.Hex(),
		RedeemedAt:    time.Now().UTC(),
	}, nil
}

// tokenBalance returns the ERC-1155 balance for a conditional token in
// shares (micro units divided by 1e6).
func (rc *RedeemClient) tokenBalance(ctx context.Context, account common.Address, tokenID string) (float64, error) {
	tid, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		tid, ok = new(big.Int).SetString(strings.TrimPrefix(tokenID, "0x"), 16)
		if !ok {
			return 0, fmt.Errorf("invalid token id: %s", tokenID)
		}
	}

	callData, err := erc1155ABI.Pack("balanceOf", account, tid)
	if err != nil {
		return 0, fmt.Errorf("pack: %w", err)
	}

	ctf := common.HexToAddress(ctfAddress)
	result, err := rc.client.CallContract(ctx, ethereum.CallMsg{
		To:   &ctf,
		Data: callData,
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("call: %w", err)
	}

	vals, err := erc1155ABI.Unpack("balanceOf", result)
	if err != nil || len(vals) == 0 {
		return 0, fmt.Errorf("unpack: %w", err)
	}

	shares := new(big.Float).SetInt(vals[0].(*big.Int))
	shares.Quo(shares, big.NewFloat(1e6))
	f, _ := shares.Float64()
	return f, nil
}

// getGasPrice returns the current gas price with a short cache to avoid
// hammering the RPC.
func (rc *RedeemClient) getGasPrice(ctx context.Context) (*big.Int, error) {
	rc.mu.RLock()
	cached := rc.cachedGasWei
	updatedAt := rc.gasUpdatedAt
	rc.mu.RUnlock()

	if cached != nil && time.Since(updatedAt) < gasPriceUpdateInterval {
		return cached, nil
	}

	price, err := rc.client.SuggestGasPrice(ctx)
	if err != nil {
		if cached != nil {
			return cached, nil
		}
		return big.NewInt(30_000_000_000), nil // 30 gwei fallback
	}

	// 10% buffer for faster inclusion
	buffered := new(big.Int).Mul(price, big.NewInt(11))
	buffered.Div(buffered, big.NewInt(10))

	rc.mu.Lock()
	rc.cachedGasWei = buffered
	rc.gasUpdatedAt = time.Now()
	rc.mu.Unlock()

	return buffered, nil
}

// waitForReceipt polls for a transaction receipt until confirmed or timeout.
func (rc *RedeemClient) waitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := rc.client.TransactionReceipt(ctx, txHash)
			if err != nil {
				continue // not yet mined
			}
			return receipt, nil
		}
	}
}

// hexToBytes32 converts a 0x-prefixed hex string to [32]byte.
func hexToBytes32(s string) ([32]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 {
		return [32]byte{}, fmt.Errorf("expected 64 hex chars, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return [32]byte{}, err
	}
	var arr [32]byte
	copy(arr[:], b)
	return arr, nil
}
