package clob

// auth.go: per-identity authenticated sessions.
//
// Each derived identity signs with its own key, so credentials are cached
// per identity index and derived lazily on first use.

import (
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alejandrodnm/polyagent/internal/domain"
)

const (
	polygonChainID = int64(137)

	clobDomainName    = "ClobAuthDomain"
	clobDomainVersion = "1"
	clobAuthMessage   = "This message attests that I control the given wallet"
)

// apiCredentials holds the CLOB API credentials derived from an identity.
type apiCredentials struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// session is one identity's authenticated view of the exchange.
type session struct {
	index   uint32
	key     *ecdsa.PrivateKey
	address common.Address

	mu    sync.Mutex
	creds *apiCredentials
}

// sessionFor returns the cached session for an identity, creating it on
// first use. The signer re-derives the key; nothing is persisted.
func (g *Gateway) sessionFor(ctx context.Context, index uint32) (*session, error) {
	g.mu.Lock()
	sess, ok := g.sessions[index]
	g.mu.Unlock()
	if ok {
		return sess, nil
	}

	key, err := g.signer.SignerFor(ctx, index)
	if err != nil {
		return nil, fmt.Errorf("clob: signer for identity %d: %w", index, err)
	}
	sess = &session{
		index:   index,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}

	g.mu.Lock()
	if existing, ok := g.sessions[index]; ok {
		sess = existing
	} else {
		g.sessions[index] = sess
	}
	g.mu.Unlock()

	if err := g.ensureCreds(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// ensureCreds derives API credentials via L1 auth, once per session.
func (g *Gateway) ensureCreds(ctx context.Context, sess *session) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.creds != nil {
		return nil
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := signClobAuth(sess.key, sess.address, ts, "0")
	if err != nil {
		return fmt.Errorf("clob: sign l1: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.client.base+"/auth/derive-api-key", nil)
	if err != nil {
		return fmt.Errorf("clob: derive-api-key request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", sess.address.Hex())
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", ts)
	req.Header.Set("POLY_NONCE", "0")

	resp, err := g.client.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: derive-api-key: %v", domain.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: derive-api-key status %d", domain.ErrUnreachable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("clob: derive-api-key status %d: %s", resp.StatusCode, body)
	}

	var creds apiCredentials
	if err := json.Unmarshal(body, &creds); err != nil {
		return fmt.Errorf("clob: parse creds: %w", err)
	}
	sess.creds = &creds
	return nil
}

// EIP-712 type hashes (computed once).
var (
	eip712DomainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId)",
	))
	clobAuthTypeHash = crypto.Keccak256Hash([]byte(
		"ClobAuth(address address,string timestamp,uint256 nonce,string message)",
	))
)

func clobAuthDomainSeparator() common.Hash {
	var buf []byte
	buf = append(buf, eip712DomainTypeHash.Bytes()...)
	buf = append(buf, crypto.Keccak256Hash([]byte(clobDomainName)).Bytes()...)
	buf = append(buf, crypto.Keccak256Hash([]byte(clobDomainVersion)).Bytes()...)
	buf = append(buf, common.LeftPadBytes(big.NewInt(polygonChainID).Bytes(), 32)...)
	return crypto.Keccak256Hash(buf)
}

// signClobAuth signs the ClobAuth EIP-712 typed data for L1 auth.
func signClobAuth(key *ecdsa.PrivateKey, address common.Address, timestamp, nonce string) (string, error) {
	nonceInt, ok := new(big.Int).SetString(nonce, 10)
	if !ok {
		return "", fmt.Errorf("invalid nonce: %s", nonce)
	}

	var structBuf []byte
	structBuf = append(structBuf, clobAuthTypeHash.Bytes()...)
	structBuf = append(structBuf, common.LeftPadBytes(address.Bytes(), 32)...)
	structBuf = append(structBuf, crypto.Keccak256Hash([]byte(timestamp)).Bytes()...)
	structBuf = append(structBuf, common.LeftPadBytes(nonceInt.Bytes(), 32)...)
	structBuf = append(structBuf, crypto.Keccak256Hash([]byte(clobAuthMessage)).Bytes()...)
	structHash := crypto.Keccak256Hash(structBuf)

	var rawBuf []byte
	rawBuf = append(rawBuf, 0x19, 0x01)
	rawBuf = append(rawBuf, clobAuthDomainSeparator().Bytes()...)
	rawBuf = append(rawBuf, structHash.Bytes()...)
	msgHash := crypto.Keccak256Hash(rawBuf)

	sig, err := crypto.Sign(msgHash.Bytes(), key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return "0x" + fmt.Sprintf("%x", sig), nil
}

// l2Headers returns the authenticated headers for L2 API calls.
func (sess *session) l2Headers(method, path, body string) (map[string]string, error) {
	sess.mu.Lock()
	creds := sess.creds
	sess.mu.Unlock()
	if creds == nil {
		return nil, fmt.Errorf("clob: credentials not derived for identity %d", sess.index)
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	msg := ts + strings.ToUpper(method) + path + body

	secretBytes, err := base64.URLEncoding.DecodeString(creds.Secret)
	if err != nil {
		return nil, fmt.Errorf("clob: decode secret: %w", err)
	}

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(msg))
	sig := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"POLY_ADDRESS":    sess.address.Hex(),
		"POLY_SIGNATURE":  sig,
		"POLY_TIMESTAMP":  ts,
		"POLY_API_KEY":    creds.APIKey,
		"POLY_PASSPHRASE": creds.Passphrase,
	}, nil
}

// doL2 executes an authenticated request with rate limiting and retries.
// HMAC headers are regenerated on every attempt so the timestamp stays fresh.
func (g *Gateway) doL2(ctx context.Context, sess *session, method, path string, reqBody, out any) error {
	var bodyStr string
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		bodyStr = string(b)
	}

	return g.client.doWithRetry(ctx, func() (*http.Response, error) {
		headers, err := sess.l2Headers(method, path, bodyStr)
		if err != nil {
			return nil, err
		}

		var bodyReader io.Reader
		if bodyStr != "" {
			bodyReader = strings.NewReader(bodyStr)
		}
		req, err := http.NewRequestWithContext(ctx, method, g.client.base+path, bodyReader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return g.client.http.Do(req)
	}, out)
}
