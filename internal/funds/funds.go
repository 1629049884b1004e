// Package funds checks the agent wallet's native balance against the minimum
// required to keep operating, using the chain's JSON-RPC endpoint.
package funds

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

const defaultRequestTimeout = 10 * time.Second

// Checker queries an Ethereum JSON-RPC endpoint for the safe's balance.
type Checker struct {
	logger      zerolog.Logger
	rpcURL      string
	safeAddress string
	minWei      *big.Int
	client      *retryablehttp.Client
	timeout     time.Duration
}

// NewChecker builds a funds checker. minWei is the balance threshold below
// which funds count as insufficient.
func NewChecker(rpcURL, safeAddress string, minWei *big.Int, logger zerolog.Logger) *Checker {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil

	if minWei == nil {
		minWei = big.NewInt(0)
	}

	return &Checker{
		logger:      logger,
		rpcURL:      rpcURL,
		safeAddress: safeAddress,
		minWei:      new(big.Int).Set(minWei),
		client:      client,
		timeout:     defaultRequestTimeout,
	}
}

// HasSufficientFunds reports whether the safe's balance meets the minimum.
func (c *Checker) HasSufficientFunds(ctx context.Context) (bool, error) {
	balance, err := c.Balance(ctx)
	if err != nil {
		return false, err
	}
	sufficient := balance.Cmp(c.minWei) >= 0
	if !sufficient {
		c.logger.Warn().
			Str("address", c.safeAddress).
			Str("balance_wei", balance.String()).
			Str("min_wei", c.minWei.String()).
			Msg("safe balance below minimum")
	}
	return sufficient, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	Result string `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Balance fetches the current balance of the safe address in wei.
func (c *Checker) Balance(ctx context.Context) (*big.Int, error) {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "eth_getBalance",
		Params:  []any{c.safeAddress, "latest"},
		ID:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("encode balance request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodPost, c.rpcURL, payload)
	if err != nil {
		return nil, fmt.Errorf("build balance request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", c.rpcURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rpc endpoint returned status %d", resp.StatusCode)
	}

	var body rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode balance response: %w", err)
	}
	if body.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", body.Error.Code, body.Error.Message)
	}

	return parseHexWei(body.Result)
}

func parseHexWei(s string) (*big.Int, error) {
	trimmed := strings.TrimPrefix(s, "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("empty balance result %q", s)
	}
	balance, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return nil, fmt.Errorf("malformed balance result %q", s)
	}
	return balance, nil
}
