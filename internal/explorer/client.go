// Package explorer wraps the Etherscan HTTP API used for transfer ingestion.
package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrConnection marks a request that failed after exhausting all retries.
// Collectors requeue their snapshot when they see it.
var ErrConnection = errors.New("explorer: connection failed")

const (
	defaultBaseURL = "https://api.etherscan.io/api"

	// PageSize is the maximum number of transfers a tokentx page returns.
	PageSize = 10000

	maxAttempts  = 5
	retryBackoff = 200 * time.Millisecond
)

// RawTransfer is one row of an account.tokentx response, untouched: every
// field stays a string so the content hash is computed over the wire form.
type RawTransfer struct {
	BlockHash        string `json:"blockHash"`
	Hash             string `json:"hash"`
	TransactionIndex string `json:"transactionIndex"`
	TimeStamp        string `json:"timeStamp"`
	BlockNumber      string `json:"blockNumber"`
	ContractAddress  string `json:"contractAddress"`
	From             string `json:"from"`
	To               string `json:"to"`
	Value            string `json:"value"`
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// Client is a rate-limited Etherscan client.
type Client struct {
	// BaseURL may be overridden for tests.
	BaseURL string

	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

func NewClient(apiKey string, log zerolog.Logger) *Client {
	return &Client{
		BaseURL: defaultBaseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		// free tier allows 5 requests per second
		limiter: rate.NewLimiter(rate.Limit(5), 5),
		log:     log.With().Str("component", "explorer").Logger(),
	}
}

// get performs one API call with bounded exponential backoff. An HTTP
// transport error, a non-2xx status, or an unsuccessful API status all
// count as a failed attempt.
func (c *Client) get(ctx context.Context, params url.Values) (json.RawMessage, error) {
	params.Set("apikey", c.apiKey)
	endpoint := c.BaseURL + "?" + params.Encode()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := retryBackoff * (1 << (attempt - 1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		result, err := c.do(ctx, endpoint)
		if err == nil {
			return result, nil
		}
		lastErr = err
		c.log.Debug().Err(err).Int("attempt", attempt+1).Msg("explorer request failed")
	}
	return nil, fmt.Errorf("%w: %v", ErrConnection, lastErr)
}

func (c *Client) do(ctx context.Context, endpoint string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if env.Status != "1" && env.Message != "No transactions found" {
		return nil, fmt.Errorf("api error: %s", env.Message)
	}
	return env.Result, nil
}

// BlockAt returns the number of the latest block mined at or before ts.
func (c *Client) BlockAt(ctx context.Context, ts int64) (int64, error) {
	params := url.Values{}
	params.Set("module", "block")
	params.Set("action", "getblocknobytime")
	params.Set("timestamp", strconv.FormatInt(ts, 10))
	params.Set("closest", "before")

	result, err := c.get(ctx, params)
	if err != nil {
		return 0, err
	}
	var blockStr string
	if err := json.Unmarshal(result, &blockStr); err != nil {
		return 0, fmt.Errorf("decode block number: %w", err)
	}
	block, err := strconv.ParseInt(blockStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse block number %q: %w", blockStr, err)
	}
	return block, nil
}

// TokenTransfers returns one page of ERC-20 transfers touching the address
// within [fromBlock, toBlock], oldest first. A full page means more rows
// may exist; the caller advances fromBlock past the last returned block.
func (c *Client) TokenTransfers(ctx context.Context, address string, fromBlock, toBlock int64) ([]RawTransfer, error) {
	params := url.Values{}
	params.Set("module", "account")
	params.Set("action", "tokentx")
	params.Set("address", address)
	params.Set("startblock", strconv.FormatInt(fromBlock, 10))
	params.Set("endblock", strconv.FormatInt(toBlock, 10))
	params.Set("offset", strconv.Itoa(PageSize))
	params.Set("page", "1")
	params.Set("sort", "asc")

	result, err := c.get(ctx, params)
	if err != nil {
		return nil, err
	}
	var transfers []RawTransfer
	if err := json.Unmarshal(result, &transfers); err != nil {
		return nil, fmt.Errorf("decode transfers: %w", err)
	}
	return transfers, nil
}
