// Package oracle wraps the DeFi Llama coins API used for price ingestion.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// ErrConnection marks a request that failed after exhausting all retries.
var ErrConnection = errors.New("oracle: connection failed")

const (
	defaultBaseURL = "https://coins.llama.fi"

	maxAttempts  = 5
	retryBackoff = 200 * time.Millisecond
)

// PricePoint is one historical observation. The oracle may snap the
// timestamp to its own grid; callers re-associate it to the interval they
// asked for.
type PricePoint struct {
	Timestamp int64   `json:"timestamp"`
	Price     float64 `json:"price"`
}

type batchResponse struct {
	Coins map[string]struct {
		Prices []PricePoint `json:"prices"`
	} `json:"coins"`
}

// Client is a DeFi Llama coins client.
type Client struct {
	// BaseURL may be overridden for tests.
	BaseURL string

	http *http.Client
	log  zerolog.Logger
}

func NewClient(log zerolog.Logger) *Client {
	return &Client{
		BaseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
		log:     log.With().Str("component", "oracle").Logger(),
	}
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
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

		body, err := c.do(ctx, endpoint)
		if err == nil {
			return body, nil
		}
		lastErr = err
		c.log.Debug().Err(err).Int("attempt", attempt+1).Msg("oracle request failed")
	}
	return nil, fmt.Errorf("%w: %v", ErrConnection, lastErr)
}

func (c *Client) do(ctx context.Context, endpoint string) ([]byte, error) {
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
	return io.ReadAll(resp.Body)
}

// BatchHistorical requests historical USD prices for many coins at once.
// Keys are fully qualified coin ids such as "ethereum:0xa0b8...". The
// response may be partial: coins or timestamps the oracle cannot price are
// simply absent.
func (c *Client) BatchHistorical(ctx context.Context, coins map[string][]int64) (map[string][]PricePoint, error) {
	encoded, err := json.Marshal(coins)
	if err != nil {
		return nil, fmt.Errorf("encode coins: %w", err)
	}
	endpoint := c.BaseURL + "/batchHistorical?coins=" + url.QueryEscape(string(encoded))

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	var parsed batchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}

	out := make(map[string][]PricePoint, len(parsed.Coins))
	for coin, entry := range parsed.Coins {
		out[coin] = entry.Prices
	}
	return out, nil
}
