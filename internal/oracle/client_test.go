package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(zerolog.Nop())
	c.BaseURL = srv.URL
	return c
}

func TestBatchHistorical(t *testing.T) {
	t.Parallel()
	coin := "ethereum:0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("coins")
		var req map[string][]int64
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			t.Errorf("coins param %q: %v", raw, err)
		}
		if len(req[coin]) != 2 {
			t.Errorf("requested timestamps = %v", req[coin])
		}
		fmt.Fprintf(w, `{"coins":{%q:{"symbol":"USDC","prices":[
			{"timestamp":1534464000,"price":1.0},
			{"timestamp":1534550400,"price":1.01}
		]}}}`, coin)
	})

	prices, err := c.BatchHistorical(context.Background(), map[string][]int64{
		coin: {1534464000, 1534550400},
	})
	if err != nil {
		t.Fatalf("BatchHistorical: %v", err)
	}
	points := prices[coin]
	if len(points) != 2 {
		t.Fatalf("got %d points, want 2", len(points))
	}
	if points[1].Timestamp != 1534550400 || points[1].Price != 1.01 {
		t.Fatalf("unexpected point: %+v", points[1])
	}
}

func TestBatchHistoricalPartialResponse(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"coins":{}}`)
	})

	prices, err := c.BatchHistorical(context.Background(), map[string][]int64{
		"ethereum:0xunpriced": {1534464000},
	})
	if err != nil {
		t.Fatalf("BatchHistorical: %v", err)
	}
	if len(prices) != 0 {
		t.Fatalf("prices = %v, want empty", prices)
	}
}

func TestGetRetriesThenWrapsErrConnection(t *testing.T) {
	t.Parallel()
	var calls int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.BatchHistorical(context.Background(), map[string][]int64{"ethereum:0x1": {0}})
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
	if calls != maxAttempts {
		t.Fatalf("server hit %d times, want %d", calls, maxAttempts)
	}
}
