package explorer

import (
	"context"
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
	c := NewClient("test-key", zerolog.Nop())
	c.BaseURL = srv.URL
	return c
}

func TestBlockAt(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("module") != "block" || q.Get("action") != "getblocknobytime" {
			t.Errorf("unexpected query %v", q)
		}
		if q.Get("timestamp") != "1534377600" || q.Get("closest") != "before" {
			t.Errorf("unexpected query %v", q)
		}
		if q.Get("apikey") != "test-key" {
			t.Errorf("apikey = %q", q.Get("apikey"))
		}
		fmt.Fprint(w, `{"status":"1","message":"OK","result":"6161839"}`)
	})

	block, err := c.BlockAt(context.Background(), 1534377600)
	if err != nil {
		t.Fatalf("BlockAt: %v", err)
	}
	if block != 6161839 {
		t.Fatalf("block = %d, want 6161839", block)
	}
}

func TestTokenTransfers(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("action") != "tokentx" || q.Get("sort") != "asc" {
			t.Errorf("unexpected query %v", q)
		}
		if q.Get("startblock") != "100" || q.Get("endblock") != "200" {
			t.Errorf("unexpected block range %v", q)
		}
		fmt.Fprint(w, `{"status":"1","message":"OK","result":[
			{"blockNumber":"150","timeStamp":"1534377600","hash":"0xabc",
			 "blockHash":"0xdef","transactionIndex":"3",
			 "contractAddress":"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
			 "from":"0x1111","to":"0x2222","value":"42"}
		]}`)
	})

	transfers, err := c.TokenTransfers(context.Background(), "0x2222", 100, 200)
	if err != nil {
		t.Fatalf("TokenTransfers: %v", err)
	}
	if len(transfers) != 1 {
		t.Fatalf("got %d transfers, want 1", len(transfers))
	}
	tx := transfers[0]
	if tx.BlockNumber != "150" || tx.Hash != "0xabc" || tx.Value != "42" || tx.TransactionIndex != "3" {
		t.Fatalf("unexpected transfer: %+v", tx)
	}
}

func TestTokenTransfersNoResultsIsEmpty(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"0","message":"No transactions found","result":[]}`)
	})

	transfers, err := c.TokenTransfers(context.Background(), "0x2222", 0, 100)
	if err != nil {
		t.Fatalf("TokenTransfers: %v", err)
	}
	if len(transfers) != 0 {
		t.Fatalf("got %d transfers, want 0", len(transfers))
	}
}

func TestGetRetriesThenWrapsErrConnection(t *testing.T) {
	t.Parallel()
	var calls int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.BlockAt(context.Background(), 1534377600)
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
	if calls != maxAttempts {
		t.Fatalf("server hit %d times, want %d", calls, maxAttempts)
	}
}

func TestGetRetriesApiError(t *testing.T) {
	t.Parallel()
	var calls int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			fmt.Fprint(w, `{"status":"0","message":"Max rate limit reached","result":null}`)
			return
		}
		fmt.Fprint(w, `{"status":"1","message":"OK","result":"100"}`)
	})

	block, err := c.BlockAt(context.Background(), 1534377600)
	if err != nil {
		t.Fatalf("BlockAt: %v", err)
	}
	if block != 100 || calls != 3 {
		t.Fatalf("block = %d after %d calls", block, calls)
	}
}
