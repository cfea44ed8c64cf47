package basel

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kyhoon/defi-basel-framework/internal/models"
)

func TestDenseSeriesFillsGapsWithZero(t *testing.T) {
	t.Parallel()
	flows := map[Day]*big.Float{
		10: Dec(1),
		13: Dec(2),
	}
	out := denseSeries(flows)
	approx(t, out, 10, 1)
	approx(t, out, 11, 0)
	approx(t, out, 12, 0)
	approx(t, out, 13, 2)
}

func TestClampNonNegativeShiftsFromFirstNegative(t *testing.T) {
	t.Parallel()
	c := &calc{log: zerolog.Nop()}

	// outflow of 10 before any inflow, then inflow of 7
	flows := map[Day]*big.Float{
		100: Dec(-10),
		101: Dec(7),
	}
	balance := c.clampNonNegative("0xtok", denseSeries(flows).CumSum())
	approx(t, balance, 100, 0)
	approx(t, balance, 101, 7)
}

func TestClampNonNegativeRepeats(t *testing.T) {
	t.Parallel()
	c := &calc{log: zerolog.Nop()}

	balance := c.clampNonNegative("0xtok", series(0, -1, 3, -2, 5))
	for _, d := range balance.Days() {
		if v := balance.At(d); v == nil || v.Sign() < 0 {
			t.Fatalf("day %d still negative: %v", d, v)
		}
	}
	approx(t, balance, 0, 0)
	approx(t, balance, 1, 4)
	approx(t, balance, 2, 0)
	approx(t, balance, 3, 7)
}

func TestDailyBalanceReindexesToYesterday(t *testing.T) {
	t.Parallel()
	token := "0xtok"
	store := &fakeStore{
		tokens: []models.Token{{ID: token, ProtocolID: "p", Decimals: 2}},
		transfers: map[string][]models.Transfer{
			token: {
				{ID: "a", Timestamp: Day(200).Unix(), TokenID: token, FromAddress: "0xdead", ToAddress: testTreasury, Value: "500"},
				{ID: "b", Timestamp: Day(201).Unix(), TokenID: token, FromAddress: testTreasury, ToAddress: "0xdead", Value: "200"},
				// internal move is skipped
				{ID: "c", Timestamp: Day(202).Unix(), TokenID: token, FromAddress: testTreasury, ToAddress: testTreasury, Value: "9999"},
			},
		},
		prices: map[string][]models.Price{},
	}
	protocol := models.Protocol{ID: "p", Treasuries: []string{testTreasury}}
	now := time.Unix(Day(205).Unix(), 0).UTC()
	c := newCalc(context.Background(), store, protocol, store.tokens, nil, now, zerolog.Nop())

	balance, err := c.dailyBalance()
	if err != nil {
		t.Fatalf("dailyBalance: %v", err)
	}
	s := balance.series[token]
	if s.Start() != 200 || s.End() != 204 {
		t.Fatalf("range [%d, %d], want [200, 204]", s.Start(), s.End())
	}
	approx(t, s, 200, 5)
	approx(t, s, 201, 3)
	approx(t, s, 202, 3)
	approx(t, s, 204, 3)
}

func TestUSDPricesLastInDayForwardFilled(t *testing.T) {
	t.Parallel()
	token := "0xtok"
	store := &fakeStore{
		prices: map[string][]models.Price{
			token: {
				{TokenID: token, Timestamp: Day(50).Unix(), Value: "1.0"},
				{TokenID: token, Timestamp: Day(50).Unix() + 3600, Value: "1.5"},
				{TokenID: token, Timestamp: Day(52).Unix(), Value: "2.0"},
			},
		},
	}
	c := newCalc(context.Background(), store, models.Protocol{ID: "p"}, nil, nil, time.Now(), zerolog.Nop())

	prices, err := c.usdPrices(token)
	if err != nil {
		t.Fatalf("usdPrices: %v", err)
	}
	approx(t, prices, 50, 1.5)
	approx(t, prices, 51, 1.5)
	approx(t, prices, 52, 2.0)
}
