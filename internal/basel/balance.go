package basel

import (
	"context"
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"github.com/kyhoon/defi-basel-framework/internal/models"
)

// frame is a set of token-keyed daily series sharing one index.
type frame struct {
	cols   []string
	series map[string]*Series
}

func (f *frame) isEmpty() bool { return f == nil || len(f.cols) == 0 }

func (f *frame) slice(cols []string) *frame {
	out := &frame{series: make(map[string]*Series, len(cols))}
	for _, col := range cols {
		if s, ok := f.series[col]; ok {
			out.cols = append(out.cols, col)
			out.series[col] = s
		}
	}
	return out
}

// sum is a row-wise sum over the frame's columns, skipping missing values.
func (f *frame) sum() *Series {
	series := make([]*Series, 0, len(f.cols))
	for _, col := range f.cols {
		series = append(series, f.series[col])
	}
	return SumSkipNA(series...)
}

// calc carries the per-protocol state of one risk engine pass: the catalog,
// the treasury set, and caches for the balance matrix and price series.
type calc struct {
	ctx        context.Context
	store      Store
	protocol   models.Protocol
	tokens     map[string]models.Token
	tokenOrder []string
	treasuries map[string]bool
	addresses  map[string]bool
	ratings    map[string]string // protocol id -> credit rating
	now        time.Time
	log        zerolog.Logger

	balance *frame
	prices  map[string]*Series
}

func newCalc(ctx context.Context, store Store, protocol models.Protocol, tokens []models.Token, ratings map[string]string, now time.Time, log zerolog.Logger) *calc {
	c := &calc{
		ctx:        ctx,
		store:      store,
		protocol:   protocol,
		tokens:     make(map[string]models.Token, len(tokens)),
		treasuries: make(map[string]bool, len(protocol.Treasuries)),
		addresses:  make(map[string]bool, len(protocol.Addresses)),
		ratings:    ratings,
		now:        now,
		log:        log.With().Str("protocol", protocol.ID).Logger(),
		prices:     make(map[string]*Series),
	}
	for _, t := range tokens {
		c.tokens[t.ID] = t
		c.tokenOrder = append(c.tokenOrder, t.ID)
	}
	for _, addr := range protocol.Treasuries {
		c.treasuries[addr] = true
	}
	for _, addr := range protocol.Addresses {
		c.addresses[addr] = true
	}
	return c
}

func pow10(decimals int) *big.Float {
	exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return newDec().SetInt(exp)
}

// tokenFlows nets each transfer against the treasury set: outgoing value is
// negative, incoming positive, treasury-to-treasury transfers are internal
// and skipped.
func (c *calc) tokenFlows(token models.Token) (map[Day]*big.Float, error) {
	txs, err := c.store.TransfersByToken(c.ctx, token.ID, c.protocol.Treasuries)
	if err != nil {
		return nil, err
	}
	scale := pow10(token.Decimals)
	flows := make(map[Day]*big.Float)
	for _, tx := range txs {
		value, ok := ParseDec(tx.Value)
		if !ok {
			continue
		}
		if c.treasuries[tx.FromAddress] {
			if c.treasuries[tx.ToAddress] {
				continue
			}
			value.Neg(value)
		}
		value.Quo(value, scale)
		day := DayOfTimestamp(tx.Timestamp)
		if prev, ok := flows[day]; ok {
			flows[day] = safeAdd(prev, value)
		} else {
			flows[day] = value
		}
	}
	return flows, nil
}

// denseSeries lays out per-day values contiguously from the earliest to the
// latest observed day, with zeros on the gap days.
func denseSeries(flows map[Day]*big.Float) *Series {
	if len(flows) == 0 {
		return &Series{}
	}
	var min, max Day
	first := true
	for d := range flows {
		if first {
			min, max = d, d
			first = false
			continue
		}
		if d < min {
			min = d
		}
		if d > max {
			max = d
		}
	}
	vals := make([]*big.Float, max-min+1)
	for i := range vals {
		if v, ok := flows[min+Day(i)]; ok {
			vals[i] = v
		} else {
			vals[i] = newDec()
		}
	}
	return &Series{start: min, vals: vals}
}

// clampNonNegative shifts the balance upward from the first negative day
// until the whole series is non-negative.
func (c *calc) clampNonNegative(tokenID string, balance *Series) *Series {
	out := balance.Clone()
	for {
		neg := -1
		for i, v := range out.vals {
			if v != nil && v.Sign() < 0 {
				neg = i
				break
			}
		}
		if neg < 0 {
			return out
		}
		c.log.Warn().Str("token", tokenID).Msg("negative daily balance, shifting series upward")
		diff := newDec().Neg(out.vals[neg])
		for i := neg; i < len(out.vals); i++ {
			if out.vals[i] != nil {
				out.vals[i] = safeAdd(out.vals[i], diff)
			}
		}
	}
}

// dailyBalance builds the balance matrix: per-token cumulative daily
// balances, forward-filled and reindexed onto a common daily range ending
// yesterday.
func (c *calc) dailyBalance() (*frame, error) {
	if c.balance != nil {
		return c.balance, nil
	}

	cols := make([]string, 0)
	raw := make(map[string]*Series)
	for _, tokenID := range c.tokenOrder {
		flows, err := c.tokenFlows(c.tokens[tokenID])
		if err != nil {
			return nil, err
		}
		if len(flows) == 0 {
			continue
		}
		balance := c.clampNonNegative(tokenID, denseSeries(flows).CumSum())
		cols = append(cols, tokenID)
		raw[tokenID] = balance
	}

	if len(cols) == 0 {
		c.balance = &frame{}
		return c.balance, nil
	}

	start := raw[cols[0]].Start()
	for _, col := range cols[1:] {
		if s := raw[col].Start(); s < start {
			start = s
		}
	}
	end := Yesterday(c.now)
	if end < start {
		c.balance = &frame{}
		return c.balance, nil
	}

	zero := newDec()
	out := &frame{cols: cols, series: make(map[string]*Series, len(cols))}
	for _, col := range cols {
		out.series[col] = raw[col].Reindex(start, end, true).FillNA(zero)
	}
	c.balance = out
	return out, nil
}

// usdPrices returns the daily USD price series of a token: last observation
// per day, forward-filled over gap days.
func (c *calc) usdPrices(tokenID string) (*Series, error) {
	if cached, ok := c.prices[tokenID]; ok {
		return cached, nil
	}
	rows, err := c.store.PricesByToken(c.ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		c.log.Warn().Str("token", tokenID).Msg("could not find price data for token")
		empty := &Series{}
		c.prices[tokenID] = empty
		return empty, nil
	}

	last := make(map[Day]*big.Float)
	for _, row := range rows {
		if v, ok := ParseDec(row.Value); ok {
			last[DayOfTimestamp(row.Timestamp)] = v
		}
	}
	var min, max Day
	first := true
	for d := range last {
		if first {
			min, max = d, d
			first = false
			continue
		}
		if d < min {
			min = d
		}
		if d > max {
			max = d
		}
	}
	vals := make([]*big.Float, max-min+1)
	for d, v := range last {
		vals[d-min] = v
	}
	series := (&Series{start: min, vals: vals}).FFill()
	c.prices[tokenID] = series
	return series, nil
}

// usdBalance converts the given balance columns into USD. Cash tokens are
// already USD-denominated and pass through unchanged. Price gaps at the
// start of a balance series become zero with a warning.
func (c *calc) usdBalance(balance *frame) (*frame, error) {
	out := &frame{cols: balance.cols, series: make(map[string]*Series, len(balance.cols))}
	for _, col := range balance.cols {
		series := balance.series[col]
		if inCategory(c.tokens[col].ITCEEP, CategoryCash) {
			out.series[col] = series
			continue
		}
		prices, err := c.usdPrices(col)
		if err != nil {
			return nil, err
		}
		aligned := prices.Reindex(series.Start(), series.End(), true)
		missing := Day(-1)
		for _, d := range aligned.Days() {
			if aligned.At(d) == nil {
				missing = d
			}
		}
		if missing >= 0 {
			c.log.Warn().
				Str("token", col).
				Str("before", missing.Time().Format("2006-01-02")).
				Msg("missing prices of token")
			aligned = aligned.FillNA(newDec())
		}
		out.series[col] = series.Mul(aligned)
	}
	return out, nil
}
