package basel

import (
	"math"
	"math/big"
	"time"
)

const (
	feeIncome = iota
	feeExpense
	operatingIncome
	operatingExpense
	categoryCount
)

// classifyTransfer maps a treasury-touching transfer to its services
// category. Treasury-to-treasury moves are internal and return -1.
func (c *calc) classifyTransfer(from, to string) int {
	if c.treasuries[from] {
		switch {
		case c.treasuries[to]:
			return -1
		case c.addresses[to]:
			return feeExpense
		default:
			return operatingExpense
		}
	}
	if c.addresses[from] {
		return feeIncome
	}
	return operatingIncome
}

// servicesComponent builds the SC series: per-category daily USD flows,
// rolled over a 365-day window, taking the larger of income and expense for
// fees and for operations.
func (c *calc) servicesComponent() (*Series, error) {
	c.log.Debug().Msg("calculating the services component")

	totals := make([]*Series, categoryCount)
	for i := range totals {
		totals[i] = &Series{}
	}

	zero := newDec()
	for _, tokenID := range c.tokenOrder {
		token := c.tokens[tokenID]
		txs, err := c.store.TransfersByToken(c.ctx, tokenID, c.protocol.Treasuries)
		if err != nil {
			return nil, err
		}

		scale := pow10(token.Decimals)
		flows := make([]map[Day]*big.Float, categoryCount)
		for i := range flows {
			flows[i] = make(map[Day]*big.Float)
		}
		seen := false
		for _, tx := range txs {
			category := c.classifyTransfer(tx.FromAddress, tx.ToAddress)
			if category < 0 {
				continue
			}
			value, ok := ParseDec(tx.Value)
			if !ok {
				continue
			}
			value.Quo(value, scale)
			day := DayOfTimestamp(tx.Timestamp)
			if prev, ok := flows[category][day]; ok {
				flows[category][day] = safeAdd(prev, value)
			} else {
				flows[category][day] = value
			}
			seen = true
		}
		if !seen {
			continue
		}

		// Cash flows are USD already; everything else is priced per day.
		var prices *Series
		if !inCategory(token.ITCEEP, CategoryCash) {
			prices, err = c.usdPrices(tokenID)
			if err != nil {
				return nil, err
			}
		}

		for i := range flows {
			series := denseSeries(flows[i])
			if series.IsEmpty() {
				continue
			}
			if prices != nil {
				series = series.Mul(prices)
			}
			totals[i] = totals[i].AddFill(series, zero)
		}
	}

	pair := func(income, expense *Series) *Series {
		start, end, ok := unionRange(income, expense)
		if !ok {
			return &Series{}
		}
		income = income.Reindex(start, end, false).FillNA(zero).RollingSum(rollingWindow, 1)
		expense = expense.Reindex(start, end, false).FillNA(zero).RollingSum(rollingWindow, 1)
		return income.Max(expense)
	}

	scFee := pair(totals[feeIncome], totals[feeExpense])
	scOperating := pair(totals[operatingIncome], totals[operatingExpense])
	return scFee.AddFill(scOperating, zero), nil
}

// financialComponent builds the FC series: the absolute 365-day rolling sum
// of the daily P&L implied by yesterday's holdings and today's price moves.
func (c *calc) financialComponent() (*Series, error) {
	c.log.Debug().Msg("calculating the financial component")

	balance, err := c.dailyBalance()
	if err != nil {
		return nil, err
	}
	if balance.isEmpty() {
		return &Series{}, nil
	}

	index := balance.series[balance.cols[0]]
	pnl := Constant(index.Start(), index.Len(), newDec())
	for _, col := range balance.cols {
		if inCategory(c.tokens[col].ITCEEP, CategoryCash) {
			continue
		}
		prices, err := c.usdPrices(col)
		if err != nil {
			return nil, err
		}
		pnl = pnl.Add(balance.series[col].Shift().Mul(prices.Diff()))
	}

	return pnl.RollingSum(rollingWindow, 1).Abs(), nil
}

// operationalRWA is the operational risk component: the business indicator
// bucketed into the Basel coefficients, times the internal loss multiplier
// derived from the protocol's hack history, times 12.5.
func (c *calc) operationalRWA() (*Series, error) {
	c.log.Info().Msg("calculating operational risk")

	sc, err := c.servicesComponent()
	if err != nil {
		return nil, err
	}
	fc, err := c.financialComponent()
	if err != nil {
		return nil, err
	}
	bi := sc.AddFill(fc, newDec())
	if bi.IsEmpty() {
		return &Series{}, nil
	}

	thres1 := Dec(1_000_000_000)
	thres2 := Dec(30_000_000_000)
	bucket1 := bi.Clip(nil, thres1)
	bucket2 := bi.Clip(thres1, thres2).AddScalar(newDec().Neg(thres1))
	bucket3 := bi.Clip(thres2, nil).AddScalar(newDec().Neg(thres2))
	bic := bucket1.Scale(Dec(0.12)).
		Add(bucket2.Scale(Dec(0.15))).
		Add(bucket3.Scale(Dec(0.18)))

	orc := bic
	if len(c.protocol.Hacks) > 0 {
		losses := make(map[Day]*big.Float)
		for _, hack := range c.protocol.Hacks {
			date, err := time.Parse("2006-01-02", hack.Date)
			if err != nil {
				c.log.Warn().Str("date", hack.Date).Msg("unparseable hack date, skipping")
				continue
			}
			day := DayOfTimestamp(date.Unix())
			if prev, ok := losses[day]; ok {
				losses[day] = safeAdd(prev, Dec(hack.Amount))
			} else {
				losses[day] = Dec(hack.Amount)
			}
		}

		vals := make([]*big.Float, bic.Len())
		for i, day := range bic.Days() {
			if v, ok := losses[day]; ok {
				vals[i] = cloneDec(v)
			} else {
				vals[i] = newDec()
			}
		}
		yearly := NewSeries(bic.Start(), vals).RollingSum(rollingWindow, rollingWindow)
		lossComponent := yearly.Scale(Dec(15))

		ilm := lossComponent.Div(bic).Apply(func(x float64) float64 {
			v := math.Log(math.E - 1 + math.Pow(x, 0.8))
			if math.IsInf(v, 0) {
				return math.NaN()
			}
			return v
		})
		orc = bic.Mul(ilm)
	}

	return orc.Scale(Dec(12.5)), nil
}
