package basel

import (
	"math"
	"math/big"
)

// counterparties partitions the non-cash balance columns by the protocol
// that issued each token. Order follows first appearance in the matrix so
// the aggregation is deterministic.
func (c *calc) counterparties(balance *frame) ([]string, map[string][]string) {
	var order []string
	groups := make(map[string][]string)
	for _, col := range balance.cols {
		token := c.tokens[col]
		if inCategory(token.ITCEEP, CategoryCash) {
			continue
		}
		if _, ok := groups[token.ProtocolID]; !ok {
			order = append(order, token.ProtocolID)
		}
		groups[token.ProtocolID] = append(groups[token.ProtocolID], col)
	}
	return order, groups
}

// addons aggregates the potential-future-exposure add-on across the hedging
// entities of one counterparty. Tokens sharing an underlying form one
// entity; an index underlying relaxes the correlation.
func (c *calc) addons(usd *frame) *Series {
	index := usd.series[usd.cols[0]]
	addonSum := Constant(index.Start(), index.Len(), newDec())
	addonSq := Constant(index.Start(), index.Len(), newDec())

	var entityOrder []string
	entities := make(map[string][]string)
	for _, col := range usd.cols {
		underlying := c.tokens[col].Underlying
		if _, ok := entities[underlying]; !ok {
			entityOrder = append(entityOrder, underlying)
		}
		entities[underlying] = append(entities[underlying], col)
	}

	one := Dec(1)
	for _, entity := range entityOrder {
		cols := entities[entity]

		var sf, rho *big.Float
		if entity != "" && inCategory(c.tokens[entity].ITCEEP, CategoryIndex) {
			sf, rho = Dec(0.2), Dec(0.8)
		} else {
			sf, rho = Dec(0.32), Dec(0.5)
		}
		rhoSqC := safeSub(one, safeMul(rho, rho))

		addOne := func(exposure *Series) {
			addon := exposure.Scale(sf)
			addonSum = addonSum.Add(addon.Scale(rho))
			addonSq = addonSq.Add(addon.Pow2().Scale(rhoSqC))
		}
		if entity == "" || len(cols) == 1 {
			for _, col := range cols {
				addOne(usd.series[col])
			}
		} else {
			addOne(usd.slice(cols).sum())
		}
	}

	return addonSum.Pow2().Add(addonSq).Sqrt()
}

// ccrRWA is the counterparty credit risk component: per counterparty, the
// exposure-at-default 1.4·(V + PFE) weighted by the counterparty's rating.
func (c *calc) ccrRWA() (*Series, error) {
	c.log.Info().Msg("calculating counterparty credit risk")

	balance, err := c.dailyBalance()
	if err != nil {
		return nil, err
	}
	if balance.isEmpty() {
		return &Series{}, nil
	}

	index := balance.series[balance.cols[0]]
	rwa := Constant(index.Start(), index.Len(), newDec())

	order, groups := c.counterparties(balance)
	for _, counterparty := range order {
		usd, err := c.usdBalance(balance.slice(groups[counterparty]))
		if err != nil {
			return nil, err
		}
		addon := c.addons(usd)
		gross := usd.sum()

		// multiplier = clip(0.05 + 0.95·exp(V / (2·0.95·addon)), upper 1)
		multiplier := gross.Div(addon.Scale(Dec(2 * 0.95))).
			Apply(func(x float64) float64 { return 0.05 + 0.95*math.Exp(x) }).
			Clip(nil, Dec(1)).
			FillNA(newDec())
		pfe := multiplier.Mul(addon)
		ead := gross.Add(pfe).Scale(Dec(1.4))

		weight := creditRiskWeight(c.ratings[counterparty])
		rwa = rwa.Add(ead.Scale(weight))
	}

	return rwa, nil
}
