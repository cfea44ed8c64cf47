package basel

import "math"

const rollingWindow = 365

// sensitivities derives the delta and vega series of a token against its
// underlying: delta from the rolling median of price-difference ratios,
// vega from the rolling median against the underlying's 3-day log
// volatility.
func (c *calc) sensitivities(tokenID, underlying string, tokenBalance *Series) (*Series, *Series, error) {
	tokenPrices, err := c.usdPrices(tokenID)
	if err != nil {
		return nil, nil, err
	}
	underlyingPrices, err := c.usdPrices(underlying)
	if err != nil {
		return nil, nil, err
	}

	quantity := tokenBalance.Div(tokenPrices)

	delta := tokenPrices.Diff().Div(underlyingPrices.Diff()).
		RollingMedian(rollingWindow, 1)

	sigma := underlyingPrices.Apply(math.Log).Diff().Pow2().
		RollingSumCentered(3, 1).
		Sqrt()
	vega := tokenPrices.Diff().Div(sigma.Diff()).
		RollingMedian(rollingWindow, 1)

	return delta.Mul(quantity), vega.Mul(sigma).Mul(quantity), nil
}

// aggregateBuckets runs the within-bucket and across-bucket correlation
// aggregation for one (weight, rho, gamma) scenario over the delta and vega
// buckets.
func aggregateBuckets(order []string, deltaBuckets, vegaBuckets map[string][]*Series, weight, rho, gamma float64) *Series {
	w, r, g := Dec(weight), Dec(rho), Dec(gamma)

	var deltaK, deltaS, vegaK, vegaS []*Series
	for _, bucket := range order {
		aggregate := func(members []*Series) (*Series, *Series) {
			weighted := make([]*Series, len(members))
			squared := make([]*Series, len(members))
			for i, m := range members {
				weighted[i] = m.Scale(w)
				squared[i] = weighted[i].Pow2()
			}
			within := SumSkipNA(squared...)
			for k := range weighted {
				for l := range weighted {
					if k != l {
						within = within.Add(weighted[k].Mul(weighted[l]).Scale(r))
					}
				}
			}
			return within.Sqrt(), SumSkipNA(weighted...)
		}
		dK, dS := aggregate(deltaBuckets[bucket])
		vK, vS := aggregate(vegaBuckets[bucket])
		deltaK = append(deltaK, dK)
		deltaS = append(deltaS, dS)
		vegaK = append(vegaK, vK)
		vegaS = append(vegaS, vS)
	}

	across := func(bucketK, bucketS []*Series) *Series {
		squared := make([]*Series, len(bucketK))
		for i, s := range bucketK {
			squared[i] = s.Pow2()
		}
		net := SumSkipNA(squared...)
		for k := range bucketS {
			for l := range bucketS {
				if k != l {
					net = net.Add(bucketS[k].Mul(bucketS[l]).Scale(g))
				}
			}
		}
		return net.Sqrt()
	}

	return across(deltaK, deltaS).Add(across(vegaK, vegaS))
}

// marketRWA is the market risk component: the worst of three correlation
// scenarios over the delta/vega sensitivities, plus the default risk charge
// with the residual risk add-on, scaled by 12.5.
func (c *calc) marketRWA() (*Series, error) {
	c.log.Info().Msg("calculating market risk")

	balance, err := c.dailyBalance()
	if err != nil {
		return nil, err
	}
	if balance.isEmpty() {
		return &Series{}, nil
	}

	var bucketOrder []string
	deltaBuckets := make(map[string][]*Series)
	vegaBuckets := make(map[string][]*Series)
	for _, col := range balance.cols {
		token := c.tokens[col]
		if inCategory(token.ITCEEP, CategoryCash) || token.Underlying == "" {
			continue
		}
		underlying, ok := c.tokens[token.Underlying]
		if !ok {
			c.log.Warn().Str("token", col).Str("underlying", token.Underlying).
				Msg("underlying token not in catalog, skipping sensitivities")
			continue
		}
		category, ok := categoryOf(underlying.ITCEEP)
		if !ok {
			c.log.Warn().Str("token", col).Str("underlying", token.Underlying).
				Msg("category unknown for underlying, skipping sensitivities")
			continue
		}

		delta, vega, err := c.sensitivities(col, token.Underlying, balance.series[col])
		if err != nil {
			return nil, err
		}
		if _, ok := deltaBuckets[category]; !ok {
			bucketOrder = append(bucketOrder, category)
		}
		deltaBuckets[category] = append(deltaBuckets[category], delta)
		vegaBuckets[category] = append(vegaBuckets[category], vega)
	}

	var sensitivities *Series
	if len(bucketOrder) > 0 {
		scenarios := [][3]float64{
			{0.7, 0.075, 0.15},
			{0.7, 0.09375, 0.1875},
			{0.7, 0.05625, 0.1125},
		}
		for _, sc := range scenarios {
			value := aggregateBuckets(bucketOrder, deltaBuckets, vegaBuckets, sc[0], sc[1], sc[2])
			if sensitivities == nil {
				sensitivities = value
			} else {
				sensitivities = sensitivities.Max(value)
			}
		}
	}

	// Default risk charge with the 0.1% residual risk add-on.
	usd, err := c.usdBalance(balance)
	if err != nil {
		return nil, err
	}
	rrao := Dec(0.001)
	drcCols := make([]*Series, 0, len(usd.cols))
	for _, col := range usd.cols {
		token := c.tokens[col]
		// Cash positions carry issuer default risk too: weight by the
		// issuing protocol's rating like any other column.
		weight := safeAdd(defaultRiskWeight(c.ratings[token.ProtocolID]), rrao)
		drcCols = append(drcCols, usd.series[col].Scale(weight))
	}
	drc := SumSkipNA(drcCols...)

	var total *Series
	if sensitivities == nil {
		total = drc
	} else {
		total = sensitivities.Add(drc)
	}
	return total.Scale(Dec(12.5)), nil
}
