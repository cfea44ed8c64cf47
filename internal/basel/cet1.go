package basel

// cet1 is the core capital series: the cash balance plus the USD value of
// the protocol's own-issued equity tokens. Cash tokens are USD-denominated
// already and enter at face value.
func (c *calc) cet1() (*Series, error) {
	c.log.Info().Msg("calculating CET1")

	balance, err := c.dailyBalance()
	if err != nil {
		return nil, err
	}
	if balance.isEmpty() {
		return &Series{}, nil
	}

	var cashCols, shareCols []string
	for _, col := range balance.cols {
		token := c.tokens[col]
		switch {
		case inCategory(token.ITCEEP, CategoryCash):
			cashCols = append(cashCols, col)
		case inCategory(token.ITCEEP, CategoryEquity) && token.ProtocolID == c.protocol.ID:
			shareCols = append(shareCols, col)
		}
	}

	index := balance.series[balance.cols[0]]
	out := Constant(index.Start(), index.Len(), newDec())
	zero := newDec()

	out = out.AddFill(balance.slice(cashCols).sum(), zero)

	shares, err := c.usdBalance(balance.slice(shareCols))
	if err != nil {
		return nil, err
	}
	return out.AddFill(shares.sum(), zero), nil
}
