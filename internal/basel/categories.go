package basel

import "math/big"

// Token categories keyed by ITC-EEP code. Cash tokens are USD-denominated
// and bypass price conversion; the index category relaxes the CCR add-on
// correlation; the category of a token's underlying picks the market risk
// bucket.
const (
	CategoryCash       = "cash"
	CategoryEquity     = "equity"
	CategoryIndex      = "index"
	CategoryCommodity  = "commodity"
	CategoryFX         = "fx"
	CategorySettlement = "settlement"
	CategoryDerivative = "derivative"
)

var tokenCategories = map[string][]string{
	CategoryCash:       {"EEP21PP01USD"},
	CategoryEquity:     {"EEP22G", "EEP22NT02", "EEP22TU03", "EEP23E", "EEP23EQ"},
	CategoryIndex:      {"EEP23FD"},
	CategoryCommodity:  {"EEP23A", "EEP23ER"},
	CategoryFX:         {"EEP21PP01CHF", "EEP21PP01EUR"},
	CategorySettlement: {"EEP22S", "EEP22TU01", "EEP22TU02"},
	CategoryDerivative: {"EEP23DV", "EEP23DV03"},
}

// categoryOf resolves an ITC-EEP code to its category.
func categoryOf(itcEEP string) (string, bool) {
	for category, codes := range tokenCategories {
		for _, code := range codes {
			if code == itcEEP {
				return category, true
			}
		}
	}
	return "", false
}

func inCategory(itcEEP, category string) bool {
	for _, code := range tokenCategories[category] {
		if code == itcEEP {
			return true
		}
	}
	return false
}

// creditRiskWeight is the CCR risk weight for a counterparty rating.
// Unknown or missing ratings take the harshest weight.
func creditRiskWeight(rating string) *big.Float {
	switch rating {
	case "AAA", "AA":
		return Dec(0.2)
	case "A":
		return Dec(0.5)
	case "BBB":
		return Dec(0.75)
	case "BB":
		return Dec(1.0)
	default:
		return Dec(1.5)
	}
}

// defaultRiskWeight is the market DRC weight for the token issuer's rating.
func defaultRiskWeight(rating string) *big.Float {
	switch rating {
	case "AAA":
		return Dec(0.005)
	case "AA":
		return Dec(0.02)
	case "A":
		return Dec(0.03)
	case "BBB":
		return Dec(0.06)
	case "BB":
		return Dec(0.15)
	case "B":
		return Dec(0.30)
	default:
		return Dec(0.50)
	}
}
