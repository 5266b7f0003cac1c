package query

import (
	"PrivateMarkets/internal/market"

	"github.com/shopspring/decimal"
)

var priceScale = decimal.NewFromInt(int64(market.PriceScale))

// Price converts a scale-1000 price to a decimal fraction (650 -> 0.65).
func Price(scaled uint64) decimal.Decimal {
	return decimal.NewFromInt(int64(scaled)).Div(priceScale)
}

// ImpliedPrices are the CFMM prices of YES and NO for the given reserves.
// Empty reserves price both sides at zero.
func ImpliedPrices(yes, no int64) (yesPrice, noPrice decimal.Decimal) {
	total := decimal.NewFromInt(yes).Add(decimal.NewFromInt(no))
	if total.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	yesPrice = decimal.NewFromInt(no).Div(total).Truncate(3)
	noPrice = decimal.NewFromInt(yes).Div(total).Truncate(3)
	return yesPrice, noPrice
}
