// Package fees models per-marketplace trading costs for net-profit
// estimates: a percentage commission per venue plus flat chain gas.
package fees

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// defaultTable holds known marketplace commission percentages. Venues
// not listed fall back to the configured default.
var defaultTable = map[string]decimal.Decimal{
	"Fragment": decimal.RequireFromString("5.0"),
	"GetGems":  decimal.RequireFromString("5.0"),
	"Portals":  decimal.RequireFromString("5.0"),
	"MRKT":     decimal.RequireFromString("5.0"),
	"Tonnel":   decimal.RequireFromString("6.0"),
}

// Calculator computes buy-side and sell-side costs for a trade.
type Calculator struct {
	table      map[string]decimal.Decimal
	defaultPct decimal.Decimal
	gas        decimal.Decimal
}

// NewCalculator builds a calculator. defaultPct is the commission used
// for venues missing from the table; gas is the flat per-transfer cost.
// overrides replace or extend the built-in per-venue table, so a venue
// that changes its commission needs a config edit, not a release.
func NewCalculator(defaultPct, gas decimal.Decimal, overrides map[string]decimal.Decimal) *Calculator {
	table := make(map[string]decimal.Decimal, len(defaultTable)+len(overrides))
	for k, v := range defaultTable {
		table[k] = v
	}
	for k, v := range overrides {
		table[k] = v
	}
	return &Calculator{table: table, defaultPct: defaultPct, gas: gas}
}

// Percent returns the commission percentage for a venue.
func (c *Calculator) Percent(marketplace string) decimal.Decimal {
	if pct, ok := c.table[marketplace]; ok {
		return pct
	}
	return c.defaultPct
}

// BuyFees returns the total cost of acquiring at price on a venue.
func (c *Calculator) BuyFees(price decimal.Decimal, marketplace string) decimal.Decimal {
	return price.Mul(c.Percent(marketplace)).Div(hundred).Add(c.gas)
}

// SellFees returns the total cost of selling at price on a venue.
func (c *Calculator) SellFees(price decimal.Decimal, marketplace string) decimal.Decimal {
	return price.Mul(c.Percent(marketplace)).Div(hundred).Add(c.gas)
}

// NetProfit is the spread after both venues' commissions and gas.
func (c *Calculator) NetProfit(buyPrice, sellPrice decimal.Decimal, buySource, sellSource string) decimal.Decimal {
	gross := sellPrice.Sub(buyPrice)
	return gross.Sub(c.BuyFees(buyPrice, buySource)).Sub(c.SellFees(sellPrice, sellSource))
}
