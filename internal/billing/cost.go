package billing

import (
	"github.com/router-for-me/CLIProxyAPIMetering/internal/errs"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/models"
	"github.com/shopspring/decimal"
)

// Units are the usage facts of one call.
type Units struct {
	Input       int64 `json:"input_units"`
	Output      int64 `json:"output_units"`
	CachedInput int64 `json:"cached_input_units"`
}

// MaxUnitCount bounds each unit count so Total cannot overflow.
const MaxUnitCount int64 = 1 << 40

// Validate rejects negative or oversized counts and cached units above input.
func (u Units) Validate() error {
	if u.Input < 0 || u.Output < 0 || u.CachedInput < 0 {
		return errs.Invalidf("unit counts must be non-negative")
	}
	if u.Input > MaxUnitCount || u.Output > MaxUnitCount || u.CachedInput > MaxUnitCount {
		return errs.Invalidf("unit counts must not exceed %d", MaxUnitCount)
	}
	if u.CachedInput > u.Input {
		return errs.Invalidf("cached input units %d exceed input units %d", u.CachedInput, u.Input)
	}
	return nil
}

// Total returns input plus output units.
func (u Units) Total() int64 {
	return u.Input + u.Output
}

// Estimate returns the amount to freeze before the call runs, and the units the
// estimate assumed.
//
// Per-call rules cost the call price. Per-token rules use the rule cap split
// evenly between input and output when set, otherwise the caller estimate,
// otherwise minUnits priced at the higher of the two unit prices.
func Estimate(rule *models.PriceRule, estimate *Units, minUnits int64) (decimal.Decimal, Units) {
	if rule == nil {
		return decimal.Zero, Units{}
	}
	if rule.PricingMode == models.PricingPerCall {
		return rule.CallPrice, Units{}
	}
	if rule.MaxUnits != nil && *rule.MaxUnits > 0 {
		in := *rule.MaxUnits / 2
		units := Units{Input: in, Output: *rule.MaxUnits - in}
		return tokenCost(rule, units), units
	}
	if estimate != nil && estimate.Total() > 0 {
		return tokenCost(rule, *estimate), *estimate
	}
	if minUnits <= 0 {
		minUnits = 1
	}
	price := decimal.Max(rule.InputUnitPrice, rule.OutputUnitPrice)
	return price.Mul(decimal.NewFromInt(minUnits)), Units{Input: minUnits}
}

// Settle returns the actual cost of a completed call.
func Settle(rule *models.PriceRule, units Units) decimal.Decimal {
	if rule == nil {
		return decimal.Zero
	}
	if rule.PricingMode == models.PricingPerCall {
		return rule.CallPrice
	}
	return tokenCost(rule, units)
}

// tokenCost bills cached input separately: cached units are part of the
// reported input, so billable input excludes them.
func tokenCost(rule *models.PriceRule, units Units) decimal.Decimal {
	cached := units.CachedInput
	if cached < 0 {
		cached = 0
	}
	billableInput := units.Input - cached
	if billableInput < 0 {
		billableInput = 0
		cached = units.Input
	}
	cachedPrice := rule.InputUnitPrice
	if rule.CachedInputUnitPrice.Valid {
		cachedPrice = rule.CachedInputUnitPrice.Decimal
	}
	cost := rule.InputUnitPrice.Mul(decimal.NewFromInt(billableInput))
	cost = cost.Add(cachedPrice.Mul(decimal.NewFromInt(cached)))
	cost = cost.Add(rule.OutputUnitPrice.Mul(decimal.NewFromInt(units.Output)))
	return cost
}
