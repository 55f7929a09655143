package settlement

import (
	"github.com/shopspring/decimal"
)

// IntegrateCashflow prices the ladder's curtailment and surplus energy tier by tier.
//
// Curtailment c (<= 0) is integrated over [c, 0] with each tier's shortfall price,
// surplus s (>= 0) over [0, s] with each tier's surplus price, so the first units
// away from zero are priced at the innermost tier, the next ones at the tier after
// it, and so on. A direction whose energy is exactly zero returns zero without
// reading the ladder. Energy beyond the outermost tier is left unpriced.
func IntegrateCashflow(l Ladder) (shortfall, surplus decimal.Decimal, err error) {
	shortfall, surplus = decimal.Zero, decimal.Zero

	if l.Curtailment != 0 {
		if len(l.Tiers) == 0 {
			return decimal.Zero, decimal.Zero, ErrEmptyLadder
		}
		for _, t := range l.Tiers {
			portion := overlap(l.Curtailment, 0, t.From, t.To)
			if portion == 0 {
				continue
			}
			shortfall = shortfall.Add(decimal.NewFromFloat(-portion).Mul(t.Shortfall))
		}
	}

	if l.Surplus != 0 {
		if len(l.Tiers) == 0 {
			return decimal.Zero, decimal.Zero, ErrEmptyLadder
		}
		for _, t := range l.Tiers {
			portion := overlap(0, l.Surplus, t.From, t.To)
			if portion == 0 {
				continue
			}
			surplus = surplus.Add(decimal.NewFromFloat(portion).Mul(t.Surplus))
		}
	}

	return shortfall, surplus, nil
}

// overlap returns the length of [lo, hi] ∩ [from, to], or 0 when they are disjoint.
func overlap(lo, hi, from, to float64) float64 {
	upper := min(hi, to)
	lower := max(lo, from)
	if upper <= lower {
		return 0
	}
	return upper - lower
}

// PricePeriod builds the ladder for one period and integrates it.
func PricePeriod(key PeriodKey, bands []PriceBand, curtailment, surplus float64) (CashflowResult, error) {
	result := CashflowResult{Period: key, Shortfall: decimal.Zero, Surplus: decimal.Zero}
	if curtailment == 0 && surplus == 0 {
		return result, nil
	}

	ladder, err := BuildLadder(bands, curtailment, surplus)
	if err != nil {
		return CashflowResult{}, err
	}
	result.Shortfall, result.Surplus, err = IntegrateCashflow(ladder)
	if err != nil {
		return CashflowResult{}, err
	}
	return result, nil
}
