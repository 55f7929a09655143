package alerting

import (
	"github.com/shopspring/decimal"

	"curtailment-cashflow/internal/settlement"
)

// Rules decide which priced or skipped periods deserve a notification.
type Rules struct {
	// CashflowThreshold fires when |curtailment cashflow| exceeds it. Zero disables the rule.
	CashflowThreshold decimal.Decimal
	AlertUnpriced     bool
	Channels          []string
}

// Evaluate returns the notifications for one unit's pricing result, in period order.
func (r Rules) Evaluate(unit string, result settlement.PricingResult) []Notification {
	var out []Notification
	if r.CashflowThreshold.IsPositive() {
		for _, cf := range result.Cashflows {
			if cf.Shortfall.Abs().GreaterThan(r.CashflowThreshold) {
				out = append(out, Notification{
					Unit:      unit,
					Period:    cf.Period,
					Kind:      KindThreshold,
					Shortfall: cf.Shortfall,
					Surplus:   cf.Surplus,
					Threshold: r.CashflowThreshold,
					Channels:  r.Channels,
				})
			}
		}
	}
	if r.AlertUnpriced {
		for _, f := range result.Skipped {
			reason := ""
			if f.Err != nil {
				reason = f.Err.Error()
			}
			out = append(out, Notification{
				Unit:     unit,
				Period:   f.Period,
				Kind:     KindUnpriced,
				Reason:   reason,
				Channels: r.Channels,
			})
		}
	}
	return out
}
