package elexon

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"curtailment-cashflow/internal/settlement"
)

const (
	endpointAcceptances = "acceptances"
	endpointPhysical    = "physical"
	endpointBidOffer    = "bid-offer"
	endpointIndicative  = "indicative-cashflows"
)

type acceptanceRecord struct {
	AcceptanceNumber int64   `json:"acceptanceNumber"`
	AcceptanceTime   string  `json:"acceptanceTime"`
	TimeFrom         string  `json:"timeFrom"`
	TimeTo           string  `json:"timeTo"`
	LevelFrom        float64 `json:"levelFrom"`
	LevelTo          float64 `json:"levelTo"`
	SOFlag           bool    `json:"soFlag"`
}

type physicalRecord struct {
	TimeFrom         string  `json:"timeFrom"`
	TimeTo           string  `json:"timeTo"`
	LevelFrom        float64 `json:"levelFrom"`
	LevelTo          float64 `json:"levelTo"`
	SettlementDate   string  `json:"settlementDate"`
	SettlementPeriod int     `json:"settlementPeriod"`
}

type bidOfferRecord struct {
	SettlementDate   string          `json:"settlementDate"`
	SettlementPeriod int             `json:"settlementPeriod"`
	LevelFrom        float64         `json:"levelFrom"`
	LevelTo          float64         `json:"levelTo"`
	Bid              decimal.Decimal `json:"bid"`
	Offer            decimal.Decimal `json:"offer"`
	PairID           int             `json:"pairId"`
	TimeFrom         string          `json:"timeFrom"`
}

type indicativeRecord struct {
	SettlementDate   string          `json:"settlementDate"`
	SettlementPeriod int             `json:"settlementPeriod"`
	BMUnit           string          `json:"bmUnit"`
	TotalCashflow    decimal.Decimal `json:"totalCashflow"`
}

// IndicativeCashflow is the operator's published bid cashflow for one unit and period.
type IndicativeCashflow struct {
	Unit   string
	Period settlement.PeriodKey
	Total  decimal.Decimal
}

func windowQuery(unit string, from, to time.Time) url.Values {
	q := url.Values{}
	q.Set("bmUnit", unit)
	q.Set("from", from.UTC().Format(timeLayout))
	q.Set("to", to.UTC().Format(timeLayout))
	return q
}

func parseTime(field, v string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s %q: %w", field, v, err)
	}
	return ts.UTC(), nil
}

// FetchInstructions returns the accepted dispatch instructions of unit over [from, to].
func (c *Client) FetchInstructions(ctx context.Context, unit string, from, to time.Time) ([]settlement.Instruction, error) {
	return fetchChunked(ctx, c, endpointAcceptances, from, to,
		func(ctx context.Context, from, to time.Time) ([]settlement.Instruction, error) {
			q := windowQuery(unit, from, to)
			q.Set("format", "json")
			rows, err := getData[acceptanceRecord](ctx, c, endpointAcceptances, "/balancing/acceptances", q)
			if err != nil {
				return nil, err
			}
			out := make([]settlement.Instruction, 0, len(rows))
			for _, r := range rows {
				ins, err := r.instruction()
				if err != nil {
					return nil, err
				}
				out = append(out, ins)
			}
			return out, nil
		},
		func(ins settlement.Instruction) time.Time { return ins.TimeFrom },
	)
}

func (r acceptanceRecord) instruction() (settlement.Instruction, error) {
	issued, err := parseTime("acceptanceTime", r.AcceptanceTime)
	if err != nil {
		return settlement.Instruction{}, err
	}
	from, err := parseTime("timeFrom", r.TimeFrom)
	if err != nil {
		return settlement.Instruction{}, err
	}
	to, err := parseTime("timeTo", r.TimeTo)
	if err != nil {
		return settlement.Instruction{}, err
	}
	return settlement.Instruction{
		SequenceID: r.AcceptanceNumber,
		IssuedAt:   issued,
		TimeFrom:   from,
		TimeTo:     to,
		LevelFrom:  r.LevelFrom,
		LevelTo:    r.LevelTo,
		SOFlag:     r.SOFlag,
	}, nil
}

// FetchBaseline returns the physical notifications of unit over [from, to].
func (c *Client) FetchBaseline(ctx context.Context, unit string, from, to time.Time) ([]settlement.BaselineSample, error) {
	return fetchChunked(ctx, c, endpointPhysical, from, to,
		func(ctx context.Context, from, to time.Time) ([]settlement.BaselineSample, error) {
			q := windowQuery(unit, from, to)
			q.Set("dataset", "PN")
			rows, err := getData[physicalRecord](ctx, c, endpointPhysical, "/balancing/physical", q)
			if err != nil {
				return nil, err
			}
			out := make([]settlement.BaselineSample, 0, len(rows))
			for _, r := range rows {
				tf, err := parseTime("timeFrom", r.TimeFrom)
				if err != nil {
					return nil, err
				}
				sample := settlement.BaselineSample{
					TimeFrom: tf,
					Level:    r.LevelFrom,
					Period:   settlement.PeriodKey{Date: r.SettlementDate, Period: r.SettlementPeriod},
				}
				if r.TimeTo != "" {
					if sample.TimeTo, err = parseTime("timeTo", r.TimeTo); err != nil {
						return nil, err
					}
				}
				out = append(out, sample)
			}
			return out, nil
		},
		func(s settlement.BaselineSample) time.Time { return s.TimeFrom },
	)
}

// FetchPriceBands returns the declared bid-offer pairs of unit over [from, to].
func (c *Client) FetchPriceBands(ctx context.Context, unit string, from, to time.Time) ([]settlement.PriceBand, error) {
	type timedBand struct {
		at   time.Time
		band settlement.PriceBand
	}
	rows, err := fetchChunked(ctx, c, endpointBidOffer, from, to,
		func(ctx context.Context, from, to time.Time) ([]timedBand, error) {
			rows, err := getData[bidOfferRecord](ctx, c, endpointBidOffer, "/balancing/bid-offer", windowQuery(unit, from, to))
			if err != nil {
				return nil, err
			}
			out := make([]timedBand, 0, len(rows))
			for _, r := range rows {
				var at time.Time
				if r.TimeFrom != "" {
					if at, err = parseTime("timeFrom", r.TimeFrom); err != nil {
						return nil, err
					}
				}
				out = append(out, timedBand{at: at, band: settlement.PriceBand{
					Period:    settlement.PeriodKey{Date: r.SettlementDate, Period: r.SettlementPeriod},
					LevelFrom: r.LevelFrom,
					LevelTo:   r.LevelTo,
					Shortfall: r.Bid,
					Surplus:   r.Offer,
					TierID:    r.PairID,
				}})
			}
			return out, nil
		},
		func(b timedBand) time.Time { return b.at },
	)
	if err != nil {
		return nil, err
	}
	bands := make([]settlement.PriceBand, len(rows))
	for i, r := range rows {
		bands[i] = r.band
	}
	return bands, nil
}

// FetchIndicativeCashflows returns the published bid cashflows of unit for every
// settlement date touched by [from, to]. Days that fail are logged and skipped.
func (c *Client) FetchIndicativeCashflows(ctx context.Context, unit string, from, to time.Time) ([]IndicativeCashflow, error) {
	var days []window
	for d := from.UTC().Truncate(24 * time.Hour); !d.After(to.UTC()); d = d.Add(24 * time.Hour) {
		days = append(days, window{from: d, to: d.Add(24 * time.Hour)})
	}

	rows, err := fetchWindows(ctx, c, endpointIndicative, days,
		func(ctx context.Context, day, _ time.Time) ([]IndicativeCashflow, error) {
			q := url.Values{}
			q.Set("bmUnit", unit)
			q.Set("format", "json")
			path := "/balancing/settlement/indicative/cashflows/all/bid/" + day.Format(time.DateOnly)
			rows, err := getData[indicativeRecord](ctx, c, endpointIndicative, path, q)
			if err != nil {
				return nil, err
			}
			out := make([]IndicativeCashflow, 0, len(rows))
			for _, r := range rows {
				if r.BMUnit != "" && r.BMUnit != unit {
					continue
				}
				out = append(out, IndicativeCashflow{
					Unit:   unit,
					Period: settlement.PeriodKey{Date: r.SettlementDate, Period: r.SettlementPeriod},
					Total:  r.TotalCashflow,
				})
			}
			return out, nil
		},
		func(IndicativeCashflow) time.Time { return time.Time{} },
	)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Period.Less(rows[j].Period)
	})
	return rows, nil
}
