package settlement

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// EngineOptions parameterise reconciliation.
type EngineOptions struct {
	// PeriodLength is the settlement period used for pricing.
	PeriodLength time.Duration
	// ReportInterval is the bucket size of the reported imbalance records.
	// Zero means PeriodLength.
	ReportInterval time.Duration
	Unit           EnergyUnit
	// Workers bounds concurrent period pricing. Values below 2 price sequentially.
	Workers int
	// SOOnly additionally reconciles SO-flagged instructions on their own.
	SOOnly bool
}

// Engine runs the reconciliation pipeline for one unit at a time.
type Engine struct {
	opts   EngineOptions
	logger zerolog.Logger
}

// NewEngine constructs an Engine.
func NewEngine(opts EngineOptions, logger zerolog.Logger) (*Engine, error) {
	if opts.PeriodLength <= 0 {
		return nil, fmt.Errorf("settlement period length must be positive")
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = opts.PeriodLength
	}
	if _, err := opts.Unit.Multiplier(); err != nil {
		return nil, err
	}
	return &Engine{opts: opts, logger: logger.With().Str("component", "settlement_engine").Logger()}, nil
}

// PeriodFailure records a period that could not be priced.
type PeriodFailure struct {
	Period PeriodKey
	Err    error
}

// PricingResult holds the priced periods and those that were skipped.
// A period missing from Cashflows could not be priced; it is not a zero cashflow.
type PricingResult struct {
	Cashflows []CashflowResult
	Skipped   []PeriodFailure
}

// Totals sums the priced periods.
func (p PricingResult) Totals() (shortfall, surplus decimal.Decimal) {
	for _, cf := range p.Cashflows {
		shortfall = shortfall.Add(cf.Shortfall)
		surplus = surplus.Add(cf.Surplus)
	}
	return shortfall, surplus
}

type periodGroup struct {
	key PeriodKey
	// records are the buckets carrying this label, each priced on its own.
	records []ImbalanceRecord
	bands   []PriceBand
}

// PricePeriods prices every period that has both an imbalance record and declared
// bands. Each period is priced in isolation: a failure is logged with the period
// and reported in Skipped without affecting the others. Records sharing a period
// label are integrated separately against the ladder and their cashflows summed.
func (e *Engine) PricePeriods(ctx context.Context, records []ImbalanceRecord, bands []PriceBand) PricingResult {
	groups, unpriced := groupPeriods(records, bands)
	for _, key := range unpriced {
		e.logger.Debug().
			Str("settlement_date", key.Date).
			Int("settlement_period", key.Period).
			Msg("period has imbalance but no declared bands; not priced")
	}

	cashflows := make([]*CashflowResult, len(groups))
	failures := make([]error, len(groups))

	g, gctx := errgroup.WithContext(ctx)
	if e.opts.Workers > 1 {
		g.SetLimit(e.opts.Workers)
	} else {
		g.SetLimit(1)
	}
	for i, group := range groups {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				failures[i] = err
				return nil
			}
			res, err := e.priceGroup(group)
			if err != nil {
				failures[i] = err
				return nil
			}
			cashflows[i] = &res
			return nil
		})
	}
	_ = g.Wait()

	var out PricingResult
	for i, group := range groups {
		if failures[i] != nil {
			e.logger.Error().Err(failures[i]).
				Str("settlement_date", group.key.Date).
				Int("settlement_period", group.key.Period).
				Msg("period could not be priced")
			out.Skipped = append(out.Skipped, PeriodFailure{Period: group.key, Err: failures[i]})
			continue
		}
		out.Cashflows = append(out.Cashflows, *cashflows[i])
	}
	return out
}

func (e *Engine) priceGroup(group periodGroup) (res CashflowResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pricing period %s panicked: %v", group.key, r)
		}
	}()
	res = CashflowResult{Period: group.key, Shortfall: decimal.Zero, Surplus: decimal.Zero}
	for _, r := range group.records {
		part, err := PricePeriod(group.key, group.bands, r.CurtailmentEnergy, r.SurplusEnergy)
		if err != nil {
			return CashflowResult{}, err
		}
		res.Shortfall = res.Shortfall.Add(part.Shortfall)
		res.Surplus = res.Surplus.Add(part.Surplus)
	}
	return res, nil
}

// groupPeriods inner-joins records and bands on the period label. It also
// returns the labels that carry energy but have no bands.
func groupPeriods(records []ImbalanceRecord, bands []PriceBand) ([]periodGroup, []PeriodKey) {
	byKey := make(map[PeriodKey]*periodGroup)
	for _, r := range records {
		g, ok := byKey[r.Period]
		if !ok {
			g = &periodGroup{key: r.Period}
			byKey[r.Period] = g
		}
		g.records = append(g.records, r)
	}
	for _, b := range bands {
		if g, ok := byKey[b.Period]; ok {
			g.bands = append(g.bands, b)
		}
	}

	groups := make([]periodGroup, 0, len(byKey))
	var unpriced []PeriodKey
	for _, g := range byKey {
		if len(g.bands) == 0 {
			for _, r := range g.records {
				if r.CurtailmentEnergy != 0 || r.SurplusEnergy != 0 {
					unpriced = append(unpriced, g.key)
					break
				}
			}
			continue
		}
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].key.Less(groups[j].key)
	})
	sort.Slice(unpriced, func(i, j int) bool {
		return unpriced[i].Less(unpriced[j])
	})
	return groups, unpriced
}

// UnitInput is everything fetched for one unit over one window.
type UnitInput struct {
	Unit         string
	From         time.Time
	To           time.Time
	Instructions []Instruction
	Baseline     []BaselineSample
	Bands        []PriceBand
}

// UnitResult is the outcome of reconciling one unit.
type UnitResult struct {
	Unit string
	// Imbalance is reported at ReportInterval.
	Imbalance []ImbalanceRecord
	// SOImbalance covers SO-flagged instructions only; nil when disabled or none exist.
	SOImbalance []ImbalanceRecord
	Pricing     PricingResult
	Totals      ImbalanceRecord
	Rejected    []error
}

// Reconcile resolves, resamples, aggregates and prices one unit. Missing
// instructions or baseline data produce an empty or all-baseline result rather
// than an error.
func (e *Engine) Reconcile(ctx context.Context, in UnitInput) (UnitResult, error) {
	result := UnitResult{Unit: in.Unit}
	log := e.logger.With().Str("unit", in.Unit).Logger()

	baseline, rejected := ResampleBaseline(in.Baseline, in.From, in.To)
	result.Rejected = append(result.Rejected, rejected...)

	resolved, rejected := ResolveInstructions(in.Instructions)
	result.Rejected = append(result.Rejected, rejected...)

	for _, err := range result.Rejected {
		log.Warn().Err(err).Msg("rejected malformed record")
	}

	if len(baseline) == 0 {
		log.Info().Msg("no baseline data in window; nothing to reconcile")
		return result, nil
	}

	// prices are per MWh, so pricing always aggregates in MWh
	perPeriod, err := AggregateImbalance(resolved, baseline, AggregateOptions{Interval: e.opts.PeriodLength, Unit: MWh})
	if err != nil {
		return result, fmt.Errorf("aggregate settlement periods: %w", err)
	}

	result.Imbalance = perPeriod
	if e.opts.ReportInterval != e.opts.PeriodLength || e.opts.Unit.normalized() != MWh {
		result.Imbalance, err = AggregateImbalance(resolved, baseline, AggregateOptions{Interval: e.opts.ReportInterval, Unit: e.opts.Unit})
		if err != nil {
			return result, fmt.Errorf("aggregate report interval: %w", err)
		}
	}
	result.Totals = Totals(result.Imbalance)

	if e.opts.SOOnly {
		soOnly := make([]Instruction, 0, len(in.Instructions))
		for _, ins := range in.Instructions {
			if ins.SOFlag {
				soOnly = append(soOnly, ins)
			}
		}
		if len(soOnly) > 0 {
			soResolved, _ := ResolveInstructions(soOnly)
			result.SOImbalance, err = AggregateImbalance(soResolved, baseline, AggregateOptions{Interval: e.opts.ReportInterval, Unit: e.opts.Unit})
			if err != nil {
				return result, fmt.Errorf("aggregate so-only: %w", err)
			}
		}
	}

	result.Pricing = e.PricePeriods(ctx, perPeriod, in.Bands)

	log.Info().
		Float64("curtailment", result.Totals.CurtailmentEnergy).
		Float64("extra", result.Totals.SurplusEnergy).
		Float64("generated", result.Totals.TotalEnergy).
		Int("priced_periods", len(result.Pricing.Cashflows)).
		Int("skipped_periods", len(result.Pricing.Skipped)).
		Msg("unit reconciled")
	return result, nil
}
