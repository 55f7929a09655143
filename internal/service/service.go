package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"curtailment-cashflow/internal/alerting"
	"curtailment-cashflow/internal/config"
	"curtailment-cashflow/internal/elexon"
	"curtailment-cashflow/internal/metrics"
	"curtailment-cashflow/internal/scheduler"
	"curtailment-cashflow/internal/settlement"
	"curtailment-cashflow/internal/storage"
)

// Run triggers.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// Source supplies the upstream balancing data for one unit.
type Source interface {
	FetchInstructions(ctx context.Context, unit string, from, to time.Time) ([]settlement.Instruction, error)
	FetchBaseline(ctx context.Context, unit string, from, to time.Time) ([]settlement.BaselineSample, error)
	FetchPriceBands(ctx context.Context, unit string, from, to time.Time) ([]settlement.PriceBand, error)
	FetchIndicativeCashflows(ctx context.Context, unit string, from, to time.Time) ([]elexon.IndicativeCashflow, error)
}

var _ Source = (*elexon.Client)(nil)

// Reconciler turns fetched data into imbalance and cashflow results.
type Reconciler interface {
	Reconcile(ctx context.Context, in settlement.UnitInput) (settlement.UnitResult, error)
}

var _ Reconciler = (*settlement.Engine)(nil)

// Store is the persistence the service writes through. A nil Store disables persistence.
type Store interface {
	storage.ImbalanceStore
	storage.CashflowStore
	storage.RunStore
	storage.AlertStore
}

var _ Store = (*storage.Store)(nil)

// Deps groups the collaborators of a Service.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Source    Source
	Engine    Reconciler
	Store     Store
	Notifier  alerting.Notifier
	Recorder  *metrics.Recorder
}

// Service orchestrates fetching, reconciliation, persistence, and alerting.
type Service struct {
	scheduler *scheduler.Scheduler
	source    Source
	engine    Reconciler
	store     Store
	notifier  alerting.Notifier
	recorder  *metrics.Recorder
	logger    zerolog.Logger

	units       []string
	unitWorkers int
	lookback    time.Duration
	energyUnit  string
	indicative  bool
	rules       alerting.Rules
	alertsOn    bool
	retention   time.Duration
	locker      storage.AdvisoryLocker
	lockKey     int64
	now         func() time.Time
}

// UnitOutcome is the result of one unit within a window.
type UnitOutcome struct {
	Unit   string
	Result settlement.UnitResult
	Err    error
}

// WindowSummary reports a reconciliation pass over several units.
type WindowSummary struct {
	RunID    uuid.UUID
	From     time.Time
	To       time.Time
	Outcomes []UnitOutcome
}

// Failed counts units that returned an error.
func (w WindowSummary) Failed() int {
	n := 0
	for _, o := range w.Outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

// Status maps the outcomes onto a run status.
func (w WindowSummary) Status() string {
	failed := w.Failed()
	switch {
	case failed == 0:
		return storage.RunSucceeded
	case failed == len(w.Outcomes):
		return storage.RunFailed
	default:
		return storage.RunPartial
	}
}

// New constructs the reconciliation service.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Service {
	threshold := decimal.Zero
	if cfg.Alerting.CashflowThreshold > 0 {
		threshold = decimal.NewFromFloat(cfg.Alerting.CashflowThreshold)
	}

	var locker storage.AdvisoryLocker
	if l, ok := deps.Store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	workers := cfg.Reconcile.UnitWorkers
	if workers <= 0 {
		workers = 1
	}

	return &Service{
		scheduler:   deps.Scheduler,
		source:      deps.Source,
		engine:      deps.Engine,
		store:       deps.Store,
		notifier:    deps.Notifier,
		recorder:    deps.Recorder,
		logger:      logger.With().Str("component", "service").Logger(),
		units:       cfg.Reconcile.Units,
		unitWorkers: workers,
		lookback:    cfg.Reconcile.Lookback,
		energyUnit:  cfg.Reconcile.EnergyUnit,
		indicative:  cfg.Reconcile.Indicative,
		rules: alerting.Rules{
			CashflowThreshold: threshold,
			AlertUnpriced:     cfg.Alerting.AlertUnpriced,
			Channels:          cfg.Alerting.Channels,
		},
		alertsOn:  cfg.Alerting.Enabled,
		retention: cfg.Alerting.Retention,
		locker:    locker,
		lockKey:   cfg.Scheduler.AdvisoryLockKey,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run begins the aligned reconciliation loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessWindow)
}

// ProcessWindow reconciles the lookback window ending at bucket for every configured unit.
func (s *Service) ProcessWindow(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	to := bucket.UTC()
	from := to.Add(-s.lookback)
	summary, err := s.ReconcileWindow(ctx, TriggerScheduled, s.units, from, to)
	if err != nil {
		return err
	}
	s.recorder.WindowCompleted(to)
	s.pruneAlerts(ctx)

	if failed := summary.Failed(); failed > 0 {
		return fmt.Errorf("%d of %d units failed", failed, len(summary.Outcomes))
	}
	return nil
}

// ReconcileWindow processes units over [from, to) with bounded parallelism and
// records the pass as a run. A failing unit does not stop the others.
func (s *Service) ReconcileWindow(ctx context.Context, trigger string, units []string, from, to time.Time) (WindowSummary, error) {
	summary := WindowSummary{From: from, To: to}
	if len(units) == 0 {
		return summary, errors.New("no units configured")
	}
	if !from.Before(to) {
		return summary, fmt.Errorf("empty window %s..%s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	if s.store != nil {
		run, err := s.store.CreateRun(ctx, storage.Run{
			Trigger:    trigger,
			WindowFrom: from,
			WindowTo:   to,
			Units:      units,
			Status:     storage.RunRunning,
			StartedAt:  s.now(),
		})
		if err != nil {
			return summary, fmt.Errorf("create run: %w", err)
		}
		summary.RunID = run.ID
	}

	summary.Outcomes = make([]UnitOutcome, len(units))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.unitWorkers)
	for i, unit := range units {
		g.Go(func() error {
			res, err := s.processUnit(gctx, summary.RunID, unit, from, to)
			if err != nil {
				s.logger.Error().Err(err).Str("unit", unit).Msg("unit reconciliation failed")
			}
			summary.Outcomes[i] = UnitOutcome{Unit: unit, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	if s.store != nil {
		var errMsg *string
		if summary.Failed() > 0 {
			msg := joinErrors(summary.Outcomes)
			errMsg = &msg
		}
		// the run row is closed even when ctx was cancelled mid-pass
		if err := s.store.FinishRun(context.WithoutCancel(ctx), summary.RunID, summary.Status(), errMsg); err != nil {
			s.logger.Error().Err(err).Str("run_id", summary.RunID.String()).Msg("failed to finish run")
		}
	}

	s.logger.Info().
		Time("from", from).
		Time("to", to).
		Int("units", len(units)).
		Int("failed", summary.Failed()).
		Str("status", summary.Status()).
		Msg("window reconciled")
	return summary, ctx.Err()
}

// ProcessUnit fetches, reconciles, persists and alerts for one unit over [from, to).
func (s *Service) ProcessUnit(ctx context.Context, unit string, from, to time.Time) (settlement.UnitResult, error) {
	return s.processUnit(ctx, uuid.Nil, unit, from, to)
}

func (s *Service) processUnit(ctx context.Context, runID uuid.UUID, unit string, from, to time.Time) (settlement.UnitResult, error) {
	started := time.Now()
	log := s.logger.With().Str("unit", unit).Logger()

	in := settlement.UnitInput{Unit: unit, From: from, To: to}
	var indicative []elexon.IndicativeCashflow

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		in.Instructions, err = s.source.FetchInstructions(gctx, unit, from, to)
		if err != nil {
			return fmt.Errorf("fetch instructions: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		in.Baseline, err = s.source.FetchBaseline(gctx, unit, from, to)
		if err != nil {
			return fmt.Errorf("fetch baseline: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		in.Bands, err = s.source.FetchPriceBands(gctx, unit, from, to)
		if err != nil {
			return fmt.Errorf("fetch price bands: %w", err)
		}
		return nil
	})
	if s.indicative {
		g.Go(func() error {
			var err error
			indicative, err = s.source.FetchIndicativeCashflows(gctx, unit, from, to)
			if err != nil {
				// validation data only
				log.Warn().Err(err).Msg("indicative cashflows unavailable")
				indicative = nil
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return settlement.UnitResult{Unit: unit}, err
	}

	result, err := s.engine.Reconcile(ctx, in)
	if err != nil {
		return result, fmt.Errorf("reconcile %s: %w", unit, err)
	}

	s.recorder.PeriodsPriced(unit, len(result.Pricing.Cashflows), len(result.Pricing.Skipped))
	s.recorder.ObserveReconcile(unit, time.Since(started))

	if err := s.persist(ctx, runID, result, indicative); err != nil {
		return result, err
	}

	s.dispatchAlerts(ctx, unit, result.Pricing)
	return result, nil
}

func (s *Service) persist(ctx context.Context, runID uuid.UUID, result settlement.UnitResult, indicative []elexon.IndicativeCashflow) error {
	if s.store == nil {
		return nil
	}

	rows := imbalanceRows(result.Unit, storage.VariantTotal, s.energyUnit, runID, result.Imbalance)
	rows = append(rows, imbalanceRows(result.Unit, storage.VariantSOOnly, s.energyUnit, runID, result.SOImbalance)...)
	if err := s.store.UpsertImbalance(ctx, rows); err != nil {
		return fmt.Errorf("persist imbalance: %w", err)
	}

	if err := s.store.UpsertCashflows(ctx, cashflowRows(result.Unit, runID, result.Pricing.Cashflows, s.now())); err != nil {
		return fmt.Errorf("persist cashflows: %w", err)
	}

	if len(result.Pricing.Skipped) > 0 {
		skipped := make([]storage.SkippedPeriodRow, 0, len(result.Pricing.Skipped))
		for _, f := range result.Pricing.Skipped {
			skipped = append(skipped, storage.SkippedPeriodRow{
				Unit:             result.Unit,
				SettlementDate:   f.Period.Date,
				SettlementPeriod: f.Period.Period,
				Reason:           f.Err.Error(),
				RunID:            runID,
			})
		}
		if err := s.store.UpsertSkippedPeriods(ctx, skipped); err != nil {
			return fmt.Errorf("persist skipped periods: %w", err)
		}
	}

	if len(indicative) > 0 {
		published := make([]storage.IndicativeRow, 0, len(indicative))
		for _, ic := range indicative {
			published = append(published, storage.IndicativeRow{
				Unit:             ic.Unit,
				SettlementDate:   ic.Period.Date,
				SettlementPeriod: ic.Period.Period,
				Total:            ic.Total,
			})
		}
		if err := s.store.UpsertIndicative(ctx, published); err != nil {
			return fmt.Errorf("persist indicative cashflows: %w", err)
		}
	}
	return nil
}

func imbalanceRows(unit, variant, energyUnit string, runID uuid.UUID, records []settlement.ImbalanceRecord) []storage.ImbalanceRow {
	rows := make([]storage.ImbalanceRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, storage.ImbalanceRow{
			Unit:             unit,
			Variant:          variant,
			BucketStart:      r.Start,
			SettlementDate:   r.Period.Date,
			SettlementPeriod: r.Period.Period,
			Baseline:         r.BaselineEnergy,
			Curtailment:      r.CurtailmentEnergy,
			Surplus:          r.SurplusEnergy,
			Total:            r.TotalEnergy,
			EnergyUnit:       energyUnit,
			RunID:            runID,
		})
	}
	return rows
}

func cashflowRows(unit string, runID uuid.UUID, results []settlement.CashflowResult, now time.Time) []storage.CashflowRow {
	rows := make([]storage.CashflowRow, 0, len(results))
	for _, cf := range results {
		rows = append(rows, storage.CashflowRow{
			Unit:             unit,
			SettlementDate:   cf.Period.Date,
			SettlementPeriod: cf.Period.Period,
			Shortfall:        cf.Shortfall,
			Surplus:          cf.Surplus,
			RunID:            runID,
			UpdatedAt:        now,
		})
	}
	return rows
}

func (s *Service) dispatchAlerts(ctx context.Context, unit string, pricing settlement.PricingResult) {
	if !s.alertsOn || s.notifier == nil {
		return
	}

	for _, note := range s.rules.Evaluate(unit, pricing) {
		log := s.logger.With().
			Str("unit", unit).
			Str("settlement_date", note.Period.Date).
			Int("settlement_period", note.Period.Period).
			Str("kind", note.Kind).
			Logger()

		if s.store != nil {
			_, inserted, err := s.store.InsertAlert(ctx, storage.AlertRecord{
				Unit:             unit,
				SettlementDate:   note.Period.Date,
				SettlementPeriod: note.Period.Period,
				Kind:             note.Kind,
				Value:            note.Value(),
				Threshold:        note.Threshold,
				Channels:         note.Channels,
			})
			if err != nil {
				log.Error().Err(err).Msg("failed to persist alert record")
			} else if !inserted {
				log.Debug().Msg("alert already sent for period")
				continue
			}
		}

		if err := s.notifier.Notify(ctx, note); err != nil {
			log.Error().Err(err).Msg("failed to dispatch alert")
			continue
		}
		s.recorder.AlertSent(note.Kind)
	}
}

func (s *Service) pruneAlerts(ctx context.Context) {
	if s.store == nil || s.retention <= 0 {
		return
	}
	if err := s.store.DeleteAlertsBefore(ctx, s.now().Add(-s.retention)); err != nil {
		s.logger.Warn().Err(err).Msg("failed to prune alert history")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func joinErrors(outcomes []UnitOutcome) string {
	var parts []string
	for _, o := range outcomes {
		if o.Err != nil {
			parts = append(parts, fmt.Sprintf("%s: %v", o.Unit, o.Err))
		}
	}
	return strings.Join(parts, "; ")
}
