package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"curtailment-cashflow/internal/alerting"
	"curtailment-cashflow/internal/cache"
	"curtailment-cashflow/internal/config"
	"curtailment-cashflow/internal/elexon"
	"curtailment-cashflow/internal/metrics"
	"curtailment-cashflow/internal/scheduler"
	"curtailment-cashflow/internal/service"
	"curtailment-cashflow/internal/settlement"
	"curtailment-cashflow/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newClient(recorder *metrics.Recorder) *elexon.Client {
	cfg := a.Config.Elexon
	opts := elexon.Options{
		BaseURL:           cfg.BaseURL,
		Timeout:           cfg.RequestTimeout,
		UserAgent:         cfg.UserAgent,
		MaxSpan:           cfg.MaxSpan,
		ChunkSpan:         cfg.ChunkSpan,
		MaxConcurrent:     cfg.MaxConcurrent,
		MaxRetries:        cfg.MaxRetries,
		BaseDelay:         cfg.BaseDelay,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		Cache:             cache.NewLRU[[]byte](cfg.CacheSize, cfg.CacheTTL),
	}
	if recorder != nil {
		opts.Observer = recorder
	}
	return elexon.NewClient(opts, a.Logger)
}

func (a *App) newEngine() (*settlement.Engine, error) {
	return settlement.NewEngine(settlement.EngineOptions{
		PeriodLength:   a.Config.Reconcile.SettlementPeriod,
		ReportInterval: a.Config.ReportInterval(),
		Unit:           settlement.EnergyUnit(a.Config.Reconcile.EnergyUnit),
		Workers:        a.Config.Reconcile.Workers,
		SOOnly:         a.Config.Reconcile.SOOnly,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database, a.Config.App.Name)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}

	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// newService wires a service over an optional store. The scheduler is only
// needed by Run.
func (a *App) newService(store *storage.Store, sched *scheduler.Scheduler, recorder *metrics.Recorder) (*service.Service, error) {
	engine, err := a.newEngine()
	if err != nil {
		return nil, err
	}

	deps := service.Deps{
		Scheduler: sched,
		Source:    a.newClient(recorder),
		Engine:    engine,
		Notifier:  a.newNotifier(),
		Recorder:  recorder,
	}
	if store != nil {
		deps.Store = store
	}
	return service.New(a.Config, deps, a.Logger), nil
}

// Run executes the long-running reconciliation service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(a.Config.Reconcile.Units) == 0 {
		return errors.New("reconcile.units must list at least one BM unit")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	var recorder *metrics.Recorder
	registry := prometheus.NewRegistry()
	if a.Config.Metrics.Enabled {
		recorder, err = metrics.NewRecorder(registry)
		if err != nil {
			return err
		}
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		Lag:          a.Config.Scheduler.Lag,
		RunOnStart:   a.Config.Scheduler.RunOnStart,
	}, a.Logger)

	svc, err := a.newService(store, sched, recorder)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if recorder != nil {
		g.Go(func() error {
			return metrics.Serve(gctx, a.Config.Metrics.Listen, registry, a.Logger)
		})
	}
	g.Go(func() error {
		a.Logger.Info().Strs("units", a.Config.Reconcile.Units).Msg("starting reconciliation service")
		return svc.Run(gctx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("reconciliation service stopped")
	return nil
}

// ReconcileOptions configure a one-off reconciliation window.
type ReconcileOptions struct {
	Units  []string
	From   time.Time
	To     time.Time
	DryRun bool
}

// ExportOptions hold parameters for exporting calculated cashflows.
type ExportOptions struct {
	Unit    string
	From    string
	To      string
	CSVPath string
	MaxRows int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// PriceOptions configure offline pricing from CSV folders.
type PriceOptions struct {
	BidOfferDir   string
	GenerationDir string
	OutDir        string
	Units         []string
}
