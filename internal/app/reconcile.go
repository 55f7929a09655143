package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"curtailment-cashflow/internal/service"
	"curtailment-cashflow/internal/storage"
)

// Reconcile processes one historical window for the given or configured units.
func (a *App) Reconcile(ctx context.Context, opts ReconcileOptions) error {
	units := a.Config.ResolveUnits(opts.Units)
	if len(units) == 0 {
		return errors.New("no units given; pass --unit or set reconcile.units")
	}
	from, to := opts.From.UTC(), opts.To.UTC()
	if !from.Before(to) {
		return errors.New("reconcile 窗口为空，请检查 --from/--to")
	}

	var store *storage.Store
	if opts.DryRun {
		a.Logger.Warn().Msg("reconcile dry-run：不会写入数据库")
	} else {
		var closeStore func()
		var err error
		store, closeStore, err = a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			a.Logger.Warn().Msg("database.dsn not configured; results are printed only")
		}
		if closeStore != nil {
			defer closeStore()
		}
	}

	svc, err := a.newService(store, nil, nil)
	if err != nil {
		return err
	}

	summary, err := svc.ReconcileWindow(ctx, service.TriggerManual, units, from, to)
	if err != nil {
		return err
	}

	if err := writeSummary(os.Stdout, summary, a.Config.Reconcile.EnergyUnit); err != nil {
		return err
	}

	a.Logger.Info().Int("units", len(units)).Int("failed", summary.Failed()).Msg("reconcile finished")
	if failed := summary.Failed(); failed > 0 {
		return fmt.Errorf("%d of %d units failed, see logs", failed, len(units))
	}
	return nil
}

func writeSummary(w io.Writer, summary service.WindowSummary, energyUnit string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Unit\tCurtailment (%[1]s)\tExtra (%[1]s)\tGenerated (%[1]s)\tPriced\tSkipped\tShortfall £\tSurplus £\tError\n", energyUnit)
	for _, o := range summary.Outcomes {
		if o.Err != nil {
			fmt.Fprintf(tw, "%s\t\t\t\t\t\t\t\t%s\n", o.Unit, sanitizeInline(o.Err.Error()))
			continue
		}
		shortfall, surplus := o.Result.Pricing.Totals()
		fmt.Fprintf(tw, "%s\t%.3f\t%.3f\t%.3f\t%d\t%d\t%s\t%s\t\n",
			o.Unit,
			o.Result.Totals.CurtailmentEnergy,
			o.Result.Totals.SurplusEnergy,
			o.Result.Totals.TotalEnergy,
			len(o.Result.Pricing.Cashflows),
			len(o.Result.Pricing.Skipped),
			formatDecimal(shortfall, 2),
			formatDecimal(surplus, 2),
		)
	}
	return tw.Flush()
}
