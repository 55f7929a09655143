package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"curtailment-cashflow/internal/storage"
)

// Show prints recent period cashflows, runs and skipped periods.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show cashflows")
	}
	if closeStore != nil {
		defer closeStore()
	}

	cashflows, err := store.ListRecentCashflows(ctx, opts.Limit)
	if err != nil {
		return err
	}
	runs, err := store.ListRecentRuns(ctx, 5)
	if err != nil {
		return err
	}
	skipped, err := store.ListSkippedPeriods(ctx, opts.Limit)
	if err != nil {
		return err
	}

	return renderShow(os.Stdout, cashflows, runs, skipped)
}

func renderShow(w io.Writer, cashflows []storage.CashflowRow, runs []storage.Run, skipped []storage.SkippedPeriodRow) error {
	if len(cashflows) == 0 {
		fmt.Fprintln(w, "no cashflows found")
	} else {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "Unit\tDate\tPeriod\tCurtailment £\tExtra £\tIndicative £")
		for _, row := range cashflows {
			indicative := "-"
			if row.Indicative != nil {
				indicative = formatDecimal(*row.Indicative, 2)
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
				row.Unit,
				row.SettlementDate,
				row.SettlementPeriod,
				formatDecimal(row.Shortfall, 2),
				formatDecimal(row.Surplus, 2),
				indicative,
			)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(runs) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "Run\tTrigger\tWindow (UTC)\tUnits\tStatus\tError")
		for _, run := range runs {
			errMsg := ""
			if run.Error != nil {
				errMsg = sanitizeInline(*run.Error)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s..%s\t%d\t%s\t%s\n",
				run.ID.String()[:8],
				run.Trigger,
				run.WindowFrom.UTC().Format(time.RFC3339),
				run.WindowTo.UTC().Format(time.RFC3339),
				len(run.Units),
				run.Status,
				errMsg,
			)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(skipped) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "Skipped unit\tDate\tPeriod\tReason")
		for _, row := range skipped {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", row.Unit, row.SettlementDate, row.SettlementPeriod, sanitizeInline(row.Reason))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
