package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"curtailment-cashflow/internal/app"
)

var (
	reconcileFrom   string
	reconcileTo     string
	reconcileUnits  []string
	reconcileDryRun bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile a historical window once",
	RunE: func(cmd *cobra.Command, args []string) error {
		if reconcileFrom == "" || reconcileTo == "" {
			return fmt.Errorf("--from and --to must be provided")
		}

		from, to, err := parseWindow(reconcileFrom, reconcileTo)
		if err != nil {
			return err
		}

		opts := app.ReconcileOptions{
			Units:  reconcileUnits,
			From:   from,
			To:     to,
			DryRun: reconcileDryRun,
		}

		return getApp().Reconcile(cmd.Context(), opts)
	},
}

const dateLayout = "2006-01-02"

// parseTimestamp accepts RFC3339 or a bare date meaning midnight UTC. The
// second result reports whether v was a bare date.
func parseTimestamp(v string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, false, nil
	}
	t, err := time.Parse(dateLayout, v)
	return t, err == nil, err
}

// parseWindow resolves the half-open window [from, to). A bare --to date
// includes that whole day.
func parseWindow(fromValue, toValue string) (time.Time, time.Time, error) {
	from, _, err := parseTimestamp(fromValue)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --from value: %w", err)
	}
	to, bareDate, err := parseTimestamp(toValue)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --to value: %w", err)
	}
	if bareDate {
		to = to.AddDate(0, 0, 1)
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("--from must be before --to")
	}
	return from, to, nil
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileFrom, "from", "", "Window start, inclusive (RFC3339 or YYYY-MM-DD)")
	reconcileCmd.Flags().StringVar(&reconcileTo, "to", "", "Window end: an RFC3339 instant is exclusive, a YYYY-MM-DD date includes that day")
	reconcileCmd.Flags().StringSliceVar(&reconcileUnits, "unit", nil, "BM unit to reconcile, repeatable (defaults to reconcile.units)")
	reconcileCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "Run without writing to storage")
}
