package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"curtailment-cashflow/internal/storage"
)

const dateLayout = "2006-01-02"

// Export writes persisted period cashflows, with the published indicative
// figure beside them where known, as CSV.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" {
		return errors.New("--csv must be provided")
	}

	maxRows := a.Config.ResolveMaxRows(opts.MaxRows)
	from, to, err := exportRange(opts.From, opts.To, time.Now().UTC())
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	rows, err := store.ListCashflows(ctx, opts.Unit, from, to)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		a.Logger.Info().Str("from", from).Str("to", to).Msg("no cashflows found for export window")
		return nil
	}
	if len(rows) > maxRows {
		a.Logger.Warn().Int("total", len(rows)).Int("max_rows", maxRows).Msg("export truncated")
		rows = rows[:maxRows]
	}

	if err := ensureDir(opts.CSVPath); err != nil {
		return err
	}
	file, err := os.Create(opts.CSVPath)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := writeCashflowsCSV(file, rows); err != nil {
		return err
	}
	a.Logger.Info().Int("rows", len(rows)).Str("path", opts.CSVPath).Msg("cashflows exported")
	return nil
}

// exportRange resolves [from, to) settlement dates, defaulting to the last seven days.
func exportRange(from, to string, now time.Time) (string, string, error) {
	end := now.Truncate(24*time.Hour).AddDate(0, 0, 1)
	if to != "" {
		t, err := time.Parse(dateLayout, to)
		if err != nil {
			return "", "", fmt.Errorf("invalid --to value: %w", err)
		}
		end = t
	}
	start := end.AddDate(0, 0, -7)
	if from != "" {
		f, err := time.Parse(dateLayout, from)
		if err != nil {
			return "", "", fmt.Errorf("invalid --from value: %w", err)
		}
		start = f
	}
	if !start.Before(end) {
		return "", "", errors.New("from must be before to")
	}
	return start.Format(dateLayout), end.Format(dateLayout), nil
}

func writeCashflowsCSV(w io.Writer, rows []storage.CashflowRow) error {
	writer := csv.NewWriter(w)

	header := []string{
		"bm_unit",
		"settlement_date",
		"settlement_period",
		"calculated_cashflow_curtailment",
		"calculated_cashflow_extra",
		"indicative_cashflow",
		"difference",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		indicative, diff := "", ""
		if row.Indicative != nil {
			indicative = row.Indicative.String()
			diff = row.Shortfall.Add(row.Surplus).Sub(*row.Indicative).String()
		}
		record := []string{
			row.Unit,
			row.SettlementDate,
			strconv.Itoa(row.SettlementPeriod),
			row.Shortfall.String(),
			row.Surplus.String(),
			indicative,
			diff,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
