package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"curtailment-cashflow/internal/settlement"
)

var (
	bidOfferColumns   = []string{"settlementDate", "settlementPeriod", "levelFrom", "levelTo", "bid", "offer"}
	generationColumns = []string{"settlementDate", "settlementPeriod", "curtailment", "extra"}
	priceOutputHeader = []string{"settlementDate", "settlementPeriod", "calculated_cashflow_curtailment", "calculated_cashflow_extra"}
)

// Price computes period cashflows offline from per-unit bid-offer and
// generation CSV files and writes one cashflow CSV per unit.
func (a *App) Price(ctx context.Context, opts PriceOptions) error {
	if opts.BidOfferDir == "" || opts.GenerationDir == "" || opts.OutDir == "" {
		return errors.New("--bid-offer, --generation and --out must be provided")
	}

	units := opts.Units
	if len(units) == 0 {
		matches, err := filepath.Glob(filepath.Join(opts.BidOfferDir, "*.csv"))
		if err != nil {
			return err
		}
		for _, m := range matches {
			units = append(units, strings.TrimSuffix(filepath.Base(m), ".csv"))
		}
	}
	if len(units) == 0 {
		return fmt.Errorf("no bid-offer files found in %s", opts.BidOfferDir)
	}

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return err
	}

	engine, err := a.newEngine()
	if err != nil {
		return err
	}

	workers := a.Config.Reconcile.UnitWorkers
	if workers <= 0 {
		workers = 1
	}

	failed := make([]bool, len(units))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, unit := range units {
		g.Go(func() error {
			log := a.Logger.With().Str("unit", unit).Logger()
			priced, skipped, err := priceUnit(gctx, engine, unit, opts)
			if err != nil {
				failed[i] = true
				log.Error().Err(err).Msg("offline pricing failed")
				return nil
			}
			log.Info().Int("priced_periods", priced).Int("skipped_periods", skipped).Msg("unit priced")
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	n := 0
	for _, f := range failed {
		if f {
			n++
		}
	}
	if n > 0 {
		return fmt.Errorf("%d of %d units failed, see logs", n, len(units))
	}
	return nil
}

func priceUnit(ctx context.Context, engine *settlement.Engine, unit string, opts PriceOptions) (int, int, error) {
	bands, err := readBidOfferCSV(filepath.Join(opts.BidOfferDir, unit+".csv"))
	if err != nil {
		return 0, 0, err
	}
	records, err := readGenerationCSV(filepath.Join(opts.GenerationDir, unit+".csv"))
	if err != nil {
		return 0, 0, err
	}

	result := engine.PricePeriods(ctx, records, bands)

	out, err := os.Create(filepath.Join(opts.OutDir, unit+".csv"))
	if err != nil {
		return 0, 0, err
	}
	defer out.Close()

	if err := writePricedCSV(out, result.Cashflows); err != nil {
		return 0, 0, fmt.Errorf("write %s: %w", unit, err)
	}
	return len(result.Cashflows), len(result.Skipped), nil
}

// csvTable is a CSV file addressed by header name.
type csvTable struct {
	path  string
	index map[string]int
	rows  [][]string
}

// readCSVTable loads path; a file without rows is an empty table, the form
// written for units that had no upstream data.
func readCSVTable(path string, required []string) (*csvTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return &csvTable{path: path}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	t := &csvTable{path: path, index: make(map[string]int, len(header)), rows: rows}
	for i, name := range header {
		t.index[strings.TrimSpace(name)] = i
	}
	if len(rows) == 0 {
		return t, nil
	}
	for _, name := range required {
		if _, ok := t.index[name]; !ok {
			return nil, fmt.Errorf("%s: missing column %q", path, name)
		}
	}
	return t, nil
}

func (t *csvTable) field(row []string, name string) string {
	i, ok := t.index[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (t *csvTable) float(row []string, line int, name string) (float64, error) {
	v, err := strconv.ParseFloat(t.field(row, name), 64)
	if err != nil {
		return 0, fmt.Errorf("%s line %d: %s: %w", t.path, line, name, err)
	}
	return v, nil
}

func (t *csvTable) period(row []string, line int) (settlement.PeriodKey, error) {
	date := t.field(row, "settlementDate")
	if len(date) > len(dateLayout) {
		date = date[:len(dateLayout)]
	}
	p, err := strconv.Atoi(t.field(row, "settlementPeriod"))
	if err != nil {
		return settlement.PeriodKey{}, fmt.Errorf("%s line %d: settlementPeriod: %w", t.path, line, err)
	}
	return settlement.PeriodKey{Date: date, Period: p}, nil
}

func readBidOfferCSV(path string) ([]settlement.PriceBand, error) {
	t, err := readCSVTable(path, bidOfferColumns)
	if err != nil {
		return nil, err
	}

	bands := make([]settlement.PriceBand, 0, len(t.rows))
	for i, row := range t.rows {
		line := i + 2
		key, err := t.period(row, line)
		if err != nil {
			return nil, err
		}
		levelFrom, err := t.float(row, line, "levelFrom")
		if err != nil {
			return nil, err
		}
		levelTo, err := t.float(row, line, "levelTo")
		if err != nil {
			return nil, err
		}
		bid, err := decimal.NewFromString(t.field(row, "bid"))
		if err != nil {
			return nil, fmt.Errorf("%s line %d: bid: %w", path, line, err)
		}
		offer, err := decimal.NewFromString(t.field(row, "offer"))
		if err != nil {
			return nil, fmt.Errorf("%s line %d: offer: %w", path, line, err)
		}
		tier := 0
		if v := t.field(row, "pairId"); v != "" {
			tier, err = strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("%s line %d: pairId: %w", path, line, err)
			}
		}

		bands = append(bands, settlement.PriceBand{
			Period:    key,
			LevelFrom: levelFrom,
			LevelTo:   levelTo,
			Shortfall: bid,
			Surplus:   offer,
			TierID:    tier,
		})
	}
	return bands, nil
}

func readGenerationCSV(path string) ([]settlement.ImbalanceRecord, error) {
	t, err := readCSVTable(path, generationColumns)
	if err != nil {
		return nil, err
	}

	records := make([]settlement.ImbalanceRecord, 0, len(t.rows))
	for i, row := range t.rows {
		line := i + 2
		key, err := t.period(row, line)
		if err != nil {
			return nil, err
		}
		curtailment, err := t.float(row, line, "curtailment")
		if err != nil {
			return nil, err
		}
		extra, err := t.float(row, line, "extra")
		if err != nil {
			return nil, err
		}
		records = append(records, settlement.ImbalanceRecord{
			Period:            key,
			CurtailmentEnergy: curtailment,
			SurplusEnergy:     extra,
		})
	}
	return records, nil
}

func writePricedCSV(w io.Writer, cashflows []settlement.CashflowResult) error {
	sorted := append([]settlement.CashflowResult(nil), cashflows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Period.Less(sorted[j].Period) })

	writer := csv.NewWriter(w)
	if err := writer.Write(priceOutputHeader); err != nil {
		return err
	}
	for _, cf := range sorted {
		record := []string{
			cf.Period.Date,
			strconv.Itoa(cf.Period.Period),
			cf.Shortfall.String(),
			cf.Surplus.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
