package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"curtailment-cashflow/internal/alerting"
	"curtailment-cashflow/internal/config"
	"curtailment-cashflow/internal/elexon"
	"curtailment-cashflow/internal/metrics"
	"curtailment-cashflow/internal/settlement"
	"curtailment-cashflow/internal/storage"
)

var (
	windowFrom = time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	windowTo   = time.Date(2025, 1, 2, 11, 0, 0, 0, time.UTC)
	p21        = settlement.PeriodKey{Date: "2025-01-02", Period: 21}
	p22        = settlement.PeriodKey{Date: "2025-01-02", Period: 22}
)

type fakeSource struct {
	failUnits  map[string]bool
	indicative error
}

func (f *fakeSource) FetchInstructions(_ context.Context, unit string, _, _ time.Time) ([]settlement.Instruction, error) {
	if f.failUnits[unit] {
		return nil, errors.New("upstream unavailable")
	}
	return []settlement.Instruction{{
		SequenceID: 1,
		IssuedAt:   windowFrom.Add(-5 * time.Minute),
		TimeFrom:   windowFrom,
		TimeTo:     windowFrom.Add(29 * time.Minute),
		LevelFrom:  40,
		LevelTo:    40,
		SOFlag:     true,
	}}, nil
}

func (f *fakeSource) FetchBaseline(context.Context, string, time.Time, time.Time) ([]settlement.BaselineSample, error) {
	return []settlement.BaselineSample{
		{TimeFrom: windowFrom, TimeTo: windowFrom.Add(30 * time.Minute), Level: 100, Period: p21},
		{TimeFrom: windowFrom.Add(30 * time.Minute), TimeTo: windowTo, Level: 100, Period: p22},
	}, nil
}

func (f *fakeSource) FetchPriceBands(context.Context, string, time.Time, time.Time) ([]settlement.PriceBand, error) {
	var bands []settlement.PriceBand
	for _, key := range []settlement.PeriodKey{p21, p22} {
		bands = append(bands,
			settlement.PriceBand{Period: key, LevelFrom: -100, LevelTo: -100, Shortfall: decimal.NewFromInt(10), Surplus: decimal.NewFromInt(12), TierID: -1},
			settlement.PriceBand{Period: key, LevelFrom: 100, LevelTo: 100, Shortfall: decimal.NewFromInt(20), Surplus: decimal.NewFromInt(30), TierID: 1},
		)
	}
	return bands, nil
}

func (f *fakeSource) FetchIndicativeCashflows(_ context.Context, unit string, _, _ time.Time) ([]elexon.IndicativeCashflow, error) {
	if f.indicative != nil {
		return nil, f.indicative
	}
	return []elexon.IndicativeCashflow{{Unit: unit, Period: p21, Total: decimal.NewFromInt(-298)}}, nil
}

type memoryStore struct {
	mu         sync.Mutex
	imbalance  []storage.ImbalanceRow
	cashflows  []storage.CashflowRow
	indicative []storage.IndicativeRow
	skipped    []storage.SkippedPeriodRow
	runs       map[uuid.UUID]storage.Run
	alerts     map[string]storage.AlertRecord
	pruned     int
	locked     bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{runs: map[uuid.UUID]storage.Run{}, alerts: map[string]storage.AlertRecord{}}
}

func (m *memoryStore) UpsertImbalance(_ context.Context, rows []storage.ImbalanceRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.imbalance = append(m.imbalance, rows...)
	return nil
}

func (m *memoryStore) ListImbalance(context.Context, string, string, time.Time, time.Time) ([]storage.ImbalanceRow, error) {
	return nil, nil
}

func (m *memoryStore) UpsertCashflows(_ context.Context, rows []storage.CashflowRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cashflows = append(m.cashflows, rows...)
	return nil
}

func (m *memoryStore) UpsertIndicative(_ context.Context, rows []storage.IndicativeRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indicative = append(m.indicative, rows...)
	return nil
}

func (m *memoryStore) UpsertSkippedPeriods(_ context.Context, rows []storage.SkippedPeriodRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipped = append(m.skipped, rows...)
	return nil
}

func (m *memoryStore) ListCashflows(context.Context, string, string, string) ([]storage.CashflowRow, error) {
	return nil, nil
}

func (m *memoryStore) ListRecentCashflows(context.Context, int) ([]storage.CashflowRow, error) {
	return nil, nil
}

func (m *memoryStore) ListSkippedPeriods(context.Context, int) ([]storage.SkippedPeriodRow, error) {
	return nil, nil
}

func (m *memoryStore) CreateRun(_ context.Context, run storage.Run) (storage.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.ID = uuid.New()
	m.runs[run.ID] = run
	return run, nil
}

func (m *memoryStore) FinishRun(_ context.Context, id uuid.UUID, status string, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return errors.New("unknown run")
	}
	run.Status = status
	run.Error = errMsg
	m.runs[id] = run
	return nil
}

func (m *memoryStore) ListRecentRuns(context.Context, int) ([]storage.Run, error) {
	return nil, nil
}

func (m *memoryStore) InsertAlert(_ context.Context, alert storage.AlertRecord) (storage.AlertRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%s/%s/%d/%s", alert.Unit, alert.SettlementDate, alert.SettlementPeriod, alert.Kind)
	if existing, ok := m.alerts[key]; ok {
		return existing, false, nil
	}
	alert.ID = int64(len(m.alerts) + 1)
	m.alerts[key] = alert
	return alert, true, nil
}

func (m *memoryStore) ListRecentAlerts(context.Context, int) ([]storage.AlertRecord, error) {
	return nil, nil
}

func (m *memoryStore) DeleteAlertsBefore(context.Context, time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruned++
	return nil
}

func (m *memoryStore) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return nil, false, nil
	}
	m.locked = true
	return func() {
		m.mu.Lock()
		m.locked = false
		m.mu.Unlock()
	}, true, nil
}

func (m *memoryStore) runList() []storage.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.Run, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r)
	}
	return out
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note)
	return nil
}

func testConfig(units ...string) *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{Interval: 30 * time.Minute, AdvisoryLockKey: 42},
		Reconcile: config.ReconcileConfig{
			Units:            units,
			EnergyUnit:       "MWh",
			Interval:         "30m",
			SettlementPeriod: 30 * time.Minute,
			UnitWorkers:      2,
			Lookback:         time.Hour,
			SOOnly:           true,
			Indicative:       true,
		},
		Alerting: config.AlertingConfig{
			Enabled:           true,
			CashflowThreshold: 250,
			AlertUnpriced:     true,
			Retention:         24 * time.Hour,
			Channels:          []string{"telegram"},
		},
	}
}

func newTestService(t *testing.T, cfg *config.Config, src Source, store Store, notifier alerting.Notifier, rec *metrics.Recorder) *Service {
	t.Helper()
	engine, err := settlement.NewEngine(settlement.EngineOptions{
		PeriodLength:   cfg.Reconcile.SettlementPeriod,
		ReportInterval: cfg.ReportInterval(),
		Unit:           settlement.EnergyUnit(cfg.Reconcile.EnergyUnit),
		Workers:        2,
		SOOnly:         cfg.Reconcile.SOOnly,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	deps := Deps{Source: src, Engine: engine, Notifier: notifier, Recorder: rec}
	if store != nil {
		deps.Store = store
	}
	return New(cfg, deps, zerolog.Nop())
}

func TestProcessUnitPersistsAndAlerts(t *testing.T) {
	store := newMemoryStore()
	notifier := &recordingNotifier{}
	svc := newTestService(t, testConfig("T_TEST-1"), &fakeSource{}, store, notifier, nil)

	res, err := svc.ProcessUnit(context.Background(), "T_TEST-1", windowFrom, windowTo)
	if err != nil {
		t.Fatalf("ProcessUnit 失败: %v", err)
	}
	if len(res.Pricing.Cashflows) != 2 {
		t.Fatalf("expected 2 priced periods, got %d", len(res.Pricing.Cashflows))
	}

	if len(store.cashflows) != 2 {
		t.Fatalf("cashflows persisted = %d", len(store.cashflows))
	}
	if !store.cashflows[0].Shortfall.Equal(decimal.NewFromInt(-300)) {
		t.Fatalf("shortfall = %s", store.cashflows[0].Shortfall)
	}

	var total, soOnly int
	for _, row := range store.imbalance {
		switch row.Variant {
		case storage.VariantTotal:
			total++
		case storage.VariantSOOnly:
			soOnly++
		}
	}
	if total != 2 || soOnly != 2 {
		t.Fatalf("imbalance variants total=%d so_only=%d", total, soOnly)
	}

	if len(store.indicative) != 1 || store.indicative[0].SettlementPeriod != 21 {
		t.Fatalf("indicative rows = %+v", store.indicative)
	}

	if len(notifier.notes) != 1 {
		t.Fatalf("期望 1 条告警, 实际 %d", len(notifier.notes))
	}
	if notifier.notes[0].Period != p21 || notifier.notes[0].Kind != alerting.KindThreshold {
		t.Fatalf("unexpected alert: %+v", notifier.notes[0])
	}

	// a second pass over the same window must not re-send the alert
	if _, err := svc.ProcessUnit(context.Background(), "T_TEST-1", windowFrom, windowTo); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(notifier.notes) != 1 {
		t.Fatalf("告警重复发送: %d", len(notifier.notes))
	}
}

func TestProcessUnitWithoutStore(t *testing.T) {
	notifier := &recordingNotifier{}
	svc := newTestService(t, testConfig("T_TEST-1"), &fakeSource{}, nil, notifier, nil)

	res, err := svc.ProcessUnit(context.Background(), "T_TEST-1", windowFrom, windowTo)
	if err != nil {
		t.Fatalf("ProcessUnit without store: %v", err)
	}
	if math.Abs(res.Totals.CurtailmentEnergy+30) > 1e-9 {
		t.Fatalf("curtailment = %v", res.Totals.CurtailmentEnergy)
	}
	if len(notifier.notes) != 1 {
		t.Fatalf("alerts without store = %d", len(notifier.notes))
	}
}

func TestProcessUnitToleratesMissingIndicative(t *testing.T) {
	store := newMemoryStore()
	src := &fakeSource{indicative: errors.New("404")}
	svc := newTestService(t, testConfig("T_TEST-1"), src, store, nil, nil)

	if _, err := svc.ProcessUnit(context.Background(), "T_TEST-1", windowFrom, windowTo); err != nil {
		t.Fatalf("indicative failure should not fail the unit: %v", err)
	}
	if len(store.indicative) != 0 || len(store.cashflows) != 2 {
		t.Fatalf("unexpected persistence: indicative=%d cashflows=%d", len(store.indicative), len(store.cashflows))
	}
}

func TestProcessUnitFetchFailure(t *testing.T) {
	svc := newTestService(t, testConfig("T_BAD-1"), &fakeSource{failUnits: map[string]bool{"T_BAD-1": true}}, newMemoryStore(), nil, nil)
	if _, err := svc.ProcessUnit(context.Background(), "T_BAD-1", windowFrom, windowTo); err == nil {
		t.Fatal("fetch failure should surface")
	}
}

func TestReconcileWindowPartialRun(t *testing.T) {
	store := newMemoryStore()
	src := &fakeSource{failUnits: map[string]bool{"T_BAD-1": true}}
	svc := newTestService(t, testConfig("T_TEST-1", "T_BAD-1", "T_TEST-2"), src, store, &recordingNotifier{}, nil)

	summary, err := svc.ReconcileWindow(context.Background(), TriggerManual, []string{"T_TEST-1", "T_BAD-1", "T_TEST-2"}, windowFrom, windowTo)
	if err != nil {
		t.Fatalf("ReconcileWindow: %v", err)
	}
	if summary.Failed() != 1 || summary.Status() != storage.RunPartial {
		t.Fatalf("failed=%d status=%s", summary.Failed(), summary.Status())
	}
	if summary.Outcomes[1].Unit != "T_BAD-1" || summary.Outcomes[1].Err == nil {
		t.Fatalf("outcomes out of order: %+v", summary.Outcomes)
	}

	runs := store.runList()
	if len(runs) != 1 {
		t.Fatalf("runs = %d", len(runs))
	}
	if runs[0].Status != storage.RunPartial || runs[0].Error == nil || runs[0].Trigger != TriggerManual {
		t.Fatalf("run not finished correctly: %+v", runs[0])
	}
	for _, row := range store.cashflows {
		if row.RunID != summary.RunID {
			t.Fatalf("cashflow row not tagged with run id")
		}
	}
}

func TestReconcileWindowRejectsEmptyInput(t *testing.T) {
	svc := newTestService(t, testConfig(), &fakeSource{}, nil, nil, nil)
	if _, err := svc.ReconcileWindow(context.Background(), TriggerManual, nil, windowFrom, windowTo); err == nil {
		t.Fatal("no units should error")
	}
	if _, err := svc.ReconcileWindow(context.Background(), TriggerManual, []string{"T_TEST-1"}, windowTo, windowFrom); err == nil {
		t.Fatal("inverted window should error")
	}
}

func TestProcessWindowUsesLookbackAndMetrics(t *testing.T) {
	store := newMemoryStore()
	reg := prometheus.NewRegistry()
	rec, err := metrics.NewRecorder(reg)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	svc := newTestService(t, testConfig("T_TEST-1"), &fakeSource{}, store, &recordingNotifier{}, rec)

	if err := svc.ProcessWindow(context.Background(), windowTo); err != nil {
		t.Fatalf("ProcessWindow: %v", err)
	}

	runs := store.runList()
	if len(runs) != 1 || !runs[0].WindowFrom.Equal(windowFrom) || !runs[0].WindowTo.Equal(windowTo) {
		t.Fatalf("window not derived from lookback: %+v", runs)
	}
	if store.pruned != 1 {
		t.Fatalf("alert history not pruned")
	}
	if store.locked {
		t.Fatalf("advisory lock not released")
	}
	expected := `
# HELP curtail_alerts_total Alerts sent by kind
# TYPE curtail_alerts_total counter
curtail_alerts_total{kind="cashflow_threshold"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "curtail_alerts_total"); err != nil {
		t.Fatalf("alerts metric: %v", err)
	}
}

func TestProcessWindowSkipsWhenLocked(t *testing.T) {
	store := newMemoryStore()
	store.locked = true
	svc := newTestService(t, testConfig("T_TEST-1"), &fakeSource{}, store, nil, nil)

	if err := svc.ProcessWindow(context.Background(), windowTo); err != nil {
		t.Fatalf("locked bucket should be skipped silently: %v", err)
	}
	if len(store.runList()) != 0 {
		t.Fatal("no run should start while the lock is held elsewhere")
	}
}
