package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

//go:embed schema.sql
var schemaSQL string

const (
	upsertImbalanceSQL = `INSERT INTO imbalance_records (
        bm_unit,
        variant,
        bucket_ts,
        settlement_date,
        settlement_period,
        baseline_energy,
        curtailment_energy,
        surplus_energy,
        total_energy,
        energy_unit,
        run_id
    ) VALUES (
        $1,$2,$3,$4::date,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (bm_unit, variant, bucket_ts) DO UPDATE
    SET
        settlement_date    = EXCLUDED.settlement_date,
        settlement_period  = EXCLUDED.settlement_period,
        baseline_energy    = EXCLUDED.baseline_energy,
        curtailment_energy = EXCLUDED.curtailment_energy,
        surplus_energy     = EXCLUDED.surplus_energy,
        total_energy       = EXCLUDED.total_energy,
        energy_unit        = EXCLUDED.energy_unit,
        run_id             = EXCLUDED.run_id,
        updated_at         = now();`

	listImbalanceSQL = `SELECT
        bm_unit,
        variant,
        bucket_ts,
        settlement_date::text,
        settlement_period,
        baseline_energy,
        curtailment_energy,
        surplus_energy,
        total_energy,
        energy_unit,
        run_id
    FROM imbalance_records
    WHERE ($1 = '' OR bm_unit = $1)
      AND variant = $2
      AND bucket_ts >= $3
      AND bucket_ts < $4
    ORDER BY bm_unit, bucket_ts;`

	upsertCashflowSQL = `INSERT INTO period_cashflows (
        bm_unit,
        settlement_date,
        settlement_period,
        cashflow_shortfall,
        cashflow_surplus,
        run_id
    ) VALUES (
        $1,$2::date,$3,$4::numeric,$5::numeric,$6
    )
    ON CONFLICT (bm_unit, settlement_date, settlement_period) DO UPDATE
    SET
        cashflow_shortfall = EXCLUDED.cashflow_shortfall,
        cashflow_surplus   = EXCLUDED.cashflow_surplus,
        run_id             = EXCLUDED.run_id,
        updated_at         = now();`

	clearSkippedSQL = `DELETE FROM skipped_periods
    WHERE bm_unit = $1
      AND settlement_date = $2::date
      AND settlement_period = $3;`

	cashflowColumns = `c.bm_unit,
        c.settlement_date::text,
        c.settlement_period,
        c.cashflow_shortfall::text,
        c.cashflow_surplus::text,
        i.total_cashflow::text,
        c.run_id,
        c.updated_at`

	listCashflowsSQL = `SELECT ` + cashflowColumns + `
    FROM period_cashflows c
    LEFT JOIN indicative_cashflows i
      ON i.bm_unit = c.bm_unit
     AND i.settlement_date = c.settlement_date
     AND i.settlement_period = c.settlement_period
    WHERE ($1 = '' OR c.bm_unit = $1)
      AND c.settlement_date >= $2::date
      AND c.settlement_date < $3::date
    ORDER BY c.bm_unit, c.settlement_date, c.settlement_period;`

	listRecentCashflowsSQL = `SELECT ` + cashflowColumns + `
    FROM period_cashflows c
    LEFT JOIN indicative_cashflows i
      ON i.bm_unit = c.bm_unit
     AND i.settlement_date = c.settlement_date
     AND i.settlement_period = c.settlement_period
    ORDER BY c.settlement_date DESC, c.settlement_period DESC, c.bm_unit
    LIMIT $1;`

	upsertIndicativeSQL = `INSERT INTO indicative_cashflows (
        bm_unit,
        settlement_date,
        settlement_period,
        total_cashflow
    ) VALUES (
        $1,$2::date,$3,$4::numeric
    )
    ON CONFLICT (bm_unit, settlement_date, settlement_period) DO UPDATE
    SET total_cashflow = EXCLUDED.total_cashflow,
        fetched_at     = now();`

	upsertSkippedSQL = `INSERT INTO skipped_periods (
        bm_unit,
        settlement_date,
        settlement_period,
        reason,
        run_id
    ) VALUES (
        $1,$2::date,$3,$4,$5
    )
    ON CONFLICT (bm_unit, settlement_date, settlement_period) DO UPDATE
    SET reason     = EXCLUDED.reason,
        run_id     = EXCLUDED.run_id,
        created_at = now();`

	listSkippedSQL = `SELECT
        bm_unit,
        settlement_date::text,
        settlement_period,
        reason,
        run_id
    FROM skipped_periods
    ORDER BY created_at DESC
    LIMIT $1;`

	insertRunSQL = `INSERT INTO reconcile_runs (
        id,
        trigger,
        window_from,
        window_to,
        units,
        status
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    RETURNING started_at;`

	finishRunSQL = `UPDATE reconcile_runs
    SET status = $2, error = $3, finished_at = now()
    WHERE id = $1;`

	listRecentRunsSQL = `SELECT
        id,
        trigger,
        window_from,
        window_to,
        units,
        status,
        error,
        started_at,
        finished_at
    FROM reconcile_runs
    ORDER BY started_at DESC
    LIMIT $1;`

	insertAlertSQL = `INSERT INTO alerts (
        bm_unit,
        settlement_date,
        settlement_period,
        kind,
        value,
        threshold,
        channels
    ) VALUES (
        $1,$2::date,$3,$4,$5::numeric,$6::numeric,$7
    )
    ON CONFLICT (bm_unit, settlement_date, settlement_period, kind) DO NOTHING
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        bm_unit,
        settlement_date::text,
        settlement_period,
        kind,
        value::text,
        threshold::text,
        channels,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ImbalanceStore persists per-bucket energy imbalance.
type ImbalanceStore interface {
	UpsertImbalance(ctx context.Context, rows []ImbalanceRow) error
	ListImbalance(ctx context.Context, unit, variant string, from, to time.Time) ([]ImbalanceRow, error)
}

// CashflowStore persists calculated and indicative cashflows.
type CashflowStore interface {
	UpsertCashflows(ctx context.Context, rows []CashflowRow) error
	UpsertIndicative(ctx context.Context, rows []IndicativeRow) error
	UpsertSkippedPeriods(ctx context.Context, rows []SkippedPeriodRow) error
	ListCashflows(ctx context.Context, unit, fromDate, toDate string) ([]CashflowRow, error)
	ListRecentCashflows(ctx context.Context, limit int) ([]CashflowRow, error)
	ListSkippedPeriods(ctx context.Context, limit int) ([]SkippedPeriodRow, error)
}

// RunStore records reconciliation runs.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) (Run, error)
	FinishRun(ctx context.Context, id uuid.UUID, status string, errMsg *string) error
	ListRecentRuns(ctx context.Context, limit int) ([]Run, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	// InsertAlert returns false when an alert of the same kind already exists for the period.
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, bool, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to reconciliation results, runs and alerts.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ ImbalanceStore = (*Store)(nil)
	_ CashflowStore  = (*Store)(nil)
	_ RunStore       = (*Store)(nil)
	_ AlertStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates missing tables.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

func (s *Store) sendBatch(ctx context.Context, what string, batch *pgx.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

// UpsertImbalance persists imbalance buckets, replacing earlier values.
func (s *Store) UpsertImbalance(ctx context.Context, rows []ImbalanceRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(upsertImbalanceSQL,
			r.Unit,
			r.Variant,
			r.BucketStart,
			r.SettlementDate,
			r.SettlementPeriod,
			r.Baseline,
			r.Curtailment,
			r.Surplus,
			r.Total,
			r.EnergyUnit,
			nullableUUID(r.RunID),
		)
	}
	return s.sendBatch(ctx, "upsert imbalance", batch)
}

// ListImbalance lists buckets in [from, to). An empty unit matches every unit.
func (s *Store) ListImbalance(ctx context.Context, unit, variant string, from, to time.Time) ([]ImbalanceRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listImbalanceSQL, unit, variant, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list imbalance: %w", queryErr)
	}
	defer rows.Close()

	out := make([]ImbalanceRow, 0)
	for rows.Next() {
		var r ImbalanceRow
		var runID uuid.NullUUID
		if err := rows.Scan(
			&r.Unit,
			&r.Variant,
			&r.BucketStart,
			&r.SettlementDate,
			&r.SettlementPeriod,
			&r.Baseline,
			&r.Curtailment,
			&r.Surplus,
			&r.Total,
			&r.EnergyUnit,
			&runID,
		); err != nil {
			return nil, err
		}
		if runID.Valid {
			r.RunID = runID.UUID
		}
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// UpsertCashflows persists calculated cashflows and clears any earlier skip of the same period.
func (s *Store) UpsertCashflows(ctx context.Context, rows []CashflowRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(upsertCashflowSQL,
			r.Unit,
			r.SettlementDate,
			r.SettlementPeriod,
			r.Shortfall.String(),
			r.Surplus.String(),
			nullableUUID(r.RunID),
		)
		batch.Queue(clearSkippedSQL, r.Unit, r.SettlementDate, r.SettlementPeriod)
	}
	return s.sendBatch(ctx, "upsert cashflows", batch)
}

// UpsertIndicative persists published cashflows.
func (s *Store) UpsertIndicative(ctx context.Context, rows []IndicativeRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(upsertIndicativeSQL, r.Unit, r.SettlementDate, r.SettlementPeriod, r.Total.String())
	}
	return s.sendBatch(ctx, "upsert indicative cashflows", batch)
}

// UpsertSkippedPeriods records periods that could not be priced.
func (s *Store) UpsertSkippedPeriods(ctx context.Context, rows []SkippedPeriodRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(upsertSkippedSQL, r.Unit, r.SettlementDate, r.SettlementPeriod, r.Reason, nullableUUID(r.RunID))
	}
	return s.sendBatch(ctx, "upsert skipped periods", batch)
}

// ListCashflows lists cashflows for settlement dates in [fromDate, toDate).
// An empty unit matches every unit.
func (s *Store) ListCashflows(ctx context.Context, unit, fromDate, toDate string) ([]CashflowRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listCashflowsSQL, unit, fromDate, toDate)
	if queryErr != nil {
		return nil, fmt.Errorf("list cashflows: %w", queryErr)
	}
	defer rows.Close()
	return scanCashflows(rows)
}

// ListRecentCashflows lists the latest settlement periods first.
func (s *Store) ListRecentCashflows(ctx context.Context, limit int) ([]CashflowRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRecentCashflowsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent cashflows: %w", queryErr)
	}
	defer rows.Close()
	return scanCashflows(rows)
}

// ListSkippedPeriods lists the most recently skipped periods.
func (s *Store) ListSkippedPeriods(ctx context.Context, limit int) ([]SkippedPeriodRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listSkippedSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list skipped periods: %w", queryErr)
	}
	defer rows.Close()

	out := make([]SkippedPeriodRow, 0, limit)
	for rows.Next() {
		var r SkippedPeriodRow
		var runID uuid.NullUUID
		if err := rows.Scan(&r.Unit, &r.SettlementDate, &r.SettlementPeriod, &r.Reason, &runID); err != nil {
			return nil, err
		}
		if runID.Valid {
			r.RunID = runID.UUID
		}
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// CreateRun inserts a run, assigning an id when none is set.
func (s *Store) CreateRun(ctx context.Context, run Run) (Run, error) {
	pool, err := s.getPool()
	if err != nil {
		return Run{}, err
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	if scanErr := pool.QueryRow(ctx, insertRunSQL,
		run.ID,
		run.Trigger,
		run.WindowFrom,
		run.WindowTo,
		run.Units,
		run.Status,
	).Scan(&run.StartedAt); scanErr != nil {
		return Run{}, fmt.Errorf("create run: %w", scanErr)
	}
	return run, nil
}

// FinishRun records the outcome of a run.
func (s *Store) FinishRun(ctx context.Context, id uuid.UUID, status string, errMsg *string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	var msg interface{}
	if errMsg != nil {
		msg = *errMsg
	}
	cmdTag, execErr := pool.Exec(ctx, finishRunSQL, id, status, msg)
	if execErr != nil {
		return fmt.Errorf("finish run: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListRecentRuns lists the latest runs first.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]Run, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRecentRunsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent runs: %w", queryErr)
	}
	defer rows.Close()

	runs := make([]Run, 0, limit)
	for rows.Next() {
		var (
			run      Run
			errMsg   sql.NullString
			finished sql.NullTime
		)
		if err := rows.Scan(
			&run.ID,
			&run.Trigger,
			&run.WindowFrom,
			&run.WindowTo,
			&run.Units,
			&run.Status,
			&errMsg,
			&run.StartedAt,
			&finished,
		); err != nil {
			return nil, err
		}
		if errMsg.Valid {
			msg := errMsg.String
			run.Error = &msg
		}
		if finished.Valid {
			ts := finished.Time
			run.FinishedAt = &ts
		}
		runs = append(runs, run)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

// InsertAlert persists an alert emission unless one of the same kind exists for the period.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, false, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.Unit,
		alert.SettlementDate,
		alert.SettlementPeriod,
		alert.Kind,
		alert.Value.String(),
		alert.Threshold.String(),
		alert.Channels,
	)
	if scanErr := row.Scan(&alert.ID, &alert.CreatedAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return alert, false, nil
		}
		return AlertRecord{}, false, fmt.Errorf("insert alert: %w", scanErr)
	}
	return alert, true, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		var valueStr, thresholdStr string
		if err := rows.Scan(
			&rec.ID,
			&rec.Unit,
			&rec.SettlementDate,
			&rec.SettlementPeriod,
			&rec.Kind,
			&valueStr,
			&thresholdStr,
			&rec.Channels,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		rec.Value, convErr = decimal.NewFromString(valueStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse alert value: %w", convErr)
		}
		rec.Threshold, convErr = decimal.NewFromString(thresholdStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse alert threshold: %w", convErr)
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func scanCashflows(rows pgx.Rows) ([]CashflowRow, error) {
	out := make([]CashflowRow, 0)
	for rows.Next() {
		var (
			r             CashflowRow
			shortfallStr  string
			surplusStr    string
			indicativeStr sql.NullString
			runID         uuid.NullUUID
		)
		if err := rows.Scan(
			&r.Unit,
			&r.SettlementDate,
			&r.SettlementPeriod,
			&shortfallStr,
			&surplusStr,
			&indicativeStr,
			&runID,
			&r.UpdatedAt,
		); err != nil {
			return nil, err
		}

		var err error
		if r.Shortfall, err = decimal.NewFromString(shortfallStr); err != nil {
			return nil, fmt.Errorf("parse cashflow shortfall: %w", err)
		}
		if r.Surplus, err = decimal.NewFromString(surplusStr); err != nil {
			return nil, fmt.Errorf("parse cashflow surplus: %w", err)
		}
		if indicativeStr.Valid {
			v, err := decimal.NewFromString(indicativeStr.String)
			if err != nil {
				return nil, fmt.Errorf("parse indicative cashflow: %w", err)
			}
			r.Indicative = &v
		}
		if runID.Valid {
			r.RunID = runID.UUID
		}
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func nullableUUID(id uuid.UUID) interface{} {
	if id == uuid.Nil {
		return nil
	}
	return id
}
