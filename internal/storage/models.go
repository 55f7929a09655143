package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Imbalance variants.
const (
	VariantTotal  = "total"
	VariantSOOnly = "so_only"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunPartial   = "partial"
	RunFailed    = "failed"
)

// ImbalanceRow is one persisted reporting bucket of a unit's energy imbalance.
type ImbalanceRow struct {
	Unit             string
	Variant          string
	BucketStart      time.Time
	SettlementDate   string
	SettlementPeriod int
	Baseline         float64
	Curtailment      float64
	Surplus          float64
	Total            float64
	EnergyUnit       string
	RunID            uuid.UUID
}

// CashflowRow is the calculated cashflow of one unit and settlement period.
type CashflowRow struct {
	Unit             string
	SettlementDate   string
	SettlementPeriod int
	Shortfall        decimal.Decimal
	Surplus          decimal.Decimal
	// Indicative is the published cashflow when it has been fetched.
	Indicative *decimal.Decimal
	RunID      uuid.UUID
	UpdatedAt  time.Time
}

// IndicativeRow is a published cashflow used to validate calculated ones.
type IndicativeRow struct {
	Unit             string
	SettlementDate   string
	SettlementPeriod int
	Total            decimal.Decimal
}

// SkippedPeriodRow records a period that could not be priced.
type SkippedPeriodRow struct {
	Unit             string
	SettlementDate   string
	SettlementPeriod int
	Reason           string
	RunID            uuid.UUID
}

// Run is one reconciliation pass over a window.
type Run struct {
	ID         uuid.UUID
	Trigger    string
	WindowFrom time.Time
	WindowTo   time.Time
	Units      []string
	Status     string
	Error      *string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// AlertRecord captures an emitted alert for de-duplication/auditing.
type AlertRecord struct {
	ID               int64
	Unit             string
	SettlementDate   string
	SettlementPeriod int
	Kind             string
	Value            decimal.Decimal
	Threshold        decimal.Decimal
	Channels         []string
	CreatedAt        time.Time
}
