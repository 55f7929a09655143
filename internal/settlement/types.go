package settlement

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PeriodKey identifies a settlement period by its settlement date and period number.
type PeriodKey struct {
	Date   string
	Period int
}

func (k PeriodKey) String() string {
	return fmt.Sprintf("%s/%02d", k.Date, k.Period)
}

// IsZero reports whether the key carries no label.
func (k PeriodKey) IsZero() bool {
	return k.Date == "" && k.Period == 0
}

// Less orders keys by date, then period.
func (k PeriodKey) Less(other PeriodKey) bool {
	if k.Date != other.Date {
		return k.Date < other.Date
	}
	return k.Period < other.Period
}

// Instruction is a single dispatch instruction (bid-offer acceptance) valid over [TimeFrom, TimeTo].
type Instruction struct {
	SequenceID int64
	IssuedAt   time.Time
	TimeFrom   time.Time
	TimeTo     time.Time
	LevelFrom  float64
	LevelTo    float64
	SOFlag     bool
}

// ResolvedLevel is one minute of instructed output after overwrite resolution.
type ResolvedLevel struct {
	Minute time.Time
	Level  float64
}

// BaselineSample is a declared baseline level holding from TimeFrom until the next declared change.
// TimeTo is optional and only used for validation and to close the final sample.
type BaselineSample struct {
	TimeFrom time.Time
	TimeTo   time.Time
	Level    float64
	Period   PeriodKey
}

// BaselineMinute is one forward-filled minute of baseline output.
type BaselineMinute struct {
	Minute time.Time
	Level  float64
	Period PeriodKey
}

// ImbalanceRecord aggregates energy over one reporting bucket.
//
// CurtailmentEnergy is never positive and SurplusEnergy never negative;
// TotalEnergy equals BaselineEnergy + CurtailmentEnergy + SurplusEnergy.
type ImbalanceRecord struct {
	Start             time.Time
	Period            PeriodKey
	BaselineEnergy    float64
	CurtailmentEnergy float64
	SurplusEnergy     float64
	TotalEnergy       float64
}

// PriceBand is one declared bid-offer pair for a settlement period.
// Shortfall is the bid price, Surplus the offer price.
type PriceBand struct {
	Period    PeriodKey
	LevelFrom float64
	LevelTo   float64
	Shortfall decimal.Decimal
	Surplus   decimal.Decimal
	TierID    int
}

// Tier is a half-open level range [From, To) with the prices valid across it.
type Tier struct {
	From      float64
	To        float64
	Shortfall decimal.Decimal
	Surplus   decimal.Decimal
}

// Ladder is the contiguous tier sequence for one period, together with the
// period's curtailment and surplus energy.
type Ladder struct {
	Tiers       []Tier
	Curtailment float64
	Surplus     float64
}

// CashflowResult is the money outcome for one settlement period.
type CashflowResult struct {
	Period    PeriodKey
	Shortfall decimal.Decimal
	Surplus   decimal.Decimal
}
