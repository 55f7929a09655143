package settlement

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
)

// EnergyUnit selects the unit energy figures are reported in.
type EnergyUnit string

const (
	MWh EnergyUnit = "MWh"
	GWh EnergyUnit = "GWh"
)

// Multiplier converts MWh into the unit.
func (u EnergyUnit) Multiplier() (float64, error) {
	switch u {
	case MWh, "":
		return 1, nil
	case GWh:
		return 1.0 / 1000, nil
	default:
		return 0, fmt.Errorf("unsupported energy unit %q", string(u))
	}
}

func (u EnergyUnit) normalized() EnergyUnit {
	if u == "" {
		return MWh
	}
	return u
}

// ParseInterval parses a reporting interval such as "30m", "1h" or "1d".
// A "d" suffix means 24 hours; everything else follows time.ParseDuration.
func ParseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if strings.HasSuffix(v, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(v, "d"))
		if err != nil {
			return 0, fmt.Errorf("parse interval %q: %w", v, err)
		}
		if days <= 0 {
			return 0, fmt.Errorf("interval %q must be positive", v)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse interval %q: %w", v, err)
	}
	if d < time.Minute {
		return 0, fmt.Errorf("interval %q must be at least one minute", v)
	}
	return d, nil
}

// AggregateOptions controls downsampling.
type AggregateOptions struct {
	Interval time.Duration
	Unit     EnergyUnit
}

type bucketSums struct {
	start    time.Time
	period   PeriodKey
	baseline []float64
	curtail  []float64
	surplus  []float64
	total    []float64
}

// AggregateImbalance right-joins the resolved instructed levels onto the baseline
// minutes and sums energy per reporting bucket.
//
// Every baseline minute is kept; instructed minutes without a baseline minute are
// dropped. delta = instructed - baseline where an instruction covers the minute,
// 0 otherwise. Each minute contributes level/60 * unit multiplier, assuming
// constant power within the minute. Buckets are aligned to the Unix epoch and take
// their period label from their first minute.
func AggregateImbalance(resolved []ResolvedLevel, baseline []BaselineMinute, opts AggregateOptions) ([]ImbalanceRecord, error) {
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("aggregate interval must be positive")
	}
	multiplier, err := opts.Unit.Multiplier()
	if err != nil {
		return nil, err
	}
	if len(baseline) == 0 {
		return nil, nil
	}

	instructed := make(map[int64]float64, len(resolved))
	for _, r := range resolved {
		instructed[r.Minute.Unix()] = r.Level
	}

	factor := multiplier / 60
	var buckets []*bucketSums
	var current *bucketSums
	for _, m := range baseline {
		start := epochFloor(m.Minute, opts.Interval)
		if current == nil || !current.start.Equal(start) {
			current = &bucketSums{start: start, period: m.Period}
			buckets = append(buckets, current)
		}

		delta := 0.0
		if level, ok := instructed[m.Minute.Unix()]; ok {
			delta = level - m.Level
		}

		current.baseline = append(current.baseline, m.Level*factor)
		current.curtail = append(current.curtail, min(delta, 0)*factor)
		current.surplus = append(current.surplus, max(delta, 0)*factor)
		current.total = append(current.total, (m.Level+delta)*factor)
	}

	records := make([]ImbalanceRecord, 0, len(buckets))
	for _, b := range buckets {
		records = append(records, ImbalanceRecord{
			Start:             b.start,
			Period:            b.period,
			BaselineEnergy:    floats.Sum(b.baseline),
			CurtailmentEnergy: floats.Sum(b.curtail),
			SurplusEnergy:     floats.Sum(b.surplus),
			TotalEnergy:       floats.Sum(b.total),
		})
	}
	return records, nil
}

// epochFloor rounds t down to a multiple of d counted from the Unix epoch.
func epochFloor(t time.Time, d time.Duration) time.Time {
	ns := t.UnixNano()
	rem := ns % int64(d)
	if rem < 0 {
		rem += int64(d)
	}
	return time.Unix(0, ns-rem).UTC()
}

// Totals sums a set of records, e.g. a whole reconciliation window.
func Totals(records []ImbalanceRecord) ImbalanceRecord {
	var out ImbalanceRecord
	for i, r := range records {
		if i == 0 {
			out.Start = r.Start
			out.Period = r.Period
		}
		out.BaselineEnergy += r.BaselineEnergy
		out.CurtailmentEnergy += r.CurtailmentEnergy
		out.SurplusEnergy += r.SurplusEnergy
		out.TotalEnergy += r.TotalEnergy
	}
	return out
}
