package settlement

import (
	"fmt"
	"sort"
	"time"
)

// ResampleBaseline forward-fills declared baseline samples onto a one-minute grid
// covering [start, end).
//
// Each output minute carries the level and the declared period of the last sample
// starting at or before it, so a sample keeps its own period label when it is
// carried into neighbouring periods. Minutes before the first sample are never
// emitted. A zero start places no lower bound; a zero end stops at the final
// sample's TimeTo, or at its first minute when TimeTo is unset.
func ResampleBaseline(samples []BaselineSample, start, end time.Time) ([]BaselineMinute, []error) {
	var rejected []error
	valid := make([]BaselineSample, 0, len(samples))
	for _, s := range samples {
		if !s.TimeTo.IsZero() && !s.TimeFrom.Before(s.TimeTo) {
			rejected = append(rejected, fmt.Errorf("baseline sample %s (%s): %w",
				s.TimeFrom.Format(time.RFC3339), s.Period, ErrMalformedInterval))
			continue
		}
		s.TimeFrom = s.TimeFrom.UTC().Truncate(time.Minute)
		valid = append(valid, s)
	}
	if len(valid) == 0 {
		return nil, rejected
	}

	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].TimeFrom.Before(valid[j].TimeFrom)
	})

	stop := end.UTC()
	if end.IsZero() {
		last := valid[len(valid)-1]
		if last.TimeTo.IsZero() {
			stop = last.TimeFrom.Add(time.Minute)
		} else {
			stop = last.TimeTo.UTC()
		}
	}

	var out []BaselineMinute
	idx := 0
	for t := valid[0].TimeFrom; t.Before(stop); t = t.Add(time.Minute) {
		for idx+1 < len(valid) && !valid[idx+1].TimeFrom.After(t) {
			idx++
		}
		if !start.IsZero() && t.Before(start) {
			continue
		}
		current := valid[idx]
		out = append(out, BaselineMinute{Minute: t, Level: current.Level, Period: current.Period})
	}
	return out, rejected
}
