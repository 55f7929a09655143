package settlement

import (
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/interp"
)

type minuteClaim struct {
	level  float64
	issued time.Time
}

// ResolveInstructions collapses possibly overlapping instructions into one
// instructed level per minute.
//
// Every instruction is ramped linearly from LevelFrom to LevelTo over its own
// minutes, both endpoints included. Where instructions overlap, the one with the
// latest IssuedAt owns the minute; on equal IssuedAt the instruction that appears
// later in the input wins. Instructions with TimeFrom >= TimeTo are rejected
// individually and reported in the returned error slice.
func ResolveInstructions(instructions []Instruction) ([]ResolvedLevel, []error) {
	var rejected []error
	claims := make(map[int64]minuteClaim)

	for _, ins := range instructions {
		if !ins.TimeFrom.Before(ins.TimeTo) {
			rejected = append(rejected, fmt.Errorf("instruction %d (%s -> %s): %w",
				ins.SequenceID, ins.TimeFrom.Format(time.RFC3339), ins.TimeTo.Format(time.RFC3339), ErrMalformedInterval))
			continue
		}

		minutes, levels, err := rampInstruction(ins)
		if err != nil {
			rejected = append(rejected, fmt.Errorf("instruction %d: %w", ins.SequenceID, err))
			continue
		}

		for i, minute := range minutes {
			key := minute.Unix()
			if current, ok := claims[key]; ok && ins.IssuedAt.Before(current.issued) {
				continue
			}
			claims[key] = minuteClaim{level: levels[i], issued: ins.IssuedAt}
		}
	}

	resolved := make([]ResolvedLevel, 0, len(claims))
	for key, claim := range claims {
		resolved = append(resolved, ResolvedLevel{Minute: time.Unix(key, 0).UTC(), Level: claim.level})
	}
	sort.Slice(resolved, func(i, j int) bool {
		return resolved[i].Minute.Before(resolved[j].Minute)
	})
	return resolved, rejected
}

// rampInstruction expands an instruction to one level per minute. Mismatched
// LevelFrom/LevelTo pairs are ramped rather than rejected.
func rampInstruction(ins Instruction) ([]time.Time, []float64, error) {
	start := ins.TimeFrom.UTC().Truncate(time.Minute)
	end := ins.TimeTo.UTC()

	var minutes []time.Time
	for t := start; !t.After(end); t = t.Add(time.Minute) {
		minutes = append(minutes, t)
	}

	if len(minutes) == 1 {
		return minutes, []float64{ins.LevelFrom}, nil
	}

	var ramp interp.PiecewiseLinear
	last := float64(len(minutes) - 1)
	if err := ramp.Fit([]float64{0, last}, []float64{ins.LevelFrom, ins.LevelTo}); err != nil {
		return nil, nil, fmt.Errorf("fit ramp: %w", err)
	}

	levels := make([]float64, len(minutes))
	for i := range minutes {
		levels[i] = ramp.Predict(float64(i))
	}
	// keep the declared endpoints exact
	levels[0] = ins.LevelFrom
	levels[len(levels)-1] = ins.LevelTo
	return minutes, levels, nil
}
