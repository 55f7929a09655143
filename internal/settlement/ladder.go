package settlement

import (
	"fmt"
	"sort"
)

// BuildLadder turns the bands declared for one period into a contiguous ladder of
// half-open tiers running from the most negative declared level, through 0, to the
// most positive one.
//
// Declared bands mark absolute levels with a flat price per level. An as-declared
// 0/0 band is discarded and exactly one canonical boundary row at level 0 is
// inserted, priced like the innermost negative band (or the innermost band overall
// when nothing is declared below zero). Rows are ordered by LevelFrom, ties by
// TierID, and every row then takes its upper bound and prices from its successor;
// the last row has no successor and is dropped.
func BuildLadder(bands []PriceBand, curtailment, surplus float64) (Ladder, error) {
	rows := make([]PriceBand, 0, len(bands)+1)
	seen := make(map[bandIdentity]struct{}, len(bands))
	for _, b := range bands {
		if b.LevelFrom == 0 && b.LevelTo == 0 {
			continue
		}
		id := identityOf(b)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		rows = append(rows, b)
	}
	if len(rows) == 0 {
		return Ladder{}, ErrEmptyLadder
	}

	anchor := innermostBand(rows)
	rows = append(rows, PriceBand{
		Period:    anchor.Period,
		Shortfall: anchor.Shortfall,
		Surplus:   anchor.Surplus,
	})

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].LevelFrom != rows[j].LevelFrom {
			return rows[i].LevelFrom < rows[j].LevelFrom
		}
		return rows[i].TierID < rows[j].TierID
	})

	tiers := make([]Tier, 0, len(rows)-1)
	for i := 0; i < len(rows)-1; i++ {
		next := rows[i+1]
		tier := Tier{
			From:      rows[i].LevelFrom,
			To:        next.LevelTo,
			Shortfall: next.Shortfall,
			Surplus:   next.Surplus,
		}
		if tier.To < tier.From {
			return Ladder{}, fmt.Errorf("tier [%g, %g): %w", tier.From, tier.To, ErrMalformedLadder)
		}
		tiers = append(tiers, tier)
	}

	return Ladder{Tiers: tiers, Curtailment: curtailment, Surplus: surplus}, nil
}

// innermostBand picks the band whose price anchors the zero boundary row: the
// negative band closest to zero, or failing that the band with the lowest LevelTo.
// Ties go to the TierID nearest zero.
func innermostBand(rows []PriceBand) PriceBand {
	var best *PriceBand
	for i := range rows {
		b := &rows[i]
		if b.LevelTo >= 0 {
			continue
		}
		if best == nil || b.LevelTo > best.LevelTo || (b.LevelTo == best.LevelTo && absInt(b.TierID) < absInt(best.TierID)) {
			best = b
		}
	}
	if best != nil {
		return *best
	}

	for i := range rows {
		b := &rows[i]
		if best == nil || b.LevelTo < best.LevelTo || (b.LevelTo == best.LevelTo && absInt(b.TierID) < absInt(best.TierID)) {
			best = b
		}
	}
	return *best
}

// Span returns the level range covered by the ladder.
func (l Ladder) Span() (float64, float64) {
	if len(l.Tiers) == 0 {
		return 0, 0
	}
	return l.Tiers[0].From, l.Tiers[len(l.Tiers)-1].To
}

// Contiguous reports whether every tier starts where the previous one ends.
func (l Ladder) Contiguous() bool {
	for i := 1; i < len(l.Tiers); i++ {
		if l.Tiers[i].From != l.Tiers[i-1].To {
			return false
		}
	}
	return true
}

type bandIdentity struct {
	from, to           float64
	shortfall, surplus string
	tier               int
}

func identityOf(b PriceBand) bandIdentity {
	return bandIdentity{
		from:      b.LevelFrom,
		to:        b.LevelTo,
		shortfall: b.Shortfall.String(),
		surplus:   b.Surplus.String(),
		tier:      b.TierID,
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
