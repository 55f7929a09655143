package settlement

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func band(from, to float64, shortfall, surplus string, tier int) PriceBand {
	return PriceBand{
		Period:    PeriodKey{Date: "2025-01-02", Period: 21},
		LevelFrom: from,
		LevelTo:   to,
		Shortfall: dec(shortfall),
		Surplus:   dec(surplus),
		TierID:    tier,
	}
}

func assertTier(t *testing.T, got Tier, from, to float64, shortfall, surplus string) {
	t.Helper()
	assert.Equal(t, from, got.From)
	assert.Equal(t, to, got.To)
	assert.True(t, dec(shortfall).Equal(got.Shortfall), "shortfall: want %s, got %s", shortfall, got.Shortfall)
	assert.True(t, dec(surplus).Equal(got.Surplus), "surplus: want %s, got %s", surplus, got.Surplus)
}

func TestBuildLadderInsertsZeroBoundary(t *testing.T) {
	ladder, err := BuildLadder([]PriceBand{
		band(-300, -300, "-32.89", "15.93", -1),
		band(33, 33, "0", "77.67", 1),
		band(300, 300, "0", "999", 2),
	}, -70, 0)
	require.NoError(t, err)
	require.Len(t, ladder.Tiers, 3)

	assertTier(t, ladder.Tiers[0], -300, 0, "-32.89", "15.93")
	assertTier(t, ladder.Tiers[1], 0, 33, "0", "77.67")
	assertTier(t, ladder.Tiers[2], 33, 300, "0", "999")
	assert.True(t, ladder.Contiguous())
	assert.Equal(t, -70.0, ladder.Curtailment)
}

func TestBuildLadderDiscardsDeclaredZeroBand(t *testing.T) {
	ladder, err := BuildLadder([]PriceBand{
		band(-500, -500, "-6.42", "0", -1),
		band(500, 500, "100", "500", 1),
		band(0, 0, "-6.42", "0", 0),
	}, 0, 100)
	require.NoError(t, err)
	require.Len(t, ladder.Tiers, 2)

	assertTier(t, ladder.Tiers[0], -500, 0, "-6.42", "0")
	assertTier(t, ladder.Tiers[1], 0, 500, "100", "500")

	lo, hi := ladder.Span()
	assert.Equal(t, -500.0, lo)
	assert.Equal(t, 500.0, hi)
}

func TestBuildLadderIgnoresDuplicates(t *testing.T) {
	bands := []PriceBand{
		band(-587, -587, "-150", "2000", -1),
		band(587, 587, "-150", "2000", 1),
	}
	once, err := BuildLadder(bands, 0, 100)
	require.NoError(t, err)

	twice, err := BuildLadder(append(append([]PriceBand{}, bands...), bands...), 0, 100)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
	require.Len(t, twice.Tiers, 2)
}

func TestBuildLadderAnchorsOnInnermostNegativeBand(t *testing.T) {
	ladder, err := BuildLadder([]PriceBand{
		band(-100, -100, "-99999", "-99999", -2),
		band(-100, -100, "105", "174", -1),
		band(100, 100, "105", "174", 1),
		band(100, 100, "99999", "99999", 2),
	}, -3.35, 0)
	require.NoError(t, err)
	require.Len(t, ladder.Tiers, 4)

	assertTier(t, ladder.Tiers[0], -100, -100, "105", "174")
	assertTier(t, ladder.Tiers[1], -100, 0, "105", "174")
	assertTier(t, ladder.Tiers[2], 0, 100, "105", "174")
	assertTier(t, ladder.Tiers[3], 100, 100, "99999", "99999")
	assert.True(t, ladder.Contiguous())
}

func TestBuildLadderWithoutNegativeBands(t *testing.T) {
	ladder, err := BuildLadder([]PriceBand{
		band(200, 200, "20", "80", 2),
		band(100, 100, "10", "60", 1),
	}, 0, 150)
	require.NoError(t, err)
	require.Len(t, ladder.Tiers, 2)

	assertTier(t, ladder.Tiers[0], 0, 100, "10", "60")
	assertTier(t, ladder.Tiers[1], 100, 200, "20", "80")
}

func TestBuildLadderEmpty(t *testing.T) {
	_, err := BuildLadder(nil, -1, 0)
	assert.True(t, errors.Is(err, ErrEmptyLadder))

	_, err = BuildLadder([]PriceBand{band(0, 0, "1", "1", 0)}, -1, 0)
	assert.True(t, errors.Is(err, ErrEmptyLadder))
}

func TestBuildLadderRejectsInvertedTier(t *testing.T) {
	_, err := BuildLadder([]PriceBand{
		band(-200, -200, "10", "10", -2),
		band(-100, -300, "20", "20", -1),
	}, -5, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedLadder))
}

func TestLadderContiguous(t *testing.T) {
	l := Ladder{Tiers: []Tier{{From: -10, To: 0}, {From: 5, To: 10}}}
	assert.False(t, l.Contiguous())

	lo, hi := Ladder{}.Span()
	assert.Equal(t, 0.0, lo)
	assert.Equal(t, 0.0, hi)
}
