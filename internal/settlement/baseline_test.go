package settlement

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResampleBaselineForwardFills(t *testing.T) {
	p21 := PeriodKey{Date: "2025-01-02", Period: 21}
	p22 := PeriodKey{Date: "2025-01-02", Period: 22}
	samples := []BaselineSample{
		{TimeFrom: mustTime(t, "2025-01-02T10:03:00Z"), Level: 200, Period: p22},
		{TimeFrom: mustTime(t, "2025-01-02T10:00:00Z"), Level: 100, Period: p21},
	}

	out, rejected := ResampleBaseline(samples, time.Time{}, mustTime(t, "2025-01-02T10:05:00Z"))
	require.Empty(t, rejected)
	require.Len(t, out, 5)

	wantLevels := []float64{100, 100, 100, 200, 200}
	wantPeriods := []PeriodKey{p21, p21, p21, p22, p22}
	for i, m := range out {
		assert.Equal(t, wantLevels[i], m.Level, "minute %d", i)
		assert.Equal(t, wantPeriods[i], m.Period, "minute %d", i)
	}
}

func TestResampleBaselineSkipsMinutesBeforeFirstSampleAndStart(t *testing.T) {
	samples := []BaselineSample{
		{TimeFrom: mustTime(t, "2025-01-02T10:00:00Z"), Level: 100, Period: PeriodKey{Date: "2025-01-02", Period: 21}},
	}

	out, _ := ResampleBaseline(samples, mustTime(t, "2025-01-02T09:55:00Z"), mustTime(t, "2025-01-02T10:03:00Z"))
	require.Len(t, out, 3)
	assert.Equal(t, mustTime(t, "2025-01-02T10:00:00Z"), out[0].Minute)

	out, _ = ResampleBaseline(samples, mustTime(t, "2025-01-02T10:01:00Z"), mustTime(t, "2025-01-02T10:03:00Z"))
	require.Len(t, out, 2)
	assert.Equal(t, mustTime(t, "2025-01-02T10:01:00Z"), out[0].Minute)
}

func TestResampleBaselineCarriesAcrossDays(t *testing.T) {
	late := PeriodKey{Date: "2025-01-01", Period: 48}
	samples := []BaselineSample{
		{TimeFrom: mustTime(t, "2025-01-01T23:58:00Z"), Level: 42, Period: late},
	}

	out, _ := ResampleBaseline(samples, time.Time{}, mustTime(t, "2025-01-02T00:03:00Z"))
	require.Len(t, out, 5)
	for _, m := range out {
		assert.Equal(t, 42.0, m.Level)
		assert.Equal(t, late, m.Period)
	}
}

func TestResampleBaselineZeroEndUsesLastTimeTo(t *testing.T) {
	samples := []BaselineSample{
		{TimeFrom: mustTime(t, "2025-01-02T10:00:00Z"), TimeTo: mustTime(t, "2025-01-02T10:30:00Z"), Level: 10},
		{TimeFrom: mustTime(t, "2025-01-02T10:30:00Z"), TimeTo: mustTime(t, "2025-01-02T11:00:00Z"), Level: 20},
	}
	out, _ := ResampleBaseline(samples, time.Time{}, time.Time{})
	assert.Len(t, out, 60)

	samples[1].TimeTo = time.Time{}
	out, _ = ResampleBaseline(samples, time.Time{}, time.Time{})
	assert.Len(t, out, 31)
}

func TestResampleBaselineRejectsMalformed(t *testing.T) {
	samples := []BaselineSample{
		{TimeFrom: mustTime(t, "2025-01-02T10:30:00Z"), TimeTo: mustTime(t, "2025-01-02T10:00:00Z"), Level: 10},
	}
	out, rejected := ResampleBaseline(samples, time.Time{}, time.Time{})
	assert.Empty(t, out)
	require.Len(t, rejected, 1)
	assert.True(t, errors.Is(rejected[0], ErrMalformedInterval))
}

func TestResampleBaselineEmpty(t *testing.T) {
	out, rejected := ResampleBaseline(nil, time.Time{}, time.Time{})
	assert.Empty(t, out)
	assert.Empty(t, rejected)
}
