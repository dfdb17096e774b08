package risk

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sample = []float64{0.01, 0.02, -0.01, 0.03, -0.02, 0.01, 0.04, -0.03, 0.02, 0.01}

func TestSerenity_RegressionValue(t *testing.T) {
	score, mdd := Serenity(sample, sample)

	require.False(t, math.IsNaN(score))
	assert.InDelta(t, 4.378956252400916, score, 1e-9)
	assert.InDelta(t, -0.03, mdd, 1e-12)
}

func TestSerenity_NeverNaNForNonConstantSeries(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		n := 3 + rng.Intn(25)
		series := make([]float64, n)
		for j := range series {
			series[j] = rng.NormFloat64() * 0.05
		}
		// make sure at least one drawdown exists
		series[0] = 0.05
		series[1] = -0.05
		score, _ := Serenity(series, series)
		assert.False(t, math.IsNaN(score), "series %v", series)
	}
}

func TestSafeSerenity_ConstantSeriesScoresZero(t *testing.T) {
	flat := []float64{0, 0, 0, 0}
	score, mdd := SafeSerenity(flat, flat)
	assert.Zero(t, score)
	assert.Zero(t, mdd)

	score, _ = SafeSerenity([]float64{0.01}, []float64{0.01})
	assert.Zero(t, score)
}

func TestDrawdownSeries_Bounds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		series := make([]float64, 1+rng.Intn(40))
		for j := range series {
			series[j] = (rng.Float64() - 0.5) * 3 // includes losses beyond -100%
		}
		for _, v := range DrawdownSeries(series) {
			assert.GreaterOrEqual(t, v, -1.0)
			assert.LessOrEqual(t, v, 0.0)
			assert.False(t, math.Signbit(v) && v == 0, "negative zero leaked")
		}
	}
}

func TestDrawdownSeries_KnownValues(t *testing.T) {
	dd := DrawdownSeries([]float64{0.1, -0.5, 0.2})
	require.Len(t, dd, 3)
	assert.Equal(t, 0.0, dd[0])
	assert.InDelta(t, -0.5, dd[1], 1e-12)
	assert.InDelta(t, -0.4, dd[2], 1e-12)
	assert.InDelta(t, -0.5, MaxDrawdown([]float64{0.1, -0.5, 0.2}), 1e-12)
}

func TestDrawdownSeries_WipeoutOnFirstPoint(t *testing.T) {
	dd := DrawdownSeries([]float64{-1, 0.5})
	require.Len(t, dd, 2)
	assert.Equal(t, -1.0, dd[0])
	assert.Equal(t, -1.0, dd[1])
	assert.Equal(t, -1.0, MaxDrawdown([]float64{-1}))
	assert.Equal(t, -1.0, MaxDrawdown([]float64{-1.5, 0.2}))
}

func TestStatistics(t *testing.T) {
	assert.InDelta(t, 0.008, Mean(sample), 1e-12)
	assert.InDelta(t, 0.01, Std([]float64{0.01, 0.02, 0.03}), 1e-12)
	assert.True(t, math.IsNaN(Mean(nil)))
	assert.True(t, math.IsNaN(Std([]float64{0.1})))
}

func TestDrawdownSeries_Empty(t *testing.T) {
	assert.Empty(t, DrawdownSeries(nil))
	assert.Zero(t, MaxDrawdown(nil))
}

func TestPriceIndex_PassesThroughPriceLikeSeries(t *testing.T) {
	prices := []float64{1, 2, 3}
	assert.Equal(t, prices, PriceIndex(prices, 1))

	idx := PriceIndex([]float64{0.5, 0.5}, 1)
	assert.InDelta(t, 2.25, idx[1], 1e-12)
}

func TestValueAtRisk(t *testing.T) {
	// mean 0, sample std sqrt(2)
	v := ValueAtRisk([]float64{-1, 1}, 0.95)
	assert.InDelta(t, -1.6448536269514722*math.Sqrt2, v, 1e-9)

	// percentages are accepted
	assert.InDelta(t, v, ValueAtRisk([]float64{-1, 1}, 95), 1e-12)

	assert.True(t, math.IsNaN(ValueAtRisk([]float64{0.1, 0.1}, 0.95)))
}

func TestConditionalValueAtRisk(t *testing.T) {
	// Nothing lies below the VaR of a two-point series: falls back to VaR.
	assert.Equal(t, ValueAtRisk([]float64{-1, 1}, 0.95), ConditionalValueAtRisk([]float64{-1, 1}, 0.95))

	series := []float64{0, 0, 0, 0, 0, 0, 0, 0, 0, -1}
	assert.InDelta(t, -1.0, ConditionalValueAtRisk(series, 0.95), 1e-12)
}

func TestUlcerIndex(t *testing.T) {
	// drawdowns 0, -0.5 → sqrt(0.25/1)
	assert.InDelta(t, 0.5, UlcerIndex([]float64{0.1, -0.5}), 1e-12)
	assert.True(t, math.IsNaN(UlcerIndex([]float64{0.1})))
}

func TestPrepareReturns(t *testing.T) {
	in := []float64{math.NaN(), math.Inf(1), 0.5}
	out := PrepareReturns(in)
	assert.Equal(t, []float64{0, 0, 0.5}, out)
	assert.True(t, math.IsNaN(in[0]), "input must not be modified")
}
