// Package risk implements the risk metrics used to score miner return
// series: drawdowns, parametric Value-at-Risk, Conditional VaR (expected
// shortfall), the Ulcer Index, and the composite Serenity index.
//
// All functions are pure and operate on fractional returns (0.01 = 1%).
// Statistics use the sample standard deviation (n-1). Functions return NaN
// when a statistic is undefined (e.g. fewer than two points); callers that
// need a score use SafeSerenity.
package risk

import (
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultConfidence is the VaR confidence level.
const DefaultConfidence = 0.95

// PrepareReturns replaces non-finite values with 0. The input is not modified.
func PrepareReturns(returns []float64) []float64 {
	out := make([]float64, len(returns))
	for i, r := range returns {
		if !math.IsNaN(r) && !math.IsInf(r, 0) {
			out[i] = r
		}
	}
	return out
}

// PriceIndex converts a series into a price index. A series that looks like
// returns (any value < 0, or every value < 1) is compounded from base;
// otherwise it is taken as prices already.
func PriceIndex(series []float64, base float64) []float64 {
	series = PrepareReturns(series)
	if len(series) == 0 {
		return nil
	}
	lo, hi := series[0], series[0]
	for _, v := range series[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if !(lo < 0 || hi < 1) {
		return series
	}
	prices := make([]float64, len(series))
	level := 1.0
	for i, r := range series {
		level *= 1 + r
		prices[i] = base * level
	}
	return prices
}

// DrawdownSeries returns price/running_max(price) - 1 for the compounded
// series. Every element lies in [-1, 0]. A running max that never rose above
// zero means the series was wiped out from its first point and reads -1.
func DrawdownSeries(returns []float64) []float64 {
	prices := PriceIndex(returns, 1.0)
	dd := make([]float64, len(prices))
	peak := math.Inf(-1)
	for i, p := range prices {
		peak = math.Max(peak, p)
		v := -1.0
		if peak > 0 {
			v = math.Max(p/peak-1, -1)
		}
		dd[i] = v
	}
	return dd
}

// MaxDrawdown is the minimum of the drawdown series, or 0 for an empty series.
func MaxDrawdown(returns []float64) float64 {
	dd := DrawdownSeries(returns)
	if len(dd) == 0 {
		return 0
	}
	m := dd[0]
	for _, v := range dd[1:] {
		m = math.Min(m, v)
	}
	return m
}

// ValueAtRisk computes the variance-covariance VaR: the (1-confidence)
// quantile of a normal distribution fitted to the sample mean and std.
// Confidence values above 1 are read as percentages.
func ValueAtRisk(returns []float64, confidence float64) float64 {
	returns = PrepareReturns(returns)
	if confidence > 1 {
		confidence /= 100
	}
	mu := Mean(returns)
	sigma := Std(returns)
	return normPPF(1-confidence, mu, sigma)
}

// ConditionalValueAtRisk is the mean of the returns strictly below VaR. It
// falls back to VaR itself when no return lies below the threshold.
func ConditionalValueAtRisk(returns []float64, confidence float64) float64 {
	returns = PrepareReturns(returns)
	v := ValueAtRisk(returns, confidence)
	var sum float64
	var n int
	for _, r := range returns {
		if r < v {
			sum += r
			n++
		}
	}
	if n == 0 {
		return v
	}
	return sum / float64(n)
}

// UlcerIndex is the root-mean-square of the drawdown series with an n-1
// denominator.
func UlcerIndex(returns []float64) float64 {
	dd := DrawdownSeries(returns)
	if len(returns) < 2 {
		return math.NaN()
	}
	var sq float64
	for _, v := range dd {
		sq += v * v
	}
	return math.Sqrt(sq / float64(len(returns)-1))
}

// Serenity computes the Serenity index of returns,
//
//	sum(returns) / (ulcer(returns) · (-CVaR(drawdowns(returns)) / std(returns)))
//
// paired with the max-drawdown of the raw change series. The score may be
// NaN or ±Inf for degenerate inputs.
func Serenity(returns, changes []float64) (float64, float64) {
	returns = PrepareReturns(returns)
	dd := DrawdownSeries(returns)
	pitfall := -ConditionalValueAtRisk(dd, DefaultConfidence) / Std(returns)
	score := Sum(returns) / (UlcerIndex(returns) * pitfall)
	return score, MaxDrawdown(changes)
}

// SafeSerenity is Serenity with a non-finite score reported as 0.
func SafeSerenity(returns, changes []float64) (float64, float64) {
	score, mdd := Serenity(returns, changes)
	if math.IsNaN(score) || math.IsInf(score, 0) {
		score = 0
	}
	return score, mdd
}

// Sum adds the series.
func Sum(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}

// Mean is the arithmetic mean, NaN for an empty series.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	return stat.Mean(xs, nil)
}

// Std is the sample standard deviation, NaN for fewer than two points.
func Std(xs []float64) float64 {
	if len(xs) < 2 {
		return math.NaN()
	}
	return stat.StdDev(xs, nil)
}

// normPPF is the inverse CDF of N(mu, sigma²). A non-positive sigma has no
// distribution and yields NaN.
func normPPF(p, mu, sigma float64) float64 {
	if !(sigma > 0) || p <= 0 || p >= 1 {
		return math.NaN()
	}
	return distuv.Normal{Mu: mu, Sigma: sigma}.Quantile(p)
}
