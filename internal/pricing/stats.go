package pricing

import (
	"math"
	"sort"
)

// PriceTiers is the three-point price recommendation derived from a set of
// observed sale prices: quick (fast liquidity), market (expected), premium
// (patient seller).
type PriceTiers struct {
	QuickSell  float64
	Market     float64
	Premium    float64
	SampleSize int
	IsEstimate bool
}

// Median returns the median of prices. prices must be non-empty.
func Median(prices []float64) float64 {
	sorted := sortedCopy(prices)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// Percentile returns the p-th percentile (p in [0,1]) of prices using linear
// interpolation between the two bracketing order statistics. p=0 returns the
// minimum and p=1 the maximum. prices must be non-empty.
func Percentile(prices []float64, p float64) float64 {
	sorted := sortedCopy(prices)
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}

	rank := p * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo < 0 {
		lo = 0
	}
	if hi > n-1 {
		hi = n - 1
	}
	if lo == hi {
		return sorted[lo]
	}

	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// Tiers computes price tiers from prices: quick sell at the 25th percentile,
// market at the median, premium at the 75th percentile. prices must be
// non-empty.
//
// With a single price there is no spread to interpolate, so all three tiers
// collapse to that price. Callers that need a spread should combine the
// result with an independent estimate (see Combine), which bounds the tiers
// with the AI's own quick/premium extremes.
func Tiers(prices []float64) PriceTiers {
	return PriceTiers{
		QuickSell:  Percentile(prices, 0.25),
		Market:     Median(prices),
		Premium:    Percentile(prices, 0.75),
		SampleSize: len(prices),
	}
}

func sortedCopy(prices []float64) []float64 {
	sorted := make([]float64, len(prices))
	copy(sorted, prices)
	sort.Float64s(sorted)
	return sorted
}
