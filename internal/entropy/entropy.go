// Package entropy computes per-tool and per-chain entropy estimates.
//
// Tool entropy is an empirically fitted Gaussian read from the catalog.
// Chain entropy sums member means and propagates uncertainty as the
// root-sum-of-squares of member standard deviations.
package entropy

import (
	"math"

	"teth/internal/catalog"
)

// Estimate is a Gaussian entropy estimate.
type Estimate struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
}

// Variance returns StdDev squared.
func (e Estimate) Variance() float64 {
	return e.StdDev * e.StdDev
}

// Interval returns the mean plus and minus z standard deviations.
func (e Estimate) Interval(z float64) (lo, hi float64) {
	return e.Mean - z*e.StdDev, e.Mean + z*e.StdDev
}

// OfTool returns the tool's entropy estimate.
func OfTool(t *catalog.Tool) Estimate {
	if t == nil {
		return Estimate{}
	}
	return Estimate{Mean: t.EntropyMean, StdDev: t.EntropyStdDev}
}

// OfChain returns the chain's total entropy estimate.
// The empty chain has zero entropy.
func OfChain(chain catalog.Chain) Estimate {
	var mean, variance float64
	for _, t := range chain {
		mean += t.EntropyMean
		variance += t.EntropyStdDev * t.EntropyStdDev
	}
	return Estimate{Mean: mean, StdDev: math.Sqrt(variance)}
}

// Total returns the chain's total entropy mean.
func Total(chain catalog.Chain) float64 {
	return OfChain(chain).Mean
}

// Max returns the largest member entropy mean, or 0 for an empty chain.
func Max(chain catalog.Chain) float64 {
	var m float64
	for i, t := range chain {
		if i == 0 || t.EntropyMean > m {
			m = t.EntropyMean
		}
	}
	return m
}

// Combine adds independent estimates.
func Combine(estimates ...Estimate) Estimate {
	var mean, variance float64
	for _, e := range estimates {
		mean += e.Mean
		variance += e.Variance()
	}
	return Estimate{Mean: mean, StdDev: math.Sqrt(variance)}
}

// Sample draws a value from the estimate's Gaussian, clipped at zero.
func (e Estimate) Sample(normFloat64 func() float64) float64 {
	v := e.Mean + e.StdDev*normFloat64()
	if v < 0 {
		return 0
	}
	return v
}
