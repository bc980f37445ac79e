// Package noise implements the Noised Aggregation Runner (C6): the
// domain-join, additive-noise, and thresholding algebra of spec §4.6.
package noise

import "math"

// Distribution selects the noise distribution.
type Distribution string

const (
	Laplace  Distribution = "laplace"
	Gaussian Distribution = "gaussian"
)

// Params are the differential-privacy parameters for one job (spec §4.6).
type Params struct {
	Epsilon       float64
	Delta         float64
	L1Sensitivity float64
	Distribution  Distribution
}

// ThresholdFunc computes tau from the job's privacy parameters. Tests
// inject a constant-zero implementation (spec §9 open question 3).
type ThresholdFunc func(p Params) float64

// ZeroThreshold is the constant-zero ThresholdFunc used by tests.
func ZeroThreshold(Params) float64 { return 0 }

// DefaultThreshold is the production threshold formula (spec §9 design
// note 3): the standard DP counting-query threshold for Laplace noise,
// and the Gaussian-mechanism equivalent for Gaussian noise.
func DefaultThreshold(p Params) float64 {
	switch p.Distribution {
	case Gaussian:
		sigma := math.Sqrt(2*math.Log(1.25/p.Delta)) * p.L1Sensitivity / p.Epsilon
		return sigma * math.Sqrt(2*math.Log(1.25/p.Delta))
	default:
		return (p.L1Sensitivity / p.Epsilon) * math.Log(1/(2*p.Delta))
	}
}
