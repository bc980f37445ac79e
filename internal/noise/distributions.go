package noise

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/stat/distuv"
)

// Sampler draws one noise sample per call. Implementations must be safe
// to call repeatedly from a single task (noise draws are not
// parallelized, spec §5).
type Sampler interface {
	Sample() float64
}

// NewSampler builds the gonum distribution matching p, scaled so that the
// mechanism satisfies (epsilon, delta)-DP for the given L1 sensitivity.
func NewSampler(p Params, rng *rand.Rand) (Sampler, error) {
	switch p.Distribution {
	case "", Laplace:
		scale := p.L1Sensitivity / p.Epsilon
		return &laplaceSampler{dist: distuv.Laplace{Mu: 0, Scale: scale, Src: rng}}, nil
	case Gaussian:
		sigma := gaussianSigma(p)
		return &gaussianSampler{dist: distuv.Normal{Mu: 0, Sigma: sigma, Src: rng}}, nil
	default:
		return nil, fmt.Errorf("noise: unknown distribution %q", p.Distribution)
	}
}

func gaussianSigma(p Params) float64 {
	return math.Sqrt(2*math.Log(1.25/p.Delta)) * p.L1Sensitivity / p.Epsilon
}

type laplaceSampler struct{ dist distuv.Laplace }

func (s *laplaceSampler) Sample() float64 { return s.dist.Rand() }

type gaussianSampler struct{ dist distuv.Normal }

func (s *gaussianSampler) Sample() float64 { return s.dist.Rand() }
