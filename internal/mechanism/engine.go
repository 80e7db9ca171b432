package mechanism

import (
	"dpledger/internal/core"
)

// Engine applies the requested mechanism to a true aggregate.
type Engine struct {
	src Source
}

// NewEngine returns an engine drawing from src, or from the OS CSPRNG when src
// is nil.
func NewEngine(src Source) *Engine {
	if src == nil {
		src = CryptoSource{}
	}
	return &Engine{src: src}
}

// Noised is a mechanism output. Noise[i] = Values[i] - True[i].
type Noised struct {
	Values []float64
	Noise  []float64
	// Scale is the Laplace b or the Gaussian sigma used.
	Scale float64
}

// CheckApplicable rejects mechanisms that cannot answer the query type.
func CheckApplicable(q core.QueryRequest) error {
	if q.Mechanism == core.MechanismExponential {
		return core.ErrInvalid("mechanism not applicable to query type: %s cannot answer %s queries", q.Mechanism, q.Type)
	}
	return nil
}

// Apply noises every element of trueValues independently at the declared
// sensitivity. Histogram bins are disjoint, so per-bin noise composes in
// parallel and costs the query's epsilon once.
func (e *Engine) Apply(q core.QueryRequest, trueValues []float64) (Noised, error) {
	if err := CheckApplicable(q); err != nil {
		return Noised{}, err
	}

	var draw func() float64
	var scale float64
	switch q.Mechanism {
	case core.MechanismLaplace:
		scale = LaplaceScale(q.Sensitivity, q.Epsilon)
		draw = func() float64 { return laplaceNoise(e.src, scale) }
	case core.MechanismGaussian:
		sigma, err := GaussianSigma(q.Sensitivity, q.Epsilon, q.Delta)
		if err != nil {
			return Noised{}, err
		}
		scale = sigma
		draw = func() float64 { return gaussianNoise(e.src, sigma) }
	default:
		return Noised{}, core.ErrInvalid("unknown mechanism %q", q.Mechanism)
	}

	out := Noised{
		Values: make([]float64, len(trueValues)),
		Noise:  make([]float64, len(trueValues)),
		Scale:  scale,
	}
	for i, v := range trueValues {
		out.Values[i] = v + draw()
		out.Noise[i] = out.Values[i] - v
	}
	return out, nil
}

// Select runs the exponential mechanism over candidate scores.
func (e *Engine) Select(scores []float64, epsilon, sensitivity float64) (int, error) {
	return Exponential(e.src, scores, epsilon, sensitivity)
}
