package mechanism

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dpledger/internal/core"
)

func seeded() Source {
	return rand.NewPCG(42, 1024)
}

func query(t *testing.T, q core.QueryRequest) core.QueryRequest {
	t.Helper()
	if q.Mechanism == "" {
		q.Mechanism = core.MechanismLaplace
	}
	if q.Sensitivity == 0 {
		q.Sensitivity = 1
	}
	if q.Epsilon == 0 {
		q.Epsilon = 1
	}
	if q.Type == core.QueryHistogram && q.Bins == 0 {
		q.Bins = core.DefaultBins
	}
	if q.Type.NeedsColumn() && q.Column == "" {
		q.Column = "age"
	}
	out, err := core.NewQueryRequest(q)
	require.NoError(t, err)
	return out
}

func TestUniformOpenInterval(t *testing.T) {
	assert.Greater(t, uniform(fixedSource(0)), 0.0)
	assert.Less(t, uniform(fixedSource(math.MaxUint64)), 1.0)
}

type fixedSource uint64

func (f fixedSource) Uint64() uint64 { return uint64(f) }

func TestLaplace_NoiseMeanTendsToZero(t *testing.T) {
	e := NewEngine(seeded())
	q := query(t, core.QueryRequest{Type: core.QueryCount, Epsilon: 0.5, Sensitivity: 1})

	const n = 200000
	var sum, sumSq float64
	for i := 0; i < n; i++ {
		out, err := e.Apply(q, []float64{100})
		require.NoError(t, err)
		sum += out.Noise[0]
		sumSq += out.Noise[0] * out.Noise[0]
		assert.Equal(t, out.Values[0]-100, out.Noise[0])
	}

	b := LaplaceScale(1, 0.5)
	mean := sum / n
	variance := sumSq/n - mean*mean
	// Standard error of the mean is sqrt(2)*b/sqrt(n), about 0.006.
	assert.InDelta(t, 0, mean, 0.05)
	assert.InEpsilon(t, 2*b*b, variance, 0.05)
}

func TestLaplace_NonDeterministic(t *testing.T) {
	e := NewEngine(nil)
	q := query(t, core.QueryRequest{Type: core.QueryCount})

	seen := map[float64]bool{}
	for i := 0; i < 20; i++ {
		out, err := e.Apply(q, []float64{500})
		require.NoError(t, err)
		seen[out.Values[0]] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestGaussianSigma_MatchesPrivacyProfile(t *testing.T) {
	tests := []struct {
		name    string
		epsilon float64
		delta   float64
		sens    float64
	}{
		{"small epsilon", 0.1, 1e-5, 1},
		{"unit epsilon", 1, 1e-5, 1},
		{"large delta branch", 1, 0.4, 1},
		{"large epsilon", 5, 1e-9, 2},
		{"very large epsilon", 20, 1e-6, 1},
		{"sensitivity scales", 1, 1e-5, 25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sigma, err := GaussianSigma(tt.sens, tt.epsilon, tt.delta)
			require.NoError(t, err)
			require.Greater(t, sigma, 0.0)
			assert.InEpsilon(t, tt.delta, gaussianDelta(sigma, tt.sens, tt.epsilon), 1e-6)
		})
	}
}

func TestGaussianSigma_Properties(t *testing.T) {
	loose, err := GaussianSigma(1, 1, 1e-3)
	require.NoError(t, err)
	tight, err := GaussianSigma(1, 1, 1e-6)
	require.NoError(t, err)
	assert.Greater(t, tight, loose)

	// Tighter than the classical sqrt(2 ln(1.25/delta)) / epsilon bound.
	sigma, err := GaussianSigma(1, 0.5, 1e-5)
	require.NoError(t, err)
	classic := math.Sqrt(2*math.Log(1.25/1e-5)) / 0.5
	assert.Less(t, sigma, classic)

	double, err := GaussianSigma(2, 0.5, 1e-5)
	require.NoError(t, err)
	assert.InEpsilon(t, 2*sigma, double, 1e-9)
}

func TestGaussianSigma_RejectsZeroDelta(t *testing.T) {
	_, err := GaussianSigma(1, 1, 0)
	assert.Equal(t, core.KindInvalidParameters, core.Kind(err))

	_, err = GaussianSigma(1, 1, 1)
	assert.Equal(t, core.KindInvalidParameters, core.Kind(err))

	// The engine enforces the same rule for hand-built requests.
	e := NewEngine(seeded())
	_, err = e.Apply(core.QueryRequest{Type: core.QueryCount, Mechanism: core.MechanismGaussian, Epsilon: 1, Sensitivity: 1}, []float64{1})
	assert.Equal(t, core.KindInvalidParameters, core.Kind(err))
}

func TestGaussian_EmpiricalStdDev(t *testing.T) {
	e := NewEngine(seeded())
	q := query(t, core.QueryRequest{Type: core.QueryCount, Mechanism: core.MechanismGaussian, Epsilon: 1, Delta: 1e-5})
	sigma, err := GaussianSigma(1, 1, 1e-5)
	require.NoError(t, err)

	const n = 100000
	var sum, sumSq float64
	for i := 0; i < n; i++ {
		out, err := e.Apply(q, []float64{0})
		require.NoError(t, err)
		assert.Equal(t, sigma, out.Scale)
		sum += out.Noise[0]
		sumSq += out.Noise[0] * out.Noise[0]
	}
	mean := sum / n
	assert.InDelta(t, 0, mean, 0.1)
	assert.InEpsilon(t, sigma, math.Sqrt(sumSq/n-mean*mean), 0.03)
}

func TestExponential(t *testing.T) {
	src := seeded()

	t.Run("dominant score wins", func(t *testing.T) {
		e := NewEngine(src)
		for i := 0; i < 100; i++ {
			idx, err := e.Select([]float64{0, 0, 10}, 10, 1)
			require.NoError(t, err)
			assert.Equal(t, 2, idx)
		}
	})

	t.Run("equal scores are uniform", func(t *testing.T) {
		counts := make([]int, 4)
		const n = 40000
		for i := 0; i < n; i++ {
			idx, err := Exponential(src, []float64{1, 1, 1, 1}, 1, 1)
			require.NoError(t, err)
			counts[idx]++
		}
		for _, c := range counts {
			assert.InEpsilon(t, n/4, c, 0.05)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := Exponential(src, nil, 1, 1)
		assert.Error(t, err)
		_, err = Exponential(src, []float64{math.NaN()}, 1, 1)
		assert.Error(t, err)
		_, err = Exponential(src, []float64{1}, 0, 1)
		assert.Error(t, err)
	})
}

func TestApply_ExponentialNotApplicable(t *testing.T) {
	e := NewEngine(seeded())
	for _, qt := range []core.QueryType{core.QueryCount, core.QuerySum, core.QueryMean, core.QueryMedian, core.QueryHistogram} {
		q := query(t, core.QueryRequest{Type: qt, Mechanism: core.MechanismExponential})
		_, err := e.Apply(q, []float64{1})
		require.Error(t, err, qt)
		assert.Equal(t, core.KindInvalidParameters, core.Kind(err))
		assert.Contains(t, core.Reason(err), "mechanism not applicable to query type")
	}
}

func TestCompute(t *testing.T) {
	values := []float64{4, 1, 3, 2}

	tests := []struct {
		name string
		q    core.QueryRequest
		want float64
	}{
		{"count", core.QueryRequest{Type: core.QueryCount}, 12},
		{"sum", core.QueryRequest{Type: core.QuerySum}, 10},
		{"mean", core.QueryRequest{Type: core.QueryMean}, 2.5},
		{"median even", core.QueryRequest{Type: core.QueryMedian}, 2.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg, err := Compute(query(t, tt.q), 12, values)
			require.NoError(t, err)
			require.Len(t, agg.Values, 1)
			assert.Equal(t, tt.want, agg.Values[0])
			assert.Nil(t, agg.BinEdges)
		})
	}

	t.Run("median odd", func(t *testing.T) {
		agg, err := Compute(query(t, core.QueryRequest{Type: core.QueryMedian}), 5, []float64{9, 1, 5, 7, 3})
		require.NoError(t, err)
		assert.Equal(t, 5.0, agg.Values[0])
	})

	t.Run("median does not reorder input", func(t *testing.T) {
		in := []float64{3, 1, 2}
		_, err := Compute(query(t, core.QueryRequest{Type: core.QueryMedian}), 3, in)
		require.NoError(t, err)
		assert.Equal(t, []float64{3, 1, 2}, in)
	})

	t.Run("mean of empty column", func(t *testing.T) {
		_, err := Compute(query(t, core.QueryRequest{Type: core.QueryMean}), 10, nil)
		assert.Equal(t, core.KindInvalidParameters, core.Kind(err))
	})

	for _, bad := range []float64{math.Inf(1), math.Inf(-1), math.NaN()} {
		for _, qt := range []core.QueryType{core.QuerySum, core.QueryMean, core.QueryMedian, core.QueryHistogram} {
			t.Run("non-finite "+string(qt), func(t *testing.T) {
				_, err := Compute(query(t, core.QueryRequest{Type: qt}), 3, []float64{1, bad, 2})
				require.Error(t, err)
				assert.Equal(t, core.KindInvalidParameters, core.Kind(err))
				assert.Contains(t, err.Error(), "non-finite")
			})
		}
	}
}

func TestHistogram(t *testing.T) {
	t.Run("equal width with closed last bin", func(t *testing.T) {
		counts, edges := histogram([]float64{0, 1, 2, 5, 9, 10}, 5)
		assert.Equal(t, []float64{2, 1, 1, 0, 2}, counts)
		assert.Equal(t, []float64{0, 2, 4, 6, 8, 10}, edges)
	})

	t.Run("constant column lands in first bin", func(t *testing.T) {
		counts, edges := histogram([]float64{7, 7, 7}, 3)
		assert.Equal(t, []float64{3, 0, 0}, counts)
		assert.Len(t, edges, 4)
	})

	t.Run("span wider than float64 range", func(t *testing.T) {
		tests := []struct {
			name   string
			values []float64
			bins   int
			want   []float64
		}{
			{"two extremes one bin", []float64{-1.5e308, 1.5e308}, 1, []float64{2}},
			{"two extremes two bins", []float64{-1.5e308, 1.5e308, -1.5e308, 1.5e308}, 2, []float64{2, 2}},
			{"full range", []float64{-math.MaxFloat64, 0, math.MaxFloat64}, 4, []float64{1, 0, 1, 1}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				require.NotPanics(t, func() {
					counts, edges := histogram(tt.values, tt.bins)
					assert.Equal(t, tt.want, counts)
					require.Len(t, edges, tt.bins+1)
					for _, e := range edges {
						assert.False(t, math.IsInf(e, 0) || math.IsNaN(e), "edge %v", e)
					}
					assert.Equal(t, tt.values[0], edges[0])
				})
			})
		}
	})

	t.Run("1000 records over 10 bins", func(t *testing.T) {
		src := seeded()
		values := make([]float64, 1000)
		for i := range values {
			values[i] = 18 + float64(src.Uint64()%70)
		}
		q := query(t, core.QueryRequest{Type: core.QueryHistogram, Column: "age", Bins: 10})
		agg, err := Compute(q, len(values), values)
		require.NoError(t, err)
		require.Len(t, agg.Values, 10)
		require.Len(t, agg.BinEdges, 11)
		assert.Equal(t, 1000.0, sum(agg.Values))

		out, err := NewEngine(seeded()).Apply(q, agg.Values)
		require.NoError(t, err)
		require.Len(t, out.Values, 10)
		noisySum := sum(out.Values)
		assert.InDelta(t, 1000, noisySum, 60)
		assert.NotEqual(t, 1000.0, noisySum)
	})
}
