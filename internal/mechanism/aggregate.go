package mechanism

import (
	"math"
	"slices"

	"dpledger/internal/core"
)

// Aggregate is the exact answer to a query before noise.
type Aggregate struct {
	Values   []float64
	BinEdges []float64
}

// Compute evaluates the true aggregate. cohort is the number of matching
// records; values are the column values of those records (nil for count).
func Compute(q core.QueryRequest, cohort int, values []float64) (Aggregate, error) {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Aggregate{}, core.ErrInvalid("column %q has non-finite values", q.Column)
		}
	}
	switch q.Type {
	case core.QueryCount:
		return Aggregate{Values: []float64{float64(cohort)}}, nil
	case core.QuerySum:
		return Aggregate{Values: []float64{sum(values)}}, nil
	case core.QueryMean:
		if len(values) == 0 {
			return Aggregate{}, core.ErrInvalid("column %q has no values in the cohort", q.Column)
		}
		return Aggregate{Values: []float64{sum(values) / float64(len(values))}}, nil
	case core.QueryMedian:
		if len(values) == 0 {
			return Aggregate{}, core.ErrInvalid("column %q has no values in the cohort", q.Column)
		}
		return Aggregate{Values: []float64{median(values)}}, nil
	case core.QueryHistogram:
		counts, edges := histogram(values, q.Bins)
		return Aggregate{Values: counts, BinEdges: edges}, nil
	}
	return Aggregate{}, core.ErrInvalid("unknown query type %q", q.Type)
}

func sum(values []float64) float64 {
	var s float64
	for _, v := range values {
		s += v
	}
	return s
}

// median averages the two middle order statistics for even lengths.
func median(values []float64) float64 {
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// histogram counts values into bins equal-width buckets over [min, max]. The
// last bucket is closed on the right. When every value is equal they all land
// in the first bucket. Values must be finite.
func histogram(values []float64, bins int) ([]float64, []float64) {
	counts := make([]float64, bins)
	edges := make([]float64, bins+1)
	if len(values) == 0 {
		return counts, edges
	}

	// Work on half the span so max-min cannot overflow.
	lo, hi := slices.Min(values), slices.Max(values)
	step := (hi/2 - lo/2) / float64(bins)
	for i := range edges {
		edges[i] = lo + step*float64(i) + step*float64(i)
	}
	edges[bins] = hi

	for _, v := range values {
		idx := 0
		if step > 0 {
			idx = min(max(int((v/2-lo/2)/step), 0), bins-1)
		}
		counts[idx]++
	}
	return counts, edges
}
