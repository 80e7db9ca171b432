package mechanism

import (
	"math"

	"dpledger/internal/core"
)

// Exponential selects an index from scores with probability proportional to
// exp(epsilon * score / (2 * sensitivity)), using the Gumbel-max trick so large
// scores do not overflow.
func Exponential(src Source, scores []float64, epsilon, sensitivity float64) (int, error) {
	if len(scores) == 0 {
		return 0, core.ErrInvalid("exponential mechanism needs at least one candidate")
	}
	if !(epsilon > 0) || !(sensitivity > 0) {
		return 0, core.ErrInvalid("exponential mechanism needs positive epsilon and sensitivity")
	}
	best, bestKey := 0, math.Inf(-1)
	for i, s := range scores {
		if math.IsNaN(s) {
			return 0, core.ErrInvalid("score %d is not a number", i)
		}
		gumbel := -math.Log(-math.Log(uniform(src)))
		if key := epsilon*s/(2*sensitivity) + gumbel; key > bestKey {
			best, bestKey = i, key
		}
	}
	return best, nil
}
