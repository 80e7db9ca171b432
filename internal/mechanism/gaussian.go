package mechanism

import (
	"math"

	"dpledger/internal/core"
)

// GaussianSigma calibrates the noise standard deviation with the analytic
// Gaussian mechanism (Balle and Wang, 2018): the smallest sigma for which the
// mechanism is (epsilon, delta)-DP for the given L2 sensitivity. It is valid
// for every epsilon > 0 and delta in (0, 1).
func GaussianSigma(sensitivity, epsilon, delta float64) (float64, error) {
	if !(sensitivity > 0) || !(epsilon > 0) || math.IsInf(epsilon, 0) {
		return 0, core.ErrInvalid("gaussian calibration needs positive sensitivity and epsilon")
	}
	if !(delta > 0) || delta >= 1 {
		return 0, core.ErrInvalid("delta must be > 0 for the gaussian mechanism")
	}

	// expPhiNeg(x) = e^epsilon * Phi(-x), evaluated in log space.
	expPhiNeg := func(x float64) float64 {
		return math.Exp(epsilon + logPhiNeg(x))
	}

	delta0 := phi(0) - expPhiNeg(math.Sqrt(2*epsilon))

	var alpha float64
	if delta >= delta0 {
		// B+(v) increases from delta0 toward 1; take sup{v : B+(v) <= delta}.
		bPlus := func(v float64) float64 {
			return phi(math.Sqrt(epsilon*v)) - expPhiNeg(math.Sqrt(epsilon*(v+2)))
		}
		v, _, ok := bisect(func(v float64) bool { return bPlus(v) <= delta })
		if !ok {
			return 0, core.ErrInvalid("gaussian calibration did not converge")
		}
		alpha = math.Sqrt(1+v/2) - math.Sqrt(v/2)
	} else {
		// B-(u) decreases from delta0 toward 0; take inf{u : B-(u) <= delta}.
		bMinus := func(u float64) float64 {
			return phiNeg(math.Sqrt(epsilon*u)) - expPhiNeg(math.Sqrt(epsilon*(u+2)))
		}
		_, u, ok := bisect(func(u float64) bool { return bMinus(u) > delta })
		if !ok {
			return 0, core.ErrInvalid("gaussian calibration did not converge")
		}
		alpha = math.Sqrt(1+u/2) + math.Sqrt(u/2)
	}

	return alpha * sensitivity / math.Sqrt(2*epsilon), nil
}

// gaussianDelta is the exact privacy profile of the Gaussian mechanism with
// standard deviation sigma.
func gaussianDelta(sigma, sensitivity, epsilon float64) float64 {
	a := sensitivity / (2 * sigma)
	b := epsilon * sigma / sensitivity
	return phi(a-b) - math.Exp(epsilon+logPhiNeg(a+b))
}

// bisect brackets the boundary t of a predicate that holds on [0, t) and
// fails beyond it. Callers pick the side that errs toward more noise.
func bisect(holds func(float64) bool) (lo, hi float64, ok bool) {
	lo, hi = 0.0, 1.0
	for holds(hi) {
		lo, hi = hi, hi*2
		if hi > 1e300 {
			return 0, 0, false
		}
	}
	for i := 0; i < 2000 && hi-lo > 1e-14*(1+hi); i++ {
		mid := lo + (hi-lo)/2
		if holds(mid) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, hi, true
}

// phi is the standard normal CDF.
func phi(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// phiNeg is Phi(-x).
func phiNeg(x float64) float64 {
	return 0.5 * math.Erfc(x/math.Sqrt2)
}

// logPhiNeg is log(Phi(-x)), using the asymptotic tail expansion where erfc
// underflows.
func logPhiNeg(x float64) float64 {
	if x < 30 {
		return math.Log(phiNeg(x))
	}
	x2 := x * x
	return -x2/2 - math.Log(x) - 0.5*math.Log(2*math.Pi) + math.Log1p(-1/x2+3/(x2*x2))
}

func gaussianNoise(src Source, sigma float64) float64 {
	return sigma * standardNormal(src)
}
