package mechanism

import "math"

// LaplaceScale is the noise scale b = sensitivity / epsilon.
func LaplaceScale(sensitivity, epsilon float64) float64 {
	return sensitivity / epsilon
}

// laplaceNoise draws from Laplace(0, b) by inverting the CDF.
func laplaceNoise(src Source, b float64) float64 {
	u := uniform(src) - 0.5
	if u < 0 {
		return b * math.Log(1+2*u)
	}
	return -b * math.Log(1-2*u)
}
