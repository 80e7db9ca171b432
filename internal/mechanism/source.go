// Package mechanism implements the aggregation and noise mechanisms applied to
// query results.
package mechanism

import (
	"crypto/rand"
	"encoding/binary"
	"math"
)

// Source supplies random bits to the mechanisms. Production code uses
// CryptoSource; tests may inject a seeded generator.
type Source interface {
	Uint64() uint64
}

// CryptoSource reads from the operating system CSPRNG.
type CryptoSource struct{}

func (CryptoSource) Uint64() uint64 {
	var b [8]byte
	// crypto/rand.Read does not return an error on supported platforms.
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// uniform returns a float in the open interval (0, 1).
func uniform(src Source) float64 {
	return (float64(src.Uint64()>>11) + 0.5) / (1 << 53)
}

// standardNormal draws from N(0, 1) with the Box-Muller transform.
func standardNormal(src Source) float64 {
	u1, u2 := uniform(src), uniform(src)
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}
