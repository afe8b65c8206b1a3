package ports

import (
	"math/rand/v2"
	"time"
)

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// RandomSource returns a uniform int in [0, n).
type RandomSource interface {
	IntN(n int) int
}

// NewSeededRandom gives a reproducible source for tests and replays.
func NewSeededRandom(seed uint64) RandomSource {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

type globalRandom struct{}

func (globalRandom) IntN(n int) int { return rand.IntN(n) }

func DefaultRandom() RandomSource { return globalRandom{} }
