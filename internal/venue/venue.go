// Package venue simulates a closed set of liquidity venues with a uniform
// quote/execute capability. Venues compete on price; routing picks the best
// net output. All randomness flows through the Rand interface so tests can
// force specific variance and slippage outcomes.
package venue

import (
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Rand is the random source behind quote variance, execution slippage and
// artificial latency. Quote fan-out calls Float64 from one goroutine per
// venue, so implementations must be safe for concurrent use.
type Rand interface {
	// Float64 returns a value in [0, 1).
	Float64() float64
}

// lockedRand wraps math/rand for safe concurrent use from venue goroutines.
type lockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rnd.Float64()
}

// NewRand creates the default random source seeded from the clock.
func NewRand() Rand {
	return &lockedRand{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NewSeededRand creates a deterministic random source for tests and replays.
func NewSeededRand(seed int64) Rand {
	return &lockedRand{rnd: rand.New(rand.NewSource(seed))}
}

// Venue describes a single simulated liquidity source. Adding a venue is a
// pure extension: list one more entry in the configuration.
type Venue struct {
	Name         string
	FeePct       decimal.Decimal // fee percentage, e.g. 0.30
	VarianceFrac float64         // price drawn from base * [1-v, 1+v]
}

// jitter returns a duration uniformly drawn from [min, max].
func jitter(rnd Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rnd.Float64()*float64(max-min))
}

// spread maps u in [0,1) to [-1, 1).
func spread(u float64) float64 {
	return 2*u - 1
}
