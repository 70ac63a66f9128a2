package venue

import (
	"context"
	"strings"
	"time"

	"orderflow/internal/domain"

	"github.com/shopspring/decimal"
)

const (
	// TxRefLen is the length of a synthesized transaction reference.
	TxRefLen = 64

	// TxRefAlphabet is the character set transaction references draw from.
	TxRefAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var bpsScale = decimal.NewFromInt(10000)

// ExecutorConfig holds the execution simulation parameters.
type ExecutorConfig struct {
	ExecDelayMin time.Duration
	ExecDelayMax time.Duration

	// SlippageSpread scales the execution price perturbation as a multiple of
	// the order's tolerance window. Values above 1 make the slippage check
	// reachable under realistic variance.
	SlippageSpread float64
}

// Executor simulates trade execution against a selected venue: bounded
// latency, a price perturbation, and an explicit failure signal when realized
// slippage exceeds the order's tolerance.
type Executor struct {
	cfg    ExecutorConfig
	venues map[string]Venue
	rnd    Rand
}

// NewExecutor creates an Executor over the given venue set. rnd may be nil,
// in which case a clock-seeded source is used.
func NewExecutor(cfg ExecutorConfig, venues []Venue, rnd Rand) *Executor {
	if rnd == nil {
		rnd = NewRand()
	}
	byName := make(map[string]Venue, len(venues))
	for _, v := range venues {
		byName[v.Name] = v
	}
	return &Executor{cfg: cfg, venues: byName, rnd: rnd}
}

// Execute simulates executing amountIn at the given venue. The realized price
// is expectedPrice perturbed by a random factor bounded by SlippageSpread
// times the tolerance window. If realized slippage in basis points exceeds
// tolBps the call fails with a SlippageError.
func (e *Executor) Execute(ctx context.Context, venueName string, amountIn, expectedPrice decimal.Decimal, tolBps int64) (*domain.ExecutionResult, error) {
	if _, ok := e.venues[venueName]; !ok {
		return nil, domain.ErrUnknownVenue
	}

	delay := jitter(e.rnd, e.cfg.ExecDelayMin, e.cfg.ExecDelayMax)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(delay):
	}

	window := float64(tolBps) / 10000 * e.cfg.SlippageSpread
	perturb := spread(e.rnd.Float64()) * window
	executed := expectedPrice.Mul(decimal.NewFromFloat(1 + perturb))

	realizedBps := executed.Sub(expectedPrice).Abs().Div(expectedPrice).Mul(bpsScale)
	if realizedBps.GreaterThan(decimal.NewFromInt(tolBps)) {
		return nil, &domain.SlippageError{
			Expected:    expectedPrice,
			Executed:    executed,
			RealizedBps: realizedBps,
			LimitBps:    tolBps,
		}
	}

	return &domain.ExecutionResult{
		TxRef:         e.newTxRef(),
		ExecutedPrice: executed,
		AmountOut:     amountIn.Mul(executed),
		SlippageBps:   realizedBps,
	}, nil
}

// newTxRef synthesizes an opaque transaction reference. Collision probability
// over a 62-character alphabet at length 64 is astronomically small, so no
// dedup check is performed.
func (e *Executor) newTxRef() string {
	var b strings.Builder
	b.Grow(TxRefLen)
	for i := 0; i < TxRefLen; i++ {
		idx := int(e.rnd.Float64() * float64(len(TxRefAlphabet)))
		if idx >= len(TxRefAlphabet) {
			idx = len(TxRefAlphabet) - 1
		}
		b.WriteByte(TxRefAlphabet[idx])
	}
	return b.String()
}
