package venue

import (
	"context"
	"fmt"
	"time"

	"orderflow/internal/domain"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// RouterConfig holds the routing simulation parameters.
type RouterConfig struct {
	Venues        []Venue
	PairPrices    map[string]decimal.Decimal // "SOL/USDC" -> base unit price
	DefaultPrice  decimal.Decimal            // fallback for unlisted pairs
	QuoteDelayMin time.Duration
	QuoteDelayMax time.Duration
}

// Router produces competing quotes from every configured venue.
type Router struct {
	cfg RouterConfig
	rnd Rand
}

// NewRouter creates a Router. rnd may be nil, in which case a clock-seeded
// source is used.
func NewRouter(cfg RouterConfig, rnd Rand) *Router {
	if rnd == nil {
		rnd = NewRand()
	}
	return &Router{cfg: cfg, rnd: rnd}
}

// Venues returns the configured venue set in declaration order.
func (r *Router) Venues() []Venue {
	return r.cfg.Venues
}

// QuoteAll fans out one quote call per venue and joins on all of them
// completing. Total routing latency is bounded by the slowest venue, not the
// sum. Quotes come back in venue declaration order.
func (r *Router) QuoteAll(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal) ([]domain.Quote, error) {
	if len(r.cfg.Venues) == 0 {
		return nil, fmt.Errorf("no venues configured")
	}

	quotes := make([]domain.Quote, len(r.cfg.Venues))
	g, gctx := errgroup.WithContext(ctx)

	for i, v := range r.cfg.Venues {
		g.Go(func() error {
			q, err := r.quoteOne(gctx, v, tokenIn, tokenOut, amountIn)
			if err != nil {
				return err
			}
			quotes[i] = q
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return quotes, nil
}

// quoteOne simulates a single venue's quote: network delay, base notional for
// the pair, venue variance, fee deduction.
func (r *Router) quoteOne(ctx context.Context, v Venue, tokenIn, tokenOut string, amountIn decimal.Decimal) (domain.Quote, error) {
	delay := jitter(r.rnd, r.cfg.QuoteDelayMin, r.cfg.QuoteDelayMax)
	select {
	case <-ctx.Done():
		return domain.Quote{}, ctx.Err()
	case <-time.After(delay):
	}

	base := r.basePrice(tokenIn, tokenOut)
	factor := 1 + spread(r.rnd.Float64())*v.VarianceFrac
	price := base.Mul(decimal.NewFromFloat(factor))

	gross := amountIn.Mul(price)
	fee := gross.Mul(v.FeePct).Div(decimal.NewFromInt(100))

	return domain.Quote{
		Venue:     v.Name,
		Price:     price,
		AmountOut: gross.Sub(fee),
		Fee:       fee,
		FeePct:    v.FeePct,
	}, nil
}

// basePrice resolves the base notional for a pair, falling back to the
// configured default for unlisted pairs.
func (r *Router) basePrice(tokenIn, tokenOut string) decimal.Decimal {
	if p, ok := r.cfg.PairPrices[tokenIn+"/"+tokenOut]; ok {
		return p
	}
	return r.cfg.DefaultPrice
}

// SelectBest picks the quote with the strictly greatest output amount. Ties go
// to the earliest declared venue, deterministically.
func SelectBest(quotes []domain.Quote) (domain.Quote, error) {
	if len(quotes) == 0 {
		return domain.Quote{}, fmt.Errorf("no quotes to select from")
	}

	best := quotes[0]
	for _, q := range quotes[1:] {
		if q.AmountOut.GreaterThan(best.AmountOut) {
			best = q
		}
	}
	return best, nil
}
