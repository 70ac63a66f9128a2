package app

import (
	"log/slog"
	"time"

	"orderflow/internal/infra"
	"orderflow/internal/infra/storage"
	"orderflow/internal/queue"
	"orderflow/internal/venue"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config  *infra.Config
	Storage *storage.Storage
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize performs core system initialization (config, logger, DB).
func (b *Bootstrap) Initialize() error {
	slog.Info("🚀 Bootstrapping Orderflow...")

	// 1. Load Config
	cfg, err := infra.LoadConfig("configs/config.yaml")
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized")

	return nil
}

// Venues maps the configured venue entries onto the simulator's venue type,
// preserving declaration order.
func (b *Bootstrap) Venues() []venue.Venue {
	venues := make([]venue.Venue, 0, len(b.Config.Router.Venues))
	for _, v := range b.Config.Router.Venues {
		venues = append(venues, venue.Venue{
			Name:         v.Name,
			FeePct:       v.FeePct,
			VarianceFrac: v.VarianceFrac,
		})
	}
	return venues
}

// RouterConfig assembles the quote simulator settings from the loaded config.
func (b *Bootstrap) RouterConfig() venue.RouterConfig {
	r := b.Config.Router
	return venue.RouterConfig{
		Venues:        b.Venues(),
		PairPrices:    r.Pairs,
		DefaultPrice:  r.DefaultPrice,
		QuoteDelayMin: time.Duration(r.QuoteDelayMinMS) * time.Millisecond,
		QuoteDelayMax: time.Duration(r.QuoteDelayMaxMS) * time.Millisecond,
	}
}

// ExecutorConfig assembles the execution simulator settings.
func (b *Bootstrap) ExecutorConfig() venue.ExecutorConfig {
	r := b.Config.Router
	return venue.ExecutorConfig{
		ExecDelayMin:   time.Duration(r.ExecDelayMinMS) * time.Millisecond,
		ExecDelayMax:   time.Duration(r.ExecDelayMaxMS) * time.Millisecond,
		SlippageSpread: r.SlippageSpread,
	}
}

// QueueConfig assembles the retry engine settings.
func (b *Bootstrap) QueueConfig() queue.Config {
	q := b.Config.Queue
	return queue.Config{
		Workers:      q.Workers,
		MaxAttempts:  q.MaxAttempts,
		BaseDelay:    time.Duration(q.BaseDelayMS) * time.Millisecond,
		MaxDelay:     time.Duration(q.MaxDelayMS) * time.Millisecond,
		RatePerSec:   q.RatePerSec,
		RateBurst:    q.RateBurst,
		PollInterval: time.Duration(q.PollMS) * time.Millisecond,
	}
}
