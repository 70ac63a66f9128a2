package infra

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// VenueConfig declares one simulated liquidity venue. Declaration order
// matters: quote results and tie-breaks follow it.
type VenueConfig struct {
	Name         string          `yaml:"name"`
	FeePct       decimal.Decimal `yaml:"fee_pct"`
	VarianceFrac float64         `yaml:"variance_frac"`
}

// Config holds all application settings. After LoadConfig, selected values
// may be overridden through environment variables.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Server struct {
		Addr           string `yaml:"addr"`
		InitialDelayMS int    `yaml:"initial_delay_ms"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Queue struct {
		Workers     int     `yaml:"workers"`
		MaxAttempts int     `yaml:"max_attempts"`
		BaseDelayMS int     `yaml:"base_delay_ms"`
		MaxDelayMS  int     `yaml:"max_delay_ms"`
		RatePerSec  float64 `yaml:"rate_per_sec"`
		RateBurst   int     `yaml:"rate_burst"`
		PollMS      int     `yaml:"poll_ms"`
	} `yaml:"queue"`

	Router struct {
		QuoteDelayMinMS int                        `yaml:"quote_delay_min_ms"`
		QuoteDelayMaxMS int                        `yaml:"quote_delay_max_ms"`
		ExecDelayMinMS  int                        `yaml:"exec_delay_min_ms"`
		ExecDelayMaxMS  int                        `yaml:"exec_delay_max_ms"`
		BuildDelayMS    int                        `yaml:"build_delay_ms"`
		SlippageSpread  float64                    `yaml:"slippage_spread"`
		DefaultPrice    decimal.Decimal            `yaml:"default_price"`
		Pairs           map[string]decimal.Decimal `yaml:"pairs"`
		Venues          []VenueConfig              `yaml:"venues"`
	} `yaml:"router"`

	Logging struct {
		Level      string `yaml:"level"`
		Dir        string `yaml:"dir"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills the settings a minimal config file may omit.
func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = 4
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.BaseDelayMS == 0 {
		cfg.Queue.BaseDelayMS = 2000
	}
	if cfg.Queue.MaxDelayMS == 0 {
		cfg.Queue.MaxDelayMS = 30000
	}
	if cfg.Queue.RatePerSec == 0 {
		cfg.Queue.RatePerSec = 50
	}
	if cfg.Queue.RateBurst == 0 {
		cfg.Queue.RateBurst = 10
	}
	if cfg.Queue.PollMS == 0 {
		cfg.Queue.PollMS = 200
	}
	if cfg.Router.SlippageSpread == 0 {
		cfg.Router.SlippageSpread = 1.5
	}
	if cfg.Router.DefaultPrice.IsZero() {
		cfg.Router.DefaultPrice = decimal.NewFromInt(100)
	}
	if len(cfg.Router.Venues) == 0 {
		cfg.Router.Venues = []VenueConfig{
			{Name: "raydium", FeePct: decimal.NewFromFloat(0.30), VarianceFrac: 0.02},
			{Name: "meteora", FeePct: decimal.NewFromFloat(0.25), VarianceFrac: 0.015},
		}
	}
	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = "logs"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 10
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 28
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue workers must be positive")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("at least one attempt is required")
	}
	if c.Queue.RatePerSec <= 0 {
		return fmt.Errorf("dispatch rate must be positive")
	}
	if c.Router.QuoteDelayMinMS > c.Router.QuoteDelayMaxMS {
		return fmt.Errorf("quote delay min %dms exceeds max %dms",
			c.Router.QuoteDelayMinMS, c.Router.QuoteDelayMaxMS)
	}
	if c.Router.ExecDelayMinMS > c.Router.ExecDelayMaxMS {
		return fmt.Errorf("exec delay min %dms exceeds max %dms",
			c.Router.ExecDelayMinMS, c.Router.ExecDelayMaxMS)
	}
	if c.Router.SlippageSpread < 0 {
		return fmt.Errorf("slippage spread must not be negative")
	}
	if !c.Router.DefaultPrice.IsPositive() {
		return fmt.Errorf("default price must be positive")
	}

	seen := make(map[string]bool, len(c.Router.Venues))
	for _, v := range c.Router.Venues {
		if v.Name == "" {
			return fmt.Errorf("venue name must not be empty")
		}
		if seen[v.Name] {
			return fmt.Errorf("duplicate venue: %s", v.Name)
		}
		seen[v.Name] = true
		if v.FeePct.IsNegative() || v.FeePct.GreaterThanOrEqual(decimal.NewFromInt(100)) {
			return fmt.Errorf("venue %s fee %s%% out of range", v.Name, v.FeePct)
		}
		if v.VarianceFrac < 0 || v.VarianceFrac >= 1 {
			return fmt.Errorf("venue %s variance %f out of range", v.Name, v.VarianceFrac)
		}
	}

	return nil
}

// overrideWithEnv applies environment variables over the file values.
func overrideWithEnv(cfg *Config) {
	if addr := os.Getenv("ORDERFLOW_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if path := os.Getenv("ORDERFLOW_DB_PATH"); path != "" {
		cfg.Storage.Path = path
	}
	if level := os.Getenv("ORDERFLOW_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}
