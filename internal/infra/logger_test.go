package infra

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
)

func TestNewLogger_LevelFromConfig(t *testing.T) {
	cases := []struct {
		level       string
		debugOn     bool
		wantEnabled slog.Level
	}{
		{"debug", true, slog.LevelDebug},
		{"info", false, slog.LevelInfo},
		{"warn", false, slog.LevelWarn},
		{"unknown", false, slog.LevelInfo},
	}

	for _, tc := range cases {
		t.Run(tc.level, func(t *testing.T) {
			cfg := &Config{}
			cfg.Logging.Level = tc.level
			cfg.Logging.Dir = filepath.Join(t.TempDir(), "logs")
			cfg.Logging.MaxSizeMB = 1
			cfg.Logging.MaxBackups = 1
			cfg.Logging.MaxAgeDays = 1

			logger := NewLogger(cfg)
			if logger == nil {
				t.Fatal("NewLogger returned nil")
			}

			h := logger.Handler()
			if got := h.Enabled(context.Background(), slog.LevelDebug); got != tc.debugOn {
				t.Errorf("debug enabled = %v, want %v", got, tc.debugOn)
			}
			if !h.Enabled(context.Background(), tc.wantEnabled) {
				t.Errorf("level %s should be enabled", tc.wantEnabled)
			}
		})
	}
}
