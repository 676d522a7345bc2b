package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	SessionsRoot  string        `env:"SM_SESSIONS_ROOT"`
	DBPath        string        `env:"SM_DB_PATH"`
	LogLevel      string        `env:"SM_LOG_LEVEL,default=info"`
	PollInterval  time.Duration `env:"SM_POLL_INTERVAL,default=30s"`
	PricingPath   string        `env:"SM_PRICING_PATH"`
	QueueCapacity int           `env:"SM_QUEUE_CAPACITY,default=64"`
	TaskTimeout   time.Duration `env:"SM_TASK_TIMEOUT,default=60s"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}
	if cfg.SessionsRoot == "" || cfg.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir for defaults: %w", err)
		}
		if cfg.SessionsRoot == "" {
			cfg.SessionsRoot = filepath.Join(home, ".sessionmirror", "sessions")
		}
		if cfg.DBPath == "" {
			cfg.DBPath = filepath.Join(home, ".sessionmirror", "usage.db")
		}
	}
	if cfg.QueueCapacity < 1 {
		return nil, fmt.Errorf("SM_QUEUE_CAPACITY must be >= 1, got %d", cfg.QueueCapacity)
	}
	return &cfg, nil
}

func WriteHelp(w io.Writer, version string) {
	fmt.Fprintf(w, "sessionmirror %s\n\n", version)
	fmt.Fprintln(w, "Environment variables:")
	fmt.Fprintln(w, "  SM_SESSIONS_ROOT=~/.sessionmirror/sessions")
	fmt.Fprintln(w, "  SM_DB_PATH=~/.sessionmirror/usage.db")
	fmt.Fprintln(w, "  SM_LOG_LEVEL=info")
	fmt.Fprintln(w, "  SM_POLL_INTERVAL=30s")
	fmt.Fprintln(w, "  SM_PRICING_PATH=")
	fmt.Fprintln(w, "  SM_QUEUE_CAPACITY=64")
	fmt.Fprintln(w, "  SM_TASK_TIMEOUT=60s")
}
