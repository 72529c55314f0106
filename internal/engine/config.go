package engine

import (
	"time"

	"github.com/cloudmeter/quota/internal/config"
)

// Config controls the engine's run loop and per-account limits.
type Config struct {
	RunInterval    time.Duration
	Workers        int
	AccountTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:    time.Hour,
		Workers:        1,
		AccountTimeout: 5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	if c.AccountTimeout <= 0 {
		c.AccountTimeout = defaults.AccountTimeout
	}
	return c
}

// ProvideConfig maps the environment-derived engine settings onto the
// run-loop config.
func ProvideConfig(cfg config.EngineConfig) Config {
	return Config{
		RunInterval:    cfg.RunInterval,
		Workers:        cfg.Workers,
		AccountTimeout: cfg.AccountTimeout,
	}
}
