package mypipe

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig controls the delay between relay retries.
type BackoffConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    bool // add a random value in [0, BaseDelay)
}

// backoffFromRelay reads the retry settings of a RelayConfig.
func backoffFromRelay(cfg RelayConfig) BackoffConfig {
	return BackoffConfig{
		BaseDelay: time.Duration(cfg.BaseDelayMs) * time.Millisecond,
		MaxDelay:  time.Duration(cfg.MaxDelayMs) * time.Millisecond,
		Jitter:    cfg.Jitter,
	}
}

// ComputeDelay returns min(base * 2^(attempt-1) + jitter, max).
// attempt is 1-indexed; attempt <= 0 is treated as 1.
func ComputeDelay(attempt int, cfg BackoffConfig) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	delay := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1))

	if cfg.Jitter {
		delay += rand.Float64() * float64(cfg.BaseDelay)
	}

	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	return time.Duration(delay)
}
