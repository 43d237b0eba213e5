package client

import (
	"math/rand"
	"time"

	"github.com/postalsys/wsocks5/internal/config"
)

// backoff computes the client's reconnect delay: exponential growth bounded
// by MaxDelay, with symmetric jitter applied so many clients reconnecting at
// once don't all retry in lockstep.
type backoff struct {
	cfg     config.ReconnectConfig
	attempt int
	next    time.Duration
}

func newBackoff(cfg config.ReconnectConfig) *backoff {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2
	}
	return &backoff{cfg: cfg, next: cfg.InitialDelay}
}

// Next returns the delay before the next reconnect attempt and whether one
// is still permitted under MaxRetries (0 means unlimited).
func (b *backoff) Next() (time.Duration, bool) {
	if b.cfg.MaxRetries > 0 && b.attempt >= b.cfg.MaxRetries {
		return 0, false
	}
	b.attempt++

	delay := b.withJitter(b.next)
	b.next = time.Duration(float64(b.next) * b.cfg.Multiplier)
	if b.next > b.cfg.MaxDelay {
		b.next = b.cfg.MaxDelay
	}
	return delay, true
}

// Reset clears the attempt counter after a successful connection.
func (b *backoff) Reset() {
	b.attempt = 0
	b.next = b.cfg.InitialDelay
}

func (b *backoff) withJitter(d time.Duration) time.Duration {
	if b.cfg.Jitter <= 0 {
		return d
	}
	spread := float64(d) * b.cfg.Jitter
	delta := (rand.Float64()*2 - 1) * spread
	result := time.Duration(float64(d) + delta)
	if result < 0 {
		return d
	}
	return result
}
