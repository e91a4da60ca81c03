// Package ratelimit gates outgoing FHIR requests. A token bucket smooths
// the steady-state request rate, and a shared penalty window pauses every
// sender when the server demands a back-off via 429 Retry-After.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Prometheus metrics for request gating.
var (
	fhirRateLimitWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fhir_ratelimit_waits_total",
		Help: "Total number of requests delayed by the token bucket",
	})

	fhirRateLimitPenaltiesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fhir_ratelimit_penalties_total",
		Help: "Total number of server-directed penalty windows applied",
	})

	fhirRateLimitPenaltySeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fhir_ratelimit_penalty_seconds",
		Help: "Length of the most recent penalty window in seconds",
	})
)

// Config controls the token bucket.
type Config struct {
	// RequestsPerSecond is the steady-state rate. Zero or negative
	// disables the bucket entirely.
	RequestsPerSecond float64

	// Burst is the bucket depth. Defaults to RequestsPerSecond rounded up
	// when unset.
	Burst int
}

// DefaultConfig returns a rate suitable for a shared clinical FHIR server.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10,
		Burst:             10,
	}
}

// Limiter throttles request dispatch. All methods are safe for concurrent
// use, and a nil *Limiter never blocks.
type Limiter struct {
	bucket *rate.Limiter
	logger zerolog.Logger

	mu           sync.Mutex
	penaltyUntil time.Time
}

// New creates a Limiter from cfg.
func New(cfg Config) *Limiter {
	l := &Limiter{
		logger: log.With().Str("component", "ratelimit").Logger(),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RequestsPerSecond + 0.5)
			if burst < 1 {
				burst = 1
			}
		}
		l.bucket = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return l
}

// Wait blocks until the caller may send a request: first until any active
// penalty window has passed, then until the token bucket admits it.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}

	if err := l.waitPenalty(ctx); err != nil {
		return err
	}

	if l.bucket == nil {
		return nil
	}

	reservation := l.bucket.Reserve()
	if !reservation.OK() {
		return fmt.Errorf("request exceeds rate limiter burst capacity")
	}
	delay := reservation.Delay()
	if delay == 0 {
		return nil
	}

	fhirRateLimitWaitsTotal.Inc()
	select {
	case <-ctx.Done():
		reservation.Cancel()
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// Penalize opens a penalty window of duration d. Concurrent senders all
// pause until it passes. A shorter window never shrinks an active longer
// one.
func (l *Limiter) Penalize(d time.Duration) {
	if l == nil || d <= 0 {
		return
	}

	until := time.Now().Add(d)

	l.mu.Lock()
	extended := until.After(l.penaltyUntil)
	if extended {
		l.penaltyUntil = until
	}
	l.mu.Unlock()

	if extended {
		fhirRateLimitPenaltiesTotal.Inc()
		fhirRateLimitPenaltySeconds.Set(d.Seconds())
		l.logger.Warn().
			Dur("penalty", d).
			Time("until", until).
			Msg("Server requested back-off, pausing all senders")
	}
}

// PenaltyRemaining returns how long the current penalty window still
// lasts, or zero when none is active.
func (l *Limiter) PenaltyRemaining() time.Duration {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	until := l.penaltyUntil
	l.mu.Unlock()

	remaining := time.Until(until)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (l *Limiter) waitPenalty(ctx context.Context) error {
	remaining := l.PenaltyRemaining()
	if remaining == 0 {
		return nil
	}

	l.logger.Debug().Dur("wait", remaining).Msg("Waiting out penalty window")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(remaining):
		return nil
	}
}
