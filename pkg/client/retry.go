package client

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry behavior.
var (
	fhirRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fhir_request_retries_total",
		Help: "Total number of FHIR request retries by error class",
	}, []string{"error_class"})

	fhirRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fhir_retry_backoff_seconds",
		Help:    "Backoff durations between retry attempts",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"error_class"})

	fhirRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fhir_retry_exhausted_total",
		Help: "Total number of requests that exhausted all retry attempts",
	}, []string{"error_class"})
)

// DefaultRetryAfter is the wait applied to a 429 response whose
// Retry-After header is missing or unparsable.
const DefaultRetryAfter = 60 * time.Second

// RetryPolicy defines retry behavior for failed requests.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration

	// BackoffMultiplier scales the backoff after each retry.
	BackoffMultiplier float64

	// RetryableStatusCodes lists the HTTP statuses that are retried.
	RetryableStatusCodes []int

	// ExcludeStatusCodes overrides RetryableStatusCodes: listed statuses
	// fail terminally even when retryable.
	ExcludeStatusCodes []int

	// HonorRetryAfter makes 429 responses wait the server-provided
	// Retry-After duration instead of the computed backoff.
	HonorRetryAfter bool
}

// DefaultRetryPolicy returns the retry configuration used when a Config
// leaves Retry unset.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:          3,
		InitialBackoff:       500 * time.Millisecond,
		MaxBackoff:           30 * time.Second,
		BackoffMultiplier:    2.0,
		RetryableStatusCodes: []int{429, 500, 502, 503, 504},
		HonorRetryAfter:      true,
	}
}

// shouldRetry reports whether a response status is retryable under the
// policy.
func (p RetryPolicy) shouldRetry(status int) bool {
	for _, code := range p.ExcludeStatusCodes {
		if code == status {
			return false
		}
	}
	for _, code := range p.RetryableStatusCodes {
		if code == status {
			return true
		}
	}
	return false
}

// retryDecision tells the retry loop how to continue after an attempt.
type retryDecision struct {
	// retry requests another attempt.
	retry bool

	// immediate skips the backoff wait (used for the post-refresh resend).
	immediate bool

	// retryAfter, when positive, replaces the computed backoff with a
	// server-directed wait.
	retryAfter time.Duration

	// errorClass labels retry metrics and logs.
	errorClass ErrorClass

	// err is the attempt's failure. It becomes the return value on a
	// terminal decision and is wrapped into the exhaustion error.
	err error
}

// retryWithBackoff runs fn until it succeeds, fails terminally, or the
// policy's attempts run out. Backoff grows exponentially with jitter
// unless the decision carries a server-directed wait.
func retryWithBackoff(ctx context.Context, policy RetryPolicy, logger zerolog.Logger, fn func(attempt int) retryDecision) error {
	backoff := policy.InitialBackoff
	var lastErr error
	var lastClass ErrorClass

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		decision := fn(attempt)
		if !decision.retry {
			return decision.err
		}
		lastErr = decision.err
		lastClass = decision.errorClass

		if attempt == policy.MaxAttempts {
			break
		}

		fhirRetriesTotal.WithLabelValues(string(decision.errorClass)).Inc()

		if decision.immediate {
			continue
		}

		wait := decision.retryAfter
		if wait <= 0 {
			// Add jitter (±20%) to prevent thundering herd
			wait = time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		}
		fhirRetryBackoffSeconds.WithLabelValues(string(decision.errorClass)).Observe(wait.Seconds())

		logger.Warn().
			Int("attempt", attempt).
			Int("max_attempts", policy.MaxAttempts).
			Dur("backoff", wait).
			Str("error_class", string(decision.errorClass)).
			Err(decision.err).
			Msg("Request failed, retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-time.After(wait):
		}

		backoff = time.Duration(float64(backoff) * policy.BackoffMultiplier)
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}

	fhirRetryExhaustedTotal.WithLabelValues(string(lastClass)).Inc()
	logger.Error().
		Int("attempts", policy.MaxAttempts).
		Err(lastErr).
		Msg("Retry attempts exhausted")
	return fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, policy.MaxAttempts, lastErr)
}

// parseRetryAfter reads a Retry-After header value, accepting both the
// delta-seconds and HTTP-date forms. Returns fallback when the value is
// absent or unparsable.
func parseRetryAfter(value string, now time.Time, fallback time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		d := when.Sub(now)
		if d < 0 {
			return 0
		}
		return d
	}
	return fallback
}
