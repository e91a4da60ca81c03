// Package auth provides bearer token acquisition for the FHIR client: a
// cached token source that coordinates concurrent refreshes, and a
// client-credentials source for servers using OAuth2 service accounts.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Prometheus metrics for token operations.
var (
	fhirTokenRefreshesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fhir_token_refreshes_total",
		Help: "Total upstream token refresh calls",
	})

	fhirTokenRefreshErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fhir_token_refresh_errors_total",
		Help: "Total failed token refresh calls",
	})
)

// Token is a bearer token and its expiry. A zero Expiry means the token
// does not expire.
type Token struct {
	Value  string
	Expiry time.Time
}

// Valid reports whether the token is usable at now, leaving skew as a
// safety margin before the actual expiry.
func (t Token) Valid(now time.Time, skew time.Duration) bool {
	if t.Value == "" {
		return false
	}
	if t.Expiry.IsZero() {
		return true
	}
	return now.Add(skew).Before(t.Expiry)
}

// TokenSource supplies bearer tokens to the request executor.
type TokenSource interface {
	// Token returns the current token, refreshing it first when absent or
	// expired.
	Token(ctx context.Context) (Token, error)

	// Refresh obtains a replacement after the server rejected stale.
	// Implementations coordinate concurrent callers: one upstream refresh
	// serves every caller that observed the same stale token.
	Refresh(ctx context.Context, stale string) (Token, error)
}

// RefreshFunc obtains a fresh token from the authorization server.
type RefreshFunc func(ctx context.Context) (Token, error)

// DefaultExpirySkew is subtracted from token lifetimes so a token is
// refreshed slightly before the server would reject it.
const DefaultExpirySkew = 30 * time.Second

// CachedTokenSource caches the token returned by a RefreshFunc and
// serializes refreshes. Any number of goroutines may call Token and
// Refresh concurrently; when they all observe the same expired token,
// exactly one upstream call is made and everyone receives its result.
type CachedTokenSource struct {
	refresh RefreshFunc
	skew    time.Duration
	logger  zerolog.Logger

	group singleflight.Group

	mu      sync.Mutex
	current Token
}

// NewCachedTokenSource wraps refresh in a caching, refresh-coordinating
// source.
func NewCachedTokenSource(refresh RefreshFunc) (*CachedTokenSource, error) {
	if refresh == nil {
		return nil, fmt.Errorf("refresh func is required")
	}
	return &CachedTokenSource{
		refresh: refresh,
		skew:    DefaultExpirySkew,
		logger:  log.With().Str("component", "auth").Logger(),
	}, nil
}

// Token returns the cached token while valid and refreshes it otherwise.
func (s *CachedTokenSource) Token(ctx context.Context) (Token, error) {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()

	if current.Valid(time.Now(), s.skew) {
		return current, nil
	}
	return s.Refresh(ctx, current.Value)
}

// Refresh returns a token newer than stale. When another goroutine already
// replaced it, the cached token is returned without an upstream call;
// otherwise callers join the single in-flight refresh.
func (s *CachedTokenSource) Refresh(ctx context.Context, stale string) (Token, error) {
	if tok, ok := s.fresherThan(stale); ok {
		return tok, nil
	}

	v, err, _ := s.group.Do("token", func() (any, error) {
		// A refresh may have completed between the check above and joining
		// the flight.
		if tok, ok := s.fresherThan(stale); ok {
			return tok, nil
		}

		tok, err := s.refresh(ctx)
		fhirTokenRefreshesTotal.Inc()
		if err != nil {
			fhirTokenRefreshErrorsTotal.Inc()
			return Token{}, err
		}

		s.mu.Lock()
		s.current = tok
		s.mu.Unlock()

		s.logger.Debug().Time("expiry", tok.Expiry).Msg("Token refreshed")
		return tok, nil
	})
	if err != nil {
		return Token{}, fmt.Errorf("refresh token: %w", err)
	}
	return v.(Token), nil
}

func (s *CachedTokenSource) fresherThan(stale string) (Token, bool) {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	if current.Valid(time.Now(), s.skew) && current.Value != stale {
		return current, true
	}
	return Token{}, false
}

// StaticTokenSource returns the same token on every call. Refresh is a
// no-op, so a server rejecting the token surfaces as a terminal auth
// failure rather than a refresh loop.
type StaticTokenSource struct {
	token Token
}

// NewStaticTokenSource wraps a fixed bearer token value.
func NewStaticTokenSource(value string) *StaticTokenSource {
	return &StaticTokenSource{token: Token{Value: value}}
}

// Token implements TokenSource.
func (s *StaticTokenSource) Token(context.Context) (Token, error) {
	return s.token, nil
}

// Refresh implements TokenSource.
func (s *StaticTokenSource) Refresh(context.Context, string) (Token, error) {
	return s.token, nil
}
