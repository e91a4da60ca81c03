package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultDiscoveryTTL bounds how long a discovered token endpoint is
// reused before the well-known document is fetched again.
const DefaultDiscoveryTTL = time.Hour

// ClientCredentialsConfig configures an OAuth2 client-credentials token
// source.
type ClientCredentialsConfig struct {
	// TokenURL is the token endpoint. Ignored when WellKnownURL is set.
	TokenURL string

	// WellKnownURL points at an OpenID discovery document whose
	// token_endpoint is used instead of TokenURL.
	WellKnownURL string

	ClientID     string
	ClientSecret string

	// Scopes requested with the token, space-joined.
	Scopes []string

	// HTTPClient used for discovery and token requests. Defaults to a
	// client with a 30 second timeout.
	HTTPClient *http.Client

	// DiscoveryTTL overrides DefaultDiscoveryTTL.
	DiscoveryTTL time.Duration
}

// ClientCredentials fetches tokens with the OAuth2 client-credentials
// grant. Use its Fetch method as the RefreshFunc of a CachedTokenSource.
type ClientCredentials struct {
	config     ClientCredentialsConfig
	httpClient *http.Client
	logger     zerolog.Logger

	mu            sync.Mutex
	tokenEndpoint string
	discoveredAt  time.Time
}

// NewClientCredentials validates cfg and returns a token fetcher.
func NewClientCredentials(cfg ClientCredentialsConfig) (*ClientCredentials, error) {
	if cfg.TokenURL == "" && cfg.WellKnownURL == "" {
		return nil, fmt.Errorf("token URL or well-known URL is required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client ID and client secret are required")
	}
	if cfg.DiscoveryTTL <= 0 {
		cfg.DiscoveryTTL = DefaultDiscoveryTTL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &ClientCredentials{
		config:     cfg,
		httpClient: httpClient,
		logger:     log.With().Str("component", "auth").Logger(),
	}, nil
}

// Fetch requests a new token from the authorization server.
func (c *ClientCredentials) Fetch(ctx context.Context) (Token, error) {
	endpoint, err := c.endpoint(ctx)
	if err != nil {
		return Token{}, err
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	if len(c.config.Scopes) > 0 {
		form.Set("scope", strings.Join(c.config.Scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(c.config.ClientID, c.config.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Token{}, fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return Token{}, fmt.Errorf("token response missing access_token")
	}

	tok := Token{Value: payload.AccessToken}
	switch {
	case payload.ExpiresIn > 0:
		tok.Expiry = time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	default:
		tok.Expiry = jwtExpiry(payload.AccessToken)
	}

	c.logger.Debug().Str("endpoint", endpoint).Time("expiry", tok.Expiry).Msg("Fetched access token")
	return tok, nil
}

// endpoint returns the token endpoint, consulting the well-known document
// when configured. Discovery results are cached for DiscoveryTTL.
func (c *ClientCredentials) endpoint(ctx context.Context) (string, error) {
	if c.config.WellKnownURL == "" {
		return c.config.TokenURL, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tokenEndpoint != "" && time.Since(c.discoveredAt) < c.config.DiscoveryTTL {
		return c.tokenEndpoint, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.WellKnownURL, nil)
	if err != nil {
		return "", fmt.Errorf("build discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("discovery request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery endpoint returned %d", resp.StatusCode)
	}

	var doc struct {
		TokenEndpoint string `json:"token_endpoint"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("decode discovery document: %w", err)
	}
	if doc.TokenEndpoint == "" {
		return "", fmt.Errorf("discovery document missing token_endpoint")
	}

	c.tokenEndpoint = doc.TokenEndpoint
	c.discoveredAt = time.Now()
	c.logger.Debug().Str("endpoint", doc.TokenEndpoint).Msg("Discovered token endpoint")
	return c.tokenEndpoint, nil
}

// jwtExpiry extracts the exp claim from a JWT access token without
// verifying its signature. Returns the zero time when the token is not a
// JWT or carries no expiry.
func jwtExpiry(raw string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
