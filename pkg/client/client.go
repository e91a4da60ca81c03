// Package client executes requests against a FHIR REST server. It layers
// rate-limit gating, bearer token attachment with refresh-on-401, retry
// with exponential backoff, and Retry-After handling around plain HTTP,
// and reports every exchange as an Outcome that survives failure so
// callers can turn broken branches into error resources.
package client

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/clinsight/fhir-graph-client/pkg/auth"
	"github.com/clinsight/fhir-graph-client/pkg/cache"
	"github.com/clinsight/fhir-graph-client/pkg/fhir"
	"github.com/clinsight/fhir-graph-client/pkg/ratelimit"
)

// Prometheus metrics for request execution.
var (
	fhirRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fhir_requests_total",
		Help: "Total number of FHIR requests by resource type and status",
	}, []string{"resource_type", "status"})

	fhirRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fhir_request_duration_seconds",
		Help:    "FHIR request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"resource_type"})

	fhirErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fhir_request_errors_total",
		Help: "Total number of FHIR request errors by class",
	}, []string{"error_class"})
)

// ErrorClass categorizes request failures for retry decisions, metrics,
// and logging.
type ErrorClass string

const (
	// ErrorClassNone marks a successful exchange.
	ErrorClassNone ErrorClass = "none"

	// ErrorClassClient marks 4xx responses other than auth and rate limit.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer marks 5xx responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit marks 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassAuth marks 401 and 403 responses.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassNetwork marks transport failures without a response.
	ErrorClassNetwork ErrorClass = "network"
)

// classifyStatus maps an HTTP status to its error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorClassAuth
	case status >= 500:
		return ErrorClassServer
	case status >= 400:
		return ErrorClassClient
	default:
		return ErrorClassNone
	}
}

// Config holds client configuration.
type Config struct {
	// BaseURL of the FHIR server including any version segment,
	// e.g. https://fhir.example.com/4_0_0.
	BaseURL string

	// HTTPClient, when set, is used for all requests and never closed by
	// this package. When nil the client owns its transport and Close
	// releases it.
	HTTPClient *http.Client

	// Tokens supplies bearer tokens. Nil sends unauthenticated requests.
	Tokens auth.TokenSource

	// Retry controls the retry loop. The zero value is replaced by
	// DefaultRetryPolicy.
	Retry RetryPolicy

	// Limiter gates request dispatch. Nil disables throttling.
	Limiter *ratelimit.Limiter

	// Cache is the shared response cache. Nil disables response caching
	// and conditional requests.
	Cache *cache.SharedCache

	// RequestTimeout bounds each attempt. Zero leaves only the caller's
	// context deadline.
	RequestTimeout time.Duration

	// CompressRequests gzips request bodies, e.g. $graph documents.
	CompressRequests bool

	// Headers are added to every request.
	Headers map[string]string
}

// DefaultConfig returns a Config with production defaults for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		Retry:          DefaultRetryPolicy(),
		RequestTimeout: 30 * time.Second,
	}
}

// Client executes FHIR requests. It is safe for concurrent use.
type Client struct {
	config     Config
	httpClient *http.Client
	ownsClient bool
	logger     zerolog.Logger
}

// New creates a FHIR client from cfg.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", cfg.BaseURL)
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Retry.BackoffMultiplier < 1 {
		return nil, fmt.Errorf("backoff multiplier must be >= 1, got %v", cfg.Retry.BackoffMultiplier)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	ownsClient := false
	if httpClient == nil {
		httpClient = &http.Client{}
		ownsClient = true
	}

	return &Client{
		config:     cfg,
		httpClient: httpClient,
		ownsClient: ownsClient,
		logger:     log.With().Str("component", "client").Logger(),
	}, nil
}

// BaseURL returns the normalized server base URL.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// Close releases resources owned by the client. A caller-supplied
// HTTPClient is left untouched.
func (c *Client) Close() error {
	if c.ownsClient {
		c.httpClient.CloseIdleConnections()
	}
	return nil
}

// Request is a single FHIR HTTP exchange.
type Request struct {
	// Method defaults to GET.
	Method string

	// URL is the absolute request URL.
	URL string

	// Body is sent as the request payload for POST operations.
	Body []byte

	// Headers are added to this request only.
	Headers map[string]string

	// ResourceType and IDs give outcomes and error diagnostics their
	// context. They do not affect the request itself.
	ResourceType string
	IDs          []string

	// Context carries caller-defined values into error diagnostics.
	Context map[string]any
}

// Outcome is the result of one executed request. Failed requests still
// produce an Outcome so callers can turn them into error resources
// instead of aborting a whole traversal.
type Outcome struct {
	// RequestID correlates log lines and error diagnostics.
	RequestID string

	// URL actually requested.
	URL string

	// Status is the final HTTP status, zero when no response arrived.
	Status int

	// Resources parsed from a successful response body.
	Resources []fhir.Resource

	// Body is the raw response payload.
	Body []byte

	// Total echoes the bundle total when present, -1 otherwise.
	Total int

	// ResourceType and IDs echo the request context.
	ResourceType string
	IDs          []string

	// Error labels terminal HTTP failures ("NotFound", "Unauthorized",
	// "Error"). Empty on success.
	Error string

	// ErrorClass of the final response.
	ErrorClass ErrorClass

	// AccessToken used for the request, carried into error diagnostics.
	AccessToken string

	// CacheHit reports that the response was served from the shared
	// cache, either fresh or revalidated by a 304.
	CacheHit bool

	// Context echoes Request.Context.
	Context map[string]any
}

// OK reports whether the request succeeded with a 2xx response.
func (o *Outcome) OK() bool {
	return o.Error == "" && o.Status >= 200 && o.Status < 300
}

// NotModified reports whether the server answered 304 to a conditional
// request.
func (o *Outcome) NotModified() bool {
	return o.Status == http.StatusNotModified
}

// ErrorResource renders a failed outcome as an OperationOutcome carrying
// the full request context.
func (o *Outcome) ErrorResource() fhir.Resource {
	message := o.Error
	if message == "" {
		message = "Error"
	}
	return fhir.NewOperationOutcome(fhir.ErrorDetails{
		URL:          o.URL,
		Error:        message,
		Status:       o.Status,
		ResourceType: o.ResourceType,
		IDs:          o.IDs,
		AccessToken:  o.AccessToken,
		RequestID:    o.RequestID,
		ExtraContext: o.Context,
	})
}

// Do executes req with throttling, auth, and retries.
//
// Terminal HTTP failures such as 404 return a non-nil Outcome with Error
// set and a nil Go error. Retry exhaustion and cancellation return the
// partially filled Outcome together with the error so the request context
// is never lost.
func (c *Client) Do(ctx context.Context, req Request) (*Outcome, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("request URL is required")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	outcome := &Outcome{
		RequestID:    uuid.NewString(),
		URL:          req.URL,
		Total:        -1,
		ResourceType: req.ResourceType,
		IDs:          req.IDs,
		ErrorClass:   ErrorClassNone,
		Context:      req.Context,
	}

	logger := c.logger.With().
		Str("request_id", outcome.RequestID).
		Str("url", req.URL).
		Str("resource_type", req.ResourceType).
		Logger()

	// Step 0: Serve fresh entries from the shared cache; keep a stale
	// entry with validators around for a conditional request.
	var cachedEntry *cache.Entry
	var conditional map[string]string
	cacheKey := ""
	if c.config.Cache != nil && method == http.MethodGet {
		cacheKey = cache.NewKey(req.URL)
		entry, cerr := c.config.Cache.Get(ctx, cacheKey)
		switch {
		case cerr == nil && !entry.IsExpired():
			resources, perr := fhir.ParseResources(entry.Body)
			if perr == nil {
				outcome.Status = entry.StatusCode
				outcome.Resources = resources
				outcome.Body = entry.Body
				outcome.Total = fhir.BundleTotal(entry.Body)
				outcome.CacheHit = true
				logger.Debug().Bool("cache_hit", true).Msg("Request served from shared cache")
				return outcome, nil
			}
			logger.Warn().Err(perr).Msg("Cached body unreadable, refetching")
		case cerr == nil && entry.ShouldRevalidate():
			cachedEntry = entry
			conditional = entry.ConditionalHeaders()
		case cerr != nil && !errors.Is(cerr, cache.ErrCacheMiss):
			logger.Warn().Err(cerr).Msg("Shared cache read failed")
		}
	}

	start := time.Now()
	refreshed := false

	err := retryWithBackoff(ctx, c.config.Retry, logger, func(attempt int) retryDecision {
		// Step 1: Wait for the rate limiter and any penalty window.
		if err := c.config.Limiter.Wait(ctx); err != nil {
			return retryDecision{err: fmt.Errorf("rate limiter: %w", err)}
		}

		// Step 2: Attach the current bearer token.
		var token auth.Token
		if c.config.Tokens != nil {
			t, err := c.config.Tokens.Token(ctx)
			if err != nil {
				return retryDecision{err: fmt.Errorf("acquire token: %w", err)}
			}
			token = t
			outcome.AccessToken = token.Value
		}

		// Step 3: Send the request. The body is rebuilt from req.Body on
		// every attempt.
		status, header, body, err := c.send(ctx, method, req, token.Value, conditional)
		if err != nil {
			fhirErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			return retryDecision{
				retry:      true,
				errorClass: ErrorClassNetwork,
				err: &RequestError{
					URL:        req.URL,
					StatusCode: status,
					ErrorClass: ErrorClassNetwork,
					Message:    "request transport failed",
					Err:        err,
				},
			}
		}

		outcome.Status = status
		fhirRequestsTotal.WithLabelValues(metricType(req.ResourceType), strconv.Itoa(status)).Inc()

		// Step 4: Handle the response by status.
		switch {
		case status >= 200 && status < 300:
			resources, perr := fhir.ParseResources(body)
			if perr != nil {
				return retryDecision{err: fmt.Errorf("parse response body: %w", perr)}
			}
			outcome.Resources = resources
			outcome.Body = body
			outcome.Total = fhir.BundleTotal(body)
			outcome.ErrorClass = ErrorClassNone

			// Step 6: Store cacheable responses for later operations.
			if cacheKey != "" && status == http.StatusOK {
				if serr := c.config.Cache.Set(ctx, cacheKey, cache.EntryFromResponse(status, header, body)); serr != nil {
					logger.Warn().Err(serr).Msg("Shared cache write failed")
				}
			}
			return retryDecision{}

		case status == http.StatusNotModified:
			// Step 6': The cached body is still current; serve it and renew
			// the entry's freshness.
			outcome.ErrorClass = ErrorClassNone
			if cachedEntry != nil {
				resources, perr := fhir.ParseResources(cachedEntry.Body)
				if perr != nil {
					return retryDecision{err: fmt.Errorf("parse revalidated cache body: %w", perr)}
				}
				cache.NotModifiedTotal.Inc()
				outcome.Status = cachedEntry.StatusCode
				outcome.Resources = resources
				outcome.Body = cachedEntry.Body
				outcome.Total = fhir.BundleTotal(cachedEntry.Body)
				outcome.CacheHit = true
				if rerr := c.config.Cache.Renew(ctx, cacheKey, cache.ExpiryFrom(header, time.Now())); rerr != nil {
					logger.Warn().Err(rerr).Msg("Cache renewal failed")
				}
			}
			return retryDecision{}

		case status == http.StatusUnauthorized && c.config.Tokens != nil && !refreshed:
			// Step 5: Refresh the token once, then resend immediately.
			// A second 401 falls through to the terminal branch below.
			refreshed = true
			logger.Info().Msg("Received 401, refreshing token")
			if _, rerr := c.config.Tokens.Refresh(ctx, token.Value); rerr != nil {
				outcome.Error = "Unauthorized"
				outcome.ErrorClass = ErrorClassAuth
				outcome.Body = body
				return retryDecision{err: fmt.Errorf("refresh token after 401: %w", rerr)}
			}
			return retryDecision{
				retry:      true,
				immediate:  true,
				errorClass: ErrorClassAuth,
				err: &RequestError{
					URL:        req.URL,
					StatusCode: status,
					ErrorClass: ErrorClassAuth,
					Message:    "unauthorized, token refreshed",
				},
			}

		case c.config.Retry.shouldRetry(status):
			class := classifyStatus(status)
			fhirErrorsTotal.WithLabelValues(string(class)).Inc()
			decision := retryDecision{
				retry:      true,
				errorClass: class,
				err: &RequestError{
					URL:        req.URL,
					StatusCode: status,
					ErrorClass: class,
					Message:    http.StatusText(status),
				},
			}
			if status == http.StatusTooManyRequests && c.config.Retry.HonorRetryAfter {
				wait := parseRetryAfter(header.Get("Retry-After"), time.Now(), DefaultRetryAfter)
				decision.retryAfter = wait
				// Pause concurrent senders for the same window.
				c.config.Limiter.Penalize(wait)
			}
			return decision

		default:
			// Terminal HTTP failure: captured in the outcome, not returned
			// as an error.
			class := classifyStatus(status)
			fhirErrorsTotal.WithLabelValues(string(class)).Inc()
			outcome.Error = errorLabel(status)
			outcome.ErrorClass = class
			outcome.Body = body
			logger.Warn().
				Int("status_code", status).
				Str("error", outcome.Error).
				Msg("Request failed terminally")
			return retryDecision{}
		}
	})

	duration := time.Since(start)
	fhirRequestDuration.WithLabelValues(metricType(req.ResourceType)).Observe(duration.Seconds())

	if err != nil {
		logger.Error().Err(err).Dur("duration", duration).Msg("Request failed")
		return outcome, err
	}

	logger.Debug().
		Int("status_code", outcome.Status).
		Int("resources", len(outcome.Resources)).
		Dur("duration", duration).
		Msg("Request completed")
	return outcome, nil
}

// send performs one HTTP attempt and returns the status, headers, and
// fully read body.
func (c *Client) send(ctx context.Context, method string, req Request, token string, conditional map[string]string) (int, http.Header, []byte, error) {
	if c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	var body io.Reader
	contentHeaders := map[string]string{}
	if len(req.Body) > 0 {
		payload := req.Body
		if c.config.CompressRequests {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			if _, err := zw.Write(req.Body); err != nil {
				return 0, nil, nil, fmt.Errorf("compress request body: %w", err)
			}
			if err := zw.Close(); err != nil {
				return 0, nil, nil, fmt.Errorf("compress request body: %w", err)
			}
			payload = buf.Bytes()
			contentHeaders["Content-Encoding"] = "gzip"
		}
		contentHeaders["Content-Type"] = "application/fhir+json"
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/fhir+json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range c.config.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range contentHeaders {
		httpReq.Header.Set(k, v)
	}
	for k, v := range conditional {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, resp.Header, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, resp.Header, payload, nil
}

// Read fetches a single resource by id.
func (c *Client) Read(ctx context.Context, resourceType, id string) (*Outcome, error) {
	return c.Search(ctx, fhir.Query{ResourceType: resourceType, ID: id})
}

// ReadMany fetches several resources of one type with a single id search.
func (c *Client) ReadMany(ctx context.Context, resourceType string, ids []string) (*Outcome, error) {
	return c.Search(ctx, fhir.Query{ResourceType: resourceType, IDs: ids})
}

// Search executes a query rendered against the client's base URL.
func (c *Client) Search(ctx context.Context, query fhir.Query) (*Outcome, error) {
	target, err := query.URL(c.config.BaseURL)
	if err != nil {
		return nil, err
	}
	ids := query.IDs
	if query.ID != "" {
		ids = []string{query.ID}
	}
	return c.Do(ctx, Request{
		URL:          target,
		ResourceType: query.ResourceType,
		IDs:          ids,
	})
}

// SearchIDs runs the query as an id projection (_elements=id) and returns
// the matching ids in server order alongside the outcome.
func (c *Client) SearchIDs(ctx context.Context, query fhir.Query) ([]string, *Outcome, error) {
	query.Elements = []string{"id"}
	outcome, err := c.Search(ctx, query)
	if err != nil {
		return nil, outcome, err
	}
	ids := make([]string, 0, len(outcome.Resources))
	for _, resource := range outcome.Resources {
		if id := resource.ID(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, outcome, nil
}

// Graph invokes the server-side $graph operation, posting the definition
// document with contained=true semantics controlled by the caller. The id
// list is chunked by pageSize; each chunk yields one Outcome. A single id
// chunk addresses the instance endpoint ({type}/{id}/$graph).
func (c *Client) Graph(ctx context.Context, def *fhir.GraphDefinition, ids []string, contained bool, pageSize int) ([]*Outcome, error) {
	if def == nil {
		return nil, fmt.Errorf("graph definition is required")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("at least one id is required")
	}
	doc, err := def.Document()
	if err != nil {
		return nil, err
	}

	chunkSize := pageSize
	if chunkSize <= 0 {
		chunkSize = len(ids)
	}

	var outcomes []*Outcome
	for begin := 0; begin < len(ids); begin += chunkSize {
		end := begin + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[begin:end]

		query := fhir.Query{
			ResourceType: def.Start,
			IDs:          chunk,
			Action:       "$graph",
		}
		if contained {
			query.Params = []string{"contained=true"}
		}
		target, err := query.URL(c.config.BaseURL)
		if err != nil {
			return outcomes, err
		}

		outcome, err := c.Do(ctx, Request{
			Method:       http.MethodPost,
			URL:          target,
			Body:         doc,
			ResourceType: def.Start,
			IDs:          chunk,
		})
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// metricType keeps the resource_type metric label well-defined for
// requests without one.
func metricType(resourceType string) string {
	if resourceType == "" {
		return "unknown"
	}
	return resourceType
}

// errorLabel matches the error markers downstream consumers look for in
// outcomes and negative cache entries.
func errorLabel(status int) string {
	switch status {
	case http.StatusNotFound:
		return "NotFound"
	case http.StatusUnauthorized:
		return "Unauthorized"
	default:
		return "Error"
	}
}
