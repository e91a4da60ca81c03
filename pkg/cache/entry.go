package cache

import (
	"net/http"
	"time"
)

// Entry is a cached FHIR response.
type Entry struct {
	// Body is the response payload.
	Body []byte `json:"body"`

	// ETag for conditional requests (If-None-Match).
	ETag string `json:"etag"`

	// LastModified for conditional requests (If-Modified-Since).
	LastModified time.Time `json:"last_modified"`

	// Expires is when the entry becomes stale.
	Expires time.Time `json:"expires"`

	// StatusCode of the cached response.
	StatusCode int `json:"status_code"`

	// CachedAt is when the response was stored.
	CachedAt time.Time `json:"cached_at"`
}

// IsExpired reports whether the entry is stale.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until the entry expires, or 0 when already stale.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// ShouldRevalidate reports whether a stale entry carries a validator that
// allows a conditional request instead of a full refetch.
func (e *Entry) ShouldRevalidate() bool {
	if !e.IsExpired() {
		return false
	}
	return e.ETag != "" || !e.LastModified.IsZero()
}

// ConditionalHeaders returns the request headers that revalidate this
// entry. ETag wins over Last-Modified when both are present.
func (e *Entry) ConditionalHeaders() map[string]string {
	headers := make(map[string]string, 1)
	if e.ETag != "" {
		headers["If-None-Match"] = e.ETag
		return headers
	}
	if !e.LastModified.IsZero() {
		headers["If-Modified-Since"] = e.LastModified.UTC().Format(http.TimeFormat)
	}
	return headers
}
