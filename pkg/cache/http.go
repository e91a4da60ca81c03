package cache

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultTTL is the freshness window applied when the server sends no
// expiry information.
const DefaultTTL = 5 * time.Minute

// RevalidationWindow is how long a stale entry is kept beyond its expiry
// so it can be revalidated with a conditional request.
const RevalidationWindow = 30 * time.Minute

// EntryFromResponse builds a cache entry from a completed exchange.
func EntryFromResponse(status int, header http.Header, body []byte) *Entry {
	now := time.Now()
	entry := &Entry{
		Body:       body,
		ETag:       header.Get("ETag"),
		Expires:    ExpiryFrom(header, now),
		StatusCode: status,
		CachedAt:   now,
	}
	if lm := header.Get("Last-Modified"); lm != "" {
		if parsed, err := http.ParseTime(lm); err == nil {
			entry.LastModified = parsed
		}
	}
	return entry
}

// ExpiryFrom derives an entry's expiry from response headers:
// Cache-Control max-age wins, then the Expires header, then DefaultTTL.
func ExpiryFrom(header http.Header, now time.Time) time.Time {
	if cc := header.Get("Cache-Control"); cc != "" {
		for _, directive := range strings.Split(cc, ",") {
			directive = strings.TrimSpace(directive)
			if !strings.HasPrefix(directive, "max-age=") {
				continue
			}
			if secs, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age=")); err == nil && secs >= 0 {
				return now.Add(time.Duration(secs) * time.Second)
			}
		}
	}
	if expires := header.Get("Expires"); expires != "" {
		if parsed, err := http.ParseTime(expires); err == nil {
			return parsed
		}
	}
	return now.Add(DefaultTTL)
}
