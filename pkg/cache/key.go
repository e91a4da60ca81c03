package cache

import (
	"net/url"
	"sort"
	"strings"
)

// NewKey derives a deterministic cache key from a request URL. Query
// parameters are sorted so logically identical requests share an entry
// regardless of how the caller ordered them.
//
// Example:
//
//	fhir:fhir.example.com/4_0_0/Patient?_count=100&id=1,2
func NewKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "fhir:" + rawURL
	}

	var b strings.Builder
	b.WriteString("fhir:")
	b.WriteString(u.Host)
	b.WriteString(u.Path)

	query := u.Query()
	if len(query) > 0 {
		names := make([]string, 0, len(query))
		for name := range query {
			names = append(names, name)
		}
		sort.Strings(names)

		b.WriteByte('?')
		for i, name := range names {
			if i > 0 {
				b.WriteByte('&')
			}
			values := query[name]
			sort.Strings(values)
			b.WriteString(name)
			b.WriteByte('=')
			b.WriteString(strings.Join(values, ","))
		}
	}
	return b.String()
}
