package fhir

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Query describes one read or search request. It is a value: build it,
// hand it to a fetch, and it is never mutated afterwards. The zero value
// with a ResourceType is a plain unfiltered search.
type Query struct {
	// ResourceType is the FHIR resource type to read or search. Required.
	ResourceType string

	// ID reads a single resource as a path segment ({type}/{id}).
	ID string

	// IDs searches by id list, rendered as id=a,b,c sorted and comma-joined.
	// A single entry without ID set is rendered as a path segment.
	IDs []string

	// FilterParameter and FilterByResource render a reverse filter such as
	// subject:Patient=1,2 (with FilterParameter) or patient=1,2 (without),
	// using IDs as the value list.
	FilterParameter  string
	FilterByResource string

	// Elements limits returned fields (_elements=id for the id phase).
	Elements []string

	// PageSize and Page drive offset paging (_count + _getpagesoffset).
	// Page is nil when the query is not page-addressed.
	PageSize int
	Page     *int

	// Limit caps an unpaged search (_count) when no ids are given.
	Limit int

	// Sort renders _sort=a,b.
	Sort []string

	// IncludeTotal requests _total=accurate.
	IncludeTotal bool

	// Params are appended verbatim, e.g. "patient=1" or "category=vital-signs".
	Params []string

	// LastUpdatedAfter / LastUpdatedBefore render _lastUpdated=ge… / lt….
	LastUpdatedAfter  time.Time
	LastUpdatedBefore time.Time

	// IDAbove renders the id:above cursor for id-sorted paging.
	IDAbove string

	// Action appends an operation path segment such as $graph.
	Action string
}

// WithPage returns a copy of the query addressed to the given page.
func (q Query) WithPage(page int) Query {
	q.Page = &page
	return q
}

// Validate reports whether the query can be rendered.
func (q Query) Validate() error {
	if q.ResourceType == "" {
		return fmt.Errorf("query resource type is required")
	}
	if q.ID != "" && len(q.IDs) > 0 {
		return fmt.Errorf("query cannot set both ID and IDs")
	}
	return nil
}

// URL renders the query against a base url. Parameter order is stable so
// identical queries produce identical urls (and identical cache keys).
func (q Query) URL(base string) (string, error) {
	if err := q.Validate(); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "/"))
	b.WriteByte('/')
	b.WriteString(q.ResourceType)
	if q.ID != "" {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(q.ID))
	}

	var params []string
	addParam := func(name, value string) {
		params = append(params, name+"="+value)
	}

	if len(q.IDs) > 0 {
		sorted := append([]string(nil), q.IDs...)
		sort.Strings(sorted)
		switch {
		case q.FilterByResource != "" && q.FilterParameter != "":
			// subject:Patient=1,2
			addParam(q.FilterParameter+":"+q.FilterByResource, strings.Join(sorted, ","))
		case q.FilterByResource != "":
			// patient=1,2
			addParam(strings.ToLower(q.FilterByResource), strings.Join(sorted, ","))
		case len(sorted) == 1 && q.ID == "":
			b.WriteByte('/')
			b.WriteString(url.PathEscape(sorted[0]))
		default:
			addParam("id", strings.Join(sorted, ","))
		}
	}

	if q.Action != "" {
		b.WriteByte('/')
		b.WriteString(q.Action)
	}

	if len(q.Elements) > 0 {
		addParam("_elements", strings.Join(q.Elements, ","))
	}
	if q.PageSize > 0 && q.Page != nil {
		addParam("_count", fmt.Sprintf("%d", q.PageSize))
		addParam("_getpagesoffset", fmt.Sprintf("%d", *q.Page))
	}
	if q.ID == "" && (len(q.IDs) == 0 || q.FilterByResource != "") && q.Limit > 0 {
		addParam("_count", fmt.Sprintf("%d", q.Limit))
	}
	if len(q.Sort) > 0 {
		addParam("_sort", strings.Join(q.Sort, ","))
	}
	for _, p := range dedupePreservingOrder(q.Params) {
		params = append(params, p)
	}
	if q.IncludeTotal {
		params = append(params, "_total=accurate")
	}
	if !q.LastUpdatedBefore.IsZero() {
		addParam("_lastUpdated", "lt"+q.LastUpdatedBefore.UTC().Format("2006-01-02T15:04:05Z"))
	}
	if !q.LastUpdatedAfter.IsZero() {
		addParam("_lastUpdated", "ge"+q.LastUpdatedAfter.UTC().Format("2006-01-02T15:04:05Z"))
	}
	if q.IDAbove != "" {
		addParam("id:above", q.IDAbove)
	}

	if len(params) > 0 {
		b.WriteByte('?')
		b.WriteString(strings.Join(params, "&"))
	}
	return b.String(), nil
}

func dedupePreservingOrder(values []string) []string {
	if len(values) < 2 {
		return values
	}
	seen := make(map[string]bool, len(values))
	out := values[:0:0]
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
