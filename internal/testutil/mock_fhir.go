// Package testutil provides testing utilities for the FHIR client.
package testutil

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/buger/jsonparser"

	"github.com/clinsight/fhir-graph-client/pkg/fhir"
)

// MockResponse defines the behavior for a canned mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockFHIR is a configurable mock FHIR server for testing. Paths are
// registered with SetResource, SetBundle, SetError, or SetHandler;
// anything else answers 404 with an OperationOutcome naming the path.
// A token endpoint at /token issues rotating bearer tokens and counts
// refreshes.
type MockFHIR struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// Tracking
	RequestCount      int
	ConditionalCount  int
	RefreshCount      int
	LastRequestHeader http.Header
}

// NewMockFHIR creates a new mock FHIR server.
func NewMockFHIR() *MockFHIR {
	mock := &MockFHIR{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			mock.tokenHandler(w, r)
			return
		}

		mock.mu.Lock()
		mock.RequestCount++
		mock.LastRequestHeader = r.Header.Clone()

		// Track conditional requests
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			mock.ConditionalCount++
		}
		mock.mu.Unlock()

		// Check for custom handler
		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}

		// Unregistered paths fail loudly so tests see what they forgot.
		writeOutcome(w, http.StatusNotFound, "not-found",
			fmt.Sprintf("no handler registered for %s %s", r.Method, r.URL.Path))
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockFHIR) URL() string {
	return m.server.URL
}

// TokenURL returns the mock token endpoint URL.
func (m *MockFHIR) TokenURL() string {
	return m.server.URL + "/token"
}

// Close shuts down the mock server.
func (m *MockFHIR) Close() {
	m.server.Close()
}

// Reset clears all tracking counters. Registered handlers are kept.
func (m *MockFHIR) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.ConditionalCount = 0
	m.RefreshCount = 0
	m.LastRequestHeader = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockFHIR) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a canned response for a path.
func (m *MockFHIR) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}

		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetJSON configures a plain JSON response for a path.
func (m *MockFHIR) SetJSON(path string, status int, body string) {
	m.SetResponse(path, MockResponse{
		StatusCode: status,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/fhir+json"},
	})
}

// SetResource serves a resource at {type}/{id} with an ETag and immediate
// staleness, so every repeat read is a conditional request answered 304.
// Use SetResponse with NewResourceResponse for a fresh cacheable variant.
func (m *MockFHIR) SetResource(resourceType, id, body string) {
	m.SetHandler("/"+resourceType+"/"+id, NewConditionalHandler(`W/"1"`, body))
}

// SetError serves an OperationOutcome with the given status at a path.
func (m *MockFHIR) SetError(path string, status int, diagnostics string) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeOutcome(w, status, outcomeCode(status), diagnostics)
	})
}

// SetBundle installs a searchset endpoint for a resource type that answers
// like a small FHIR search: it filters by id list, id:above cursor, and
// reference parameters, honors _sort=id, pages with _count and
// _getpagesoffset, and projects _elements=id.
func (m *MockFHIR) SetBundle(resourceType string, resources ...string) {
	entries := make([]bundleEntry, 0, len(resources))
	for _, body := range resources {
		entries = append(entries, bundleEntry{
			id:   fhir.Resource(body).ID(),
			body: body,
		})
	}
	m.SetHandler("/"+resourceType, func(w http.ResponseWriter, r *http.Request) {
		serveBundle(w, r, resourceType, entries)
	})
}

// InstallPatientGraphFixture wires a small connected record: Patient/1
// with a general practitioner and a managing organization, a coverage
// found by reverse search whose payor is written inline without an id,
// and four resource types whose searches fail with 404.
func (m *MockFHIR) InstallPatientGraphFixture() {
	m.SetResource("Patient", "1", `{"resourceType":"Patient","id":"1","generalPractitioner":[{"reference":"Practitioner/5"}],"managingOrganization":{"reference":"Organization/6"}}`)
	m.SetResource("Practitioner", "5", `{"resourceType":"Practitioner","id":"5","name":[{"family":"Quinn"}]}`)
	m.SetResource("Organization", "6", `{"resourceType":"Organization","id":"6","name":"General Hospital"}`)

	coverage := `{"resourceType":"Coverage","id":"7","beneficiary":{"reference":"Patient/1"},"payor":[{"display":"Acme Payor"}]}`
	m.SetResource("Coverage", "7", coverage)
	m.SetBundle("Coverage", coverage)

	for _, t := range []string{"ExplanationOfBenefit", "Observation", "MedicationRequest", "MedicationDispense"} {
		m.SetError("/"+t, http.StatusNotFound, "Resource type "+t+" is not supported")
	}
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockFHIR) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetConditionalCount returns the number of conditional requests.
func (m *MockFHIR) GetConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ConditionalCount
}

// GetRefreshCount returns the number of token endpoint calls.
func (m *MockFHIR) GetRefreshCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RefreshCount
}

// tokenHandler answers client-credentials exchanges with a rotating
// bearer token, so refresh-after-401 flows observe a new value.
func (m *MockFHIR) tokenHandler(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.RefreshCount++
	count := m.RefreshCount
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"access_token":"mock-token-%d","token_type":"Bearer","expires_in":3600}`, count)
}

// PatientGraphDefinition returns the graph definition matching
// InstallPatientGraphFixture.
func PatientGraphDefinition() *fhir.GraphDefinition {
	return &fhir.GraphDefinition{
		ID:    "patient-everything",
		Start: "Patient",
		Link: []fhir.GraphLink{
			{Path: "generalPractitioner", Target: []fhir.GraphTarget{{Type: "Practitioner"}}},
			{Path: "managingOrganization", Target: []fhir.GraphTarget{{Type: "Organization"}}},
			{Target: []fhir.GraphTarget{{
				Type:   "Coverage",
				Params: "patient={ref}",
				Link: []fhir.GraphLink{
					{Path: "payor", Target: []fhir.GraphTarget{{Type: "Organization"}}},
				},
			}}},
			{Target: []fhir.GraphTarget{{Type: "ExplanationOfBenefit", Params: "patient={ref}"}}},
			{Target: []fhir.GraphTarget{{Type: "Observation", Params: "patient={ref}"}}},
			{Target: []fhir.GraphTarget{{Type: "MedicationRequest", Params: "patient={ref}"}}},
			{Target: []fhir.GraphTarget{{Type: "MedicationDispense", Params: "patient={ref}"}}},
		},
	}
}

// NewResourceResponse creates a 200 response that stays fresh in caches
// for five minutes.
func NewResourceResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers: map[string]string{
			"Content-Type":  "application/fhir+json",
			"ETag":          `W/"1"`,
			"Cache-Control": "max-age=300",
		},
	}
}

// NewNotFoundResponse creates a 404 OperationOutcome response.
func NewNotFoundResponse(diagnostics string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       outcomeJSON("not-found", diagnostics),
		Headers:    map[string]string{"Content-Type": "application/fhir+json"},
	}
}

// NewNotModifiedResponse creates a 304 Not Modified response.
func NewNotModifiedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotModified,
		Headers: map[string]string{
			"ETag":          `W/"1"`,
			"Cache-Control": "max-age=0",
		},
	}
}

// NewRateLimitResponse creates a 429 response with a Retry-After header.
func NewRateLimitResponse(retryAfterSeconds int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       outcomeJSON("throttled", "Too many requests"),
		Headers: map[string]string{
			"Content-Type": "application/fhir+json",
			"Retry-After":  strconv.Itoa(retryAfterSeconds),
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       outcomeJSON("exception", "Internal server error"),
		Headers:    map[string]string{"Content-Type": "application/fhir+json"},
	}
}

// NewConditionalHandler creates a handler that responds 304 when the
// request carries a matching If-None-Match header. The 200 response is
// immediately stale, so caching clients revalidate on every repeat.
func NewConditionalHandler(etag string, body string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", etag)
		w.Header().Set("Cache-Control", "max-age=0")

		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}

		w.Header().Set("Content-Type", "application/fhir+json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}
}

type bundleEntry struct {
	id   string
	body string
}

// serveBundle answers one search request from a fixed entry list.
func serveBundle(w http.ResponseWriter, r *http.Request, resourceType string, entries []bundleEntry) {
	query := r.URL.Query()

	matched := make([]bundleEntry, 0, len(entries))
	for _, entry := range entries {
		if matchesQuery(entry, query) {
			matched = append(matched, entry)
		}
	}

	if sorts := query.Get("_sort"); sorts != "" && strings.Split(sorts, ",")[0] == "id" {
		sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })
	}

	total := len(matched)
	offset, _ := strconv.Atoi(query.Get("_getpagesoffset"))
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]
	if count, err := strconv.Atoi(query.Get("_count")); err == nil && count >= 0 && count < len(matched) {
		matched = matched[:count]
	}

	idOnly := false
	for _, element := range strings.Split(query.Get("_elements"), ",") {
		if element == "id" {
			idOnly = true
		}
	}

	var b bytes.Buffer
	b.WriteString(`{"resourceType":"Bundle","type":"searchset","total":`)
	b.WriteString(strconv.Itoa(total))
	b.WriteString(`,"entry":[`)
	for i, entry := range matched {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(`{"resource":`)
		if idOnly {
			fmt.Fprintf(&b, `{"resourceType":%q,"id":%q}`, resourceType, entry.id)
		} else {
			b.WriteString(entry.body)
		}
		b.WriteByte('}')
	}
	b.WriteString(`]}`)

	w.Header().Set("Content-Type", "application/fhir+json")
	w.Header().Set("Cache-Control", "max-age=0")
	w.WriteHeader(http.StatusOK)
	w.Write(b.Bytes())
}

// matchesQuery applies id, cursor, and reference filters to one entry.
func matchesQuery(entry bundleEntry, query map[string][]string) bool {
	for name, values := range query {
		if len(values) == 0 {
			continue
		}
		value := values[0]
		switch {
		case name == "id":
			if !idIn(entry.id, strings.Split(value, ",")) {
				return false
			}
		case name == "id:above":
			if entry.id <= value {
				return false
			}
		case strings.HasPrefix(name, "_"):
			// Paging and projection controls, handled by serveBundle.
		default:
			if !referenceMatches(entry.body, name, strings.Split(value, ",")) {
				return false
			}
		}
	}
	return true
}

func idIn(id string, ids []string) bool {
	for _, candidate := range ids {
		if id == candidate {
			return true
		}
	}
	return false
}

// searchParamPaths maps common reference search parameters to the
// elements they inspect, the way FHIR search parameter definitions do.
var searchParamPaths = map[string][]string{
	"patient": {"patient", "subject", "beneficiary"},
	"subject": {"subject"},
}

// referenceMatches reports whether the entry's reference element for a
// search parameter points at one of the given ids.
func referenceMatches(body string, param string, ids []string) bool {
	paths, ok := searchParamPaths[param]
	if !ok {
		paths = []string{param}
	}
	raw := []byte(body)
	for _, path := range paths {
		if ref, err := jsonparser.GetString(raw, path, "reference"); err == nil && refIn(ref, ids) {
			return true
		}
		matched := false
		jsonparser.ArrayEach(raw, func(item []byte, vt jsonparser.ValueType, _ int, _ error) {
			if matched || vt != jsonparser.Object {
				return
			}
			if ref, err := jsonparser.GetString(item, "reference"); err == nil && refIn(ref, ids) {
				matched = true
			}
		}, path)
		if matched {
			return true
		}
	}
	return false
}

func refIn(ref string, ids []string) bool {
	for _, id := range ids {
		if ref == id || strings.HasSuffix(ref, "/"+id) {
			return true
		}
	}
	return false
}

func outcomeCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not-found"
	case http.StatusUnauthorized:
		return "expired"
	case http.StatusTooManyRequests:
		return "throttled"
	default:
		return "exception"
	}
}

func outcomeJSON(code, diagnostics string) string {
	return fmt.Sprintf(`{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":%q,"diagnostics":%q}]}`, code, diagnostics)
}

func writeOutcome(w http.ResponseWriter, status int, code, diagnostics string) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(status)
	fmt.Fprint(w, outcomeJSON(code, diagnostics))
}
