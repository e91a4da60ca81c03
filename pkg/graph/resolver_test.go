package graph

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/buger/jsonparser"
	"go.uber.org/goleak"

	"github.com/clinsight/fhir-graph-client/pkg/client"
	"github.com/clinsight/fhir-graph-client/pkg/fhir"
	"github.com/clinsight/fhir-graph-client/pkg/pagination"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeFHIR answers direct reads from a fixed resource set and reverse
// searches from per-type result lists, mirroring the outcome shapes the
// real client produces.
type fakeFHIR struct {
	mu         sync.Mutex
	resources  map[string]fhir.Resource
	reverse    map[string][]fhir.Resource
	notFound   map[string]bool
	idSearchOK bool

	reads     int
	readManys int
	queries   []fhir.Query
}

func newFakeFHIR() *fakeFHIR {
	return &fakeFHIR{
		resources:  make(map[string]fhir.Resource),
		reverse:    make(map[string][]fhir.Resource),
		notFound:   make(map[string]bool),
		idSearchOK: true,
	}
}

func (f *fakeFHIR) add(res fhir.Resource) {
	f.resources[res.Key()] = res
}

func (f *fakeFHIR) Read(_ context.Context, resourceType, id string) (*client.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	url := "http://fhir.test/" + resourceType + "/" + id
	if res, ok := f.resources[resourceType+"/"+id]; ok {
		return &client.Outcome{
			URL:          url,
			Status:       http.StatusOK,
			Resources:    []fhir.Resource{res},
			ResourceType: resourceType,
			IDs:          []string{id},
		}, nil
	}
	return &client.Outcome{
		URL:          url,
		Status:       http.StatusNotFound,
		Error:        "NotFound",
		ResourceType: resourceType,
		IDs:          []string{id},
	}, nil
}

func (f *fakeFHIR) ReadMany(_ context.Context, resourceType string, ids []string) (*client.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readManys++
	url := "http://fhir.test/" + resourceType + "?id=" + strings.Join(ids, ",")
	if !f.idSearchOK {
		return &client.Outcome{
			URL:          url,
			Status:       http.StatusBadRequest,
			Error:        "Error",
			ResourceType: resourceType,
			IDs:          ids,
		}, nil
	}
	var found []fhir.Resource
	for _, id := range ids {
		if res, ok := f.resources[resourceType+"/"+id]; ok {
			found = append(found, res)
		}
	}
	return &client.Outcome{
		URL:          url,
		Status:       http.StatusOK,
		Resources:    found,
		ResourceType: resourceType,
		IDs:          ids,
	}, nil
}

func (f *fakeFHIR) FetchAll(_ context.Context, q fhir.Query, fn func(pagination.Batch) error) error {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	if f.notFound[q.ResourceType] {
		outcome := &client.Outcome{
			URL:          "http://fhir.test/" + q.ResourceType + "?" + strings.Join(q.Params, "&"),
			Status:       http.StatusNotFound,
			Error:        "NotFound",
			ResourceType: q.ResourceType,
		}
		f.mu.Unlock()
		return fmt.Errorf("scan page 0: %w", &pagination.ServerError{Outcome: outcome})
	}
	results := append([]fhir.Resource(nil), f.reverse[q.ResourceType]...)
	f.mu.Unlock()
	if len(results) == 0 {
		return nil
	}
	return fn(pagination.Batch{Page: 0, Resources: results})
}

// patientGraphServer reproduces the canonical fixture: a patient with a
// practitioner and an organization reference, one coverage found by
// reverse search whose payor is embedded without an id, and four
// reverse searches that fail with 404.
func patientGraphServer() *fakeFHIR {
	f := newFakeFHIR()
	f.add(fhir.Resource(`{"resourceType":"Patient","id":"1","generalPractitioner":[{"reference":"Practitioner/5"}],"managingOrganization":{"reference":"Organization/6"}}`))
	f.add(fhir.Resource(`{"resourceType":"Practitioner","id":"5","name":[{"family":"Quinn"}]}`))
	f.add(fhir.Resource(`{"resourceType":"Organization","id":"6","name":"General Hospital"}`))
	f.reverse["Coverage"] = []fhir.Resource{
		fhir.Resource(`{"resourceType":"Coverage","id":"7","beneficiary":{"reference":"Patient/1"},"payor":[{"display":"Acme Payor"}]}`),
	}
	for _, t := range []string{"ExplanationOfBenefit", "Observation", "MedicationRequest", "MedicationDispense"} {
		f.notFound[t] = true
	}
	return f
}

func patientGraphDefinition() *fhir.GraphDefinition {
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

func newTestResolver(t *testing.T, f *fakeFHIR, mutate func(*Config)) *Resolver {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Concurrency = 4
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := New(f, f, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r
}

func idsOf(resources []fhir.Resource) []string {
	ids := make([]string, 0, len(resources))
	for _, r := range resources {
		ids = append(ids, r.ID())
	}
	return ids
}

func assertIDs(t *testing.T, got []fhir.Resource, want ...string) {
	t.Helper()
	gotIDs := idsOf(got)
	if len(gotIDs) != len(want) {
		t.Fatalf("ids = %v, want %v", gotIDs, want)
	}
	for i := range want {
		if gotIDs[i] != want[i] {
			t.Fatalf("ids = %v, want %v", gotIDs, want)
		}
	}
}

func TestResolvePatientGraph(t *testing.T) {
	server := patientGraphServer()
	resolver := newTestResolver(t, server, nil)

	res, err := resolver.Resolve(context.Background(), patientGraphDefinition(), "1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	assertIDs(t, res.ByType("Patient"), "1")
	assertIDs(t, res.ByType("Practitioner"), "5")
	assertIDs(t, res.ByType("Organization"), "6", "CoveragePayor")
	assertIDs(t, res.ByType("Coverage"), "7")

	errs := res.Errors()
	if len(errs) != 4 {
		t.Fatalf("error records = %d, want 4", len(errs))
	}
	for _, e := range errs {
		diagnostics, err := jsonparser.GetString(e, "issue", "[0]", "diagnostics")
		if err != nil {
			t.Fatalf("error record has no diagnostics: %v", err)
		}
		if !strings.Contains(diagnostics, "404") {
			t.Errorf("diagnostics %q should embed the 404 status", diagnostics)
		}
		if !strings.Contains(diagnostics, "http://fhir.test/") {
			t.Errorf("diagnostics %q should embed the failing url", diagnostics)
		}
	}

	for _, absent := range []string{"ExplanationOfBenefit", "Observation", "MedicationRequest", "MedicationDispense"} {
		if got := res.ByType(absent); len(got) != 0 {
			t.Errorf("unexpected %s entries: %v", absent, idsOf(got))
		}
	}

	if res.Len() != 9 {
		t.Errorf("total entries = %d, want 9 (5 resources + 4 errors)", res.Len())
	}
	if parts := res.Partitions(); parts[0].ResourceType != "Patient" {
		t.Errorf("first partition = %s, want Patient", parts[0].ResourceType)
	}
}

func TestResolveMultipleStartIDs(t *testing.T) {
	server := patientGraphServer()
	server.add(fhir.Resource(`{"resourceType":"Patient","id":"2","managingOrganization":{"reference":"Organization/6"}}`))
	resolver := newTestResolver(t, server, func(cfg *Config) { cfg.SortResults = true })

	res, err := resolver.Resolve(context.Background(), patientGraphDefinition(), "1, 2")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	assertIDs(t, res.ByType("Patient"), "1", "2")
	assertIDs(t, res.ByType("Practitioner"), "5")
	assertIDs(t, res.ByType("Organization"), "6", "CoveragePayor")
	assertIDs(t, res.ByType("Coverage"), "7")
	if errs := res.Errors(); len(errs) != 4 {
		t.Errorf("error records = %d, want 4 (both parents share each failing search)", len(errs))
	}
	if server.readManys != 1 {
		t.Errorf("readManys = %d, want 1 (both start ids fetched in one search)", server.readManys)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	server := patientGraphServer()
	resolver := newTestResolver(t, server, func(cfg *Config) { cfg.SortResults = true })

	first, err := resolver.Resolve(context.Background(), patientGraphDefinition(), "1")
	if err != nil {
		t.Fatalf("first Resolve() error = %v", err)
	}
	second, err := resolver.Resolve(context.Background(), patientGraphDefinition(), "1")
	if err != nil {
		t.Fatalf("second Resolve() error = %v", err)
	}
	if first.Len() != second.Len() {
		t.Fatalf("result sizes differ: %d vs %d", first.Len(), second.Len())
	}
	firstResources, secondResources := first.Resources(), second.Resources()
	for i := range firstResources {
		if firstResources[i].Key() != secondResources[i].Key() {
			t.Errorf("entry %d differs: %s vs %s", i, firstResources[i].Key(), secondResources[i].Key())
		}
	}
}

func TestResolveStartFetchFails(t *testing.T) {
	resolver := newTestResolver(t, newFakeFHIR(), nil)

	_, err := resolver.Resolve(context.Background(), patientGraphDefinition(), "1")
	if err == nil {
		t.Fatal("Resolve() error = nil, want start fetch failure")
	}
	if !strings.Contains(err.Error(), "fetch start resource Patient/1") {
		t.Errorf("error = %v, want start resource context", err)
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %v, want status 404", err)
	}
}

func TestResolveForwardNotFoundIsRecordedOnce(t *testing.T) {
	server := newFakeFHIR()
	server.add(fhir.Resource(`{"resourceType":"Patient","id":"1","generalPractitioner":[{"reference":"Practitioner/99"}]}`))
	resolver := newTestResolver(t, server, func(cfg *Config) { cfg.Concurrency = 1 })

	def := &fhir.GraphDefinition{
		Start: "Patient",
		Link: []fhir.GraphLink{
			{Path: "generalPractitioner", Target: []fhir.GraphTarget{{Type: "Practitioner"}}},
			{Path: "generalPractitioner", Target: []fhir.GraphTarget{{Type: "Practitioner"}}},
		},
	}
	res, err := resolver.Resolve(context.Background(), def, "1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if errs := res.Errors(); len(errs) != 1 {
		t.Errorf("error records = %d, want 1 (negative cache dedupes the second branch)", len(errs))
	}
	if server.reads != 2 {
		t.Errorf("reads = %d, want 2 (start + one practitioner attempt)", server.reads)
	}
	assertIDs(t, res.ByType("Patient"), "1")
}

func TestResolveIDSearchFallback(t *testing.T) {
	server := newFakeFHIR()
	server.idSearchOK = false
	server.add(fhir.Resource(`{"resourceType":"Patient","id":"1","generalPractitioner":[{"reference":"Practitioner/5"},{"reference":"Practitioner/9"}]}`))
	server.add(fhir.Resource(`{"resourceType":"Practitioner","id":"5"}`))
	server.add(fhir.Resource(`{"resourceType":"Practitioner","id":"9"}`))
	resolver := newTestResolver(t, server, nil)

	def := &fhir.GraphDefinition{
		Start: "Patient",
		Link:  []fhir.GraphLink{{Path: "generalPractitioner", Target: []fhir.GraphTarget{{Type: "Practitioner"}}}},
	}
	res, err := resolver.Resolve(context.Background(), def, "1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	assertIDs(t, res.ByType("Practitioner"), "5", "9")
	if res.HasErrors() {
		t.Errorf("unexpected error records: %d", len(res.Errors()))
	}
	if server.readManys != 1 {
		t.Errorf("readManys = %d, want 1 rejected attempt", server.readManys)
	}
	if server.reads != 3 {
		t.Errorf("reads = %d, want 3 (start + two fallback reads)", server.reads)
	}
}

func TestResolveMultiIDPartialMiss(t *testing.T) {
	server := newFakeFHIR()
	server.add(fhir.Resource(`{"resourceType":"Patient","id":"1","generalPractitioner":[{"reference":"Practitioner/5"},{"reference":"Practitioner/99"}]}`))
	server.add(fhir.Resource(`{"resourceType":"Practitioner","id":"5"}`))
	resolver := newTestResolver(t, server, nil)

	def := &fhir.GraphDefinition{
		Start: "Patient",
		Link:  []fhir.GraphLink{{Path: "generalPractitioner", Target: []fhir.GraphTarget{{Type: "Practitioner"}}}},
	}
	res, err := resolver.Resolve(context.Background(), def, "1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	assertIDs(t, res.ByType("Practitioner"), "5")
	errs := res.Errors()
	if len(errs) != 1 {
		t.Fatalf("error records = %d, want 1 for the missing id", len(errs))
	}
	diagnostics, _ := jsonparser.GetString(errs[0], "issue", "[0]", "diagnostics")
	if !strings.Contains(diagnostics, "99") {
		t.Errorf("diagnostics %q should name the missing id", diagnostics)
	}
	if server.reads != 1 {
		t.Errorf("reads = %d, want 1 (id search covered the batch)", server.reads)
	}
}

func TestResolveContained(t *testing.T) {
	server := patientGraphServer()
	resolver := newTestResolver(t, server, func(cfg *Config) { cfg.Contained = true })

	res, err := resolver.Resolve(context.Background(), patientGraphDefinition(), "1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if res.Len() != 5 {
		t.Fatalf("top-level entries = %d, want 5 (nested patient + 4 errors)", res.Len())
	}
	top := res.Resources()[0]
	if top.Type() != "Patient" {
		t.Fatalf("first entry = %s, want the nested Patient", top.Type())
	}
	raw := string(top)
	for _, fragment := range []string{`"Practitioner"`, `"General Hospital"`, `"Coverage"`, `"CoveragePayor"`} {
		if !strings.Contains(raw, fragment) {
			t.Errorf("nested patient should contain %s", fragment)
		}
	}
	if got := res.ByType("Practitioner"); len(got) != 0 {
		t.Errorf("contained mode should not emit top-level practitioners, got %v", idsOf(got))
	}
	if len(res.Errors()) != 4 {
		t.Errorf("error records = %d, want 4", len(res.Errors()))
	}
}

func TestResolveSyntheticIDCollision(t *testing.T) {
	server := newFakeFHIR()
	server.add(fhir.Resource(`{"resourceType":"Patient","id":"1"}`))
	server.reverse["Coverage"] = []fhir.Resource{
		fhir.Resource(`{"resourceType":"Coverage","id":"7","payor":[{"display":"First Payor"}]}`),
		fhir.Resource(`{"resourceType":"Coverage","id":"8","payor":[{"display":"Second Payor"}]}`),
	}
	resolver := newTestResolver(t, server, nil)

	def := &fhir.GraphDefinition{
		Start: "Patient",
		Link: []fhir.GraphLink{
			{Target: []fhir.GraphTarget{{
				Type:   "Coverage",
				Params: "patient={ref}",
				Link: []fhir.GraphLink{
					{Path: "payor", Target: []fhir.GraphTarget{{Type: "Organization"}}},
				},
			}}},
		},
	}
	res, err := resolver.Resolve(context.Background(), def, "1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	assertIDs(t, res.ByType("Organization"), "CoveragePayor", "CoveragePayor-8")
}

func TestResolveScopingTarget(t *testing.T) {
	server := newFakeFHIR()
	server.add(fhir.Resource(`{"resourceType":"Patient","id":"1","managingOrganization":{"reference":"Organization/6"}}`))
	server.add(fhir.Resource(`{"resourceType":"Organization","id":"6"}`))
	resolver := newTestResolver(t, server, nil)

	def := &fhir.GraphDefinition{
		Start: "Patient",
		Link: []fhir.GraphLink{
			{Target: []fhir.GraphTarget{{
				Type: "Patient",
				Link: []fhir.GraphLink{
					{Path: "managingOrganization", Target: []fhir.GraphTarget{{Type: "Organization"}}},
				},
			}}},
		},
	}
	res, err := resolver.Resolve(context.Background(), def, "1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	assertIDs(t, res.ByType("Organization"), "6")
}

func TestResolveIfModifiedSince(t *testing.T) {
	def := &fhir.GraphDefinition{
		Start: "Patient",
		Link: []fhir.GraphLink{
			{Target: []fhir.GraphTarget{{Type: "Coverage", Params: "patient={ref}&_lastUpdated=ge{ifModifiedSince}"}}},
		},
	}

	t.Run("configured timestamp is substituted", func(t *testing.T) {
		server := newFakeFHIR()
		server.add(fhir.Resource(`{"resourceType":"Patient","id":"1"}`))
		resolver := newTestResolver(t, server, func(cfg *Config) {
			cfg.IfModifiedSince = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		})

		if _, err := resolver.Resolve(context.Background(), def, "1"); err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if len(server.queries) != 1 {
			t.Fatalf("reverse queries = %d, want 1", len(server.queries))
		}
		params := server.queries[0].Params
		if len(params) != 2 || params[0] != "patient=1" || params[1] != "_lastUpdated=ge2024-03-01T00:00:00Z" {
			t.Errorf("params = %v, want [patient=1 _lastUpdated=ge2024-03-01T00:00:00Z]", params)
		}
	})

	t.Run("param dropped without timestamp", func(t *testing.T) {
		server := newFakeFHIR()
		server.add(fhir.Resource(`{"resourceType":"Patient","id":"1"}`))
		resolver := newTestResolver(t, server, nil)

		if _, err := resolver.Resolve(context.Background(), def, "1"); err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		params := server.queries[0].Params
		if len(params) != 1 || params[0] != "patient=1" {
			t.Errorf("params = %v, want [patient=1]", params)
		}
	})
}

func TestResolveSortResults(t *testing.T) {
	server := patientGraphServer()
	resolver := newTestResolver(t, server, func(cfg *Config) { cfg.SortResults = true })

	res, err := resolver.Resolve(context.Background(), patientGraphDefinition(), "1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	resources := res.Resources()
	if got := resources[0].Key(); got != "Coverage/7" {
		t.Errorf("first sorted entry = %s, want Coverage/7", got)
	}
	if got := resources[len(resources)-1].Key(); got != "Practitioner/5" {
		t.Errorf("last sorted entry = %s, want Practitioner/5", got)
	}
}

func TestResolveValidation(t *testing.T) {
	server := patientGraphServer()
	resolver := newTestResolver(t, server, nil)
	ctx := context.Background()

	if _, err := resolver.Resolve(ctx, nil, "1"); err == nil {
		t.Error("Resolve() with nil definition should fail")
	}
	if _, err := resolver.Resolve(ctx, &fhir.GraphDefinition{}, "1"); err == nil {
		t.Error("Resolve() with invalid definition should fail")
	}
	if _, err := resolver.Resolve(ctx, patientGraphDefinition(), ""); err == nil {
		t.Error("Resolve() with empty start id should fail")
	}
}

func TestNewValidation(t *testing.T) {
	server := patientGraphServer()
	if _, err := New(nil, server, DefaultConfig()); err == nil {
		t.Error("New() with nil client should fail")
	}
	if _, err := New(server, nil, DefaultConfig()); err == nil {
		t.Error("New() with nil fetcher should fail")
	}
}
