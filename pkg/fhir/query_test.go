package fhir

import (
	"testing"
	"time"
)

func TestQueryURL(t *testing.T) {
	page0 := 0
	page2 := 2

	tests := []struct {
		name  string
		query Query
		want  string
	}{
		{
			name:  "single_read",
			query: Query{ResourceType: "Patient", ID: "1"},
			want:  "http://fhir.test/Patient/1",
		},
		{
			name:  "single_id_as_path",
			query: Query{ResourceType: "Patient", IDs: []string{"1"}},
			want:  "http://fhir.test/Patient/1",
		},
		{
			name:  "multi_id_sorted",
			query: Query{ResourceType: "Patient", IDs: []string{"3", "1", "2"}},
			want:  "http://fhir.test/Patient?id=1,2,3",
		},
		{
			name:  "reverse_filter",
			query: Query{ResourceType: "Coverage", IDs: []string{"1"}, FilterByResource: "Patient"},
			want:  "http://fhir.test/Coverage?patient=1",
		},
		{
			name: "reverse_filter_with_parameter",
			query: Query{
				ResourceType:     "Observation",
				IDs:              []string{"27384972"},
				FilterParameter:  "subject",
				FilterByResource: "Patient",
			},
			want: "http://fhir.test/Observation?subject:Patient=27384972",
		},
		{
			name:  "id_phase_projection",
			query: Query{ResourceType: "Patient", Elements: []string{"id"}, PageSize: 100, Page: &page0},
			want:  "http://fhir.test/Patient?_elements=id&_count=100&_getpagesoffset=0",
		},
		{
			name:  "paged_offset",
			query: Query{ResourceType: "Patient", PageSize: 50, Page: &page2},
			want:  "http://fhir.test/Patient?_count=50&_getpagesoffset=2",
		},
		{
			name:  "limit_without_pages",
			query: Query{ResourceType: "Patient", Limit: 10},
			want:  "http://fhir.test/Patient?_count=10",
		},
		{
			name:  "sort_and_total",
			query: Query{ResourceType: "Patient", Sort: []string{"id", "-_lastUpdated"}, IncludeTotal: true},
			want:  "http://fhir.test/Patient?_sort=id,-_lastUpdated&_total=accurate",
		},
		{
			name: "extra_params_deduped",
			query: Query{
				ResourceType: "Observation",
				Params:       []string{"patient=1", "category=vital-signs", "patient=1"},
			},
			want: "http://fhir.test/Observation?patient=1&category=vital-signs",
		},
		{
			name: "last_updated_bounds",
			query: Query{
				ResourceType:      "Patient",
				LastUpdatedAfter:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
				LastUpdatedBefore: time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC),
			},
			want: "http://fhir.test/Patient?_lastUpdated=lt2024-06-30T12:00:00Z&_lastUpdated=ge2024-01-01T00:00:00Z",
		},
		{
			name:  "id_above_cursor",
			query: Query{ResourceType: "Patient", IDAbove: "1000"},
			want:  "http://fhir.test/Patient?id:above=1000",
		},
		{
			name:  "graph_action",
			query: Query{ResourceType: "Patient", IDs: []string{"1", "2"}, Action: "$graph", Params: []string{"contained=true"}},
			want:  "http://fhir.test/Patient/$graph?id=1,2&contained=true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.query.URL("http://fhir.test")
			if err != nil {
				t.Fatalf("URL() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("URL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestQueryURLStable(t *testing.T) {
	q := Query{ResourceType: "Patient", IDs: []string{"b", "a"}, Sort: []string{"id"}}

	first, err := q.URL("http://fhir.test")
	if err != nil {
		t.Fatalf("URL() error: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := q.URL("http://fhir.test")
		if err != nil {
			t.Fatalf("URL() error: %v", err)
		}
		if again != first {
			t.Fatalf("URL() not stable: %q vs %q", again, first)
		}
	}
}

func TestQueryValidate(t *testing.T) {
	if err := (Query{}).Validate(); err == nil {
		t.Error("expected error for missing resource type")
	}
	if err := (Query{ResourceType: "Patient", ID: "1", IDs: []string{"2"}}).Validate(); err == nil {
		t.Error("expected error for both ID and IDs")
	}
	if err := (Query{ResourceType: "Patient"}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestQueryWithPage(t *testing.T) {
	q := Query{ResourceType: "Patient", PageSize: 10}
	paged := q.WithPage(3)

	if q.Page != nil {
		t.Error("WithPage mutated the original query")
	}
	if paged.Page == nil || *paged.Page != 3 {
		t.Errorf("WithPage did not set page, got %v", paged.Page)
	}
}
