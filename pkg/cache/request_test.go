package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/clinsight/fhir-graph-client/pkg/fhir"
)

func patientResource(id string) fhir.Resource {
	return fhir.Resource(fmt.Sprintf(`{"resourceType":"Patient","id":"%s"}`, id))
}

func TestRequestCacheGetPut(t *testing.T) {
	c := NewRequestCache()

	if _, ok := c.Get("Patient", "1"); ok {
		t.Fatal("empty cache reported a hit")
	}

	c.Put("Patient", "1", patientResource("1"))
	resource, ok := c.Get("Patient", "1")
	if !ok {
		t.Fatal("stored resource not found")
	}
	if resource.ID() != "1" {
		t.Errorf("resource id = %q, want %q", resource.ID(), "1")
	}

	hits, misses := c.Stats()
	if hits != 1 || misses != 1 {
		t.Errorf("stats = %d hits %d misses, want 1/1", hits, misses)
	}
}

func TestRequestCacheNegativeEntry(t *testing.T) {
	c := NewRequestCache()
	c.PutNegative("Patient", "gone")

	resource, ok := c.Get("Patient", "gone")
	if !ok {
		t.Fatal("negative entry not found")
	}
	if resource != nil {
		t.Errorf("negative entry returned a resource: %s", resource)
	}
}

func TestRequestCachePartition(t *testing.T) {
	c := NewRequestCache()
	c.Put("Patient", "1", patientResource("1"))
	c.Put("Patient", "3", patientResource("3"))
	c.PutNegative("Patient", "5")

	cached, missing := c.Partition("Patient", []string{"1", "2", "3", "4", "5"})

	if len(cached) != 2 {
		t.Fatalf("cached = %d resources, want 2", len(cached))
	}
	if cached[0].ID() != "1" || cached[1].ID() != "3" {
		t.Errorf("cached ids = %q, %q", cached[0].ID(), cached[1].ID())
	}
	if len(missing) != 2 || missing[0] != "2" || missing[1] != "4" {
		t.Errorf("missing = %v, want [2 4]", missing)
	}

	hits, misses := c.Stats()
	if hits != 3 {
		t.Errorf("hits = %d, want 3 (negative entries count as hits)", hits)
	}
	if misses != 2 {
		t.Errorf("misses = %d, want 2", misses)
	}
}

func TestRequestCachePartitionKeepsTypesApart(t *testing.T) {
	c := NewRequestCache()
	c.Put("Patient", "1", patientResource("1"))

	cached, missing := c.Partition("Organization", []string{"1"})
	if len(cached) != 0 || len(missing) != 1 {
		t.Errorf("cached = %d, missing = %v; ids must be scoped by type", len(cached), missing)
	}
}

func TestRequestCachePutAll(t *testing.T) {
	c := NewRequestCache()
	c.PutAll([]fhir.Resource{
		patientResource("1"),
		fhir.Resource(`{"resourceType":"Organization","id":"7"}`),
		fhir.Resource(`{"foo":"bar"}`),
	})

	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2 (untyped resources are skipped)", c.Len())
	}
	if _, ok := c.Get("Organization", "7"); !ok {
		t.Error("organization not stored")
	}
}

func TestRequestCacheConcurrent(t *testing.T) {
	c := NewRequestCache()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("%d", i%5)
			c.Put("Patient", id, patientResource(id))
			c.Get("Patient", id)
			c.Partition("Patient", []string{id, "other"})
		}(i)
	}
	wg.Wait()

	if c.Len() != 5 {
		t.Errorf("Len() = %d, want 5", c.Len())
	}
}
