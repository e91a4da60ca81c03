// Package result assembles the output of a graph traversal. Resources
// arrive in batches from concurrent branches and are deduplicated on
// insert; the finalized set renders as a flat list, per-type partitions,
// or a FHIR Bundle.
package result

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/clinsight/fhir-graph-client/pkg/fhir"
)

// ErrFinalized is returned by Add after Finalize has been called.
var ErrFinalized = errors.New("result already finalized")

// Assembler collects resources from a running traversal. It is safe for
// concurrent use; parallel branch workers share one instance.
//
// Duplicates are dropped on insert, keyed by resource type and id. A
// resource without an id is always kept: synthesized OperationOutcome
// entries have no id and every failure must stay visible in the output.
type Assembler struct {
	mu        sync.Mutex
	resources []fhir.Resource
	seen      map[string]bool
	finalized bool
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{
		seen: make(map[string]bool),
	}
}

// Add appends resources, dropping ones already collected.
func (a *Assembler) Add(resources ...fhir.Resource) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalized {
		return ErrFinalized
	}

	for _, r := range resources {
		if r == nil {
			continue
		}
		id := r.ID()
		if id != "" {
			key := r.Type() + "/" + id
			if a.seen[key] {
				continue
			}
			a.seen[key] = true
		}
		a.resources = append(a.resources, r)
	}
	return nil
}

// Len returns the number of collected resources.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.resources)
}

// Finalize seals the assembler and returns the collected result. Sorting
// orders resources by type, then id; without it the traversal order is
// preserved. Further Add calls fail with ErrFinalized.
func (a *Assembler) Finalize(sorted bool) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.finalized = true
	resources := a.resources
	if sorted {
		resources = append([]fhir.Resource(nil), resources...)
		fhir.SortResources(resources)
	}
	return Result{resources: resources}
}

// Result is the immutable output of a finalized traversal.
type Result struct {
	resources []fhir.Resource
}

// Resources returns the flat resource list.
func (r Result) Resources() []fhir.Resource {
	return r.resources
}

// Len returns the number of resources.
func (r Result) Len() int {
	return len(r.resources)
}

// Partition groups resources of one type.
type Partition struct {
	ResourceType string
	Resources    []fhir.Resource
}

// Partitions groups the result by resource type, ordered by each type's
// first appearance.
func (r Result) Partitions() []Partition {
	index := make(map[string]int)
	var partitions []Partition
	for _, resource := range r.resources {
		resourceType := resource.Type()
		i, ok := index[resourceType]
		if !ok {
			i = len(partitions)
			index[resourceType] = i
			partitions = append(partitions, Partition{ResourceType: resourceType})
		}
		partitions[i].Resources = append(partitions[i].Resources, resource)
	}
	return partitions
}

// ByType returns the resources of a single type in traversal order.
func (r Result) ByType(resourceType string) []fhir.Resource {
	var out []fhir.Resource
	for _, resource := range r.resources {
		if resource.Type() == resourceType {
			out = append(out, resource)
		}
	}
	return out
}

// Errors returns the synthesized error resources in the result.
func (r Result) Errors() []fhir.Resource {
	var out []fhir.Resource
	for _, resource := range r.resources {
		if fhir.IsOperationOutcome(resource) {
			out = append(out, resource)
		}
	}
	return out
}

// HasErrors reports whether any branch of the traversal failed.
func (r Result) HasErrors() bool {
	for _, resource := range r.resources {
		if fhir.IsOperationOutcome(resource) {
			return true
		}
	}
	return false
}

// Bundle renders the result as a FHIR Bundle of the given type.
func (r Result) Bundle(bundleType string) *fhir.Bundle {
	return fhir.NewBundle(bundleType, r.resources)
}

// WriteNDJSON streams the result one compact resource per line.
func (r Result) WriteNDJSON(w io.Writer) error {
	if err := fhir.WriteNDJSON(w, r.resources); err != nil {
		return fmt.Errorf("write ndjson: %w", err)
	}
	return nil
}
