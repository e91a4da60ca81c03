package cache

import (
	"sync"
	"sync/atomic"

	"github.com/clinsight/fhir-graph-client/pkg/fhir"
)

// RequestCache deduplicates resource fetches within a single graph
// operation. A nil stored value records a negative entry: the server
// answered 404 for that id and no branch should ask again.
//
// All methods are safe for concurrent use; parallel branch workers share
// one instance per operation.
type RequestCache struct {
	mu      sync.RWMutex
	entries map[string]fhir.Resource

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRequestCache creates an empty per-operation cache.
func NewRequestCache() *RequestCache {
	return &RequestCache{
		entries: make(map[string]fhir.Resource),
	}
}

// Get returns the cached resource for a type and id. The second return
// reports whether the id is known at all; a known id with a nil resource
// is a remembered 404.
func (c *RequestCache) Get(resourceType, id string) (fhir.Resource, bool) {
	c.mu.RLock()
	resource, ok := c.entries[resourceType+"/"+id]
	c.mu.RUnlock()

	if ok {
		c.hits.Add(1)
		CacheHits.WithLabelValues("request").Inc()
	} else {
		c.misses.Add(1)
		CacheMisses.WithLabelValues("request").Inc()
	}
	return resource, ok
}

// Put stores a fetched resource under its type and id.
func (c *RequestCache) Put(resourceType, id string, resource fhir.Resource) {
	if resourceType == "" || id == "" {
		return
	}
	c.mu.Lock()
	c.entries[resourceType+"/"+id] = resource
	c.mu.Unlock()
}

// PutNegative records that the server has no resource for this id.
func (c *RequestCache) PutNegative(resourceType, id string) {
	c.Put(resourceType, id, nil)
}

// PutAll stores every resource under its own type and id.
func (c *RequestCache) PutAll(resources []fhir.Resource) {
	for _, r := range resources {
		c.Put(r.Type(), r.ID(), r)
	}
}

// Partition splits ids into resources already cached and ids that still
// need a fetch. Negative entries count as cached and contribute nothing
// to either list.
func (c *RequestCache) Partition(resourceType string, ids []string) (cached []fhir.Resource, missing []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, id := range ids {
		resource, ok := c.entries[resourceType+"/"+id]
		if !ok {
			c.misses.Add(1)
			CacheMisses.WithLabelValues("request").Inc()
			missing = append(missing, id)
			continue
		}
		c.hits.Add(1)
		CacheHits.WithLabelValues("request").Inc()
		if resource != nil {
			cached = append(cached, resource)
		}
	}
	return cached, missing
}

// Stats returns the hit and miss counts accumulated so far.
func (c *RequestCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Len returns the number of entries, negative ones included.
func (c *RequestCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
