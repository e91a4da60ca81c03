// Package cache provides the two caching layers of the FHIR client.
//
// The request layer (RequestCache) lives for one graph operation. Every
// resource fetched during a traversal is recorded under its type and id,
// so branches that reference the same Practitioner or Organization reuse
// the first fetch, and ids the server answered 404 for are remembered and
// never asked for again within the operation.
//
// The shared layer (SharedCache) stores whole responses in Redis with
// their ETag, Last-Modified, and expiry, so separate processes and
// consecutive operations reuse server responses. Stale entries are
// revalidated with conditional requests; a 304 renews the entry instead
// of transferring the body again.
//
// Usage:
//
//	requestCache := cache.NewRequestCache()
//	cached, missing := requestCache.Partition("Patient", ids)
//	// fetch missing ids, then:
//	requestCache.PutAll(fetched)
//
//	shared := cache.NewSharedCache(redisClient)
//	entry, err := shared.Get(ctx, cache.NewKey(url))
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch and shared.Set(...)
//	}
package cache
