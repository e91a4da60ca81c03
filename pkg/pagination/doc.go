// Package pagination streams large FHIR search results without loading
// them into memory at once.
//
// Fetching happens in two phases. A pool of scan workers walks the
// result set page by page using an id-only projection (_elements=id),
// which keeps the per-page payload small even for resource types with
// large bodies. Each scanned page is then hydrated by a second bounded
// stage that fetches the full resources for the page's ids in a single
// batched search. Hydrated batches are handed to the caller strictly in
// page order regardless of which worker finished first.
//
// The total number of pages is unknown up front. Workers probe ahead
// optimistically and the first short or empty page establishes an upper
// bound that stops the remaining workers.
//
// Usage:
//
//	fetcher := pagination.NewFetcher(fhirClient, pagination.DefaultConfig())
//	err := fetcher.FetchAll(ctx, fhir.Query{ResourceType: "Observation"}, func(batch pagination.Batch) error {
//		for _, resource := range batch.Resources {
//			process(resource)
//		}
//		return nil
//	})
//
// Returning pagination.ErrStop from the callback ends the walk early
// without an error.
package pagination
