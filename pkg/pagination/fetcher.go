package pagination

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/clinsight/fhir-graph-client/pkg/client"
	"github.com/clinsight/fhir-graph-client/pkg/fhir"
	"github.com/clinsight/fhir-graph-client/pkg/logging"
	"github.com/clinsight/fhir-graph-client/pkg/result"
)

var (
	fhirPagesScannedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fhir_pagination_pages_scanned_total",
		Help: "Total number of id-projection pages fetched during paged walks",
	})

	fhirBatchesDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fhir_pagination_batches_delivered_total",
		Help: "Total number of hydrated batches delivered to callers in page order",
	})

	fhirFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fhir_pagination_fetch_duration_seconds",
		Help:    "Duration of complete paged walks",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)

// ErrStop can be returned from a FetchAll callback to end the walk
// early. FetchAll treats it as a normal completion and returns nil.
var ErrStop = errors.New("stop pagination")

// ServerError is returned when the server answers a page fetch with a
// non-success status. The full outcome is preserved so callers can fold
// the failure into their own results.
type ServerError struct {
	Outcome *client.Outcome
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server returned %d (%s) for %s", e.Outcome.Status, e.Outcome.Error, e.Outcome.URL)
}

// Config controls the paged fetcher.
type Config struct {
	// MaxConcurrency is the number of parallel page scans. The
	// hydration stage is bounded by the same value.
	MaxConcurrency int

	// PageSize is the _count requested per page and the number of ids
	// hydrated per batch.
	PageSize int

	// Timeout bounds each individual page fetch. Zero disables the
	// per-page bound, leaving only the client's request timeout.
	Timeout time.Duration
}

// DefaultConfig returns the default fetcher configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 10,
		PageSize:       100,
		Timeout:        15 * time.Second,
	}
}

// Searcher executes FHIR searches. *client.Client satisfies it.
type Searcher interface {
	Search(ctx context.Context, query fhir.Query) (*client.Outcome, error)
}

// Batch is one page worth of hydrated resources, delivered in page
// order. Pages that turned out empty are skipped, so consecutive
// callbacks may see non-consecutive Page values.
type Batch struct {
	// Page is the zero-based index of the scanned page.
	Page int

	// IDs are the resource ids the scan found on this page.
	IDs []string

	// Resources are the full resources for IDs. Ids deleted between
	// the scan and the hydration fetch are absent.
	Resources []fhir.Resource
}

// Fetcher walks paged search results with a two-phase worker pipeline.
type Fetcher struct {
	searcher Searcher
	config   Config
	logger   zerolog.Logger
}

// NewFetcher creates a fetcher on top of the given searcher. Zero or
// negative config values fall back to their defaults.
func NewFetcher(searcher Searcher, config Config) *Fetcher {
	defaults := DefaultConfig()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.PageSize <= 0 {
		config.PageSize = defaults.PageSize
	}
	if config.Timeout < 0 {
		config.Timeout = defaults.Timeout
	}
	return &Fetcher{
		searcher: searcher,
		config:   config,
		logger:   logging.NewLogger("pagination"),
	}
}

type scannedPage struct {
	index int
	ids   []string
}

// FetchAll walks every page of the search result and invokes fn once
// per non-empty batch, in page order. The walk stops on the first
// error from fn, the searcher, or the context; already fetched pages
// past the failure are discarded. Returning ErrStop from fn stops the
// walk without an error.
func (f *Fetcher) FetchAll(ctx context.Context, query fhir.Query, fn func(Batch) error) error {
	if query.ResourceType == "" {
		return fmt.Errorf("resource type is required")
	}
	if fn == nil {
		return fmt.Errorf("callback is required")
	}

	start := time.Now()
	cfg := f.config

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	scanQuery := query
	scanQuery.Elements = []string{"id"}
	scanQuery.PageSize = cfg.PageSize
	if len(scanQuery.Sort) == 0 {
		// Offset paging needs a stable order or pages can overlap.
		scanQuery.Sort = []string{"id"}
	}

	// lastPage is the index of the first short or empty page. Workers
	// never scan beyond it.
	var lastPage atomic.Int64
	lastPage.Store(math.MaxInt64)
	var stopped atomic.Bool

	scanned := make(chan scannedPage, cfg.MaxConcurrency*2)
	hydrated := make(chan Batch, cfg.MaxConcurrency*2)

	group, groupCtx := errgroup.WithContext(runCtx)

	// Phase 1: scan workers walk interleaved pages, worker w taking
	// pages w, w+N, w+2N and so on.
	scanGroup, scanCtx := errgroup.WithContext(groupCtx)
	for worker := 0; worker < cfg.MaxConcurrency; worker++ {
		first := worker
		scanGroup.Go(func() error {
			for page := int64(first); ; page += int64(cfg.MaxConcurrency) {
				if page > lastPage.Load() {
					return nil
				}
				ids, err := f.scanPage(scanCtx, scanQuery, int(page))
				if err != nil {
					return err
				}
				fhirPagesScannedTotal.Inc()
				if len(ids) < cfg.PageSize {
					lowerLastPage(&lastPage, page)
				}
				select {
				case scanned <- scannedPage{index: int(page), ids: ids}:
				case <-scanCtx.Done():
					return scanCtx.Err()
				}
			}
		})
	}
	group.Go(func() error {
		defer close(scanned)
		return scanGroup.Wait()
	})

	// Phase 2: hydrate scanned pages into full resources, bounded to
	// the same concurrency as the scan.
	group.Go(func() error {
		defer close(hydrated)
		hydrateGroup, hydrateCtx := errgroup.WithContext(groupCtx)
		hydrateGroup.SetLimit(cfg.MaxConcurrency)
		for page := range scanned {
			page := page
			hydrateGroup.Go(func() error {
				batch, err := f.hydratePage(hydrateCtx, query.ResourceType, page)
				if err != nil {
					return err
				}
				select {
				case hydrated <- batch:
					return nil
				case <-hydrateCtx.Done():
					return hydrateCtx.Err()
				}
			})
		}
		return hydrateGroup.Wait()
	})

	// Delivery: reorder hydrated batches back into page order before
	// handing them to the caller.
	group.Go(func() error {
		pending := make(map[int]Batch)
		next := 0
		delivered := 0
		deliver := func(batch Batch) error {
			if len(batch.Resources) == 0 {
				return nil
			}
			if err := fn(batch); err != nil {
				if errors.Is(err, ErrStop) {
					stopped.Store(true)
					cancel()
					return nil
				}
				return err
			}
			fhirBatchesDeliveredTotal.Inc()
			delivered++
			if delivered%50 == 0 {
				f.logger.Info().
					Int("batches", delivered).
					Str("resource_type", query.ResourceType).
					Msg("Paged fetch progress")
			}
			return nil
		}
		for batch := range hydrated {
			pending[batch.Page] = batch
			for {
				ready, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				if err := deliver(ready); err != nil {
					return err
				}
				if stopped.Load() {
					return nil
				}
			}
		}
		for {
			ready, ok := pending[next]
			if !ok {
				return nil
			}
			delete(pending, next)
			next++
			if err := deliver(ready); err != nil {
				return err
			}
			if stopped.Load() {
				return nil
			}
		}
	})

	err := group.Wait()
	fhirFetchDuration.Observe(time.Since(start).Seconds())
	if stopped.Load() {
		// In-flight fetches cut off by the stop are not errors.
		f.logger.Debug().
			Str("resource_type", query.ResourceType).
			Dur("duration", time.Since(start)).
			Msg("Paged fetch stopped early by caller")
		return nil
	}
	if err != nil {
		return fmt.Errorf("paged fetch of %s: %w", query.ResourceType, err)
	}
	f.logger.Debug().
		Str("resource_type", query.ResourceType).
		Dur("duration", time.Since(start)).
		Msg("Paged fetch complete")
	return nil
}

// FetchAllByCursor walks the result set with the id:above cursor
// instead of offsets. The scan is sequential, so it is slower than
// FetchAll, but the cursor keeps the walk stable on servers whose
// offset paging shifts when resources change mid-walk. A non-empty
// query.IDAbove resumes a previous walk after that id.
func (f *Fetcher) FetchAllByCursor(ctx context.Context, query fhir.Query, fn func(Batch) error) error {
	if query.ResourceType == "" {
		return fmt.Errorf("resource type is required")
	}
	if fn == nil {
		return fmt.Errorf("callback is required")
	}

	start := time.Now()
	cursor := query.IDAbove
	for page := 0; ; page++ {
		scanQuery := query
		scanQuery.Elements = []string{"id"}
		scanQuery.Sort = []string{"id"}
		scanQuery.Limit = f.config.PageSize
		scanQuery.Page = nil
		scanQuery.IDAbove = cursor

		ids, err := f.fetchIDs(ctx, scanQuery, page)
		if err != nil {
			return fmt.Errorf("cursor fetch of %s: %w", query.ResourceType, err)
		}
		fhirPagesScannedTotal.Inc()
		if len(ids) == 0 {
			break
		}

		batch, err := f.hydratePage(ctx, query.ResourceType, scannedPage{index: page, ids: ids})
		if err != nil {
			return fmt.Errorf("cursor fetch of %s: %w", query.ResourceType, err)
		}
		if len(batch.Resources) > 0 {
			if err := fn(batch); err != nil {
				if errors.Is(err, ErrStop) {
					f.logger.Debug().
						Str("resource_type", query.ResourceType).
						Dur("duration", time.Since(start)).
						Msg("Cursor fetch stopped early by caller")
					return nil
				}
				return err
			}
			fhirBatchesDeliveredTotal.Inc()
		}
		if len(ids) < f.config.PageSize {
			break
		}
		cursor = ids[len(ids)-1]
	}
	f.logger.Debug().
		Str("resource_type", query.ResourceType).
		Dur("duration", time.Since(start)).
		Msg("Cursor fetch complete")
	return nil
}

// Collect walks every page like FetchAll and gathers the batches into
// one result in page order, for callers that want the aggregate rather
// than a stream.
func (f *Fetcher) Collect(ctx context.Context, query fhir.Query) (result.Result, error) {
	assembler := result.NewAssembler()
	err := f.FetchAll(ctx, query, func(b Batch) error {
		return assembler.Add(b.Resources...)
	})
	if err != nil {
		return result.Result{}, err
	}
	return assembler.Finalize(false), nil
}

// FetchPage fetches a single page of full resources at the given
// zero-based page index. It is the non-streaming counterpart of
// FetchAll for callers that page interactively.
func (f *Fetcher) FetchPage(ctx context.Context, query fhir.Query, page int) (Batch, error) {
	if query.ResourceType == "" {
		return Batch{}, fmt.Errorf("resource type is required")
	}
	if page < 0 {
		return Batch{}, fmt.Errorf("page index must not be negative")
	}
	pageQuery := query
	pageQuery.PageSize = f.config.PageSize
	pageQuery.Page = intPtr(page * f.config.PageSize)
	if len(pageQuery.Sort) == 0 {
		pageQuery.Sort = []string{"id"}
	}

	fetchCtx := ctx
	if f.config.Timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, f.config.Timeout)
		defer cancel()
	}
	outcome, err := f.searcher.Search(fetchCtx, pageQuery)
	if err != nil {
		return Batch{}, fmt.Errorf("fetch page %d: %w", page, err)
	}
	if !outcome.OK() {
		return Batch{}, fmt.Errorf("fetch page %d: %w", page, &ServerError{Outcome: outcome})
	}
	batch := Batch{Page: page, Resources: outcome.Resources}
	for _, resource := range outcome.Resources {
		if id := resource.ID(); id != "" {
			batch.IDs = append(batch.IDs, id)
		}
	}
	return batch, nil
}

// scanPage fetches one id-projection page at the given zero-based
// offset index.
func (f *Fetcher) scanPage(ctx context.Context, base fhir.Query, page int) ([]string, error) {
	pageQuery := base
	pageQuery.Page = intPtr(page * f.config.PageSize)
	return f.fetchIDs(ctx, pageQuery, page)
}

// fetchIDs runs an id-projection query and extracts the returned ids.
func (f *Fetcher) fetchIDs(ctx context.Context, query fhir.Query, page int) ([]string, error) {
	fetchCtx := ctx
	if f.config.Timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, f.config.Timeout)
		defer cancel()
	}

	outcome, err := f.searcher.Search(fetchCtx, query)
	if err != nil {
		return nil, fmt.Errorf("scan page %d: %w", page, err)
	}
	if !outcome.OK() {
		return nil, fmt.Errorf("scan page %d: %w", page, &ServerError{Outcome: outcome})
	}
	ids := make([]string, 0, len(outcome.Resources))
	for _, resource := range outcome.Resources {
		if id := resource.ID(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// hydratePage fetches the full resources for a scanned page's ids.
func (f *Fetcher) hydratePage(ctx context.Context, resourceType string, page scannedPage) (Batch, error) {
	batch := Batch{Page: page.index, IDs: page.ids}
	if len(page.ids) == 0 {
		return batch, nil
	}

	fetchCtx := ctx
	if f.config.Timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, f.config.Timeout)
		defer cancel()
	}

	outcome, err := f.searcher.Search(fetchCtx, fhir.Query{
		ResourceType: resourceType,
		IDs:          append([]string(nil), page.ids...),
	})
	if err != nil {
		return Batch{}, fmt.Errorf("hydrate page %d: %w", page.index, err)
	}
	if !outcome.OK() {
		if outcome.Status == http.StatusNotFound && len(page.ids) == 1 {
			// A one-id page renders as a direct read; the resource was
			// deleted between scan and fetch.
			return batch, nil
		}
		return Batch{}, fmt.Errorf("hydrate page %d: %w", page.index, &ServerError{Outcome: outcome})
	}
	batch.Resources = outcome.Resources
	return batch, nil
}

// lowerLastPage moves the shared last-page bound down to page unless an
// earlier bound is already set.
func lowerLastPage(lastPage *atomic.Int64, page int64) {
	for {
		current := lastPage.Load()
		if page >= current || lastPage.CompareAndSwap(current, page) {
			return
		}
	}
}

func intPtr(v int) *int {
	return &v
}
