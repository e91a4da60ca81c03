// Package graph simulates the FHIR $graph operation on the client side:
// starting from one resource, it walks a GraphDefinition's link tree,
// fans the per-link fetches out with bounded concurrency, and gathers
// every related resource into a single result. A failing branch never
// aborts the operation; it is folded into the result as an inline
// OperationOutcome carrying the failing url and request context, and
// traversal simply does not descend below it.
package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/clinsight/fhir-graph-client/pkg/cache"
	"github.com/clinsight/fhir-graph-client/pkg/client"
	"github.com/clinsight/fhir-graph-client/pkg/fhir"
	"github.com/clinsight/fhir-graph-client/pkg/logging"
	"github.com/clinsight/fhir-graph-client/pkg/pagination"
	"github.com/clinsight/fhir-graph-client/pkg/result"
)

var (
	fhirGraphResolvesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fhir_graph_resolves_total",
		Help: "Total number of graph resolve operations started",
	})

	fhirGraphResolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fhir_graph_resolve_duration_seconds",
		Help:    "Duration of complete graph resolve operations",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	fhirGraphBranchErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fhir_graph_branch_errors_total",
		Help: "Total number of graph branches folded into inline error records",
	})
)

// Client is the direct-read surface the resolver needs. *client.Client
// satisfies it.
type Client interface {
	Read(ctx context.Context, resourceType, id string) (*client.Outcome, error)
	ReadMany(ctx context.Context, resourceType string, ids []string) (*client.Outcome, error)
}

// PagedSearcher runs reverse searches page by page. *pagination.Fetcher
// satisfies it.
type PagedSearcher interface {
	FetchAll(ctx context.Context, query fhir.Query, fn func(pagination.Batch) error) error
}

// Config controls one resolver.
type Config struct {
	// Concurrency bounds the link fetches dispatched in parallel at
	// each level of the tree.
	Concurrency int

	// RequestSize is the maximum number of ids (or reverse-search
	// parent ids) carried by a single request.
	RequestSize int

	// IfModifiedSince fills the {ifModifiedSince} token in reverse
	// search templates. When zero, parameters carrying the token are
	// dropped.
	IfModifiedSince time.Time

	// Contained nests fetched children inside their parent's contained
	// list instead of returning them as top-level entries. Error
	// records stay top level.
	Contained bool

	// SortResults orders the final result by resource type and id
	// instead of completion order.
	SortResults bool
}

// DefaultConfig returns the default resolver configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency: 10,
		RequestSize: 100,
	}
}

// Resolver walks GraphDefinitions against a FHIR server.
type Resolver struct {
	client  Client
	fetcher PagedSearcher
	config  Config
	logger  zerolog.Logger
}

// New creates a resolver. Zero or negative config values fall back to
// their defaults.
func New(client Client, fetcher PagedSearcher, config Config) (*Resolver, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("paged fetcher is required")
	}
	defaults := DefaultConfig()
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.RequestSize <= 0 {
		config.RequestSize = defaults.RequestSize
	}
	return &Resolver{
		client:  client,
		fetcher: fetcher,
		config:  config,
		logger:  logging.NewLogger("graph"),
	}, nil
}

// operation is the per-resolve state shared by concurrent branch
// fetches: the request cache, the assembler, the parent-child edges
// for contained mode, and the synthetic-id claims.
type operation struct {
	cache     *cache.RequestCache
	assembler *result.Assembler
	contained bool

	mu          sync.Mutex
	edges       map[string][]fhir.Resource
	claimed     map[string]string
	unsupported map[string]bool
	errors      []fhir.Resource
	branchErrs  int
}

func newOperation(contained bool) *operation {
	return &operation{
		cache:       cache.NewRequestCache(),
		assembler:   result.NewAssembler(),
		contained:   contained,
		edges:       make(map[string][]fhir.Resource),
		claimed:     make(map[string]string),
		unsupported: make(map[string]bool),
	}
}

// addChild records the parent-child edge and, outside contained mode,
// appends the child to the assembled result.
func (op *operation) addChild(parent, child fhir.Resource) {
	op.mu.Lock()
	key := parent.Key()
	op.edges[key] = append(op.edges[key], child)
	op.mu.Unlock()
	if !op.contained {
		op.assembler.Add(child)
	}
}

// recordError folds a branch failure into the result. In contained
// mode error records are held back so the nested start resource stays
// the first entry.
func (op *operation) recordError(res fhir.Resource) {
	fhirGraphBranchErrorsTotal.Inc()
	op.mu.Lock()
	op.branchErrs++
	if op.contained {
		op.errors = append(op.errors, res)
		op.mu.Unlock()
		return
	}
	op.mu.Unlock()
	op.assembler.Add(res)
}

func (op *operation) isUnsupported(resourceType string) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.unsupported[resourceType]
}

func (op *operation) markUnsupported(resourceType string) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.unsupported[resourceType] = true
}

// claimSyntheticID reserves an id for an anonymous embedded resource.
// The base id is unique per branch: when another parent already claimed
// it, the id is qualified with this parent's own id.
func (op *operation) claimSyntheticID(resourceType, base string, parent fhir.Resource) string {
	op.mu.Lock()
	defer op.mu.Unlock()
	parentKey := parent.Key()
	id := base
	key := resourceType + "/" + id
	if owner, ok := op.claimed[key]; ok && owner != parentKey {
		if pid := parent.ID(); pid != "" {
			id = base + "-" + pid
		} else {
			id = fmt.Sprintf("%s-%d", base, len(op.claimed))
		}
		key = resourceType + "/" + id
	}
	op.claimed[key] = parentKey
	return id
}

// branch is one level-queue entry: a link list to apply and the parent
// resources it applies to.
type branch struct {
	links   []fhir.GraphLink
	parents []fhir.Resource
}

// unit is one dispatchable fetch: a single target of a single link,
// applied to a level's parents.
type unit struct {
	path    string
	target  fhir.GraphTarget
	parents []fhir.Resource
}

// Resolve fetches the start resources and walks the definition's link
// tree against them. startID is a single id or a comma-separated id
// list; ids the server does not return are simply absent from the
// result. The returned result always covers every branch: resources
// where fetches succeeded, inline OperationOutcomes where they did
// not. Only a failure of the start fetch itself (or a cancelled
// context) aborts the operation with an error.
func (r *Resolver) Resolve(ctx context.Context, def *fhir.GraphDefinition, startID string) (result.Result, error) {
	if def == nil {
		return result.Result{}, fmt.Errorf("graph definition is required")
	}
	if err := def.Validate(); err != nil {
		return result.Result{}, err
	}
	startIDs := splitStartIDs(startID)
	if len(startIDs) == 0 {
		return result.Result{}, fmt.Errorf("start resource id is required")
	}

	started := time.Now()
	fhirGraphResolvesTotal.Inc()
	logger := r.logger.With().Str("start", def.Start+"/"+startID).Logger()
	logger.Debug().Int("links", len(def.Link)).Int("start_ids", len(startIDs)).Msg("Graph resolve started")

	op := newOperation(r.config.Contained)

	var outcome *client.Outcome
	var err error
	if len(startIDs) == 1 {
		outcome, err = r.client.Read(ctx, def.Start, startIDs[0])
	} else {
		outcome, err = r.client.ReadMany(ctx, def.Start, startIDs)
	}
	if err != nil {
		return result.Result{}, fmt.Errorf("fetch start resource %s/%s: %w", def.Start, startID, err)
	}
	if !outcome.OK() {
		return result.Result{}, fmt.Errorf("fetch start resource %s/%s: server returned %d (%s)",
			def.Start, startID, outcome.Status, outcome.Error)
	}
	if len(outcome.Resources) == 0 {
		logger.Warn().Msg("Start resource fetch returned no resource")
		return op.assembler.Finalize(r.config.SortResults), nil
	}
	starts := outcome.Resources
	for _, start := range starts {
		op.cache.Put(start.Type(), start.ID(), start)
		if !r.config.Contained {
			op.assembler.Add(start)
		}
	}

	level := []branch{{links: def.Link, parents: starts}}
	for depth := 0; len(level) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return result.Result{}, fmt.Errorf("resolve %s/%s: %w", def.Start, startID, err)
		}
		logger.Debug().Int("depth", depth).Int("branches", len(level)).Msg("Processing link level")
		level = r.processLevel(ctx, op, level)
	}

	if r.config.Contained {
		for _, start := range starts {
			nested, err := op.nest(start, map[string]bool{})
			if err != nil {
				return result.Result{}, fmt.Errorf("nest contained resources: %w", err)
			}
			op.assembler.Add(nested)
		}
		op.assembler.Add(op.errors...)
	}

	res := op.assembler.Finalize(r.config.SortResults)
	hits, misses := op.cache.Stats()
	logger.Info().
		Int("resources", res.Len()).
		Int("errors", op.branchErrs).
		Int64("cache_hits", hits).
		Int64("cache_misses", misses).
		Dur("duration", time.Since(started)).
		Msg("Graph resolve complete")
	fhirGraphResolveDuration.Observe(time.Since(started).Seconds())
	return res, nil
}

// splitStartIDs accepts a single id or a comma-separated id list.
func splitStartIDs(raw string) []string {
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// processLevel dispatches every link target of the level as its own
// bounded-concurrency unit and returns the next level's branches.
func (r *Resolver) processLevel(ctx context.Context, op *operation, level []branch) []branch {
	var units []unit
	for _, b := range level {
		if len(b.parents) == 0 {
			continue
		}
		for _, link := range b.links {
			for _, target := range link.Target {
				units = append(units, unit{path: link.Path, target: target, parents: b.parents})
			}
		}
	}

	var (
		mu   sync.Mutex
		next []branch
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.config.Concurrency)
	for _, u := range units {
		u := u
		group.Go(func() error {
			children := r.processUnit(groupCtx, op, u)
			if len(u.target.Link) > 0 && len(children) > 0 {
				mu.Lock()
				next = append(next, branch{links: u.target.Link, parents: children})
				mu.Unlock()
			}
			return nil
		})
	}
	group.Wait()
	return next
}

// processUnit fetches one link target and returns the resources that
// become parents for the target's child links.
func (r *Resolver) processUnit(ctx context.Context, op *operation, u unit) []fhir.Resource {
	switch {
	case u.path != "":
		return r.followPath(ctx, op, u)
	case u.target.Params != "":
		return r.reverseSearch(ctx, op, u)
	default:
		// A target with neither path nor params scopes its child links
		// to parents of the target's type.
		var scoped []fhir.Resource
		for _, p := range u.parents {
			if p.Type() == u.target.Type {
				scoped = append(scoped, p)
			}
		}
		return scoped
	}
}

// followPath reads the references found at the unit's path on each
// parent and fetches the referenced resources. Objects embedded at the
// path without a reference are adopted directly, receiving a synthetic
// id when they carry none.
func (r *Resolver) followPath(ctx context.Context, op *operation, u unit) []fhir.Resource {
	type parentRefs struct {
		parent fhir.Resource
		ids    []string
	}
	var (
		refs     []parentRefs
		order    []string
		seen     = make(map[string]bool)
		children []fhir.Resource
	)
	for _, parent := range u.parents {
		if ids := parent.ReferenceIDs(u.path, u.target.Type); len(ids) > 0 {
			refs = append(refs, parentRefs{parent: parent, ids: ids})
			for _, id := range ids {
				if !seen[id] {
					seen[id] = true
					order = append(order, id)
				}
			}
		}
		for i, embedded := range parent.EmbeddedResourcesAt(u.path, u.target.Type) {
			child := r.adoptEmbedded(op, u, parent, embedded, i)
			if child != nil {
				op.addChild(parent, child)
				children = append(children, child)
			}
		}
	}
	if len(order) == 0 {
		return children
	}

	fetched := r.fetchByIDs(ctx, op, u.target.Type, order)
	for _, pr := range refs {
		for _, id := range pr.ids {
			if child, ok := fetched[id]; ok {
				op.addChild(pr.parent, child)
			}
		}
	}
	for _, id := range order {
		if child, ok := fetched[id]; ok {
			children = append(children, child)
		}
	}
	return children
}

// adoptEmbedded takes an inline object found at the unit's path as a
// fetched resource. Anonymous objects get a synthetic id derived from
// the parent type and path so they survive deduplication; the ordinal
// keeps anonymous siblings under one parent apart.
func (r *Resolver) adoptEmbedded(op *operation, u unit, parent, embedded fhir.Resource, ordinal int) fhir.Resource {
	if id := embedded.ID(); id != "" {
		op.cache.Put(embedded.Type(), id, embedded)
		return embedded
	}
	base := syntheticBase(parent.Type(), u.path)
	if ordinal > 0 {
		base = fmt.Sprintf("%s-%d", base, ordinal+1)
	}
	id := op.claimSyntheticID(u.target.Type, base, parent)
	withID, err := embedded.WithID(id)
	if err != nil {
		r.logger.Warn().Err(err).Str("path", u.path).Msg("Could not assign synthetic id to embedded resource")
		return nil
	}
	op.cache.Put(withID.Type(), id, withID)
	return withID
}

// syntheticBase derives the id for an anonymous embedded resource from
// its parent type and the last path segment: Coverage.payor becomes
// CoveragePayor.
func syntheticBase(parentType, path string) string {
	segments := strings.Split(path, ".")
	leaf := strings.TrimSuffix(segments[len(segments)-1], "[x]")
	if leaf == "" {
		return parentType
	}
	return parentType + strings.ToUpper(leaf[:1]) + leaf[1:]
}

// reverseSearch finds the target resources that reference the unit's
// parents, substituting the parent ids into the {ref} parameter of the
// target's search template. Parent ids are batched so the query string
// stays bounded; in contained mode the searches run per parent so each
// child can be attributed exactly.
func (r *Resolver) reverseSearch(ctx context.Context, op *operation, u unit) []fhir.Resource {
	property, rest, err := fhir.SplitReverseParams(u.target.Params)
	if err != nil {
		op.recordError(fhir.NewOperationOutcome(fhir.ErrorDetails{
			Error:        err.Error(),
			ResourceType: u.target.Type,
		}))
		return nil
	}
	extra := r.resolveTemplateParams(rest)

	var parents []fhir.Resource
	for _, p := range u.parents {
		if p.ID() != "" {
			parents = append(parents, p)
		}
	}
	if len(parents) == 0 {
		return nil
	}

	chunkSize := r.config.RequestSize
	if op.contained {
		chunkSize = 1
	}

	var (
		children []fhir.Resource
		seen     = make(map[string]bool)
	)
	for startIdx := 0; startIdx < len(parents); startIdx += chunkSize {
		endIdx := min(startIdx+chunkSize, len(parents))
		chunk := parents[startIdx:endIdx]

		ids := make([]string, 0, len(chunk))
		for _, p := range chunk {
			ids = append(ids, p.ID())
		}
		sort.Strings(ids)

		query := fhir.Query{
			ResourceType: u.target.Type,
			Params:       append([]string{property + "=" + strings.Join(ids, ",")}, extra...),
		}
		attributeTo := chunk[0]

		err := r.fetcher.FetchAll(ctx, query, func(b pagination.Batch) error {
			for _, res := range b.Resources {
				op.cache.Put(res.Type(), res.ID(), res)
				op.addChild(attributeTo, res)
				if key := res.Key(); !seen[key] {
					seen[key] = true
					children = append(children, res)
				}
			}
			return nil
		})
		if err != nil {
			op.recordError(reverseFailureResource(err, u.target.Type))
		}
	}
	return children
}

// resolveTemplateParams fills the {ifModifiedSince} token, dropping
// parameters that carry it when no timestamp is configured.
func (r *Resolver) resolveTemplateParams(params []string) []string {
	var out []string
	for _, p := range params {
		if strings.Contains(p, fhir.IfModifiedSinceToken) {
			if r.config.IfModifiedSince.IsZero() {
				continue
			}
			p = strings.ReplaceAll(p, fhir.IfModifiedSinceToken,
				r.config.IfModifiedSince.UTC().Format("2006-01-02T15:04:05Z"))
		}
		out = append(out, p)
	}
	return out
}

// fetchByIDs resolves ids to resources through the request cache,
// batching the misses by the configured request size.
func (r *Resolver) fetchByIDs(ctx context.Context, op *operation, resourceType string, ids []string) map[string]fhir.Resource {
	fetched := make(map[string]fhir.Resource, len(ids))
	for startIdx := 0; startIdx < len(ids); startIdx += r.config.RequestSize {
		if ctx.Err() != nil {
			break
		}
		endIdx := min(startIdx+r.config.RequestSize, len(ids))
		r.fetchIDBatch(ctx, op, resourceType, ids[startIdx:endIdx], fetched)
	}
	return fetched
}

// fetchIDBatch fetches one batch of ids, preferring a single id search
// and falling back to one-by-one reads for servers that reject it.
// Every id that cannot be produced yields exactly one inline error
// record; 404s are negative-cached so other branches referencing the
// same id neither refetch nor duplicate the record.
func (r *Resolver) fetchIDBatch(ctx context.Context, op *operation, resourceType string, ids []string, fetched map[string]fhir.Resource) {
	cached, missing := op.cache.Partition(resourceType, ids)
	for _, res := range cached {
		fetched[res.ID()] = res
	}
	if len(missing) == 0 {
		return
	}

	if len(missing) > 1 && !op.isUnsupported(resourceType) {
		outcome, err := r.client.ReadMany(ctx, resourceType, missing)
		switch {
		case err != nil:
			op.recordError(failureResource(outcome, err, resourceType, missing))
			return
		case outcome.OK():
			for _, res := range outcome.Resources {
				if id := res.ID(); id != "" {
					op.cache.Put(resourceType, id, res)
					fetched[id] = res
				}
			}
			for _, id := range missing {
				if _, ok := fetched[id]; !ok {
					op.cache.PutNegative(resourceType, id)
					op.recordError(fhir.NewOperationOutcome(fhir.ErrorDetails{
						URL:          outcome.URL,
						Error:        "NotFound",
						Status:       http.StatusNotFound,
						ResourceType: resourceType,
						IDs:          []string{id},
						AccessToken:  outcome.AccessToken,
						RequestID:    outcome.RequestID,
					}))
				}
			}
			return
		default:
			op.markUnsupported(resourceType)
			r.logger.Warn().
				Str("resource_type", resourceType).
				Int("status", outcome.Status).
				Msg("Id search failed, falling back to one-by-one resource fetch")
		}
	}

	for _, id := range missing {
		if ctx.Err() != nil {
			return
		}
		outcome, err := r.client.Read(ctx, resourceType, id)
		switch {
		case err != nil:
			op.recordError(failureResource(outcome, err, resourceType, []string{id}))
		case outcome.OK() && len(outcome.Resources) > 0:
			res := outcome.Resources[0]
			op.cache.Put(resourceType, id, res)
			fetched[id] = res
		case outcome.Status == http.StatusNotFound:
			op.cache.PutNegative(resourceType, id)
			op.recordError(outcome.ErrorResource())
		default:
			op.recordError(outcome.ErrorResource())
		}
	}
}

// nest rebuilds the parent-child edges into contained form, bottom up.
// The path guard keeps reference cycles in the data from recursing
// forever.
func (op *operation) nest(res fhir.Resource, path map[string]bool) (fhir.Resource, error) {
	key := res.Key()
	if path[key] {
		return res.Clone(), nil
	}
	path[key] = true
	defer delete(path, key)

	kids := op.edges[key]
	if len(kids) == 0 {
		return res, nil
	}
	nested := make([]fhir.Resource, 0, len(kids))
	seen := make(map[string]bool, len(kids))
	for _, kid := range kids {
		if k := kid.Key(); seen[k] {
			continue
		} else {
			seen[k] = true
		}
		n, err := op.nest(kid, path)
		if err != nil {
			return nil, err
		}
		nested = append(nested, n)
	}
	return res.WithContained(nested)
}

// failureResource synthesizes the error record for a fetch that failed
// with a Go error, pulling url and status from the outcome when the
// executor produced one.
func failureResource(outcome *client.Outcome, err error, resourceType string, ids []string) fhir.Resource {
	details := fhir.ErrorDetails{
		Error:        err.Error(),
		ResourceType: resourceType,
		IDs:          ids,
	}
	if outcome != nil {
		details.URL = outcome.URL
		details.Status = outcome.Status
		details.AccessToken = outcome.AccessToken
		details.RequestID = outcome.RequestID
	} else {
		var reqErr *client.RequestError
		if errors.As(err, &reqErr) {
			details.URL = reqErr.URL
			details.Status = reqErr.StatusCode
		}
	}
	return fhir.NewOperationOutcome(details)
}

// reverseFailureResource synthesizes the error record for a failed
// reverse search, preserving the server outcome when the paged fetcher
// captured one.
func reverseFailureResource(err error, resourceType string) fhir.Resource {
	var serverErr *pagination.ServerError
	if errors.As(err, &serverErr) {
		return serverErr.Outcome.ErrorResource()
	}
	details := fhir.ErrorDetails{
		Error:        err.Error(),
		ResourceType: resourceType,
	}
	var reqErr *client.RequestError
	if errors.As(err, &reqErr) {
		details.URL = reqErr.URL
		details.Status = reqErr.StatusCode
	}
	return fhir.NewOperationOutcome(details)
}
