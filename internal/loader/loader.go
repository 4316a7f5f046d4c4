// Package loader executes compiled queries and turns their rows into entity
// graphs registered in a session. Hydration is two-phase: every entity of a
// row is registered under its identity before any property is resolved, so
// cyclic references resolve to the same instance.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"joinfetch/internal/cache"
	"joinfetch/internal/dbexec"
	"joinfetch/internal/logging"
	"joinfetch/internal/mapping"
	"joinfetch/internal/observability"
	"joinfetch/internal/ormerr"
	"joinfetch/internal/planner"
	"joinfetch/internal/querycache"
	"joinfetch/internal/session"
	"joinfetch/internal/walker"
)

// Loader runs one compiled query. It holds no per-execution state and may
// be shared, but each call writes into the session it is given.
type Loader struct {
	model      *mapping.Metamodel
	query      *planner.CompiledQuery
	shape      walker.Shape
	exec       dbexec.QueryExecutor
	refCache   *cache.ReferenceCache
	queryCache *querycache.Cache
	metrics    *observability.LoaderMetrics
}

// Option configures a Loader.
type Option func(*Loader)

// WithShape sets the shape the caller compiled. Filter parameter values are
// read from it rather than from the shape cached with the query.
func WithShape(shape walker.Shape) Option {
	return func(l *Loader) {
		l.shape = shape
	}
}

// WithReferenceCache shares immutable entities through c.
func WithReferenceCache(c *cache.ReferenceCache) Option {
	return func(l *Loader) {
		l.refCache = c
	}
}

// WithQueryCache enables result caching for cacheable loads.
func WithQueryCache(c *querycache.Cache) Option {
	return func(l *Loader) {
		l.queryCache = c
	}
}

// WithMetrics records loads on m.
func WithMetrics(m *observability.LoaderMetrics) Option {
	return func(l *Loader) {
		l.metrics = m
	}
}

// New returns a loader for q executing through exec.
func New(model *mapping.Metamodel, q *planner.CompiledQuery, exec dbexec.QueryExecutor, opts ...Option) *Loader {
	l := &Loader{model: model, query: q, shape: q.Shape, exec: exec}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Query returns the compiled query.
func (l *Loader) Query() *planner.CompiledQuery {
	return l.query
}

// Load loads the root entity with identifier id and everything joined with
// it. It returns nil when no row matches.
func (l *Loader) Load(ctx context.Context, sess *session.Context, id any) (*session.Object, error) {
	if l.shape.Entity == nil {
		return nil, fmt.Errorf("loader for %s does not load entities", l.shape.Name())
	}
	keys := l.padKeys([]any{id})
	results, err := l.list(ctx, sess, QueryParameters{Keys: keys})
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return nil, fmt.Errorf("more than one row with the given identifier was found: %s#%v", l.shape.Name(), id)
	}
}

// LoadBatch loads several roots. ids are sent in chunks of the batch size;
// a short final chunk is padded with its last id. Results follow the order
// of ids and skip ids without a row.
func (l *Loader) LoadBatch(ctx context.Context, sess *session.Context, ids []any) ([]*session.Object, error) {
	if l.shape.Entity == nil {
		return nil, fmt.Errorf("loader for %s does not load entities", l.shape.Name())
	}
	size := l.batchSize()
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		if _, err := l.list(ctx, sess, QueryParameters{Keys: l.padKeys(ids[start:end])}); err != nil {
			return nil, err
		}
	}
	out := make([]*session.Object, 0, len(ids))
	seen := make(map[session.EntityKey]struct{}, len(ids))
	for _, id := range ids {
		key := session.NewEntityKey(l.shape.Entity, id)
		obj, ok := sess.Get(key)
		if !ok || !obj.IsInitialized() {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, obj)
	}
	return out, nil
}

// List executes the statement with params and returns the root entities in
// row order, collapsing consecutive rows of the same root when the
// statement fetches a collection.
func (l *Loader) List(ctx context.Context, sess *session.Context, params QueryParameters) ([]*session.Object, error) {
	return l.list(ctx, sess, params)
}

// LoadCollection initializes the collection of each owner key. Keys whose
// owners have no rows get empty collections.
func (l *Loader) LoadCollection(ctx context.Context, sess *session.Context, keys ...any) error {
	if l.shape.Collection == nil {
		return fmt.Errorf("loader for %s does not initialize collections", l.shape.Name())
	}
	size := l.batchSize()
	for start := 0; start < len(keys); start += size {
		end := min(start+size, len(keys))
		chunk := keys[start:end]
		if _, err := l.list(ctx, sess, QueryParameters{Keys: l.padKeys(chunk), CollectionKeys: chunk}); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) batchSize() int {
	if n := l.query.Params.KeyCount(); n > 0 {
		if cols := l.keyColumnCount(); cols > 0 && n/cols > 0 {
			return n / cols
		}
	}
	return 1
}

func (l *Loader) keyColumnCount() int {
	switch {
	case len(l.shape.UniqueKey) > 0:
		return len(l.shape.UniqueKey)
	case l.shape.Collection != nil:
		return len(l.shape.Collection.KeyColumns)
	case l.shape.Entity != nil:
		return len(l.shape.Entity.KeyColumns())
	}
	return 0
}

func (l *Loader) padKeys(keys []any) []any {
	size := l.batchSize()
	if len(keys) == 0 || len(keys) >= size {
		return keys
	}
	out := make([]any, size)
	copy(out, keys)
	for i := len(keys); i < size; i++ {
		out[i] = keys[len(keys)-1]
	}
	return out
}

// namedValues merges caller named parameters with the values of the
// enabled filters, which are bound as "filter.param".
func (l *Loader) namedValues(params QueryParameters) map[string]any {
	named := make(map[string]any, len(params.Named))
	for _, name := range l.shape.Influencers.FilterNames() {
		for p, v := range l.shape.Influencers.Filters[name] {
			named[name+"."+p] = v
		}
	}
	for k, v := range params.Named {
		named[k] = v
	}
	return named
}

func (l *Loader) bind(params QueryParameters) ([]any, error) {
	keys, err := flattenKeys(params.Keys)
	if err != nil {
		return nil, err
	}
	positional, err := bindAll(params.Positional)
	if err != nil {
		return nil, err
	}
	named := l.namedValues(params)
	for k, v := range named {
		b, err := bindValue(v)
		if err != nil {
			return nil, fmt.Errorf("named parameter %s: %w", k, err)
		}
		named[k] = b
	}
	args, err := l.query.Params.Bind(keys, positional, named)
	if err != nil {
		return nil, fmt.Errorf("failed to bind parameters for %s: %w", l.shape.Name(), err)
	}
	return args, nil
}

func (l *Loader) lockOptions(params QueryParameters) session.LockOptions {
	if params.Lock != nil {
		return *params.Lock
	}
	return l.query.Lock
}

func (l *Loader) list(ctx context.Context, sess *session.Context, params QueryParameters) (results []*session.Object, err error) {
	if sess == nil {
		return nil, errors.New("a session is required")
	}
	loadID := uuid.NewString()
	logger := logging.FromContext(ctx).WithLoadID(loadID).WithFields(slog.String("root", l.shape.Name()))
	ctx, span := startLoaderSpan(ctx, "loader.load",
		attribute.String("joinfetch.load_id", loadID),
		attribute.String("joinfetch.root", l.shape.Name()),
	)
	started := time.Now()
	var stats passStats
	defer func() {
		finishLoaderSpan(span, err)
		l.metrics.RecordLoad(ctx, l.shape.Name(), stats.rows, stats.entities, stats.collections, time.Since(started), err)
	}()

	args, err := l.bind(params)
	if err != nil {
		return nil, err
	}

	var cacheKey querycache.Key
	useCache := params.Cacheable && l.queryCache != nil
	if useCache {
		cacheKey = querycache.Key{
			Region:   params.CacheRegion,
			SQL:      l.query.SQL,
			Params:   args,
			Filters:  l.shape.Influencers.Filters,
			FirstRow: params.FirstRow,
			MaxRows:  params.MaxRows,
		}
		results, hit, err := l.fromQueryCache(ctx, sess, cacheKey, params)
		if err != nil {
			logger.Warn("query cache lookup failed", slog.String("error", err.Error()))
		} else if hit {
			logger.Debug("query cache hit", slog.Int("results", len(results)))
			return results, nil
		}
	}

	lock := l.lockOptions(params)
	if lock.IsPessimistic() && lock.TimeoutMillis > 0 {
		ctx = dbexec.WithLockTimeout(ctx, lock.TimeoutMillis)
	}
	logger.Debug("executing load", slog.String("sql", l.query.SQL), slog.Int("params", len(args)))

	rows, err := l.exec.QueryContext(ctx, l.query.SQL, args...)
	if err != nil {
		return nil, ormerr.WrapQuery("load "+l.shape.Name(), l.query.SQL, err)
	}
	p := newPass(l, sess, params, lock)
	results, err = p.readAll(ctx, rows, logger)
	stats = p.stats
	if err != nil {
		return nil, err
	}
	err = p.finish(ctx, results)
	stats = p.stats
	if err != nil {
		return nil, err
	}

	if useCache {
		if err := l.toQueryCache(ctx, cacheKey, results); err != nil {
			logger.Warn("query cache store failed", slog.String("error", err.Error()))
		}
	}
	return results, nil
}
