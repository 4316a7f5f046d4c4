package loader

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"joinfetch/internal/cache"
	"joinfetch/internal/dbexec"
	"joinfetch/internal/logging"
	"joinfetch/internal/mapping"
	"joinfetch/internal/observability"
	"joinfetch/internal/planner"
	"joinfetch/internal/querycache"
	"joinfetch/internal/session"
	"joinfetch/internal/sqlutil"
	"joinfetch/internal/walker"
)

// EngineConfig holds the fetch defaults and shared collaborators of an
// Engine. Nil caches are disabled.
type EngineConfig struct {
	// MaxFetchDepth bounds the depth of joined associations. Zero disables
	// joins; walker.NoDepthLimit removes the bound.
	MaxFetchDepth         int
	BatchSize             int
	SingleCollectionFetch bool
	Profiles              []walker.FetchProfile
	CompileCacheSize      int
	Dialect               sqlutil.Dialect

	ReferenceCache *cache.ReferenceCache
	QueryCache     *querycache.Cache
	Metrics        *observability.LoaderMetrics
	Logger         *logging.Logger
}

// Engine builds loaders for the entities and collections of one metamodel.
// Compiled queries are cached per shape.
type Engine struct {
	model   *mapping.Metamodel
	exec    dbexec.QueryExecutor
	planner *planner.Engine
	cfg     EngineConfig
}

// NewEngine returns an engine executing through exec.
func NewEngine(model *mapping.Metamodel, exec dbexec.QueryExecutor, cfg EngineConfig) (*Engine, error) {
	if cfg.Dialect.Name == "" {
		cfg.Dialect = sqlutil.MySQL
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.FromContext(context.Background())
	}
	pe, err := planner.NewEngine(model, cfg.CompileCacheSize, planner.WithDialect(cfg.Dialect))
	if err != nil {
		return nil, err
	}
	e := &Engine{model: model, exec: exec, planner: pe, cfg: cfg}
	pe.OnCompile(func(q *planner.CompiledQuery) {
		cfg.Logger.Debug("compiled load",
			slog.String("root", q.Shape.Name()),
			slog.Int("joins", len(q.Edges)),
			slog.String("sql", q.SQL))
		cfg.Metrics.RecordCompile(context.Background(), q.Shape.Name())
	})
	return e, nil
}

// Model returns the metamodel.
func (e *Engine) Model() *mapping.Metamodel {
	return e.model
}

// Dialect returns the SQL dialect loads are compiled for.
func (e *Engine) Dialect() sqlutil.Dialect {
	return e.cfg.Dialect
}

// EntityShape returns the default load shape of an entity.
func (e *Engine) EntityShape(name string) (walker.Shape, error) {
	entity, err := e.model.Entity(name)
	if err != nil {
		return walker.Shape{}, err
	}
	shape := e.defaults()
	shape.Entity = entity
	return shape, nil
}

// CollectionShape returns the default initializer shape of a collection role.
func (e *Engine) CollectionShape(role string) (walker.Shape, error) {
	c, err := e.model.Collection(role)
	if err != nil {
		return walker.Shape{}, err
	}
	shape := e.defaults()
	shape.Collection = c
	return shape, nil
}

func (e *Engine) defaults() walker.Shape {
	return walker.Shape{
		MaxFetchDepth:         e.cfg.MaxFetchDepth,
		BatchSize:             e.cfg.BatchSize,
		SingleCollectionFetch: e.cfg.SingleCollectionFetch,
		Influencers:           walker.NewInfluencers(e.cfg.Profiles, nil),
	}
}

// Loader compiles shape, or takes it from the cache, and returns a loader
// for it.
func (e *Engine) Loader(ctx context.Context, shape walker.Shape, opts ...planner.Option) (l *Loader, err error) {
	_, span := startLoaderSpan(ctx, "planner.compile", attribute.String("joinfetch.root", shape.Name()))
	defer func() {
		finishLoaderSpan(span, err)
	}()
	q, err := e.planner.Compile(shape, opts...)
	if err != nil {
		return nil, err
	}
	return New(e.model, q, e.exec,
		WithShape(shape),
		WithReferenceCache(e.cfg.ReferenceCache),
		WithQueryCache(e.cfg.QueryCache),
		WithMetrics(e.cfg.Metrics),
	), nil
}

// Explain compiles the default shape of an entity without executing it.
func (e *Engine) Explain(ctx context.Context, entity string) (*planner.CompiledQuery, error) {
	shape, err := e.EntityShape(entity)
	if err != nil {
		return nil, err
	}
	l, err := e.Loader(ctx, shape)
	if err != nil {
		return nil, err
	}
	return l.Query(), nil
}

// Get loads one entity graph with the default shape. It returns nil when
// no row matches.
func (e *Engine) Get(ctx context.Context, sess *session.Context, entity string, id any) (*session.Object, error) {
	shape, err := e.EntityShape(entity)
	if err != nil {
		return nil, err
	}
	shape.BatchSize = 1
	l, err := e.Loader(ctx, shape)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare load of %s: %w", entity, err)
	}
	return l.Load(ctx, sess, id)
}

// NewSession returns a session whose lazy properties and follow-on locks
// are served by this engine.
func (e *Engine) NewSession(opts ...session.Option) *session.Context {
	all := append([]session.Option{
		session.WithFetcher(e.Fetcher()),
		session.WithLocker(e.Locker()),
	}, opts...)
	return session.New(all...)
}

// CompiledLen returns the number of cached compiled queries.
func (e *Engine) CompiledLen() int {
	return e.planner.Len()
}
