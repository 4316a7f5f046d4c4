package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// LoaderMetrics holds the metrics recorded while compiling and hydrating
// load shapes. A nil *LoaderMetrics records nothing.
type LoaderMetrics struct {
	compiledQueries   metric.Int64Counter
	physicalRows      metric.Int64Counter
	entitiesHydrated  metric.Int64Counter
	collectionsLoaded metric.Int64Counter
	queryCacheHits    metric.Int64Counter
	queryCacheMisses  metric.Int64Counter
	queryCachePuts    metric.Int64Counter
	staleObjects      metric.Int64Counter
	hydrationDuration metric.Float64Histogram
	loadErrors        metric.Int64Counter
}

// InitLoaderMetrics creates the loader instruments on the global meter provider.
func InitLoaderMetrics() (*LoaderMetrics, error) {
	meter := otel.Meter("joinfetch")
	m := &LoaderMetrics{}

	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&m.compiledQueries, "joinfetch.queries.compiled", "Number of load shapes compiled to SQL"},
		{&m.physicalRows, "joinfetch.rows.read", "Number of physical result rows read"},
		{&m.entitiesHydrated, "joinfetch.entities.hydrated", "Number of entities instantiated from rows"},
		{&m.collectionsLoaded, "joinfetch.collections.initialized", "Number of collections initialized from rows"},
		{&m.queryCacheHits, "joinfetch.query_cache.hits", "Number of query cache hits"},
		{&m.queryCacheMisses, "joinfetch.query_cache.misses", "Number of query cache misses"},
		{&m.queryCachePuts, "joinfetch.query_cache.puts", "Number of query cache puts"},
		{&m.staleObjects, "joinfetch.stale_objects", "Number of optimistic lock failures detected while loading"},
		{&m.loadErrors, "joinfetch.load.errors", "Number of failed loads"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.target = counter
	}

	duration, err := meter.Float64Histogram(
		"joinfetch.hydration.duration",
		metric.WithDescription("Duration of executing and hydrating one load in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create hydration duration histogram: %w", err)
	}
	m.hydrationDuration = duration
	return m, nil
}

// RecordCompile counts one compilation of root.
func (m *LoaderMetrics) RecordCompile(ctx context.Context, root string) {
	if m == nil {
		return
	}
	m.compiledQueries.Add(ctx, 1, metric.WithAttributes(attribute.String("root", root)))
}

// RecordLoad records the outcome of one execute-and-hydrate pass.
func (m *LoaderMetrics) RecordLoad(ctx context.Context, root string, rows, entities, collections int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("root", root))
	m.physicalRows.Add(ctx, int64(rows), attrs)
	m.entitiesHydrated.Add(ctx, int64(entities), attrs)
	m.collectionsLoaded.Add(ctx, int64(collections), attrs)
	m.hydrationDuration.Record(ctx, float64(duration.Microseconds())/1000, metric.WithAttributes(
		attribute.String("root", root),
		attribute.Bool("has_error", err != nil),
	))
	if err != nil {
		m.loadErrors.Add(ctx, 1, attrs)
	}
}

// RecordStaleObject counts one version mismatch on entity.
func (m *LoaderMetrics) RecordStaleObject(ctx context.Context, entity string) {
	if m == nil {
		return
	}
	m.staleObjects.Add(ctx, 1, metric.WithAttributes(attribute.String("entity", entity)))
}

// RecordQueryCache counts a query cache lookup or store. outcome is one of
// "hit", "miss" or "put".
func (m *LoaderMetrics) RecordQueryCache(ctx context.Context, region, outcome string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("region", region))
	switch outcome {
	case "hit":
		m.queryCacheHits.Add(ctx, 1, attrs)
	case "miss":
		m.queryCacheMisses.Add(ctx, 1, attrs)
	case "put":
		m.queryCachePuts.Add(ctx, 1, attrs)
	}
}

// InitMetrics initializes all custom metrics.
func InitMetrics(logger *slog.Logger) (*LoaderMetrics, error) {
	metrics, err := InitLoaderMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize loader metrics: %w", err)
	}

	logger.Info("custom loader metrics initialized")
	return metrics, nil
}
