package serverapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"joinfetch/internal/cache"
	"joinfetch/internal/config"
	"joinfetch/internal/dbexec"
	"joinfetch/internal/loader"
	"joinfetch/internal/logging"
	"joinfetch/internal/mapping"
	"joinfetch/internal/middleware"
	"joinfetch/internal/observability"
	"joinfetch/internal/querycache"
	"joinfetch/internal/sqlutil"
	"joinfetch/internal/walker"

	"github.com/XSAM/otelsql"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	_ "modernc.org/sqlite"
)

// InitLogger builds the process logger. When log export is enabled the
// logger is rebuilt on top of an OTLP logger provider, which the caller
// must shut down.
func InitLogger(cfg *config.Config) (*logging.Logger, *observability.LoggerProvider, error) {
	loggerCfg := logging.Config{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	}
	logger := logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	if !cfg.Observability.Logging.ExportsEnabled {
		return logger, nil, nil
	}

	logsConfig := cfg.Observability.GetLogsConfig()
	logger.Info("initializing OpenTelemetry logging",
		slog.String("otlp_endpoint", logsConfig.Endpoint),
		slog.String("otlp_protocol", logsConfig.Protocol),
		slog.Bool("insecure", logsConfig.Insecure),
	)

	loggerProvider, err := observability.InitLoggerProvider(telemetryConfig(cfg, logsConfig))
	if err != nil {
		return nil, nil, err
	}

	loggerCfg.LoggerProvider = loggerProvider.Provider()
	logger = logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)
	return logger, loggerProvider, nil
}

// telemetryConfig maps the observability section and one signal's OTLP
// settings onto the observability package config.
func telemetryConfig(cfg *config.Config, otlp config.OTLPConfig) observability.Config {
	return observability.Config{
		ServiceName:      cfg.Observability.ServiceName,
		ServiceVersion:   cfg.Observability.ServiceVersion,
		Environment:      cfg.Observability.Environment,
		TraceSampleRatio: cfg.Observability.TraceSampleRatio,
		OTLPConfig: observability.OTLPExporterConfig{
			Endpoint:          otlp.Endpoint,
			Protocol:          otlp.Protocol,
			Insecure:          otlp.Insecure,
			TLSCertFile:       otlp.TLSCertFile,
			TLSClientCertFile: otlp.TLSClientCertFile,
			TLSClientKeyFile:  otlp.TLSClientKeyFile,
			Headers:           otlp.Headers,
			Timeout:           otlp.Timeout,
			Compression:       otlp.Compression,
			RetryEnabled:      otlp.RetryEnabled,
			RetryMaxAttempts:  otlp.RetryMaxAttempts,
		},
	}
}

func initMetrics(cfg *config.Config, logger *logging.Logger) (*observability.MeterProvider, *observability.LoaderMetrics, error) {
	if !cfg.Observability.MetricsEnabled {
		return nil, nil, nil
	}

	meterProvider, err := observability.InitMeterProvider(telemetryConfig(cfg, config.OTLPConfig{}))
	if err != nil {
		return nil, nil, err
	}
	metrics, err := observability.InitMetrics(logger.Logger)
	if err != nil {
		return nil, nil, err
	}
	return meterProvider, metrics, nil
}

func initTracing(cfg *config.Config, logger *logging.Logger) (*observability.TracerProvider, error) {
	if !cfg.Observability.TracingEnabled {
		return nil, nil
	}

	tracesConfig := cfg.Observability.GetTracesConfig()
	logger.Info("initializing OpenTelemetry tracing",
		slog.String("otlp_endpoint", tracesConfig.Endpoint),
		slog.String("otlp_protocol", tracesConfig.Protocol),
		slog.Float64("sample_ratio", cfg.Observability.TraceSampleRatio),
	)
	return observability.InitTracerProvider(telemetryConfig(cfg, tracesConfig))
}

// dbSystem is the semantic convention attribute of the configured driver.
func dbSystem(driver string) attribute.KeyValue {
	switch driver {
	case config.DriverPostgres:
		return semconv.DBSystemPostgreSQL
	case config.DriverSQLite:
		return semconv.DBSystemSqlite
	default:
		return semconv.DBSystemMySQL
	}
}

func connectDB(cfg *config.Config, logger *logging.Logger) (*sql.DB, interface{ Unregister() error }, error) {
	// verify-ca and verify-full need a registered TLS config before the DSN is used
	if err := cfg.Database.RegisterTLS(); err != nil {
		return nil, nil, fmt.Errorf("failed to register database TLS config: %w", err)
	}

	driver := cfg.Database.DriverName()
	dsn, err := cfg.Database.DSN()
	if err != nil {
		return nil, nil, err
	}

	if !cfg.Observability.MetricsEnabled && !cfg.Observability.TracingEnabled {
		db, err := sql.Open(driver, dsn)
		return db, nil, err
	}

	system := dbSystem(driver)
	opts := []otelsql.Option{otelsql.WithAttributes(system)}
	if cfg.Observability.TracingEnabled {
		opts = append(opts, otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}))
	}
	db, err := otelsql.Open(driver, dsn, opts...)
	if err != nil {
		return nil, nil, err
	}

	var dbStatsReg interface{ Unregister() error }
	if cfg.Observability.MetricsEnabled {
		dbStatsReg, err = otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(system))
		if err != nil {
			logger.Warn("failed to register DB stats metrics", slog.String("error", err.Error()))
		}
	}
	logger.Info("database instrumentation enabled",
		slog.Bool("metrics", cfg.Observability.MetricsEnabled),
		slog.Bool("tracing", cfg.Observability.TracingEnabled),
	)
	return db, dbStatsReg, nil
}

func configureDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB) error {
	db.SetMaxOpenConns(cfg.Database.Pool.MaxOpen)
	db.SetMaxIdleConns(cfg.Database.Pool.MaxIdle)
	db.SetConnMaxLifetime(cfg.Database.Pool.MaxLifetime)

	if err := waitForDatabase(ctx, cfg.Database.ConnectionTimeout, cfg.Database.ConnectionRetryInterval, logger, db.PingContext); err != nil {
		return err
	}

	logger.Info("connected to database",
		slog.String("driver", cfg.Database.DriverName()),
		slog.Int("pool_max_open", cfg.Database.Pool.MaxOpen),
		slog.Int("pool_max_idle", cfg.Database.Pool.MaxIdle),
		slog.Duration("pool_max_lifetime", cfg.Database.Pool.MaxLifetime),
	)
	return nil
}

// maxRetryInterval caps the doubling delay between connection attempts.
const maxRetryInterval = 30 * time.Second

// waitForDatabase calls ping until it succeeds or timeout has passed. A zero
// timeout makes a single attempt.
func waitForDatabase(ctx context.Context, timeout, interval time.Duration, logger *logging.Logger, ping func(context.Context) error) error {
	if timeout == 0 {
		return ping(ctx)
	}

	deadline := time.Now().Add(timeout)
	for attempt := 1; ; attempt++ {
		err := ping(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("database connection established", slog.Int("attempts", attempt))
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("database not available after %v: %w", timeout, err)
		}

		logger.Warn("database not ready, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", interval),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		interval = min(interval*2, maxRetryInterval)
	}
}

// caches are the optional second-level stores handed to the engine.
type caches struct {
	reference *cache.ReferenceCache
	query     *querycache.Cache
	// close releases the query cache region, nil when there is nothing to release.
	close func() error
}

func buildCaches(ctx context.Context, cfg *config.Config, logger *logging.Logger) (caches, error) {
	var out caches

	if cfg.Cache.ReferenceCacheSize > 0 {
		ref, err := cache.NewReferenceCache(cfg.Cache.ReferenceCacheSize)
		if err != nil {
			return caches{}, err
		}
		out.reference = ref
	}

	if !cfg.Cache.QueryCacheEnabled {
		return out, nil
	}

	switch cfg.Cache.Backend {
	case "redis":
		region := cache.NewRedisRegion(cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			Prefix:   cfg.Cache.Redis.Prefix,
			TTL:      cfg.Cache.TTL,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := region.Ping(pingCtx); err != nil {
			_ = region.Close()
			return caches{}, fmt.Errorf("query cache redis at %s is unreachable: %w", cfg.Cache.Redis.Addr, err)
		}
		out.query = querycache.New(region)
		out.close = region.Close
	default:
		out.query = querycache.New(cache.NewMemoryRegion(cfg.Cache.MaxEntries, cfg.Cache.TTL))
	}

	logger.Info("query cache enabled",
		slog.String("backend", cfg.Cache.Backend),
		slog.Duration("ttl", cfg.Cache.TTL),
	)
	return out, nil
}

// fetchProfiles returns the enabled fetch profiles in configuration order.
func fetchProfiles(fetch config.FetchConfig) []walker.FetchProfile {
	profiles := make([]walker.FetchProfile, 0, len(fetch.EnabledProfiles))
	for _, name := range fetch.EnabledProfiles {
		profiles = append(profiles, walker.FetchProfile{Name: name, Roles: fetch.Profiles[name]})
	}
	return profiles
}

func buildEngine(cfg *config.Config, logger *logging.Logger, model *mapping.Metamodel, db *sql.DB, dialect sqlutil.Dialect, c caches, metrics *observability.LoaderMetrics) (*loader.Engine, error) {
	profiles := fetchProfiles(cfg.Fetch)
	engine, err := loader.NewEngine(model, dbexec.NewLockTimeoutExecutor(db, dialect), loader.EngineConfig{
		MaxFetchDepth:         cfg.Fetch.MaxDepth,
		BatchSize:             cfg.Fetch.BatchSize,
		SingleCollectionFetch: cfg.Fetch.SingleCollectionFetch,
		Profiles:              profiles,
		CompileCacheSize:      cfg.Fetch.CompileCacheSize,
		Dialect:               dialect,
		ReferenceCache:        c.reference,
		QueryCache:            c.query,
		Metrics:               metrics,
		Logger:                logger,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("loader engine ready",
		slog.String("dialect", dialect.Name),
		slog.Int("max_fetch_depth", cfg.Fetch.MaxDepth),
		slog.Int("batch_size", cfg.Fetch.BatchSize),
		slog.Any("fetch_profiles", cfg.Fetch.EnabledProfiles),
	)
	return engine, nil
}

func buildRouter(cfg *config.Config, logger *logging.Logger, db *sql.DB, engine *loader.Engine, meterProvider *observability.MeterProvider) *http.ServeMux {
	h := &handlers{
		engine:      engine,
		loadTimeout: cfg.Server.LoadTimeout,
		maxRows:     cfg.Fetch.MaxRows,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /explain/{entity}", h.explain)
	mux.HandleFunc("GET /entities/{entity}/{id}", h.get)
	mux.HandleFunc("GET /entities/{entity}", h.list)
	mux.HandleFunc("GET /health", healthHandler(db, cfg.Server.HealthCheckTimeout))

	if meterProvider != nil {
		mux.Handle("GET /metrics", meterProvider.Handler())
		logger.Info("metrics endpoint enabled", slog.String("path", "/metrics"))
	}
	return mux
}

func wrapHTTPHandler(cfg *config.Config, logger *logging.Logger, handler http.Handler) http.Handler {
	handler = middleware.LoggingMiddleware(logger)(handler)

	if cfg.Observability.MetricsEnabled || cfg.Observability.TracingEnabled {
		handler = otelhttp.NewHandler(handler, "http.server",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return httpRootSpanName(r)
			}),
		)
		logger.Info("HTTP instrumentation enabled")
	}

	if cfg.Server.RateLimitEnabled {
		handler = middleware.RateLimitMiddleware(middleware.RateLimitConfig{
			Enabled: cfg.Server.RateLimitEnabled,
			RPS:     cfg.Server.RateLimitRPS,
			Burst:   cfg.Server.RateLimitBurst,
		})(handler)
	}
	return handler
}

func httpRootSpanName(r *http.Request) string {
	if r == nil {
		return "HTTP /*"
	}
	method := strings.TrimSpace(r.Method)
	if method == "" {
		method = "HTTP"
	}
	return method + " " + normalizeHTTPSpanRoute(r.URL.Path)
}

// normalizeHTTPSpanRoute maps a request path to its route template so span
// names stay low-cardinality.
func normalizeHTTPSpanRoute(rawPath string) string {
	switch rawPath {
	case "/health", "/metrics":
		return rawPath
	}
	parts := strings.Split(strings.Trim(rawPath, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "explain" && parts[1] != "":
		return "/explain/{entity}"
	case len(parts) == 2 && parts[0] == "entities" && parts[1] != "":
		return "/entities/{entity}"
	case len(parts) == 3 && parts[0] == "entities" && parts[1] != "" && parts[2] != "":
		return "/entities/{entity}/{id}"
	default:
		return "/*"
	}
}

func buildServer(cfg *config.Config, handler http.Handler, serverAddr string) *http.Server {
	return &http.Server{
		Addr:         serverAddr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

func startServer(cfg *config.Config, logger *logging.Logger, srv *http.Server, serverAddr string) chan error {
	serverErrors := make(chan error, 1)
	go func() {
		attrs := []any{
			slog.String("address", serverAddr),
			slog.String("mapping", cfg.Mapping.File),
			slog.String("log_level", cfg.Observability.Logging.Level),
			slog.Bool("metrics_enabled", cfg.Observability.MetricsEnabled),
			slog.Bool("query_cache_enabled", cfg.Cache.QueryCacheEnabled),
		}
		if cfg.Server.RateLimitEnabled {
			attrs = append(attrs,
				slog.Float64("rate_limit_rps", cfg.Server.RateLimitRPS),
				slog.Int("rate_limit_burst", cfg.Server.RateLimitBurst),
			)
		}
		logger.Info("server starting", attrs...)

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- fmt.Errorf("server failed: %w", err)
		}
	}()
	return serverErrors
}
