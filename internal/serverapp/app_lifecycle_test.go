package serverapp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"joinfetch/internal/config"
	"joinfetch/internal/logging"
	"joinfetch/internal/testutil/fixtures"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logging.Logger {
	return logging.Discard()
}

func TestNew_RequiresConfigAndLogger(t *testing.T) {
	_, err := New(nil, testLogger())
	assert.Error(t, err)
	_, err = New(&config.Config{}, nil)
	assert.Error(t, err)
}

func TestWaitForStop_SignalWins(t *testing.T) {
	app := &App{logger: testLogger()}
	stop := make(chan os.Signal, 1)
	stop <- syscall.SIGTERM

	reason, err := app.WaitForStop(stop, make(chan error, 1))
	require.NoError(t, err)
	assert.Equal(t, "signal", reason)
}

func TestWaitForStop_ServerErrorWins(t *testing.T) {
	app := &App{logger: testLogger()}
	serverErrors := make(chan error, 1)
	serverErrors <- errors.New("boom")

	reason, err := app.WaitForStop(make(chan os.Signal, 1), serverErrors)
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, "server_error", reason)
}

func TestWaitForStop_NoChannels(t *testing.T) {
	app := &App{logger: testLogger()}
	_, err := app.WaitForStop(nil, nil)
	assert.Error(t, err)
}

func TestShutdown_Idempotent(t *testing.T) {
	app := &App{logger: testLogger()}
	var calls int32
	app.cleanup.push("test", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, app.Shutdown(ctx))
	require.NoError(t, app.Shutdown(ctx))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestCleanupStack_ReverseOrderAndContinuesOnError(t *testing.T) {
	var order []string
	var s cleanupStack
	s.push("database", func(context.Context) error { order = append(order, "database"); return nil })
	s.push("region", func(context.Context) error { order = append(order, "region"); return errors.New("closed") })
	s.push("server", func(context.Context) error { order = append(order, "server"); return nil })

	s.run(context.Background(), testLogger())
	assert.Equal(t, []string{"server", "region", "database"}, order)
}

func TestStart_BeforeInit_Fails(t *testing.T) {
	app := &App{logger: testLogger()}
	_, err := app.Start()
	assert.Error(t, err)
}

func TestStartAndShutdown_HappyPath(t *testing.T) {
	app := &App{
		cfg:        &config.Config{},
		logger:     testLogger(),
		serverAddr: "127.0.0.1:0",
		srv: &http.Server{
			Addr:    "127.0.0.1:0",
			Handler: http.NewServeMux(),
		},
		initialized: true,
	}
	app.cleanup.push("HTTP server", func(ctx context.Context) error {
		return app.srv.Shutdown(ctx)
	})

	first, err := app.Start()
	require.NoError(t, err)
	second, err := app.Start()
	require.NoError(t, err)
	assert.Equal(t, first, second, "a second Start reuses the running server")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, app.Shutdown(ctx))
}

func sqliteConfig(t *testing.T) *config.Config {
	t.Helper()
	mappingFile := filepath.Join(t.TempDir(), "shop.yaml")
	require.NoError(t, os.WriteFile(mappingFile, []byte(fixtures.Shop), 0o600))

	return &config.Config{
		Database: config.DatabaseConfig{
			Driver: config.DriverSQLite,
			Path:   ":memory:",
			Pool:   config.PoolConfig{MaxOpen: 1, MaxIdle: 1},
		},
		Mapping: config.MappingConfig{File: mappingFile},
		Fetch: config.FetchConfig{
			MaxDepth:         3,
			BatchSize:        1,
			CompileCacheSize: 16,
		},
		Cache: config.CacheConfig{
			QueryCacheEnabled:  true,
			Backend:            "memory",
			MaxEntries:         16,
			TTL:                time.Minute,
			ReferenceCacheSize: 16,
		},
		Server: config.ServerConfig{
			Port:               18089,
			HealthCheckTimeout: time.Second,
			LoadTimeout:        time.Second,
		},
		Observability: config.ObservabilityConfig{
			ServiceName:    "joinfetch",
			ServiceVersion: "test",
			MetricsEnabled: true,
			Logging:        config.LoggingConfig{Level: "info", Format: "json"},
		},
	}
}

func TestInit_SQLite(t *testing.T) {
	app, err := New(sqliteConfig(t), testLogger())
	require.NoError(t, err)
	require.NoError(t, app.Init(context.Background()))
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })
	require.NoError(t, app.Init(context.Background()), "Init is idempotent")

	handler := app.Handler()
	require.NotNil(t, handler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/explain/Order", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"root":"Order"`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "joinfetch_queries_compiled")
}

func TestInitFailure_DoesNotMarkInitialized(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.Database = config.DatabaseConfig{
		Driver:   config.DriverMySQL,
		Host:     "127.0.0.1",
		Port:     1,
		User:     "root",
		Password: "invalid",
		Database: "test",
		TLS:      config.DatabaseTLSConfig{Mode: "off"},
		Pool:     config.PoolConfig{MaxOpen: 1, MaxIdle: 1, MaxLifetime: time.Second},
	}
	cfg.Observability.MetricsEnabled = false

	app, err := New(cfg, testLogger())
	require.NoError(t, err)
	require.Error(t, app.Init(context.Background()))

	app.stateMu.Lock()
	defer app.stateMu.Unlock()
	assert.False(t, app.initialized)
	assert.Nil(t, app.handler)
}

func TestInitFailure_BadMapping(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.Mapping.File = filepath.Join(t.TempDir(), "missing.yaml")

	app, err := New(cfg, testLogger())
	require.NoError(t, err)
	assert.ErrorContains(t, app.Init(context.Background()), "failed to load mapping")
}
