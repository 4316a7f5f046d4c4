package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   DatabaseConfig
		expected string
	}{
		{
			name: "mysql discrete fields",
			config: DatabaseConfig{
				Driver:   "mysql",
				Host:     "localhost",
				Port:     4000,
				User:     "root",
				Password: "password",
				Database: "test",
			},
			expected: "root:password@tcp(localhost:4000)/test?parseTime=true",
		},
		{
			name: "mysql empty password",
			config: DatabaseConfig{
				Host:     "localhost",
				Port:     3306,
				User:     "root",
				Database: "shop",
			},
			expected: "root@tcp(localhost:3306)/shop?parseTime=true",
		},
		{
			name: "mysql explicit dsn gets parseTime",
			config: DatabaseConfig{
				Driver:           "mysql",
				ConnectionString: "app:secret@tcp(db:3306)/shop",
			},
			expected: "app:secret@tcp(db:3306)/shop?parseTime=true",
		},
		{
			name: "postgres discrete fields",
			config: DatabaseConfig{
				Driver:   "postgres",
				Host:     "db",
				Port:     5432,
				User:     "app",
				Password: "s3cret",
				Database: "shop",
			},
			expected: "postgres://app:s3cret@db:5432/shop?sslmode=disable",
		},
		{
			name: "postgres verify-full",
			config: DatabaseConfig{
				Driver:   "postgresql",
				Host:     "db",
				Port:     5432,
				User:     "app",
				Database: "shop",
				TLS:      DatabaseTLSConfig{Mode: "verify-full", CAFile: "/etc/ca.pem"},
			},
			expected: "postgres://app:@db:5432/shop?sslmode=verify-full&sslrootcert=%2Fetc%2Fca.pem",
		},
		{
			name:     "sqlite file",
			config:   DatabaseConfig{Driver: "sqlite", Path: "/var/lib/shop.db"},
			expected: "file:/var/lib/shop.db?_pragma=foreign_keys(1)",
		},
		{
			name:     "sqlite memory",
			config:   DatabaseConfig{Driver: "sqlite3", Path: ":memory:"},
			expected: ":memory:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.config.DSN()
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestDatabaseConfig_DSN_TLSParam(t *testing.T) {
	for mode, param := range map[string]string{
		"off":         "tls=false",
		"skip-verify": "tls=skip-verify",
		"verify-ca":   "tls=" + tlsConfigName,
		"verify-full": "tls=" + tlsConfigName,
	} {
		d := DatabaseConfig{Host: "h", Port: 1, User: "u", Database: "d", TLS: DatabaseTLSConfig{Mode: mode}}
		dsn, err := d.DSN()
		require.NoError(t, err)
		assert.Contains(t, dsn, param, "mode %s", mode)
	}

	d := DatabaseConfig{ConnectionString: "u@tcp(h:1)/d?tls=true", TLS: DatabaseTLSConfig{Mode: "skip-verify"}}
	dsn, err := d.DSN()
	require.NoError(t, err)
	assert.Contains(t, dsn, "tls=true")
	assert.NotContains(t, dsn, "skip-verify")
}

func TestDatabaseConfig_DSN_Errors(t *testing.T) {
	_, err := (&DatabaseConfig{Driver: "oracle"}).DSN()
	assert.Error(t, err)

	_, err = (&DatabaseConfig{ConnectionString: "not a dsn"}).DSN()
	assert.ErrorContains(t, err, "database.dsn")
}

func TestDatabaseConfig_DriverName(t *testing.T) {
	for in, want := range map[string]string{
		"":           DriverMySQL,
		"TiDB":       DriverMySQL,
		"postgresql": DriverPostgres,
		"sqlite3":    DriverSQLite,
		"oracle":     "oracle",
	} {
		assert.Equal(t, want, (&DatabaseConfig{Driver: in}).DriverName(), in)
	}
}

func TestDatabaseTLSConfig_EnvIndirection(t *testing.T) {
	t.Setenv("JOINFETCH_TEST_CA", "/from/env.pem")
	tls := DatabaseTLSConfig{CAFile: "/from/config.pem", CAFileEnv: "JOINFETCH_TEST_CA"}
	assert.Equal(t, "/from/env.pem", tls.resolveCAFile())

	tls.CAFileEnv = "JOINFETCH_TEST_UNSET"
	assert.Equal(t, "/from/config.pem", tls.resolveCAFile())
}

func TestConfig_Validate(t *testing.T) {
	validConfig := func() *Config {
		return &Config{
			Database: DatabaseConfig{
				Driver:   "mysql",
				Host:     "localhost",
				Port:     3306,
				User:     "root",
				Database: "shop",
				TLS:      DatabaseTLSConfig{Mode: "off"},
				Pool:     PoolConfig{MaxOpen: 25, MaxIdle: 5},
			},
			Mapping: MappingConfig{File: "mapping.yaml"},
			Fetch:   FetchConfig{MaxDepth: 3, BatchSize: 1},
			Cache:   CacheConfig{Backend: "memory", MaxEntries: 10, TTL: time.Minute},
			Server:  ServerConfig{Port: 8080},
			Observability: ObservabilityConfig{
				TraceSampleRatio: 1,
				Logging:          LoggingConfig{Level: "info", Format: "json"},
				OTLP:             OTLPConfig{Protocol: "grpc", Compression: "gzip"},
			},
		}
	}

	t.Run("valid config passes validation", func(t *testing.T) {
		result := validConfig().Validate()
		assert.False(t, result.HasErrors(), result.Error())
		assert.Empty(t, result.Warnings)
	})

	errorCases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }, "database.driver"},
		{"database port", func(c *Config) { c.Database.Port = 0 }, "database.port"},
		{"database port high", func(c *Config) { c.Database.Port = 70000 }, "database.port"},
		{"missing database name", func(c *Config) { c.Database.Database = "" }, "database.database"},
		{"invalid dsn", func(c *Config) { c.Database.ConnectionString = "nope" }, "database.dsn"},
		{"sqlite without path", func(c *Config) { c.Database.Driver = "sqlite" }, "database.path"},
		{"mycnf on postgres", func(c *Config) {
			c.Database.Driver = "postgres"
			c.Database.MyCnfFile = "/etc/my.cnf"
		}, "database.mycnf_file"},
		{"mycnf with dsn", func(c *Config) {
			c.Database.MyCnfFile = "/etc/my.cnf"
			c.Database.ConnectionString = "u@tcp(h:1)/d"
		}, "database.mycnf_file"},
		{"tls mode", func(c *Config) { c.Database.TLS.Mode = "invalid" }, "database.tls.mode"},
		{"verify-full without ca", func(c *Config) { c.Database.TLS.Mode = "verify-full" }, "database.tls.ca_file"},
		{"cert without key", func(c *Config) { c.Database.TLS.CertFile = "/c.pem" }, "database.tls.cert_file"},
		{"negative pool", func(c *Config) { c.Database.Pool.MaxOpen = -1 }, "database.pool.max_open"},
		{"retry interval missing", func(c *Config) {
			c.Database.ConnectionTimeout = time.Minute
		}, "database.connection_retry_interval"},
		{"mapping file", func(c *Config) { c.Mapping.File = " " }, "mapping.file"},
		{"batch size", func(c *Config) { c.Fetch.BatchSize = 0 }, "fetch.batch_size"},
		{"max rows", func(c *Config) { c.Fetch.MaxRows = -1 }, "fetch.max_rows"},
		{"undefined profile", func(c *Config) { c.Fetch.EnabledProfiles = []string{"eager"} }, "fetch.enabled_profiles"},
		{"profile role", func(c *Config) {
			c.Fetch.Profiles = map[string][]string{"eager": {"orders"}}
		}, "fetch.profiles"},
		{"cache backend", func(c *Config) {
			c.Cache.QueryCacheEnabled = true
			c.Cache.Backend = "memcached"
		}, "cache.backend"},
		{"memory entries", func(c *Config) {
			c.Cache.QueryCacheEnabled = true
			c.Cache.MaxEntries = 0
		}, "cache.max_entries"},
		{"redis addr", func(c *Config) {
			c.Cache.QueryCacheEnabled = true
			c.Cache.Backend = "redis"
			c.Cache.Redis.Addr = "localhost"
		}, "cache.redis.addr"},
		{"reference cache", func(c *Config) { c.Cache.ReferenceCacheSize = -1 }, "cache.reference_cache_size"},
		{"server port", func(c *Config) { c.Server.Port = -1 }, "server.port"},
		{"rate limit rps", func(c *Config) {
			c.Server.RateLimitEnabled = true
			c.Server.RateLimitBurst = 10
		}, "server.rate_limit_rps"},
		{"rate limit burst", func(c *Config) {
			c.Server.RateLimitEnabled = true
			c.Server.RateLimitRPS = 100
		}, "server.rate_limit_burst"},
		{"log level", func(c *Config) { c.Observability.Logging.Level = "trace" }, "observability.logging.level"},
		{"log format", func(c *Config) { c.Observability.Logging.Format = "xml" }, "observability.logging.format"},
		{"sample ratio", func(c *Config) { c.Observability.TraceSampleRatio = 2 }, "observability.trace_sample_ratio"},
		{"otlp protocol", func(c *Config) { c.Observability.OTLP.Protocol = "http" }, "observability.otlp.protocol"},
		{"otlp http endpoint", func(c *Config) {
			c.Observability.OTLP.Protocol = "http/protobuf"
			c.Observability.OTLP.Endpoint = "localhost"
		}, "observability.otlp.endpoint"},
		{"traces compression", func(c *Config) {
			c.Observability.Traces = &OTLPConfig{Compression: "zstd"}
		}, "observability.traces.compression"},
	}
	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			result := cfg.Validate()
			assert.True(t, result.HasErrors())
			assert.Contains(t, result.Error(), tc.field)
		})
	}

	t.Run("explicit dsn needs no discrete fields", func(t *testing.T) {
		cfg := validConfig()
		cfg.Database.Port = 0
		cfg.Database.Database = ""
		cfg.Database.ConnectionString = "app@tcp(db:3306)/shop"
		assert.False(t, cfg.Validate().HasErrors())
	})

	t.Run("sqlite memory database", func(t *testing.T) {
		cfg := validConfig()
		cfg.Database = DatabaseConfig{Driver: "sqlite", Path: ":memory:"}
		assert.False(t, cfg.Validate().HasErrors())
	})

	t.Run("defined profile enabled", func(t *testing.T) {
		cfg := validConfig()
		cfg.Fetch.Profiles = map[string][]string{"with-lines": {"Order.lines"}}
		cfg.Fetch.EnabledProfiles = []string{"with-lines"}
		assert.False(t, cfg.Validate().HasErrors())
	})

	t.Run("redis backend", func(t *testing.T) {
		cfg := validConfig()
		cfg.Cache.QueryCacheEnabled = true
		cfg.Cache.Backend = "redis"
		cfg.Cache.Redis.Addr = "localhost:6379"
		assert.False(t, cfg.Validate().HasErrors())
	})

	warningCases := []struct {
		name    string
		mutate  func(*Config)
		message string
	}{
		{"max_idle greater than max_open", func(c *Config) {
			c.Database.Pool.MaxOpen = 10
			c.Database.Pool.MaxIdle = 20
		}, "max_idle"},
		{"skip-verify", func(c *Config) { c.Database.TLS.Mode = "skip-verify" }, "skip-verify"},
		{"rate limit disabled with values", func(c *Config) { c.Server.RateLimitRPS = 100 }, "rate limit values"},
		{"depth zero", func(c *Config) { c.Fetch.MaxDepth = 0 }, "disables every join"},
		{"no ttl", func(c *Config) {
			c.Cache.QueryCacheEnabled = true
			c.Cache.TTL = 0
		}, "never expire"},
		{"tls on sqlite", func(c *Config) {
			c.Database = DatabaseConfig{Driver: "sqlite", Path: "x.db", TLS: DatabaseTLSConfig{Mode: "verify-full"}}
		}, "ignored"},
	}
	for _, tc := range warningCases {
		t.Run(tc.name+" warns", func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			result := cfg.Validate()
			assert.False(t, result.HasErrors(), result.Error())
			require.Len(t, result.Warnings, 1)
			assert.Contains(t, result.Warnings[0].Message, tc.message)
		})
	}

	t.Run("multiple errors collected", func(t *testing.T) {
		cfg := validConfig()
		cfg.Database.Port = 0
		cfg.Server.Port = 0
		cfg.Observability.Logging.Level = "invalid"
		result := cfg.Validate()
		assert.Len(t, result.Errors, 3)
	})
}

func TestValidationError_Error(t *testing.T) {
	t.Run("with hint", func(t *testing.T) {
		err := ValidationError{
			Field:   "test.field",
			Message: "test message",
			Hint:    "try this",
		}
		assert.Equal(t, "test.field: test message (hint: try this)", err.Error())
	})

	t.Run("without hint", func(t *testing.T) {
		err := ValidationError{
			Field:   "test.field",
			Message: "test message",
		}
		assert.Equal(t, "test.field: test message", err.Error())
	})
}

func TestMergeOTLPConfigs(t *testing.T) {
	base := OTLPConfig{
		Endpoint:    "collector:4317",
		Protocol:    "grpc",
		Headers:     map[string]string{"a": "1", "b": "2"},
		Timeout:     10 * time.Second,
		Compression: "gzip",
	}
	obs := ObservabilityConfig{
		OTLP:   base,
		Traces: &OTLPConfig{Endpoint: "traces:4318", Protocol: "http/protobuf", Insecure: true, Headers: map[string]string{"b": "3"}},
	}

	traces := obs.GetTracesConfig()
	assert.Equal(t, "traces:4318", traces.Endpoint)
	assert.Equal(t, "http/protobuf", traces.Protocol)
	assert.True(t, traces.Insecure)
	assert.Equal(t, map[string]string{"a": "1", "b": "3"}, traces.Headers)
	assert.Equal(t, 10*time.Second, traces.Timeout)
	assert.Equal(t, "gzip", traces.Compression)

	assert.Equal(t, base, obs.GetLogsConfig())
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, base.Headers)
}
