package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error with context.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Field, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Field   string
	Message string
	Hint    string
}

// ValidationResult contains the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationWarning
}

// HasErrors returns true if there are any validation errors.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error returns a combined error message if there are validation errors.
func (r *ValidationResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	var msgs []string
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

func (r *ValidationResult) addError(field, message, hint string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message, Hint: hint})
}

func (r *ValidationResult) addWarning(field, message, hint string) {
	r.Warnings = append(r.Warnings, ValidationWarning{Field: field, Message: message, Hint: hint})
}

// Validate checks the configuration for errors and returns validation results.
// It returns both errors (fatal) and warnings (non-fatal issues).
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}

	c.Database.validate(result)
	c.Mapping.validate(result)
	c.Fetch.validate(result)
	c.Cache.validate(result)
	c.Server.validate(result)
	c.Observability.validate(result)

	return result
}

func (d *DatabaseConfig) validate(result *ValidationResult) {
	driver := d.DriverName()
	switch driver {
	case DriverMySQL, DriverPostgres, DriverSQLite:
	default:
		result.addError("database.driver", fmt.Sprintf("unsupported driver %q", d.Driver),
			"valid values are: mysql, postgres, sqlite")
		return
	}

	if strings.TrimSpace(d.MyCnfFile) != "" {
		if driver != DriverMySQL {
			result.addError("database.mycnf_file", "mycnf_file is only supported by the mysql driver", "")
		}
		if strings.TrimSpace(d.ConnectionString) != "" || strings.TrimSpace(d.ConnectionStringFile) != "" {
			result.addError("database.mycnf_file", "mycnf_file is mutually exclusive with dsn/dsn_file",
				"set either mycnf_file or dsn/dsn_file, not both")
		}
	}

	explicitDSN := strings.TrimSpace(d.ConnectionString) != ""
	switch {
	case driver == DriverSQLite:
		if !explicitDSN && strings.TrimSpace(d.Path) == "" {
			result.addError("database.path", "path is required for the sqlite driver",
				"set database.path to a file or :memory:")
		}
	case !explicitDSN:
		if d.Port < 1 || d.Port > 65535 {
			result.addError("database.port", fmt.Sprintf("port %d is out of valid range (1-65535)", d.Port), "")
		}
		if strings.TrimSpace(d.Database) == "" {
			result.addError("database.database", "no database name configured",
				"set database.database or include /<database> in database.dsn")
		}
	case driver == DriverMySQL:
		if _, err := d.mysqlDSN(); err != nil {
			result.addError("database.dsn", err.Error(), "set a valid MySQL DSN in database.dsn/database.dsn_file")
		}
	}

	if driver == DriverSQLite && d.TLS.Mode != "" && d.TLS.Mode != "off" {
		result.addWarning("database.tls.mode", "TLS settings are ignored by the sqlite driver", "")
	} else {
		d.TLS.validate(result)
	}

	if d.Pool.MaxOpen < 0 {
		result.addError("database.pool.max_open", "max_open cannot be negative", "")
	}
	if d.Pool.MaxIdle < 0 {
		result.addError("database.pool.max_idle", "max_idle cannot be negative", "")
	}
	if d.Pool.MaxIdle > d.Pool.MaxOpen && d.Pool.MaxOpen > 0 {
		result.addWarning("database.pool.max_idle", "max_idle is greater than max_open",
			"idle connections will be limited to max_open")
	}

	if d.ConnectionTimeout > 0 && d.ConnectionRetryInterval > d.ConnectionTimeout {
		result.addWarning("database.connection_retry_interval", "connection_retry_interval is greater than connection_timeout",
			"only one connection attempt will be made")
	}
	if d.ConnectionRetryInterval < 0 {
		result.addError("database.connection_retry_interval", "connection_retry_interval cannot be negative", "")
	}
	if d.ConnectionTimeout > 0 && d.ConnectionRetryInterval == 0 {
		result.addError("database.connection_retry_interval",
			"connection_retry_interval must be greater than 0 when connection_timeout is set",
			"set a retry interval such as 2s, or set connection_timeout to 0 to disable retries")
	}
	if d.ConnectionTimeout < 0 {
		result.addError("database.connection_timeout", "connection_timeout cannot be negative", "")
	}
}

func (t *DatabaseTLSConfig) validate(result *ValidationResult) {
	validModes := map[string]bool{"": true, "off": true, "skip-verify": true, "verify-ca": true, "verify-full": true}
	if !validModes[t.Mode] {
		result.addError("database.tls.mode", fmt.Sprintf("invalid TLS mode %q", t.Mode),
			"valid values are: off, skip-verify, verify-ca, verify-full")
	}

	if (t.Mode == "verify-ca" || t.Mode == "verify-full") && t.resolveCAFile() == "" {
		result.addError("database.tls.ca_file", "CA file is required for verify-ca and verify-full modes",
			"set ca_file or ca_file_env to specify the CA certificate")
	}

	certFile := t.resolveCertFile()
	keyFile := t.resolveKeyFile()
	if (certFile != "") != (keyFile != "") {
		result.addError("database.tls.cert_file",
			"both cert_file and key_file must be specified for client certificate authentication",
			"provide both cert_file and key_file, or neither")
	}

	if t.Mode == "skip-verify" {
		result.addWarning("database.tls.mode", "skip-verify mode does not verify server certificates",
			"use verify-ca or verify-full in production")
	}
}

func (m *MappingConfig) validate(result *ValidationResult) {
	if strings.TrimSpace(m.File) == "" {
		result.addError("mapping.file", "mapping file is required", "point mapping.file at the entity mapping YAML")
	}
}

func (f *FetchConfig) validate(result *ValidationResult) {
	if f.BatchSize < 1 {
		result.addError("fetch.batch_size", fmt.Sprintf("batch_size %d must be at least 1", f.BatchSize), "")
	}
	if f.MaxRows < 0 {
		result.addError("fetch.max_rows", "max_rows cannot be negative", "use 0 for no limit")
	}
	if f.CompileCacheSize < 0 {
		result.addError("fetch.compile_cache_size", "compile_cache_size cannot be negative", "")
	}
	if f.MaxDepth == 0 {
		result.addWarning("fetch.max_depth", "max_depth 0 disables every join",
			"associations are loaded lazily; use -1 for no limit")
	}
	for name, roles := range f.Profiles {
		if strings.TrimSpace(name) == "" {
			result.addError("fetch.profiles", "profile name cannot be empty", "")
			continue
		}
		for _, role := range roles {
			if !strings.Contains(role, ".") {
				result.addError("fetch.profiles",
					fmt.Sprintf("role %q of profile %q must be Entity.path", role, name), "")
			}
		}
	}
	for _, name := range f.EnabledProfiles {
		if _, ok := f.Profiles[name]; !ok {
			result.addError("fetch.enabled_profiles", fmt.Sprintf("profile %q is not defined", name),
				"define it under fetch.profiles")
		}
	}
}

func (c *CacheConfig) validate(result *ValidationResult) {
	if c.ReferenceCacheSize < 0 {
		result.addError("cache.reference_cache_size", "reference_cache_size cannot be negative", "use 0 to disable")
	}
	if !c.QueryCacheEnabled {
		return
	}
	switch c.Backend {
	case "memory":
		if c.MaxEntries <= 0 {
			result.addError("cache.max_entries", "max_entries must be greater than 0 for the memory backend", "")
		}
	case "redis":
		if strings.TrimSpace(c.Redis.Addr) == "" {
			result.addError("cache.redis.addr", "redis address is required for the redis backend", "")
		} else if _, _, err := net.SplitHostPort(c.Redis.Addr); err != nil {
			result.addError("cache.redis.addr", fmt.Sprintf("invalid redis address %q", c.Redis.Addr), "use host:port")
		}
	default:
		result.addError("cache.backend", fmt.Sprintf("invalid cache backend %q", c.Backend),
			"valid values are: memory, redis")
	}
	if c.TTL < 0 {
		result.addError("cache.ttl", "ttl cannot be negative", "")
	}
	if c.TTL == 0 {
		result.addWarning("cache.ttl", "query cache entries never expire",
			"entries are still discarded when their tables are invalidated")
	}
}

func (s *ServerConfig) validate(result *ValidationResult) {
	if s.Port < 1 || s.Port > 65535 {
		result.addError("server.port", fmt.Sprintf("port %d is out of valid range (1-65535)", s.Port), "")
	}

	if s.RateLimitEnabled {
		if s.RateLimitRPS <= 0 {
			result.addError("server.rate_limit_rps", "rate_limit_rps must be greater than 0 when rate limiting is enabled", "")
		}
		if s.RateLimitBurst <= 0 {
			result.addError("server.rate_limit_burst", "rate_limit_burst must be greater than 0 when rate limiting is enabled", "")
		}
	}
	if !s.RateLimitEnabled && (s.RateLimitRPS > 0 || s.RateLimitBurst > 0) {
		result.addWarning("server.rate_limit_enabled", "rate limit values are set but rate limiting is disabled",
			"enable server.rate_limit_enabled to apply rate limits")
	}

	if s.LoadTimeout < 0 {
		result.addError("server.load_timeout", "load_timeout cannot be negative", "")
	}
}

func (o *ObservabilityConfig) validate(result *ValidationResult) {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[o.Logging.Level] {
		result.addError("observability.logging.level", fmt.Sprintf("invalid log level %q", o.Logging.Level),
			"valid values are: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[o.Logging.Format] {
		result.addError("observability.logging.format", fmt.Sprintf("invalid log format %q", o.Logging.Format),
			"valid values are: json, text")
	}

	if o.TraceSampleRatio < 0 || o.TraceSampleRatio > 1 {
		result.addError("observability.trace_sample_ratio",
			fmt.Sprintf("trace_sample_ratio %v is outside 0.0-1.0", o.TraceSampleRatio), "")
	}

	o.OTLP.validate("observability.otlp", result)
	if o.Traces != nil {
		o.Traces.validate("observability.traces", result)
	}
	if o.Logs != nil {
		o.Logs.validate("observability.logs", result)
	}
}

func (o *OTLPConfig) validate(prefix string, result *ValidationResult) {
	validProtocols := map[string]bool{"": true, "grpc": true, "http/protobuf": true}
	if !validProtocols[o.Protocol] {
		result.addError(prefix+".protocol", fmt.Sprintf("invalid OTLP protocol %q", o.Protocol),
			"valid values are: grpc, http/protobuf")
	}

	if o.Protocol == "http/protobuf" && !validOTLPEndpoint(o.Endpoint) {
		result.addError(prefix+".endpoint", fmt.Sprintf("invalid OTLP endpoint %q for http/protobuf", o.Endpoint),
			"use host:port or a full URL")
	}

	validCompressions := map[string]bool{"": true, "none": true, "gzip": true}
	if !validCompressions[o.Compression] {
		result.addError(prefix+".compression", fmt.Sprintf("invalid OTLP compression %q", o.Compression),
			"valid values are: none, gzip")
	}

	if o.RetryMaxAttempts < 0 {
		result.addError(prefix+".retry_max_attempts", "retry_max_attempts cannot be negative", "")
	}
}

func validOTLPEndpoint(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return false
		}
		return parsed.Host != ""
	}
	_, _, err := net.SplitHostPort(endpoint)
	return err == nil
}
