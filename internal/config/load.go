package config

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "JOINFETCH"

var defineFlagsOnce sync.Once

// Load loads configuration from multiple sources with the following precedence:
// 1. Explicit overrides (v.Set) – used only for secrets read from files or the prompt
// 2. Command line flags
// 3. Environment variables
// 4. Config file
// 5. Default values
func Load() (*Config, error) {
	defineFlags(pflag.CommandLine)
	if !pflag.Parsed() {
		pflag.Parse()
	}
	return load(viper.New(), pflag.CommandLine)
}

func load(v *viper.Viper, flags *pflag.FlagSet) (*Config, error) {
	setDefaults(v)

	cfgPath, _ := flags.GetString("config")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.SetConfigName("joinfetch")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/joinfetch/")
		v.AddConfigPath("$HOME/.joinfetch")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgPath != "" {
			return nil, fmt.Errorf("failed to read config file %q: %w", cfgPath, err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Canonical keys are dot + snake_case: JOINFETCH_FETCH_MAX_DEPTH.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	bindChangedFlagsToViper(v, flags)
	if err := validateSingleStdinFileSource(v); err != nil {
		return nil, err
	}
	if err := resolveSecrets(v, flags); err != nil {
		return nil, err
	}

	var cfg Config
	if err := decode(v, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(v *viper.Viper, cfg *Config) error {
	if err := v.UnmarshalExact(
		cfg,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				stringToStringSliceHookFunc(","),
			),
		),
	); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

// resolveSecrets reads file-backed settings into their plain keys. Values
// given directly always win.
func resolveSecrets(v *viper.Viper, flags *pflag.FlagSet) error {
	if v.GetString("database.dsn") == "" && v.GetString("database.dsn_file") != "" {
		dsn, err := readSecretFile(v.GetString("database.dsn_file"))
		if err != nil {
			return fmt.Errorf("failed to read database DSN file: %w", err)
		}
		v.Set("database.dsn", dsn)
	}

	if myCnfPath := strings.TrimSpace(v.GetString("database.mycnf_file")); myCnfPath != "" {
		settings, err := parseMyCnfFile(myCnfPath)
		if err != nil {
			return fmt.Errorf("failed to load database my.cnf file: %w", err)
		}
		applyMyCnf(v, flags, settings)
	}

	if v.GetString("database.password") == "" && v.GetString("database.password_file") != "" {
		pwd, err := readSecretFile(v.GetString("database.password_file"))
		if err != nil {
			return fmt.Errorf("failed to read database password file: %w", err)
		}
		v.Set("database.password", pwd)
	}
	if v.GetString("database.password") == "" && v.GetBool("database.password_prompt") {
		pwd, err := promptPassword()
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		v.Set("database.password", pwd)
	}

	if v.GetString("cache.redis.password") == "" && v.GetString("cache.redis.password_file") != "" {
		pwd, err := readSecretFile(v.GetString("cache.redis.password_file"))
		if err != nil {
			return fmt.Errorf("failed to read redis password file: %w", err)
		}
		v.Set("cache.redis.password", pwd)
	}
	return nil
}

// applyMyCnf replaces the defaults of the discrete database fields. Values
// configured any other way are kept.
func applyMyCnf(v *viper.Viper, flags *pflag.FlagSet, settings myCnfSettings) {
	setIfUnset := func(key string, value any) {
		if !explicitlySet(v, flags, key) {
			v.Set(key, value)
		}
	}
	if settings.Host != "" {
		setIfUnset("database.host", settings.Host)
	}
	if settings.HasPort {
		setIfUnset("database.port", settings.Port)
	}
	if settings.User != "" {
		setIfUnset("database.user", settings.User)
	}
	if settings.Password != "" {
		setIfUnset("database.password", settings.Password)
	}
	if settings.TLSMode != "" {
		setIfUnset("database.tls.mode", settings.TLSMode)
	}
	if settings.HasDBName {
		setIfUnset("database.database", settings.Database)
	}
}

// explicitlySet reports whether key was configured by file, environment or
// flag rather than left at its default.
func explicitlySet(v *viper.Viper, flags *pflag.FlagSet, key string) bool {
	if v.InConfig(key) {
		return true
	}
	if f := flags.Lookup(key); f != nil && f.Changed {
		return true
	}
	env := EnvPrefix + "_" + strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
	if _, ok := os.LookupEnv(env); ok {
		return true
	}
	return false
}

// bindChangedFlagsToViper copies only explicitly-set flags into Viper,
// preserving precedence: flags > env > file > defaults.
func bindChangedFlagsToViper(v *viper.Viper, flags *pflag.FlagSet) {
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "config", "version", "check":
			return
		}

		switch f.Value.Type() {
		case "string":
			val, _ := flags.GetString(f.Name)
			v.Set(f.Name, val)
		case "int":
			val, _ := flags.GetInt(f.Name)
			v.Set(f.Name, val)
		case "bool":
			val, _ := flags.GetBool(f.Name)
			v.Set(f.Name, val)
		case "float64":
			val, _ := flags.GetFloat64(f.Name)
			v.Set(f.Name, val)
		case "duration":
			val, _ := flags.GetDuration(f.Name)
			v.Set(f.Name, val)
		case "stringSlice":
			val, _ := flags.GetStringSlice(f.Name)
			v.Set(f.Name, val)
		default:
			v.Set(f.Name, f.Value.String())
		}
	})
}

// defineFlags defines all command line flags using canonical snake_case keys.
// The global flag set is populated once.
func defineFlags(flags *pflag.FlagSet) {
	if flags == pflag.CommandLine {
		defineFlagsOnce.Do(func() { registerFlags(flags) })
		return
	}
	registerFlags(flags)
}

func registerFlags(flags *pflag.FlagSet) {
	// Database
	flags.String("database.driver", "", "Database driver (mysql, postgres, sqlite)")
	flags.String("database.dsn", "", "Complete driver DSN")
	flags.String("database.dsn_file", "", "Path to file containing database DSN (use @- for stdin)")
	flags.String("database.mycnf_file", "", "Path to MySQL defaults file (.my.cnf format)")
	flags.String("database.host", "", "Database host")
	flags.Int("database.port", 0, "Database port")
	flags.String("database.user", "", "Database user")
	flags.String("database.password", "", "Database password")
	flags.String("database.password_file", "", "Path to file containing database password (use @- for stdin)")
	flags.Bool("database.password_prompt", false, "Prompt for database password securely")
	flags.String("database.database", "", "Database name")
	flags.String("database.path", "", "SQLite database file")
	flags.String("database.tls.mode", "", "TLS mode (off, skip-verify, verify-ca, verify-full)")
	flags.String("database.tls.ca_file", "", "Path to CA certificate for server verification")
	flags.String("database.tls.cert_file", "", "Path to client certificate for mTLS")
	flags.String("database.tls.key_file", "", "Path to client private key for mTLS")
	flags.String("database.tls.server_name", "", "Override TLS server name for verification")
	flags.Int("database.pool.max_open", 0, "Maximum open database connections")
	flags.Int("database.pool.max_idle", 0, "Maximum idle connections in pool")
	flags.Duration("database.pool.max_lifetime", 0, "Connection max lifetime (e.g. 5m, 30s)")
	flags.Duration("database.connection_timeout", 0, "Max time to wait for database on startup (0 = fail immediately)")
	flags.Duration("database.connection_retry_interval", 0, "Initial interval between connection retries")

	// Mapping and fetch defaults
	flags.String("mapping.file", "", "Entity mapping document (YAML)")
	flags.Int("fetch.max_depth", 0, "Maximum depth of joined associations (-1 = unlimited)")
	flags.Int("fetch.batch_size", 0, "Identifiers restricted per batch load")
	flags.Int("fetch.max_rows", 0, "Maximum rows read by list loads (0 = no limit)")
	flags.Bool("fetch.single_collection_fetch", false, "Join at most one collection per load")
	flags.StringSlice("fetch.enabled_profiles", nil, "Fetch profiles enabled for every load")
	flags.Int("fetch.compile_cache_size", 0, "Number of compiled loads kept in memory")

	// Cache
	flags.Bool("cache.query_cache_enabled", false, "Cache results of cacheable list loads")
	flags.String("cache.backend", "", "Query cache backend (memory, redis)")
	flags.Int("cache.max_entries", 0, "Maximum entries of the memory query cache")
	flags.Duration("cache.ttl", 0, "Query cache entry lifetime")
	flags.Int("cache.reference_cache_size", 0, "Entries of the immutable reference cache (0 = disabled)")
	flags.String("cache.redis.addr", "", "Redis address for the redis backend")
	flags.String("cache.redis.password_file", "", "Path to file containing the redis password")
	flags.Int("cache.redis.db", 0, "Redis database number")
	flags.String("cache.redis.prefix", "", "Key prefix inside redis")

	// Server
	flags.Int("server.port", 0, "HTTP server port")
	flags.Bool("server.rate_limit_enabled", false, "Enable global rate limiting for all HTTP endpoints")
	flags.Float64("server.rate_limit_rps", 0, "Global rate limit requests per second")
	flags.Int("server.rate_limit_burst", 0, "Global rate limit burst size")
	flags.Duration("server.read_timeout", 0, "HTTP server read timeout")
	flags.Duration("server.write_timeout", 0, "HTTP server write timeout")
	flags.Duration("server.idle_timeout", 0, "HTTP server idle timeout")
	flags.Duration("server.shutdown_timeout", 0, "HTTP server graceful shutdown timeout")
	flags.Duration("server.health_check_timeout", 0, "Health check timeout")
	flags.Duration("server.load_timeout", 0, "Timeout of one entity load request")

	// Observability
	flags.String("observability.service_name", "", "Service name for observability")
	flags.String("observability.service_version", "", "Service version for observability")
	flags.String("observability.environment", "", "Environment name (dev, staging, prod)")
	flags.Bool("observability.metrics_enabled", false, "Enable metrics collection")
	flags.Bool("observability.tracing_enabled", false, "Enable distributed tracing")
	flags.Float64("observability.trace_sample_ratio", 0, "Trace sampling ratio from 0.0 to 1.0")
	flags.String("observability.logging.level", "", "Log level (debug, info, warn, error)")
	flags.String("observability.logging.format", "", "Log format (json, text)")
	flags.Bool("observability.logging.exports_enabled", false, "Enable OTLP log export")
	flags.String("observability.otlp.endpoint", "", "OTLP endpoint for all signals (e.g., localhost:4317)")
	flags.String("observability.otlp.protocol", "", "OTLP protocol for all signals (grpc, http/protobuf)")
	flags.Bool("observability.otlp.insecure", false, "Use insecure connection (no TLS)")
	flags.Duration("observability.otlp.timeout", 0, "OTLP export timeout")
	flags.String("observability.otlp.compression", "", "OTLP compression (none, gzip)")

	flags.StringP("config", "c", "", "Config file path")
}

// setDefaults sets default values (lowest precedence).
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", DriverMySQL)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.dsn_file", "")
	v.SetDefault("database.mycnf_file", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.user", "joinfetch")
	v.SetDefault("database.password", "")
	v.SetDefault("database.password_file", "")
	v.SetDefault("database.password_prompt", false)
	v.SetDefault("database.database", "")
	v.SetDefault("database.path", "joinfetch.db")
	v.SetDefault("database.tls.mode", "")
	v.SetDefault("database.tls.ca_file", "")
	v.SetDefault("database.tls.ca_file_env", "")
	v.SetDefault("database.tls.cert_file", "")
	v.SetDefault("database.tls.cert_file_env", "")
	v.SetDefault("database.tls.key_file", "")
	v.SetDefault("database.tls.key_file_env", "")
	v.SetDefault("database.tls.server_name", "")
	v.SetDefault("database.pool.max_open", 25)
	v.SetDefault("database.pool.max_idle", 5)
	v.SetDefault("database.pool.max_lifetime", 5*time.Minute)
	v.SetDefault("database.connection_timeout", 60*time.Second)
	v.SetDefault("database.connection_retry_interval", 2*time.Second)

	v.SetDefault("mapping.file", "mapping.yaml")

	v.SetDefault("fetch.max_depth", 3)
	v.SetDefault("fetch.batch_size", 1)
	v.SetDefault("fetch.max_rows", 0)
	v.SetDefault("fetch.single_collection_fetch", false)
	v.SetDefault("fetch.profiles", map[string][]string{})
	v.SetDefault("fetch.enabled_profiles", []string{})
	v.SetDefault("fetch.compile_cache_size", 256)

	v.SetDefault("cache.query_cache_enabled", false)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.max_entries", 1024)
	v.SetDefault("cache.ttl", 10*time.Minute)
	v.SetDefault("cache.reference_cache_size", 0)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.password_file", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.prefix", "joinfetch")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit_enabled", false)
	v.SetDefault("server.rate_limit_rps", 0.0)
	v.SetDefault("server.rate_limit_burst", 0)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.health_check_timeout", 2*time.Second)
	v.SetDefault("server.load_timeout", 10*time.Second)

	v.SetDefault("observability.service_name", "joinfetch")
	v.SetDefault("observability.service_version", "")
	v.SetDefault("observability.environment", "development")
	v.SetDefault("observability.metrics_enabled", true)
	v.SetDefault("observability.tracing_enabled", false)
	v.SetDefault("observability.trace_sample_ratio", 1.0)
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.logging.exports_enabled", false)
	v.SetDefault("observability.otlp.endpoint", "localhost:4317")
	v.SetDefault("observability.otlp.protocol", "grpc")
	v.SetDefault("observability.otlp.insecure", false)
	v.SetDefault("observability.otlp.tls_cert_file", "")
	v.SetDefault("observability.otlp.tls_client_cert_file", "")
	v.SetDefault("observability.otlp.tls_client_key_file", "")
	v.SetDefault("observability.otlp.timeout", 10*time.Second)
	v.SetDefault("observability.otlp.compression", "gzip")
	v.SetDefault("observability.otlp.retry_enabled", true)
	v.SetDefault("observability.otlp.retry_max_attempts", 3)
}

// promptPassword prompts the user for a password without echoing to terminal.
func promptPassword() (string, error) {
	fmt.Print("Enter database password: ")
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(bytePassword), nil
}

func readSecretFile(path string) (string, error) {
	raw, err := readRawFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(raw), nil
}

func readRawFile(path string) (string, error) {
	var data []byte
	var err error

	if path == "@-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// validateSingleStdinFileSource allows at most one setting to read stdin.
func validateSingleStdinFileSource(v *viper.Viper) error {
	stdinBackedKeys := []string{
		"database.dsn_file",
		"database.mycnf_file",
		"database.password_file",
		"cache.redis.password_file",
	}

	var configured []string
	for _, key := range stdinBackedKeys {
		if strings.TrimSpace(v.GetString(key)) == "@-" {
			configured = append(configured, key)
		}
	}

	if len(configured) > 1 {
		return fmt.Errorf(
			"multiple stdin-backed file settings use @- (%s); only one @- source is allowed",
			strings.Join(configured, ", "),
		)
	}

	return nil
}

func stringToStringSliceHookFunc(sep string) mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf([]string{}) {
			return data, nil
		}

		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return []string{}, nil
		}

		parts := strings.Split(raw, sep)
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	}
}
