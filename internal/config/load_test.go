package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func testFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("joinfetch-test", pflag.ContinueOnError)
	defineFlags(flags)
	require.NoError(t, flags.Parse(args))
	return flags
}

func TestLoad_FileEnvAndFlags(t *testing.T) {
	path := writeFile(t, "joinfetch.yaml", `
database:
  driver: postgres
  host: db.internal
  port: 5432
  database: shop
mapping:
  file: /etc/joinfetch/shop.yaml
fetch:
  max_depth: 2
  batch_size: 4
  profiles:
    with-lines: [Order.lines, OrderLine.product]
  enabled_profiles: with-lines
cache:
  query_cache_enabled: true
  backend: redis
  redis:
    addr: cache:6379
`)
	t.Setenv("JOINFETCH_FETCH_MAX_DEPTH", "5")
	t.Setenv("JOINFETCH_SERVER_PORT", "9090")

	cfg, err := load(viper.New(), testFlags(t, "--config", path, "--fetch.batch_size=8", "--server.port=7070"))
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "/etc/joinfetch/shop.yaml", cfg.Mapping.File)
	// env beats file, flags beat env
	assert.Equal(t, 5, cfg.Fetch.MaxDepth)
	assert.Equal(t, 8, cfg.Fetch.BatchSize)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, []string{"with-lines"}, cfg.Fetch.EnabledProfiles)
	assert.Equal(t, []string{"Order.lines", "OrderLine.product"}, cfg.Fetch.Profiles["with-lines"])
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, "cache:6379", cfg.Cache.Redis.Addr)

	// untouched defaults
	assert.Equal(t, 25, cfg.Database.Pool.MaxOpen)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "joinfetch", cfg.Observability.ServiceName)
	assert.Equal(t, "json", cfg.Observability.Logging.Format)

	result := cfg.Validate()
	assert.False(t, result.HasErrors(), result.Error())
}

func TestLoad_MissingExplicitConfigFile(t *testing.T) {
	_, err := load(viper.New(), testFlags(t, "--config", filepath.Join(t.TempDir(), "absent.yaml")))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "joinfetch.yaml", `
server:
  cors_enabled: true
`)
	_, err := load(viper.New(), testFlags(t, "--config", path))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cors_enabled")
}

func TestLoad_SecretFiles(t *testing.T) {
	dsnFile := writeFile(t, "dsn", "app:secret@tcp(db:3306)/shop\n")
	redisPassword := writeFile(t, "redis", "  r3dis  \n")
	path := writeFile(t, "joinfetch.yaml", "database:\n  dsn_file: "+dsnFile+"\ncache:\n  redis:\n    password_file: "+redisPassword+"\n")

	cfg, err := load(viper.New(), testFlags(t, "--config", path))
	require.NoError(t, err)
	assert.Equal(t, "app:secret@tcp(db:3306)/shop", cfg.Database.ConnectionString)
	assert.Equal(t, "r3dis", cfg.Cache.Redis.Password)
}

func TestLoad_ExplicitPasswordWinsOverFile(t *testing.T) {
	pwdFile := writeFile(t, "pwd", "from-file")
	path := writeFile(t, "joinfetch.yaml", "database:\n  password_file: "+pwdFile+"\n")

	cfg, err := load(viper.New(), testFlags(t, "--config", path, "--database.password=from-flag"))
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.Database.Password)
}

func TestLoad_MyCnf(t *testing.T) {
	myCnf := writeFile(t, "my.cnf", `
[client]
host = db.internal
port = 3307
user = "app"
password = 's3cret'
ssl-mode = VERIFY_IDENTITY

[mysql]
database = shop
`)
	path := writeFile(t, "joinfetch.yaml", "database:\n  user: configured\n")

	cfg, err := load(viper.New(), testFlags(t, "--config", path, "--database.mycnf_file", myCnf))
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 3307, cfg.Database.Port)
	assert.Equal(t, "configured", cfg.Database.User)
	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Equal(t, "verify-full", cfg.Database.TLS.Mode)
	assert.Equal(t, "shop", cfg.Database.Database)
}

func TestParseMyCnf(t *testing.T) {
	t.Run("client section wins over mysql database", func(t *testing.T) {
		settings, err := parseMyCnf("[mysql]\ndatabase=fallback\n[client]\ndatabase=primary\n")
		require.NoError(t, err)
		assert.Equal(t, "primary", settings.Database)
		assert.True(t, settings.HasDBName)
	})

	t.Run("space separated values and comments", func(t *testing.T) {
		settings, err := parseMyCnf("# comment\n; other\n[client]\nhost db\nuser app\n")
		require.NoError(t, err)
		assert.Equal(t, "db", settings.Host)
		assert.Equal(t, "app", settings.User)
		assert.False(t, settings.HasPort)
	})

	t.Run("ssl modes", func(t *testing.T) {
		for in, want := range map[string]string{
			"DISABLED":        "off",
			"preferred":       "skip-verify",
			"REQUIRED":        "skip-verify",
			"VERIFY_CA":       "verify-ca",
			"verify_identity": "verify-full",
		} {
			settings, err := parseMyCnf("[client]\nssl-mode=" + in + "\n")
			require.NoError(t, err, in)
			assert.Equal(t, want, settings.TLSMode, in)
		}
	})

	errorCases := map[string]string{
		"bad port":     "[client]\nport=99999\n",
		"empty port":   "[client]\nport=\n",
		"bad ssl mode": "[client]\nssl-mode=SOMETIMES\n",
		"bad syntax":   "[client]\nhost\n",
	}
	for name, raw := range errorCases {
		t.Run(name, func(t *testing.T) {
			_, err := parseMyCnf(raw)
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), "line"), err.Error())
		})
	}
}

func TestStringToStringSliceHook(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("mapping.file", "m.yaml")
	v.Set("fetch.enabled_profiles", " a, b ,c ")

	var cfg Config
	require.NoError(t, decode(v, &cfg))
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Fetch.EnabledProfiles)
}
