package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// tlsConfigName is the name used to register custom TLS configs with the MySQL driver.
const tlsConfigName = "joinfetch-custom"

// DriverName returns the database/sql driver name for the configured driver.
func (d *DatabaseConfig) DriverName() string {
	switch strings.ToLower(d.Driver) {
	case "", DriverMySQL, "tidb":
		return DriverMySQL
	case DriverPostgres, "postgresql":
		return DriverPostgres
	case DriverSQLite, "sqlite3":
		return DriverSQLite
	default:
		return d.Driver
	}
}

// DSN returns the data source name for the configured driver. An explicit
// connection string is used as given except that MySQL DSNs always get
// parseTime.
func (d *DatabaseConfig) DSN() (string, error) {
	switch d.DriverName() {
	case DriverMySQL:
		return d.mysqlDSN()
	case DriverPostgres:
		return d.postgresDSN(), nil
	case DriverSQLite:
		return d.sqliteDSN(), nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", d.Driver)
	}
}

func (d *DatabaseConfig) mysqlDSN() (string, error) {
	var cfg *mysql.Config
	if strings.TrimSpace(d.ConnectionString) != "" {
		parsed, err := mysql.ParseDSN(d.ConnectionString)
		if err != nil {
			return "", fmt.Errorf("database.dsn is invalid: %w", err)
		}
		cfg = parsed
	} else {
		cfg = mysql.NewConfig()
		cfg.User = d.User
		cfg.Passwd = d.Password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
		cfg.DBName = d.Database
	}
	cfg.ParseTime = true
	if param := d.effectiveTLSParam(); param != "" && cfg.TLSConfig == "" {
		cfg.TLSConfig = param
	}
	return cfg.FormatDSN(), nil
}

func (d *DatabaseConfig) postgresDSN() string {
	if strings.TrimSpace(d.ConnectionString) != "" {
		return d.ConnectionString
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.Database,
	}
	q := url.Values{}
	q.Set("sslmode", postgresSSLMode(d.TLS.Mode))
	if ca := d.TLS.resolveCAFile(); ca != "" {
		q.Set("sslrootcert", ca)
	}
	if cert := d.TLS.resolveCertFile(); cert != "" {
		q.Set("sslcert", cert)
	}
	if key := d.TLS.resolveKeyFile(); key != "" {
		q.Set("sslkey", key)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func postgresSSLMode(mode string) string {
	switch mode {
	case "skip-verify":
		return "require"
	case "verify-ca":
		return "verify-ca"
	case "verify-full":
		return "verify-full"
	default:
		return "disable"
	}
}

func (d *DatabaseConfig) sqliteDSN() string {
	if strings.TrimSpace(d.ConnectionString) != "" {
		return d.ConnectionString
	}
	if d.Path == ":memory:" {
		return d.Path
	}
	return "file:" + d.Path + "?_pragma=foreign_keys(1)"
}

// effectiveTLSParam returns the tls DSN parameter of the MySQL driver, or ""
// when no TLS mode is configured.
func (d *DatabaseConfig) effectiveTLSParam() string {
	switch d.TLS.Mode {
	case "":
		return ""
	case "off":
		return "false"
	case "skip-verify":
		return "skip-verify"
	case "verify-ca", "verify-full":
		return tlsConfigName
	default:
		return d.TLS.Mode
	}
}

// RegisterTLS registers a custom TLS configuration with the MySQL driver.
// Must be called before opening the database connection when using verify-ca or verify-full modes.
// Returns nil if no custom TLS configuration is needed.
func (d *DatabaseConfig) RegisterTLS() error {
	if d.DriverName() != DriverMySQL {
		return nil
	}
	mode := d.TLS.Mode
	if mode != "verify-ca" && mode != "verify-full" {
		return nil
	}

	tlsCfg, err := d.buildTLSConfig()
	if err != nil {
		return fmt.Errorf("failed to build TLS config: %w", err)
	}

	if err := mysql.RegisterTLSConfig(tlsConfigName, tlsCfg); err != nil {
		return fmt.Errorf("failed to register TLS config: %w", err)
	}

	return nil
}

// buildTLSConfig creates a tls.Config based on the DatabaseTLSConfig settings.
func (d *DatabaseConfig) buildTLSConfig() (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	caFile := d.TLS.resolveCAFile()
	certFile := d.TLS.resolveCertFile()
	keyFile := d.TLS.resolveKeyFile()

	if caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file %q: %w", caFile, err)
		}

		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %q", caFile)
		}
		tlsCfg.RootCAs = certPool
	}

	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	} else if certFile != "" || keyFile != "" {
		return nil, fmt.Errorf("both cert_file and key_file must be specified for client certificate authentication")
	}

	switch d.TLS.Mode {
	case "verify-ca":
		// chain only; the host name is not checked
		tlsCfg.InsecureSkipVerify = true
		tlsCfg.VerifyPeerCertificate = verifyChain(tlsCfg.RootCAs)
	case "verify-full":
		if d.TLS.ServerName != "" {
			tlsCfg.ServerName = d.TLS.ServerName
		} else {
			tlsCfg.ServerName = d.Host
		}
	}

	return tlsCfg, nil
}

// verifyChain checks the presented chain against roots without matching
// the host name.
func verifyChain(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("server presented no certificate")
		}
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("failed to parse server certificate: %w", err)
			}
			certs = append(certs, cert)
		}
		intermediates := x509.NewCertPool()
		for _, cert := range certs[1:] {
			intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(x509.VerifyOptions{Roots: roots, Intermediates: intermediates})
		return err
	}
}

func (t *DatabaseTLSConfig) resolveCAFile() string {
	return resolveEnvPath(t.CAFileEnv, t.CAFile)
}

func (t *DatabaseTLSConfig) resolveCertFile() string {
	return resolveEnvPath(t.CertFileEnv, t.CertFile)
}

func (t *DatabaseTLSConfig) resolveKeyFile() string {
	return resolveEnvPath(t.KeyFileEnv, t.KeyFile)
}

// resolveEnvPath prefers the path held by the named environment variable.
func resolveEnvPath(env, path string) string {
	if env != "" {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return path
}
