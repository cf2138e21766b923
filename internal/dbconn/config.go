// Package dbconn owns the per-server connection pools for the relational
// databases. It hands out probed, exclusive leases, detects and evicts dead
// sessions, and produces stepwise diagnostic reports for operators.
package dbconn

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/rowbridge-io/rowbridge/internal/config"
)

// Well-known logical server names. Tasks move rows between these two in the
// direction the task configures; additional servers may be registered under
// arbitrary names.
const (
	ServerSource = "source"
	ServerTarget = "target"
)

const (
	defaultConnectTimeout = 20 * time.Second
	defaultProbeTimeout   = 20 * time.Second
	defaultProbeTTL       = 1 * time.Second
	defaultLeaseRetries   = 2
	defaultMaxPoolSize    = 10
	defaultIdleTimeout    = 30 * time.Second
)

var (
	// ErrEmptyHost indicates a server config without a host.
	ErrEmptyHost = errors.New("server host cannot be empty")

	// ErrEmptyDatabase indicates a server config without a database name.
	ErrEmptyDatabase = errors.New("server database cannot be empty")

	// ErrEmptyServerName indicates a server config without a logical name.
	ErrEmptyServerName = errors.New("server name cannot be empty")
)

type (
	// ServerConfig describes one relational database server. It mirrors a
	// document of the dbConfigs collection and is also accepted from the
	// seed file, hence the triple tagging.
	ServerConfig struct {
		Name     string `bson:"name"               json:"name"               yaml:"name"`
		Host     string `bson:"host"               json:"host"               yaml:"host"`
		Port     int    `bson:"port,omitempty"     json:"port,omitempty"     yaml:"port,omitempty"`
		Instance string `bson:"instance,omitempty" json:"instance,omitempty" yaml:"instance,omitempty"`
		User     string `bson:"user"               json:"user"               yaml:"user"`
		Password string `bson:"password"           json:"-"                  yaml:"password"`
		Database string `bson:"database"           json:"database"           yaml:"database"`

		// Encrypt is tri-state: nil means "decide automatically", which
		// disables TLS for bare IPv4 hosts to avoid certificate-name
		// mismatches. An explicit value always wins.
		Encrypt                *bool `bson:"encrypt,omitempty"         json:"encrypt,omitempty"         yaml:"encrypt,omitempty"`
		TrustServerCertificate bool  `bson:"trustServerCertificate"    json:"trustServerCertificate"    yaml:"trustServerCertificate"`

		MaxPoolSize int           `bson:"maxPoolSize,omitempty" json:"maxPoolSize,omitempty" yaml:"maxPoolSize,omitempty"`
		IdleTimeout time.Duration `bson:"idleTimeout,omitempty" json:"idleTimeout,omitempty" yaml:"idleTimeout,omitempty"`
	}

	// Config holds the manager-wide knobs.
	Config struct {
		ConnectTimeout time.Duration
		ProbeTimeout   time.Duration

		// ProbeTTL is how recently a pool must have probed successfully
		// for a new lease to skip its own liveness round-trip.
		ProbeTTL time.Duration

		// LeaseRetries is the inner budget for replacing dead sessions
		// during a single Lease call.
		LeaseRetries int
	}
)

// LoadConfig loads manager configuration from environment variables with
// sensible defaults.
func LoadConfig() Config {
	return Config{
		ConnectTimeout: config.GetEnvDuration("ROWBRIDGE_DB_CONNECT_TIMEOUT", defaultConnectTimeout),
		ProbeTimeout:   config.GetEnvDuration("ROWBRIDGE_DB_PROBE_TIMEOUT", defaultProbeTimeout),
		ProbeTTL:       config.GetEnvDuration("ROWBRIDGE_DB_PROBE_TTL", defaultProbeTTL),
		LeaseRetries:   config.GetEnvInt("ROWBRIDGE_DB_LEASE_RETRIES", defaultLeaseRetries),
	}
}

// withDefaults fills zero values so a partially specified Config behaves.
func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}

	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}

	if c.ProbeTTL <= 0 {
		c.ProbeTTL = defaultProbeTTL
	}

	if c.LeaseRetries <= 0 {
		c.LeaseRetries = defaultLeaseRetries
	}

	return c
}

// Validate checks the server config for the fields a connection cannot be
// built without.
func (s *ServerConfig) Validate() error {
	if s.Name == "" {
		return ErrEmptyServerName
	}

	if s.Host == "" {
		return fmt.Errorf("%w: server %q", ErrEmptyHost, s.Name)
	}

	if s.Database == "" {
		return fmt.Errorf("%w: server %q", ErrEmptyDatabase, s.Name)
	}

	return nil
}

// EncryptMode resolves the tri-state encrypt flag into the driver's
// encrypt parameter value.
//
// Returns:
//   - "true" when encryption is explicitly enabled or the automatic rule applies
//   - "disable" when explicitly disabled or the host is a bare IPv4 literal
func (s *ServerConfig) EncryptMode() string {
	if s.Encrypt != nil {
		if *s.Encrypt {
			return "true"
		}

		return "disable"
	}

	if isBareIPv4(s.Host) {
		return "disable"
	}

	return "true"
}

// DSN renders the config as a sqlserver:// connection URL. The value is
// never interpolated into SQL and never logged; use Redacted for logs.
func (s *ServerConfig) DSN(connectTimeout time.Duration) string {
	query := url.Values{}
	query.Set("database", s.Database)
	query.Set("encrypt", s.EncryptMode())

	if s.TrustServerCertificate {
		query.Set("trustservercertificate", "true")
	}

	if connectTimeout > 0 {
		query.Set("dial timeout", strconv.Itoa(int(connectTimeout.Seconds())))
	}

	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(s.User, s.Password),
		Host:     s.address(),
		RawQuery: query.Encode(),
	}

	if s.Instance != "" {
		u.Path = s.Instance
	}

	return u.String()
}

// Redacted returns a log-safe description of the server config.
func (s *ServerConfig) Redacted() string {
	return fmt.Sprintf("%s://%s@%s/%s", "sqlserver", s.User, s.address(), s.Database)
}

func (s *ServerConfig) address() string {
	if s.Port > 0 {
		return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	}

	return s.Host
}

func (s *ServerConfig) maxPoolSize() int {
	if s.MaxPoolSize > 0 {
		return s.MaxPoolSize
	}

	return defaultMaxPoolSize
}

func (s *ServerConfig) idleTimeout() time.Duration {
	if s.IdleTimeout > 0 {
		return s.IdleTimeout
	}

	return defaultIdleTimeout
}

// isBareIPv4 reports whether host is a literal IPv4 address, the case where
// TLS certificate name checks are doomed to fail.
func isBareIPv4(host string) bool {
	ip := net.ParseIP(host)

	return ip != nil && ip.To4() != nil
}
