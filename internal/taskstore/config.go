package taskstore

import (
	"errors"
	"strings"
	"time"

	"github.com/rowbridge-io/rowbridge/internal/config"
)

const (
	defaultMongoURI  = "mongodb://localhost:27017"
	defaultDatabase  = "rowbridge"
	defaultOpTimeout = 10 * time.Second
)

// ErrMongoURIEmpty is returned when the MongoDB URI is an empty string.
var ErrMongoURIEmpty = errors.New("mongo URI cannot be empty")

// Config holds MongoDB connection configuration with production-ready defaults.
type Config struct {
	uri       string
	Database  string
	OpTimeout time.Duration // Per-operation timeout applied by the store
}

// LoadConfig loads MongoDB configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		uri:       config.GetEnvStr("ROWBRIDGE_MONGO_URI", defaultMongoURI), // uri is private for obvious reasons.
		Database:  config.GetEnvStr("ROWBRIDGE_MONGO_DB", defaultDatabase),
		OpTimeout: config.GetEnvDuration("ROWBRIDGE_MONGO_TIMEOUT", defaultOpTimeout),
	}
}

// NewConfig builds a Config programmatically; tests and the seed tool use it.
func NewConfig(uri, database string) *Config {
	return &Config{
		uri:       uri,
		Database:  database,
		OpTimeout: defaultOpTimeout,
	}
}

// Validate checks if the MongoDB configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.uri) == "" {
		return ErrMongoURIEmpty
	}

	return nil
}

// MaskURI returns a masked connection URI safe for logging.
func (c *Config) MaskURI() string {
	if c.uri == "" {
		return ""
	}

	schemeEnd := strings.Index(c.uri, "://")
	if schemeEnd == -1 {
		return c.uri
	}

	afterScheme := c.uri[schemeEnd+3:]

	lastAtIndex := strings.LastIndex(afterScheme, "@")
	if lastAtIndex == -1 {
		// No @ found, no userinfo
		return c.uri
	}

	userInfo := afterScheme[:lastAtIndex]

	colonIndex := strings.Index(userInfo, ":")
	if colonIndex == -1 {
		// No password
		return c.uri
	}

	username := userInfo[:colonIndex]
	password := userInfo[colonIndex+1:]

	if password == "" {
		// Empty password, don't mask
		return c.uri
	}

	scheme := c.uri[:schemeEnd]
	hostAndRest := afterScheme[lastAtIndex:]

	return scheme + "://" + username + ":***" + hostAndRest
}
