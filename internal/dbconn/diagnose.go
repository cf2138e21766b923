package dbconn

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/rowbridge-io/rowbridge/internal/sqlgw"
)

type (
	// DiagnosticStep is one stage of the connectivity walk-through, with a
	// remediation hint when the stage failed in a recognizable way.
	DiagnosticStep struct {
		Name       string `json:"name"`
		OK         bool   `json:"ok"`
		DurationMS int64  `json:"durationMs"`
		Detail     string `json:"detail,omitempty"`
		Hint       string `json:"hint,omitempty"`
	}

	// DiagnosticReport is the structured result of Diagnose, consumed by
	// operators through the API.
	DiagnosticReport struct {
		Server      string           `json:"server"`
		Healthy     bool             `json:"healthy"`
		Steps       []DiagnosticStep `json:"steps"`
		GeneratedAt time.Time        `json:"generatedAt"`
	}
)

// Diagnose walks the full connectivity chain for server and reports each
// step: pool state, task store reachability, configuration fetch, a direct
// connect that bypasses the pool, the server identity query, and a probe of
// the catalog with response-time measurement. Later steps are skipped once
// a prerequisite fails.
func (m *Manager) Diagnose(ctx context.Context, server string) *DiagnosticReport {
	report := &DiagnosticReport{
		Server:      server,
		Healthy:     true,
		GeneratedAt: time.Now().UTC(),
	}

	var host string

	step := func(name string, fn func() (string, error)) bool {
		started := time.Now()
		detail, err := fn()
		entry := DiagnosticStep{
			Name:       name,
			OK:         err == nil,
			DurationMS: time.Since(started).Milliseconds(),
			Detail:     detail,
		}

		if err != nil {
			entry.Detail = err.Error()
			entry.Hint = hintFor(err, host)
			report.Healthy = false
		}

		report.Steps = append(report.Steps, entry)

		return err == nil
	}

	step("pool", func() (string, error) {
		m.mu.RLock()
		pool, ok := m.pools[server]
		m.mu.RUnlock()

		if !ok {
			return "no pool open yet; pools open lazily on first lease", nil
		}

		stats := pool.db.Stats()

		return fmt.Sprintf("pool open: %d in use, %d idle", stats.InUse, stats.Idle), nil
	})

	step("task_store", func() (string, error) {
		if m.pinger == nil {
			return "no task store attached", nil
		}

		if err := m.pinger.Ping(ctx); err != nil {
			return "", fmt.Errorf("task store unreachable: %w", err)
		}

		return "task store reachable", nil
	})

	var cfg *ServerConfig

	if !step("config", func() (string, error) {
		fetched, err := m.provider.ServerConfig(ctx, server)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrConfigUnavailable, err)
		}

		if err := fetched.Validate(); err != nil {
			return "", err
		}

		cfg = fetched
		host = cfg.Host

		return fetched.Redacted(), nil
	}) {
		return report
	}

	// Direct connect bypasses the shared pool so a poisoned pool cannot
	// mask a healthy server, and vice versa.
	db, err := m.open(cfg.DSN(m.cfg.ConnectTimeout))
	if err != nil {
		step("connect", func() (string, error) { return "", err })

		return report
	}

	defer func() { _ = db.Close() }()

	db.SetMaxOpenConns(1)

	if !step("connect", func() (string, error) {
		pingCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()

		if err := db.PingContext(pingCtx); err != nil {
			return "", err
		}

		return "direct connection established", nil
	}) {
		return report
	}

	step("identity", func() (string, error) {
		queryCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		defer cancel()

		var name, version string
		if err := db.QueryRowContext(queryCtx, "SELECT @@SERVERNAME, @@VERSION").Scan(&name, &version); err != nil {
			return "", err
		}

		if i := strings.IndexByte(version, '\n'); i > 0 {
			version = strings.TrimSpace(version[:i])
		}

		return fmt.Sprintf("%s (%s)", name, version), nil
	})

	step("table_probe", func() (string, error) {
		queryCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		defer cancel()

		started := time.Now()

		var table string
		if err := db.QueryRowContext(queryCtx,
			"SELECT TOP 1 TABLE_NAME FROM INFORMATION_SCHEMA.TABLES").Scan(&table); err != nil {
			return "", err
		}

		return fmt.Sprintf("probed %s in %s", table, time.Since(started).Round(time.Millisecond)), nil
	})

	return report
}

// hintFor maps recognizable failure classes onto remediation hints for the
// diagnostic report.
func hintFor(err error, host string) string {
	switch {
	case err == nil:
		return ""

	case isTimeoutError(err):
		return "the server did not answer in time; check network latency, firewall rules, and that the host and port are correct"

	case sqlgw.Classify(err) == sqlgw.KindAuth:
		return "the server rejected the login; verify user, password, and that the configured database exists and is accessible"

	case errors.Is(err, syscall.ECONNREFUSED):
		return "the connection was refused; verify host and port and that the server is listening for TCP connections"

	case isTLSError(err):
		if isBareIPv4(host) {
			return "TLS certificate validation against a bare IP address usually fails; leave encrypt unset to disable TLS automatically, or address the server by DNS name"
		}

		return "TLS handshake failed; check the server certificate or set trustServerCertificate"

	case sqlgw.IsConnection(err):
		return "the connection dropped; check server load and network stability between this host and the server"

	default:
		return ""
	}
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}

func isTLSError(err error) bool {
	var (
		hostnameErr x509.HostnameError
		unknownAuth x509.UnknownAuthorityError
		invalidCert x509.CertificateInvalidError
	)

	if errors.As(err, &hostnameErr) || errors.As(err, &unknownAuth) || errors.As(err, &invalidCert) {
		return true
	}

	return strings.Contains(err.Error(), "certificate")
}
