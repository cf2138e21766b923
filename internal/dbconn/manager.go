package dbconn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	_ "github.com/microsoft/go-mssqldb" // registers the sqlserver driver

	"github.com/rowbridge-io/rowbridge/internal/sqlgw"
)

var (
	// ErrServerUnavailable indicates every attempt to produce a live,
	// probed session failed for transient reasons. Retriable.
	ErrServerUnavailable = errors.New("database server unavailable")

	// ErrConfigUnavailable indicates the server's configuration could not
	// be fetched from the store.
	ErrConfigUnavailable = errors.New("server configuration unavailable")

	// ErrLeaseReleased indicates a lease was used after Release.
	ErrLeaseReleased = errors.New("lease already released")
)

type (
	// ConfigProvider fetches server configurations, normally backed by the
	// task store's dbConfigs collection.
	ConfigProvider interface {
		ServerConfig(ctx context.Context, name string) (*ServerConfig, error)
	}

	// StorePinger reports whether the task store itself is reachable. Used
	// by diagnostics; optional.
	StorePinger interface {
		Ping(ctx context.Context) error
	}

	// Manager owns one bounded pool per server and hands out leases whose
	// liveness was confirmed by a SELECT 1 probe at most ProbeTTL ago.
	Manager struct {
		cfg      Config
		provider ConfigProvider
		pinger   StorePinger
		logger   *slog.Logger
		open     func(dsn string) (*sql.DB, error)

		mu    sync.RWMutex
		pools map[string]*serverPool
	}

	serverPool struct {
		server string
		db     *sql.DB
		config *ServerConfig

		mu        sync.Mutex
		lastProbe time.Time
	}

	// Lease is an exclusive handle to a live database session. The
	// orchestrator owns it for the duration of one task and must Release
	// it on every exit path.
	Lease struct {
		server     string
		conn       *sql.Conn
		mgr        *Manager
		acquiredAt time.Time

		mu       sync.Mutex
		dead     bool
		released bool
	}

	// Option customizes a Manager.
	Option func(*Manager)
)

// WithStorePinger attaches the task store reachability check used by the
// diagnostic report.
func WithStorePinger(p StorePinger) Option {
	return func(m *Manager) { m.pinger = p }
}

// WithOpener replaces the pool opener. Tests inject fake databases here.
func WithOpener(open func(dsn string) (*sql.DB, error)) Option {
	return func(m *Manager) { m.open = open }
}

// NewManager creates a connection manager. Pools open lazily on first
// lease; a nil logger falls back to slog.Default.
func NewManager(cfg Config, provider ConfigProvider, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:      cfg.withDefaults(),
		provider: provider,
		logger:   logger.With("component", "dbconn"),
		open: func(dsn string) (*sql.DB, error) {
			return sql.Open("sqlserver", dsn)
		},
		pools: make(map[string]*serverPool),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Lease returns an exclusive session on server whose liveness is no older
// than ProbeTTL. Dead sessions found along the way are evicted and replaced
// transparently, up to the configured inner retry budget.
//
// Returns:
//   - *Lease: a live session; callers must Release it
//   - error: ErrServerUnavailable after the budget is spent on transient
//     failures; auth and config errors surface immediately
func (m *Manager) Lease(ctx context.Context, server string) (*Lease, error) {
	pool, err := m.pool(ctx, server)
	if err != nil {
		return nil, err
	}

	attempts := m.cfg.LeaseRetries + 1

	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		connCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		conn, err := pool.db.Conn(connCtx)

		cancel()

		if err != nil {
			if !sqlgw.IsConnection(err) {
				return nil, fmt.Errorf("acquiring session on %q: %w", server, err)
			}

			lastErr = err

			continue
		}

		if pool.probedWithin(m.cfg.ProbeTTL) {
			return m.newLease(server, conn), nil
		}

		if err := m.probeConn(ctx, conn); err != nil {
			evictConn(conn)

			if !sqlgw.IsConnection(err) {
				return nil, fmt.Errorf("probing session on %q: %w", server, err)
			}

			m.logger.Warn("dead session evicted during lease",
				"server", server,
				"attempt", attempt+1,
				"error", err,
			)

			lastErr = err

			continue
		}

		pool.markProbed()

		return m.newLease(server, conn), nil
	}

	return nil, fmt.Errorf("%w: %q after %d attempts: %w", ErrServerUnavailable, server, attempts, lastErr)
}

// Probe acquires and immediately releases a lease, confirming the server
// answers SELECT 1 end to end.
func (m *Manager) Probe(ctx context.Context, server string) error {
	lease, err := m.Lease(ctx, server)
	if err != nil {
		return err
	}

	lease.Release()

	return nil
}

// Recycle closes and forgets the server's pool. The next lease reopens it
// from fresh configuration. Sessions currently leased out stay usable until
// released.
func (m *Manager) Recycle(server string) {
	m.mu.Lock()
	pool, ok := m.pools[server]
	delete(m.pools, server)
	m.mu.Unlock()

	if !ok {
		return
	}

	if err := pool.db.Close(); err != nil {
		m.logger.Warn("closing pool during recycle", "server", server, "error", err)
	}

	m.logger.Info("connection pool recycled", "server", server)
}

// Close closes every pool. Called once on shutdown.
func (m *Manager) Close() error {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*serverPool)
	m.mu.Unlock()

	var errs []error

	for server, pool := range pools {
		if err := pool.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing pool %q: %w", server, err))
		}
	}

	return errors.Join(errs...)
}

// Servers lists the servers with an open pool, sorted for stable output.
func (m *Manager) Servers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	servers := make([]string, 0, len(m.pools))
	for server := range m.pools {
		servers = append(servers, server)
	}

	sort.Strings(servers)

	return servers
}

// PoolExists reports whether server has an open pool.
func (m *Manager) PoolExists(server string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.pools[server]

	return ok
}

// pool returns the server's pool, opening it from stored configuration on
// first use.
func (m *Manager) pool(ctx context.Context, server string) (*serverPool, error) {
	m.mu.RLock()
	pool, ok := m.pools[server]
	m.mu.RUnlock()

	if ok {
		return pool, nil
	}

	cfg, err := m.provider.ServerConfig(ctx, server)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrConfigUnavailable, server, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrConfigUnavailable, server, err)
	}

	db, err := m.open(cfg.DSN(m.cfg.ConnectTimeout))
	if err != nil {
		return nil, fmt.Errorf("opening pool for %q: %w", server, err)
	}

	db.SetMaxOpenConns(cfg.maxPoolSize())
	db.SetMaxIdleConns(cfg.maxPoolSize())
	db.SetConnMaxIdleTime(cfg.idleTimeout())

	m.mu.Lock()
	defer m.mu.Unlock()

	// Lost the race; keep the winner.
	if existing, ok := m.pools[server]; ok {
		_ = db.Close()

		return existing, nil
	}

	m.pools[server] = &serverPool{server: server, db: db, config: cfg}

	m.logger.Info("connection pool opened",
		"server", server,
		"address", cfg.Redacted(),
		"max_pool_size", cfg.maxPoolSize(),
	)

	return m.pools[server], nil
}

// probeConn round-trips SELECT 1 on the session within the probe timeout.
func (m *Manager) probeConn(ctx context.Context, conn *sql.Conn) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	var one int
	if err := conn.QueryRowContext(probeCtx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("liveness probe: %w", err)
	}

	return nil
}

func (m *Manager) newLease(server string, conn *sql.Conn) *Lease {
	return &Lease{
		server:     server,
		conn:       conn,
		mgr:        m,
		acquiredAt: time.Now(),
	}
}

func (p *serverPool) probedWithin(ttl time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return !p.lastProbe.IsZero() && time.Since(p.lastProbe) < ttl
}

func (p *serverPool) markProbed() {
	p.mu.Lock()
	p.lastProbe = time.Now()
	p.mu.Unlock()
}

// evictConn forces the session out of the pool instead of returning it.
func evictConn(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
}

// Conn exposes the underlying session for gateway calls.
func (l *Lease) Conn() *sql.Conn { return l.conn }

// Server returns the logical server name the lease belongs to.
func (l *Lease) Server() string { return l.server }

// AcquiredAt returns when the lease was handed out.
func (l *Lease) AcquiredAt() time.Time { return l.acquiredAt }

// Alive reports whether the lease is still usable.
func (l *Lease) Alive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return !l.dead && !l.released
}

// MarkDead flags the session so Release evicts it from the pool instead of
// recycling it. Called when a connection-class error was observed on it.
func (l *Lease) MarkDead() {
	l.mu.Lock()
	l.dead = true
	l.mu.Unlock()
}

// Release returns the session to its pool, or drops it entirely when the
// lease was marked dead. Safe to call more than once.
func (l *Lease) Release() {
	l.mu.Lock()

	if l.released {
		l.mu.Unlock()

		return
	}

	l.released = true
	dead := l.dead
	l.mu.Unlock()

	if dead {
		evictConn(l.conn)

		return
	}

	_ = l.conn.Close()
}
