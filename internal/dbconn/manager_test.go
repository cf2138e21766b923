package dbconn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	mssql "github.com/microsoft/go-mssqldb"
)

type staticProvider struct {
	cfgs  map[string]*ServerConfig
	errs  map[string]error
	calls int
}

func (p *staticProvider) ServerConfig(_ context.Context, name string) (*ServerConfig, error) {
	p.calls++

	if err, ok := p.errs[name]; ok {
		return nil, err
	}

	cfg, ok := p.cfgs[name]
	if !ok {
		return nil, errors.New("no such server")
	}

	return cfg, nil
}

func sourceProvider() *staticProvider {
	return &staticProvider{cfgs: map[string]*ServerConfig{
		ServerSource: {
			Name:     ServerSource,
			Host:     "db.example.com",
			Port:     1433,
			User:     "replicator",
			Password: "secret",
			Database: "orders",
		},
	}}
}

func newMockManager(t *testing.T, cfg Config, provider ConfigProvider) (*Manager, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("opening sqlmock: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	m := NewManager(cfg, provider, slog.New(slog.DiscardHandler),
		WithOpener(func(string) (*sql.DB, error) { return db, nil }),
	)

	return m, mock
}

func TestLeaseProbesAndReusesWithinTTL(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	m, mock := newMockManager(t, Config{ProbeTTL: time.Minute}, sourceProvider())

	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{""}).AddRow(1))

	lease, err := m.Lease(t.Context(), ServerSource)
	if err != nil {
		t.Fatalf("Lease() error = %v", err)
	}

	if lease.Server() != ServerSource {
		t.Errorf("Server() = %q, want %q", lease.Server(), ServerSource)
	}

	lease.Release()

	// Within the TTL the second lease must not probe again; an unexpected
	// SELECT 1 would fail it.
	lease, err = m.Lease(t.Context(), ServerSource)
	if err != nil {
		t.Fatalf("second Lease() error = %v", err)
	}

	lease.Release()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// scriptedConnector hands out one session per Connect call. Each session
// answers its liveness query with the next entry of the plan; a nil entry
// is a healthy SELECT 1 response. Eviction forces the pool back through
// Connect, so the opened count observes replacement sessions directly.
type scriptedConnector struct {
	mu     sync.Mutex
	plan   []error
	opened int
}

func (c *scriptedConnector) Connect(context.Context) (driver.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var probeErr error
	if c.opened < len(c.plan) {
		probeErr = c.plan[c.opened]
	}

	c.opened++

	return &scriptedConn{probeErr: probeErr}, nil
}

func (c *scriptedConnector) Driver() driver.Driver { return nil }

func (c *scriptedConnector) connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.opened
}

type scriptedConn struct{ probeErr error }

func (c *scriptedConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepare not supported")
}

func (c *scriptedConn) Close() error { return nil }

func (c *scriptedConn) Begin() (driver.Tx, error) {
	return nil, errors.New("transactions not supported")
}

func (c *scriptedConn) QueryContext(_ context.Context, _ string, _ []driver.NamedValue) (driver.Rows, error) {
	if c.probeErr != nil {
		return nil, c.probeErr
	}

	return &scriptedRows{}, nil
}

type scriptedRows struct{ done bool }

func (r *scriptedRows) Columns() []string { return []string{""} }
func (r *scriptedRows) Close() error      { return nil }

func (r *scriptedRows) Next(dest []driver.Value) error {
	if r.done {
		return io.EOF
	}

	r.done = true
	dest[0] = int64(1)

	return nil
}

func newScriptedManager(t *testing.T, cfg Config, plan ...error) (*Manager, *scriptedConnector) {
	t.Helper()

	connector := &scriptedConnector{plan: plan}
	db := sql.OpenDB(connector)

	t.Cleanup(func() { _ = db.Close() })

	m := NewManager(cfg, sourceProvider(), slog.New(slog.DiscardHandler),
		WithOpener(func(string) (*sql.DB, error) { return db, nil }),
	)

	return m, connector
}

func TestLeaseEvictsDeadSessionAndRetries(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	m, connector := newScriptedManager(t, Config{LeaseRetries: 2}, io.EOF, nil)

	lease, err := m.Lease(t.Context(), ServerSource)
	if err != nil {
		t.Fatalf("Lease() error = %v, want recovery on second attempt", err)
	}

	lease.Release()

	// The dead session was evicted, so the pool had to open a fresh one.
	if got := connector.connections(); got != 2 {
		t.Errorf("connections opened = %d, want 2", got)
	}
}

func TestLeaseExhaustsRetryBudget(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	m, connector := newScriptedManager(t, Config{LeaseRetries: 1}, io.EOF, io.EOF)

	_, err := m.Lease(t.Context(), ServerSource)
	if !errors.Is(err, ErrServerUnavailable) {
		t.Errorf("Lease() error = %v, want ErrServerUnavailable", err)
	}

	if got := connector.connections(); got != 2 {
		t.Errorf("connections opened = %d, want one per attempt", got)
	}
}

func TestLeaseSurfacesAuthErrorImmediately(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	m, mock := newMockManager(t, Config{LeaseRetries: 5}, sourceProvider())

	// Login failures are not retriable; the budget must not be spent.
	mock.ExpectQuery("SELECT 1").WillReturnError(mssql.Error{Number: 18456, Message: "Login failed"})

	_, err := m.Lease(t.Context(), ServerSource)
	if err == nil || errors.Is(err, ErrServerUnavailable) {
		t.Errorf("Lease() error = %v, want immediate non-transient failure", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestLeaseConfigFailures(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	provider := &staticProvider{
		cfgs: map[string]*ServerConfig{
			"incomplete": {Name: "incomplete", Host: "h"},
		},
		errs: map[string]error{"down": errors.New("store offline")},
	}

	m, _ := newMockManager(t, Config{}, provider)

	if _, err := m.Lease(t.Context(), "down"); !errors.Is(err, ErrConfigUnavailable) {
		t.Errorf("Lease(down) error = %v, want ErrConfigUnavailable", err)
	}

	if _, err := m.Lease(t.Context(), "incomplete"); !errors.Is(err, ErrConfigUnavailable) {
		t.Errorf("Lease(incomplete) error = %v, want ErrConfigUnavailable", err)
	}

	if _, err := m.Lease(t.Context(), "unknown"); !errors.Is(err, ErrConfigUnavailable) {
		t.Errorf("Lease(unknown) error = %v, want ErrConfigUnavailable", err)
	}
}

func TestLeaseHonorsCancelledContext(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	m, _ := newMockManager(t, Config{}, sourceProvider())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.Lease(ctx, ServerSource); !errors.Is(err, context.Canceled) {
		t.Errorf("Lease() error = %v, want context.Canceled", err)
	}
}

func TestRecycleForgetsPool(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	db1, mock1, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("opening sqlmock: %v", err)
	}

	db2, mock2, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("opening sqlmock: %v", err)
	}

	t.Cleanup(func() { _ = db2.Close() })

	// Recycle closes the pool's database, so reopening must hand the
	// manager a fresh one.
	queue := []*sql.DB{db1, db2}
	provider := sourceProvider()

	m := NewManager(Config{ProbeTTL: time.Minute}, provider, slog.New(slog.DiscardHandler),
		WithOpener(func(string) (*sql.DB, error) {
			db := queue[0]
			if len(queue) > 1 {
				queue = queue[1:]
			}

			return db, nil
		}),
	)

	mock1.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{""}).AddRow(1))

	lease, err := m.Lease(t.Context(), ServerSource)
	if err != nil {
		t.Fatalf("Lease() error = %v", err)
	}

	lease.Release()

	if !m.PoolExists(ServerSource) {
		t.Fatal("PoolExists() = false after lease")
	}

	if got := m.Servers(); len(got) != 1 || got[0] != ServerSource {
		t.Errorf("Servers() = %v, want [%s]", got, ServerSource)
	}

	mock1.ExpectClose()
	m.Recycle(ServerSource)

	if m.PoolExists(ServerSource) {
		t.Error("PoolExists() = true after recycle")
	}

	if err := mock1.ExpectationsWereMet(); err != nil {
		t.Errorf("first pool expectations: %v", err)
	}

	// The next lease refetches configuration and reopens the pool.
	mock2.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{""}).AddRow(1))

	before := provider.calls

	lease, err = m.Lease(t.Context(), ServerSource)
	if err != nil {
		t.Fatalf("Lease() after recycle error = %v", err)
	}

	lease.Release()

	if provider.calls != before+1 {
		t.Errorf("provider calls = %d, want a fresh config fetch after recycle", provider.calls)
	}

	if err := mock2.ExpectationsWereMet(); err != nil {
		t.Errorf("second pool expectations: %v", err)
	}
}

func TestLeaseLifecycleFlags(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	m, mock := newMockManager(t, Config{}, sourceProvider())

	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{""}).AddRow(1))

	lease, err := m.Lease(t.Context(), ServerSource)
	if err != nil {
		t.Fatalf("Lease() error = %v", err)
	}

	if !lease.Alive() {
		t.Error("fresh lease not alive")
	}

	if lease.AcquiredAt().IsZero() {
		t.Error("AcquiredAt() is zero")
	}

	lease.MarkDead()

	if lease.Alive() {
		t.Error("lease alive after MarkDead")
	}

	lease.Release()
	lease.Release() // safe to call twice
}
