// Package health watches the task store and the relational servers on a
// fixed cadence, counts consecutive failures per class, and drives pool
// recovery when the counters cross their thresholds. Other components gate
// expensive work on its verdict instead of probing for themselves.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rowbridge-io/rowbridge/internal/config"
	"github.com/rowbridge-io/rowbridge/internal/dbconn"
)

const (
	defaultInterval     = 5 * time.Minute
	defaultRecoveryWait = 5 * time.Second
	defaultCooldown     = 30 * time.Minute

	// defaultMaxRecoveries bounds pool-recycle attempts between healthy
	// probes. Past it the monitor stays unhealthy and waits for operator
	// intervention or a counter reset.
	defaultMaxRecoveries = 3

	// defaultStoreThreshold is how many consecutive task-store failures
	// flip the monitor unhealthy.
	defaultStoreThreshold = 3

	// defaultServerThreshold is the same for the relational servers.
	defaultServerThreshold = 5
)

type (
	// Pools is the slice of the connection manager the monitor drives.
	Pools interface {
		Probe(ctx context.Context, server string) error
		Recycle(server string)
	}

	// StorePinger reports task store reachability.
	StorePinger interface {
		Ping(ctx context.Context) error
	}

	// Config carries the monitor's cadence, thresholds, and the servers it
	// watches.
	Config struct {
		Interval     time.Duration
		RecoveryWait time.Duration
		Cooldown     time.Duration

		MaxRecoveries   int
		StoreThreshold  int
		ServerThreshold int

		Servers []string
	}

	// Snapshot is the monitor's state at one point in time.
	Snapshot struct {
		Healthy          bool              `json:"healthy"`
		StoreFailures    int               `json:"storeFailures"`
		ServerFailures   int               `json:"serverFailures"`
		RecoveryAttempts int               `json:"recoveryAttempts"`
		LastProbeAt      time.Time         `json:"lastProbeAt,omitzero"`
		LastRecoveryAt   time.Time         `json:"lastRecoveryAt,omitzero"`
		LastErrors       map[string]string `json:"lastErrors,omitempty"`
	}

	// Monitor owns the probe loop and the failure counters.
	Monitor struct {
		cfg    Config
		pools  Pools
		pinger StorePinger
		logger *slog.Logger

		mu               sync.Mutex
		healthy          bool
		storeFailures    int
		serverFailures   int
		recoveryAttempts int
		lastProbeAt      time.Time
		lastRecoveryAt   time.Time
		lastErrors       map[string]string

		stop     chan struct{}
		stopOnce sync.Once
		done     chan struct{}
	}
)

// LoadConfig reads monitor configuration from the environment. The watched
// servers default to the two transfer endpoints.
func LoadConfig() Config {
	return Config{
		Interval:        config.GetEnvDuration("ROWBRIDGE_HEALTH_INTERVAL", defaultInterval),
		RecoveryWait:    config.GetEnvDuration("ROWBRIDGE_HEALTH_RECOVERY_WAIT", defaultRecoveryWait),
		Cooldown:        config.GetEnvDuration("ROWBRIDGE_HEALTH_RECOVERY_COOLDOWN", defaultCooldown),
		MaxRecoveries:   config.GetEnvInt("ROWBRIDGE_HEALTH_MAX_RECOVERIES", defaultMaxRecoveries),
		StoreThreshold:  config.GetEnvInt("ROWBRIDGE_HEALTH_STORE_THRESHOLD", defaultStoreThreshold),
		ServerThreshold: config.GetEnvInt("ROWBRIDGE_HEALTH_SERVER_THRESHOLD", defaultServerThreshold),
		Servers:         []string{dbconn.ServerSource, dbconn.ServerTarget},
	}
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}

	if c.RecoveryWait <= 0 {
		c.RecoveryWait = defaultRecoveryWait
	}

	if c.Cooldown <= 0 {
		c.Cooldown = defaultCooldown
	}

	if c.MaxRecoveries <= 0 {
		c.MaxRecoveries = defaultMaxRecoveries
	}

	if c.StoreThreshold <= 0 {
		c.StoreThreshold = defaultStoreThreshold
	}

	if c.ServerThreshold <= 0 {
		c.ServerThreshold = defaultServerThreshold
	}

	if len(c.Servers) == 0 {
		c.Servers = []string{dbconn.ServerSource, dbconn.ServerTarget}
	}

	return c
}

// New creates a Monitor. It starts healthy; only observed failures flip it.
func New(cfg Config, pools Pools, pinger StorePinger, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		cfg:        cfg.withDefaults(),
		pools:      pools,
		pinger:     pinger,
		logger:     logger.With("component", "health"),
		healthy:    true,
		lastErrors: make(map[string]string),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the probe loop until Stop or ctx cancellation.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.probeCycle(ctx)
			}
		}
	}()
}

// Stop halts the probe loop and waits for an in-flight cycle.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

// Check reports the monitor's current verdict. It never probes; callers on
// hot paths get the cached answer from the last cycle.
func (m *Monitor) Check(_ context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.healthy
}

// Snapshot returns the full monitor state for the diagnostics surface.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	lastErrors := make(map[string]string, len(m.lastErrors))
	for k, v := range m.lastErrors {
		lastErrors[k] = v
	}

	return Snapshot{
		Healthy:          m.healthy,
		StoreFailures:    m.storeFailures,
		ServerFailures:   m.serverFailures,
		RecoveryAttempts: m.recoveryAttempts,
		LastProbeAt:      m.lastProbeAt,
		LastRecoveryAt:   m.lastRecoveryAt,
		LastErrors:       lastErrors,
	}
}

// ResetCounters clears the failure counters and the recovery budget, and
// returns the monitor to healthy. Exposed to operators who fixed the
// underlying problem and want transfers flowing again without waiting out
// the cadence.
func (m *Monitor) ResetCounters() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.storeFailures = 0
	m.serverFailures = 0
	m.recoveryAttempts = 0
	m.healthy = true
	m.lastErrors = make(map[string]string)

	m.logger.Info("health counters reset")
}

// probeCycle runs one full round: the task store first, then every watched
// server. A fully green round clears both counters; threshold crossings
// trigger pool recovery under the cooldown and attempt budget.
func (m *Monitor) probeCycle(ctx context.Context) {
	storeErr := m.pingStore(ctx)
	serverErrs := m.probeServers(ctx)

	m.mu.Lock()

	m.lastProbeAt = time.Now().UTC()

	if storeErr == nil && len(serverErrs) == 0 {
		if !m.healthy {
			m.logger.Info("all probes green, monitor healthy again")
		}

		m.storeFailures = 0
		m.serverFailures = 0
		m.recoveryAttempts = 0
		m.healthy = true
		m.lastErrors = make(map[string]string)
		m.mu.Unlock()

		return
	}

	if storeErr != nil {
		m.storeFailures++
		m.lastErrors["task_store"] = storeErr.Error()
	}

	if len(serverErrs) > 0 {
		m.serverFailures++

		for server, err := range serverErrs {
			m.lastErrors[server] = err.Error()
		}
	}

	crossed := m.storeFailures >= m.cfg.StoreThreshold || m.serverFailures >= m.cfg.ServerThreshold
	if crossed {
		m.healthy = false
	}

	shouldRecover := crossed &&
		len(serverErrs) > 0 &&
		m.recoveryAttempts < m.cfg.MaxRecoveries &&
		time.Since(m.lastRecoveryAt) >= m.cfg.Cooldown

	if shouldRecover {
		m.recoveryAttempts++
		m.lastRecoveryAt = time.Now().UTC()
	}

	m.mu.Unlock()

	m.logger.Warn("health probe cycle found failures",
		"store_error", errString(storeErr),
		"failed_servers", len(serverErrs),
		"unhealthy", crossed,
	)

	if shouldRecover {
		m.recoverPools(ctx)
	}
}

// recoverPools recycles every watched pool, waits for connections to drain,
// and re-probes. A green re-probe restores health immediately.
func (m *Monitor) recoverPools(ctx context.Context) {
	m.logger.Warn("recycling connection pools for recovery", "servers", m.cfg.Servers)

	for _, server := range m.cfg.Servers {
		m.pools.Recycle(server)
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(m.cfg.RecoveryWait):
	}

	if errs := m.probeServers(ctx); len(errs) == 0 {
		m.mu.Lock()
		m.serverFailures = 0
		m.healthy = m.storeFailures < m.cfg.StoreThreshold
		m.mu.Unlock()

		m.logger.Info("pool recovery succeeded")

		return
	}

	m.logger.Error("pool recovery failed, staying unhealthy")
}

func (m *Monitor) pingStore(ctx context.Context) error {
	if m.pinger == nil {
		return nil
	}

	return m.pinger.Ping(ctx)
}

func (m *Monitor) probeServers(ctx context.Context) map[string]error {
	errs := make(map[string]error)

	for _, server := range m.cfg.Servers {
		if err := m.pools.Probe(ctx, server); err != nil {
			errs[server] = err
		}
	}

	return errs
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
