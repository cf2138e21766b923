// Package transfer drives one task end to end: it sequences connection
// leasing, the projection fetch, destination preparation, validated and
// deduplicated batch insertion, the optional source-side post-update, and
// outcome reporting, with reconnect-and-resume on transient failures.
package transfer

import (
	"time"

	"github.com/rowbridge-io/rowbridge/internal/config"
	"github.com/rowbridge-io/rowbridge/internal/retry"
)

const (
	// defaultOuterBatch caps steady-state memory and paces progress
	// emissions.
	defaultOuterBatch = 500

	// defaultInnerBatch is the transactional unit: one destination
	// transaction per inner batch.
	defaultInnerBatch = 50

	// defaultPostUpdateChunk bounds the IN-list of one post-update
	// statement.
	defaultPostUpdateChunk = 500

	defaultQueryTimeout  = 60 * time.Second
	defaultInsertTimeout = 30 * time.Second

	// defaultConcurrency is how many tasks a batch run drives at once.
	defaultConcurrency = 3

	// defaultBatchPause separates consecutive concurrency groups in a
	// batch run.
	defaultBatchPause = 10 * time.Second

	// progressStep is the minimum advance, in points, worth an emission
	// before the 99 ceiling.
	progressStep = 5

	// progressCeiling is the highest progress a running task reports;
	// 100 is reserved for the terminal emission.
	progressCeiling = 99

	defaultTaskMaxRetries   = 2
	defaultTaskInitialDelay = 500 * time.Millisecond
	defaultTaskMaxDelay     = 5 * time.Second
)

// Config carries the orchestrator's batching, timeout, and retry knobs.
type Config struct {
	OuterBatch      int
	InnerBatch      int
	PostUpdateChunk int

	QueryTimeout  time.Duration
	InsertTimeout time.Duration

	Concurrency int
	BatchPause  time.Duration

	// TaskRetry re-attempts a whole run from CONNECT when a phase fails
	// with a connection-class error.
	TaskRetry retry.Policy
}

// LoadConfig reads orchestrator configuration from the environment with
// production defaults.
func LoadConfig() Config {
	return Config{
		OuterBatch:      config.GetEnvInt("ROWBRIDGE_OUTER_BATCH", defaultOuterBatch),
		InnerBatch:      config.GetEnvInt("ROWBRIDGE_INNER_BATCH", defaultInnerBatch),
		PostUpdateChunk: config.GetEnvInt("ROWBRIDGE_POST_UPDATE_CHUNK", defaultPostUpdateChunk),
		QueryTimeout:    config.GetEnvDuration("ROWBRIDGE_QUERY_TIMEOUT", defaultQueryTimeout),
		InsertTimeout:   config.GetEnvDuration("ROWBRIDGE_INSERT_TIMEOUT", defaultInsertTimeout),
		Concurrency:     config.GetEnvInt("ROWBRIDGE_BATCH_CONCURRENCY", defaultConcurrency),
		BatchPause:      config.GetEnvDuration("ROWBRIDGE_BATCH_PAUSE", defaultBatchPause),
		TaskRetry: retry.Policy{
			MaxRetries:   config.GetEnvInt("ROWBRIDGE_TASK_MAX_RETRIES", defaultTaskMaxRetries),
			InitialDelay: config.GetEnvDuration("ROWBRIDGE_TASK_RETRY_DELAY", defaultTaskInitialDelay),
			MaxDelay:     config.GetEnvDuration("ROWBRIDGE_TASK_RETRY_MAX_DELAY", defaultTaskMaxDelay),
		},
	}
}

// withDefaults fills zero values so a partially specified Config behaves.
func (c Config) withDefaults() Config {
	if c.OuterBatch <= 0 {
		c.OuterBatch = defaultOuterBatch
	}

	if c.InnerBatch <= 0 {
		c.InnerBatch = defaultInnerBatch
	}

	if c.PostUpdateChunk <= 0 {
		c.PostUpdateChunk = defaultPostUpdateChunk
	}

	if c.QueryTimeout <= 0 {
		c.QueryTimeout = defaultQueryTimeout
	}

	if c.InsertTimeout <= 0 {
		c.InsertTimeout = defaultInsertTimeout
	}

	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}

	if c.BatchPause <= 0 {
		c.BatchPause = defaultBatchPause
	}

	return c
}
