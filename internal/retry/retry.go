// Package retry wraps operations in an exponential-backoff loop with a
// pluggable failure classifier and cancellation awareness. It is the single
// retry primitive the orchestrator and the retry queue build on.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff shape shared by every policy. The multiplier is fixed; policies
// tune budget and delay bounds only.
const (
	backoffMultiplier = 1.5

	defaultMaxRetries   = 2
	defaultInitialDelay = 500 * time.Millisecond
	defaultMaxDelay     = 5 * time.Second
	defaultJitter       = 0.2
)

type (
	// Classifier decides whether a failure is worth another attempt.
	// Returning false surfaces the error immediately.
	Classifier func(error) bool

	// Policy parameterizes one Execute call. The zero value behaves:
	// defaults fill in and a nil Classify retries everything.
	Policy struct {
		// MaxRetries bounds the attempts after the first one.
		MaxRetries int

		// InitialDelay seeds the exponential backoff.
		InitialDelay time.Duration

		// MaxDelay caps the delay between attempts.
		MaxDelay time.Duration

		// Jitter is the randomization factor applied to each delay,
		// in [0,1).
		Jitter float64

		// Classify gates retries; nil retries every failure.
		Classify Classifier
	}
)

// withDefaults fills zero values with the package defaults.
func (p Policy) withDefaults() Policy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = defaultMaxRetries
	}

	if p.InitialDelay <= 0 {
		p.InitialDelay = defaultInitialDelay
	}

	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}

	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = defaultJitter
	}

	return p
}

// Execute runs op, re-attempting retriable failures under the policy's
// exponential backoff (multiplier 1.5, delays capped at MaxDelay). A
// failure the classifier rejects surfaces immediately; ctx cancellation
// aborts mid-wait and returns the context error.
func Execute(ctx context.Context, op func() error, policy Policy) error {
	policy = policy.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialDelay
	bo.MaxInterval = policy.MaxDelay
	bo.Multiplier = backoffMultiplier
	bo.RandomizationFactor = policy.Jitter
	bo.MaxElapsedTime = 0 // bounded by MaxRetries, not wall time

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}

		if policy.Classify != nil && !policy.Classify(err) {
			return backoff.Permanent(err)
		}

		return err
	}

	//nolint:gosec // MaxRetries is validated non-negative by withDefaults
	capped := backoff.WithMaxRetries(backoff.WithContext(bo, ctx), uint64(policy.MaxRetries))

	return backoff.Retry(wrapped, capped)
}

// Notify behaves like Execute and additionally logs each retriable failure
// with the delay before the next attempt.
func Notify(ctx context.Context, op func() error, policy Policy, logger *slog.Logger) error {
	policy = policy.withDefaults()

	if logger == nil {
		return Execute(ctx, op, policy)
	}

	attempt := 0

	return Execute(ctx, func() error {
		attempt++

		err := op()
		if err != nil && (policy.Classify == nil || policy.Classify(err)) {
			logger.Warn("operation failed, will retry",
				"attempt", attempt,
				"max_attempts", policy.MaxRetries+1,
				"error", err,
			)
		}

		return err
	}, policy)
}
