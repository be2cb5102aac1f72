package postgres

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"pgext/pkg/logger"
)

// RetryConfig controls the backoff schedule applied to retry-eligible
// transaction failures. The zero value is usable: unset durations, attempt
// counts, Classifier and Clock fall back to the corresponding
// DefaultRetryConfig values. Jitter is taken as given; a zero RetryConfig
// runs without it.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first one.
	Attempts int

	// Delay is the wait before the second attempt; subsequent waits grow
	// by BackoffFactor up to MaxDelay.
	Delay         time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64

	// Jitter randomizes each delay to avoid retry storms.
	Jitter bool

	// Classifier decides whether a failure is retry-eligible.
	// Defaults to IsRetryableTxError.
	Classifier func(error) bool

	// Clock is the time source driving the waits.
	Clock clock.Clock
}

// DefaultRetryConfig returns the backoff defaults: 5 attempts starting at
// 50ms, doubling with jitter up to 2s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:      5,
		Delay:         50 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
		Classifier:    IsRetryableTxError,
		Clock:         clock.WallClock,
	}
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.Delay <= 0 {
		cfg.Delay = def.Delay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.Classifier == nil {
		cfg.Classifier = def.Classifier
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	return cfg
}

// RunWithRetry executes op, retrying failures the classifier marks as
// eligible according to the backoff schedule. Attempts are independent: op
// must not carry mutable state from one try to the next.
//
// Whatever ends the loop - a non-eligible failure, exhausted attempts or a
// cancelled context - the operation's own last error is returned unchanged.
func RunWithRetry(ctx context.Context, op func(ctx context.Context) error, cfg RetryConfig) error {
	cfg = cfg.withDefaults()

	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			lastErr = op(ctx)
			return lastErr
		},
		IsFatalError: func(err error) bool {
			return !cfg.Classifier(err)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Warn(ctx, "retrying after transient failure", "attempt", attempt, "error", err)
		},
		Attempts:    cfg.Attempts,
		Delay:       cfg.Delay,
		MaxDelay:    cfg.MaxDelay,
		BackoffFunc: retry.ExpBackoff(cfg.Delay, cfg.MaxDelay, cfg.BackoffFactor, cfg.Jitter),
		Clock:       cfg.Clock,
		Stop:        ctx.Done(),
	})
	if err != nil && lastErr != nil {
		return lastErr
	}
	return err
}

// RunInTransactionWithRetry executes fn in a transaction, retrying the whole
// transaction on write conflicts and deadlocks. Each attempt runs in a fresh
// transaction.
func (m *TxManager) RunInTransactionWithRetry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	return RunWithRetry(ctx, func(ctx context.Context) error {
		return m.RunInTransaction(ctx, fn)
	}, cfg)
}
