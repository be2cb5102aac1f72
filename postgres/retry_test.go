package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgext/pkg/logger"
)

func fastRetryConfig(attempts int) RetryConfig {
	return RetryConfig{
		Attempts: attempts,
		Delay:    time.Millisecond,
		MaxDelay: 4 * time.Millisecond,
	}
}

func quietCtx() context.Context {
	return logger.WithLogger(context.Background(), logger.Nop())
}

func serializationFailure() error {
	return &pgconn.PgError{Code: pgCodeSerializationFailure, Message: "could not serialize access"}
}

func TestRunWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := RunWithRetry(quietCtx(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return serializationFailure()
		}
		return nil
	}, fastRetryConfig(5))

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRunWithRetry_NonEligibleFailsImmediately(t *testing.T) {
	boom := errors.New("unique constraint violated")
	attempts := 0

	err := RunWithRetry(quietCtx(), func(ctx context.Context) error {
		attempts++
		return boom
	}, fastRetryConfig(5))

	assert.Equal(t, 1, attempts)
	assert.Same(t, boom, err, "non-eligible failures must propagate unchanged") //nolint:testifylint
}

func TestRunWithRetry_ExhaustionReturnsLastError(t *testing.T) {
	attempts := 0
	var last error

	err := RunWithRetry(quietCtx(), func(ctx context.Context) error {
		attempts++
		last = fmt.Errorf("attempt %d: %w", attempts, serializationFailure())
		return last
	}, fastRetryConfig(3))

	assert.Equal(t, 3, attempts)
	assert.Same(t, last, err, "exhaustion must surface the last underlying error") //nolint:testifylint
}

func TestRunWithRetry_CustomClassifier(t *testing.T) {
	flaky := errors.New("flaky")
	attempts := 0

	cfg := fastRetryConfig(5)
	cfg.Classifier = func(err error) bool { return errors.Is(err, flaky) }

	err := RunWithRetry(quietCtx(), func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return flaky
		}
		return nil
	}, cfg)

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestIsRetryableTxError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}, expected: true},
		{name: "deadlock detected", err: &pgconn.PgError{Code: "40P01"}, expected: true},
		{name: "wrapped deadlock", err: fmt.Errorf("run: %w", &pgconn.PgError{Code: "40P01"}), expected: true},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, expected: false},
		{name: "plain error", err: errors.New("database is on fire"), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryableTxError(tt.err))
		})
	}
}

func TestRunInTransactionWithRetry(t *testing.T) {
	db := &fakeDB{}
	m := NewTxManagerFromDB(db)

	attempts := 0
	err := m.RunInTransactionWithRetry(quietCtx(), fastRetryConfig(5), func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return serializationFailure()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	require.Equal(t, 2, db.beginCount(), "each attempt must run in a fresh transaction")

	first, second := db.begun[0], db.begun[1]
	_, rolledBack := first.outcome()
	committed, _ := second.outcome()
	assert.True(t, rolledBack, "failed attempt must roll back")
	assert.True(t, committed, "successful attempt must commit")
}
