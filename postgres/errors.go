package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL error codes signalling transaction contention.
const (
	pgCodeSerializationFailure = "40001"
	pgCodeDeadlockDetected     = "40P01"
)

// IsRetryableTxError reports whether err is a transaction write conflict
// (serialization failure) or deadlock. These are the only failures the
// default retry policy considers transient; constraint violations, missing
// records and connectivity problems all surface on first occurrence.
func IsRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgCodeSerializationFailure || pgErr.Code == pgCodeDeadlockDetected
	}
	return false
}
