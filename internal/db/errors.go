package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	appErrors "chat-ingest/pkg/errors"
)

const sqlStateForeignKeyViolation = "23503"

// ForeignKeyViolation returns the violated constraint name, if err is one.
func ForeignKeyViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlStateForeignKeyViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

// IsTransient reports whether a retry of the whole operation may succeed:
// connection loss, serialization failures, deadlocks, admin shutdowns,
// resource exhaustion and timeouts.
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			strings.HasPrefix(pgErr.Code, "57P"), // operator intervention
			pgErr.Code == "40001",               // serialization_failure
			pgErr.Code == "40P01":               // deadlock_detected
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

// Classify turns a driver error into the application error surfaced to
// callers. Errors that are already classified pass through.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var appErr *appErrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if IsTransient(err) {
		return appErrors.ErrStorage(err)
	}
	return appErrors.Wrap(appErrors.CodeInternal, "storage failure", err)
}
