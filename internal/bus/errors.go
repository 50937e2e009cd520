package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors returned by bus operations. Callers match them with
// errors.Is.
var (
	// ErrBusUnavailable wraps driver and connection failures. Sends that
	// fail with it are safe to retry.
	ErrBusUnavailable = errors.New("bus unavailable")

	// ErrQueueRejected covers invalid queue names and oversized payloads.
	ErrQueueRejected = errors.New("queue rejected")

	// ErrJobNotFound is returned by GetJob and Cancel for unknown job IDs.
	ErrJobNotFound = errors.New("job not found")
)

// unavailable wraps a driver error so callers can match ErrBusUnavailable
// while the underlying cause stays in the chain. Context cancellation
// passes through untouched.
func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, errors.Join(ErrBusUnavailable, err))
}

// isUniqueViolation reports whether err is a unique-constraint violation
// in either dialect. Postgres surfaces pgerrcode.UniqueViolation; modernc
// sqlite only exposes the constraint in the error text.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
