package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/lib/pq"

	apperrors "meridian/pkg/errors"
)

const uniqueViolation = pq.ErrorCode("23505")

// Classify wraps a database error as a STORE_ERROR. Transient failures
// (lost connections, serialization conflicts, resource exhaustion, admin
// shutdown) are forced retryable; unique violations become CONFLICT.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}

	if IsUniqueViolation(err) {
		return apperrors.ErrConflict.WithCause(err)
	}

	if IsTransient(err) {
		return apperrors.ErrStore.WithCause(err).AsRetryable()
	}

	return apperrors.ErrStore.WithCause(err).AsFatal()
}

func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func IsTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return true
		}
	}

	return false
}
