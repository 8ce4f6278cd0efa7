package apperr

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// Error kinds shared by the gateway, the hub and the HTTP surface.
var (
	ErrValidation         = errors.New("validation error")
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrTransient          = errors.New("transient error")
	ErrConnectionRejected = errors.New("connection rejected")
)

// Validation returns an ErrValidation carrying msg.
func Validation(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}

// NotFound returns an ErrNotFound naming the missing entity.
func NotFound(entity string) error {
	return fmt.Errorf("%s %w", entity, ErrNotFound)
}

// Forbidden returns an ErrForbidden carrying msg.
func Forbidden(msg string) error {
	return fmt.Errorf("%w: %s", ErrForbidden, msg)
}

// Transient wraps err as retryable while keeping the cause in the chain.
func Transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

// Message strips the kind prefix so the text is safe to show a client.
func Message(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, kind := range []error{ErrValidation, ErrForbidden} {
		if errors.Is(err, kind) {
			if idx := strings.Index(msg, kind.Error()+": "); idx >= 0 {
				return msg[idx+len(kind.Error())+2:]
			}
		}
	}
	return msg
}

// Public renders err for a client: validation, not-found and forbidden details are kept,
// everything else is reduced to a generic message.
func Public(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation), errors.Is(err, ErrForbidden), errors.Is(err, ErrNotFound):
		return Message(err)
	case errors.Is(err, ErrTransient):
		return "service temporarily unavailable, please retry"
	default:
		return "internal error"
	}
}

// Classify marks connectivity failures and deadline expiry as transient.
// Other errors are returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) {
		return err
	}
	if isTransient(err) {
		return Transient(op, err)
	}
	return err
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return transientSQLState(string(pqErr.Code))
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientSQLState(pgErr.Code)
	}
	return false
}

// Class 08 is connection exception; 57P covers admin/crash shutdown and 53 is insufficient resources.
func transientSQLState(code string) bool {
	return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "57P") || strings.HasPrefix(code, "53")
}
