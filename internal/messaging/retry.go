package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"messaging-service/internal/apperr"
)

const maxRetries = 3

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 3 * time.Second
	return b
}

// retry reruns an idempotent step while it fails transiently.
func (s *Service) retry(ctx context.Context, op func(ctx context.Context) error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), maxRetries), ctx)
	return backoff.Retry(func() error {
		err := s.withTimeout(ctx, op)
		if err != nil && !errors.Is(err, apperr.ErrTransient) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// withTimeout bounds a single persistence call and classifies deadline expiry as transient.
func (s *Service) withTimeout(ctx context.Context, op func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := op(opCtx)
	if err == nil {
		return nil
	}
	if errors.Is(opCtx.Err(), context.DeadlineExceeded) && !isDomainError(err) {
		return apperr.Transient("persistence timeout", err)
	}
	return apperr.Classify("persistence", err)
}

func isDomainError(err error) bool {
	return errors.Is(err, apperr.ErrTransient) ||
		errors.Is(err, apperr.ErrValidation) ||
		errors.Is(err, apperr.ErrNotFound) ||
		errors.Is(err, apperr.ErrForbidden)
}
