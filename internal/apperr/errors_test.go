package apperr

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructorsWrapKinds(t *testing.T) {
	require.ErrorIs(t, Validation("content is required"), ErrValidation)
	require.ErrorIs(t, NotFound("conversation"), ErrNotFound)
	require.ErrorIs(t, Forbidden("nope"), ErrForbidden)

	cause := errors.New("reset")
	err := Transient("append", cause)
	require.ErrorIs(t, err, ErrTransient)
	require.ErrorIs(t, err, cause)
}

func TestPublic(t *testing.T) {
	assert.Equal(t, "content is required", Public(Validation("content is required")))
	assert.Equal(t, "conversation not found", Public(NotFound("conversation")))
	assert.Equal(t, "not a participant", Public(fmt.Errorf("send: %w", Forbidden("not a participant"))))
	assert.Equal(t, "service temporarily unavailable, please retry", Public(Transient("x", errors.New("y"))))
	assert.Equal(t, "internal error", Public(errors.New("pq: relation does not exist")))
	assert.Equal(t, "", Public(nil))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{name: "deadline", err: context.DeadlineExceeded, transient: true},
		{name: "bad conn", err: fmt.Errorf("query: %w", driver.ErrBadConn), transient: true},
		{name: "pq connection failure", err: &pq.Error{Code: "08006"}, transient: true},
		{name: "pq admin shutdown", err: &pq.Error{Code: "57P01"}, transient: true},
		{name: "pgx too many connections", err: &pgconn.PgError{Code: "53300"}, transient: true},
		{name: "pq unique violation", err: &pq.Error{Code: "23505"}, transient: false},
		{name: "plain", err: errors.New("boom"), transient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify("op", tt.err)
			assert.Equal(t, tt.transient, errors.Is(got, ErrTransient))
			assert.ErrorIs(t, got, tt.err)
		})
	}

	assert.NoError(t, Classify("op", nil))
}
