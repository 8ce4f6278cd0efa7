package repositories

import (
	"database/sql"
	"errors"
	"time"

	"messaging-service/internal/apperr"
)

// wrap maps driver errors onto the apperr kinds. missing names the entity reported when no row matched.
func wrap(op, missing string, err error) error {
	if err == nil {
		return nil
	}
	if missing != "" && errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(missing)
	}
	return apperr.Classify(op, err)
}

// now is truncated to the precision both dialects store.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
