package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const singleActiveIndex = "idx_demo_sessions_single_active"

// mapError maps driver errors to the store's sentinel errors.
// Returns the original error if it doesn't match known patterns.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrRecordNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			if pgErr.ConstraintName == singleActiveIndex {
				return fmt.Errorf("%w: %s", ErrActiveSessionExists, pgErr.Detail)
			}
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		case pgerrcode.ForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrRecordNotFound, pgErr.Detail)
		case pgerrcode.QueryCanceled:
			return fmt.Errorf("query canceled: %w", err)
		default:
			return fmt.Errorf("postgres error [%s]: %s: %w", pgErr.Code, pgErr.Message, err)
		}
	}

	// SQLite reports the violated columns in the message
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") {
		if strings.Contains(msg, "demo_sessions.api_key") {
			return fmt.Errorf("%w: %s", ErrActiveSessionExists, msg)
		}
		return fmt.Errorf("%w: %s", ErrDuplicate, msg)
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}

	return err
}
