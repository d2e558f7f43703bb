package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("already exists")
	ErrPersistence = errors.New("persistence failure")
)

// PersistenceError wraps a transient storage failure. Upserts are idempotent
// on their key so callers may retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

// classify maps driver errors onto the store's error vocabulary.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgForeignKeyViolation:
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w", op, ErrConflict)
		}
	}
	return &PersistenceError{Op: op, Err: err}
}
