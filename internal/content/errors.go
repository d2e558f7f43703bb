package content

import (
	"errors"
	"fmt"

	"logbook/api/internal/store"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = store.ErrNotFound
	ErrPersistence      = store.ErrPersistence
)

// ValidationError rejects a write whose field name or value does not match
// the section schema.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}
