package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// ValidationError reports caller-supplied data that violates a precondition:
// an empty title, an empty id set, or a malformed import document.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports referenced task ids that do not exist. IDs carries
// the missing ids so batch operations can name every offender.
type NotFoundError struct {
	IDs []int64
}

func (e *NotFoundError) Error() string {
	switch len(e.IDs) {
	case 0:
		return "task not found"
	case 1:
		return fmt.Sprintf("task %d not found", e.IDs[0])
	default:
		parts := make([]string, len(e.IDs))
		for i, id := range e.IDs {
			parts[i] = strconv.FormatInt(id, 10)
		}
		return fmt.Sprintf("tasks not found: %s", strings.Join(parts, ", "))
	}
}

// NotFound builds a NotFoundError naming the missing ids.
func NotFound(ids ...int64) *NotFoundError {
	return &NotFoundError{IDs: ids}
}

// StorageError wraps a persistence-layer failure: I/O, corruption,
// constraint violation or timeout. Op names the failing operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

// Storagef wraps err as a StorageError for the named operation.
func Storagef(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}
