package mpi

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Sentinels for errors.Is; the typed errors below match them.
var (
	ErrValidation = errors.New("invalid merge request")
	ErrConflict   = errors.New("merge conflict")
	ErrStorage    = errors.New("storage failure")
)

// ValidationError rejects a malformed merge request. It is always returned
// before a transaction is opened.
type ValidationError struct {
	Reason   string
	IDs      []uuid.UUID
	NotFound bool
}

func (e *ValidationError) Error() string {
	if len(e.IDs) == 0 {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Reason, joinIDs(e.IDs))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ConflictError means another operation holds exclusive intent over at
// least one of the requested patient ids, or changed them while this
// request waited.
type ConflictError struct {
	IDs    []uuid.UUID
	Reason string
	Err    error
}

func (e *ConflictError) Error() string {
	msg := ErrConflict.Error()
	reason := e.Reason
	if reason == "" {
		reason = "locked by another operation"
	}
	msg += ": " + reason
	if len(e.IDs) > 0 {
		msg += ": " + joinIDs(e.IDs)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

func (e *ConflictError) Unwrap() error { return e.Err }

// StorageError wraps a failure of the underlying store. The transaction, if
// one was open, has been rolled back.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStorage, e.Op, e.Err)
}

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func (e *StorageError) Unwrap() error { return e.Err }

// Outcome classifies err for logs and metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "storage"
	}
}

func joinIDs(ids []uuid.UUID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ", ")
}
