// Package errs 定义运行时的错误分类，调用方通过 errors.Is/As 区分。
// Package errs defines the runtime's error taxonomy. Callers branch on
// it with errors.Is and errors.As.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound matches every NotFoundError via errors.Is.
var ErrNotFound = errors.New("not found")

// StorageError wraps a persistence failure. The failed operation did
// not commit.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// Storage wraps err as a StorageError unless it is nil or already typed.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NotFound builds a NotFoundError.
func NotFound(kind, id string) error { return &NotFoundError{Kind: kind, ID: id} }

// ResourceDeniedError is returned when admission control refuses work.
type ResourceDeniedError struct {
	Reason        string
	EstimatedWait time.Duration
}

func (e *ResourceDeniedError) Error() string {
	if e.EstimatedWait > 0 {
		return fmt.Sprintf("resource denied: %s (retry in %s)", e.Reason, e.EstimatedWait)
	}
	return "resource denied: " + e.Reason
}

// ConflictError reports an entity blocked by an open sync conflict.
type ConflictError struct {
	EntityType string
	EntityID   string
	ConflictID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s has open conflict %s", e.EntityType, e.EntityID, e.ConflictID)
}

// NetworkError wraps a remote store failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network: %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError rejects input before any state is mutated.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// TaskExhaustedError marks a task that failed on its final attempt.
type TaskExhaustedError struct {
	TaskID   string
	Attempts int
	Err      error
}

func (e *TaskExhaustedError) Error() string {
	return fmt.Sprintf("task %s failed after %d attempts: %v", e.TaskID, e.Attempts, e.Err)
}
func (e *TaskExhaustedError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNetwork reports whether err is a NetworkError.
func IsNetwork(err error) bool {
	var n *NetworkError
	return errors.As(err, &n)
}
