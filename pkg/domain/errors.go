package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error classes. Concrete errors below match them through errors.Is.
var (
	ErrConstraintViolation = errors.New("constraint violation")
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation failed")
	ErrStorageUnavailable  = errors.New("storage unavailable")
)

// ConstraintError reports a unique index conflict.
type ConstraintError struct {
	Collection string
	Index      string
	Err        error
}

func (e *ConstraintError) Error() string {
	msg := fmt.Sprintf("%s: unique index %s violated", e.Collection, e.Index)
	if e.Index == "" {
		msg = fmt.Sprintf("%s: unique constraint violated", e.Collection)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConstraintError) Is(target error) bool { return target == ErrConstraintViolation }

func (e *ConstraintError) Unwrap() error { return e.Err }

// DuplicateControlNumberError is returned when a report with the same control number exists.
type DuplicateControlNumberError struct {
	ControlNumber string
	ExistingID    int64
}

func (e *DuplicateControlNumberError) Error() string {
	return fmt.Sprintf("report with control number %q already exists (id %d)", e.ControlNumber, e.ExistingID)
}

func (e *DuplicateControlNumberError) Is(target error) bool { return target == ErrConstraintViolation }

// NotFoundError reports a missing record or schema object.
type NotFoundError struct {
	Collection string
	ID         int64
	Name       string
}

func (e *NotFoundError) Error() string {
	switch {
	case e.Name != "":
		return fmt.Sprintf("%s %q not found", e.Collection, e.Name)
	case e.ID != 0:
		return fmt.Sprintf("%s %d not found", e.Collection, e.ID)
	default:
		return fmt.Sprintf("%s not found", e.Collection)
	}
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// FieldError is one failed rule on one input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every failed field of a caller-supplied payload.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Add appends a field failure.
func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// OrNil returns nil when no field failed, so callers can return it directly.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// NewValidationError builds a single-field validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

// StorageError wraps a failure raised by the storage engine itself.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("storage %s failed", e.Op)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Is(target error) bool { return target == ErrStorageUnavailable }

func (e *StorageError) Unwrap() error { return e.Err }

// WrapStorage returns err unchanged when it already carries a domain class,
// and wraps it as a StorageError otherwise.
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConstraintViolation) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrValidation) || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
