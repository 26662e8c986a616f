// Package apperr holds the error types surfaced to API callers. Each type
// carries a stable code and the HTTP status it maps to.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Coded is implemented by every error in this package.
type Coded interface {
	error
	Code() string
	Status() int
}

// ValidationError reports malformed or missing input. Fields maps a field
// name to what is wrong with it.
type ValidationError struct {
	Fields map[string]string
}

// Invalid builds a ValidationError for a single field.
func Invalid(field, problem string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: problem}}
}

// Required builds a ValidationError for a missing field.
func Required(field string) *ValidationError {
	return Invalid(field, "is required")
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, k+" "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
func (e *ValidationError) Code() string { return "VALIDATION_ERROR" }
func (e *ValidationError) Status() int  { return http.StatusBadRequest }

// InsufficientCreditsError is returned when a client cannot cover a job's cost.
type InsufficientCreditsError struct {
	Required  int64 `json:"required"`
	Available int64 `json:"available"`
	Shortfall int64 `json:"shortfall"`
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}
func (e *InsufficientCreditsError) Code() string { return "INSUFFICIENT_CREDITS" }
func (e *InsufficientCreditsError) Status() int  { return http.StatusPaymentRequired }

// InvalidTransitionError names a status change the lifecycle does not allow.
type InvalidTransitionError struct {
	Current   string `json:"current"`
	Requested string `json:"requested"`
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot move job from %s to %s", e.Current, e.Requested)
}
func (e *InvalidTransitionError) Code() string { return "INVALID_TRANSITION" }
func (e *InvalidTransitionError) Status() int  { return http.StatusConflict }

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Resource + " not found"
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}
func (e *NotFoundError) Code() string { return "NOT_FOUND" }
func (e *NotFoundError) Status() int  { return http.StatusNotFound }

type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string {
	if e.Reason == "" {
		return "forbidden"
	}
	return "forbidden: " + e.Reason
}
func (e *ForbiddenError) Code() string { return "FORBIDDEN" }
func (e *ForbiddenError) Status() int  { return http.StatusForbidden }

type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string {
	if e.Reason == "" {
		return "unauthorized"
	}
	return "unauthorized: " + e.Reason
}
func (e *UnauthorizedError) Code() string { return "UNAUTHORIZED" }
func (e *UnauthorizedError) Status() int  { return http.StatusUnauthorized }

// ConflictError reports a lost race or an operation the resource's current
// state refuses. ErrCode defaults to CONFLICT.
type ConflictError struct {
	ErrCode string
	Message string
}

func (e *ConflictError) Error() string { return e.Message }
func (e *ConflictError) Code() string {
	if e.ErrCode == "" {
		return "CONFLICT"
	}
	return e.ErrCode
}
func (e *ConflictError) Status() int { return http.StatusConflict }

// ExternalServiceError wraps a failure reported by a third-party provider.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return e.Service + ": " + e.Err.Error()
}
func (e *ExternalServiceError) Unwrap() error { return e.Err }
func (e *ExternalServiceError) Code() string  { return "EXTERNAL_SERVICE_ERROR" }
func (e *ExternalServiceError) Status() int   { return http.StatusBadGateway }

// PersistenceError wraps a store failure. Its message is never shown to callers.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *PersistenceError) Unwrap() error { return e.Err }
func (e *PersistenceError) Code() string  { return "INTERNAL_ERROR" }
func (e *PersistenceError) Status() int   { return http.StatusInternalServerError }

// Persistence wraps err as a PersistenceError unless it already carries a code.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var c Coded
	if errors.As(err, &c) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// As returns the Coded error in err's chain, if any.
func As(err error) (Coded, bool) {
	var c Coded
	if errors.As(err, &c) {
		return c, true
	}
	return nil, false
}
