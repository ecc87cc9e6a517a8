package core

import (
	"errors"
	"fmt"
)

// Domain errors for the core package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, core.ErrServiceNotFound) {
//	    // handle missing service
//	}
var (
	// ErrInvalidEntityID is returned when an entity id is not domain.object_id.
	ErrInvalidEntityID = errors.New("core: invalid entity id")

	// ErrInvalidState is returned when a state string is too long or
	// attributes cannot be encoded as JSON.
	ErrInvalidState = errors.New("core: invalid state")

	// ErrInvalidEventType is returned when firing an event without a type.
	ErrInvalidEventType = errors.New("core: event type cannot be empty")

	// ErrServiceNotFound is returned when calling an unregistered service.
	ErrServiceNotFound = errors.New("core: service not found")

	// ErrValidation is returned when service data fails its schema.
	ErrValidation = errors.New("core: invalid service data")

	// ErrUnauthorized is returned when a permission check fails.
	ErrUnauthorized = errors.New("core: unauthorized")

	// ErrUnknownUser is returned when a context references a user that
	// does not exist or is inactive.
	ErrUnknownUser = errors.New("core: unknown user")

	// ErrHandlerPanic wraps a panic recovered from a service handler.
	ErrHandlerPanic = errors.New("core: service handler panicked")

	// ErrBusClosed is returned when firing on a bus that has been shut down.
	ErrBusClosed = errors.New("core: event bus closed")

	// ErrComponentSetup is returned when a component setup function fails.
	ErrComponentSetup = errors.New("core: component setup failed")
)

// ServiceNotFoundError identifies the missing service.
type ServiceNotFoundError struct {
	Domain  string
	Service string
}

func (e *ServiceNotFoundError) Error() string {
	return fmt.Sprintf("service %s.%s not found", e.Domain, e.Service)
}

// Unwrap allows errors.Is(err, ErrServiceNotFound).
func (e *ServiceNotFoundError) Unwrap() error { return ErrServiceNotFound }

// ValidationError describes why service data was rejected.
type ValidationError struct {
	// Field is the offending key path (dot separated), empty when the
	// problem is not tied to one key.
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s for dictionary value @ data['%s']", e.Message, e.Field)
}

// Unwrap allows errors.Is(err, ErrValidation).
func (e *ValidationError) Unwrap() error { return ErrValidation }

// UnauthorizedError records which check failed.
type UnauthorizedError struct {
	Context    *Context
	UserID     string
	EntityID   string
	Permission string
}

func (e *UnauthorizedError) Error() string {
	msg := "unauthorized"
	if e.UserID != "" {
		msg += " user=" + e.UserID
	}
	if e.EntityID != "" {
		msg += " entity_id=" + e.EntityID
	}
	if e.Permission != "" {
		msg += " permission=" + e.Permission
	}
	return msg
}

// Unwrap allows errors.Is(err, ErrUnauthorized).
func (e *UnauthorizedError) Unwrap() error { return ErrUnauthorized }

// UnknownUserError is returned when the user in a context cannot be resolved.
type UnknownUserError struct {
	Context *Context
	UserID  string
}

func (e *UnknownUserError) Error() string {
	return "unknown user " + e.UserID
}

// Unwrap allows errors.Is(err, ErrUnknownUser) and errors.Is(err, ErrUnauthorized).
func (e *UnknownUserError) Unwrap() []error { return []error{ErrUnknownUser, ErrUnauthorized} }
