// Package schederrors contains the generic errors returned by the scheduler and its collaborators.
// Callers should look for these types with errors.As, since they are usually wrapped with a stack trace.
//
// If multiple errors occur in some function (e.g., several running tasks fail to be cancelled during one
// health sweep), that function should return an error of type multierror.Error from package
// github.com/hashicorp/go-multierror that encapsulates those individual errors.
package schederrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrAlreadyExists struct {
	Type    string // Resource type, e.g., "task"
	Value   string // Resource name, e.g., the task id
	Message string // An optional message to include in the error message
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
//
// See ErrAlreadyExists for more info.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string // Name of the field referred to, e.g., "priority"
	Value   any    // The invalid value that was provided
	Message string // An optional message to include with the error message
}

func (err *ErrInvalidArgument) Error() string {
	value := fmt.Sprintf("%v", err.Value)
	if _, ok := err.Value.(string); ok {
		value = fmt.Sprintf("%q", err.Value)
	}
	if err.Message == "" {
		return fmt.Sprintf("value %s is invalid for field %q", value, err.Name)
	}
	return fmt.Sprintf("value %s is invalid for field %q; %s", value, err.Name, err.Message)
}

// ErrUnknownTaskType is returned at submission time when no handler is registered for a task type.
// Tasks rejected with this error never reach the priority queue and are never retried.
type ErrUnknownTaskType struct {
	TaskId   string
	TaskType string
}

func (err *ErrUnknownTaskType) Error() string {
	return fmt.Sprintf("task %q has type %q for which no handler is registered", err.TaskId, err.TaskType)
}

// ErrUnknownGrant is returned by a resource manager asked to release a grant it does not hold,
// which is usually a second release of the same grant.
type ErrUnknownGrant struct {
	GrantId string
	TaskId  string
}

func (err *ErrUnknownGrant) Error() string {
	return fmt.Sprintf("grant %s for task %q is not held", err.GrantId, err.TaskId)
}

// Kind groups errors into the categories the scheduler reacts to differently.
type Kind string

const (
	KindNone          Kind = ""
	KindConfiguration Kind = "configuration"
	KindNotFound      Kind = "notFound"
	KindConflict      Kind = "conflict"
	KindResource      Kind = "resource"
	KindUnknown       Kind = "unknown"
)

// KindFromError maps error types to a Kind.
// Uses errors.As to look through the chain of errors, as opposed to just considering the topmost error in the chain.
func KindFromError(err error) Kind {
	if err == nil {
		return KindNone
	}
	var (
		unknownType     *ErrUnknownTaskType
		invalidArgument *ErrInvalidArgument
		notFound        *ErrNotFound
		alreadyExists   *ErrAlreadyExists
		unknownGrant    *ErrUnknownGrant
	)
	switch {
	case errors.As(err, &unknownType), errors.As(err, &invalidArgument):
		return KindConfiguration
	case errors.As(err, &notFound):
		return KindNotFound
	case errors.As(err, &alreadyExists):
		return KindConflict
	case errors.As(err, &unknownGrant):
		return KindResource
	default:
		return KindUnknown
	}
}

// IsNotFound returns true if err, or any error it wraps, is an ErrNotFound.
func IsNotFound(err error) bool {
	return KindFromError(err) == KindNotFound
}
