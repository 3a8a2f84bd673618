package logging

import (
	stderrors "errors"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const Stacktrace = "stacktrace"

// Unexported but considered part of the stable interface of pkg/errors.
type stackTracer interface {
	StackTrace() errors.StackTrace
}

// WithStacktrace adds the error and, if one was recorded anywhere in its chain, the pkg/errors stack trace
// to the given entry.
func WithStacktrace(logger *logrus.Entry, err error) *logrus.Entry {
	logger = logger.WithError(err)
	if stack := ExtractStack(err); stack != nil {
		logger = logger.WithField(Stacktrace, stack)
	}
	return logger
}

// ExtractStack returns the outermost stack trace in the error chain, or nil if there is none.
// Both pkg/errors causes and standard library wrapping are followed.
func ExtractStack(err error) errors.StackTrace {
	for err != nil {
		if stackErr, ok := err.(stackTracer); ok {
			return stackErr.StackTrace()
		}
		if causeErr, ok := err.(interface{ Cause() error }); ok {
			err = causeErr.Cause()
			continue
		}
		err = stderrors.Unwrap(err)
	}
	return nil
}
