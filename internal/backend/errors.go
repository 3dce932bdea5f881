package backend

import (
	"errors"
	"fmt"
	"strings"

	"srd/internal/runtime"
)

// ErrClosed is returned by operations on a closed Manager.
var ErrClosed = errors.New("backend manager closed")

// ErrNotInitialized is returned when no backend is ready to run.
var ErrNotInitialized = errors.New("no backend initialized")

// ErrAllBackendsFailed is wrapped by the error Initialize returns when no
// kind could be built.
var ErrAllBackendsFailed = errors.New("all backends failed to initialize")

// initFailureError records why one kind could not be built.
type initFailureError struct {
	kind runtime.Kind
	err  error
}

func (e initFailureError) Error() string { return fmt.Sprintf("%s init failed: %v", e.kind, e.err) }
func (e initFailureError) Unwrap() error { return e.err }

// ErrInitFailure wraps err as the build failure of kind.
func ErrInitFailure(kind runtime.Kind, err error) error { return initFailureError{kind: kind, err: err} }

// IsInitFailure reports whether err carries a backend build failure.
func IsInitFailure(err error) bool {
	var e initFailureError
	return errors.As(err, &e)
}

// allFailedError lists every per-kind failure.
type allFailedError struct{ failures []error }

func (e allFailedError) Error() string {
	parts := make([]string, len(e.failures))
	for i, f := range e.failures {
		parts[i] = f.Error()
	}
	return ErrAllBackendsFailed.Error() + ": " + strings.Join(parts, "; ")
}

func (e allFailedError) Unwrap() []error { return append([]error{ErrAllBackendsFailed}, e.failures...) }

// inferenceFailureError is returned when a run fails after the single
// buffer-reallocation retry.
type inferenceFailureError struct {
	kind runtime.Kind
	err  error
}

func (e inferenceFailureError) Error() string {
	return fmt.Sprintf("inference failed on %s: %v", e.kind, e.err)
}
func (e inferenceFailureError) Unwrap() error { return e.err }

func ErrInferenceFailure(kind runtime.Kind, err error) error {
	return inferenceFailureError{kind: kind, err: err}
}

// IsInferenceFailure reports whether err is an inference failure.
func IsInferenceFailure(err error) bool {
	var e inferenceFailureError
	return errors.As(err, &e)
}
