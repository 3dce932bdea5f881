package runtime

import "errors"

// ErrBufferSizeMismatch is returned by Session.Run when a tensor buffer does
// not have the capacity the session expects.
var ErrBufferSizeMismatch = errors.New("tensor buffer size mismatch")

// ErrOutOfMemory is returned when the runtime cannot allocate memory for an
// inference or a session.
var ErrOutOfMemory = errors.New("out of memory")

// dependencyUnavailableError signals a runtime that was not compiled in or
// whose shared library could not be loaded, so callers can report 503.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err (or anything it wraps) is a
// missing runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var d dependencyUnavailableError
	return errors.As(err, &d)
}

// unsupportedKindError is returned by factories that cannot target a kind.
type unsupportedKindError struct{ kind Kind }

func (e unsupportedKindError) Error() string { return "backend kind not supported: " + string(e.kind) }

func ErrUnsupportedKind(k Kind) error { return unsupportedKindError{kind: k} }

// IsUnsupportedKind reports whether err indicates an unsupported kind.
func IsUnsupportedKind(err error) bool {
	var u unsupportedKindError
	return errors.As(err, &u)
}
