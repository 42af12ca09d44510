package restx

import (
	"errors"
	"fmt"
)

var (
	// ErrUnresolvedPlaceholder is returned when a path template still contains
	// a {placeholder} after all PATH params were substituted.
	ErrUnresolvedPlaceholder = errors.New("unresolved path placeholder")

	// ErrUnknownOperation is returned when a client is asked to invoke an
	// operation its service does not declare.
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrArgumentIndex is returned when a param is bound to an argument
	// position the call did not supply.
	ErrArgumentIndex = errors.New("argument index out of range")

	// ErrStatus is the cause of a RequestError raised by StatusResponseHandler.
	ErrStatus = errors.New("unexpected http status")

	// ErrUnsupportedMediaType is returned when the registry has no codec for a media type.
	ErrUnsupportedMediaType = errors.New("unsupported media type")
)

// BuildError reports a failure while turning call arguments into a Request.
// No network call is made when a BuildError is returned.
type BuildError struct {
	Operation string
	Param     string
	Cause     error
}

func (e *BuildError) Error() string {
	if e.Param == "" {
		return fmt.Sprintf("build %s: %v", e.Operation, e.Cause)
	}

	return fmt.Sprintf("build %s: param %q: %v", e.Operation, e.Param, e.Cause)
}

func (e *BuildError) Unwrap() error {
	return e.Cause
}
