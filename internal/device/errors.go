package device

import (
	"errors"
	"fmt"

	"github.com/msageha/scull/internal/uds"
)

var (
	// ErrUnsupportedOperation: the op is not in the fixed set. No state was touched.
	ErrUnsupportedOperation = errors.New("unsupported operation")
	// ErrInvalidArgument: an op that needs an argument was sent without one.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrAccessDenied: the caller's claimed identity does not match its connection.
	ErrAccessDenied = errors.New("access denied")
	// ErrQueryOutOfRange: Query cannot report a negative quantum.
	ErrQueryOutOfRange = errors.New("quantum out of range for query")
)

// ErrorCode maps a dispatch error to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedOperation):
		return uds.ErrCodeUnsupportedOperation
	case errors.Is(err, ErrInvalidArgument):
		return uds.ErrCodeInvalidArgument
	case errors.Is(err, ErrAccessDenied):
		return uds.ErrCodeAccessDenied
	case errors.Is(err, ErrQueryOutOfRange):
		return uds.ErrCodeOutOfRange
	default:
		return uds.ErrCodeInternal
	}
}

// errorFromDetail rebuilds a dispatch error from a wire error so callers on
// the client side can use errors.Is against the sentinels.
func errorFromDetail(d *uds.ErrorDetail) error {
	if d == nil {
		return errors.New("request failed without error detail")
	}
	var sentinel error
	switch d.Code {
	case uds.ErrCodeUnsupportedOperation:
		sentinel = ErrUnsupportedOperation
	case uds.ErrCodeInvalidArgument:
		sentinel = ErrInvalidArgument
	case uds.ErrCodeAccessDenied:
		sentinel = ErrAccessDenied
	case uds.ErrCodeOutOfRange:
		sentinel = ErrQueryOutOfRange
	default:
		return fmt.Errorf("%s: %s", d.Code, d.Message)
	}
	return &remoteError{sentinel: sentinel, message: d.Message}
}

type remoteError struct {
	sentinel error
	message  string
}

func (e *remoteError) Error() string { return e.message }
func (e *remoteError) Unwrap() error { return e.sentinel }
