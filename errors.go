package eh

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/caimito-aosp/go-eh/internal/dcmd"
	"github.com/caimito-aosp/go-eh/internal/fifo"
)

// Error is a structured driver error with context and errno mapping.
type Error struct {
	Op    string        // operation that failed (e.g. "COMPRESS", "SUSPEND")
	Slot  int           // decompression slot (-1 if not applicable)
	Code  ErrorCode     // high-level error category
	Errno syscall.Errno // equivalent errno (0 if not applicable)
	Msg   string        // human-readable message
	Inner error         // wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("eh: %s (op=%s)", msg, e.Op)
	}
	return fmt.Sprintf("eh: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches on the error category.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	return ok && e.Code == te.Code
}

// ErrorCode represents high-level error categories.
type ErrorCode string

const (
	ErrCodeSuspended          ErrorCode = "device suspended"
	ErrCodeBusy               ErrorCode = "device busy"
	ErrCodeTimeout            ErrorCode = "timeout"
	ErrCodeIOError            ErrorCode = "I/O error"
	ErrCodeInvalidParameters  ErrorCode = "invalid parameters"
	ErrCodeInsufficientMemory ErrorCode = "insufficient memory"
	ErrCodeDeviceNotFound     ErrorCode = "device not found"
	ErrCodeHalted             ErrorCode = "fifo halted"
)

// NewError creates a new structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Slot:  -1,
		Code:  code,
		Errno: codeToErrno(code),
		Msg:   msg,
	}
}

// WrapError wraps an existing error with driver context, mapping the
// engine sentinel errors onto their categories.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if ee, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			Slot:  ee.Slot,
			Code:  ee.Code,
			Errno: ee.Errno,
			Msg:   ee.Msg,
			Inner: ee.Inner,
		}
	}

	code := ErrCodeIOError
	switch {
	case errors.Is(inner, fifo.ErrSuspended), errors.Is(inner, dcmd.ErrSuspended):
		code = ErrCodeSuspended
	case errors.Is(inner, dcmd.ErrBusy):
		code = ErrCodeBusy
	case errors.Is(inner, dcmd.ErrTimeout):
		code = ErrCodeTimeout
	case errors.Is(inner, syscall.ENOMEM):
		code = ErrCodeInsufficientMemory
	}

	return &Error{
		Op:    op,
		Slot:  -1,
		Code:  code,
		Errno: codeToErrno(code),
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// codeToErrno maps error categories onto the errnos the kernel ABI
// would surface for the same fault.
func codeToErrno(code ErrorCode) syscall.Errno {
	switch code {
	case ErrCodeSuspended, ErrCodeBusy:
		return syscall.EBUSY
	case ErrCodeTimeout:
		return syscall.ETIME
	case ErrCodeIOError, ErrCodeHalted:
		return syscall.EIO
	case ErrCodeInvalidParameters:
		return syscall.EINVAL
	case ErrCodeInsufficientMemory:
		return syscall.ENOMEM
	case ErrCodeDeviceNotFound:
		return syscall.ENODEV
	}
	return 0
}

// IsCode checks whether an error matches a specific error category.
func IsCode(err error, code ErrorCode) bool {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// IsErrno checks whether an error maps to a specific errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Errno == errno
	}
	return false
}
