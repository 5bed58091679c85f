package dberrors

import (
	"errors"
	"fmt"
)

var ErrClosed = errors.New("raftkv: closed")

// IOError reports a failure of the storage medium. Callers may retry it.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("raftkv: io error during %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// IO wraps err into an *IOError unless it is nil.
func IO(op string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Err: err}
}

// DecodeError means a committed log payload could not be decoded.
// The log is corrupt and the node must stop applying.
type DecodeError struct {
	Index uint64
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("raftkv: decode entry %d: %v", e.Index, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// InvariantViolation is the panic value raised when a caller breaks the ordering
// contract of the log or the state machine.
type InvariantViolation struct {
	Op     string
	Detail string
}

func (v InvariantViolation) Error() string {
	return fmt.Sprintf("raftkv: invariant violation in %s: %s", v.Op, v.Detail)
}

// Violate panics with an InvariantViolation.
func Violate(op, format string, args ...any) {
	panic(InvariantViolation{Op: op, Detail: fmt.Sprintf(format, args...)})
}

// AsViolation reports whether a recovered panic value is an InvariantViolation.
func AsViolation(r any) (InvariantViolation, bool) {
	v, ok := r.(InvariantViolation)
	return v, ok
}
