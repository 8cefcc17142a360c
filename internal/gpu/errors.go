package gpu

import (
	"errors"
	"fmt"
)

var (
	ErrContextClosed  = errors.New("gpu: context closed")
	ErrUnknownProgram = errors.New("gpu: unknown program")
)

// ErrorKind classifies device-level failures.
type ErrorKind int

const (
	DeviceLost ErrorKind = iota + 1
	OutOfMemory
	DispatchFailed
)

func (k ErrorKind) String() string {
	switch k {
	case DeviceLost:
		return "device lost"
	case OutOfMemory:
		return "out of memory"
	case DispatchFailed:
		return "dispatch failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a device-level failure. DeviceLost and OutOfMemory are
// recoverable by reinitialising the Context.
type Error struct {
	Kind       ErrorKind
	Op         string
	Generation uint64 // device generation the failure happened on, 0 if unknown
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gpu %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("gpu %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// NeedsReinit reports whether err is a device error that requires the
// context to be recreated.
func NeedsReinit(err error) bool {
	var ge *Error
	if !errors.As(err, &ge) {
		return false
	}
	return ge.Kind == DeviceLost || ge.Kind == OutOfMemory
}
