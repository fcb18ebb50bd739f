package trainer

import (
	"fmt"
	"runtime/debug"

	"github.com/pkg/errors"
)

// FailureKind classifies why a run ended in an Error event.
type FailureKind string

const (
	ValidationFailure FailureKind = "validation" // malformed graph or config
	CompileFailure    FailureKind = "compile"    // graph cannot be built for the input shape
	DataFailure       FailureKind = "data"       // dataset unavailable or bad split
	RuntimeFailure    FailureKind = "runtime"    // anything during training
)

// Failure is the error of a failed run. Err carries a stack trace.
type Failure struct {
	Kind FailureKind
	Err  error
}

func newFailure(kind FailureKind, err error) *Failure {
	return &Failure{Kind: kind, Err: errors.WithStack(err)}
}

func (f *Failure) Error() string { return f.Err.Error() }

func (f *Failure) Unwrap() error { return f.Err }

// Event converts the failure into the terminal stream event.
func (f *Failure) Event() Error {
	return Error{
		Message:     f.Error(),
		Traceback:   fmt.Sprintf("%+v", f.Err),
		FailureKind: f.Kind,
	}
}

// panicEvent reports a recovered panic with the stack of the panicking
// goroutine.
func panicEvent(r any) Error {
	return Error{
		Message:     fmt.Sprintf("panic: %v", r),
		Traceback:   string(debug.Stack()),
		FailureKind: RuntimeFailure,
	}
}
