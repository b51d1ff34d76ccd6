package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// ErrStopped is the cause of errors raised by the stop builtin.
var ErrStopped = errors.New("stopped by command")

// EvalError is an expression evaluation failure.
//
// Trace lists the expressions being evaluated when the error occurred, outermost
// first.
type EvalError struct {
	Msg   string
	Trace []string
	Err   error
}

func (e *EvalError) Error() string {
	return e.Msg
}

func (e *EvalError) Unwrap() error {
	return e.Err
}

// newEvalError returns an EvalError whose cause carries the current stack.
func newEvalError(format string, args ...any) *EvalError {
	cause := pkgerrors.Errorf(format, args...)
	return &EvalError{Msg: cause.Error(), Err: cause}
}

// withFrame prepends frame to the trace of err, converting err to an EvalError
// when needed.
func withFrame(err error, frame string) error {
	var ee *EvalError
	if errors.As(err, &ee) {
		ee.Trace = append([]string{frame}, ee.Trace...)
		return ee
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &EvalError{Msg: err.Error(), Trace: []string{frame}, Err: pkgerrors.WithStack(err)}
}

// CommandExecutionError is a target command failure.
//
// It carries everything needed to diagnose the failure after the run: the error
// message, the expression trace, the Go stack at the point of failure and the
// fingerprint the target had when it failed.
type CommandExecutionError struct {
	Target      string
	Message     string
	Trace       []string
	Stack       string
	Fingerprint Fingerprint
	Cause       error
}

func (e *CommandExecutionError) Error() string {
	return fmt.Sprintf("target %q failed: %s", e.Target, e.Message)
}

func (e *CommandExecutionError) Unwrap() error {
	return e.Cause
}

// Detail renders the message, trace and stack for diagnosis.
func (e *CommandExecutionError) Detail() string {
	var b strings.Builder
	fmt.Fprintf(&b, "target:      %s\n", e.Target)
	fmt.Fprintf(&b, "fingerprint: %s\n", e.Fingerprint)
	fmt.Fprintf(&b, "error:       %s\n", e.Message)
	if len(e.Trace) > 0 {
		b.WriteString("trace:\n")
		for i, frame := range e.Trace {
			fmt.Fprintf(&b, "  %s%s\n", strings.Repeat("  ", i), frame)
		}
	}
	if e.Stack != "" {
		b.WriteString("stack:")
		b.WriteString(e.Stack)
		b.WriteString("\n")
	}
	return b.String()
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// NewCommandExecutionError wraps err as the failure of target.
//
// If err or one of its causes carries a pkg/errors stack trace, that stack is kept;
// otherwise the stack of the caller is captured.
func NewCommandExecutionError(target string, fp Fingerprint, err error) *CommandExecutionError {
	ce := &CommandExecutionError{
		Target:      target,
		Message:     err.Error(),
		Fingerprint: fp,
		Cause:       err,
	}

	var ee *EvalError
	if errors.As(err, &ee) {
		ce.Trace = append([]string(nil), ee.Trace...)
	}

	var st stackTracer
	if !errors.As(err, &st) {
		st = pkgerrors.WithStack(err).(stackTracer)
	}
	ce.Stack = fmt.Sprintf("%+v", st.StackTrace())
	return ce
}
