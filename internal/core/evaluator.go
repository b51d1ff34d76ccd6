package core

import (
	"context"
	"fmt"
)

// NativeFunc is a host-implemented global function.
//
// Native functions must be pure with respect to their arguments; their identity for
// staleness purposes is the Hash supplied with the Global.
type NativeFunc func(ctx context.Context, args []Value) (Value, error)

// Function is a global function defined by an expression body over its parameters.
type Function struct {
	Params []string
	Body   string
}

// Scope is the resolved global environment a command is evaluated in.
//
// A Scope is built once per run and is read-only afterwards; it may be shared by
// concurrently running evaluations.
type Scope struct {
	Functions map[string]Function
	Natives   map[string]NativeFunc
	Objects   map[string]Value
}

// NewScope returns an empty Scope.
func NewScope() *Scope {
	return &Scope{
		Functions: make(map[string]Function),
		Natives:   make(map[string]NativeFunc),
		Objects:   make(map[string]Value),
	}
}

// Callable reports whether name refers to a function in the scope.
func (s *Scope) Callable(name string) bool {
	if s == nil {
		return false
	}
	if _, ok := s.Functions[name]; ok {
		return true
	}
	_, ok := s.Natives[name]
	return ok
}

// EvalRequest describes a single command evaluation.
type EvalRequest struct {
	// Target is the name of the target being built. Used for error context only.
	Target string

	// Command is the expression source.
	Command string

	// Seed initializes the evaluation's random source.
	Seed int64

	// Deps holds the values of the targets the command reads, keyed by name.
	Deps map[string]Value

	// Scope is the global environment. May be nil.
	Scope *Scope

	// WorkDir is the directory relative file paths resolve against.
	WorkDir string
}

// Evaluator runs a target's command and returns its value.
//
// Implementations must honor context cancellation and must not retain the request
// after returning. A returned error fails the target; the caller wraps it into a
// CommandExecutionError.
type Evaluator interface {
	Evaluate(ctx context.Context, req EvalRequest) (Value, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, req EvalRequest) (Value, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, req EvalRequest) (Value, error) {
	return f(ctx, req)
}

// Truthy reports whether v counts as true in a trigger condition.
//
// false, nil, zero numbers, empty strings and empty collections are false.
func Truthy(v Value) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return fmt.Sprint(x) != ""
	}
}
