package dag

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidGraph = errors.New("invalid target graph")
	ErrCycleFound   = errors.New("cycle detected")
)

// GraphError wraps deterministic graph validation failures.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidGraph, Msg: fmt.Sprintf(format, args...)}
}

// CyclicDependencyError reports a dependency cycle. It is fatal before any target runs.
//
// Cycle starts and ends with the same target, e.g. [a b c a].
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	if len(e.Cycle) == 0 {
		return ErrCycleFound.Error()
	}
	return fmt.Sprintf("%s: %s", ErrCycleFound.Error(), strings.Join(e.Cycle, " -> "))
}

func (e *CyclicDependencyError) Unwrap() error { return ErrCycleFound }

// UpstreamFailureError explains why a target was not built: a target it depends
// on failed.
type UpstreamFailureError struct {
	Target string

	// Failed lists the failed ancestors, sorted.
	Failed []string
}

func (e *UpstreamFailureError) Error() string {
	return fmt.Sprintf("target %q not built: upstream %s failed", e.Target, strings.Join(e.Failed, ", "))
}
