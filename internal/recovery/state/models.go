package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type ExecutionMode string

const (
	ExecutionModeBuild   ExecutionMode = "build"
	ExecutionModeRecover ExecutionMode = "recover"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Counts is the partition of target outcomes of a finished run.
type Counts struct {
	Built          int `json:"built"`
	Skipped        int `json:"skipped"`
	Recovered      int `json:"recovered"`
	Failed         int `json:"failed"`
	UpstreamFailed int `json:"upstream_failed"`
	NotAttempted   int `json:"not_attempted"`
}

// Total returns the number of targets counted.
func (c Counts) Total() int {
	return c.Built + c.Skipped + c.Recovered + c.Failed + c.UpstreamFailed + c.NotAttempted
}

// Run is the persistent metadata of one make invocation.
//
// graph_hash is empty when the run failed before the graph was built.
type Run struct {
	RunID     string        `json:"run_id"`
	GraphHash string        `json:"graph_hash"`
	StartTime time.Time     `json:"start_time"`
	EndTime   *time.Time    `json:"end_time"`
	Mode      ExecutionMode `json:"mode"`
	Jobs      int           `json:"jobs"`
	Status    RunStatus     `json:"status"`
	Counts    Counts        `json:"counts"`

	// Failed lists the targets that failed themselves, sorted.
	Failed []string `json:"failed"`

	// TraceHash is the hash of the canonical build trace.
	TraceHash string `json:"trace_hash,omitempty"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	if r.EndTime != nil && r.EndTime.Before(r.StartTime) {
		errs = append(errs, errors.New("end_time must not precede start_time"))
	}
	switch r.Mode {
	case ExecutionModeBuild, ExecutionModeRecover:
		// ok
	default:
		errs = append(errs, fmt.Errorf("invalid mode %q", r.Mode))
	}
	if r.Jobs < 1 {
		errs = append(errs, errors.New("jobs must be >= 1"))
	}
	switch r.Status {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		// ok
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	if r.Status != RunStatusRunning && r.EndTime == nil {
		errs = append(errs, fmt.Errorf("end_time is required for status %q", r.Status))
	}
	for i, name := range r.Failed {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, fmt.Errorf("failed[%d] must not be empty", i))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

type FailureClass string

const (
	FailureClassGraph     FailureClass = "graph"
	FailureClassWorkspace FailureClass = "workspace"
	FailureClassExecution FailureClass = "execution"
	FailureClassSystem    FailureClass = "system"
)

// Failure is the recorded termination reason of a run that did not succeed.
//
// Target is set when a single target is responsible. Retryable reports whether
// running again without changing the plan can succeed.
type Failure struct {
	FailureClass FailureClass `json:"failure_class"`
	Target       *string      `json:"target,omitempty"`
	Targets      []string     `json:"targets,omitempty"`
	ErrorCode    string       `json:"error_code"`
	ErrorMessage string       `json:"error_message"`
	Retryable    bool         `json:"retryable"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureClassGraph, FailureClassWorkspace, FailureClassExecution, FailureClassSystem:
		// ok
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if f.Target != nil && strings.TrimSpace(*f.Target) == "" {
		errs = append(errs, errors.New("target must not be empty when provided"))
	}
	if strings.TrimSpace(f.ErrorCode) == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
