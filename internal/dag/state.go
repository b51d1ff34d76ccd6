package dag

// TaskState is the runtime build state of a target.
//
// This is intentionally separated from TargetGraph, which is immutable. States
// are per-run and never persisted.
type TaskState string

const (
	TaskNotStarted     TaskState = "NOT_STARTED"
	TaskRunning        TaskState = "RUNNING"
	TaskSkipped        TaskState = "SKIPPED"
	TaskSucceeded      TaskState = "SUCCEEDED"
	TaskRecovered      TaskState = "RECOVERED"
	TaskFailedSelf     TaskState = "FAILED_SELF"
	TaskFailedUpstream TaskState = "FAILED_UPSTREAM"
	TaskNotAttempted   TaskState = "NOT_ATTEMPTED"
)
