package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"pipeweaver/internal/config"
	"pipeweaver/internal/dag"
	"pipeweaver/internal/engine"
	"pipeweaver/internal/recovery/state"
	"pipeweaver/internal/store"
)

const (
	ExitSuccess           = 0
	ExitGraphFailure      = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

func configErrorf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitConfigError, Message: fmt.Sprintf(format, args...)}
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	workDir    string
	configPath string
	planPath   string
	storeDir   string
	jobs       int
	logLevel   string
	logFormat  string
	noColor    bool
}

// resolveUnderWorkDir makes p absolute. Relative paths resolve under workDir,
// which must be absolute.
func resolveUnderWorkDir(workDir, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", invalidInvocationf("path must not be empty")
	}
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean, nil
	}
	return filepath.Clean(filepath.Join(workDir, clean)), nil
}

// ExitCode maps an error returned by a command to a semantic exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}

	var runErr *engine.RunError
	if errors.As(err, &runErr) || errors.Is(err, dag.ErrCancelled) {
		return ExitGraphFailure
	}

	var gf *state.GraphFailureError
	var vf *config.ValidationError
	var wf *state.WorkspaceFailureError
	if errors.As(err, &gf) || errors.As(err, &vf) || errors.As(err, &wf) {
		return ExitConfigError
	}

	if errors.Is(err, store.ErrNotFound) {
		return ExitInvalidInvocation
	}
	return ExitInternalError
}
