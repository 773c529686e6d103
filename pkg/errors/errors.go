package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport indicates an SSH or HTTP connectivity failure.
	ErrTransport = errors.New("transport failure")

	// ErrAuth indicates rejected FeatureCloud credentials.
	ErrAuth = errors.New("authentication failed")

	// ErrRemote indicates a non-2xx response or a failed remote command.
	ErrRemote = errors.New("remote operation failed")

	// ErrPermission indicates an action reserved for the project coordinator.
	ErrPermission = errors.New("operation requires the coordinator role")

	ErrUnknownTool            = errors.New("unknown tool")
	ErrProjectCreation        = errors.New("project creation failed")
	ErrPrepareFailed          = errors.New("project did not enter prepare status")
	ErrResetFailed            = errors.New("project did not return to ready status")
	ErrTimeout                = errors.New("timed out waiting for project")
	ErrConfig                 = errors.New("invalid configuration")
	ErrInvalidPhaseTransition = errors.New("invalid phase transition")
)

// RemoteError describes a non-2xx HTTP response.
type RemoteError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func (e *RemoteError) Unwrap() error {
	return ErrRemote
}

// ExitError describes a remote command that exited with a non-zero status.
type ExitError struct {
	Host    string
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q on %s exited with status %d: %s", e.Command, e.Host, e.Code, e.Stderr)
}

func (e *ExitError) Unwrap() error {
	return ErrRemote
}

// ExitCodeTimeout is the process exit status used when a monitored project
// stays running past its timeout.
const ExitCodeTimeout = 124

// ExitCode maps an error to the process exit status reported by command line tools.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrTimeout):
		return ExitCodeTimeout
	default:
		return 1
	}
}
