package git

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType classifies a failed git command from its output.
type ErrorType int

const (
	Unknown ErrorType = iota
	UnknownReference
	RemoteRefNotFound
	RemoteNotFound
	RepositoryUnavailable
	AuthRequired
	Conflict
	NotARepository
)

func (t ErrorType) String() string {
	switch t {
	case UnknownReference:
		return "unknown reference"
	case RemoteRefNotFound:
		return "remote ref not found"
	case RemoteNotFound:
		return "remote not found"
	case RepositoryUnavailable:
		return "repository unavailable"
	case AuthRequired:
		return "authentication required"
	case Conflict:
		return "conflict"
	case NotARepository:
		return "not a repository"
	default:
		return "unknown"
	}
}

// ExecError is returned when a git command exits unsuccessfully.
type ExecError struct {
	Type   ErrorType
	Args   []string
	Err    error
	Stdout string
	Stderr string
}

func newExecError(args []string, err error, stdout, stderr string) *ExecError {
	return &ExecError{
		Type:   determineErrorType(stdout, stderr),
		Args:   args,
		Err:    err,
		Stdout: stdout,
		Stderr: stderr,
	}
}

func (e *ExecError) Error() string {
	b := new(strings.Builder)
	b.WriteString("git ")
	b.WriteString(strings.Join(e.Args, " "))
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	if msg := strings.TrimSpace(e.Stderr); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	return b.String()
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// IsType reports whether err wraps an *ExecError of type t.
func IsType(err error, t ErrorType) bool {
	var execErr *ExecError
	return errors.As(err, &execErr) && execErr.Type == t
}

// determineErrorType inspects both streams: merge reports conflicts on
// stdout, everything else uses stderr.
func determineErrorType(stdout, stderr string) ErrorType {
	switch {
	case strings.Contains(stdout, "CONFLICT"),
		strings.Contains(stdout, "Automatic merge failed"),
		strings.Contains(stderr, "Automatic merge failed"):
		return Conflict
	case strings.Contains(stderr, "couldn't find remote ref"):
		return RemoteRefNotFound
	case strings.Contains(stderr, "could not read Username"),
		strings.Contains(stderr, "Authentication failed"),
		strings.Contains(stderr, "Permission denied (publickey"):
		return AuthRequired
	case strings.Contains(stderr, "does not appear to be a git repository"),
		strings.Contains(stderr, "No such remote"):
		return RemoteNotFound
	case strings.Contains(stderr, "Could not resolve host"),
		strings.Contains(stderr, "Failed to connect"),
		strings.Contains(stderr, "Connection refused"),
		strings.Contains(stderr, "Connection timed out"),
		strings.Contains(stderr, "Could not read from remote repository"):
		return RepositoryUnavailable
	case strings.Contains(stderr, "unknown revision or path not in the working tree"),
		strings.Contains(stderr, "did not match any file(s) known to git"),
		strings.Contains(stderr, "invalid reference"),
		strings.Contains(stderr, "not a valid object name"):
		return UnknownReference
	case strings.Contains(stderr, "not a git repository"):
		return NotARepository
	}
	return Unknown
}

// wrap adds the operation name to a command failure, keeping the
// *ExecError reachable through errors.As.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("git %s failed: %w", op, err)
}
