package action

import "fmt"

// ValidationError marks a malformed or incomplete request: missing identity
// context, empty path list, duplicate session name, conflicting platform
// spec. It is raised before any side effect happens.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// CommandFailedError is returned when an action with Check set completed
// with a nonzero exit code.
type CommandFailedError struct {
	ExitCode int
	Output   string
	// Msg carries the caller-supplied error_msg override when present.
	Msg string
}

func (e *CommandFailedError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s (exit code %d)", e.Msg, e.ExitCode)
	}
	return fmt.Sprintf("command failed with exit code %d", e.ExitCode)
}
