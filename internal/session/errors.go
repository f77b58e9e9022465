package session

import (
	"errors"
	"fmt"
)

// ErrSessionBusy rejects a second dispatch into a session that is already
// executing a command. The shell has one input stream; concurrent commands
// are never interleaved.
var ErrSessionBusy = errors.New("session is busy")

// SessionClosedError marks an action issued against a closed or nonexistent
// session.
type SessionClosedError struct {
	Session string
}

func (e *SessionClosedError) Error() string {
	return fmt.Sprintf("session %q is closed or does not exist", e.Session)
}

// InterruptFailedError reports that the interrupt signal did not restore the
// prompt within the configured retry budget.
type InterruptFailedError struct {
	Session  string
	Attempts int
}

func (e *InterruptFailedError) Error() string {
	return fmt.Sprintf("failed to interrupt session %q after %d attempts", e.Session, e.Attempts)
}
