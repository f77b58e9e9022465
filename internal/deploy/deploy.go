// Package deploy provides the sandbox deployment black box: container
// lifecycle plus raw command execution and file transfer. Everything above
// it (sessions, routing, retries) treats a Deployment as opaque.
package deploy

import (
	"context"
	"errors"
	"os/exec"

	"github.com/shellcrate/shellcrate/internal/action"
)

// ErrNotStarted is returned by IsAlive before Start or after Stop.
var ErrNotStarted = errors.New("deployment is not started")

// Deployment is one isolated execution environment. A Deployment owns
// exactly one action.Identity from Start until Stop.
type Deployment interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// IsAlive returns nil when the environment can accept work, ErrNotStarted
	// when it was never started or already stopped.
	IsAlive(ctx context.Context) error
	// Execute runs a one-shot command and returns its observation. A timeout
	// yields an observation with FailureReason set, not an error; errors are
	// reserved for infrastructure failures.
	Execute(ctx context.Context, cmd action.Command) (action.Observation, error)
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
	Upload(ctx context.Context, sourcePath, targetPath string) error
	// ShellCommand builds the command that opens an interactive shell inside
	// the environment, for the session manager to drive over a PTY.
	ShellCommand(remoteUser string) *exec.Cmd
	Identity() action.Identity
}
