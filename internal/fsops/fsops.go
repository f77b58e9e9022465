// Package fsops implements ownership and permission changes inside a
// sandbox by shelling out to chown and chmod.
package fsops

import (
	"context"
	"strings"

	"github.com/shellcrate/shellcrate/internal/action"
)

// Executor runs one-shot commands inside a sandbox.
type Executor interface {
	Execute(ctx context.Context, cmd action.Command) (action.Observation, error)
}

// Chown changes the owner of the given paths. Success iff chown exits zero.
func Chown(ctx context.Context, exec Executor, req action.ChownRequest) (action.ChownResponse, error) {
	if len(req.Paths) == 0 {
		return action.ChownResponse{}, action.Validationf("chown requires at least one path")
	}
	if strings.TrimSpace(req.Owner) == "" {
		return action.ChownResponse{}, action.Validationf("chown requires an owner")
	}

	obs, err := exec.Execute(ctx, action.Command{Command: ChownArgv(req)})
	if err != nil {
		return action.ChownResponse{}, err
	}
	return action.ChownResponse{
		Success: obs.ExitCodeOrDefault(-1) == 0,
		Message: resultMessage(obs),
	}, nil
}

// Chmod changes the mode of the given paths. Success iff chmod exits zero.
func Chmod(ctx context.Context, exec Executor, req action.ChmodRequest) (action.ChmodResponse, error) {
	if len(req.Paths) == 0 {
		return action.ChmodResponse{}, action.Validationf("chmod requires at least one path")
	}
	if strings.TrimSpace(req.Mode) == "" {
		return action.ChmodResponse{}, action.Validationf("chmod requires a mode")
	}

	obs, err := exec.Execute(ctx, action.Command{Command: ChmodArgv(req)})
	if err != nil {
		return action.ChmodResponse{}, err
	}
	return action.ChmodResponse{
		Success: obs.ExitCodeOrDefault(-1) == 0,
		Message: resultMessage(obs),
	}, nil
}

// ChownArgv builds the chown argument vector. The recursive flag applies to
// every path in the request.
func ChownArgv(req action.ChownRequest) []string {
	argv := []string{"chown"}
	if req.Recursive {
		argv = append(argv, "-R")
	}
	argv = append(argv, req.Owner)
	return append(argv, req.Paths...)
}

// ChmodArgv builds the chmod argument vector.
func ChmodArgv(req action.ChmodRequest) []string {
	argv := []string{"chmod"}
	if req.Recursive {
		argv = append(argv, "-R")
	}
	argv = append(argv, req.Mode)
	return append(argv, req.Paths...)
}

func resultMessage(obs action.Observation) string {
	if obs.FailureReason != "" {
		return obs.FailureReason
	}
	if obs.Stderr != "" {
		return strings.TrimSpace(obs.Stderr)
	}
	return strings.TrimSpace(obs.Output)
}
