// Package runtime executes internal actions against one live sandbox
// deployment. It is the second tier of the two-tier protocol: every action
// arriving here already carries its resolved container identity.
package runtime

import (
	"context"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/shellcrate/shellcrate/internal/action"
	"github.com/shellcrate/shellcrate/internal/deploy"
	"github.com/shellcrate/shellcrate/internal/detach"
	"github.com/shellcrate/shellcrate/internal/fsops"
	"github.com/shellcrate/shellcrate/internal/session"
)

// Runtime drives one sandbox: one-shot commands, bash sessions, detached
// jobs, and file operations.
type Runtime struct {
	dep      deploy.Deployment
	sessions *session.Manager
	jobs     *detach.Orchestrator
	logger   *log.Logger
}

func New(dep deploy.Deployment, logger *log.Logger) *Runtime {
	sessions := session.NewManager(dep.ShellCommand, logger)
	return &Runtime{
		dep:      dep,
		sessions: sessions,
		jobs:     detach.New(sessions, logger),
		logger:   logger,
	}
}

func (r *Runtime) Deployment() deploy.Deployment { return r.dep }
func (r *Runtime) Sessions() *session.Manager    { return r.sessions }

// Execute runs a one-shot command. A nonzero exit is an ordinary
// Observation unless the action asked for check semantics.
func (r *Runtime) Execute(ctx context.Context, act action.InternalCommand) (action.Observation, error) {
	if len(act.Command.Command) == 0 {
		return action.Observation{}, action.Validationf("command requires at least one argument")
	}
	obs, err := r.dep.Execute(ctx, act.Command)
	if err != nil {
		return action.Observation{}, err
	}
	if act.Check && obs.ExitCodeOrDefault(0) != 0 {
		return obs, &action.CommandFailedError{
			ExitCode: obs.ExitCodeOrDefault(-1),
			Output:   obs.Output,
			Msg:      act.ErrorMsg,
		}
	}
	return obs, nil
}

func (r *Runtime) RunBash(ctx context.Context, act action.InternalBashAction) (action.Observation, error) {
	return r.sessions.Run(ctx, act.BashAction)
}

func (r *Runtime) CreateSession(ctx context.Context, act action.InternalCreateSessionRequest) (action.CreateSessionResponse, error) {
	return r.sessions.Create(ctx, act.CreateSessionRequest)
}

func (r *Runtime) CloseSession(ctx context.Context, act action.InternalCloseSessionRequest) (action.CloseSessionResponse, error) {
	return r.sessions.Close(ctx, act.CloseSessionRequest)
}

func (r *Runtime) Interrupt(ctx context.Context, act action.InternalInterruptAction) (action.Observation, error) {
	return r.sessions.Interrupt(ctx, act.InterruptAction)
}

// RunDetached launches a long job through the named session's shell and
// waits for its completion signal by polling. The correlation token lives on
// the session so a later call can resume the watch.
func (r *Runtime) RunDetached(ctx context.Context, job detach.Job) (action.Observation, error) {
	if job.Session == "" {
		job.Session = session.DefaultSessionName
	}
	s, err := r.sessions.Get(job.Session)
	if err != nil {
		return action.Observation{}, err
	}
	return r.jobs.Run(ctx, job, s)
}

func (r *Runtime) ReadFile(ctx context.Context, act action.InternalReadFileRequest) (action.ReadFileResponse, error) {
	if strings.TrimSpace(act.Path) == "" {
		return action.ReadFileResponse{}, action.Validationf("read_file requires a path")
	}
	content, err := r.dep.ReadFile(ctx, act.Path)
	if err != nil {
		return action.ReadFileResponse{}, err
	}
	return action.ReadFileResponse{Content: content}, nil
}

// ReadFileByLineRange returns the 1-indexed inclusive [start, end] line span
// of the same content a full read would return. The end line is clamped to
// the file length.
func (r *Runtime) ReadFileByLineRange(ctx context.Context, act action.InternalReadFileByLineRangeRequest) (action.ReadFileResponse, error) {
	if strings.TrimSpace(act.Path) == "" {
		return action.ReadFileResponse{}, action.Validationf("read_file_by_line_range requires a path")
	}
	if act.StartLine < 1 || act.EndLine < act.StartLine {
		return action.ReadFileResponse{}, action.Validationf(
			"invalid line range [%d, %d]: lines are 1-indexed and the range is inclusive", act.StartLine, act.EndLine)
	}

	content, err := r.dep.ReadFile(ctx, act.Path)
	if err != nil {
		return action.ReadFileResponse{}, err
	}
	return action.ReadFileResponse{Content: sliceLines(content, act.StartLine, act.EndLine)}, nil
}

func (r *Runtime) WriteFile(ctx context.Context, act action.InternalWriteFileRequest) (action.WriteFileResponse, error) {
	if strings.TrimSpace(act.Path) == "" {
		return action.WriteFileResponse{}, action.Validationf("write_file requires a path")
	}
	if err := r.dep.WriteFile(ctx, act.Path, act.Content); err != nil {
		return action.WriteFileResponse{Message: err.Error()}, nil
	}
	return action.WriteFileResponse{Success: true}, nil
}

func (r *Runtime) Upload(ctx context.Context, act action.InternalUploadRequest) (action.UploadResponse, error) {
	if strings.TrimSpace(act.SourcePath) == "" || strings.TrimSpace(act.TargetPath) == "" {
		return action.UploadResponse{}, action.Validationf("upload requires source and target paths")
	}
	if err := r.dep.Upload(ctx, act.SourcePath, act.TargetPath); err != nil {
		return action.UploadResponse{Message: err.Error()}, nil
	}
	return action.UploadResponse{Success: true}, nil
}

func (r *Runtime) Chown(ctx context.Context, act action.InternalChownRequest) (action.ChownResponse, error) {
	return fsops.Chown(ctx, r.dep, act.ChownRequest)
}

func (r *Runtime) Chmod(ctx context.Context, act action.InternalChmodRequest) (action.ChmodResponse, error) {
	return fsops.Chmod(ctx, r.dep, act.ChmodRequest)
}

// Close tears down every session. The deployment itself is stopped by the
// owning service, not here.
func (r *Runtime) Close(ctx context.Context) {
	r.sessions.CloseAll(ctx)
}

func sliceLines(content string, start, end int) string {
	lines := strings.Split(content, "\n")
	if start > len(lines) {
		return ""
	}
	if end > len(lines) {
		end = len(lines)
	}
	return strings.Join(lines[start-1:end], "\n")
}
