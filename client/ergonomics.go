package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shellcrate/shellcrate/internal/action"
	"github.com/shellcrate/shellcrate/internal/detach"
	"github.com/shellcrate/shellcrate/internal/grid"
	"github.com/shellcrate/shellcrate/internal/session"
)

// ErrorCode is a stable classifier for shellcrate API errors.
type ErrorCode string

const (
	ErrorCodeUnknown          ErrorCode = "unknown"
	ErrorCodeCanceled         ErrorCode = "canceled"
	ErrorCodeDeadlineExceeded ErrorCode = "deadline_exceeded"
	ErrorCodeValidation       ErrorCode = "validation"
	ErrorCodeCommandFailed    ErrorCode = "command_failed"
	ErrorCodeSessionBusy      ErrorCode = "session_busy"
	ErrorCodeSessionClosed    ErrorCode = "session_closed"
	ErrorCodeInterruptFailed  ErrorCode = "interrupt_failed"
	ErrorCodeTimeout          ErrorCode = "timeout"
	ErrorCodeConnection       ErrorCode = "connection"
)

// ErrCode classifies API errors into a stable code.
//
// Typed errors survive the wire through the error envelope, so errors.As
// works on anything a Client or Sandbox method returns.
func ErrCode(err error) ErrorCode {
	if err == nil {
		return ErrorCodeUnknown
	}

	var verr *action.ValidationError
	if errors.As(err, &verr) {
		return ErrorCodeValidation
	}
	var cerr *action.CommandFailedError
	if errors.As(err, &cerr) {
		return ErrorCodeCommandFailed
	}
	if errors.Is(err, session.ErrSessionBusy) {
		return ErrorCodeSessionBusy
	}
	var scerr *session.SessionClosedError
	if errors.As(err, &scerr) {
		return ErrorCodeSessionClosed
	}
	var ierr *session.InterruptFailedError
	if errors.As(err, &ierr) {
		return ErrorCodeInterruptFailed
	}
	var terr *detach.TimeoutError
	if errors.As(err, &terr) {
		return ErrorCodeTimeout
	}
	var gerr *grid.ConnectionError
	if errors.As(err, &gerr) {
		return ErrorCodeConnection
	}
	if errors.Is(err, context.Canceled) {
		return ErrorCodeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCodeDeadlineExceeded
	}
	return ErrorCodeUnknown
}

// Run executes a shell string as a one-shot command and fails on nonzero
// exit. It is the short path for "just run this and give me the output".
func (s *Sandbox) Run(ctx context.Context, command string) (string, error) {
	obs, err := s.Execute(ctx, Command{Command: []string{command}, Shell: true, Check: true})
	if err != nil {
		return "", err
	}
	return obs.Output, nil
}

// EnsureSession opens the named session if it does not already exist. The
// duplicate-name rejection from the server is treated as success so callers
// can converge on a session without tracking whether they created it.
func (s *Sandbox) EnsureSession(ctx context.Context, req CreateSessionRequest) error {
	_, err := s.CreateSession(ctx, req)
	if err == nil {
		return nil
	}
	if ErrCode(err) == ErrorCodeValidation && strings.Contains(err.Error(), "already exists") {
		return nil
	}
	return err
}

// WaitHealthy polls GetSandbox until the sandbox reports running, the
// context ends, or the budget is spent.
func (s *Sandbox) WaitHealthy(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		info, err := s.client.GetSandbox(ctx, s.id)
		if err == nil && info.Status == "running" {
			return nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return fmt.Errorf("sandbox %s not healthy after %s: %w", s.id, timeout, err)
			}
			return fmt.Errorf("sandbox %s not healthy after %s (status %q)", s.id, timeout, info.Status)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}
