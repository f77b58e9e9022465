package client

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shellcrate/shellcrate/internal/action"
	"github.com/shellcrate/shellcrate/internal/detach"
	"github.com/shellcrate/shellcrate/internal/grid"
	"github.com/shellcrate/shellcrate/internal/session"
)

func TestErrCodeClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ErrorCodeUnknown},
		{"validation", action.Validationf("bad request"), ErrorCodeValidation},
		{"command failed", &action.CommandFailedError{ExitCode: 2}, ErrorCodeCommandFailed},
		{"session busy", session.ErrSessionBusy, ErrorCodeSessionBusy},
		{"session closed", &session.SessionClosedError{Session: "x"}, ErrorCodeSessionClosed},
		{"interrupt failed", &session.InterruptFailedError{Session: "x", Attempts: 3}, ErrorCodeInterruptFailed},
		{"timeout", &detach.TimeoutError{}, ErrorCodeTimeout},
		{"connection", &grid.ConnectionError{Address: "grid:1", Err: errors.New("refused")}, ErrorCodeConnection},
		{"canceled", context.Canceled, ErrorCodeCanceled},
		{"deadline", context.DeadlineExceeded, ErrorCodeDeadlineExceeded},
		{"plain", errors.New("mystery"), ErrorCodeUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ErrCode(tc.err); got != tc.want {
				t.Fatalf("ErrCode(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestErrCodeSeesThroughWrapping(t *testing.T) {
	err := fmt.Errorf("dispatch failed: %w", session.ErrSessionBusy)
	if got := ErrCode(err); got != ErrorCodeSessionBusy {
		t.Fatalf("ErrCode = %q, want session_busy", got)
	}
}
