package controlapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/shellcrate/shellcrate/internal/action"
	"github.com/shellcrate/shellcrate/internal/detach"
	"github.com/shellcrate/shellcrate/internal/grid"
	"github.com/shellcrate/shellcrate/internal/session"
)

// Error kinds carried in the envelope. Every kind maps back to a concrete
// error type on the client side, so errors.As works across the wire.
const (
	KindValidation      = "validation"
	KindCommandFailed   = "command_failed"
	KindSessionBusy     = "session_busy"
	KindSessionClosed   = "session_closed"
	KindInterruptFailed = "interrupt_failed"
	KindTimeout         = "timeout"
	KindConnection      = "connection"
	KindInternal        = "internal"
)

// ErrorPayload is the wire form of a failed request.
type ErrorPayload struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	Session  string `json:"session,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Output   string `json:"output,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// EncodeError folds a service error into its wire form and HTTP status.
func EncodeError(err error) (int, ErrorPayload) {
	var verr *action.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest, ErrorPayload{Kind: KindValidation, Message: verr.Reason}
	}

	var cerr *action.CommandFailedError
	if errors.As(err, &cerr) {
		return http.StatusConflict, ErrorPayload{
			Kind:     KindCommandFailed,
			Message:  cerr.Error(),
			ExitCode: action.IntPtr(cerr.ExitCode),
			Output:   cerr.Output,
		}
	}

	if errors.Is(err, session.ErrSessionBusy) {
		return http.StatusConflict, ErrorPayload{Kind: KindSessionBusy, Message: err.Error()}
	}

	var scerr *session.SessionClosedError
	if errors.As(err, &scerr) {
		return http.StatusNotFound, ErrorPayload{
			Kind: KindSessionClosed, Message: scerr.Error(), Session: scerr.Session,
		}
	}

	var ierr *session.InterruptFailedError
	if errors.As(err, &ierr) {
		return http.StatusConflict, ErrorPayload{
			Kind: KindInterruptFailed, Message: ierr.Error(),
			Session: ierr.Session, Attempts: ierr.Attempts,
		}
	}

	var terr *detach.TimeoutError
	if errors.As(err, &terr) {
		return http.StatusGatewayTimeout, ErrorPayload{Kind: KindTimeout, Message: terr.Error()}
	}

	var gerr *grid.ConnectionError
	if errors.As(err, &gerr) {
		return http.StatusBadGateway, ErrorPayload{Kind: KindConnection, Message: gerr.Error()}
	}

	return http.StatusInternalServerError, ErrorPayload{Kind: KindInternal, Message: err.Error()}
}

// Err rebuilds a typed error from the envelope.
func (p ErrorPayload) Err() error {
	switch p.Kind {
	case KindValidation:
		return &action.ValidationError{Reason: p.Message}
	case KindCommandFailed:
		code := -1
		if p.ExitCode != nil {
			code = *p.ExitCode
		}
		return &action.CommandFailedError{ExitCode: code, Output: p.Output, Msg: p.Message}
	case KindSessionBusy:
		return session.ErrSessionBusy
	case KindSessionClosed:
		return &session.SessionClosedError{Session: p.Session}
	case KindInterruptFailed:
		return &session.InterruptFailedError{Session: p.Session, Attempts: p.Attempts}
	case KindTimeout:
		// Wrap so errors.As still finds the type while the message survives.
		return fmt.Errorf("%s: %w", p.Message, &detach.TimeoutError{})
	case KindConnection:
		return &grid.ConnectionError{Err: errors.New(p.Message)}
	default:
		return fmt.Errorf("remote error: %s", p.Message)
	}
}
