package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/shellcrate/shellcrate/internal/action"
	"golang.org/x/sys/unix"
)

// State is the lifecycle of one session:
// Created -> Ready -> Busy -> Ready -> ... -> Closed.
type State string

const (
	StateCreated State = "created"
	StateReady   State = "ready"
	StateBusy    State = "busy"
	StateClosed  State = "closed"
)

const (
	// DefaultStartupTimeout bounds the wait for the first prompt sentinel.
	DefaultStartupTimeout = 1 * time.Second
	// DefaultActionTimeout bounds a bash action without an explicit timeout.
	DefaultActionTimeout = 30 * time.Second
	// DefaultInterruptTimeout is the per-attempt wait for the prompt to
	// return after an interrupt signal.
	DefaultInterruptTimeout = 200 * time.Millisecond
	// DefaultInterruptRetries is how many times the signal is re-sent.
	DefaultInterruptRetries = 3

	exitProbeTimeout = 5 * time.Second
)

// Session is one persistent interactive shell bound to a sandbox. All
// command dispatch is one-at-a-time: the shell has a single input and output
// stream.
type Session struct {
	name       string
	remoteUser string
	maxRead    int
	logger     *log.Logger

	cmd *exec.Cmd
	tty *os.File
	out *outputBuffer

	mu          sync.Mutex
	state       State
	sentinel    string
	readOffset  int
	detachToken string
}

// start launches the shell on a PTY and waits for the initial prompt
// sentinel. On success the session is Ready.
func start(ctx context.Context, req action.CreateSessionRequest, shell *exec.Cmd, logger *log.Logger) (*Session, string, error) {
	tty, err := pty.StartWithSize(shell, &pty.Winsize{Rows: 24, Cols: 200})
	if err != nil {
		return nil, "", fmt.Errorf("start session shell: %w", err)
	}

	s := &Session{
		name:       req.Session,
		remoteUser: req.RemoteUser,
		maxRead:    req.MaxReadSize,
		logger:     logger,
		cmd:        shell,
		tty:        tty,
		out:        newOutputBuffer(),
		state:      StateCreated,
		sentinel:   newSentinel(),
	}
	go s.readLoop()

	startupTimeout := DefaultStartupTimeout
	if req.StartupTimeoutSeconds > 0 {
		startupTimeout = time.Duration(req.StartupTimeoutSeconds * float64(time.Second))
	}

	if err := s.writeLine(s.initLine(req)); err != nil {
		s.teardown()
		return nil, "", fmt.Errorf("initialize session shell: %w", err)
	}
	matched, text, err := s.scanFor(ctx, []string{s.sentinel}, startupTimeout)
	if err != nil || matched == "" {
		s.teardown()
		if errors.Is(err, io.EOF) {
			return nil, "", fmt.Errorf("session shell exited during startup")
		}
		return nil, "", fmt.Errorf("session shell did not report its prompt within %s", startupTimeout)
	}

	s.mu.Lock()
	s.state = StateReady
	s.mu.Unlock()
	return s, s.clean(text), nil
}

// initLine builds the one-shot setup written into the fresh shell: optional
// login environment, caller env vars, echo off, and the prompt sentinel.
func (s *Session) initLine(req action.CreateSessionRequest) string {
	parts := []string{}
	if req.EnvEnable {
		parts = append(parts,
			"source /etc/profile >/dev/null 2>&1 || true",
			"source ~/.bashrc >/dev/null 2>&1 || true",
		)
	}
	for key, value := range req.Env {
		parts = append(parts, fmt.Sprintf("export %s=%s", key, shellSingleQuote(value)))
	}
	parts = append(parts,
		"stty -echo",
		"export PS2=''",
		"export PROMPT_COMMAND=''",
		"export PS1="+splitQuoted(s.sentinel),
	)
	return strings.Join(parts, " ; ")
}

func (s *Session) Name() string { return s.name }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DetachToken returns the correlation token of the most recent detached job
// launched through this session, if any.
func (s *Session) DetachToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detachToken
}

// SetDetachToken records the correlation token so a poll-only call can
// resume watching an already-launched job.
func (s *Session) SetDetachToken(token string) {
	s.mu.Lock()
	s.detachToken = token
	s.mu.Unlock()
}

// Run dispatches one command and waits for a completion signal: the prompt
// sentinel, one of the caller's expect patterns, or the timeout. The session
// is Busy for the whole span; a timeout leaves it Busy and the command
// running (an explicit Interrupt or Close reclaims it). An interactive
// action is the exception to the Busy rejection: it feeds input to, or
// quits, the program that is holding the session.
func (s *Session) Run(ctx context.Context, act action.BashAction) (action.Observation, error) {
	interactive := act.IsInteractiveCommand || act.IsInteractiveQuit

	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return action.Observation{}, &SessionClosedError{Session: s.name}
	case StateBusy:
		if !interactive {
			s.mu.Unlock()
			return action.Observation{}, ErrSessionBusy
		}
	}
	s.state = StateBusy

	sentinel := s.sentinel
	if !interactive {
		// Fresh sentinel per command: the previous prompt value may already
		// sit in unread output.
		sentinel = newSentinel()
		s.sentinel = sentinel
	}
	s.mu.Unlock()

	line := act.Command
	if !interactive {
		line = "PS1=" + splitQuoted(sentinel) + " ; " + act.Command
	}
	if err := s.writeLine(line); err != nil {
		return s.shellDied(err.Error())
	}

	timeout := DefaultActionTimeout
	if act.TimeoutSeconds > 0 {
		timeout = time.Duration(act.TimeoutSeconds * float64(time.Second))
	}
	patterns := append([]string{sentinel}, act.Expect...)
	matched, text, err := s.scanFor(ctx, patterns, timeout)

	switch {
	case errors.Is(err, io.EOF):
		return s.shellDied("session shell terminated while the command was running")
	case err != nil:
		// Timeout: the command is still running. Stay Busy.
		return action.Observation{
			Output:        s.clean(text),
			FailureReason: fmt.Sprintf("no completion signal within %s", timeout),
		}, nil
	}

	obs := action.Observation{Output: s.clean(text)}
	if matched == sentinel && !act.IsInteractiveQuit {
		// The shell is back at its prompt; query the exit status of the
		// command that just finished.
		if code, ok := s.probeExitCode(ctx); ok {
			obs.ExitCode = action.IntPtr(code)
		}
	}

	s.mu.Lock()
	s.state = StateReady
	s.mu.Unlock()

	if act.Check && obs.ExitCode != nil && *obs.ExitCode != 0 {
		return obs, &action.CommandFailedError{ExitCode: *obs.ExitCode, Output: obs.Output, Msg: act.ErrorMsg}
	}
	return obs, nil
}

// Interrupt is only valid while Busy. It signals the foreground process
// group and waits for the prompt sentinel, re-sending the signal up to the
// retry budget.
func (s *Session) Interrupt(ctx context.Context, act action.InterruptAction) (action.Observation, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return action.Observation{}, &SessionClosedError{Session: s.name}
	}
	if s.state != StateBusy {
		s.mu.Unlock()
		return action.Observation{}, action.Validationf("session %q is not busy", s.name)
	}
	sentinel := s.sentinel
	s.mu.Unlock()

	retries := act.NRetry
	if retries <= 0 {
		retries = DefaultInterruptRetries
	}
	timeout := DefaultInterruptTimeout
	if act.TimeoutSeconds > 0 {
		timeout = time.Duration(act.TimeoutSeconds * float64(time.Second))
	}
	patterns := append([]string{sentinel}, act.Expect...)

	for attempt := 1; attempt <= retries; attempt++ {
		s.signalInterrupt()
		_, text, err := s.scanFor(ctx, patterns, timeout)
		if errors.Is(err, io.EOF) {
			return s.shellDied("session shell terminated during interrupt")
		}
		if err == nil {
			s.mu.Lock()
			s.state = StateReady
			s.mu.Unlock()
			if s.logger != nil {
				s.logger.Info("session interrupted", "session", s.name, "attempts", attempt)
			}
			return action.Observation{Output: s.clean(text)}, nil
		}
	}
	return action.Observation{}, &InterruptFailedError{Session: s.name, Attempts: retries}
}

// Close terminates the shell. Closing an already-closed session is a no-op
// success. A Busy session gets a best-effort interrupt first.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	busy := s.state == StateBusy
	s.mu.Unlock()

	if busy {
		_, _ = s.Interrupt(ctx, action.InterruptAction{Session: s.name})
	}
	s.teardown()
	return nil
}

// shellDied folds an unexpected shell exit into a failed observation and
// moves the session to Closed: it cannot be reused.
func (s *Session) shellDied(reason string) (action.Observation, error) {
	s.teardown()
	if s.logger != nil {
		s.logger.Warn("session shell died", "session", s.name, "reason", reason)
	}
	return action.Observation{FailureReason: reason}, nil
}

func (s *Session) teardown() {
	s.mu.Lock()
	alreadyClosed := s.state == StateClosed
	s.state = StateClosed
	s.mu.Unlock()
	if alreadyClosed {
		return
	}

	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	if s.tty != nil {
		_ = s.tty.Close()
	}
	s.out.closeBuffer()
	if s.cmd != nil {
		go func() { _ = s.cmd.Wait() }()
	}
}

func (s *Session) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.tty.Read(buf)
		if n > 0 {
			s.out.append(buf[:n])
		}
		if err != nil {
			s.out.closeBuffer()
			return
		}
	}
}

func (s *Session) writeLine(line string) error {
	_, err := s.tty.Write([]byte(line + "\n"))
	return err
}

// scanFor waits until one of patterns appears in the output stream after the
// session's read offset. It consumes everything it returns: on a match the
// offset advances past the matched pattern, on timeout or EOF it advances to
// the end of the captured text. Returns context.DeadlineExceeded on timeout
// and io.EOF when the stream finished without a match.
func (s *Session) scanFor(ctx context.Context, patterns []string, timeout time.Duration) (string, string, error) {
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.mu.Lock()
	offset := s.readOffset
	s.mu.Unlock()

	for {
		chunk, total, closed := s.out.snapshot(offset)
		text := string(chunk)

		matched, idx := earliestMatch(text, patterns)
		if matched != "" {
			s.mu.Lock()
			s.readOffset = offset + idx + len(matched)
			s.mu.Unlock()
			return matched, text[:idx], nil
		}
		if closed {
			s.mu.Lock()
			s.readOffset = total
			s.mu.Unlock()
			return "", text, io.EOF
		}

		if err := s.out.wait(scanCtx, total); err != nil {
			s.mu.Lock()
			s.readOffset = total
			s.mu.Unlock()
			return "", text, context.DeadlineExceeded
		}
	}
}

// probeExitCode asks the shell for $? of the last command.
func (s *Session) probeExitCode(ctx context.Context) (int, bool) {
	if err := s.writeLine("echo $?"); err != nil {
		return 0, false
	}
	s.mu.Lock()
	sentinel := s.sentinel
	s.mu.Unlock()

	matched, text, err := s.scanFor(ctx, []string{sentinel}, exitProbeTimeout)
	if err != nil || matched == "" {
		return 0, false
	}
	fields := strings.Fields(s.clean(text))
	if len(fields) == 0 {
		return 0, false
	}
	code, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return 0, false
	}
	return code, true
}

// signalInterrupt delivers an interrupt both through the line discipline
// (ETX on the PTY) and directly to the terminal's foreground process group.
func (s *Session) signalInterrupt() {
	_, _ = s.tty.Write([]byte{0x03})
	if pgid, err := unix.IoctlGetInt(int(s.tty.Fd()), unix.TIOCGPGRP); err == nil && pgid > 0 {
		_ = unix.Kill(-pgid, unix.SIGINT)
	}
}

// clean normalizes PTY carriage returns, trims surrounding whitespace, and
// applies the session's max read size by keeping the output tail.
func (s *Session) clean(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "")
	text = strings.TrimSpace(text)
	if s.maxRead > 0 && len(text) > s.maxRead {
		text = text[len(text)-s.maxRead:]
	}
	return text
}

func earliestMatch(text string, patterns []string) (string, int) {
	best := ""
	bestIdx := -1
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if idx := strings.Index(text, p); idx >= 0 && (bestIdx < 0 || idx < bestIdx) {
			best = p
			bestIdx = idx
		}
	}
	if bestIdx < 0 {
		return "", 0
	}
	return best, bestIdx
}

func newSentinel() string {
	return "SHELLCRATE-" + uuid.NewString()
}

// splitQuoted renders the sentinel as two adjacent double-quoted halves so
// the literal never appears contiguously in echoed input, only in the
// prompt the shell prints.
func splitQuoted(sentinel string) string {
	mid := len(sentinel) / 2
	return `"` + sentinel[:mid] + `""` + sentinel[mid:] + `"`
}

func shellSingleQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
