package session

import (
	"context"
	"os/exec"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/shellcrate/shellcrate/internal/action"
)

// DefaultSessionName is used when an action does not name a session.
const DefaultSessionName = "default"

// ShellFunc builds the shell command for a new session, optionally switching
// to a remote user inside the sandbox.
type ShellFunc func(remoteUser string) *exec.Cmd

// Manager owns the sessions of one sandbox, keyed by name.
type Manager struct {
	shell  ShellFunc
	logger *log.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(shell ShellFunc, logger *log.Logger) *Manager {
	return &Manager{
		shell:    shell,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Create starts a new named session. A duplicate name is a validation error;
// the caller must close the existing session first.
func (m *Manager) Create(ctx context.Context, req action.CreateSessionRequest) (action.CreateSessionResponse, error) {
	if req.Session == "" {
		req.Session = DefaultSessionName
	}

	m.mu.Lock()
	if _, exists := m.sessions[req.Session]; exists {
		m.mu.Unlock()
		return action.CreateSessionResponse{}, action.Validationf("session %q already exists", req.Session)
	}
	// Reserve the name before the slow PTY startup so concurrent creates
	// with the same name cannot race past the duplicate check.
	m.sessions[req.Session] = nil
	m.mu.Unlock()

	s, output, err := start(ctx, req, m.shell(req.RemoteUser), m.logger)

	m.mu.Lock()
	if err != nil {
		delete(m.sessions, req.Session)
	} else {
		m.sessions[req.Session] = s
	}
	m.mu.Unlock()

	if err != nil {
		return action.CreateSessionResponse{}, err
	}
	if m.logger != nil {
		m.logger.Info("session created", "session", req.Session, "remote_user", req.RemoteUser)
	}
	return action.CreateSessionResponse{Session: req.Session, Output: output}, nil
}

// Run dispatches a bash action into its named session.
func (m *Manager) Run(ctx context.Context, act action.BashAction) (action.Observation, error) {
	s, err := m.get(act.Session)
	if err != nil {
		return action.Observation{}, err
	}
	return s.Run(ctx, act)
}

// Interrupt signals the named session's running command.
func (m *Manager) Interrupt(ctx context.Context, act action.InterruptAction) (action.Observation, error) {
	s, err := m.get(act.Session)
	if err != nil {
		return action.Observation{}, err
	}
	return s.Interrupt(ctx, act)
}

// Close tears down the named session. Closing a session that does not exist
// (or was already closed) reports success: close is idempotent.
func (m *Manager) Close(ctx context.Context, req action.CloseSessionRequest) (action.CloseSessionResponse, error) {
	name := req.Session
	if name == "" {
		name = DefaultSessionName
	}

	m.mu.Lock()
	s := m.sessions[name]
	delete(m.sessions, name)
	m.mu.Unlock()

	if s == nil {
		return action.CloseSessionResponse{Success: true}, nil
	}
	if err := s.Close(ctx); err != nil {
		return action.CloseSessionResponse{}, err
	}
	if m.logger != nil {
		m.logger.Info("session closed", "session", name)
	}
	return action.CloseSessionResponse{Success: true}, nil
}

// Get returns the live session with the given name.
func (m *Manager) Get(name string) (*Session, error) {
	return m.get(name)
}

// CloseAll tears down every session, used when the sandbox stops.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != nil {
			all = append(all, s)
		}
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		_ = s.Close(ctx)
	}
}

func (m *Manager) get(name string) (*Session, error) {
	if name == "" {
		name = DefaultSessionName
	}
	m.mu.Lock()
	s := m.sessions[name]
	m.mu.Unlock()
	if s == nil {
		return nil, &SessionClosedError{Session: name}
	}
	return s, nil
}
