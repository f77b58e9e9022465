// Package runtimeserver is the in-sandbox agent: an HTTP+JSON server that
// executes internal actions against the local runtime. It listens on a unix
// socket, TCP, or vsock, and serves h2c so clients can multiplex requests
// over one connection.
package runtimeserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shellcrate/shellcrate/internal/action"
	"github.com/shellcrate/shellcrate/internal/controlapi"
	"github.com/shellcrate/shellcrate/internal/detach"
	"github.com/shellcrate/shellcrate/internal/endpoint"
	"github.com/shellcrate/shellcrate/internal/runtime"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

type Config struct {
	Endpoint endpoint.Endpoint
	Runtime  *runtime.Runtime
	Logger   *log.Logger
}

// Server hosts the agent API for one sandbox.
type Server struct {
	rt         *runtime.Runtime
	ep         endpoint.Endpoint
	logger     *log.Logger
	httpServer *http.Server

	mu      sync.Mutex
	started bool
	addr    string
}

// New creates the agent server. Call Start to begin listening.
func New(cfg Config) *Server {
	s := &Server{
		rt:     cfg.Runtime,
		ep:     cfg.Endpoint,
		logger: cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(controlapi.RouteHealth, s.handleHealth)
	mux.Handle(controlapi.RouteCommand, post(s, s.command))
	mux.Handle(controlapi.RouteSessionCreate, post(s, s.createSession))
	mux.Handle(controlapi.RouteSessionRun, post(s, s.runBash))
	mux.Handle(controlapi.RouteSessionInterrupt, post(s, s.interrupt))
	mux.Handle(controlapi.RouteSessionClose, post(s, s.closeSession))
	mux.Handle(controlapi.RouteFileRead, post(s, s.readFile))
	mux.Handle(controlapi.RouteFileReadRange, post(s, s.readFileRange))
	mux.Handle(controlapi.RouteFileWrite, post(s, s.writeFile))
	mux.Handle(controlapi.RouteFileUpload, post(s, s.upload))
	mux.Handle(controlapi.RouteFileChown, post(s, s.chown))
	mux.Handle(controlapi.RouteFileChmod, post(s, s.chmod))
	mux.Handle(controlapi.RouteDetachRun, post(s, s.detachRun))

	s.httpServer = &http.Server{Handler: h2c.NewHandler(mux, &http2.Server{})}
	return s
}

// Start begins listening in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("agent server already started")
	}

	ln, err := s.ep.Listen()
	if err != nil {
		return err
	}
	s.started = true
	s.addr = ln.Addr().String()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.logger != nil {
				s.logger.Error("agent server error", "error", err)
			}
		}
	}()

	if s.logger != nil {
		s.logger.Info("agent server started",
			"scheme", s.ep.Scheme, "addr", s.addr,
			"container", s.rt.Deployment().Identity().ContainerName)
	}
	return nil
}

// Addr returns the listener address. Only meaningful after Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop gracefully shuts the server down and closes all sessions.
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.rt.Close(ctx)
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	id := s.rt.Deployment().Identity()
	writeJSON(w, http.StatusOK, controlapi.HealthResponse{
		Status:        "ok",
		SandboxID:     id.SandboxID,
		ContainerName: id.ContainerName,
	})
}

// guard rejects actions resolved for a different container: the agent is
// bound to exactly one sandbox for its lifetime.
func (s *Server) guard(act action.Internal) error {
	want := s.rt.Deployment().Identity().ContainerName
	if act.Container() != want {
		return action.Validationf("action targets container %q but this agent serves %q", act.Container(), want)
	}
	return nil
}

func (s *Server) command(ctx context.Context, act action.InternalCommand) (action.Observation, error) {
	if err := s.guard(act); err != nil {
		return action.Observation{}, err
	}
	return s.rt.Execute(ctx, act)
}

func (s *Server) createSession(ctx context.Context, act action.InternalCreateSessionRequest) (action.CreateSessionResponse, error) {
	if err := s.guard(act); err != nil {
		return action.CreateSessionResponse{}, err
	}
	return s.rt.CreateSession(ctx, act)
}

func (s *Server) runBash(ctx context.Context, act action.InternalBashAction) (action.Observation, error) {
	if err := s.guard(act); err != nil {
		return action.Observation{}, err
	}
	return s.rt.RunBash(ctx, act)
}

func (s *Server) interrupt(ctx context.Context, act action.InternalInterruptAction) (action.Observation, error) {
	if err := s.guard(act); err != nil {
		return action.Observation{}, err
	}
	return s.rt.Interrupt(ctx, act)
}

func (s *Server) closeSession(ctx context.Context, act action.InternalCloseSessionRequest) (action.CloseSessionResponse, error) {
	if err := s.guard(act); err != nil {
		return action.CloseSessionResponse{}, err
	}
	return s.rt.CloseSession(ctx, act)
}

func (s *Server) readFile(ctx context.Context, act action.InternalReadFileRequest) (action.ReadFileResponse, error) {
	if err := s.guard(act); err != nil {
		return action.ReadFileResponse{}, err
	}
	return s.rt.ReadFile(ctx, act)
}

func (s *Server) readFileRange(ctx context.Context, act action.InternalReadFileByLineRangeRequest) (action.ReadFileResponse, error) {
	if err := s.guard(act); err != nil {
		return action.ReadFileResponse{}, err
	}
	return s.rt.ReadFileByLineRange(ctx, act)
}

func (s *Server) writeFile(ctx context.Context, act action.InternalWriteFileRequest) (action.WriteFileResponse, error) {
	if err := s.guard(act); err != nil {
		return action.WriteFileResponse{}, err
	}
	return s.rt.WriteFile(ctx, act)
}

func (s *Server) upload(ctx context.Context, act action.InternalUploadRequest) (action.UploadResponse, error) {
	if err := s.guard(act); err != nil {
		return action.UploadResponse{}, err
	}
	return s.rt.Upload(ctx, act)
}

func (s *Server) chown(ctx context.Context, act action.InternalChownRequest) (action.ChownResponse, error) {
	if err := s.guard(act); err != nil {
		return action.ChownResponse{}, err
	}
	return s.rt.Chown(ctx, act)
}

func (s *Server) chmod(ctx context.Context, act action.InternalChmodRequest) (action.ChmodResponse, error) {
	if err := s.guard(act); err != nil {
		return action.ChmodResponse{}, err
	}
	return s.rt.Chmod(ctx, act)
}

func (s *Server) detachRun(ctx context.Context, req controlapi.DetachRunRequest) (action.Observation, error) {
	job := detach.Job{
		Session:      req.Session,
		Command:      req.Command,
		LogPath:      req.LogPath,
		PollInterval: time.Duration(req.PollSeconds * float64(time.Second)),
		WaitTimeout:  time.Duration(req.WaitSeconds * float64(time.Second)),
		Retries:      req.Retries,
	}
	return s.rt.RunDetached(ctx, job)
}

// post decodes a JSON request body, invokes the handler, and writes either
// the JSON response or the typed error envelope.
func post[Req, Resp any](s *Server, fn func(context.Context, Req) (Resp, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req Req
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, s.logger, action.Validationf("decode request body: %v", err))
			return
		}
		resp, err := fn(r.Context(), req)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, logger *log.Logger, err error) {
	status, payload := controlapi.EncodeError(err)
	if logger != nil && status >= http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, payload)
}
