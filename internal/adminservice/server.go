package adminservice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/shellcrate/shellcrate/internal/action"
	"github.com/shellcrate/shellcrate/internal/controlapi"
	"github.com/shellcrate/shellcrate/internal/endpoint"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Server exposes the admin service over HTTP+JSON. Action routes take the
// external shapes; the sandbox id rides in the payload and identity
// resolution happens in the service, never in the client.
type Server struct {
	service *Service
	ep      endpoint.Endpoint
	logger  *log.Logger

	httpServer *http.Server

	mu      sync.Mutex
	started bool
	addr    string
}

type ServerConfig struct {
	Endpoint endpoint.Endpoint
	Service  *Service
	Logger   *log.Logger
}

func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		service: cfg.Service,
		ep:      cfg.Endpoint,
		logger:  cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.Handle(controlapi.RouteSandboxStart, adminPost(s, s.service.StartSandbox))
	mux.Handle(controlapi.RouteSandboxStop, adminPost(s, s.service.StopSandbox))
	mux.Handle(controlapi.RouteSandboxGet, adminPost(s, s.service.GetSandbox))
	mux.HandleFunc(controlapi.RouteSandboxList, s.handleList)
	mux.HandleFunc(controlapi.RouteGridState, s.handleGridState)

	mux.Handle(controlapi.RouteCommand, actionPost[action.Command](s))
	mux.Handle(controlapi.RouteSessionCreate, actionPost[action.CreateSessionRequest](s))
	mux.Handle(controlapi.RouteSessionRun, actionPost[action.BashAction](s))
	mux.Handle(controlapi.RouteSessionInterrupt, actionPost[action.InterruptAction](s))
	mux.Handle(controlapi.RouteSessionClose, actionPost[action.CloseSessionRequest](s))
	mux.Handle(controlapi.RouteFileRead, actionPost[action.ReadFileRequest](s))
	mux.Handle(controlapi.RouteFileReadRange, actionPost[action.ReadFileByLineRangeRequest](s))
	mux.Handle(controlapi.RouteFileWrite, actionPost[action.WriteFileRequest](s))
	mux.Handle(controlapi.RouteFileUpload, actionPost[action.UploadRequest](s))
	mux.Handle(controlapi.RouteFileChown, actionPost[action.ChownRequest](s))
	mux.Handle(controlapi.RouteFileChmod, actionPost[action.ChmodRequest](s))
	mux.Handle(controlapi.RouteDetachRun, adminPost(s, s.detachRun))

	s.httpServer = &http.Server{Handler: h2c.NewHandler(mux, &http2.Server{})}
	return s
}

func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("admin server already started")
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
				s.logger.Error("admin server error", "error", err)
			}
		}
	}()

	if s.logger != nil {
		s.logger.Info("admin server started", "scheme", s.ep.Scheme, "addr", s.addr)
	}
	return nil
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Stop(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.service.Shutdown(ctx)
	return err
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	resp, err := s.service.ListSandboxes(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGridState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.GridState())
}

func (s *Server) detachRun(ctx context.Context, req controlapi.DetachRunRequest) (action.Observation, error) {
	return s.service.RunDetached(ctx, req.SandboxID, req)
}

// sandboxIDOf pulls the routing field off an external action payload.
func sandboxIDOf(act action.External) string {
	switch a := act.(type) {
	case action.Command:
		return a.SandboxID
	case action.BashAction:
		return a.SandboxID
	case action.CreateSessionRequest:
		return a.SandboxID
	case action.CloseSessionRequest:
		return a.SandboxID
	case action.InterruptAction:
		return a.SandboxID
	case action.ReadFileRequest:
		return a.SandboxID
	case action.ReadFileByLineRangeRequest:
		return a.SandboxID
	case action.WriteFileRequest:
		return a.SandboxID
	case action.UploadRequest:
		return a.SandboxID
	case action.ChownRequest:
		return a.SandboxID
	case action.ChmodRequest:
		return a.SandboxID
	default:
		return ""
	}
}

// actionPost decodes an external action and routes it through the service.
func actionPost[A action.External](s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var act A
		if err := json.NewDecoder(r.Body).Decode(&act); err != nil {
			writeError(w, s.logger, action.Validationf("decode request body: %v", err))
			return
		}
		result, err := s.service.Do(r.Context(), sandboxIDOf(act), act)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func adminPost[Req, Resp any](s *Server, fn func(context.Context, Req) (Resp, error)) http.HandlerFunc {
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
