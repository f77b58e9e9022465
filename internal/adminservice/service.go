// Package adminservice is the client-facing tier. It owns the sandbox
// registry, resolves every external action to its internal shape through the
// action translator, and dispatches the result to the owning sandbox's
// runtime — through the connection guard when a distributed backend is
// configured.
package adminservice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shellcrate/shellcrate/internal/action"
	"github.com/shellcrate/shellcrate/internal/controlapi"
	"github.com/shellcrate/shellcrate/internal/deploy"
	"github.com/shellcrate/shellcrate/internal/detach"
	"github.com/shellcrate/shellcrate/internal/grid"
	"github.com/shellcrate/shellcrate/internal/runtime"
	"github.com/shellcrate/shellcrate/internal/store"
)

// DeploymentFactory builds the isolation backing for a new sandbox. The
// default builds docker containers.
type DeploymentFactory func(sandboxID string, cfg deploy.Config, logger *log.Logger) (deploy.Deployment, error)

type Config struct {
	// Deploy holds default deployment settings; per-request settings
	// override field by field.
	Deploy deploy.Config
	// Store persists sandbox records across restarts. Optional.
	Store *store.Store
	// Grid guards the shared distributed-backend handle. Optional; when nil
	// actions dispatch directly.
	Grid   *grid.Guard
	Logger *log.Logger
	// NewDeployment overrides the deployment backing, mainly for tests.
	NewDeployment DeploymentFactory
}

type sandbox struct {
	identity action.Identity
	dep      deploy.Deployment
	rt       *runtime.Runtime
	started  time.Time
	image    string

	// autoClear is the idle lifetime; lastUsed is touched on every dispatch.
	// Both are read and written under the service mutex.
	autoClear time.Duration
	lastUsed  time.Time
}

// Service routes client requests to sandboxes.
type Service struct {
	cfg    Config
	logger *log.Logger
	now    func() time.Time

	mu        sync.Mutex
	sandboxes map[string]*sandbox

	reaperOnce sync.Once
	stopReaper chan struct{}
}

func New(cfg Config) *Service {
	if cfg.NewDeployment == nil {
		cfg.NewDeployment = func(sandboxID string, dc deploy.Config, logger *log.Logger) (deploy.Deployment, error) {
			return deploy.NewDocker(sandboxID, dc, logger)
		}
	}
	return &Service{
		cfg:        cfg,
		logger:     cfg.Logger,
		now:        time.Now,
		sandboxes:  make(map[string]*sandbox),
		stopReaper: make(chan struct{}),
	}
}

// StartReaper begins reclaiming sandboxes idle past their auto-clear
// lifetime. It runs until Shutdown.
func (s *Service) StartReaper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopReaper:
				return
			case <-ticker.C:
				s.reapIdle(context.Background())
			}
		}
	}()
}

// reapIdle stops every sandbox whose idle time exceeds its auto-clear
// lifetime.
func (s *Service) reapIdle(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var expired []string
	for id, box := range s.sandboxes {
		if box == nil || box.autoClear <= 0 {
			continue
		}
		if now.Sub(box.lastUsed) > box.autoClear {
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		if s.logger != nil {
			s.logger.Info("reclaiming idle sandbox", "sandbox_id", id)
		}
		if _, err := s.StopSandbox(ctx, controlapi.StopSandboxRequest{SandboxID: id}); err != nil && s.logger != nil {
			s.logger.Warn("idle sandbox reclaim failed", "sandbox_id", id, "error", err)
		}
	}
}

// StartSandbox provisions a new isolated sandbox and registers its identity.
// Exactly one deployment owns the identity until StopSandbox.
func (s *Service) StartSandbox(ctx context.Context, req controlapi.StartSandboxRequest) (controlapi.StartSandboxResponse, error) {
	sandboxID := req.SandboxID
	if sandboxID == "" {
		sandboxID = newSandboxID()
	}

	s.mu.Lock()
	if _, exists := s.sandboxes[sandboxID]; exists {
		s.mu.Unlock()
		return controlapi.StartSandboxResponse{}, action.Validationf("sandbox %q already exists", sandboxID)
	}
	// Reserve the id before the slow container start so concurrent starts
	// with the same id cannot race past the duplicate check.
	s.sandboxes[sandboxID] = nil
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.sandboxes, sandboxID)
		s.mu.Unlock()
	}

	cfg := mergeDeploy(s.cfg.Deploy, req.Deploy)
	resolved, err := cfg.Resolve()
	if err != nil {
		release()
		return controlapi.StartSandboxResponse{}, err
	}
	dep, err := s.cfg.NewDeployment(sandboxID, cfg, s.logger)
	if err != nil {
		release()
		return controlapi.StartSandboxResponse{}, err
	}

	started := time.Now()
	if err := dep.Start(ctx); err != nil {
		release()
		return controlapi.StartSandboxResponse{}, fmt.Errorf("start sandbox %s: %w", sandboxID, err)
	}

	identity := dep.Identity()
	box := &sandbox{
		identity:  identity,
		dep:       dep,
		rt:        runtime.New(dep, s.logger),
		started:   started,
		image:     resolved.Image,
		autoClear: time.Duration(resolved.AutoClearMinutes) * time.Minute,
		lastUsed:  started,
	}

	s.mu.Lock()
	s.sandboxes[sandboxID] = box
	s.mu.Unlock()

	if s.cfg.Store != nil {
		if err := s.cfg.Store.Upsert(ctx, store.Record{
			SandboxID:     sandboxID,
			ContainerName: identity.ContainerName,
			Image:         resolved.Image,
			Platform:      resolved.Platform,
			DockerArgs:    resolved.DockerArgs,
			Status:        store.StatusRunning,
		}); err != nil && s.logger != nil {
			s.logger.Warn("failed to persist sandbox record", "sandbox_id", sandboxID, "error", err)
		}
	}

	if s.logger != nil {
		s.logger.Info("sandbox started",
			"sandbox_id", sandboxID,
			"container", identity.ContainerName,
			"elapsed", time.Since(started))
	}
	return controlapi.StartSandboxResponse{
		SandboxID:     sandboxID,
		ContainerName: identity.ContainerName,
		Image:         box.image,
	}, nil
}

// StopSandbox tears the sandbox down: sessions first, then the deployment.
// Stopping an unknown sandbox is a no-op success.
func (s *Service) StopSandbox(ctx context.Context, req controlapi.StopSandboxRequest) (controlapi.StopSandboxResponse, error) {
	s.mu.Lock()
	box := s.sandboxes[req.SandboxID]
	delete(s.sandboxes, req.SandboxID)
	s.mu.Unlock()

	if box == nil {
		return controlapi.StopSandboxResponse{SandboxID: req.SandboxID, Stopped: false}, nil
	}

	box.rt.Close(ctx)
	if err := box.dep.Stop(ctx); err != nil {
		return controlapi.StopSandboxResponse{}, fmt.Errorf("stop sandbox %s: %w", req.SandboxID, err)
	}
	if s.cfg.Store != nil {
		if err := s.cfg.Store.SetStatus(ctx, req.SandboxID, store.StatusStopped); err != nil && s.logger != nil {
			s.logger.Warn("failed to update sandbox record", "sandbox_id", req.SandboxID, "error", err)
		}
	}
	if s.logger != nil {
		s.logger.Info("sandbox stopped", "sandbox_id", req.SandboxID)
	}
	return controlapi.StopSandboxResponse{SandboxID: req.SandboxID, Stopped: true}, nil
}

// GetSandbox reports a live sandbox.
func (s *Service) GetSandbox(ctx context.Context, req controlapi.GetSandboxRequest) (controlapi.SandboxInfo, error) {
	s.mu.Lock()
	box := s.sandboxes[req.SandboxID]
	s.mu.Unlock()
	if box == nil {
		return controlapi.SandboxInfo{}, action.Validationf("unknown sandbox %q", req.SandboxID)
	}
	return controlapi.SandboxInfo{
		SandboxID:     req.SandboxID,
		ContainerName: box.identity.ContainerName,
		Image:         box.image,
		Status:        store.StatusRunning,
		CreatedAt:     box.started,
	}, nil
}

// ListSandboxes merges live sandboxes with persisted records.
func (s *Service) ListSandboxes(ctx context.Context) (controlapi.ListSandboxesResponse, error) {
	seen := make(map[string]bool)
	var infos []controlapi.SandboxInfo

	s.mu.Lock()
	for id, box := range s.sandboxes {
		if box == nil {
			continue
		}
		seen[id] = true
		infos = append(infos, controlapi.SandboxInfo{
			SandboxID:     id,
			ContainerName: box.identity.ContainerName,
			Image:         box.image,
			Status:        store.StatusRunning,
			CreatedAt:     box.started,
		})
	}
	s.mu.Unlock()

	if s.cfg.Store != nil {
		records, err := s.cfg.Store.List(ctx)
		if err != nil {
			return controlapi.ListSandboxesResponse{}, err
		}
		for _, record := range records {
			if seen[record.SandboxID] {
				continue
			}
			infos = append(infos, controlapi.SandboxInfo{
				SandboxID:     record.SandboxID,
				ContainerName: record.ContainerName,
				Image:         record.Image,
				Status:        record.Status,
				CreatedAt:     record.CreatedAt,
			})
		}
	}
	return controlapi.ListSandboxesResponse{Sandboxes: infos}, nil
}

// AdoptPersisted rebinds sandboxes a previous daemon process recorded as
// running. A container that is gone has its record marked stopped. It returns
// the number of sandboxes adopted.
func (s *Service) AdoptPersisted(ctx context.Context) (int, error) {
	if s.cfg.Store == nil {
		return 0, nil
	}
	records, err := s.cfg.Store.List(ctx)
	if err != nil {
		return 0, err
	}

	adopted := 0
	for _, record := range records {
		if record.Status != store.StatusRunning {
			continue
		}
		s.mu.Lock()
		_, live := s.sandboxes[record.SandboxID]
		s.mu.Unlock()
		if live {
			continue
		}

		cfg := s.cfg.Deploy
		cfg.Image = record.Image
		cfg.Platform = record.Platform
		cfg.DockerArgs = record.DockerArgs
		cfg.ContainerName = record.ContainerName
		cfg.Pull = deploy.PullNever
		dep, err := s.cfg.NewDeployment(record.SandboxID, cfg, s.logger)
		if err != nil {
			s.retireRecord(ctx, record.SandboxID, err)
			continue
		}
		adoptable, ok := dep.(interface {
			Adopt(ctx context.Context) error
		})
		if !ok {
			s.retireRecord(ctx, record.SandboxID, fmt.Errorf("deployment does not support adoption"))
			continue
		}
		if err := adoptable.Adopt(ctx); err != nil {
			s.retireRecord(ctx, record.SandboxID, err)
			continue
		}

		resolved, rerr := cfg.Resolve()
		if rerr != nil {
			resolved = cfg
		}
		box := &sandbox{
			identity:  dep.Identity(),
			dep:       dep,
			rt:        runtime.New(dep, s.logger),
			started:   record.CreatedAt,
			image:     record.Image,
			autoClear: time.Duration(resolved.AutoClearMinutes) * time.Minute,
			lastUsed:  s.now(),
		}
		s.mu.Lock()
		s.sandboxes[record.SandboxID] = box
		s.mu.Unlock()
		adopted++
		if s.logger != nil {
			s.logger.Info("adopted sandbox", "sandbox_id", record.SandboxID, "container", record.ContainerName)
		}
	}
	return adopted, nil
}

// retireRecord marks a persisted record stopped when its container cannot be
// adopted.
func (s *Service) retireRecord(ctx context.Context, sandboxID string, cause error) {
	if s.logger != nil {
		s.logger.Warn("could not adopt sandbox", "sandbox_id", sandboxID, "error", cause)
	}
	if err := s.cfg.Store.SetStatus(ctx, sandboxID, store.StatusStopped); err != nil && s.logger != nil {
		s.logger.Warn("failed to update sandbox record", "sandbox_id", sandboxID, "error", err)
	}
}

// Do resolves an external action against the named sandbox's identity and
// dispatches the internal result. This is the only place internal shapes are
// produced.
func (s *Service) Do(ctx context.Context, sandboxID string, act action.External) (any, error) {
	s.mu.Lock()
	box := s.sandboxes[sandboxID]
	if box != nil {
		box.lastUsed = s.now()
	}
	s.mu.Unlock()
	if box == nil {
		return nil, action.Validationf("unknown sandbox %q", sandboxID)
	}

	internal, err := action.Resolve(act, box.identity)
	if err != nil {
		return nil, err
	}

	if s.cfg.Grid == nil {
		return s.dispatch(ctx, box, internal)
	}

	// Action-level failures (validation, check failures, busy sessions) are
	// the caller's problem, not the backend's: only returning them from the
	// guarded closure would flag the shared handle as failed.
	var result any
	var actErr error
	err = s.cfg.Grid.Dispatch(ctx, func(ctx context.Context, _ grid.Conn) error {
		result, actErr = s.dispatch(ctx, box, internal)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, actErr
}

func (s *Service) dispatch(ctx context.Context, box *sandbox, internal action.Internal) (any, error) {
	switch act := internal.(type) {
	case action.InternalCommand:
		return box.rt.Execute(ctx, act)
	case action.InternalBashAction:
		return box.rt.RunBash(ctx, act)
	case action.InternalCreateSessionRequest:
		return box.rt.CreateSession(ctx, act)
	case action.InternalCloseSessionRequest:
		return box.rt.CloseSession(ctx, act)
	case action.InternalInterruptAction:
		return box.rt.Interrupt(ctx, act)
	case action.InternalReadFileRequest:
		return box.rt.ReadFile(ctx, act)
	case action.InternalReadFileByLineRangeRequest:
		return box.rt.ReadFileByLineRange(ctx, act)
	case action.InternalWriteFileRequest:
		return box.rt.WriteFile(ctx, act)
	case action.InternalUploadRequest:
		return box.rt.Upload(ctx, act)
	case action.InternalChownRequest:
		return box.rt.Chown(ctx, act)
	case action.InternalChmodRequest:
		return box.rt.Chmod(ctx, act)
	default:
		return nil, action.Validationf("unroutable action kind %T", internal)
	}
}

// RunDetached launches a long job in the sandbox and polls for completion.
func (s *Service) RunDetached(ctx context.Context, sandboxID string, req controlapi.DetachRunRequest) (action.Observation, error) {
	s.mu.Lock()
	box := s.sandboxes[sandboxID]
	if box != nil {
		box.lastUsed = s.now()
	}
	s.mu.Unlock()
	if box == nil {
		return action.Observation{}, action.Validationf("unknown sandbox %q", sandboxID)
	}
	return box.rt.RunDetached(ctx, detach.Job{
		Session:      req.Session,
		Command:      req.Command,
		LogPath:      req.LogPath,
		PollInterval: time.Duration(req.PollSeconds * float64(time.Second)),
		WaitTimeout:  time.Duration(req.WaitSeconds * float64(time.Second)),
		Retries:      req.Retries,
	})
}

// GridState reports the connection guard bookkeeping.
func (s *Service) GridState() controlapi.GridStateResponse {
	if s.cfg.Grid == nil {
		return controlapi.GridStateResponse{}
	}
	state := s.cfg.Grid.State()
	return controlapi.GridStateResponse{
		Alive:         state.Alive,
		RequestCount:  state.RequestCount,
		EstablishedAt: state.EstablishedAt,
	}
}

// Shutdown stops the reaper and every live sandbox.
func (s *Service) Shutdown(ctx context.Context) {
	s.reaperOnce.Do(func() { close(s.stopReaper) })

	s.mu.Lock()
	ids := make([]string, 0, len(s.sandboxes))
	for id := range s.sandboxes {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		_, _ = s.StopSandbox(ctx, controlapi.StopSandboxRequest{SandboxID: id})
	}
}

// mergeDeploy overlays per-request settings on the configured defaults.
func mergeDeploy(base, override deploy.Config) deploy.Config {
	out := base
	if override.Image != "" {
		out.Image = override.Image
	}
	if override.ContainerName != "" {
		out.ContainerName = override.ContainerName
	}
	if override.Pull != "" {
		out.Pull = override.Pull
	}
	if override.Memory != "" {
		out.Memory = override.Memory
	}
	if override.CPUs != 0 {
		out.CPUs = override.CPUs
	}
	if override.Platform != "" {
		out.Platform = override.Platform
	}
	if len(override.DockerArgs) != 0 {
		out.DockerArgs = append([]string(nil), override.DockerArgs...)
	}
	if override.AutoClearMinutes != 0 {
		out.AutoClearMinutes = override.AutoClearMinutes
	}
	return out
}
