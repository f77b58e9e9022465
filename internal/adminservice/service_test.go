package adminservice

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shellcrate/shellcrate/internal/action"
	"github.com/shellcrate/shellcrate/internal/controlapi"
	"github.com/shellcrate/shellcrate/internal/deploy"
	"github.com/shellcrate/shellcrate/internal/grid"
	"github.com/shellcrate/shellcrate/internal/store"
)

func localFactory(sandboxID string, cfg deploy.Config, logger *log.Logger) (deploy.Deployment, error) {
	return deploy.NewLocal(action.Identity{
		SandboxID:     sandboxID,
		ContainerName: "shellcrate-" + sandboxID,
	}), nil
}

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Logger = log.New(io.Discard)
	if cfg.NewDeployment == nil {
		cfg.NewDeployment = localFactory
	}
	s := New(cfg)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func startSandbox(t *testing.T, s *Service) string {
	t.Helper()
	resp, err := s.StartSandbox(context.Background(), controlapi.StartSandboxRequest{})
	if err != nil {
		t.Fatalf("StartSandbox returned error: %v", err)
	}
	return resp.SandboxID
}

func TestStartSandboxGeneratesID(t *testing.T) {
	s := newTestService(t, Config{})
	resp, err := s.StartSandbox(context.Background(), controlapi.StartSandboxRequest{})
	if err != nil {
		t.Fatalf("StartSandbox returned error: %v", err)
	}
	if !strings.HasPrefix(resp.SandboxID, "sbx") {
		t.Fatalf("sandbox id = %q, want sbx prefix", resp.SandboxID)
	}
	if resp.ContainerName != "shellcrate-"+resp.SandboxID {
		t.Fatalf("container = %q, want derived from sandbox id", resp.ContainerName)
	}
}

func TestStartSandboxRejectsDuplicateID(t *testing.T) {
	s := newTestService(t, Config{})
	ctx := context.Background()

	if _, err := s.StartSandbox(ctx, controlapi.StartSandboxRequest{SandboxID: "sbx_dup"}); err != nil {
		t.Fatalf("StartSandbox returned error: %v", err)
	}
	_, err := s.StartSandbox(ctx, controlapi.StartSandboxRequest{SandboxID: "sbx_dup"})
	var verr *action.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %T (%v), want ValidationError", err, err)
	}
}

func TestDoRoutesCommand(t *testing.T) {
	s := newTestService(t, Config{})
	id := startSandbox(t, s)

	result, err := s.Do(context.Background(), id, action.Command{Command: []string{"echo", "routed"}})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	obs, ok := result.(action.Observation)
	if !ok {
		t.Fatalf("result = %T, want Observation", result)
	}
	if obs.Output != "routed\n" || obs.ExitCodeOrDefault(-1) != 0 {
		t.Fatalf("observation = %+v", obs)
	}
}

func TestDoUnknownSandbox(t *testing.T) {
	s := newTestService(t, Config{})
	_, err := s.Do(context.Background(), "sbx_ghost", action.Command{Command: []string{"true"}})
	var verr *action.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %T (%v), want ValidationError", err, err)
	}
}

func TestSessionDuplicateAndIdempotentCloseThroughService(t *testing.T) {
	s := newTestService(t, Config{})
	id := startSandbox(t, s)
	ctx := context.Background()

	if _, err := s.Do(ctx, id, action.CreateSessionRequest{Session: "work", StartupTimeoutSeconds: 10}); err != nil {
		t.Fatalf("create session returned error: %v", err)
	}

	_, err := s.Do(ctx, id, action.CreateSessionRequest{Session: "work", StartupTimeoutSeconds: 10})
	var verr *action.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("duplicate create error = %T (%v), want ValidationError", err, err)
	}

	for i := 0; i < 2; i++ {
		result, err := s.Do(ctx, id, action.CloseSessionRequest{Session: "work"})
		if err != nil {
			t.Fatalf("close #%d returned error: %v", i+1, err)
		}
		resp, ok := result.(action.CloseSessionResponse)
		if !ok || !resp.Success {
			t.Fatalf("close #%d = %+v, want success", i+1, result)
		}
	}
}

func TestStopSandboxIsIdempotent(t *testing.T) {
	s := newTestService(t, Config{})
	id := startSandbox(t, s)
	ctx := context.Background()

	resp, err := s.StopSandbox(ctx, controlapi.StopSandboxRequest{SandboxID: id})
	if err != nil || !resp.Stopped {
		t.Fatalf("StopSandbox failed: %v (stopped=%v)", err, resp.Stopped)
	}
	resp, err = s.StopSandbox(ctx, controlapi.StopSandboxRequest{SandboxID: id})
	if err != nil {
		t.Fatalf("second StopSandbox returned error: %v", err)
	}
	if resp.Stopped {
		t.Fatal("second stop reported stopped=true, want no-op")
	}

	// The identity is gone: dispatch must fail.
	if _, err := s.Do(ctx, id, action.Command{Command: []string{"true"}}); err == nil {
		t.Fatal("Do after stop succeeded, want error")
	}
}

func TestStoreRecordsLifecycle(t *testing.T) {
	st, err := store.New(store.Options{DBPath: t.TempDir() + "/registry.db"})
	if err != nil {
		t.Fatalf("store.New returned error: %v", err)
	}
	s := newTestService(t, Config{Store: st})
	ctx := context.Background()

	id := startSandbox(t, s)
	record, ok, err := st.Lookup(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Lookup after start: ok=%v err=%v", ok, err)
	}
	if record.Status != store.StatusRunning {
		t.Fatalf("status = %q, want running", record.Status)
	}

	if _, err := s.StopSandbox(ctx, controlapi.StopSandboxRequest{SandboxID: id}); err != nil {
		t.Fatalf("StopSandbox returned error: %v", err)
	}
	record, _, err = st.Lookup(ctx, id)
	if err != nil {
		t.Fatalf("Lookup after stop returned error: %v", err)
	}
	if record.Status != store.StatusStopped {
		t.Fatalf("status = %q, want stopped", record.Status)
	}
}

func TestReapIdleStopsExpiredSandboxes(t *testing.T) {
	s := newTestService(t, Config{})
	ctx := context.Background()

	expiring, err := s.StartSandbox(ctx, controlapi.StartSandboxRequest{
		SandboxID: "sbx_idle",
		Deploy:    deploy.Config{AutoClearMinutes: 1},
	})
	if err != nil {
		t.Fatalf("StartSandbox returned error: %v", err)
	}
	// Negative auto-clear disables reclaim for this sandbox.
	keeper, err := s.StartSandbox(ctx, controlapi.StartSandboxRequest{
		SandboxID: "sbx_keep",
		Deploy:    deploy.Config{AutoClearMinutes: -1},
	})
	if err != nil {
		t.Fatalf("StartSandbox returned error: %v", err)
	}

	base := time.Now()
	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	s.reapIdle(ctx)

	if _, err := s.GetSandbox(ctx, controlapi.GetSandboxRequest{SandboxID: expiring.SandboxID}); err == nil {
		t.Fatal("expired sandbox still registered after reap")
	}
	if _, err := s.GetSandbox(ctx, controlapi.GetSandboxRequest{SandboxID: keeper.SandboxID}); err != nil {
		t.Fatalf("sandbox without auto-clear was reclaimed: %v", err)
	}
}

func TestDispatchRefreshesIdleClock(t *testing.T) {
	s := newTestService(t, Config{})
	ctx := context.Background()

	resp, err := s.StartSandbox(ctx, controlapi.StartSandboxRequest{
		SandboxID: "sbx_busy",
		Deploy:    deploy.Config{AutoClearMinutes: 1},
	})
	if err != nil {
		t.Fatalf("StartSandbox returned error: %v", err)
	}

	base := time.Now()
	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := s.Do(ctx, resp.SandboxID, action.Command{Command: []string{"true"}}); err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	// Dispatch just touched lastUsed at base+2m; nothing is idle past its
	// lifetime at base+2m30s.
	s.now = func() time.Time { return base.Add(2*time.Minute + 30*time.Second) }
	s.reapIdle(ctx)

	if _, err := s.GetSandbox(ctx, controlapi.GetSandboxRequest{SandboxID: resp.SandboxID}); err != nil {
		t.Fatalf("recently used sandbox was reclaimed: %v", err)
	}
}

func TestConcurrentStartSameIDBuildsOneDeployment(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	builds := 0
	s := newTestService(t, Config{
		NewDeployment: func(sandboxID string, cfg deploy.Config, logger *log.Logger) (deploy.Deployment, error) {
			builds++
			close(entered)
			<-release
			return deploy.NewLocal(action.Identity{
				SandboxID:     sandboxID,
				ContainerName: "shellcrate-" + sandboxID,
			}), nil
		},
	})
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := s.StartSandbox(ctx, controlapi.StartSandboxRequest{SandboxID: "sbx_race"})
		errc <- err
	}()
	<-entered

	// The id is reserved while the first start is still deploying; a second
	// start with the same id must fail instead of overwriting it.
	_, err := s.StartSandbox(ctx, controlapi.StartSandboxRequest{SandboxID: "sbx_race"})
	var verr *action.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("second start error = %T (%v), want ValidationError", err, err)
	}

	close(release)
	if err := <-errc; err != nil {
		t.Fatalf("first start returned error: %v", err)
	}
	if builds != 1 {
		t.Fatalf("deployments built = %d, want 1", builds)
	}
	if _, err := s.GetSandbox(ctx, controlapi.GetSandboxRequest{SandboxID: "sbx_race"}); err != nil {
		t.Fatalf("sandbox missing after concurrent start: %v", err)
	}
}

func TestFailedStartReleasesSandboxID(t *testing.T) {
	fail := true
	s := newTestService(t, Config{
		NewDeployment: func(sandboxID string, cfg deploy.Config, logger *log.Logger) (deploy.Deployment, error) {
			if fail {
				return nil, errors.New("image unavailable")
			}
			return localFactory(sandboxID, cfg, logger)
		},
	})
	ctx := context.Background()

	if _, err := s.StartSandbox(ctx, controlapi.StartSandboxRequest{SandboxID: "sbx_retry"}); err == nil {
		t.Fatal("start with failing deployment succeeded, want error")
	}
	// The reservation is rolled back: a list must not show the id and a
	// retry with the same id must succeed.
	list, err := s.ListSandboxes(ctx)
	if err != nil {
		t.Fatalf("ListSandboxes returned error: %v", err)
	}
	for _, info := range list.Sandboxes {
		if info.SandboxID == "sbx_retry" {
			t.Fatalf("failed start left %q in the registry", info.SandboxID)
		}
	}
	fail = false
	if _, err := s.StartSandbox(ctx, controlapi.StartSandboxRequest{SandboxID: "sbx_retry"}); err != nil {
		t.Fatalf("retry after failed start returned error: %v", err)
	}
}

func TestAdoptPersistedRebindsRunningRecords(t *testing.T) {
	st, err := store.New(store.Options{DBPath: t.TempDir() + "/registry.db"})
	if err != nil {
		t.Fatalf("store.New returned error: %v", err)
	}
	ctx := context.Background()
	seed := []store.Record{
		{SandboxID: "sbx_old", ContainerName: "shellcrate-sbx_old", Image: "python:3.11", Status: store.StatusRunning},
		{SandboxID: "sbx_done", ContainerName: "shellcrate-sbx_done", Image: "python:3.11", Status: store.StatusStopped},
	}
	for _, record := range seed {
		if err := st.Upsert(ctx, record); err != nil {
			t.Fatalf("Upsert(%s) returned error: %v", record.SandboxID, err)
		}
	}

	s := newTestService(t, Config{Store: st})
	n, err := s.AdoptPersisted(ctx)
	if err != nil {
		t.Fatalf("AdoptPersisted returned error: %v", err)
	}
	if n != 1 {
		t.Fatalf("adopted = %d, want 1", n)
	}

	if _, err := s.GetSandbox(ctx, controlapi.GetSandboxRequest{SandboxID: "sbx_old"}); err != nil {
		t.Fatalf("adopted sandbox is not registered: %v", err)
	}
	if _, err := s.GetSandbox(ctx, controlapi.GetSandboxRequest{SandboxID: "sbx_done"}); err == nil {
		t.Fatal("stopped record was adopted")
	}
	// The adopted sandbox dispatches like any other.
	if _, err := s.Do(ctx, "sbx_old", action.Command{Command: []string{"true"}}); err != nil {
		t.Fatalf("Do on adopted sandbox returned error: %v", err)
	}
}

func TestAdoptPersistedRetiresUnreachableContainers(t *testing.T) {
	st, err := store.New(store.Options{DBPath: t.TempDir() + "/registry.db"})
	if err != nil {
		t.Fatalf("store.New returned error: %v", err)
	}
	ctx := context.Background()
	if err := st.Upsert(ctx, store.Record{
		SandboxID:     "sbx_gone",
		ContainerName: "shellcrate-sbx_gone",
		Image:         "python:3.11",
		Status:        store.StatusRunning,
	}); err != nil {
		t.Fatalf("Upsert returned error: %v", err)
	}

	s := newTestService(t, Config{
		Store: st,
		NewDeployment: func(sandboxID string, cfg deploy.Config, logger *log.Logger) (deploy.Deployment, error) {
			return nil, errors.New("no such container")
		},
	})
	n, err := s.AdoptPersisted(ctx)
	if err != nil {
		t.Fatalf("AdoptPersisted returned error: %v", err)
	}
	if n != 0 {
		t.Fatalf("adopted = %d, want 0", n)
	}

	record, ok, err := st.Lookup(ctx, "sbx_gone")
	if err != nil || !ok {
		t.Fatalf("Lookup after adopt: ok=%v err=%v", ok, err)
	}
	if record.Status != store.StatusStopped {
		t.Fatalf("status = %q, want stopped after failed adoption", record.Status)
	}
}

type nopConn struct{}

func (nopConn) Close(ctx context.Context) error { return nil }

func TestGridGuardedDispatchCountsRequests(t *testing.T) {
	dials := 0
	guard := grid.New(grid.Config{Address: "grid.internal:10001"}, func(ctx context.Context, cfg grid.Config) (grid.Conn, error) {
		dials++
		return nopConn{}, nil
	}, log.New(io.Discard))

	s := newTestService(t, Config{Grid: guard})
	id := startSandbox(t, s)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Do(ctx, id, action.Command{Command: []string{"true"}}); err != nil {
			t.Fatalf("Do #%d returned error: %v", i+1, err)
		}
	}
	if dials != 1 {
		t.Fatalf("dials = %d, want 1", dials)
	}
	state := s.GridState()
	if state.RequestCount != 3 || !state.Alive {
		t.Fatalf("grid state = %+v, want 3 requests and alive", state)
	}
}

func TestActionErrorsDoNotPoisonGrid(t *testing.T) {
	guard := grid.New(grid.Config{Address: "grid.internal:10001"}, func(ctx context.Context, cfg grid.Config) (grid.Conn, error) {
		return nopConn{}, nil
	}, log.New(io.Discard))

	s := newTestService(t, Config{Grid: guard})
	id := startSandbox(t, s)
	ctx := context.Background()

	// A check failure is an action-level error; the shared handle stays
	// healthy and the request count keeps growing.
	_, err := s.Do(ctx, id, action.Command{Command: []string{"false"}, Check: true})
	var cerr *action.CommandFailedError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %T (%v), want CommandFailedError", err, err)
	}

	before := s.GridState()
	if _, err := s.Do(ctx, id, action.Command{Command: []string{"true"}}); err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	after := s.GridState()
	if after.RequestCount != before.RequestCount+1 {
		t.Fatalf("request count went %d -> %d, want an increment without reconnect", before.RequestCount, after.RequestCount)
	}
	if !after.EstablishedAt.Equal(before.EstablishedAt) {
		t.Fatal("established time changed, want no reconnect after an action error")
	}
}
