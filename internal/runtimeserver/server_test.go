package runtimeserver

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/shellcrate/shellcrate/internal/action"
	"github.com/shellcrate/shellcrate/internal/deploy"
	"github.com/shellcrate/shellcrate/internal/endpoint"
	"github.com/shellcrate/shellcrate/internal/runtime"
	"github.com/shellcrate/shellcrate/internal/runtimeclient"
	"github.com/shellcrate/shellcrate/internal/session"
)

const testContainer = "shellcrate-wire-test"

func startTestAgent(t *testing.T) *runtimeclient.Client {
	t.Helper()

	l := deploy.NewLocal(action.Identity{SandboxID: "sbx_wire", ContainerName: testContainer})
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start deployment: %v", err)
	}

	ep, err := endpoint.Resolve("unix://" + filepath.Join(t.TempDir(), "agent.sock"))
	if err != nil {
		t.Fatalf("Resolve endpoint: %v", err)
	}

	srv := New(Config{
		Endpoint: ep,
		Runtime:  runtime.New(l, log.New(io.Discard)),
		Logger:   log.New(io.Discard),
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	client, err := runtimeclient.New(ep)
	if err != nil {
		t.Fatalf("New client: %v", err)
	}
	return client
}

func TestHealthReportsIdentity(t *testing.T) {
	client := startTestAgent(t)
	health, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health returned error: %v", err)
	}
	if health.Status != "ok" || health.ContainerName != testContainer {
		t.Fatalf("health = %+v, want ok/%s", health, testContainer)
	}
}

func TestExecuteOverWire(t *testing.T) {
	client := startTestAgent(t)
	obs, err := client.Execute(context.Background(), action.InternalCommand{
		Command:       action.Command{Command: []string{"echo", "over-the-wire"}},
		ContainerName: testContainer,
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if obs.Output != "over-the-wire\n" || obs.ExitCodeOrDefault(-1) != 0 {
		t.Fatalf("observation = %+v", obs)
	}
}

func TestGuardRejectsForeignContainer(t *testing.T) {
	client := startTestAgent(t)
	_, err := client.Execute(context.Background(), action.InternalCommand{
		Command:       action.Command{Command: []string{"true"}},
		ContainerName: "some-other-container",
	})
	var verr *action.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %T (%v), want ValidationError", err, err)
	}
}

func TestCheckFailureRoundTripsTyped(t *testing.T) {
	client := startTestAgent(t)
	cmd := action.InternalCommand{
		Command:       action.Command{Command: []string{"false"}, Check: true},
		ContainerName: testContainer,
	}
	_, err := client.Execute(context.Background(), cmd)
	var cerr *action.CommandFailedError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %T (%v), want CommandFailedError", err, err)
	}
	if cerr.ExitCode != 1 {
		t.Fatalf("exit code = %d, want 1", cerr.ExitCode)
	}
}

func TestSessionLifecycleOverWire(t *testing.T) {
	client := startTestAgent(t)
	ctx := context.Background()

	created, err := client.CreateSession(ctx, action.InternalCreateSessionRequest{
		CreateSessionRequest: action.CreateSessionRequest{Session: "wire", StartupTimeoutSeconds: 10},
		ContainerName:        testContainer,
	})
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}
	if created.Session != "wire" {
		t.Fatalf("session = %q, want %q", created.Session, "wire")
	}

	obs, err := client.RunBash(ctx, action.InternalBashAction{
		BashAction:    action.BashAction{Session: "wire", Command: "echo hello-agent", TimeoutSeconds: 10},
		ContainerName: testContainer,
	})
	if err != nil {
		t.Fatalf("RunBash returned error: %v", err)
	}
	if obs.Output != "hello-agent" {
		t.Fatalf("output = %q, want %q", obs.Output, "hello-agent")
	}

	closed, err := client.CloseSession(ctx, action.InternalCloseSessionRequest{
		CloseSessionRequest: action.CloseSessionRequest{Session: "wire"},
		ContainerName:       testContainer,
	})
	if err != nil || !closed.Success {
		t.Fatalf("CloseSession failed: %v (success=%v)", err, closed.Success)
	}
}

func TestMissingSessionRoundTripsTyped(t *testing.T) {
	client := startTestAgent(t)
	_, err := client.RunBash(context.Background(), action.InternalBashAction{
		BashAction:    action.BashAction{Session: "never-created", Command: "true"},
		ContainerName: testContainer,
	})
	var scerr *session.SessionClosedError
	if !errors.As(err, &scerr) {
		t.Fatalf("error = %T (%v), want SessionClosedError", err, err)
	}
	if scerr.Session != "never-created" {
		t.Fatalf("session = %q, want %q", scerr.Session, "never-created")
	}
}

func TestFileOperationsOverWire(t *testing.T) {
	client := startTestAgent(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wire.txt")

	wresp, err := client.WriteFile(ctx, action.InternalWriteFileRequest{
		WriteFileRequest: action.WriteFileRequest{Path: path, Content: "hello world"},
		ContainerName:    testContainer,
	})
	if err != nil || !wresp.Success {
		t.Fatalf("WriteFile failed: %v (success=%v)", err, wresp.Success)
	}

	rresp, err := client.ReadFile(ctx, action.InternalReadFileRequest{
		ReadFileRequest: action.ReadFileRequest{Path: path},
		ContainerName:   testContainer,
	})
	if err != nil {
		t.Fatalf("ReadFile returned error: %v", err)
	}
	if rresp.Content != "hello world" {
		t.Fatalf("content = %q, want %q", rresp.Content, "hello world")
	}

	span, err := client.ReadFileByLineRange(ctx, action.InternalReadFileByLineRangeRequest{
		ReadFileByLineRangeRequest: action.ReadFileByLineRangeRequest{Path: path, StartLine: 1, EndLine: 1},
		ContainerName:              testContainer,
	})
	if err != nil {
		t.Fatalf("ReadFileByLineRange returned error: %v", err)
	}
	if span.Content != "hello world" {
		t.Fatalf("line range = %q, want %q", span.Content, "hello world")
	}
}
