package fsops

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/shellcrate/shellcrate/internal/action"
	"github.com/shellcrate/shellcrate/internal/deploy"
)

type stubExecutor struct {
	argv []string
	obs  action.Observation
}

func (s *stubExecutor) Execute(_ context.Context, cmd action.Command) (action.Observation, error) {
	s.argv = cmd.Command
	return s.obs, nil
}

func okObservation() action.Observation {
	return action.Observation{ExitCode: action.IntPtr(0)}
}

func TestChownArgv(t *testing.T) {
	cases := []struct {
		name string
		req  action.ChownRequest
		want []string
	}{
		{
			name: "flat",
			req:  action.ChownRequest{Paths: []string{"/srv/data"}, Owner: "deploy"},
			want: []string{"chown", "deploy", "/srv/data"},
		},
		{
			name: "recursive multiple paths",
			req:  action.ChownRequest{Paths: []string{"/srv/a", "/srv/b"}, Owner: "deploy:deploy", Recursive: true},
			want: []string{"chown", "-R", "deploy:deploy", "/srv/a", "/srv/b"},
		},
	}
	for _, tc := range cases {
		if got := ChownArgv(tc.req); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("%s: argv = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestChmodArgv(t *testing.T) {
	req := action.ChmodRequest{Paths: []string{"/srv/data"}, Mode: "0644"}
	want := []string{"chmod", "0644", "/srv/data"}
	if got := ChmodArgv(req); !reflect.DeepEqual(got, want) {
		t.Fatalf("argv = %v, want %v", got, want)
	}

	req.Recursive = true
	want = []string{"chmod", "-R", "0644", "/srv/data"}
	if got := ChmodArgv(req); !reflect.DeepEqual(got, want) {
		t.Fatalf("recursive argv = %v, want %v", got, want)
	}
}

func TestEmptyPathsRejected(t *testing.T) {
	exec := &stubExecutor{obs: okObservation()}
	ctx := context.Background()

	_, err := Chown(ctx, exec, action.ChownRequest{Owner: "deploy"})
	var verr *action.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("chown error = %T (%v), want ValidationError", err, err)
	}

	_, err = Chmod(ctx, exec, action.ChmodRequest{Mode: "0644"})
	if !errors.As(err, &verr) {
		t.Fatalf("chmod error = %T (%v), want ValidationError", err, err)
	}
	if exec.argv != nil {
		t.Fatal("executor must not run for a rejected request")
	}
}

func TestChownRequiresOwner(t *testing.T) {
	exec := &stubExecutor{obs: okObservation()}
	_, err := Chown(context.Background(), exec, action.ChownRequest{Paths: []string{"/srv"}, Owner: "   "})
	var verr *action.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %T (%v), want ValidationError", err, err)
	}
}

func TestChownFailureCarriesMessage(t *testing.T) {
	exec := &stubExecutor{obs: action.Observation{
		ExitCode: action.IntPtr(1),
		Stderr:   "chown: invalid user: 'nobody-here'\n",
	}}
	resp, err := Chown(context.Background(), exec, action.ChownRequest{
		Paths: []string{"/srv/data"},
		Owner: "nobody-here",
	})
	if err != nil {
		t.Fatalf("Chown returned error: %v", err)
	}
	if resp.Success {
		t.Fatal("success = true, want false on nonzero exit")
	}
	if resp.Message == "" {
		t.Fatal("expected stderr carried in the message")
	}
}

func TestChmodRecursiveScope(t *testing.T) {
	l := deploy.NewLocal(action.Identity{SandboxID: "sbx_test", ContainerName: "local"})
	ctx := context.Background()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	parent := filepath.Join(t.TempDir(), "aa")
	child := filepath.Join(parent, "bb")
	if err := os.MkdirAll(child, 0o755); err != nil {
		t.Fatal(err)
	}

	resp, err := Chmod(ctx, l, action.ChmodRequest{Paths: []string{parent}, Mode: "700"})
	if err != nil || !resp.Success {
		t.Fatalf("non-recursive chmod failed: %v (success=%v, msg=%q)", err, resp.Success, resp.Message)
	}
	info, err := os.Stat(child)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Fatalf("child mode = %o after non-recursive chmod, want 755", info.Mode().Perm())
	}

	resp, err = Chmod(ctx, l, action.ChmodRequest{Paths: []string{parent}, Mode: "700", Recursive: true})
	if err != nil || !resp.Success {
		t.Fatalf("recursive chmod failed: %v (success=%v, msg=%q)", err, resp.Success, resp.Message)
	}
	info, err = os.Stat(child)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Fatalf("child mode = %o after recursive chmod, want 700", info.Mode().Perm())
	}
}
