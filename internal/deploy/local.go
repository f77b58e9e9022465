package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shellcrate/shellcrate/internal/action"
)

// DefaultCommandTimeout bounds one-shot commands that do not specify their
// own timeout.
const DefaultCommandTimeout = 1200 * time.Second

// Local runs work directly in the current environment. It backs the runtime
// agent (which already lives inside the sandbox) and the test suite.
type Local struct {
	id action.Identity

	mu      sync.Mutex
	started bool
}

func NewLocal(id action.Identity) *Local {
	return &Local{id: id}
}

func (l *Local) Identity() action.Identity { return l.id }

func (l *Local) Start(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = true
	return nil
}

// Adopt is equivalent to Start: the local environment is always reachable.
func (l *Local) Adopt(ctx context.Context) error { return l.Start(ctx) }

func (l *Local) Stop(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = false
	return nil
}

func (l *Local) IsAlive(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return ErrNotStarted
	}
	return nil
}

func (l *Local) Execute(ctx context.Context, cmd action.Command) (action.Observation, error) {
	argv, err := commandArgv(cmd)
	if err != nil {
		return action.Observation{}, err
	}
	build := func(runCtx context.Context) *exec.Cmd {
		c := exec.CommandContext(runCtx, argv[0], argv[1:]...)
		if cmd.CWD != "" {
			c.Dir = cmd.CWD
		}
		if len(cmd.Env) > 0 {
			c.Env = mergedEnv(os.Environ(), cmd.Env)
		}
		return c
	}
	return runObserved(ctx, commandTimeout(cmd.TimeoutSeconds), build)
}

func (l *Local) ReadFile(_ context.Context, path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (l *Local) WriteFile(_ context.Context, path, content string) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func (l *Local) Upload(_ context.Context, sourcePath, targetPath string) error {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return copyTree(sourcePath, targetPath)
	}
	return copyFile(sourcePath, targetPath, info.Mode())
}

func (l *Local) ShellCommand(remoteUser string) *exec.Cmd {
	if remoteUser != "" {
		return exec.Command("su", remoteUser, "-s", "/bin/bash")
	}
	return exec.Command("/bin/bash")
}

// commandArgv resolves the Shell flag: a shell command string runs under
// sh -c, an argv runs directly.
func commandArgv(cmd action.Command) ([]string, error) {
	if len(cmd.Command) == 0 {
		return nil, action.Validationf("empty command")
	}
	if cmd.Shell {
		return []string{"/bin/sh", "-c", strings.Join(cmd.Command, " ")}, nil
	}
	return cmd.Command, nil
}

func commandTimeout(seconds float64) time.Duration {
	if seconds <= 0 {
		return DefaultCommandTimeout
	}
	return time.Duration(seconds * float64(time.Second))
}

// runObserved executes a command under a timeout and folds the outcome into
// an Observation. Nonzero exits and timeouts are observations; only failures
// to run the process at all surface as errors.
func runObserved(ctx context.Context, timeout time.Duration, build func(context.Context) *exec.Cmd) (action.Observation, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c := build(runCtx)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	obs := action.Observation{Output: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		obs.ExitCode = action.IntPtr(0)
		return obs, nil
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		obs.FailureReason = fmt.Sprintf("command timed out after %s", timeout)
		return obs, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		obs.ExitCode = action.IntPtr(exitErr.ExitCode())
		return obs, nil
	}
	return action.Observation{}, err
}

func mergedEnv(base []string, extra map[string]string) []string {
	out := append([]string(nil), base...)
	for key, value := range extra {
		out = append(out, key+"="+value)
	}
	return out
}

func copyFile(src, dst string, mode os.FileMode) error {
	if dir := filepath.Dir(dst); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode())
	})
}
