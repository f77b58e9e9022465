package deploy

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shellcrate/shellcrate/internal/action"
)

const containerNamePrefix = "shellcrate-"

// startStopTimeout bounds docker lifecycle commands; image pulls get longer.
const (
	startStopTimeout = 120 * time.Second
	pullTimeout      = 600 * time.Second
)

// Docker drives one container through the docker CLI.
type Docker struct {
	cfg    Config
	id     action.Identity
	logger *log.Logger
	binary string

	mu      sync.Mutex
	started bool
}

// NewDocker resolves the config and binds a deployment to the sandbox id.
// The container name defaults to a prefix plus the sandbox id.
func NewDocker(sandboxID string, cfg Config, logger *log.Logger) (*Docker, error) {
	resolved, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}
	containerName := strings.TrimSpace(resolved.ContainerName)
	if containerName == "" {
		containerName = containerNamePrefix + sandboxID
		resolved.ContainerName = containerName
	}
	return &Docker{
		cfg:    resolved,
		id:     action.Identity{SandboxID: sandboxID, ContainerName: containerName},
		logger: logger,
		binary: "docker",
	}, nil
}

func (d *Docker) Identity() action.Identity { return d.id }

// Config returns the resolved deployment config.
func (d *Docker) Config() Config { return d.cfg }

func (d *Docker) Start(ctx context.Context) error {
	started := time.Now()
	if err := d.ensureImage(ctx); err != nil {
		return err
	}

	args := d.cfg.runArgs()
	args = append(args, "--name", d.id.ContainerName, d.cfg.Image, "sleep", "infinity")
	obs, err := d.docker(ctx, startStopTimeout, nil, args...)
	if err != nil {
		return fmt.Errorf("docker run: %w", err)
	}
	if obs.Failed() {
		return fmt.Errorf("docker run %q: %s", d.cfg.Image, observationFailure(obs))
	}

	d.mu.Lock()
	d.started = true
	d.mu.Unlock()

	if d.logger != nil {
		d.logger.Info("container started",
			"container", d.id.ContainerName,
			"image", d.cfg.Image,
			"elapsed", time.Since(started).Round(time.Millisecond),
		)
	}
	return nil
}

// Adopt binds to a container this process did not start, verifying it is
// still running. Used when the daemon restarts over persisted records.
func (d *Docker) Adopt(ctx context.Context) error {
	d.mu.Lock()
	d.started = true
	d.mu.Unlock()

	if err := d.IsAlive(ctx); err != nil {
		d.mu.Lock()
		d.started = false
		d.mu.Unlock()
		return err
	}
	if d.logger != nil {
		d.logger.Info("container adopted", "container", d.id.ContainerName)
	}
	return nil
}

func (d *Docker) Stop(ctx context.Context) error {
	obs, err := d.docker(ctx, startStopTimeout, nil, "rm", "--force", d.id.ContainerName)
	if err != nil {
		return fmt.Errorf("docker rm: %w", err)
	}
	if obs.Failed() {
		return fmt.Errorf("docker rm %q: %s", d.id.ContainerName, observationFailure(obs))
	}

	d.mu.Lock()
	d.started = false
	d.mu.Unlock()

	if d.logger != nil {
		d.logger.Info("container removed", "container", d.id.ContainerName)
	}
	return nil
}

func (d *Docker) IsAlive(ctx context.Context) error {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	obs, err := d.docker(ctx, startStopTimeout, nil,
		"inspect", "--format", "{{.State.Running}}", d.id.ContainerName)
	if err != nil {
		return err
	}
	if obs.Failed() {
		return fmt.Errorf("container %q is gone: %s", d.id.ContainerName, observationFailure(obs))
	}
	if strings.TrimSpace(obs.Output) != "true" {
		return fmt.Errorf("container %q is not running", d.id.ContainerName)
	}
	return nil
}

func (d *Docker) Execute(ctx context.Context, cmd action.Command) (action.Observation, error) {
	argv, err := commandArgv(cmd)
	if err != nil {
		return action.Observation{}, err
	}

	args := []string{"exec"}
	if cmd.CWD != "" {
		args = append(args, "--workdir", cmd.CWD)
	}
	for key, value := range cmd.Env {
		args = append(args, "--env", key+"="+value)
	}
	args = append(args, d.id.ContainerName)
	args = append(args, argv...)
	return d.docker(ctx, commandTimeout(cmd.TimeoutSeconds), nil, args...)
}

func (d *Docker) ReadFile(ctx context.Context, path string) (string, error) {
	obs, err := d.docker(ctx, startStopTimeout, nil, "exec", d.id.ContainerName, "cat", "--", path)
	if err != nil {
		return "", err
	}
	if obs.Failed() {
		return "", fmt.Errorf("read %q: %s", path, observationFailure(obs))
	}
	return obs.Output, nil
}

func (d *Docker) WriteFile(ctx context.Context, path, content string) error {
	script := fmt.Sprintf("mkdir -p -- \"$(dirname -- %[1]q)\" && cat > %[1]q", path)
	obs, err := d.docker(ctx, startStopTimeout, strings.NewReader(content),
		"exec", "--interactive", d.id.ContainerName, "/bin/sh", "-c", script)
	if err != nil {
		return err
	}
	if obs.Failed() {
		return fmt.Errorf("write %q: %s", path, observationFailure(obs))
	}
	return nil
}

func (d *Docker) Upload(ctx context.Context, sourcePath, targetPath string) error {
	obs, err := d.docker(ctx, pullTimeout, nil, "cp", sourcePath, d.id.ContainerName+":"+targetPath)
	if err != nil {
		return err
	}
	if obs.Failed() {
		return fmt.Errorf("upload %q: %s", sourcePath, observationFailure(obs))
	}
	return nil
}

func (d *Docker) ShellCommand(remoteUser string) *exec.Cmd {
	args := []string{"exec", "--interactive", "--tty"}
	if remoteUser != "" {
		args = append(args, "--user", remoteUser)
	}
	args = append(args, d.id.ContainerName, "/bin/bash")
	return exec.Command(d.binary, args...)
}

func (d *Docker) ensureImage(ctx context.Context) error {
	switch d.cfg.Pull {
	case PullNever:
		return nil
	case PullMissing:
		obs, err := d.docker(ctx, startStopTimeout, nil, "image", "inspect", d.cfg.Image)
		if err == nil && !obs.Failed() {
			return nil
		}
	}

	if d.logger != nil {
		d.logger.Info("pulling image", "image", d.cfg.Image, "pull", string(d.cfg.Pull))
	}
	obs, err := d.docker(ctx, pullTimeout, nil, "pull", d.cfg.Image)
	if err != nil {
		return fmt.Errorf("docker pull: %w", err)
	}
	if obs.Failed() {
		return fmt.Errorf("docker pull %q: %s", d.cfg.Image, observationFailure(obs))
	}
	return nil
}

func (d *Docker) docker(ctx context.Context, timeout time.Duration, stdin *strings.Reader, args ...string) (action.Observation, error) {
	build := func(runCtx context.Context) *exec.Cmd {
		c := exec.CommandContext(runCtx, d.binary, args...)
		if stdin != nil {
			c.Stdin = stdin
		}
		return c
	}
	return runObserved(ctx, timeout, build)
}

func observationFailure(obs action.Observation) string {
	if obs.FailureReason != "" {
		return obs.FailureReason
	}
	msg := strings.TrimSpace(obs.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(obs.Output)
	}
	if msg == "" {
		msg = fmt.Sprintf("exit code %d", obs.ExitCodeOrDefault(1))
	}
	return msg
}
