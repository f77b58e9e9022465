// Package agentrecipes drives install-and-run workflows for coding agents
// inside a sandbox: bootstrap a session, install a CLI tool with bounded
// retries, push its settings file, and run it detached with log polling.
package agentrecipes

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shellcrate/shellcrate/internal/action"
	"github.com/shellcrate/shellcrate/internal/controlapi"
	"gopkg.in/yaml.v3"
)

// Runner is the slice of the sandbox surface a recipe needs. *client.Sandbox
// satisfies it.
type Runner interface {
	CreateSession(ctx context.Context, req action.CreateSessionRequest) (action.CreateSessionResponse, error)
	RunBash(ctx context.Context, act action.BashAction) (action.Observation, error)
	Upload(ctx context.Context, sourcePath, targetPath string) (action.UploadResponse, error)
	RunDetached(ctx context.Context, req controlapi.DetachRunRequest) (action.Observation, error)
}

const (
	DefaultSession               = "agent-session"
	DefaultInstallTimeoutSeconds = 300
	DefaultRunTimeoutSeconds     = 1800
	DefaultRunPollSeconds        = 30
)

// Config describes one agent tool and how to install and invoke it.
type Config struct {
	// Session names the bash session all recipe steps share.
	Session string
	// PreStartup and PostStartup run around session creation; each command
	// must exit zero.
	PreStartup  []string
	PostStartup []string
	SessionEnv  map[string]string

	// InstallCommands install the tool, in order, each detached with the
	// orchestrator's retry budget.
	InstallCommands       []string
	InstallTimeoutSeconds float64
	// RegistryCommand points the package manager at a mirror. Failures are
	// logged, not fatal.
	RegistryCommand string

	// Settings is serialized to YAML and uploaded to SettingsPath.
	Settings     map[string]any
	SettingsPath string

	// RunCommand is the invocation template. Placeholders {prompt},
	// {resume_token}, and {log} are substituted (shell-quoted where needed)
	// before launch.
	RunCommand        string
	LogPath           string
	RunTimeoutSeconds float64
	RunPollSeconds    float64

	// ResumePattern extracts a resume token from the log tail; the first
	// capture group is the token. Empty disables resumption.
	ResumePattern string
}

func (c Config) session() string {
	if c.Session == "" {
		return DefaultSession
	}
	return c.Session
}

func (c Config) installTimeout() float64 {
	if c.InstallTimeoutSeconds <= 0 {
		return DefaultInstallTimeoutSeconds
	}
	return c.InstallTimeoutSeconds
}

func (c Config) runTimeout() float64 {
	if c.RunTimeoutSeconds <= 0 {
		return DefaultRunTimeoutSeconds
	}
	return c.RunTimeoutSeconds
}

func (c Config) runPoll() float64 {
	if c.RunPollSeconds <= 0 {
		return DefaultRunPollSeconds
	}
	return c.RunPollSeconds
}

// Recipe executes the workflow against one sandbox.
type Recipe struct {
	cfg    Config
	runner Runner
	logger *log.Logger
}

func New(cfg Config, runner Runner, logger *log.Logger) *Recipe {
	return &Recipe{cfg: cfg, runner: runner, logger: logger}
}

// Startup opens the recipe session and runs the pre/post startup command
// lists. Pre-startup commands run before the session exists, as one-shot
// session commands would not survive a session restart.
func (r *Recipe) Startup(ctx context.Context) error {
	started := time.Now()

	if _, err := r.runner.CreateSession(ctx, action.CreateSessionRequest{
		Session: r.cfg.session(),
		Env:     r.cfg.SessionEnv,
	}); err != nil {
		return fmt.Errorf("create session %s: %w", r.cfg.session(), err)
	}

	for _, cmd := range r.cfg.PreStartup {
		if err := r.runChecked(ctx, cmd); err != nil {
			return fmt.Errorf("pre-startup command: %w", err)
		}
	}
	for _, cmd := range r.cfg.PostStartup {
		if err := r.runChecked(ctx, cmd); err != nil {
			return fmt.Errorf("post-startup command: %w", err)
		}
	}

	if r.logger != nil {
		r.logger.Info("agent session ready", "session", r.cfg.session(), "elapsed", time.Since(started))
	}
	return nil
}

// Install installs the tool: registry configuration (best effort), the
// install command list detached with retry, then settings upload.
func (r *Recipe) Install(ctx context.Context) error {
	started := time.Now()

	if r.cfg.RegistryCommand != "" {
		obs, err := r.runner.RunBash(ctx, action.BashAction{
			Session: r.cfg.session(),
			Command: r.cfg.RegistryCommand,
		})
		if err != nil || obs.ExitCodeOrDefault(-1) != 0 {
			if r.logger != nil {
				r.logger.Warn("registry configuration failed", "session", r.cfg.session(), "error", err, "output", obs.Output)
			}
		}
	}

	for _, cmd := range r.cfg.InstallCommands {
		obs, err := r.runner.RunDetached(ctx, controlapi.DetachRunRequest{
			Session:     r.cfg.session(),
			Command:     cmd,
			WaitSeconds: r.cfg.installTimeout(),
		})
		if err != nil {
			return fmt.Errorf("install command %q: %w", cmd, err)
		}
		if code := obs.ExitCodeOrDefault(-1); code != 0 {
			return &action.CommandFailedError{
				ExitCode: code,
				Msg:      fmt.Sprintf("install command %q failed", cmd),
				Output:   obs.Output,
			}
		}
	}

	if err := r.uploadSettings(ctx); err != nil {
		return err
	}

	if r.logger != nil {
		r.logger.Info("agent tool installed", "session", r.cfg.session(), "elapsed", time.Since(started))
	}
	return nil
}

// Run invokes the tool detached against the project directory, resuming the
// previous run when the log still carries its token. It returns the final
// observation; the log tail rides in the output on timeout.
func (r *Recipe) Run(ctx context.Context, prompt, projectPath string) (action.Observation, error) {
	obs, err := r.runner.RunBash(ctx, action.BashAction{
		Session: r.cfg.session(),
		Command: "cd " + singleQuote(projectPath),
	})
	if err != nil {
		return obs, fmt.Errorf("enter project directory: %w", err)
	}
	if code := obs.ExitCodeOrDefault(-1); code != 0 {
		return obs, &action.CommandFailedError{
			ExitCode: code,
			Msg:      fmt.Sprintf("cannot enter project directory %s", projectPath),
			Output:   obs.Output,
		}
	}

	token, err := r.ResumeToken(ctx)
	if err != nil && r.logger != nil {
		r.logger.Warn("resume token lookup failed", "session", r.cfg.session(), "error", err)
	}
	if token != "" && r.logger != nil {
		r.logger.Info("resuming previous run", "session", r.cfg.session(), "token", token)
	}

	cmd := strings.NewReplacer(
		"{prompt}", singleQuote(prompt),
		"{resume_token}", token,
		"{log}", r.cfg.LogPath,
	).Replace(r.cfg.RunCommand)

	return r.runner.RunDetached(ctx, controlapi.DetachRunRequest{
		Session:     r.cfg.session(),
		Command:     cmd,
		LogPath:     r.cfg.LogPath,
		WaitSeconds: r.cfg.runTimeout(),
		PollSeconds: r.cfg.runPoll(),
	})
}

// ResumeToken tails the run log and extracts the token of the previous run,
// or "" when there is none.
func (r *Recipe) ResumeToken(ctx context.Context) (string, error) {
	if r.cfg.ResumePattern == "" || r.cfg.LogPath == "" {
		return "", nil
	}
	re, err := regexp.Compile(r.cfg.ResumePattern)
	if err != nil {
		return "", fmt.Errorf("resume pattern: %w", err)
	}

	obs, err := r.runner.RunBash(ctx, action.BashAction{
		Session: r.cfg.session(),
		Command: fmt.Sprintf("tail -1000 %s 2>/dev/null || true", r.cfg.LogPath),
	})
	if err != nil {
		return "", err
	}
	m := re.FindStringSubmatch(obs.Output)
	if len(m) < 2 {
		return "", nil
	}
	return m[1], nil
}

func (r *Recipe) uploadSettings(ctx context.Context) error {
	if r.cfg.SettingsPath == "" || len(r.cfg.Settings) == 0 {
		return nil
	}

	if err := r.runChecked(ctx, "mkdir -p "+singleQuote(settingsDir(r.cfg.SettingsPath))); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}

	payload, err := yaml.Marshal(r.cfg.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	tmp, err := os.CreateTemp("", "agent-settings-*.yaml")
	if err != nil {
		return fmt.Errorf("settings temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	resp, err := r.runner.Upload(ctx, tmp.Name(), r.cfg.SettingsPath)
	if err != nil {
		return fmt.Errorf("upload settings: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("upload settings to %s: %s", r.cfg.SettingsPath, resp.Message)
	}
	return nil
}

func (r *Recipe) runChecked(ctx context.Context, cmd string) error {
	obs, err := r.runner.RunBash(ctx, action.BashAction{
		Session: r.cfg.session(),
		Command: cmd,
		Check:   true,
	})
	if err != nil {
		return err
	}
	if code := obs.ExitCodeOrDefault(-1); code != 0 {
		return &action.CommandFailedError{ExitCode: code, Msg: fmt.Sprintf("command %q failed", cmd), Output: obs.Output}
	}
	return nil
}

func settingsDir(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "."
	}
	return path[:idx]
}

func singleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
