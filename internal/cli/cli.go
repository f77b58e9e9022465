package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/shellcrate/shellcrate/client"
	"github.com/shellcrate/shellcrate/internal/action"
	"github.com/shellcrate/shellcrate/internal/adminservice"
	"github.com/shellcrate/shellcrate/internal/deploy"
	"github.com/shellcrate/shellcrate/internal/endpoint"
	"github.com/shellcrate/shellcrate/internal/grid"
	"github.com/shellcrate/shellcrate/internal/runtime"
	"github.com/shellcrate/shellcrate/internal/runtimeconfig"
	"github.com/shellcrate/shellcrate/internal/runtimeserver"
	"github.com/shellcrate/shellcrate/internal/secret"
	"github.com/shellcrate/shellcrate/internal/store"
	"golang.org/x/term"
)

type runtimeContext struct {
	Stdout     *os.File
	Config     runtimeconfig.Config
	ConfigPath string
}

type CLI struct {
	Version kong.VersionFlag `help:"Print version and exit"`

	Serve   ServeCommand   `cmd:"" help:"Run the shellcrate admin server"`
	Agent   AgentCommand   `cmd:"" help:"Run the in-sandbox agent server"`
	Sandbox SandboxCommand `cmd:"" help:"Manage sandboxes"`
	Exec    ExecCommand    `cmd:"" help:"Execute a command in a sandbox"`
	Session SessionCommand `cmd:"" help:"Manage persistent bash sessions"`
	Detach  DetachCommand  `cmd:"" help:"Run a long command detached with completion polling"`
	Grid    GridCommand    `cmd:"" help:"Inspect the shared backend connection"`
	Secret  SecretCommand  `cmd:"" help:"Encrypt and decrypt configuration secrets"`
}

type ServeCommand struct {
	Listen   string `help:"Listen endpoint (unix://path, tcp://host:port, or vsock://cid:port)"`
	LogLevel string `help:"Server log level (debug|info|warn|error)"`
}

type AgentCommand struct {
	Listen        string `help:"Agent listen endpoint inside the sandbox"`
	SandboxID     string `env:"SHELLCRATE_SANDBOX_ID" help:"Sandbox id this agent serves"`
	ContainerName string `env:"SHELLCRATE_CONTAINER_NAME" help:"Container name this agent is bound to"`
	LogLevel      string `help:"Agent log level (debug|info|warn|error)"`
}

type SandboxCommand struct {
	Start SandboxStartCommand `cmd:"" help:"Start a sandbox"`
	Stop  SandboxStopCommand  `cmd:"" help:"Stop a sandbox"`
	List  SandboxListCommand  `cmd:"" help:"List sandboxes"`
	Get   SandboxGetCommand   `cmd:"" help:"Show one sandbox"`
}

type SandboxStartCommand struct {
	Host  string `help:"Admin endpoint (unix://path, tcp://host:port, or https://host:port)"`
	ID    string `help:"Sandbox id (generated when omitted)"`
	Image string `help:"Container image (defaults to config)"`
}

type SandboxStopCommand struct {
	Host string `help:"Admin endpoint"`
	ID   string `arg:"" help:"Sandbox id"`
}

type SandboxListCommand struct {
	Host string `help:"Admin endpoint"`
	JSON bool   `help:"Print sandboxes as JSON"`
}

type SandboxGetCommand struct {
	Host string `help:"Admin endpoint"`
	ID   string `arg:"" help:"Sandbox id"`
	JSON bool   `help:"Print sandbox as JSON"`
}

type ExecCommand struct {
	Host     string  `help:"Admin endpoint"`
	Sandbox  string  `help:"Sandbox id (an ephemeral sandbox is started when omitted)"`
	Image    string  `help:"Image for the ephemeral sandbox"`
	Shell    bool    `help:"Interpret the command as one shell string"`
	Timeout  float64 `help:"Command timeout in seconds"`
	LogLevel string  `help:"Client log level (debug|info|warn|error)"`

	Command []string `arg:"" passthrough:"" required:"" help:"Command to execute"`
}

type SessionCommand struct {
	Create    SessionCreateCommand    `cmd:"" help:"Open a named bash session"`
	Run       SessionRunCommand       `cmd:"" help:"Run a command inside a session"`
	Interrupt SessionInterruptCommand `cmd:"" help:"Interrupt the foreground command of a busy session"`
	Close     SessionCloseCommand     `cmd:"" help:"Close a session"`
}

type SessionCreateCommand struct {
	Host    string  `help:"Admin endpoint"`
	Sandbox string  `required:"" help:"Sandbox id"`
	Name    string  `help:"Session name (default: default)"`
	User    string  `help:"Remote user the session shell runs as"`
	Startup float64 `help:"Startup timeout in seconds"`
}

type SessionRunCommand struct {
	Host    string  `help:"Admin endpoint"`
	Sandbox string  `required:"" help:"Sandbox id"`
	Name    string  `help:"Session name (default: default)"`
	Timeout float64 `help:"Command timeout in seconds"`

	Command []string `arg:"" passthrough:"" required:"" help:"Command line to run in the session"`
}

type SessionInterruptCommand struct {
	Host    string  `help:"Admin endpoint"`
	Sandbox string  `required:"" help:"Sandbox id"`
	Name    string  `help:"Session name (default: default)"`
	Timeout float64 `help:"Per-attempt prompt wait in seconds"`
	Retries int     `help:"Interrupt attempts before giving up"`
}

type SessionCloseCommand struct {
	Host    string `help:"Admin endpoint"`
	Sandbox string `required:"" help:"Sandbox id"`
	Name    string `help:"Session name (default: default)"`
}

type DetachCommand struct {
	Host    string  `help:"Admin endpoint"`
	Sandbox string  `required:"" help:"Sandbox id"`
	Session string  `help:"Session name (default: default)"`
	Log     string  `help:"Log file path inside the sandbox"`
	Wait    float64 `help:"Completion wait budget in seconds"`
	Poll    float64 `help:"Poll interval in seconds"`
	Retries int     `help:"Launch retry budget"`

	Command []string `arg:"" passthrough:"" required:"" help:"Command line to launch detached"`
}

type GridCommand struct {
	State GridStateCommand `cmd:"" help:"Show the backend connection state"`
}

type GridStateCommand struct {
	Host string `help:"Admin endpoint"`
}

type SecretCommand struct {
	Keygen  SecretKeygenCommand  `cmd:"" help:"Generate a new encryption key"`
	Encrypt SecretEncryptCommand `cmd:"" help:"Encrypt a value"`
	Decrypt SecretDecryptCommand `cmd:"" help:"Decrypt a token"`
}

type SecretKeygenCommand struct{}

type SecretEncryptCommand struct {
	Key   string `required:"" env:"SHELLCRATE_SECRET_KEY" help:"Base64 encryption key"`
	Value string `arg:"" help:"Plaintext value to encrypt"`
}

type SecretDecryptCommand struct {
	Key   string `required:"" env:"SHELLCRATE_SECRET_KEY" help:"Base64 encryption key"`
	Token string `arg:"" help:"Token to decrypt"`
}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

func Run(args []string, version string) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}

	runtimeCtx := &runtimeContext{
		Stdout:     os.Stdout,
		Config:     cfg,
		ConfigPath: cfgPath,
	}

	cli := CLI{}
	parser, err := kong.New(
		&cli,
		kong.Name("shellcrate"),
		kong.Description("Sandboxed remote command execution"),
		kong.Vars{"version": version},
	)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return ctx.Run(runtimeCtx)
}

// ExitCode maps an error from Run to a process exit code. Command failures
// carry the remote exit code; everything else is 1.
func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	var cmdErr *action.CommandFailedError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode
	}
	return 1
}

func (s *ServeCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(firstNonEmpty(s.LogLevel, ctx.Config.LogLevel), "server")
	if err != nil {
		return err
	}

	ep, err := endpoint.Resolve(firstNonEmpty(s.Listen, ctx.Config.Listen))
	if err != nil {
		return err
	}

	st, err := store.New(store.Options{DBPath: ctx.Config.RegistryDB})
	if err != nil {
		return fmt.Errorf("open sandbox registry: %w", err)
	}

	var guard *grid.Guard
	if ctx.Config.Grid.Address != "" {
		guard = grid.New(ctx.Config.Grid, grid.DialTCP, logger.With("subsystem", "grid"))
	}

	service := adminservice.New(adminservice.Config{
		Deploy: ctx.Config.Deploy,
		Store:  st,
		Grid:   guard,
		Logger: logger.With("subsystem", "service"),
	})
	if adopted, err := service.AdoptPersisted(context.Background()); err != nil {
		logger.Warn("could not adopt persisted sandboxes", "error", err)
	} else if adopted > 0 {
		logger.Info("adopted persisted sandboxes", "count", adopted)
	}
	service.StartReaper(0)

	server := adminservice.NewServer(adminservice.ServerConfig{
		Endpoint: ep,
		Service:  service,
		Logger:   logger.With("subsystem", "http"),
	})
	if err := server.Start(); err != nil {
		return err
	}
	logger.Info("admin server ready", "config", ctx.ConfigPath)

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-runCtx.Done()
	return server.Stop(context.Background())
}

func (a *AgentCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(firstNonEmpty(a.LogLevel, ctx.Config.LogLevel), "agent")
	if err != nil {
		return err
	}
	if a.ContainerName == "" {
		return errors.New("agent requires --container-name or SHELLCRATE_CONTAINER_NAME")
	}

	ep, err := endpoint.Resolve(firstNonEmpty(a.Listen, ctx.Config.Agent.Listen))
	if err != nil {
		return err
	}

	dep := deploy.NewLocal(action.Identity{
		SandboxID:     a.SandboxID,
		ContainerName: a.ContainerName,
	})
	if err := dep.Start(context.Background()); err != nil {
		return err
	}

	server := runtimeserver.New(runtimeserver.Config{
		Endpoint: ep,
		Runtime:  runtime.New(dep, logger.With("subsystem", "runtime")),
		Logger:   logger.With("subsystem", "http"),
	})
	if err := server.Start(); err != nil {
		return err
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-runCtx.Done()
	return server.Stop(context.Background())
}

func (c *SandboxStartCommand) Run(ctx *runtimeContext) error {
	api, err := client.New(c.Host)
	if err != nil {
		return err
	}
	deployCfg := ctx.Config.Deploy
	if c.Image != "" {
		deployCfg.Image = c.Image
	}
	resp, err := api.StartSandbox(context.Background(), client.StartSandboxRequest{
		SandboxID: c.ID,
		Deploy:    deployCfg,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "sandbox_id=%s container=%s image=%s\n", resp.SandboxID, resp.ContainerName, resp.Image)
	return err
}

func (c *SandboxStopCommand) Run(ctx *runtimeContext) error {
	api, err := client.New(c.Host)
	if err != nil {
		return err
	}
	resp, err := api.StopSandbox(context.Background(), c.ID)
	if err != nil {
		return err
	}
	if !resp.Stopped {
		_, err = fmt.Fprintf(ctx.Stdout, "sandbox %s was not running\n", c.ID)
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "stopped %s\n", c.ID)
	return err
}

func (c *SandboxListCommand) Run(ctx *runtimeContext) error {
	api, err := client.New(c.Host)
	if err != nil {
		return err
	}
	resp, err := api.ListSandboxes(context.Background())
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(ctx.Stdout, resp.Sandboxes)
	}
	if len(resp.Sandboxes) == 0 {
		_, err = fmt.Fprintln(ctx.Stdout, "no sandboxes")
		return err
	}
	for _, info := range resp.Sandboxes {
		if _, err := fmt.Fprintf(ctx.Stdout, "%s\t%s\t%s\t%s\n", info.SandboxID, info.Status, info.Image, info.ContainerName); err != nil {
			return err
		}
	}
	return nil
}

func (c *SandboxGetCommand) Run(ctx *runtimeContext) error {
	api, err := client.New(c.Host)
	if err != nil {
		return err
	}
	info, err := api.GetSandbox(context.Background(), c.ID)
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(ctx.Stdout, info)
	}
	_, err = fmt.Fprintf(ctx.Stdout, "sandbox_id=%s status=%s image=%s container=%s created=%s\n",
		info.SandboxID, info.Status, info.Image, info.ContainerName, info.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	return err
}

func (e *ExecCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(firstNonEmpty(e.LogLevel, ctx.Config.LogLevel), "client")
	if err != nil {
		return err
	}
	api, err := client.New(e.Host)
	if err != nil {
		return err
	}

	sandboxID := e.Sandbox
	if sandboxID == "" {
		deployCfg := ctx.Config.Deploy
		if e.Image != "" {
			deployCfg.Image = e.Image
		}
		resp, err := api.StartSandbox(context.Background(), client.StartSandboxRequest{Deploy: deployCfg})
		if err != nil {
			return fmt.Errorf("start ephemeral sandbox: %w", err)
		}
		sandboxID = resp.SandboxID
		logger.Debug("ephemeral sandbox started", "sandbox_id", sandboxID, "image", resp.Image)
		defer func() {
			if _, stopErr := api.StopSandbox(context.Background(), sandboxID); stopErr != nil {
				logger.Warn("stop ephemeral sandbox failed", "sandbox_id", sandboxID, "error", stopErr)
			}
		}()
	}

	command := append([]string(nil), e.Command...)
	if e.Shell && len(command) > 1 {
		command = []string{strings.Join(command, " ")}
	}
	obs, err := api.Sandbox(sandboxID).Execute(context.Background(), client.Command{
		Command:        command,
		Shell:          e.Shell,
		TimeoutSeconds: e.Timeout,
	})
	if err != nil {
		return err
	}
	return printObservation(ctx.Stdout, obs)
}

func (c *SessionCreateCommand) Run(ctx *runtimeContext) error {
	api, err := client.New(c.Host)
	if err != nil {
		return err
	}
	resp, err := api.Sandbox(c.Sandbox).CreateSession(context.Background(), client.CreateSessionRequest{
		Session:               c.Name,
		RemoteUser:            c.User,
		StartupTimeoutSeconds: c.Startup,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "session=%s\n", resp.Session)
	return err
}

func (c *SessionRunCommand) Run(ctx *runtimeContext) error {
	api, err := client.New(c.Host)
	if err != nil {
		return err
	}
	obs, err := api.Sandbox(c.Sandbox).RunBash(context.Background(), client.BashAction{
		Session:        c.Name,
		Command:        strings.Join(c.Command, " "),
		TimeoutSeconds: c.Timeout,
	})
	if err != nil {
		return err
	}
	return printObservation(ctx.Stdout, obs)
}

func (c *SessionInterruptCommand) Run(ctx *runtimeContext) error {
	api, err := client.New(c.Host)
	if err != nil {
		return err
	}
	obs, err := api.Sandbox(c.Sandbox).Interrupt(context.Background(), client.InterruptAction{
		Session:        c.Name,
		TimeoutSeconds: c.Timeout,
		NRetry:         c.Retries,
	})
	if err != nil {
		return err
	}
	if obs.Output != "" {
		if _, err := fmt.Fprintln(ctx.Stdout, obs.Output); err != nil {
			return err
		}
	}
	return nil
}

func (c *SessionCloseCommand) Run(ctx *runtimeContext) error {
	api, err := client.New(c.Host)
	if err != nil {
		return err
	}
	resp, err := api.Sandbox(c.Sandbox).CloseSession(context.Background(), c.Name)
	if err != nil {
		return err
	}
	if !resp.Success {
		return errors.New("close session did not succeed")
	}
	return nil
}

func (d *DetachCommand) Run(ctx *runtimeContext) error {
	api, err := client.New(d.Host)
	if err != nil {
		return err
	}
	obs, err := api.Sandbox(d.Sandbox).RunDetached(context.Background(), client.DetachRunRequest{
		Session:     d.Session,
		Command:     strings.Join(d.Command, " "),
		LogPath:     d.Log,
		WaitSeconds: d.Wait,
		PollSeconds: d.Poll,
		Retries:     d.Retries,
	})
	if err != nil {
		return err
	}
	return printObservation(ctx.Stdout, obs)
}

func (g *GridStateCommand) Run(ctx *runtimeContext) error {
	api, err := client.New(g.Host)
	if err != nil {
		return err
	}
	state, err := api.GridState(context.Background())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "alive=%v requests=%d established=%s\n",
		state.Alive, state.RequestCount, state.EstablishedAt.Format("2006-01-02T15:04:05Z07:00"))
	return err
}

func (s *SecretKeygenCommand) Run(ctx *runtimeContext) error {
	key, err := secret.NewKey()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(ctx.Stdout, key.String())
	return err
}

func (s *SecretEncryptCommand) Run(ctx *runtimeContext) error {
	key, err := secret.ParseKey(s.Key)
	if err != nil {
		return err
	}
	token, err := secret.Encrypt(key, []byte(s.Value))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(ctx.Stdout, token)
	return err
}

func (s *SecretDecryptCommand) Run(ctx *runtimeContext) error {
	key, err := secret.ParseKey(s.Key)
	if err != nil {
		return err
	}
	plaintext, err := secret.Decrypt(key, s.Token)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(ctx.Stdout, string(plaintext))
	return err
}

// printObservation writes output to stdout and stderr the way the remote
// process would have, then converts a nonzero exit into the process status.
func printObservation(stdout *os.File, obs client.Observation) error {
	if obs.Output != "" {
		if _, err := fmt.Fprint(stdout, obs.Output); err != nil {
			return err
		}
		if !strings.HasSuffix(obs.Output, "\n") {
			if _, err := fmt.Fprintln(stdout); err != nil {
				return err
			}
		}
	}
	if obs.Stderr != "" {
		if _, err := fmt.Fprint(os.Stderr, obs.Stderr); err != nil {
			return err
		}
	}
	if obs.FailureReason != "" {
		return errors.New(obs.FailureReason)
	}
	if code := obs.ExitCodeOrDefault(0); code != 0 {
		return exitCodeError{code: code}
	}
	return nil
}

func printJSON(stdout *os.File, v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	formatter := log.LogfmtFormatter
	if term.IsTerminal(int(os.Stderr.Fd())) {
		formatter = log.TextFormatter
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: formatter,
	})
	return logger.With("component", component), nil
}
