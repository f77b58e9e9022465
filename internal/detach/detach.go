// Package detach launches long-running commands decoupled from the calling
// request and observes their completion by polling. The launched job writes
// its exit status to a per-job done file; the poll loop watches for that
// file, never holding any sandbox-wide lock while it waits.
package detach

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/shellcrate/shellcrate/internal/action"
)

const (
	DefaultPollInterval  = 1 * time.Second
	DefaultWaitTimeout   = 10 * time.Minute
	DefaultLaunchRetries = 3

	// launchTimeout bounds the synchronous part of a detached launch (the
	// background fork itself, not the job).
	launchTimeout = 10.0
	probeTimeout  = 10.0

	logTailBytes = 4000
)

// TimeoutError reports that a detached job showed no completion signal
// within the overall wait budget. The job may still be running.
type TimeoutError struct {
	Token string
	Wait  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("detached job %s did not complete within %s", e.Token, e.Wait)
}

// Runner dispatches a bash action into a session and returns its
// observation.
type Runner interface {
	Run(ctx context.Context, act action.BashAction) (action.Observation, error)
}

// TokenStore keeps the correlation token of the most recent detached job so
// a later poll-only call can resume watching it instead of relaunching.
type TokenStore interface {
	DetachToken() string
	SetDetachToken(token string)
}

// Job describes one detached invocation.
type Job struct {
	// Session names the bash session used for launch and polling.
	Session string
	// Command is the shell command to run detached.
	Command string
	// LogPath receives the job's combined output. Defaults to a token-named
	// file under /tmp.
	LogPath string

	PollInterval time.Duration
	WaitTimeout  time.Duration
	// Retries bounds relaunch attempts when the launch itself reports
	// immediate failure.
	Retries int
}

func (j Job) pollInterval() time.Duration {
	if j.PollInterval > 0 {
		return j.PollInterval
	}
	return DefaultPollInterval
}

func (j Job) waitTimeout() time.Duration {
	if j.WaitTimeout > 0 {
		return j.WaitTimeout
	}
	return DefaultWaitTimeout
}

func (j Job) retries() int {
	if j.Retries > 0 {
		return j.Retries
	}
	return DefaultLaunchRetries
}

func (j Job) logPath(token string) string {
	if j.LogPath != "" {
		return j.LogPath
	}
	return "/tmp/shellcrate-" + token + ".log"
}

func donePath(token string) string {
	return "/tmp/shellcrate-" + token + ".done"
}

// Orchestrator drives the two-phase detached protocol: Start returns a
// correlation token immediately, Await polls for completion keyed by that
// token.
type Orchestrator struct {
	runner Runner
	logger *log.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(runner Runner, logger *log.Logger) *Orchestrator {
	return &Orchestrator{
		runner: runner,
		logger: logger,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// Start launches the job detached and returns its correlation token. A
// launch reporting immediate failure is retried up to the job's retry
// bound. Note a relaunch after an ambiguous failure can start the job a
// second time; callers needing exactly-once must make the command
// idempotent.
func (o *Orchestrator) Start(ctx context.Context, job Job) (string, error) {
	retries := job.retries()
	for attempt := 1; attempt <= retries; attempt++ {
		token := newToken()
		obs, err := o.runner.Run(ctx, action.BashAction{
			Session:        job.Session,
			Command:        launchLine(job, token),
			TimeoutSeconds: launchTimeout,
		})
		if err != nil {
			return "", fmt.Errorf("launch detached job: %w", err)
		}
		if obs.Failed() || !strings.Contains(obs.Output, "launched "+token) {
			if o.logger != nil {
				o.logger.Warn("detached launch failed",
					"session", job.Session, "attempt", attempt, "reason", obs.FailureReason)
			}
			continue
		}
		return token, nil
	}
	return "", fmt.Errorf("detached launch failed after %d attempts", retries)
}

// Await polls for the job's done file until it appears or the wait budget
// runs out. On completion it returns the job's exit code and the tail of
// its log; on timeout it returns a TimeoutError (the job keeps running).
func (o *Orchestrator) Await(ctx context.Context, job Job, token string) (action.Observation, error) {
	wait := job.waitTimeout()
	deadline := time.Now().Add(wait)

	for {
		obs, err := o.runner.Run(ctx, action.BashAction{
			Session:        job.Session,
			Command:        probeLine(token),
			TimeoutSeconds: probeTimeout,
		})
		if err != nil {
			return action.Observation{}, fmt.Errorf("poll detached job %s: %w", token, err)
		}

		status := strings.TrimSpace(obs.Output)
		if code, ok := parseDone(status); ok {
			return o.collect(ctx, job, token, code)
		}

		if time.Now().After(deadline) {
			return action.Observation{
				FailureReason: fmt.Sprintf("no completion signal within %s", wait),
			}, &TimeoutError{Token: token, Wait: wait}
		}
		if err := o.sleep(ctx, job.pollInterval()); err != nil {
			return action.Observation{}, err
		}
	}
}

// Run is the full protocol: resume an already-launched job when the store
// holds a token, otherwise launch fresh. The token is recorded before the
// wait and cleared once the job completes, so a caller whose wait timed out
// can call again and keep watching the same job.
func (o *Orchestrator) Run(ctx context.Context, job Job, store TokenStore) (action.Observation, error) {
	token := ""
	if store != nil {
		token = store.DetachToken()
	}
	if token == "" {
		launched, err := o.Start(ctx, job)
		if err != nil {
			return action.Observation{}, err
		}
		token = launched
		if store != nil {
			store.SetDetachToken(token)
		}
	} else if o.logger != nil {
		o.logger.Info("resuming detached job", "session", job.Session, "token", token)
	}

	obs, err := o.Await(ctx, job, token)
	if err == nil && store != nil {
		store.SetDetachToken("")
	}
	return obs, err
}

// collect reads the log tail for a completed job.
func (o *Orchestrator) collect(ctx context.Context, job Job, token string, code int) (action.Observation, error) {
	obs, err := o.runner.Run(ctx, action.BashAction{
		Session:        job.Session,
		Command:        fmt.Sprintf("tail -c %d %s 2>/dev/null || true", logTailBytes, job.logPath(token)),
		TimeoutSeconds: probeTimeout,
	})
	if err != nil {
		return action.Observation{}, fmt.Errorf("read detached job log: %w", err)
	}
	return action.Observation{ExitCode: action.IntPtr(code), Output: obs.Output}, nil
}

// launchLine forks the job into the background and acknowledges the launch.
// The job itself records its exit status into the done file when finished.
func launchLine(job Job, token string) string {
	inner := job.Command + " ; echo $? > " + donePath(token)
	return fmt.Sprintf("{ nohup bash -c %s > %s 2>&1 & } && echo launched %s",
		singleQuote(inner), job.logPath(token), token)
}

func probeLine(token string) string {
	done := donePath(token)
	return fmt.Sprintf("if [ -f %s ]; then cat %s; else echo PENDING; fi", done, done)
}

func parseDone(status string) (int, bool) {
	if status == "" || strings.Contains(status, "PENDING") {
		return 0, false
	}
	fields := strings.Fields(status)
	code, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return 0, false
	}
	return code, true
}

func newToken() string {
	return "dj-" + uuid.NewString()
}

func singleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
