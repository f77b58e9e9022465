package detach

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shellcrate/shellcrate/internal/action"
)

// stubRunner scripts the session side of the detached protocol: launches can
// fail a configured number of times, and polls stay pending for a configured
// number of probes before the done file "appears".
type stubRunner struct {
	launchFailures int
	pendingPolls   int
	doneCode       int
	neverDone      bool

	launches     int
	polls        int
	probedTokens []string
}

func (r *stubRunner) Run(_ context.Context, act action.BashAction) (action.Observation, error) {
	cmd := act.Command
	switch {
	case strings.Contains(cmd, "nohup"):
		r.launches++
		if r.launches <= r.launchFailures {
			return action.Observation{FailureReason: "fork refused"}, nil
		}
		idx := strings.LastIndex(cmd, "echo launched ")
		token := cmd[idx+len("echo launched "):]
		return action.Observation{ExitCode: action.IntPtr(0), Output: "launched " + token}, nil

	case strings.Contains(cmd, "tail -c"):
		return action.Observation{ExitCode: action.IntPtr(0), Output: "job log tail"}, nil

	default: // done-file probe
		r.polls++
		token := strings.TrimSuffix(strings.TrimPrefix(strings.Fields(cmd)[3], "/tmp/shellcrate-"), ".done")
		r.probedTokens = append(r.probedTokens, token)
		if r.neverDone || r.polls <= r.pendingPolls {
			return action.Observation{ExitCode: action.IntPtr(0), Output: "PENDING"}, nil
		}
		return action.Observation{ExitCode: action.IntPtr(0), Output: itoa(r.doneCode)}, nil
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

type stubStore struct {
	token   string
	history []string
}

func (s *stubStore) DetachToken() string { return s.token }
func (s *stubStore) SetDetachToken(token string) {
	s.token = token
	s.history = append(s.history, token)
}

func fastJob() Job {
	return Job{
		Session:      "default",
		Command:      "apt-get install -y something-large",
		PollInterval: time.Millisecond,
		WaitTimeout:  time.Second,
		Retries:      3,
	}
}

func TestRunSucceedsAfterTwoFailedLaunches(t *testing.T) {
	runner := &stubRunner{launchFailures: 2, pendingPolls: 2}
	o := New(runner, log.New(io.Discard))

	obs, err := o.Run(context.Background(), fastJob(), &stubStore{})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if obs.ExitCodeOrDefault(-1) != 0 {
		t.Fatalf("exit code = %d, want 0", obs.ExitCodeOrDefault(-1))
	}
	if runner.launches != 3 {
		t.Fatalf("launch attempts = %d, want 3", runner.launches)
	}
	if obs.Output != "job log tail" {
		t.Fatalf("output = %q, want the log tail", obs.Output)
	}
}

func TestStartGivesUpAfterRetryBudget(t *testing.T) {
	runner := &stubRunner{launchFailures: 3}
	o := New(runner, log.New(io.Discard))

	_, err := o.Start(context.Background(), fastJob())
	if err == nil {
		t.Fatal("Start succeeded, want failure after exhausted retries")
	}
	if runner.launches != 3 {
		t.Fatalf("launch attempts = %d, want 3", runner.launches)
	}
}

func TestRunTimesOutWhenJobNeverCompletes(t *testing.T) {
	runner := &stubRunner{neverDone: true}
	o := New(runner, log.New(io.Discard))

	job := fastJob()
	job.WaitTimeout = 30 * time.Millisecond

	obs, err := o.Run(context.Background(), job, &stubStore{})
	var terr *TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("error = %T (%v), want TimeoutError", err, err)
	}
	if obs.FailureReason == "" {
		t.Fatal("expected a failure reason on timeout")
	}
}

func TestRunReportsJobExitCode(t *testing.T) {
	runner := &stubRunner{doneCode: 17}
	o := New(runner, log.New(io.Discard))

	obs, err := o.Run(context.Background(), fastJob(), &stubStore{})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if obs.ExitCodeOrDefault(-1) != 17 {
		t.Fatalf("exit code = %d, want 17", obs.ExitCodeOrDefault(-1))
	}
}

func TestRunResumesStoredTokenWithoutRelaunch(t *testing.T) {
	runner := &stubRunner{pendingPolls: 1}
	o := New(runner, log.New(io.Discard))
	store := &stubStore{token: "dj-previously-launched"}

	obs, err := o.Run(context.Background(), fastJob(), store)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if obs.ExitCodeOrDefault(-1) != 0 {
		t.Fatalf("exit code = %d, want 0", obs.ExitCodeOrDefault(-1))
	}
	if runner.launches != 0 {
		t.Fatalf("launch attempts = %d, want 0 when resuming", runner.launches)
	}
	for _, token := range runner.probedTokens {
		if token != "dj-previously-launched" {
			t.Fatalf("probed token = %q, want the stored token", token)
		}
	}
	if store.token != "" {
		t.Fatalf("token after completion = %q, want cleared", store.token)
	}
}

func TestRunRecordsTokenBeforeWait(t *testing.T) {
	runner := &stubRunner{pendingPolls: 1}
	o := New(runner, log.New(io.Discard))
	store := &stubStore{}

	if _, err := o.Run(context.Background(), fastJob(), store); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(store.history) != 2 || store.history[0] == "" || store.history[1] != "" {
		t.Fatalf("token history = %v, want [token, \"\"]", store.history)
	}
}
