package action

// External action shapes accepted by the client-facing tier. Each external
// kind has exactly one internal counterpart in internal.go; only Resolve may
// construct the internal shape.

// Identity is the resolved routing identity for one sandbox. Exactly one
// deployment owns an Identity for its lifetime.
type Identity struct {
	SandboxID     string `json:"sandbox_id"`
	ContainerName string `json:"container_name"`
}

// Command is a one-shot command executed outside any session.
type Command struct {
	// Command is an argument list, or a single shell string when Shell is set.
	Command []string `json:"command"`
	// Shell interprets Command[0] as a shell string instead of an argv.
	Shell bool `json:"shell,omitempty"`
	// TimeoutSeconds bounds the wait for completion. Zero means the default.
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
	// Check raises a CommandFailedError on nonzero exit instead of returning
	// the observation to the caller.
	Check bool `json:"check,omitempty"`
	// ErrorMsg overrides the CommandFailedError message when Check is set.
	ErrorMsg string            `json:"error_msg,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	CWD      string            `json:"cwd,omitempty"`
	SandboxID string           `json:"sandbox_id,omitempty"`
}

// BashAction runs a command inside an existing bash session.
type BashAction struct {
	Command string `json:"command"`
	Session string `json:"session,omitempty"`
	// IsInteractiveCommand marks a non-exiting command sent to an interactive
	// program (e.g. gdb). The prompt sentinel will not reappear; completion is
	// detected through Expect patterns instead.
	IsInteractiveCommand bool `json:"is_interactive_command,omitempty"`
	// IsInteractiveQuit disables the exit-code probe, for commands that leave
	// an interactive program without producing a fresh exit status.
	IsInteractiveQuit bool `json:"is_interactive_quit,omitempty"`
	// Expect lists outputs accepted as completion checkpoints in addition to
	// the prompt sentinel.
	Expect         []string `json:"expect,omitempty"`
	TimeoutSeconds float64  `json:"timeout_seconds,omitempty"`
	Check          bool     `json:"check,omitempty"`
	ErrorMsg       string   `json:"error_msg,omitempty"`
	SandboxID      string   `json:"sandbox_id,omitempty"`
}

// CreateSessionRequest opens a named persistent bash session.
type CreateSessionRequest struct {
	Session               string            `json:"session,omitempty"`
	RemoteUser            string            `json:"remote_user,omitempty"`
	StartupTimeoutSeconds float64           `json:"startup_timeout_seconds,omitempty"`
	// EnvEnable sources the default login environment into the session.
	EnvEnable bool `json:"env_enable,omitempty"`
	// MaxReadSize clamps the output retained per action. Zero means default.
	MaxReadSize int               `json:"max_read_size,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	SandboxID   string            `json:"sandbox_id,omitempty"`
}

// CloseSessionRequest closes a session. Closing twice is a no-op success.
type CloseSessionRequest struct {
	Session   string `json:"session,omitempty"`
	SandboxID string `json:"sandbox_id,omitempty"`
}

// InterruptAction sends an interrupt into a busy session and waits for the
// prompt to return, retrying the signal up to NRetry times.
type InterruptAction struct {
	Session        string   `json:"session,omitempty"`
	TimeoutSeconds float64  `json:"timeout_seconds,omitempty"`
	NRetry         int      `json:"n_retry,omitempty"`
	Expect         []string `json:"expect,omitempty"`
	SandboxID      string   `json:"sandbox_id,omitempty"`
}

type ReadFileRequest struct {
	Path      string `json:"path"`
	SandboxID string `json:"sandbox_id,omitempty"`
}

// ReadFileByLineRangeRequest reads the inclusive 1-indexed line span
// [StartLine, EndLine] of the content a full read would return.
type ReadFileByLineRangeRequest struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	SandboxID string `json:"sandbox_id,omitempty"`
}

type WriteFileRequest struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	SandboxID string `json:"sandbox_id,omitempty"`
}

// UploadRequest copies a local file or directory into the sandbox.
type UploadRequest struct {
	SourcePath string `json:"source_path"`
	TargetPath string `json:"target_path"`
	SandboxID  string `json:"sandbox_id,omitempty"`
}

// ChownRequest and ChmodRequest shell out to the corresponding system
// utility; success iff the exit code is zero.
type ChownRequest struct {
	Paths     []string `json:"paths"`
	Owner     string   `json:"owner"`
	Recursive bool     `json:"recursive,omitempty"`
	SandboxID string   `json:"sandbox_id,omitempty"`
}

type ChmodRequest struct {
	Paths     []string `json:"paths"`
	Mode      string   `json:"mode"`
	Recursive bool     `json:"recursive,omitempty"`
	SandboxID string   `json:"sandbox_id,omitempty"`
}

// Observation is the result of executing an action. It is produced exactly
// once per completed action and never mutated after return.
type Observation struct {
	// ExitCode is nil when no process ran (or the action defines no terminal
	// exit code).
	ExitCode *int   `json:"exit_code,omitempty"`
	Output   string `json:"output"`
	Stderr   string `json:"stderr,omitempty"`
	// FailureReason is set for infrastructure failures (timeout, dead shell),
	// not for ordinary nonzero exits.
	FailureReason string `json:"failure_reason,omitempty"`
}

// ExitCodeOrDefault returns the exit code, or fallback when no process ran.
func (o Observation) ExitCodeOrDefault(fallback int) int {
	if o.ExitCode == nil {
		return fallback
	}
	return *o.ExitCode
}

// Failed reports whether the observation carries a failure reason or a
// nonzero exit code.
func (o Observation) Failed() bool {
	if o.FailureReason != "" {
		return true
	}
	return o.ExitCode != nil && *o.ExitCode != 0
}

// IntPtr is a convenience for building Observation exit codes.
func IntPtr(v int) *int { return &v }

type ReadFileResponse struct {
	Content string `json:"content"`
}

type WriteFileResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type UploadResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type ChownResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type ChmodResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type CreateSessionResponse struct {
	Session string `json:"session"`
	// Output is the shell output captured while waiting for the first prompt.
	Output string `json:"output,omitempty"`
}

type CloseSessionResponse struct {
	Success bool `json:"success"`
}
