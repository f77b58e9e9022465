// Package controlapi defines the JSON wire surface shared by the admin
// server, the in-sandbox agent, and their clients: route names, admin
// request/response payloads, and the error envelope that carries the typed
// error taxonomy across the wire.
package controlapi

import (
	"time"

	"github.com/shellcrate/shellcrate/internal/deploy"
)

// Agent (runtime tier) routes. Request bodies are the internal action
// shapes; the resolved container identity is already injected.
const (
	RouteHealth           = "/v1/health"
	RouteCommand          = "/v1/command"
	RouteSessionCreate    = "/v1/session/create"
	RouteSessionRun       = "/v1/session/run"
	RouteSessionInterrupt = "/v1/session/interrupt"
	RouteSessionClose     = "/v1/session/close"
	RouteFileRead         = "/v1/file/read"
	RouteFileReadRange    = "/v1/file/read_range"
	RouteFileWrite        = "/v1/file/write"
	RouteFileUpload       = "/v1/file/upload"
	RouteFileChown        = "/v1/file/chown"
	RouteFileChmod        = "/v1/file/chmod"
	RouteDetachRun        = "/v1/detach/run"
)

// Admin (client-facing tier) routes. Request bodies are the external action
// shapes plus the sandbox management payloads below.
const (
	RouteSandboxStart = "/v1/sandbox/start"
	RouteSandboxStop  = "/v1/sandbox/stop"
	RouteSandboxList  = "/v1/sandbox/list"
	RouteSandboxGet   = "/v1/sandbox/get"
	RouteGridState    = "/v1/grid/state"
)

type HealthResponse struct {
	Status        string `json:"status"`
	SandboxID     string `json:"sandbox_id,omitempty"`
	ContainerName string `json:"container_name,omitempty"`
}

type StartSandboxRequest struct {
	// SandboxID is optional; the admin tier generates one when empty.
	SandboxID string        `json:"sandbox_id,omitempty"`
	Deploy    deploy.Config `json:"deploy"`
}

type StartSandboxResponse struct {
	SandboxID     string `json:"sandbox_id"`
	ContainerName string `json:"container_name"`
	Image         string `json:"image"`
}

type StopSandboxRequest struct {
	SandboxID string `json:"sandbox_id"`
}

type StopSandboxResponse struct {
	SandboxID string `json:"sandbox_id"`
	Stopped   bool   `json:"stopped"`
}

type GetSandboxRequest struct {
	SandboxID string `json:"sandbox_id"`
}

type SandboxInfo struct {
	SandboxID     string    `json:"sandbox_id"`
	ContainerName string    `json:"container_name"`
	Image         string    `json:"image"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

type ListSandboxesResponse struct {
	Sandboxes []SandboxInfo `json:"sandboxes"`
}

type GridStateResponse struct {
	Alive         bool      `json:"alive"`
	RequestCount  int64     `json:"request_count"`
	EstablishedAt time.Time `json:"established_at"`
}

// DetachRunRequest launches a command decoupled from this request and waits
// for its completion signal by polling.
type DetachRunRequest struct {
	Session     string  `json:"session,omitempty"`
	Command     string  `json:"command"`
	LogPath     string  `json:"log_path,omitempty"`
	PollSeconds float64 `json:"poll_seconds,omitempty"`
	WaitSeconds float64 `json:"wait_seconds,omitempty"`
	Retries     int     `json:"retries,omitempty"`
	SandboxID   string  `json:"sandbox_id,omitempty"`
}
