package client

import (
	"github.com/shellcrate/shellcrate/internal/action"
	"github.com/shellcrate/shellcrate/internal/controlapi"
	"github.com/shellcrate/shellcrate/internal/deploy"
)

// Action shapes.
type Command = action.Command
type BashAction = action.BashAction
type CreateSessionRequest = action.CreateSessionRequest
type CloseSessionRequest = action.CloseSessionRequest
type InterruptAction = action.InterruptAction
type ReadFileRequest = action.ReadFileRequest
type ReadFileByLineRangeRequest = action.ReadFileByLineRangeRequest
type WriteFileRequest = action.WriteFileRequest
type UploadRequest = action.UploadRequest
type ChownRequest = action.ChownRequest
type ChmodRequest = action.ChmodRequest

// Results.
type Observation = action.Observation
type CreateSessionResponse = action.CreateSessionResponse
type CloseSessionResponse = action.CloseSessionResponse
type ReadFileResponse = action.ReadFileResponse
type WriteFileResponse = action.WriteFileResponse
type UploadResponse = action.UploadResponse
type ChownResponse = action.ChownResponse
type ChmodResponse = action.ChmodResponse

// Admin shapes.
type StartSandboxRequest = controlapi.StartSandboxRequest
type StartSandboxResponse = controlapi.StartSandboxResponse
type StopSandboxResponse = controlapi.StopSandboxResponse
type SandboxInfo = controlapi.SandboxInfo
type ListSandboxesResponse = controlapi.ListSandboxesResponse
type GridStateResponse = controlapi.GridStateResponse
type DetachRunRequest = controlapi.DetachRunRequest

// DeployConfig configures the container a sandbox starts with.
type DeployConfig = deploy.Config
