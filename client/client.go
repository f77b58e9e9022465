// Package client is the public Go client for the shellcrate admin API.
//
// A Client talks to one admin server; Sandbox handles scope actions to a
// single sandbox by stamping its id into every request.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/shellcrate/shellcrate/internal/controlapi"
	"github.com/shellcrate/shellcrate/internal/endpoint"
	"golang.org/x/net/http2"
)

// Client dials the shellcrate admin server.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a client for the provided endpoint.
//
// Supported endpoint formats match the CLI:
// - unix:///path/to/shellcrate.sock
// - absolute unix socket path
// - tcp://host:port, http://host:port, https://host:port
// - vsock://cid:port
//
// If host is empty, SHELLCRATE_HOST is used, then the default unix socket
// path.
func New(host string) (*Client, error) {
	ep, err := endpoint.Resolve(host)
	if err != nil {
		return nil, err
	}
	transport, err := buildTransport(ep)
	if err != nil {
		return nil, err
	}
	return &Client{
		httpClient: &http.Client{Transport: transport},
		baseURL:    strings.TrimRight(ep.BaseURL, "/"),
	}, nil
}

func buildTransport(ep endpoint.Endpoint) (http.RoundTripper, error) {
	switch ep.Scheme {
	case "https":
		return &http.Transport{
			Proxy:             http.ProxyFromEnvironment,
			TLSClientConfig:   &tls.Config{MinVersion: tls.VersionTLS13},
			ForceAttemptHTTP2: true,
		}, nil
	case "unix", "vsock":
		return &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
				return ep.Dial()
			},
		}, nil
	case "tcp", "http":
		addr := ep.Address
		if ep.Scheme == "http" {
			addr = strings.TrimPrefix(addr, "http://")
		}
		dialer := &net.Dialer{}
		return &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
				return dialer.DialContext(ctx, "tcp", addr)
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", ep.Scheme)
	}
}

func (c *Client) call(ctx context.Context, route string, req, resp any) error {
	if c == nil || c.httpClient == nil {
		return errors.New("nil client")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+route, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("call admin %s: %w", route, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		var payload controlapi.ErrorPayload
		if err := json.NewDecoder(httpResp.Body).Decode(&payload); err != nil {
			return fmt.Errorf("admin %s returned status %d", route, httpResp.StatusCode)
		}
		return payload.Err()
	}
	if resp == nil {
		return nil
	}
	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return fmt.Errorf("decode admin response: %w", err)
	}
	return nil
}

// StartSandbox provisions a sandbox and returns its identity. An empty
// SandboxID in the request asks the server to generate one.
func (c *Client) StartSandbox(ctx context.Context, req StartSandboxRequest) (StartSandboxResponse, error) {
	var resp StartSandboxResponse
	err := c.call(ctx, controlapi.RouteSandboxStart, req, &resp)
	return resp, err
}

// StopSandbox tears a sandbox down. Stopping an unknown or already-stopped
// sandbox is a no-op.
func (c *Client) StopSandbox(ctx context.Context, sandboxID string) (StopSandboxResponse, error) {
	var resp StopSandboxResponse
	err := c.call(ctx, controlapi.RouteSandboxStop, controlapi.StopSandboxRequest{SandboxID: sandboxID}, &resp)
	return resp, err
}

func (c *Client) GetSandbox(ctx context.Context, sandboxID string) (SandboxInfo, error) {
	var resp SandboxInfo
	err := c.call(ctx, controlapi.RouteSandboxGet, controlapi.GetSandboxRequest{SandboxID: sandboxID}, &resp)
	return resp, err
}

func (c *Client) ListSandboxes(ctx context.Context) (ListSandboxesResponse, error) {
	var resp ListSandboxesResponse
	err := c.call(ctx, controlapi.RouteSandboxList, struct{}{}, &resp)
	return resp, err
}

// GridState reports the health of the server's shared backend connection.
func (c *Client) GridState(ctx context.Context) (GridStateResponse, error) {
	var resp GridStateResponse
	err := c.call(ctx, controlapi.RouteGridState, struct{}{}, &resp)
	return resp, err
}

// Sandbox returns a handle scoped to one sandbox id. The handle shares the
// client's connection and is safe for concurrent use.
func (c *Client) Sandbox(sandboxID string) *Sandbox {
	return &Sandbox{client: c, id: sandboxID}
}

// Sandbox scopes action calls to a single sandbox.
type Sandbox struct {
	client *Client
	id     string
}

// ID returns the sandbox id this handle routes to.
func (s *Sandbox) ID() string { return s.id }

// Execute runs a one-shot command outside any session.
func (s *Sandbox) Execute(ctx context.Context, cmd Command) (Observation, error) {
	cmd.SandboxID = s.id
	var obs Observation
	err := s.client.call(ctx, controlapi.RouteCommand, cmd, &obs)
	return obs, err
}

// CreateSession opens a named persistent bash session.
func (s *Sandbox) CreateSession(ctx context.Context, req CreateSessionRequest) (CreateSessionResponse, error) {
	req.SandboxID = s.id
	var resp CreateSessionResponse
	err := s.client.call(ctx, controlapi.RouteSessionCreate, req, &resp)
	return resp, err
}

// RunBash runs a command inside an existing session.
func (s *Sandbox) RunBash(ctx context.Context, act BashAction) (Observation, error) {
	act.SandboxID = s.id
	var obs Observation
	err := s.client.call(ctx, controlapi.RouteSessionRun, act, &obs)
	return obs, err
}

// Interrupt signals the foreground process of a busy session and waits for
// the prompt to come back.
func (s *Sandbox) Interrupt(ctx context.Context, act InterruptAction) (Observation, error) {
	act.SandboxID = s.id
	var obs Observation
	err := s.client.call(ctx, controlapi.RouteSessionInterrupt, act, &obs)
	return obs, err
}

// CloseSession closes a session. Closing twice succeeds.
func (s *Sandbox) CloseSession(ctx context.Context, sessionName string) (CloseSessionResponse, error) {
	var resp CloseSessionResponse
	err := s.client.call(ctx, controlapi.RouteSessionClose, CloseSessionRequest{Session: sessionName, SandboxID: s.id}, &resp)
	return resp, err
}

func (s *Sandbox) ReadFile(ctx context.Context, path string) (ReadFileResponse, error) {
	var resp ReadFileResponse
	err := s.client.call(ctx, controlapi.RouteFileRead, ReadFileRequest{Path: path, SandboxID: s.id}, &resp)
	return resp, err
}

// ReadFileByLineRange reads the inclusive 1-indexed span [start, end].
func (s *Sandbox) ReadFileByLineRange(ctx context.Context, path string, start, end int) (ReadFileResponse, error) {
	var resp ReadFileResponse
	req := ReadFileByLineRangeRequest{Path: path, StartLine: start, EndLine: end, SandboxID: s.id}
	err := s.client.call(ctx, controlapi.RouteFileReadRange, req, &resp)
	return resp, err
}

func (s *Sandbox) WriteFile(ctx context.Context, path, content string) (WriteFileResponse, error) {
	var resp WriteFileResponse
	err := s.client.call(ctx, controlapi.RouteFileWrite, WriteFileRequest{Path: path, Content: content, SandboxID: s.id}, &resp)
	return resp, err
}

// Upload copies a local file or directory into the sandbox.
func (s *Sandbox) Upload(ctx context.Context, sourcePath, targetPath string) (UploadResponse, error) {
	var resp UploadResponse
	req := UploadRequest{SourcePath: sourcePath, TargetPath: targetPath, SandboxID: s.id}
	err := s.client.call(ctx, controlapi.RouteFileUpload, req, &resp)
	return resp, err
}

func (s *Sandbox) Chown(ctx context.Context, req ChownRequest) (ChownResponse, error) {
	req.SandboxID = s.id
	var resp ChownResponse
	err := s.client.call(ctx, controlapi.RouteFileChown, req, &resp)
	return resp, err
}

func (s *Sandbox) Chmod(ctx context.Context, req ChmodRequest) (ChmodResponse, error) {
	req.SandboxID = s.id
	var resp ChmodResponse
	err := s.client.call(ctx, controlapi.RouteFileChmod, req, &resp)
	return resp, err
}

// RunDetached launches a command under nohup and polls its completion file
// until it finishes or the wait budget runs out.
func (s *Sandbox) RunDetached(ctx context.Context, req DetachRunRequest) (Observation, error) {
	req.SandboxID = s.id
	var obs Observation
	err := s.client.call(ctx, controlapi.RouteDetachRun, req, &obs)
	return obs, err
}
