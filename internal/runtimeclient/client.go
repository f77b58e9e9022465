// Package runtimeclient dials an agent server and executes internal actions
// over HTTP+JSON. Unix, TCP, and vsock endpoints are reached over h2c so one
// connection carries concurrent session traffic.
package runtimeclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/shellcrate/shellcrate/internal/action"
	"github.com/shellcrate/shellcrate/internal/controlapi"
	"github.com/shellcrate/shellcrate/internal/endpoint"
	"golang.org/x/net/http2"
)

type Client struct {
	httpClient *http.Client
	baseURL    string
}

func New(ep endpoint.Endpoint) (*Client, error) {
	baseURL := strings.TrimRight(ep.BaseURL, "/")
	transport, err := buildTransport(ep)
	if err != nil {
		return nil, err
	}
	return &Client{
		httpClient: &http.Client{Transport: transport},
		baseURL:    baseURL,
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
		return fmt.Errorf("call agent %s: %w", route, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		var payload controlapi.ErrorPayload
		if err := json.NewDecoder(httpResp.Body).Decode(&payload); err != nil {
			return fmt.Errorf("agent %s returned status %d", route, httpResp.StatusCode)
		}
		return payload.Err()
	}
	if resp == nil {
		return nil
	}
	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return fmt.Errorf("decode agent response: %w", err)
	}
	return nil
}

// Health probes the agent, returning its bound identity.
func (c *Client) Health(ctx context.Context) (controlapi.HealthResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+controlapi.RouteHealth, nil)
	if err != nil {
		return controlapi.HealthResponse{}, err
	}
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return controlapi.HealthResponse{}, fmt.Errorf("agent health check: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return controlapi.HealthResponse{}, fmt.Errorf("agent health check returned status %d", httpResp.StatusCode)
	}
	var resp controlapi.HealthResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return controlapi.HealthResponse{}, fmt.Errorf("decode health response: %w", err)
	}
	return resp, nil
}

func (c *Client) Execute(ctx context.Context, act action.InternalCommand) (action.Observation, error) {
	var obs action.Observation
	err := c.call(ctx, controlapi.RouteCommand, act, &obs)
	return obs, err
}

func (c *Client) CreateSession(ctx context.Context, act action.InternalCreateSessionRequest) (action.CreateSessionResponse, error) {
	var resp action.CreateSessionResponse
	err := c.call(ctx, controlapi.RouteSessionCreate, act, &resp)
	return resp, err
}

func (c *Client) RunBash(ctx context.Context, act action.InternalBashAction) (action.Observation, error) {
	var obs action.Observation
	err := c.call(ctx, controlapi.RouteSessionRun, act, &obs)
	return obs, err
}

func (c *Client) Interrupt(ctx context.Context, act action.InternalInterruptAction) (action.Observation, error) {
	var obs action.Observation
	err := c.call(ctx, controlapi.RouteSessionInterrupt, act, &obs)
	return obs, err
}

func (c *Client) CloseSession(ctx context.Context, act action.InternalCloseSessionRequest) (action.CloseSessionResponse, error) {
	var resp action.CloseSessionResponse
	err := c.call(ctx, controlapi.RouteSessionClose, act, &resp)
	return resp, err
}

func (c *Client) ReadFile(ctx context.Context, act action.InternalReadFileRequest) (action.ReadFileResponse, error) {
	var resp action.ReadFileResponse
	err := c.call(ctx, controlapi.RouteFileRead, act, &resp)
	return resp, err
}

func (c *Client) ReadFileByLineRange(ctx context.Context, act action.InternalReadFileByLineRangeRequest) (action.ReadFileResponse, error) {
	var resp action.ReadFileResponse
	err := c.call(ctx, controlapi.RouteFileReadRange, act, &resp)
	return resp, err
}

func (c *Client) WriteFile(ctx context.Context, act action.InternalWriteFileRequest) (action.WriteFileResponse, error) {
	var resp action.WriteFileResponse
	err := c.call(ctx, controlapi.RouteFileWrite, act, &resp)
	return resp, err
}

func (c *Client) Upload(ctx context.Context, act action.InternalUploadRequest) (action.UploadResponse, error) {
	var resp action.UploadResponse
	err := c.call(ctx, controlapi.RouteFileUpload, act, &resp)
	return resp, err
}

func (c *Client) Chown(ctx context.Context, act action.InternalChownRequest) (action.ChownResponse, error) {
	var resp action.ChownResponse
	err := c.call(ctx, controlapi.RouteFileChown, act, &resp)
	return resp, err
}

func (c *Client) Chmod(ctx context.Context, act action.InternalChmodRequest) (action.ChmodResponse, error) {
	var resp action.ChmodResponse
	err := c.call(ctx, controlapi.RouteFileChmod, act, &resp)
	return resp, err
}

func (c *Client) DetachRun(ctx context.Context, req controlapi.DetachRunRequest) (action.Observation, error) {
	var obs action.Observation
	err := c.call(ctx, controlapi.RouteDetachRun, req, &obs)
	return obs, err
}
