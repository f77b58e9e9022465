// Package endpoint resolves listen/dial endpoints for the admin server and
// the in-sandbox agent: unix sockets, plain TCP/HTTP, and vsock for
// VM-isolated sandboxes.
package endpoint

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
)

type Endpoint struct {
	Scheme  string
	Address string
	BaseURL string

	// VsockCID and VsockPort are set when Scheme is "vsock".
	VsockCID  uint32
	VsockPort uint32
}

// EnvHost names the environment variable consulted when no endpoint is
// given explicitly.
const EnvHost = "SHELLCRATE_HOST"

func defaultListenEndpoint() Endpoint {
	runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if runtimeDir == "" {
		runtimeDir = os.TempDir()
	}
	sock := filepath.Join(runtimeDir, "shellcrate", "shellcrate.sock")
	return Endpoint{Scheme: "unix", Address: sock, BaseURL: "http://unix"}
}

func Default() Endpoint {
	return defaultListenEndpoint()
}

// ResolveListen resolves an endpoint for server-side listening.
func ResolveListen(raw string) (Endpoint, error) {
	return resolve(raw)
}

// Resolve resolves an endpoint for dialing.
func Resolve(raw string) (Endpoint, error) {
	return resolve(raw)
}

func resolve(raw string) (Endpoint, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = strings.TrimSpace(os.Getenv(EnvHost))
	}
	if value == "" {
		return defaultListenEndpoint(), nil
	}

	switch {
	case strings.HasPrefix(value, "unix://"):
		path := strings.TrimPrefix(value, "unix://")
		if path == "" {
			return Endpoint{}, fmt.Errorf("invalid unix endpoint %q", value)
		}
		return Endpoint{Scheme: "unix", Address: path, BaseURL: "http://unix"}, nil
	case strings.HasPrefix(value, "vsock://"):
		return parseVsock(value)
	case strings.HasPrefix(value, "tcp://"):
		addr := strings.TrimPrefix(value, "tcp://")
		if addr == "" {
			return Endpoint{}, fmt.Errorf("invalid tcp endpoint %q", value)
		}
		return Endpoint{Scheme: "tcp", Address: addr, BaseURL: "http://" + addr}, nil
	case strings.HasPrefix(value, "http://"), strings.HasPrefix(value, "https://"):
		scheme := "http"
		if strings.HasPrefix(value, "https://") {
			scheme = "https"
		}
		return Endpoint{Scheme: scheme, Address: value, BaseURL: value}, nil
	case strings.HasPrefix(value, "/"):
		return Endpoint{Scheme: "unix", Address: value, BaseURL: "http://unix"}, nil
	default:
		expected := "unix://, tcp://, vsock://cid:port, http://, https://, or absolute unix socket path"
		return Endpoint{}, fmt.Errorf("unsupported endpoint %q (expected %s)", value, expected)
	}
}

// parseVsock handles vsock://cid:port.
func parseVsock(value string) (Endpoint, error) {
	rest := strings.TrimPrefix(value, "vsock://")
	cidStr, portStr, ok := strings.Cut(rest, ":")
	if !ok {
		return Endpoint{}, fmt.Errorf("invalid vsock endpoint %q (expected vsock://cid:port)", value)
	}
	cid, err := strconv.ParseUint(cidStr, 10, 32)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid vsock cid in %q: %v", value, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid vsock port in %q: %v", value, err)
	}
	return Endpoint{
		Scheme:    "vsock",
		Address:   rest,
		BaseURL:   "http://vsock",
		VsockCID:  uint32(cid),
		VsockPort: uint32(port),
	}, nil
}

// Listen opens the server-side listener for the endpoint. Unix sockets get
// their parent directory created and any stale socket file removed.
func (e Endpoint) Listen() (net.Listener, error) {
	switch e.Scheme {
	case "unix":
		if err := os.MkdirAll(filepath.Dir(e.Address), 0o755); err != nil {
			return nil, fmt.Errorf("create socket directory: %w", err)
		}
		if err := os.Remove(e.Address); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale socket %s: %w", e.Address, err)
		}
		return net.Listen("unix", e.Address)
	case "tcp", "http":
		addr := e.Address
		if e.Scheme == "http" {
			addr = strings.TrimPrefix(addr, "http://")
		}
		return net.Listen("tcp", addr)
	case "vsock":
		return vsock.Listen(e.VsockPort, nil)
	default:
		return nil, fmt.Errorf("cannot listen on scheme %q", e.Scheme)
	}
}

// Dial opens a client connection to the endpoint.
func (e Endpoint) Dial() (net.Conn, error) {
	switch e.Scheme {
	case "unix":
		return net.Dial("unix", e.Address)
	case "tcp":
		return net.Dial("tcp", e.Address)
	case "http", "https":
		return nil, fmt.Errorf("http endpoints are dialed through an HTTP client, not directly")
	case "vsock":
		return vsock.Dial(e.VsockCID, e.VsockPort, nil)
	default:
		return nil, fmt.Errorf("cannot dial scheme %q", e.Scheme)
	}
}
