// Package grid guards the single shared handle to the distributed execution
// backend. Dispatch runs under a shared lock so submissions proceed in
// parallel; reconnect runs under the exclusive lock, blocking all dispatch
// for its duration, with the staleness decision re-validated after the lock
// is held so racing triggers do not reconnect twice.
package grid

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// Config names the backend endpoint and the resources claimed on connect,
// plus the staleness policy that forces a fresh handle.
type Config struct {
	Address   string             `yaml:"address"`
	Namespace string             `yaml:"namespace"`
	Resources map[string]float64 `yaml:"resources"`

	// MaxConnectionAge forces a reconnect once the handle is older than
	// this. Zero disables the age check.
	MaxConnectionAge time.Duration `yaml:"max_connection_age"`
	// MaxRequests forces a reconnect after this many dispatches through one
	// handle. Zero disables the count check.
	MaxRequests int64 `yaml:"max_requests"`
}

// ConnectionState is a snapshot of the shared handle's bookkeeping.
type ConnectionState struct {
	EstablishedAt time.Time
	RequestCount  int64
	Alive         bool
}

// ConnectionError reports that the backend is unreachable or that no live
// handle exists.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("no live connection to backend at %s", e.Address)
	}
	return fmt.Sprintf("connect to backend at %s: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Conn is one live backend handle.
type Conn interface {
	Close(ctx context.Context) error
}

// Dialer establishes a backend handle for the given config.
type Dialer func(ctx context.Context, cfg Config) (Conn, error)

type netConn struct {
	c net.Conn
}

func (n *netConn) Close(context.Context) error { return n.c.Close() }

// DialTCP opens a plain TCP handle to the backend address.
func DialTCP(ctx context.Context, cfg Config) (Conn, error) {
	d := &net.Dialer{}
	c, err := d.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, err
	}
	return &netConn{c: c}, nil
}

// Guard owns the process-wide backend handle.
type Guard struct {
	cfg    Config
	dial   Dialer
	logger *log.Logger
	now    func() time.Time

	requests atomic.Int64
	failed   atomic.Bool

	mu          sync.RWMutex
	conn        Conn
	established time.Time
	alive       bool
}

func New(cfg Config, dial Dialer, logger *log.Logger) *Guard {
	return &Guard{cfg: cfg, dial: dial, logger: logger, now: time.Now}
}

// Dispatch submits one unit of work through the shared handle. The handle is
// held under the shared lock for the whole call, so a reconnect can never
// swap it mid-flight. A work error flags the handle as failed; the next
// dispatch will trigger a reconnect.
func (g *Guard) Dispatch(ctx context.Context, work func(ctx context.Context, conn Conn) error) error {
	if g.stale() {
		if err := g.Reconnect(ctx); err != nil {
			return err
		}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.conn == nil || !g.alive {
		return &ConnectionError{Address: g.cfg.Address}
	}
	g.requests.Add(1)

	if err := work(ctx, g.conn); err != nil {
		g.failed.Store(true)
		return err
	}
	return nil
}

// Reconnect replaces the shared handle. The staleness policy is re-checked
// under the exclusive lock: when a racing caller already reconnected, this
// call returns without dialing. A dial failure leaves the existing state
// untouched and is visible only to this caller.
func (g *Guard) Reconnect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.staleLocked() {
		return nil
	}

	started := g.now()
	conn, err := g.dial(ctx, g.cfg)
	if err != nil {
		if g.logger != nil {
			g.logger.Error("backend reconnect failed",
				"address", g.cfg.Address, "elapsed", time.Since(started), "error", err)
		}
		return &ConnectionError{Address: g.cfg.Address, Err: err}
	}

	if g.conn != nil {
		_ = g.conn.Close(ctx)
	}
	g.conn = conn
	g.established = g.now()
	g.alive = true
	g.requests.Store(0)
	g.failed.Store(false)

	if g.logger != nil {
		g.logger.Info("backend connection established",
			"address", g.cfg.Address, "namespace", g.cfg.Namespace, "elapsed", time.Since(started))
	}
	return nil
}

// State returns a consistent snapshot of the connection bookkeeping.
func (g *Guard) State() ConnectionState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return ConnectionState{
		EstablishedAt: g.established,
		RequestCount:  g.requests.Load(),
		Alive:         g.alive,
	}
}

// Close shuts the handle down for good; subsequent dispatches reconnect.
func (g *Guard) Close(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return nil
	}
	err := g.conn.Close(ctx)
	g.conn = nil
	g.alive = false
	return err
}

func (g *Guard) stale() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.staleLocked()
}

func (g *Guard) staleLocked() bool {
	if g.conn == nil || !g.alive {
		return true
	}
	if g.failed.Load() {
		return true
	}
	if g.cfg.MaxConnectionAge > 0 && g.now().Sub(g.established) > g.cfg.MaxConnectionAge {
		return true
	}
	if g.cfg.MaxRequests > 0 && g.requests.Load() >= g.cfg.MaxRequests {
		return true
	}
	return false
}
