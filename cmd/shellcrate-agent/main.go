//go:build linux

// shellcrate-agent is the standalone agent binary copied into sandbox
// containers. It serves the runtime API for exactly one container identity,
// taken from the environment so the admin tier can stamp it at start time.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/shellcrate/shellcrate/internal/action"
	"github.com/shellcrate/shellcrate/internal/deploy"
	"github.com/shellcrate/shellcrate/internal/endpoint"
	"github.com/shellcrate/shellcrate/internal/runtime"
	"github.com/shellcrate/shellcrate/internal/runtimeserver"
)

const defaultListen = "tcp://0.0.0.0:8264"

func main() {
	listen := flag.String("listen", envOr("SHELLCRATE_AGENT_LISTEN", defaultListen), "listen endpoint (tcp://, unix://, or vsock://cid:port)")
	levelName := flag.String("log-level", envOr("SHELLCRATE_LOG_LEVEL", "info"), "log level (debug|info|warn|error)")
	flag.Parse()

	level, err := log.ParseLevel(*levelName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", *levelName, err)
		os.Exit(2)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.LogfmtFormatter,
	}).With("component", "agent")

	containerName := os.Getenv("SHELLCRATE_CONTAINER_NAME")
	if containerName == "" {
		fmt.Fprintln(os.Stderr, "SHELLCRATE_CONTAINER_NAME is required")
		os.Exit(2)
	}

	ep, err := endpoint.Resolve(*listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve listen endpoint: %v\n", err)
		os.Exit(2)
	}

	dep := deploy.NewLocal(action.Identity{
		SandboxID:     os.Getenv("SHELLCRATE_SANDBOX_ID"),
		ContainerName: containerName,
	})
	if err := dep.Start(context.Background()); err != nil {
		logger.Error("deployment start failed", "error", err)
		os.Exit(1)
	}

	server := runtimeserver.New(runtimeserver.Config{
		Endpoint: ep,
		Runtime:  runtime.New(dep, logger.With("subsystem", "runtime")),
		Logger:   logger,
	})
	if err := server.Start(); err != nil {
		logger.Error("agent server start failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	if err := server.Stop(context.Background()); err != nil {
		logger.Error("agent server stop failed", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
