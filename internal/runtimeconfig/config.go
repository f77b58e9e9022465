// Package runtimeconfig loads the shellcrate configuration file. A missing
// file is not an error: every field has a workable default.
package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shellcrate/shellcrate/internal/deploy"
	"github.com/shellcrate/shellcrate/internal/grid"
	"github.com/shellcrate/shellcrate/internal/paths"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Listen is the admin server endpoint (unix socket path, unix://,
	// http://, or vsock://cid:port).
	Listen string `yaml:"listen"`
	// RegistryDB overrides the sandbox registry database path.
	RegistryDB string `yaml:"registry_db"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// Deploy carries the default sandbox deployment settings; per-sandbox
	// requests override individual fields.
	Deploy deploy.Config `yaml:"deploy"`

	// Grid configures the shared distributed-backend connection.
	Grid grid.Config `yaml:"grid"`

	Agent AgentConfig `yaml:"agent"`
}

// AgentConfig configures the in-sandbox agent the admin tier talks to.
type AgentConfig struct {
	// Listen is the agent endpoint inside the sandbox.
	Listen string `yaml:"listen"`
	// StartupTimeoutSeconds bounds the wait for the agent health check
	// after a sandbox starts.
	StartupTimeoutSeconds int64 `yaml:"startup_timeout_seconds"`
}

func Path() (string, error) {
	dir, err := paths.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the config file, returning zero values when it does not exist.
// The resolved path is returned either way so callers can report it.
func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}
	return loadFrom(path)
}

// LoadFrom reads an explicit config file path; unlike Load, a missing file
// is an error here since the caller asked for that specific file.
func LoadFrom(path string) (Config, string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, path, fmt.Errorf("read %s: %w", path, err)
	}
	return parse(b, path)
}

func loadFrom(path string) (Config, string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, path, nil
		}
		return Config{}, path, fmt.Errorf("read %s: %w", path, err)
	}
	return parse(b, path)
}

func parse(b []byte, path string) (Config, string, error) {
	cfg := Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, path, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Listen = strings.TrimSpace(cfg.Listen)
	cfg.LogLevel = strings.TrimSpace(cfg.LogLevel)
	return cfg, path, nil
}
