// Package paths resolves the XDG directories shellcrate keeps its state in.
package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// StateBaseDir resolves the default base directory for shellcrate state.
// Preference order:
// 1. $XDG_STATE_HOME/shellcrate
// 2. ~/.local/state/shellcrate
// 3. $XDG_RUNTIME_DIR/shellcrate
func StateBaseDir() (string, error) {
	if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
		return filepath.Join(stateHome, "shellcrate"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, "shellcrate"), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "state", "shellcrate"), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "shellcrate"), nil
	}
	return "", errors.New("unable to resolve state directory from XDG state/runtime or home")
}

// ConfigDir resolves the shellcrate configuration directory.
// Uses $XDG_CONFIG_HOME/shellcrate or ~/.config/shellcrate.
func ConfigDir() (string, error) {
	if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
		return filepath.Join(configHome, "shellcrate"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "shellcrate"), nil
}

// RegistryDBPath is the default location of the sandbox registry database.
func RegistryDBPath() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "registry.db"), nil
}

// AdminSocketPath is the default unix socket the admin server listens on.
func AdminSocketPath() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "admin.sock"), nil
}
