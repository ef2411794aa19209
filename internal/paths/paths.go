// Package paths resolves where labforge keeps its database and per-lab run
// artifacts when the config does not say.
package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const appName = "labforge"

// StateBaseDir resolves the default base directory for labforge state.
// Preference order:
// 1. $XDG_STATE_HOME/labforge
// 2. ~/.local/state/labforge
// 3. $XDG_RUNTIME_DIR/labforge
func StateBaseDir() (string, error) {
	return resolve("XDG_STATE_HOME", []string{".local", "state"}, "state")
}

// RunBaseDir holds one directory per microVM lab.
func RunBaseDir() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "runs"), nil
}

func DatabasePath() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "labs.db"), nil
}

// ConfigPath is $XDG_CONFIG_HOME/labforge/config.yaml or ~/.config/labforge/config.yaml.
func ConfigPath() (string, error) {
	if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
		return filepath.Join(configHome, appName, "config.yaml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", appName, "config.yaml"), nil
}

func resolve(xdgVar string, homeRel []string, kind string) (string, error) {
	if dir := strings.TrimSpace(os.Getenv(xdgVar)); dir != "" {
		return filepath.Join(dir, appName), nil
	}

	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		return filepath.Join(append(append([]string{home}, homeRel...), appName)...), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, appName), nil
	}
	if err != nil {
		return "", err
	}
	return "", errors.New("unable to resolve " + kind + " directory from XDG " + kind + "/runtime or home")
}
