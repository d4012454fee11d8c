// Package paths provides standardized filesystem paths for the terminal host.
//
// The socket lives under the per-user runtime directory so multiple users on
// one machine never collide, and the state file lives under the user's data
// directory. Both are overridable through the environment for testing.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment overrides.
const (
	// EnvSocket overrides the host socket path.
	EnvSocket = "TERMHOST_SOCKET"

	// EnvHostBinary overrides the host binary used for lazy spawn.
	EnvHostBinary = "TERMHOST_BIN"

	// EnvConfigFile points at an optional TOML config file.
	EnvConfigFile = "TERMHOST_CONFIG"
)

const appDir = "termhost"

// RuntimeDir returns the per-user runtime directory for the host socket.
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, appDir)
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d", appDir, os.Getuid()))
}

// SocketPath returns the host socket path, honoring EnvSocket.
func SocketPath() string {
	if p := os.Getenv(EnvSocket); p != "" {
		return p
	}
	return filepath.Join(RuntimeDir(), "host.sock")
}

// DataDir returns the per-user data directory for persisted terminal state.
func DataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, appDir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), appDir)
	}
	return filepath.Join(home, ".local", "share", appDir)
}

// DefaultStorePath returns the default session store file path.
func DefaultStorePath() string {
	return filepath.Join(DataDir(), "terminals.json")
}

// EnsureParentDir creates the parent directory of path with owner-only access.
func EnsureParentDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o700)
}
