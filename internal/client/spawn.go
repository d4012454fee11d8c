package client

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/GriffinCanCode/TermHost/internal/shared/paths"
)

// defaultHostBinary resolves the host binary name, honoring the environment
// override used for testing.
func defaultHostBinary() string {
	if bin := os.Getenv(paths.EnvHostBinary); bin != "" {
		return bin
	}
	return "termhost"
}

// spawnHost starts the host as a detached background process in its own
// session, so it survives the spawning application exiting.
func spawnHost(binary, socketPath string) error {
	path, err := exec.LookPath(binary)
	if err != nil {
		return fmt.Errorf("host binary %q not found: %w", binary, err)
	}

	cmd := exec.Command(path, "-socket", socketPath)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%s", paths.EnvSocket, socketPath))
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn host: %w", err)
	}
	// Detach fully: the host's lifetime is not tied to this process.
	return cmd.Process.Release()
}
