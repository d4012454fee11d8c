package host

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// ExitStatus describes how a session process ended. Exactly one of Code and
// Signal is set for a normal exit or a signal death respectively.
type ExitStatus struct {
	Code   *int
	Signal *string
}

// SpawnSpec describes the process to attach to a new PTY.
type SpawnSpec struct {
	Command string
	Args    []string
	Dir     string
	Cols    int
	Rows    int
	Env     map[string]string
}

// Process is a handle to a live PTY process.
type Process interface {
	Write(p []byte) (int, error)
	Resize(cols, rows int) error
	Kill() error
	Pid() int
}

// Backend spawns OS processes attached to pseudo-terminals. onData receives
// output chunks in order; onExit fires exactly once, after the final chunk.
type Backend interface {
	Spawn(spec SpawnSpec, onData func([]byte), onExit func(ExitStatus)) (Process, error)
}

// ptyBackend is the real backend built on creack/pty.
type ptyBackend struct{}

// NewPTYBackend returns the default PTY backend.
func NewPTYBackend() Backend {
	return ptyBackend{}
}

type ptyProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File
}

func (b ptyBackend) Spawn(spec SpawnSpec, onData func([]byte), onExit func(ExitStatus)) (Process, error) {
	cols := spec.Cols
	if cols <= 0 {
		cols = 80
	}
	rows := spec.Rows
	if rows <= 0 {
		rows = 24
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")
	for key, value := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start PTY: %w", err)
	}

	proc := &ptyProcess{cmd: cmd, ptmx: ptmx}

	// The read pump ends with an error once the child exits and the slave
	// side closes. Exit is reported only after the final chunk is delivered.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 4096)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				onData(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		err := cmd.Wait()
		<-readDone
		ptmx.Close()
		onExit(exitStatus(cmd, err))
	}()

	return proc, nil
}

func (p *ptyProcess) Write(b []byte) (int, error) {
	return p.ptmx.Write(b)
}

func (p *ptyProcess) Resize(cols, rows int) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
}

func (p *ptyProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *ptyProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// exitStatus extracts the exit code or terminating signal from a finished
// command.
func exitStatus(cmd *exec.Cmd, waitErr error) ExitStatus {
	state := cmd.ProcessState
	if state == nil {
		if waitErr != nil {
			code := -1
			return ExitStatus{Code: &code}
		}
		code := 0
		return ExitStatus{Code: &code}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal().String()
		return ExitStatus{Signal: &sig}
	}
	code := state.ExitCode()
	return ExitStatus{Code: &code}
}
