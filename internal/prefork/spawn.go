package prefork

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
)

// WorkerBootError is the exit code a worker uses when it cannot finish
// start-up. The arbiter stops instead of respawning.
const WorkerBootError = 3

// Process is a started worker process.
type Process interface {
	Pid() int
	Signal(sig os.Signal) error
	// Wait blocks until the process exits and reports its exit code.
	Wait() (int, error)
}

// Spawner starts worker processes. The returned writer carries the handshake
// and is closed by the arbiter once written.
type Spawner interface {
	Spawn() (Process, io.WriteCloser, error)
}

// ExecSpawner re-executes a binary with the listener and the handshake pipe
// as extra descriptors.
type ExecSpawner struct {
	Path     string
	Args     []string
	Listener *os.File
	Stdout   io.Writer
	Stderr   io.Writer
}

// NewExecSpawner prepares a spawner running the current executable with args.
func NewExecSpawner(ln net.Listener, args ...string) (*ExecSpawner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}

	filer, ok := ln.(interface{ File() (*os.File, error) })
	if !ok {
		return nil, fmt.Errorf("listener %T cannot be shared with workers", ln)
	}
	f, err := filer.File()
	if err != nil {
		return nil, fmt.Errorf("duplicate listener: %w", err)
	}

	return &ExecSpawner{
		Path:     path,
		Args:     args,
		Listener: f,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}, nil
}

func (s *ExecSpawner) Spawn() (Process, io.WriteCloser, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("handshake pipe: %w", err)
	}

	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = os.Environ()
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	// ExtraFiles[i] becomes descriptor 3+i in the child.
	cmd.ExtraFiles = []*os.File{s.Listener, r}

	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, nil, fmt.Errorf("start worker: %w", err)
	}
	_ = r.Close()

	return &execProcess{cmd: cmd}, w, nil
}

// Close releases the parent's copy of the listener.
func (s *ExecSpawner) Close() error {
	if s.Listener == nil {
		return nil
	}
	return s.Listener.Close()
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
