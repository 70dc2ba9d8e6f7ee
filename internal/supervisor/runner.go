package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// ProcessRunner abstracts worker process control so tests can stub spawning.
type ProcessRunner interface {
	// Start launches the worker and returns its pid plus a wait function
	// that blocks until exit and returns the exit code.
	Start(ctx context.Context, name string, args ...string) (pid int64, wait func() (int, error), err error)
	Signal(pid int64, sig os.Signal) error
	Alive(pid int64) bool
}

type OSRunner struct{}

func (OSRunner) Start(ctx context.Context, name string, args ...string) (int64, func() (int, error), error) {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return 0, nil, err
	}
	wait := func() (int, error) {
		err := cmd.Wait()
		if err == nil {
			return 0, nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return int64(cmd.Process.Pid), wait, nil
}

func (OSRunner) Signal(pid int64, sig os.Signal) error {
	proc, err := os.FindProcess(int(pid))
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}

// Alive probes the pid with signal 0. EPERM still means the process exists.
func (OSRunner) Alive(pid int64) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(int(pid), 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
