// Package process starts helper executables and reports how they ended.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ExitState describes how a process ended.
type ExitState struct {
	// Code is the exit code, or -1 when the process was killed by a signal.
	Code int
	// Signaled reports termination by a signal.
	Signaled bool
	// Description is the OS description, e.g. "exit status 0" or
	// "signal: killed".
	Description string
}

// Crashed reports an abnormal end: a signal or a non-zero exit code.
func (s ExitState) Crashed() bool {
	return s.Signaled || s.Code != 0
}

func (s ExitState) String() string {
	return s.Description
}

// Process is a started child process. Its stderr is a private pipe that is
// independent of Wait, so a child's stderr can be drained while its exit is
// observed separately.
type Process struct {
	cmd    *exec.Cmd
	stderr *os.File

	waitOnce sync.Once
	state    ExitState
	waitErr  error
}

// Start launches path with args. The child inherits the current environment
// plus env; stdin and stdout are not connected.
func Start(path string, args []string, env ...string) (*Process, error) {
	stderrReader, stderrWriter, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	cmd := exec.Command(path, args...)
	cmd.Stderr = stderrWriter
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	if err := cmd.Start(); err != nil {
		stderrReader.Close()
		stderrWriter.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}
	// The child holds its own copy now.
	stderrWriter.Close()

	return &Process{
		cmd:    cmd,
		stderr: stderrReader,
	}, nil
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Stderr returns the child's standard error. It reports EOF once every
// holder of the write end has exited.
func (p *Process) Stderr() io.Reader {
	return p.stderr
}

// ExpireStderr makes pending and future stderr reads fail after d. It is used
// to stop draining when a grandchild keeps the pipe open.
func (p *Process) ExpireStderr(d time.Duration) error {
	return p.stderr.SetReadDeadline(time.Now().Add(d))
}

// Wait blocks until the process exits. The returned error is only set when
// the exit could not be observed; abnormal exits are reported in ExitState.
func (p *Process) Wait() (ExitState, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			p.waitErr = fmt.Errorf("failed to wait for process: %w", err)
		}
		ps := p.cmd.ProcessState
		if ps == nil {
			p.state = ExitState{Code: -1, Description: "unknown"}
			return
		}
		p.state = ExitState{
			Code:        ps.ExitCode(),
			Signaled:    !ps.Exited(),
			Description: ps.String(),
		}
	})
	return p.state, p.waitErr
}

// Kill terminates the process immediately.
func (p *Process) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill process: %w", err)
	}
	return nil
}

// Close releases the stderr pipe.
func (p *Process) Close() error {
	if err := p.stderr.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("failed to close stderr reader: %w", err)
	}
	return nil
}
