package command

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"time"
)

// Local is a Session on the operator's machine, used for the nix
// invocations that happen before any remote host is involved.
type Local struct {
	// Dir is the working directory for spawned commands.
	Dir string
}

// Host implements Session.
func (l Local) Host() string { return "localhost" }

// Start implements Session.
func (l Local) Start(ctx context.Context, cmd Cmd) (Process, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = l.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	c.WaitDelay = 5 * time.Second
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	c.Stdout = outW
	c.Stderr = errW
	if err := c.Start(); err != nil {
		outW.Close()
		errW.Close()
		return nil, err
	}
	return &localProcess{cmd: c, stdout: outR, stderr: errR, stdoutW: outW, stderrW: errW}, nil
}

// FileExists implements Session.
func (l Local) FileExists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Close implements Session.
func (l Local) Close() error { return nil }

type localProcess struct {
	cmd     *exec.Cmd
	stdout  *io.PipeReader
	stderr  *io.PipeReader
	stdoutW *io.PipeWriter
	stderrW *io.PipeWriter
}

func (p *localProcess) Stdout() io.Reader { return p.stdout }
func (p *localProcess) Stderr() io.Reader { return p.stderr }

// Wait waits for exit; exec only returns once its copy goroutines have
// handed everything to our pipes, so closing the writers afterwards
// delivers EOF to readers without losing output.
func (p *localProcess) Wait() error {
	err := p.cmd.Wait()
	p.stdoutW.Close()
	p.stderrW.Close()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		status := exitErr.ExitCode()
		if status < 0 {
			return &ExitError{Status: status, Signal: exitErr.String()}
		}
		return &ExitError{Status: status}
	}
	return err
}
