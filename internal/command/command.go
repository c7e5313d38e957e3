// Package command runs commands on a Session, remote or local, and streams
// their output into the subprocess log channel while waiting for them to exit.
package command

import (
	"context"
	"fmt"
	"io"

	shellquote "github.com/kballard/go-shellquote"
)

// Cmd is a command line to spawn.
type Cmd struct {
	Name string
	Args []string
	// Env holds extra KEY=value pairs set on top of the session's environment.
	Env []string
}

// New returns a Cmd for name and args.
func New(name string, args ...string) Cmd {
	return Cmd{Name: name, Args: args}
}

// With returns a copy of c with more arguments appended.
func (c Cmd) With(args ...string) Cmd {
	out := Cmd{Name: c.Name, Args: make([]string, 0, len(c.Args)+len(args)), Env: c.Env}
	out.Args = append(out.Args, c.Args...)
	out.Args = append(out.Args, args...)
	return out
}

// WithEnv returns a copy of c with more KEY=value pairs in its environment.
func (c Cmd) WithEnv(kv ...string) Cmd {
	out := c.With()
	out.Env = append(append([]string(nil), c.Env...), kv...)
	return out
}

// Argv returns the full argument vector including the program name.
func (c Cmd) Argv() []string {
	return append([]string{c.Name}, c.Args...)
}

// String renders the command as a single shell-quoted line, which is also
// what remote sessions hand to the login shell. Env is not part of it.
func (c Cmd) String() string {
	return shellquote.Join(c.Argv()...)
}

// Session is an authenticated channel to one host.
type Session interface {
	// Host names the host the session is bound to.
	Host() string
	// Start spawns cmd. An error here is a session-level failure.
	Start(ctx context.Context, cmd Cmd) (Process, error)
	// FileExists reports whether path exists on the host.
	FileExists(ctx context.Context, path string) (bool, error)
	Close() error
}

// Process is a started command. Stdout and Stderr must be drained while
// Wait is pending, otherwise a chatty command stalls on a full buffer.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the command exits. A non-zero exit is reported as
	// *ExitError; anything else means the session broke.
	Wait() error
}

// ExitError is returned by Process.Wait when the command ran to completion
// with a non-zero status or was killed by a signal.
type ExitError struct {
	Status int
	Signal string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("killed by signal %s", e.Signal)
	}
	return fmt.Sprintf("exit status %d", e.Status)
}
