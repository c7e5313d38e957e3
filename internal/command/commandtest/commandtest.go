// Package commandtest provides a scripted command.Session for tests.
package commandtest

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/3cpo-dev/deploy-flake/internal/command"
)

// Response describes how a scripted command behaves.
type Response struct {
	Stdout   string
	Stderr   string
	Status   int
	StartErr error
	WaitErr  error
	// Hang blocks Wait until the command's context is cancelled.
	Hang bool
}

type rule struct {
	match  string
	prefix bool
	resp   Response
}

// Session is a command.Session whose commands answer from a script. Commands
// that match no rule succeed silently.
type Session struct {
	HostName string
	// Files lists the paths FileExists reports as present.
	Files map[string]bool
	// StatErr, when set, is returned by FileExists.
	StatErr error

	mu     sync.Mutex
	rules  []rule
	calls  []string
	cmds   []command.Cmd
	closed bool
}

// NewSession returns an empty script for host.
func NewSession(host string) *Session {
	return &Session{HostName: host, Files: map[string]bool{}}
}

// On scripts the command whose rendered line equals line.
func (s *Session) On(line string, r Response) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, rule{match: line, resp: r})
	return s
}

// OnPrefix scripts every command whose rendered line starts with prefix.
// Exact rules win over prefix rules.
func (s *Session) OnPrefix(prefix string, r Response) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, rule{match: prefix, prefix: true, resp: r})
	return s
}

// Calls returns the rendered command lines started so far, in order.
func (s *Session) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Commands returns the commands started so far, environment included.
func (s *Session) Commands() []command.Cmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]command.Cmd(nil), s.cmds...)
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) lookup(line string) Response {
	for _, r := range s.rules {
		if !r.prefix && r.match == line {
			return r.resp
		}
	}
	for _, r := range s.rules {
		if r.prefix && strings.HasPrefix(line, r.match) {
			return r.resp
		}
	}
	return Response{}
}

// Host implements command.Session.
func (s *Session) Host() string { return s.HostName }

// Start implements command.Session.
func (s *Session) Start(ctx context.Context, cmd command.Cmd) (command.Process, error) {
	line := cmd.String()
	s.mu.Lock()
	s.calls = append(s.calls, line)
	s.cmds = append(s.cmds, cmd)
	resp := s.lookup(line)
	s.mu.Unlock()
	if resp.StartErr != nil {
		return nil, resp.StartErr
	}
	return &process{ctx: ctx, resp: resp, stdout: strings.NewReader(resp.Stdout), stderr: strings.NewReader(resp.Stderr)}, nil
}

// FileExists implements command.Session.
func (s *Session) FileExists(_ context.Context, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StatErr != nil {
		return false, s.StatErr
	}
	return s.Files[path], nil
}

// Close implements command.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type process struct {
	ctx    context.Context
	resp   Response
	stdout io.Reader
	stderr io.Reader
}

func (p *process) Stdout() io.Reader { return p.stdout }
func (p *process) Stderr() io.Reader { return p.stderr }

func (p *process) Wait() error {
	if p.resp.Hang {
		<-p.ctx.Done()
		return p.ctx.Err()
	}
	if p.resp.WaitErr != nil {
		return p.resp.WaitErr
	}
	if p.resp.Status != 0 {
		return &command.ExitError{Status: p.resp.Status}
	}
	return nil
}
