package ssh

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/deploy-flake/internal/command"
)

// Session is a command.Session backed by one SSH connection. Each command
// runs in its own SSH channel; the connection is owned by one pipeline.
type Session struct {
	host   string
	client *xssh.Client

	sftpOnce sync.Once
	sftp     *sftp.Client
	sftpErr  error
}

// NewSession wraps an established connection to host.
func NewSession(host string, client *xssh.Client) *Session {
	return &Session{host: host, client: client}
}

// Host implements command.Session.
func (s *Session) Host() string { return s.host }

// Start implements command.Session.
func (s *Session) Start(ctx context.Context, cmd command.Cmd) (command.Process, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, &command.ConnectionError{Host: s.host, Op: "open channel", Err: err}
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, &command.ConnectionError{Host: s.host, Op: "stdout pipe", Err: err}
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, &command.ConnectionError{Host: s.host, Op: "stderr pipe", Err: err}
	}
	line := cmd.String()
	if len(cmd.Env) > 0 {
		// sshd refuses most variables sent with setenv requests.
		line = command.New("env", cmd.Env...).With(cmd.Argv()...).String()
	}
	if err := sess.Start(line); err != nil {
		sess.Close()
		return nil, &command.ConnectionError{Host: s.host, Op: "exec", Err: err}
	}
	p := &process{sess: sess, stdout: stdout, stderr: stderr, done: make(chan struct{})}
	go p.watch(ctx)
	return p, nil
}

// Close implements command.Session.
func (s *Session) Close() error {
	if s.sftp != nil {
		_ = s.sftp.Close()
	}
	return s.client.Close()
}

type process struct {
	sess   *xssh.Session
	stdout io.Reader
	stderr io.Reader
	done   chan struct{}
}

func (p *process) Stdout() io.Reader { return p.stdout }
func (p *process) Stderr() io.Reader { return p.stderr }

// watch tears the channel down when ctx ends before the command does.
func (p *process) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		_ = p.sess.Signal(xssh.SIGTERM)
		_ = p.sess.Close()
	case <-p.done:
	}
}

func (p *process) Wait() error {
	err := p.sess.Wait()
	close(p.done)
	_ = p.sess.Close()
	var exitErr *xssh.ExitError
	if errors.As(err, &exitErr) {
		return &command.ExitError{Status: exitErr.ExitStatus(), Signal: exitErr.Signal()}
	}
	return err
}
