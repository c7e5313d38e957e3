package ssh

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/pkg/sftp"

	"github.com/3cpo-dev/deploy-flake/internal/command"
)

func (s *Session) sftpClient() (*sftp.Client, error) {
	s.sftpOnce.Do(func() {
		s.sftp, s.sftpErr = sftp.NewClient(s.client)
	})
	return s.sftp, s.sftpErr
}

// FileExists implements command.Session. It stats path over SFTP and falls
// back to `test -e` on hosts without the sftp subsystem. Symlinks are
// followed, which matters for store paths.
func (s *Session) FileExists(ctx context.Context, path string) (bool, error) {
	sc, err := s.sftpClient()
	if err != nil {
		return s.testExists(ctx, path)
	}
	if _, err := sc.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, &command.ConnectionError{Host: s.host, Op: "stat " + path, Err: err}
	}
	return true, nil
}

func (s *Session) testExists(ctx context.Context, path string) (bool, error) {
	proc, err := s.Start(ctx, command.New("test", "-e", path))
	if err != nil {
		return false, err
	}
	go io.Copy(io.Discard, proc.Stdout())
	go io.Copy(io.Discard, proc.Stderr())
	err = proc.Wait()
	if err == nil {
		return true, nil
	}
	var exitErr *command.ExitError
	if errors.As(err, &exitErr) && exitErr.Status == 1 {
		return false, nil
	}
	return false, &command.ConnectionError{Host: s.host, Op: "test -e " + path, Err: err}
}
