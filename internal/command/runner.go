package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/deploy-flake/internal/logging"
)

// Runner executes commands on sessions, logging their output on the
// subprocess channel and its own bookkeeping on the narration channel.
type Runner struct {
	log    *zerolog.Logger
	output *zerolog.Logger
}

// NewRunner returns a Runner logging through r.
func NewRunner(r *logging.Router) *Runner {
	return &Runner{log: r.Narration(), output: r.Output()}
}

// Run executes cmd on s and returns once it has exited and all of its output
// has been logged.
func (r *Runner) Run(ctx context.Context, s Session, cmd Cmd) error {
	return r.run(ctx, s, cmd, nil)
}

// Output executes cmd on s and returns its stdout. Stderr is still logged.
func (r *Runner) Output(ctx context.Context, s Session, cmd Cmd) ([]byte, error) {
	var buf bytes.Buffer
	err := r.run(ctx, s, cmd, &buf)
	return buf.Bytes(), err
}

func (r *Runner) run(ctx context.Context, s Session, cmd Cmd, stdout io.Writer) error {
	line := cmd.String()
	start := time.Now()
	r.log.Debug().Str("command", line).Msg("Running")

	proc, err := s.Start(ctx, cmd)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("start `%s` on %s: %w", line, s.Host(), ctx.Err())
		}
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			return err
		}
		return &ConnectionError{Host: s.Host(), Op: "start " + line, Err: err}
	}

	out := r.output.With().Str("command", cmd.Name).Logger()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		var err error
		if stdout != nil {
			_, err = io.Copy(stdout, proc.Stdout())
		} else {
			err = LogStream(out, Stdout, proc.Stdout())
		}
		if err != nil {
			r.log.Debug().Err(err).Str("command", line).Msg("stdout read failed")
		}
	}()
	go func() {
		defer wg.Done()
		if err := LogStream(out, Stderr, proc.Stderr()); err != nil {
			r.log.Debug().Err(err).Str("command", line).Msg("stderr read failed")
		}
	}()
	waitErr := proc.Wait()
	wg.Wait()

	r.log.Debug().
		Str("command", line).
		Dur("duration", time.Since(start)).
		AnErr("status", waitErr).
		Msg("Finished")

	if waitErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("`%s` on %s: %w", line, s.Host(), ctx.Err())
	}
	var exitErr *ExitError
	if errors.As(waitErr, &exitErr) {
		return &CommandError{Host: s.Host(), Command: line, Status: exitErr.Status, Signal: exitErr.Signal}
	}
	return &ConnectionError{Host: s.Host(), Op: "wait for " + line, Err: waitErr}
}
