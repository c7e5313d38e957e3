package command

import "fmt"

// ConnectionError is a session-level failure: the host could not be
// reached, a session could not be opened, or the channel broke mid-command.
type ConnectionError struct {
	Host string
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Host, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CommandError is a command that ran and failed.
type CommandError struct {
	Host    string
	Command string
	Status  int
	Signal  string
}

func (e *CommandError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("command `%s` on %s was killed by signal %s", e.Command, e.Host, e.Signal)
	}
	return fmt.Sprintf("command `%s` on %s failed with exit status %d", e.Command, e.Host, e.Status)
}
