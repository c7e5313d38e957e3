package deploy

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

// StageBehavior says whether an optional stage runs.
type StageBehavior int

const (
	Run StageBehavior = iota
	Skip
)

var _ pflag.Value = (*StageBehavior)(nil)

func (b StageBehavior) String() string {
	if b == Skip {
		return "skip"
	}
	return "run"
}

// Set implements pflag.Value.
func (b *StageBehavior) Set(s string) error {
	v, err := ParseStageBehavior(s)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// Type implements pflag.Value.
func (b *StageBehavior) Type() string { return "run|skip" }

// ParseStageBehavior accepts "run" or "skip".
func ParseStageBehavior(s string) (StageBehavior, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "run":
		return Run, nil
	case "skip":
		return Skip, nil
	default:
		return Run, fmt.Errorf("stage behavior must be run or skip, not %q", s)
	}
}

// Stage names one step of a deployment.
type Stage string

const (
	StageCopy      Stage = "copy"
	StageConnect   Stage = "connect"
	StageBuild     Stage = "build"
	StagePreflight Stage = "preflight"
	StageTest      Stage = "test"
	StageBoot      Stage = "boot"
)

// State is how far a destination's deployment got.
type State int

const (
	Pending State = iota
	Copied
	Connected
	Built
	HealthChecked
	Tested
	BootCommitted
)

var stateNames = [...]string{"pending", "copied", "connected", "built", "health-checked", "tested", "boot-committed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// StageError ties a failure to the destination and stage it happened in.
type StageError struct {
	Destination Destination
	Stage       Stage
	Err         error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Destination.Host, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
