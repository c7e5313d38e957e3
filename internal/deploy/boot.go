package deploy

import (
	"context"
	"fmt"

	"github.com/3cpo-dev/deploy-flake/internal/system"
)

// BootStep is one step of the boot activation.
type BootStep int

const (
	BootTrial BootStep = iota
	BootSetGeneration
	BootCommit
)

func (s BootStep) String() string {
	switch s {
	case BootTrial:
		return "trial boot activation"
	case BootSetGeneration:
		return "setting the current generation"
	case BootCommit:
		return "boot activation"
	default:
		return fmt.Sprintf("boot step %d", int(s))
	}
}

// BootStepError names the step that failed and what it left behind.
type BootStepError struct {
	Step BootStep
	Path string
	Err  error
}

func (e *BootStepError) Error() string {
	switch e.Step {
	case BootTrial:
		return fmt.Sprintf("%s of %s failed, nothing was changed: %v", e.Step, e.Path, e.Err)
	case BootSetGeneration:
		return fmt.Sprintf("%s to %s failed after a successful trial activation; "+
			"the system profile may have a stray generation that needs cleaning up: %v", e.Step, e.Path, e.Err)
	default:
		return fmt.Sprintf("%s of %s failed: the system profile now points at a configuration "+
			"that is not the boot default; reset the profile to the previous generation before rebooting: %v", e.Step, e.Path, e.Err)
	}
}

func (e *BootStepError) Unwrap() error { return e.Err }

// BootConfig makes built the boot default in three steps. A trial
// activation goes first so a broken configuration is caught before the
// profile pointer moves; only then is the generation set and activated.
func BootConfig(ctx context.Context, sys system.System, built *system.BuiltConfig) error {
	if err := sys.UpdateBootForConfig(ctx, built.Path); err != nil {
		return &BootStepError{Step: BootTrial, Path: built.Path, Err: err}
	}
	if err := sys.SetAsCurrentGeneration(ctx, built.Path); err != nil {
		return &BootStepError{Step: BootSetGeneration, Path: built.Path, Err: err}
	}
	if err := sys.UpdateBootForConfig(ctx, built.Path); err != nil {
		return &BootStepError{Step: BootCommit, Path: built.Path, Err: err}
	}
	return nil
}
