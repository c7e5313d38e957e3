// Package deploy runs the per-destination deployment pipeline and fans it
// out over many destinations.
package deploy

import (
	"context"
	"time"

	"github.com/3cpo-dev/deploy-flake/internal/command"
	"github.com/3cpo-dev/deploy-flake/internal/flake"
	"github.com/3cpo-dev/deploy-flake/internal/logging"
	"github.com/3cpo-dev/deploy-flake/internal/system"
)

// Copier ships the build source to a host.
type Copier interface {
	CopyClosure(ctx context.Context, r *command.Runner, t flake.Target) error
}

// TargetResolver says where and how the closure for d is copied.
type TargetResolver interface {
	CopyTarget(d Destination) flake.Target
}

// Opener connects to a destination and returns its adapter.
type Opener interface {
	Open(ctx context.Context, d Destination, log *logging.Router) (system.System, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, d Destination, log *logging.Router) (system.System, error)

func (f OpenerFunc) Open(ctx context.Context, d Destination, log *logging.Router) (system.System, error) {
	return f(ctx, d, log)
}

// Observer is told about stage timings and copy attempts. Implementations
// must be safe for concurrent use.
type Observer interface {
	StageFinished(d Destination, stage Stage, elapsed time.Duration, err error)
	CopyAttempt(d Destination, outcome string)
}

type nopObserver struct{}

func (nopObserver) StageFinished(Destination, Stage, time.Duration, error) {}
func (nopObserver) CopyAttempt(Destination, string)                        {}

// Options configures the optional parts of a pipeline.
type Options struct {
	Preflight       StageBehavior
	Test            StageBehavior
	PreflightScript string
	BuildArgs       []string
	Copy            RetryConfig
}

// Pipeline deploys the build source to one destination at a time. A single
// Pipeline may run many destinations concurrently; it holds no per-run state.
type Pipeline struct {
	Source flake.Flake
	Copier Copier
	Opener Opener
	// Targets resolves copy targets; nil copies to the bare destination host.
	Targets  TargetResolver
	Options  Options
	Log      *logging.Router
	Observer Observer
}

// Result is the outcome of one destination.
type Result struct {
	Destination Destination
	State       State
	SystemName  string
	Path        string
	Err         error
	Started     time.Time
	Finished    time.Time
}

// Run takes d through copy, build, checks, test and boot activation,
// stopping at the first failure.
func (p *Pipeline) Run(ctx context.Context, d Destination) (res Result) {
	log := p.Log
	if log == nil {
		log = logging.Nop()
	}
	log = log.With("host", d.Host)
	narr := log.Narration()
	obs := p.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	copier := p.Copier
	if copier == nil {
		copier = p.Source
	}
	target := flake.Target{Host: d.Host}
	if p.Targets != nil {
		target = p.Targets.CopyTarget(d)
	}

	res = Result{Destination: d, Started: time.Now()}
	defer func() { res.Finished = time.Now() }()

	stage := func(s Stage, fn func() error) bool {
		start := time.Now()
		err := fn()
		obs.StageFinished(d, s, time.Since(start), err)
		if err != nil {
			res.Err = &StageError{Destination: d, Stage: s, Err: err}
			narr.Error().Err(err).Str("stage", string(s)).Stringer("reached", res.State).Msg("Deployment failed")
			return false
		}
		return true
	}

	runner := command.NewRunner(log)
	narr.Info().Str("to", target.StoreURI()).Msg("Copying closure")
	if !stage(StageCopy, func() error {
		report := func(outcome string) { obs.CopyAttempt(d, outcome) }
		return copyWithRetry(ctx, p.Options.Copy, d.Host, narr, report, func(actx context.Context) error {
			return copier.CopyClosure(actx, runner, target)
		})
	}) {
		return res
	}
	res.State = Copied

	var sys system.System
	if !stage(StageConnect, func() error {
		var err error
		sys, err = p.Opener.Open(ctx, d, log)
		return err
	}) {
		return res
	}
	defer func() {
		if err := sys.Close(); err != nil {
			narr.Debug().Err(err).Msg("Closing session")
		}
	}()
	res.State = Connected

	var built *system.BuiltConfig
	if !stage(StageBuild, func() error {
		var err error
		built, err = sys.BuildFlake(ctx, p.Source, d.ConfigName, p.Options.BuildArgs)
		return err
	}) {
		return res
	}
	res.State = Built
	res.SystemName, res.Path = built.SystemName, built.Path

	if p.Options.Preflight == Run {
		if !stage(StagePreflight, func() error {
			if err := sys.PreflightCheckSystem(ctx); err != nil {
				return err
			}
			return sys.PreflightCheckClosure(ctx, built, p.Options.PreflightScript)
		}) {
			return res
		}
	} else {
		narr.Info().Msg("Skipping preflight checks")
	}
	res.State = HealthChecked

	if p.Options.Test == Run {
		narr.Info().Str("path", built.Path).Msg("Testing configuration")
		if !stage(StageTest, func() error { return sys.TestConfig(ctx, built.Path) }) {
			return res
		}
	} else {
		narr.Info().Msg("Skipping test activation")
	}
	res.State = Tested

	narr.Info().Str("path", built.Path).Msg("Activating configuration for boot")
	if !stage(StageBoot, func() error { return BootConfig(ctx, sys, built) }) {
		return res
	}
	res.State = BootCommitted
	narr.Info().Str("system", built.SystemName).Str("path", built.Path).Msg("Deployed")
	return res
}
