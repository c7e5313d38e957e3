package system

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/deploy-flake/internal/command"
	"github.com/3cpo-dev/deploy-flake/internal/flake"
	"github.com/3cpo-dev/deploy-flake/internal/logging"
)

const (
	systemProfile = "/nix/var/nix/profiles/system"
	activateBin   = "bin/switch-to-configuration"

	// DefaultPreflightScript is looked up inside the build output when no
	// script is configured.
	DefaultPreflightScript = "bin/preflight-check"
)

// AmbiguousBuildError means the build did not produce exactly one result,
// so there is no single system to activate. It is never retried.
type AmbiguousBuildError struct {
	Expression string
	Count      int
}

func (e *AmbiguousBuildError) Error() string {
	return fmt.Sprintf("building %s produced %d results, expected exactly one", e.Expression, e.Count)
}

// NixOSAdapter drives nixos hosts: builds happen on the target, activation goes
// through the configuration's switch-to-configuration script.
type NixOSAdapter struct {
	session command.Session
	runner  *command.Runner
	log     *zerolog.Logger
}

// NewNixOS returns an adapter owning s.
func NewNixOS(s command.Session, log *logging.Router) *NixOSAdapter {
	return &NixOSAdapter{session: s, runner: command.NewRunner(log), log: log.Narration()}
}

func (n *NixOSAdapter) Host() string { return n.session.Host() }

func (n *NixOSAdapter) Close() error { return n.session.Close() }

func sudo(args ...string) command.Cmd {
	return command.New("sudo", args...)
}

func activation(derivation, verb string) []string {
	return []string{path.Join(derivation, activateBin), verb}
}

func (n *NixOSAdapter) hostname(ctx context.Context) (string, error) {
	out, err := n.runner.Output(ctx, n.session, command.New("hostname"))
	if err != nil {
		return "", fmt.Errorf("could not query for hostname: %w", err)
	}
	name := string(bytes.TrimSuffix(out, []byte("\n")))
	if name == "" {
		return "", errors.New("host reported an empty hostname")
	}
	return name, nil
}

// PreflightCheckSystem waits for systemd to settle and refuses to deploy
// when it reports anything but a running system.
func (n *NixOSAdapter) PreflightCheckSystem(ctx context.Context) error {
	out, err := n.runner.Output(ctx, n.session, sudo("systemctl", "is-system-running", "--wait"))
	status := strings.TrimSpace(string(out))
	var cmdErr *command.CommandError
	if errors.As(err, &cmdErr) {
		n.log.Error().Str("status", status).Msg("System is not healthy. List of broken units follows:")
		if listErr := n.runner.Run(ctx, n.session, sudo("systemctl", "list-units", "--failed")); listErr != nil {
			n.log.Warn().Err(listErr).Msg("Could not list failed units")
		}
		return fmt.Errorf("can not deploy to an unhealthy system (state %q): %w", status, err)
	}
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	n.log.Info().Str("status", status).Msg("System is healthy")
	return nil
}

// PreflightCheckClosure runs the configuration's own self-check, if it ships one.
func (n *NixOSAdapter) PreflightCheckClosure(ctx context.Context, built *BuiltConfig, script string) error {
	rel := script
	if rel == "" {
		rel = DefaultPreflightScript
	}
	if err := ValidateScriptPath(rel); err != nil {
		return err
	}
	scriptPath := path.Join(built.Path, rel)
	exists, err := n.session.FileExists(ctx, scriptPath)
	if err != nil {
		return fmt.Errorf("look for self-check %s: %w", scriptPath, err)
	}
	if !exists {
		ev := n.log.Debug()
		if script != "" {
			ev = n.log.Warn()
		}
		ev.Str("script", scriptPath).Msg("Configuration has no self-check, skipping")
		return nil
	}
	n.log.Info().Str("script", scriptPath).Msg("Running configuration self-check")
	if err := n.runner.Run(ctx, n.session, sudo(scriptPath)); err != nil {
		return fmt.Errorf("self-check %s rejected the configuration: %w", scriptPath, err)
	}
	return nil
}

// ValidateScriptPath accepts only paths that stay inside a build output.
func ValidateScriptPath(rel string) error {
	if path.IsAbs(rel) {
		return fmt.Errorf("self-check path %q must be relative to the build output", rel)
	}
	clean := path.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("self-check path %q escapes the build output", rel)
	}
	return nil
}

type nixBuildResult struct {
	DrvPath string `json:"drvPath"`
	Outputs struct {
		Out string `json:"out"`
	} `json:"outputs"`
}

// BuildFlake builds the system twice: once with logs for the operator and
// once with --json, which is a cache hit, to learn the output path without
// scraping the log.
func (n *NixOSAdapter) BuildFlake(ctx context.Context, source flake.Flake, configName string, extraArgs []string) (*BuiltConfig, error) {
	name := configName
	if name == "" {
		var err error
		if name, err = n.hostname(ctx); err != nil {
			return nil, err
		}
	}
	expr := source.SystemExpression(name)
	build := command.New("env", "-C", "/tmp", "nix", "build", "-L", "--no-link").With(extraArgs...)

	n.log.Info().Str("system", name).Str("expression", expr).Msg("Building")
	if err := n.runner.Run(ctx, n.session, build.With(expr)); err != nil {
		return nil, fmt.Errorf("could not build the flake: %w", err)
	}

	out, err := n.runner.Output(ctx, n.session, build.With("--json", expr))
	if err != nil {
		return nil, fmt.Errorf("could not build the flake: %w", err)
	}
	var results []nixBuildResult
	if err := json.Unmarshal(out, &results); err != nil {
		return nil, fmt.Errorf("parse build result: %w", err)
	}
	if len(results) != 1 {
		return nil, &AmbiguousBuildError{Expression: expr, Count: len(results)}
	}
	built := &BuiltConfig{Path: results[0].Outputs.Out, SystemName: name, owner: n}
	if built.Path == "" {
		return nil, fmt.Errorf("build result for %s has no out path", expr)
	}
	n.log.Info().Str("system", name).Str("path", built.Path).Msg("Built")
	return built, nil
}

// SetAsCurrentGeneration points the system profile at derivation.
func (n *NixOSAdapter) SetAsCurrentGeneration(ctx context.Context, derivation string) error {
	cmd := sudo("nix-env", "-p", systemProfile, "--set", derivation)
	if err := n.runner.Run(ctx, n.session, cmd); err != nil {
		return fmt.Errorf("could not set %s as the current generation: %w", derivation, err)
	}
	return nil
}

// TestConfig runs `switch-to-configuration test` inside a transient systemd
// unit so a hung activation or dropped session cannot leave it half done.
func (n *NixOSAdapter) TestConfig(ctx context.Context, derivation string) error {
	base := path.Base(derivation)
	if base == "." || base == "/" || base == "" {
		return fmt.Errorf("built path has a weird format: %q", derivation)
	}
	unit := "test--" + base
	cmd := sudo(
		"systemd-run",
		"--working-directory=/tmp",
		"--service-type=oneshot",
		"--send-sighup",
		"--unit", unit,
		"--wait",
		"--quiet",
		"--pipe",
		"--setenv=LC_ALL=C",
	).With(activation(derivation, "test")...)
	n.log.Debug().Str("unit", unit).Msg("Running switch-to-configuration test in a transient unit")
	if err := n.runner.Run(ctx, n.session, cmd); err != nil {
		return fmt.Errorf("testing the system closure %s failed: %w", derivation, err)
	}
	return nil
}

// UpdateBootForConfig makes derivation the default boot entry.
func (n *NixOSAdapter) UpdateBootForConfig(ctx context.Context, derivation string) error {
	if err := n.runner.Run(ctx, n.session, sudo(activation(derivation, "boot")...)); err != nil {
		return fmt.Errorf("could not set %s up as the boot system: %w", derivation, err)
	}
	return nil
}
