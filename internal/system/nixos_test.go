package system

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/3cpo-dev/deploy-flake/internal/command"
	"github.com/3cpo-dev/deploy-flake/internal/command/commandtest"
	"github.com/3cpo-dev/deploy-flake/internal/flake"
	"github.com/3cpo-dev/deploy-flake/internal/logging"
)

const (
	buildPrefix = "env -C /tmp nix build -L --no-link"
	jsonPrefix  = buildPrefix + " --json"
	storePath   = "/nix/store/xyz-nixos-system-web-1"
)

var source = flake.New("/src/hosts", "/nix/store/abc-source")

func newNixOS(s *commandtest.Session) *NixOSAdapter {
	return NewNixOS(s, logging.Nop())
}

func TestConnectFlavor(t *testing.T) {
	s := commandtest.NewSession("web-1")
	sys, err := Connect(NixOS, s, logging.Nop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if sys.Host() != "web-1" {
		t.Fatalf("host = %s", sys.Host())
	}
	if err := sys.Close(); err != nil || !s.Closed() {
		t.Fatalf("close did not release the session: %v", err)
	}
	if _, err := Connect(Flavor(7), s, logging.Nop()); err == nil {
		t.Fatalf("expected unknown flavor to fail")
	}
}

func TestParseFlavor(t *testing.T) {
	f, err := ParseFlavor("NixOS")
	if err != nil || f != NixOS || f.String() != "nixos" {
		t.Fatalf("ParseFlavor = %v, %v", f, err)
	}
	if _, err := ParseFlavor("debian"); err == nil {
		t.Fatalf("expected debian to be rejected")
	}
}

func TestBuildFlakeUsesHostname(t *testing.T) {
	s := commandtest.NewSession("web-1").
		On("hostname", commandtest.Response{Stdout: "web-1\n"}).
		OnPrefix(buildPrefix+" --option substitute false --json", commandtest.Response{Stdout: `[{"drvPath":"/nix/store/d.drv","outputs":{"out":"` + storePath + `"}}]`})
	n := newNixOS(s)
	built, err := n.BuildFlake(context.Background(), source, "", []string{"--option", "substitute", "false"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if built.Path != storePath || built.SystemName != "web-1" || built.Owner() != n {
		t.Fatalf("unexpected build %+v", built)
	}
	calls := s.Calls()
	if len(calls) != 3 || calls[0] != "hostname" {
		t.Fatalf("calls = %q", calls)
	}
	if !strings.HasPrefix(calls[1], buildPrefix+" --option substitute false ") || strings.Contains(calls[1], "--json") {
		t.Fatalf("first build = %s", calls[1])
	}
	if !strings.HasPrefix(calls[2], buildPrefix+" --option substitute false --json ") {
		t.Fatalf("second build = %s", calls[2])
	}
	if !strings.Contains(calls[2], `nixosConfigurations.`) || !strings.Contains(calls[2], "web-1") {
		t.Fatalf("second build does not name the system: %s", calls[2])
	}
}

func TestBuildFlakeExplicitName(t *testing.T) {
	s := commandtest.NewSession("web-1").
		OnPrefix(jsonPrefix, commandtest.Response{Stdout: `[{"outputs":{"out":"` + storePath + `"}}]`})
	built, err := newNixOS(s).BuildFlake(context.Background(), source, "router", nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if built.SystemName != "router" {
		t.Fatalf("system name = %s", built.SystemName)
	}
	for _, c := range s.Calls() {
		if c == "hostname" {
			t.Fatalf("hostname should not be queried when the name is given")
		}
	}
}

func TestBuildFlakeAmbiguous(t *testing.T) {
	for _, out := range []string{`[]`, `[{"outputs":{"out":"/a"}},{"outputs":{"out":"/b"}}]`} {
		s := commandtest.NewSession("web-1").OnPrefix(jsonPrefix, commandtest.Response{Stdout: out})
		_, err := newNixOS(s).BuildFlake(context.Background(), source, "web-1", nil)
		var amb *AmbiguousBuildError
		if !errors.As(err, &amb) {
			t.Fatalf("%s: expected AmbiguousBuildError, got %v", out, err)
		}
	}
}

func TestBuildFlakeFails(t *testing.T) {
	s := commandtest.NewSession("web-1").OnPrefix(buildPrefix, commandtest.Response{Status: 1, Stderr: "error: infinite recursion\n"})
	_, err := newNixOS(s).BuildFlake(context.Background(), source, "web-1", nil)
	var cmdErr *command.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if len(s.Calls()) != 1 {
		t.Fatalf("build should stop after the first failure: %q", s.Calls())
	}
}

func TestPreflightCheckSystem(t *testing.T) {
	s := commandtest.NewSession("web-1").On("sudo systemctl is-system-running --wait", commandtest.Response{Stdout: "running\n"})
	if err := newNixOS(s).PreflightCheckSystem(context.Background()); err != nil {
		t.Fatalf("healthy system rejected: %v", err)
	}

	s = commandtest.NewSession("web-1").On("sudo systemctl is-system-running --wait", commandtest.Response{Stdout: "degraded\n", Status: 1})
	err := newNixOS(s).PreflightCheckSystem(context.Background())
	if err == nil || !strings.Contains(err.Error(), "degraded") {
		t.Fatalf("expected degraded system to fail, got %v", err)
	}
	calls := s.Calls()
	if len(calls) != 2 || calls[1] != "sudo systemctl list-units --failed" {
		t.Fatalf("failed units were not listed: %q", calls)
	}
}

func TestPreflightCheckClosure(t *testing.T) {
	built := &BuiltConfig{Path: storePath, SystemName: "web-1"}

	s := commandtest.NewSession("web-1")
	if err := newNixOS(s).PreflightCheckClosure(context.Background(), built, ""); err != nil {
		t.Fatalf("missing default script should be skipped: %v", err)
	}
	if len(s.Calls()) != 0 {
		t.Fatalf("nothing should run without a script: %q", s.Calls())
	}

	s = commandtest.NewSession("web-1")
	s.Files[storePath+"/bin/preflight-check"] = true
	if err := newNixOS(s).PreflightCheckClosure(context.Background(), built, ""); err != nil {
		t.Fatalf("script: %v", err)
	}
	if calls := s.Calls(); len(calls) != 1 || calls[0] != "sudo "+storePath+"/bin/preflight-check" {
		t.Fatalf("calls = %q", calls)
	}

	s = commandtest.NewSession("web-1").OnPrefix("sudo", commandtest.Response{Status: 3})
	s.Files[storePath+"/libexec/check"] = true
	err := newNixOS(s).PreflightCheckClosure(context.Background(), built, "libexec/check")
	var cmdErr *command.CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Status != 3 {
		t.Fatalf("expected the rejecting script to fail, got %v", err)
	}
}

func TestValidateScriptPath(t *testing.T) {
	for _, ok := range []string{"bin/check", "./bin/check", "a/../b"} {
		if err := ValidateScriptPath(ok); err != nil {
			t.Fatalf("%s rejected: %v", ok, err)
		}
	}
	for _, bad := range []string{"/bin/sh", "..", "../etc/passwd", "bin/../../x", "."} {
		if err := ValidateScriptPath(bad); err == nil {
			t.Fatalf("%s accepted", bad)
		}
	}
}

func TestActivationCommands(t *testing.T) {
	s := commandtest.NewSession("web-1")
	n := newNixOS(s)
	ctx := context.Background()
	if err := n.TestConfig(ctx, storePath); err != nil {
		t.Fatalf("test: %v", err)
	}
	if err := n.SetAsCurrentGeneration(ctx, storePath); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := n.UpdateBootForConfig(ctx, storePath); err != nil {
		t.Fatalf("boot: %v", err)
	}
	calls := s.Calls()
	if len(calls) != 3 {
		t.Fatalf("calls = %q", calls)
	}
	if !strings.HasPrefix(calls[0], "sudo systemd-run ") ||
		!strings.Contains(calls[0], "--unit test--xyz-nixos-system-web-1") ||
		!strings.HasSuffix(calls[0], storePath+"/bin/switch-to-configuration test") {
		t.Fatalf("test activation = %s", calls[0])
	}
	if calls[1] != "sudo nix-env -p /nix/var/nix/profiles/system --set "+storePath {
		t.Fatalf("set generation = %s", calls[1])
	}
	if calls[2] != "sudo "+storePath+"/bin/switch-to-configuration boot" {
		t.Fatalf("boot = %s", calls[2])
	}
}

func TestTestConfigWeirdPath(t *testing.T) {
	if err := newNixOS(commandtest.NewSession("web-1")).TestConfig(context.Background(), "/"); err == nil {
		t.Fatalf("expected a weird path to be rejected")
	}
}
