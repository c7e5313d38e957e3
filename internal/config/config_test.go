package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDefaultsValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults are invalid: %v", err)
	}
}

func TestLoadMissingDefault(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("missing default config should not fail: %v", err)
	}
	if cfg.Deploy.CopyRetries != 5 || cfg.SSH.Port != 22 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadMissingExplicit(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected a missing explicit config to fail")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Setenv("HOME", "/home/op")
	p := writeConfig(t, `
ssh:
  user: deploy
  identity_files: ["~/.ssh/deploy_ed25519"]
deploy:
  test: skip
  build_args: ["--option", "substitute", "false"]
  copy_timeout: 90s
  max_parallel: 4
metrics:
  textfile: ~/metrics/deploy.prom
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SSH.User != "deploy" || cfg.SSH.Port != 22 || !cfg.SSH.UseAgent {
		t.Fatalf("ssh = %+v", cfg.SSH)
	}
	if cfg.SSH.IdentityFiles[0] != "/home/op/.ssh/deploy_ed25519" {
		t.Fatalf("identity file not expanded: %s", cfg.SSH.IdentityFiles[0])
	}
	if cfg.Deploy.Test != "skip" || cfg.Deploy.Preflight != "run" {
		t.Fatalf("stages = %s/%s", cfg.Deploy.Preflight, cfg.Deploy.Test)
	}
	if cfg.Deploy.CopyTimeout != 90*time.Second || cfg.Deploy.MaxParallel != 4 || len(cfg.Deploy.BuildArgs) != 3 {
		t.Fatalf("deploy = %+v", cfg.Deploy)
	}
	if cfg.Metrics.Textfile != "/home/op/metrics/deploy.prom" {
		t.Fatalf("textfile = %s", cfg.Metrics.Textfile)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"stage":  "deploy:\n  preflight: maybe\n",
		"delays": "deploy:\n  copy_initial_delay: 10s\n  copy_max_delay: 1s\n",
		"port":   "ssh:\n  port: 70000\n",
		"script": "deploy:\n  preflight_script: ../../bin/sh\n",
		"abs":    "deploy:\n  preflight_script: /bin/sh\n",
		"yaml":   "deploy: [",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}

func TestValidateNamesField(t *testing.T) {
	cfg := Default()
	cfg.Deploy.Test = "often"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "Deploy.Test") {
		t.Fatalf("error should name the field: %v", err)
	}
}

func TestExpandHome(t *testing.T) {
	t.Setenv("HOME", "/home/op")
	if got := ExpandHome("~/x"); got != "/home/op/x" {
		t.Fatalf("ExpandHome = %s", got)
	}
	if got := ExpandHome("/abs/~/x"); got != "/abs/~/x" {
		t.Fatalf("ExpandHome touched an absolute path: %s", got)
	}
}
