// Package config loads the optional deploy-flake configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/deploy-flake/internal/system"
)

type Config struct {
	SSH     SSH     `yaml:"ssh"`
	Deploy  Deploy  `yaml:"deploy"`
	History History `yaml:"history"`
	Metrics Metrics `yaml:"metrics"`
}

type SSH struct {
	User              string        `yaml:"user"`
	Port              int           `yaml:"port" validate:"min=1,max=65535"`
	IdentityFiles     []string      `yaml:"identity_files"`
	KnownHosts        string        `yaml:"known_hosts" validate:"required"`
	UseAgent          bool          `yaml:"use_agent"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	ConnectRetries    int           `yaml:"connect_retries" validate:"min=0,max=20"`
	AcceptNewHostKeys bool          `yaml:"accept_new_host_keys"`
}

type Deploy struct {
	Preflight        string        `yaml:"preflight" validate:"oneof=run skip"`
	Test             string        `yaml:"test" validate:"oneof=run skip"`
	PreflightScript  string        `yaml:"preflight_script" validate:"scriptpath"`
	BuildArgs        []string      `yaml:"build_args"`
	CopyTimeout      time.Duration `yaml:"copy_timeout" validate:"min=0"`
	CopyRetries      int           `yaml:"copy_retries" validate:"min=0,max=100"`
	CopyInitialDelay time.Duration `yaml:"copy_initial_delay" validate:"gt=0"`
	CopyMaxDelay     time.Duration `yaml:"copy_max_delay" validate:"gtefield=CopyInitialDelay"`
	MaxParallel      int           `yaml:"max_parallel" validate:"min=0"`
}

type History struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

type Metrics struct {
	// Textfile receives Prometheus text exposition after each run.
	Textfile string `yaml:"textfile"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		SSH: SSH{
			Port:           22,
			KnownHosts:     filepath.Join(home, ".ssh", "known_hosts"),
			UseAgent:       true,
			ConnectTimeout: 10 * time.Second,
			ConnectRetries: 2,
		},
		Deploy: Deploy{
			Preflight:        "run",
			Test:             "run",
			CopyTimeout:      10 * time.Minute,
			CopyRetries:      5,
			CopyInitialDelay: time.Second,
			CopyMaxDelay:     30 * time.Second,
		},
		History: History{
			Enabled: true,
			Path:    filepath.Join(stateDir(home), "deploy-flake", "history.db"),
		},
	}
}

func stateDir(home string) string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return base
	}
	return filepath.Join(home, ".local", "state")
}

// DefaultPath resolves $XDG_CONFIG_HOME/deploy-flake/config.yaml or
// ~/.config/deploy-flake/config.yaml.
func DefaultPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "deploy-flake", "config.yaml")
}

// Load reads the configuration at path over the defaults. An empty path
// means DefaultPath, which may be absent; an explicit path must exist.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	f, err := os.Open(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.expand()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("scriptpath", func(fl validator.FieldLevel) bool {
		p := fl.Field().String()
		return p == "" || system.ValidateScriptPath(p) == nil
	})
	return v
}

// Validate checks field constraints.
func (c Config) Validate() error {
	err := newValidator().Struct(c)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s: failed %q (%v)", fe.Namespace(), fe.Tag(), fe.Value()))
		}
		return errors.New("invalid configuration: " + strings.Join(msgs, "; "))
	}
	return err
}

func (c *Config) expand() {
	c.SSH.KnownHosts = ExpandHome(c.SSH.KnownHosts)
	for i, p := range c.SSH.IdentityFiles {
		c.SSH.IdentityFiles[i] = ExpandHome(p)
	}
	c.History.Path = ExpandHome(c.History.Path)
	c.Metrics.Textfile = ExpandHome(c.Metrics.Textfile)
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
