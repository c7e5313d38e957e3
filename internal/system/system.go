// Package system translates the abstract deployment verbs into command
// sequences for a concrete operating system flavor.
package system

import (
	"context"
	"fmt"
	"strings"

	"github.com/3cpo-dev/deploy-flake/internal/command"
	"github.com/3cpo-dev/deploy-flake/internal/flake"
	"github.com/3cpo-dev/deploy-flake/internal/logging"
)

// Flavor selects an operating system adapter.
type Flavor int

const (
	NixOS Flavor = iota
)

// String returns the scheme used for the flavor in destination specifiers.
func (f Flavor) String() string {
	switch f {
	case NixOS:
		return "nixos"
	default:
		return fmt.Sprintf("flavor(%d)", int(f))
	}
}

// ParseFlavor maps a scheme name to a Flavor.
func ParseFlavor(s string) (Flavor, error) {
	switch strings.ToLower(s) {
	case "nixos":
		return NixOS, nil
	default:
		return 0, fmt.Errorf("unsupported operating system flavor %q", s)
	}
}

// System is a connected host of some flavor. Each method drives one verb of
// the deployment; none of them is retried.
type System interface {
	// Host names the host the adapter is connected to.
	Host() string

	// PreflightCheckSystem fails if the host is already unhealthy.
	PreflightCheckSystem(ctx context.Context) error

	// PreflightCheckClosure runs the self-check shipped inside the built
	// configuration. script is relative to the build output; empty means
	// the default location. A missing script is not an error.
	PreflightCheckClosure(ctx context.Context, built *BuiltConfig, script string) error

	// BuildFlake realizes the system configuration on the host.
	BuildFlake(ctx context.Context, source flake.Flake, configName string, extraArgs []string) (*BuiltConfig, error)

	// SetAsCurrentGeneration points the system profile at path.
	SetAsCurrentGeneration(ctx context.Context, path string) error

	// TestConfig activates path transiently.
	TestConfig(ctx context.Context, path string) error

	// UpdateBootForConfig makes path the default boot entry.
	UpdateBootForConfig(ctx context.Context, path string) error

	// Close releases the session.
	Close() error
}

// BuiltConfig is a successfully realized system configuration. Its path is
// only meaningful on the host of the adapter that built it.
type BuiltConfig struct {
	Path       string
	SystemName string

	owner System
}

// Owner is the adapter whose host holds Path.
func (b *BuiltConfig) Owner() System { return b.owner }

// Connect wraps an open session in the adapter for flavor. The adapter takes
// ownership of s.
func Connect(flavor Flavor, s command.Session, log *logging.Router) (System, error) {
	switch flavor {
	case NixOS:
		return NewNixOS(s, log), nil
	default:
		return nil, fmt.Errorf("no adapter for %s", flavor)
	}
}
