// Package flake resolves a flake source directory to its immutable store
// path and knows how to ship that source to a remote host.
package flake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	shellquote "github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"

	"github.com/3cpo-dev/deploy-flake/internal/command"
)

// Flake is a resolved build source. It is a value: every pipeline gets its
// own copy and none of them can change it.
type Flake struct {
	dir          string
	resolvedPath string

	local command.Session
}

// New returns a Flake for an already resolved source.
func New(dir, resolvedPath string) Flake {
	return Flake{dir: dir, resolvedPath: resolvedPath}
}

type metadata struct {
	Path string `json:"path"`
}

// Resolve asks `nix flake metadata` for the store path of the flake in dir.
func Resolve(ctx context.Context, r *command.Runner, dir string) (Flake, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Flake{}, fmt.Errorf("flake %s: %w", dir, err)
	}
	return resolve(ctx, r, command.Local{Dir: abs}, abs)
}

func resolve(ctx context.Context, r *command.Runner, s command.Session, dir string) (Flake, error) {
	out, err := r.Output(ctx, s, command.New("nix", "flake", "metadata", "--json"))
	if err != nil {
		return Flake{}, fmt.Errorf("flake %s: could not read metadata: %w", dir, err)
	}
	var meta metadata
	if err := json.Unmarshal(out, &meta); err != nil {
		return Flake{}, fmt.Errorf("flake %s: parse metadata: %w", dir, err)
	}
	if meta.Path == "" {
		return Flake{}, errors.New("flake " + dir + ": metadata has no store path")
	}
	return Flake{dir: dir, resolvedPath: meta.Path, local: s}, nil
}

// Dir is the source directory the flake was resolved from.
func (f Flake) Dir() string { return f.dir }

// ResolvedPath is the store path holding the flake source.
func (f Flake) ResolvedPath() string { return f.resolvedPath }

var nixString = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "${", `\${`)

// SystemExpression is the installable that builds the NixOS system called
// name out of this flake.
func (f Flake) SystemExpression(name string) string {
	return fmt.Sprintf(`%s#nixosConfigurations."%s".config.system.build.toplevel`, f.resolvedPath, nixString.Replace(name))
}

func (f Flake) session() command.Session {
	if f.local != nil {
		return f.local
	}
	return command.Local{Dir: f.dir}
}

// Target is the ssh store a closure is copied to, with the connection
// settings the system ssh client needs to reach it the way the deployment
// session does.
type Target struct {
	User           string
	Host           string
	Port           int
	IdentityFiles  []string
	KnownHostsFile string
}

// StoreURI is the nix store reference for t.
func (t Target) StoreURI() string {
	if t.User == "" {
		return "ssh://" + t.Host
	}
	return "ssh://" + t.User + "@" + t.Host
}

// SSHOpts renders the ssh arguments nix passes on through NIX_SSHOPTS.
func (t Target) SSHOpts() string {
	var args []string
	if t.Port != 0 && t.Port != 22 {
		args = append(args, "-p", strconv.Itoa(t.Port))
	}
	for _, f := range t.IdentityFiles {
		args = append(args, "-i", f)
	}
	if t.KnownHostsFile != "" {
		args = append(args, "-o", "UserKnownHostsFile="+t.KnownHostsFile)
	}
	return shellquote.Join(args...)
}

// CopyClosure copies the flake source and everything it references to the
// nix store on t, streaming nix's progress messages through r. Options
// already in NIX_SSHOPTS are kept ahead of t's.
func (f Flake) CopyClosure(ctx context.Context, r *command.Runner, t Target) error {
	cmd := command.New("nix", "copy", "--log-format", "raw", f.resolvedPath, "--to", t.StoreURI())
	if opts := strings.TrimSpace(os.Getenv("NIX_SSHOPTS") + " " + t.SSHOpts()); opts != "" {
		cmd = cmd.WithEnv("NIX_SSHOPTS=" + opts)
	}
	if err := r.Run(ctx, f.session(), cmd); err != nil {
		return fmt.Errorf("copy %s to %s: %w", f.resolvedPath, t.StoreURI(), err)
	}
	return nil
}

// MarshalZerologObject lets a Flake be logged with Object().
func (f Flake) MarshalZerologObject(e *zerolog.Event) {
	e.Str("dir", f.dir).Str("path", f.resolvedPath)
}
