package deploy

import (
	"context"

	"github.com/3cpo-dev/deploy-flake/internal/flake"
	"github.com/3cpo-dev/deploy-flake/internal/logging"
	"github.com/3cpo-dev/deploy-flake/internal/ssh"
	"github.com/3cpo-dev/deploy-flake/internal/system"
)

// SSHOpener opens destinations over ssh and points closure copies at the
// same user, port and keys.
type SSHOpener struct {
	Connector *ssh.Connector
	// IdentityFiles and KnownHostsFile are handed to the ssh client nix
	// runs for the copy.
	IdentityFiles  []string
	KnownHostsFile string
}

// CopyTarget implements TargetResolver.
func (o SSHOpener) CopyTarget(d Destination) flake.Target {
	user, host, port := o.Connector.Resolve(d.Host)
	return flake.Target{
		User:           user,
		Host:           host,
		Port:           port,
		IdentityFiles:  o.IdentityFiles,
		KnownHostsFile: o.KnownHostsFile,
	}
}

// Open implements Opener.
func (o SSHOpener) Open(ctx context.Context, d Destination, log *logging.Router) (system.System, error) {
	s, err := o.Connector.Connect(ctx, d.Host)
	if err != nil {
		return nil, err
	}
	sys, err := system.Connect(d.Flavor, s, log)
	if err != nil {
		s.Close()
		return nil, err
	}
	return sys, nil
}
