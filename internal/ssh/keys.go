package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// LoadPrivateKeySigner reads an OpenSSH/PEM private key file and returns an ssh.Signer.
func LoadPrivateKeySigner(privateKeyPath string) (xssh.Signer, error) {
	data, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := xssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", privateKeyPath, err)
	}
	return signer, nil
}

// DefaultIdentityFiles are tried when no identity file is configured.
func DefaultIdentityFiles() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, ".ssh", "id_ed25519"),
		filepath.Join(home, ".ssh", "id_ecdsa"),
		filepath.Join(home, ".ssh", "id_rsa"),
	}
}

// Auth collects public key credentials from identity files and, if asked,
// from the agent at $SSH_AUTH_SOCK.
type Auth struct {
	signers []xssh.Signer
	agent   agent.ExtendedAgent
	conn    net.Conn
}

// LoadAuth loads the configured identity files. Explicit files must load;
// when none are given the default locations are tried and unusable ones
// (missing, passphrase protected) are skipped.
func LoadAuth(identityFiles []string, useAgent bool) (*Auth, error) {
	a := &Auth{}
	explicit := len(identityFiles) > 0
	if !explicit {
		identityFiles = DefaultIdentityFiles()
	}
	for _, path := range identityFiles {
		signer, err := LoadPrivateKeySigner(path)
		if err != nil {
			if explicit {
				return nil, err
			}
			continue
		}
		a.signers = append(a.signers, signer)
	}
	if useAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				return nil, fmt.Errorf("connect to ssh agent: %w", err)
			}
			a.conn = conn
			a.agent = agent.NewClient(conn)
		}
	}
	if len(a.signers) == 0 && a.agent == nil {
		return nil, errors.New("no ssh identity available: configure identity_files or run an ssh agent")
	}
	return a, nil
}

// Methods returns a single publickey method offering every signer; the ssh
// client never retries a method name it has already tried, so the sources
// must be merged.
func (a *Auth) Methods() []xssh.AuthMethod {
	return []xssh.AuthMethod{xssh.PublicKeysCallback(a.Signers)}
}

// Signers lists file signers followed by agent signers.
func (a *Auth) Signers() ([]xssh.Signer, error) {
	out := append([]xssh.Signer(nil), a.signers...)
	if a.agent != nil {
		agentSigners, err := a.agent.Signers()
		if err != nil {
			return nil, fmt.Errorf("list agent keys: %w", err)
		}
		out = append(out, agentSigners...)
	}
	return out, nil
}

// Close releases the agent connection.
func (a *Auth) Close() error {
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
