package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/3cpo-dev/deploy-flake/internal/command"
)

type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
}

type NetDialer struct{ Timeout time.Duration }

func (d NetDialer) Dial(network, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	return nd.Dial(network, addr)
}

// Client describes how to reach one host.
type Client struct {
	Addr       string
	User       string
	Auth       []xssh.AuthMethod
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
	Dialer     Dialer
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if len(c.Auth) == 0 {
		return nil, errors.New("ssh: no authentication method available")
	}
	if c.KnownHosts == nil {
		return nil, errors.New("ssh: host key callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            c.Auth,
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

// Dial establishes an SSH connection, retrying transient failures with a
// linear backoff. Authentication and host key failures are not retried.
// The caller is responsible for closing the returned client.
func Dial(ctx context.Context, c *Client) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		cli, err := dialOnce(ctx, c, cfg)
		if err == nil {
			return cli, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt+1)):
			}
		}
	}
	return nil, lastErr
}

func dialOnce(ctx context.Context, c *Client, cfg *xssh.ClientConfig) (*xssh.Client, error) {
	dialer := c.Dialer
	if dialer == nil {
		dialer = NetDialer{Timeout: c.Timeout}
	}
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		conn, err := dialer.Dial("tcp", c.Addr)
		if err != nil {
			ch <- res{err: err}
			return
		}
		if c.Timeout > 0 {
			_ = conn.SetDeadline(time.Now().Add(c.Timeout))
		}
		sc, chans, reqs, err := xssh.NewClientConn(conn, c.Addr, cfg)
		if err != nil {
			conn.Close()
			ch <- res{err: err}
			return
		}
		_ = conn.SetDeadline(time.Time{})
		ch <- res{cli: xssh.NewClient(sc, chans, reqs)}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.cli != nil {
				r.cli.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		return r.cli, r.err
	}
}

func retryable(err error) bool {
	var keyErr *knownhosts.KeyError
	var revoked *knownhosts.RevokedError
	if errors.As(err, &keyErr) || errors.As(err, &revoked) {
		return false
	}
	msg := err.Error()
	for _, permanent := range []string{"unable to authenticate", "knownhosts:", "host key"} {
		if strings.Contains(msg, permanent) {
			return false
		}
	}
	return true
}

// ParseTarget splits a "[user@]host[:port]" destination into the login user
// and a dialable address, falling back to defUser and defPort.
func ParseTarget(target, defUser string, defPort int) (user, addr string) {
	user = defUser
	if i := strings.LastIndex(target, "@"); i >= 0 {
		user = target[:i]
		target = target[i+1:]
	}
	if host, port, err := net.SplitHostPort(target); err == nil {
		return user, net.JoinHostPort(host, port)
	}
	return user, net.JoinHostPort(strings.Trim(target, "[]"), strconv.Itoa(defPort))
}

// Connector opens sessions to destinations using shared credentials.
type Connector struct {
	User       string
	Port       int
	Auth       []xssh.AuthMethod
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
	Dialer     Dialer
}

func (c *Connector) port() int {
	if c.Port == 0 {
		return 22
	}
	return c.Port
}

// Resolve returns the login user, host name and port Connect uses for target.
func (c *Connector) Resolve(target string) (user, host string, port int) {
	user, addr := ParseTarget(target, c.User, c.port())
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return user, addr, c.port()
	}
	port, err = strconv.Atoi(p)
	if err != nil {
		port = c.port()
	}
	return user, host, port
}

// Connect opens a Session to target ("[user@]host[:port]").
func (c *Connector) Connect(ctx context.Context, target string) (*Session, error) {
	user, addr := ParseTarget(target, c.User, c.port())
	cli := &Client{
		Addr:       addr,
		User:       user,
		Auth:       c.Auth,
		KnownHosts: c.KnownHosts,
		Timeout:    c.Timeout,
		Retries:    c.Retries,
		Backoff:    c.Backoff,
		Dialer:     c.Dialer,
	}
	conn, err := Dial(ctx, cli)
	if err != nil {
		return nil, &command.ConnectionError{Host: target, Op: fmt.Sprintf("connect to %s as %s", addr, user), Err: err}
	}
	return NewSession(target, conn), nil
}
