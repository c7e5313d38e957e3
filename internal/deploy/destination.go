package deploy

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/3cpo-dev/deploy-flake/internal/system"
)

// Destination is one host to deploy to.
type Destination struct {
	Flavor system.Flavor
	// Host is "[user@]host[:port]" as given on the command line.
	Host string
	// ConfigName selects the system configuration; empty means the
	// host's own hostname.
	ConfigName string
}

func (d Destination) String() string {
	s := d.Flavor.String() + "://" + d.Host
	if d.ConfigName != "" {
		s += "/" + d.ConfigName
	}
	return s
}

// ParseError reports a destination specifier that could not be understood.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid destination %q: %s", e.Input, e.Reason)
}

// ParseDestination reads a bare hostname or "<flavor>://[user@]host[/config]".
func ParseDestination(spec string) (Destination, error) {
	fail := func(format string, args ...any) (Destination, error) {
		return Destination{}, &ParseError{Input: spec, Reason: fmt.Sprintf(format, args...)}
	}
	if strings.TrimSpace(spec) == "" {
		return fail("empty")
	}
	if !strings.Contains(spec, "://") {
		if strings.ContainsAny(spec, "/?# \t") {
			return fail("a bare destination must be a plain hostname")
		}
		return Destination{Flavor: system.NixOS, Host: spec}, nil
	}

	u, err := url.Parse(spec)
	if err != nil {
		return fail("%v", err)
	}
	flavor, err := system.ParseFlavor(u.Scheme)
	if err != nil {
		return fail("%v", err)
	}
	if u.Host == "" {
		return fail("missing host")
	}
	if u.RawQuery != "" || u.Fragment != "" || u.ForceQuery {
		return fail("query and fragment are not supported")
	}
	host := u.Host
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			return fail("passwords are not supported, use ssh keys")
		}
		if u.User.Username() == "" {
			return fail("empty user name")
		}
		host = u.User.Username() + "@" + host
	}
	d := Destination{Flavor: flavor, Host: host}
	if u.Path != "" {
		name := strings.TrimPrefix(u.Path, "/")
		switch {
		case name == "":
			return fail("empty configuration name")
		case strings.Contains(name, "/"):
			return fail("configuration name %q must be a single path segment", name)
		}
		d.ConfigName = name
	}
	return d, nil
}

// ParseDestinations parses every specifier, failing on the first bad one.
func ParseDestinations(specs []string) ([]Destination, error) {
	out := make([]Destination, 0, len(specs))
	for _, s := range specs {
		d, err := ParseDestination(s)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
