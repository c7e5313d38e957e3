package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/3cpo-dev/deploy-flake/internal/command"
	"github.com/3cpo-dev/deploy-flake/internal/flake"
	"github.com/3cpo-dev/deploy-flake/internal/logging"
	"github.com/3cpo-dev/deploy-flake/internal/system"
)

// fakeSystem records the verbs it is asked to run. fail maps a verb name,
// optionally suffixed with "#n" for its n-th call, to the error it returns.
type fakeSystem struct {
	host string
	fail map[string]error

	mu     sync.Mutex
	calls  []string
	counts map[string]int
	closed bool
}

func newFakeSystem(host string) *fakeSystem {
	return &fakeSystem{host: host, fail: map[string]error{}, counts: map[string]int{}}
}

func (f *fakeSystem) record(verb string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, verb)
	f.counts[verb]++
	if err, ok := f.fail[fmt.Sprintf("%s#%d", verb, f.counts[verb])]; ok {
		return err
	}
	return f.fail[verb]
}

func (f *fakeSystem) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSystem) Host() string { return f.host }

func (f *fakeSystem) PreflightCheckSystem(context.Context) error {
	return f.record("preflight-system")
}

func (f *fakeSystem) PreflightCheckClosure(context.Context, *system.BuiltConfig, string) error {
	return f.record("preflight-closure")
}

func (f *fakeSystem) BuildFlake(_ context.Context, _ flake.Flake, name string, _ []string) (*system.BuiltConfig, error) {
	if err := f.record("build"); err != nil {
		return nil, err
	}
	if name == "" {
		name = f.host
	}
	return &system.BuiltConfig{Path: "/nix/store/" + f.host + "-system", SystemName: name}, nil
}

func (f *fakeSystem) SetAsCurrentGeneration(context.Context, string) error {
	return f.record("set-generation")
}

func (f *fakeSystem) TestConfig(context.Context, string) error { return f.record("test") }

func (f *fakeSystem) UpdateBootForConfig(context.Context, string) error { return f.record("boot") }

func (f *fakeSystem) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeCopier struct {
	mu      sync.Mutex
	copied  []string
	targets []flake.Target
	fail    map[string]error
}

func (c *fakeCopier) CopyClosure(_ context.Context, _ *command.Runner, t flake.Target) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.copied = append(c.copied, t.Host)
	c.targets = append(c.targets, t)
	return c.fail[t.Host]
}

type fleet map[string]*fakeSystem

func (fl fleet) Open(_ context.Context, d Destination, _ *logging.Router) (system.System, error) {
	sys, ok := fl[d.Host]
	if !ok {
		return nil, &command.ConnectionError{Host: d.Host, Op: "connect", Err: errors.New("no route to host")}
	}
	return sys, nil
}

type recordingObserver struct {
	mu     sync.Mutex
	stages []string
	copies []string
}

func (o *recordingObserver) StageFinished(d Destination, s Stage, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	status := "ok"
	if err != nil {
		status = "failed"
	}
	o.stages = append(o.stages, d.Host+":"+string(s)+":"+status)
}

func (o *recordingObserver) CopyAttempt(d Destination, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.copies = append(o.copies, d.Host+":"+outcome)
}
