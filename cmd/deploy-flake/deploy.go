package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/deploy-flake/internal/command"
	"github.com/3cpo-dev/deploy-flake/internal/config"
	"github.com/3cpo-dev/deploy-flake/internal/deploy"
	"github.com/3cpo-dev/deploy-flake/internal/flake"
	"github.com/3cpo-dev/deploy-flake/internal/logging"
	"github.com/3cpo-dev/deploy-flake/internal/ssh"
	"github.com/3cpo-dev/deploy-flake/internal/store"
	"github.com/3cpo-dev/deploy-flake/internal/system"
	"github.com/3cpo-dev/deploy-flake/internal/telemetry"
)

func addDeployFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	preflight, test := deploy.Run, deploy.Run
	f.String("flake", ".", "The flake source directory to deploy")
	f.Var(&preflight, "preflight", "Check system health and run the configuration's self-check before activating (run or skip)")
	f.Var(&test, "test", "Test-activate the configuration before making it the boot default (run or skip)")
	f.String("preflight-script", "", "Self-check to run, relative to the built system (default bin/preflight-check)")
	f.StringArray("build-arg", nil, "Extra argument for the remote nix build (repeatable)")
	f.Duration("copy-timeout", 0, "Time limit for one attempt at copying the flake to a host (default from config, 10m)")
	f.Int("copy-retries", 0, "How often to retry a timed out copy (default from config, 5)")
	f.Int("max-parallel", 0, "Deploy to at most this many hosts at once (0: all)")
	f.String("output-log", "info", "Log level for output of commands run during deployment: info or off")
	f.String("log-format", "console", "Log format: console or json")
	f.String("metrics-textfile", "", "Write Prometheus metrics for the run to this file")
	f.Bool("no-history", false, "Do not record this run in the deployment history")
}

// settings is the merged view of config file and command line.
type settings struct {
	cfg      config.Config
	flakeDir string
	options  deploy.Options
	log      logging.Options
	history  bool
	textfile string
	parallel int
}

func loadSettings(cmd *cobra.Command) (settings, error) {
	f := cmd.Flags()
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return settings{}, err
	}
	s := settings{cfg: cfg}

	if s.log.Narration, err = logging.ParseLevel(mustString(cmd, "log")); err != nil {
		return s, err
	}
	if s.log.Output, err = logging.ParseLevel(mustString(cmd, "output-log")); err != nil {
		return s, err
	}
	switch format := mustString(cmd, "log-format"); format {
	case "console":
	case "json":
		s.log.JSON = true
	default:
		return s, fmt.Errorf("unknown log format %q", format)
	}

	s.flakeDir = mustString(cmd, "flake")
	o := &s.options
	if o.Preflight, err = deploy.ParseStageBehavior(cfg.Deploy.Preflight); err != nil {
		return s, err
	}
	if o.Test, err = deploy.ParseStageBehavior(cfg.Deploy.Test); err != nil {
		return s, err
	}
	if f.Changed("preflight") {
		o.Preflight = *f.Lookup("preflight").Value.(*deploy.StageBehavior)
	}
	if f.Changed("test") {
		o.Test = *f.Lookup("test").Value.(*deploy.StageBehavior)
	}
	o.PreflightScript = cfg.Deploy.PreflightScript
	if f.Changed("preflight-script") {
		o.PreflightScript = mustString(cmd, "preflight-script")
	}
	if o.PreflightScript != "" {
		if err := system.ValidateScriptPath(o.PreflightScript); err != nil {
			return s, err
		}
	}
	o.BuildArgs = cfg.Deploy.BuildArgs
	if f.Changed("build-arg") {
		o.BuildArgs, _ = f.GetStringArray("build-arg")
	}

	o.Copy = deploy.DefaultRetryConfig()
	o.Copy.Timeout = cfg.Deploy.CopyTimeout
	o.Copy.MaxRetries = cfg.Deploy.CopyRetries
	o.Copy.InitialDelay = cfg.Deploy.CopyInitialDelay
	o.Copy.MaxDelay = cfg.Deploy.CopyMaxDelay
	if f.Changed("copy-timeout") {
		o.Copy.Timeout, _ = f.GetDuration("copy-timeout")
	}
	if f.Changed("copy-retries") {
		o.Copy.MaxRetries, _ = f.GetInt("copy-retries")
	}
	if o.Copy.MaxRetries < 0 || o.Copy.Timeout < 0 {
		return s, errors.New("copy timeout and retries must not be negative")
	}

	s.parallel = cfg.Deploy.MaxParallel
	if f.Changed("max-parallel") {
		s.parallel, _ = f.GetInt("max-parallel")
	}
	if s.parallel < 0 {
		return s, errors.New("--max-parallel must not be negative")
	}
	noHistory, _ := f.GetBool("no-history")
	s.history = cfg.History.Enabled && !noHistory
	s.textfile = cfg.Metrics.Textfile
	if f.Changed("metrics-textfile") {
		s.textfile = config.ExpandHome(mustString(cmd, "metrics-textfile"))
	}
	return s, nil
}

func mustString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func newConnector(cfg config.SSH) (*ssh.Connector, func() error, error) {
	auth, err := ssh.LoadAuth(cfg.IdentityFiles, cfg.UseAgent)
	if err != nil {
		return nil, nil, err
	}
	hostKeys, err := ssh.HostKeyCallback(cfg.KnownHosts, cfg.AcceptNewHostKeys)
	if err != nil {
		auth.Close()
		return nil, nil, err
	}
	user := cfg.User
	if user == "" {
		user = os.Getenv("USER")
	}
	return &ssh.Connector{
		User:       user,
		Port:       cfg.Port,
		Auth:       auth.Methods(),
		KnownHosts: hostKeys,
		Timeout:    cfg.ConnectTimeout,
		Retries:    cfg.ConnectRetries,
		Backoff:    time.Second,
	}, auth.Close, nil
}

// history records a run when enabled; its failures never fail a deployment.
type history struct {
	store *store.Store
	runID string
	log   *zerolog.Logger
}

func openHistory(ctx context.Context, s settings, src flake.Flake, destinations int, log *zerolog.Logger) *history {
	h := &history{log: log}
	if !s.history {
		return h
	}
	st, err := store.Open(s.cfg.History.Path)
	if err != nil {
		log.Warn().Err(err).Str("path", s.cfg.History.Path).Msg("Deployment history unavailable")
		return h
	}
	id, err := st.BeginRun(ctx, src.Dir(), src.ResolvedPath(), destinations)
	if err != nil {
		log.Warn().Err(err).Msg("Could not record run")
		st.Close()
		return h
	}
	h.store, h.runID = st, id
	log.Debug().Str("run", id).Msg("Recording deployment history")
	return h
}

func (h *history) record(ctx context.Context, r deploy.Result) {
	if h.store == nil {
		return
	}
	d := store.Deployment{
		Host:       r.Destination.Host,
		ConfigName: r.Destination.ConfigName,
		State:      r.State.String(),
		SystemName: r.SystemName,
		Path:       r.Path,
		Started:    r.Started,
		Finished:   r.Finished,
	}
	if r.Err != nil {
		d.Error = r.Err.Error()
	}
	if err := h.store.RecordDeployment(ctx, h.runID, d); err != nil {
		h.log.Warn().Err(err).Msg("Could not record deployment")
	}
}

func (h *history) finish(ctx context.Context, runErr error) {
	if h.store == nil {
		return
	}
	if err := h.store.FinishRun(ctx, h.runID, runErr); err != nil {
		h.log.Warn().Err(err).Msg("Could not record run result")
	}
	h.store.Close()
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	router := logging.NewConsole(os.Stderr, s.log)
	log := router.Narration()

	dests, err := deploy.ParseDestinations(args)
	if err != nil {
		return err
	}

	src, err := flake.Resolve(ctx, command.NewRunner(router), s.flakeDir)
	if err != nil {
		return err
	}
	log.Debug().Object("flake", src).Msg("Flake metadata")

	connector, closeAuth, err := newConnector(s.cfg.SSH)
	if err != nil {
		return err
	}
	defer closeAuth()
	opener := deploy.SSHOpener{
		Connector:      connector,
		IdentityFiles:  s.cfg.SSH.IdentityFiles,
		KnownHostsFile: s.cfg.SSH.KnownHosts,
	}

	// Bookkeeping must survive an interrupted run.
	bg := context.WithoutCancel(ctx)
	metrics := telemetry.NewMetrics()
	hist := openHistory(bg, s, src, len(dests), log)

	driver := &deploy.Driver{
		Pipeline: &deploy.Pipeline{
			Source:   src,
			Opener:   opener,
			Targets:  opener,
			Options:  s.options,
			Log:      router,
			Observer: metrics,
		},
		MaxParallel: s.parallel,
		Done: func(r deploy.Result) {
			metrics.RecordResult(r)
			hist.record(bg, r)
		},
	}
	log.Info().
		Int("destinations", len(dests)).
		Str("flake", src.Dir()).
		Stringer("preflight", s.options.Preflight).
		Stringer("test", s.options.Test).
		Msg("Deploying")
	_, runErr := driver.Run(ctx, dests)

	metrics.FinishRun(time.Now(), runErr)
	if s.textfile != "" {
		if err := metrics.WriteTextfile(s.textfile); err != nil {
			log.Warn().Err(err).Msg("Could not write metrics")
		}
	}
	hist.finish(bg, runErr)
	return runErr
}
