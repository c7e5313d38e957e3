package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	version   = "0.1.0"
	commit    = ""
	buildDate = ""
)

// Create the root command
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy-flake [flags] DESTINATION...",
		Short: "Deploy a NixOS flake to remote hosts",
		Long: "deploy-flake copies a flake to each destination, builds the system there, " +
			"checks it, test-activates it and makes it the boot default.\n\n" +
			"A destination is a hostname or nixos://[user@]host[/configuration].",
		Args:          cobra.MinimumNArgs(1),
		RunE:          runDeploy,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addDeployFlags(cmd)

	cmd.PersistentFlags().StringP("log", "l", "info", "Log level for deploy-flake's own messages: trace, debug, info, warn, error, off")
	cmd.PersistentFlags().String("config", "", "config file (default $XDG_CONFIG_HOME/deploy-flake/config.yaml)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newHistoryCmd())
	return cmd
}

// Create the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "deploy-flake %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root := newRootCmd()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
