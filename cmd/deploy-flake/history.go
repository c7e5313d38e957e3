package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/deploy-flake/internal/config"
	"github.com/3cpo-dev/deploy-flake/internal/store"
)

// List recent deployments
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent deployments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			host, _ := cmd.Flags().GetString("host")
			st, err := store.Open(cfg.History.Path)
			if err != nil {
				return err
			}
			defer st.Close()
			entries, err := st.Recent(cmd.Context(), host, limit)
			if err != nil {
				return err
			}
			return printHistory(cmd.OutOrStdout(), entries, time.Now())
		},
	}
	cmd.Flags().Int("limit", 20, "Number of deployments to show")
	cmd.Flags().String("host", "", "Only show deployments to this destination")
	return cmd
}

func printHistory(w io.Writer, entries []store.Entry, now time.Time) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "no deployments recorded")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tHOST\tSTATE\tSYSTEM\tTOOK\tERROR")
	for _, e := range entries {
		took := e.Finished.Sub(e.Started).Round(time.Second)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			humanize.RelTime(e.Finished, now, "ago", "from now"),
			e.Host,
			e.State,
			orDash(e.SystemName),
			took,
			orDash(firstLine(e.Error)),
		)
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
