package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/newsagg/aggregator"
)

func newRefreshCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Run one refresh cycle and print its report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			a, err := openApp(flags, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.svc.RefreshNow(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}
}

func newSourcesCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List sources with their health counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(flags, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			srcs, err := a.svc.Sources(cmd.Context())
			if err != nil {
				return err
			}
			return printSources(cmd.OutOrStdout(), srcs)
		},
	}
}

func printSources(w io.Writer, srcs []aggregator.SourceStatus) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tSTATE\tFAILS\tLAST SUCCESS\tLAST ERROR\tENDPOINT")
	for _, s := range srcs {
		state := "active"
		switch {
		case !s.Enabled:
			state = "disabled"
		case s.AutoDisabled:
			state = "auto-disabled"
		}
		last := "-"
		if s.LastSuccessAt != nil {
			last = time.UnixMilli(*s.LastSuccessAt).UTC().Format(time.RFC3339)
		}
		lastErr := "-"
		if s.LastErrorKind != "" {
			lastErr = s.LastErrorKind
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n", s.Name, s.Kind, state, s.FailCount, last, lastErr, s.Endpoint)
	}
	return tw.Flush()
}

func newProbeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Probe auto-disabled sources once and re-enable those that answer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(flags, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			results := a.svc.SweepNow(cmd.Context())
			if len(results) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no auto-disabled sources")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSTATUS\tRECOVERED\tERROR")
			for _, r := range results {
				fmt.Fprintf(tw, "%s\t%d\t%t\t%s\n", r.Source, r.StatusCode, r.Recovered, r.Error)
			}
			return tw.Flush()
		},
	}
}

func newMCPCmd(flags *rootFlags) *cobra.Command {
	var noSchedule bool
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the news tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			// stdout carries the protocol.
			a, err := openApp(flags, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := mcp.NewServer(&mcp.Implementation{Name: "newsagg", Version: version}, nil)
			a.svc.RegisterMCP(srv)
			if !noSchedule {
				a.svc.Start(ctx)
			}
			return srv.Run(ctx, &mcp.StdioTransport{})
		},
	}
	cmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "do not run scheduled refresh cycles")
	return cmd
}
