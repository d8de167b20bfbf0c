package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/jvis/internal/storage"
	"github.com/michaelbrown/jvis/internal/storage/sqlite"
)

var (
	statusFilter  string
	sessionFilter string
	limitFlag     int
	formatFlag    string
	outputFlag    string
	exportLimit   int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the run journal",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run (id or unique prefix)",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export runs as markdown or JSON",
	RunE:  runRunsExport,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsExportCmd)

	runsListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (running, completed, timed_out, errored)")
	runsListCmd.Flags().StringVar(&sessionFilter, "session", "", "Filter by session id")
	runsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max runs to show")

	runsExportCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status")
	runsExportCmd.Flags().StringVar(&sessionFilter, "session", "", "Filter by session id")
	runsExportCmd.Flags().IntVar(&exportLimit, "limit", 100, "Max runs to export")
	runsExportCmd.Flags().StringVar(&formatFlag, "format", "markdown", "Export format (markdown, json)")
	runsExportCmd.Flags().StringVarP(&outputFlag, "output", "o", "", "Output file (default: stdout)")
}

func openStore() (storage.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Storage.Enabled {
		return nil, fmt.Errorf("run journal is disabled (storage.enabled=false)")
	}
	return sqlite.Open(cfg.Storage.DBPath)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(context.Background(), storage.RunListOptions{
		Status:    storage.RunStatus(statusFilter),
		SessionID: sessionFilter,
		Limit:     limitFlag,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found.")
		return nil
	}

	fmt.Fprintf(out, "%-18s %-10s %-8s %-30s %-10s %s\n", "ID", "STATUS", "MODE", "ENTRY", "DURATION", "STARTED")
	fmt.Fprintln(out, strings.Repeat("─", 94))

	for _, r := range runs {
		fmt.Fprintf(out, "%-18s %-10s %-8s %-30s %-10s %s\n",
			shortID(r.ID), r.Status, r.Mode, truncate(r.Entry, 30), duration(r), timeAgo(r.StartedAt))
	}
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := store.GetRun(context.Background(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:      %s\n", r.ID)
	fmt.Fprintf(out, "Session:  %s\n", r.SessionID)
	fmt.Fprintf(out, "Mode:     %s\n", r.Mode)
	fmt.Fprintf(out, "Entry:    %s\n", r.Entry)
	fmt.Fprintf(out, "Status:   %s\n", r.Status)
	fmt.Fprintf(out, "Started:  %s\n", r.StartedAt.Format(time.RFC3339))
	if r.FinishedAt != nil {
		fmt.Fprintf(out, "Finished: %s (%s)\n", r.FinishedAt.Format(time.RFC3339), duration(*r))
	}
	if r.Message != "" {
		fmt.Fprintf(out, "Message:  %s\n", r.Message)
	}
	return nil
}

func runRunsExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(context.Background(), storage.RunListOptions{
		Status:    storage.RunStatus(statusFilter),
		SessionID: sessionFilter,
		Limit:     exportLimit,
	})
	if err != nil {
		return err
	}

	var data []byte
	switch formatFlag {
	case "markdown", "md":
		data = []byte(storage.ExportMarkdown(runs))
	case "json":
		data, err = storage.ExportJSON(runs)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown format %q (use markdown or json)", formatFlag)
	}

	if outputFlag != "" {
		if err := os.WriteFile(outputFlag, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d runs to %s\n", len(runs), outputFlag)
		return nil
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// shortID keeps enough of an id to be unique for `runs show` in practice.
func shortID(id string) string {
	if len(id) > 18 {
		return id[:18]
	}
	return id
}

func duration(r storage.Run) string {
	if r.FinishedAt == nil {
		return "-"
	}
	return r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-2] + ".."
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
