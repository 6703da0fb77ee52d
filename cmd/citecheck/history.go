// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pdiddy/citecheck/internal/history"
	"github.com/pdiddy/citecheck/internal/render"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List the analyses this client has followed",
	Long: `History lists the analyses recorded in the local history database, most
recently seen first, with their last known status and average grade.`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	h, err := requireHistory()
	if err != nil {
		return err
	}
	defer h.Close()

	entries, err := h.List(cmd.Context(), limit)
	if err != nil {
		return err
	}
	render.History(cmd.OutOrStdout(), entries)
	return nil
}

var exportCmd = &cobra.Command{
	Use:   "export <analysis-id>",
	Short: "Export the recorded results of an analysis to YAML or JSON",
	Long: `Export writes everything recorded about an analysis (status timeline,
uploaded references, graded quotes and their summary) as YAML or JSON.
Run status or watch on a completed analysis first so its quotes are
recorded. The report goes to stdout unless --output is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func runExport(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "analysis id")
	if err != nil {
		return err
	}
	format, _ := cmd.Flags().GetString("format")
	output, _ := cmd.Flags().GetString("output")

	h, err := requireHistory()
	if err != nil {
		return err
	}
	defer h.Close()

	if output == "" {
		return h.Export(cmd.Context(), id, format, cmd.OutOrStdout())
	}

	f, err := os.Create(output)
	if err != nil {
		return err
	}
	if err := h.Export(cmd.Context(), id, format, f); err != nil {
		f.Close()
		os.Remove(output)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Exported analysis #%d to %s\n", id, output)
	return nil
}

func requireHistory() (*history.Store, error) {
	cfg := clientConfig()
	if cfg.HistoryDB == "" {
		return nil, fmt.Errorf("no history database configured (set history_db)")
	}
	return history.Open(cfg.HistoryDB, history.WithServer(cfg.HTTP.BaseURL))
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum number of analyses to list (0 = all)")

	exportCmd.Flags().String("format", history.FormatYAML, "export format: yaml or json")
	exportCmd.Flags().StringP("output", "o", "", "write the report to this file")

	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(exportCmd)
}
