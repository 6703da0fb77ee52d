// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/pdiddy/citecheck/internal/grade"
	"github.com/pdiddy/citecheck/internal/render"
	"github.com/pdiddy/citecheck/pkg/types"
)

var quotesCmd = &cobra.Command{
	Use:   "quotes <analysis-id>",
	Short: "Show the graded quotes of a completed analysis",
	Long: `Quotes prints the summary of a completed analysis (total, average grade,
good quotes, quotes needing review) followed by one card per quote. Use
--detail for the surrounding context, the source passage and the grading
explanation, or --json for machine-readable output.`,
	Args: cobra.ExactArgs(1),
	RunE: runQuotes,
}

func runQuotes(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "analysis id")
	if err != nil {
		return err
	}
	detail, _ := cmd.Flags().GetBool("detail")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	band, _ := cmd.Flags().GetString("band")

	client := newClient(clientConfig())
	resp, err := client.GetQuotes(cmd.Context(), id)
	if err != nil {
		return userError(err)
	}

	quotes := resp.Quotes
	if band != "" {
		b, err := grade.ParseBand(band)
		if err != nil {
			return err
		}
		quotes = filterBand(quotes, b)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Summary grade.Summary  `json:"summary"`
			Quotes  []types.Quote `json:"quotes"`
		}{grade.Summarize(quotes), quotes})
	}
	render.Quotes(out, quotes, detail)
	return nil
}

func filterBand(quotes []types.Quote, b grade.Band) []types.Quote {
	out := []types.Quote{}
	for _, q := range quotes {
		if grade.Classify(q.Grade) == b {
			out = append(out, q)
		}
	}
	return out
}

var quoteCmd = &cobra.Command{
	Use:   "quote <quote-id>",
	Short: "Show one quote with the reference it was graded against",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "quote id")
		if err != nil {
			return err
		}
		d, err := newClient(clientConfig()).GetQuote(cmd.Context(), id)
		if err != nil {
			return userError(err)
		}
		render.QuoteDetail(cmd.OutOrStdout(), d)
		return nil
	},
}

func init() {
	quotesCmd.Flags().Bool("detail", false, "show context, source passage and explanation of each quote")
	quotesCmd.Flags().Bool("json", false, "output the summary and quotes as JSON")
	quotesCmd.Flags().String("band", "", "only show quotes in this grade band (Excellent, Good, Fair, Poor, Inaccurate, Pending)")

	rootCmd.AddCommand(quotesCmd)
	rootCmd.AddCommand(quoteCmd)
}
