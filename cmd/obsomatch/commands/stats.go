package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridline-ai/obsomatch/cmd/obsomatch/ui"
)

var statsDays int

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show catalog and token usage statistics",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().IntVar(&statsDays, "days", 7, "token usage window in days")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	rt, err := buildRuntime(ctx, false)
	if err != nil {
		return err
	}
	defer rt.close()

	catalogStats, err := rt.catalog.Stats(ctx)
	if err != nil {
		return fmt.Errorf("catalog stats: %w", err)
	}

	ui.Section("Catalog")
	ui.Message("Products: %d", catalogStats.TotalRows)

	if len(catalogStats.TopProductLines) > 0 {
		rows := make([][]string, len(catalogStats.TopProductLines))
		for i, bucket := range catalogStats.TopProductLines {
			rows[i] = []string{bucket.Label, fmt.Sprintf("%d", bucket.Count)}
		}
		ui.Table([]string{"PRODUCT LINE", "PRODUCTS"}, rows)
	}

	usage, err := rt.letters.TokenUsageByDay(ctx, statsDays)
	if err != nil {
		return fmt.Errorf("token usage: %w", err)
	}

	ui.Section(fmt.Sprintf("Token usage (last %d days)", statsDays))
	if len(usage) == 0 {
		ui.Message("No model calls recorded.")
		return nil
	}

	rows := make([][]string, len(usage))
	for i, day := range usage {
		rows[i] = []string{
			day.Day,
			day.Operation,
			fmt.Sprintf("%d", day.Calls),
			fmt.Sprintf("%d", day.TotalTokens),
			fmt.Sprintf("$%.4f", day.EstimatedCost),
		}
	}
	ui.Table([]string{"DAY", "OPERATION", "CALLS", "TOKENS", "EST. COST"}, rows)

	return nil
}
