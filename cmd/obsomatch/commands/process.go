package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridline-ai/obsomatch/cmd/obsomatch/ui"
	"github.com/gridline-ai/obsomatch/internal/pipeline"
	"github.com/gridline-ai/obsomatch/internal/storage"
)

var processForce bool

var processCmd = &cobra.Command{
	Use:   "process <file>",
	Short: "Process one obsolescence letter",
	Long:  "Run a single document through the extraction, discovery, rerank and persist stages.",
	Args:  cobra.ExactArgs(1),
	RunE:  runProcess,
}

func init() {
	processCmd.Flags().BoolVarP(&processForce, "force", "f", false, "reprocess even if the document was already processed")
	rootCmd.AddCommand(processCmd)
}

func runProcess(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
	defer cancel()

	rt, err := buildRuntime(ctx, true)
	if err != nil {
		return err
	}
	defer rt.close()

	spin := ui.NewSpinner(fmt.Sprintf("Processing %s", args[0]))
	spin.Start()
	outcome := rt.orch.Process(ctx, pipeline.ProcessRequest{
		Path:           args[0],
		ForceReprocess: processForce,
	})
	spin.Stop()

	return reportOutcome(outcome)
}

func reportOutcome(outcome *pipeline.Outcome) error {
	switch outcome.Status {
	case storage.LetterStatusSkipped:
		ui.Warning("Skipped %s: %s (letter %d)", outcome.DocumentName, outcome.SkipReason, outcome.LetterID)
		return nil

	case storage.LetterStatusFailed:
		ui.Error("Failed %s [%s]: %v", outcome.DocumentName, outcome.ErrorKind, outcome.Err)
		return fmt.Errorf("processing failed: %w", outcome.Err)
	}

	ui.Success("Processed %s in %s (letter %d)", outcome.DocumentName, outcome.Duration.Round(time.Millisecond), outcome.LetterID)
	ui.Message("  candidates: %d  strategies: %s", outcome.Candidates, strings.Join(outcome.Strategies, ","))
	if outcome.ArtifactDir != "" {
		ui.Verbose("  artifacts: %s", outcome.ArtifactDir)
	}

	if outcome.Validated == nil || len(outcome.Validated.ValidatedProducts) == 0 {
		ui.Message("  no validated matches")
		return nil
	}

	rows := make([][]string, len(outcome.Validated.ValidatedProducts))
	for i, vp := range outcome.Validated.ValidatedProducts {
		rows[i] = []string{
			vp.ProductIdentifier,
			vp.RangeLabel,
			fmt.Sprintf("%.2f", vp.Confidence),
			vp.ValidationReason,
		}
	}
	ui.Table([]string{"PRODUCT", "RANGE", "CONFIDENCE", "REASON"}, rows)
	return nil
}
