package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gridline-ai/obsomatch/cmd/obsomatch/ui"
	"github.com/gridline-ai/obsomatch/internal/pipeline"
	"github.com/gridline-ai/obsomatch/internal/storage"
)

var (
	batchForce       bool
	batchConcurrency int
)

var batchCmd = &cobra.Command{
	Use:   "batch <dir>",
	Short: "Process a directory of obsolescence letters",
	Long:  "Process every .pdf, .doc, .docx and .txt document in a directory, with bounded concurrency.",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatch,
}

func init() {
	batchCmd.Flags().BoolVarP(&batchForce, "force", "f", false, "reprocess documents that were already processed")
	batchCmd.Flags().IntVar(&batchConcurrency, "concurrency", 0, "max parallel documents (default from config)")
	rootCmd.AddCommand(batchCmd)
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	rt, err := buildRuntime(ctx, true)
	if err != nil {
		return err
	}
	defer rt.close()

	paths, err := collectDocuments(args[0])
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		ui.Warning("No documents found in %s", args[0])
		return nil
	}

	concurrency := rt.cfg.Pipeline.MaxConcurrent
	if batchConcurrency > 0 {
		concurrency = batchConcurrency
	}

	ui.Section(fmt.Sprintf("Processing %d documents", len(paths)))
	bar := ui.NewProgressBar(int64(len(paths)), "processing")

	var (
		mu       sync.Mutex
		outcomes []*pipeline.Outcome
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)

	for _, path := range paths {
		path := path
		group.Go(func() error {
			outcome := rt.orch.Process(groupCtx, pipeline.ProcessRequest{
				Path:           path,
				ForceReprocess: batchForce,
			})

			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
			bar.Add(1)

			// A single bad document never aborts the batch.
			return nil
		})
	}

	_ = group.Wait()
	bar.Finish()

	return summarizeBatch(outcomes)
}

// collectDocuments lists processable files in a directory, sorted by name.
func collectDocuments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".pdf", ".doc", ".docx", ".txt":
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func summarizeBatch(outcomes []*pipeline.Outcome) error {
	var completed, skipped, failed int
	var totalDuration time.Duration

	for _, outcome := range outcomes {
		totalDuration += outcome.Duration
		switch outcome.Status {
		case storage.LetterStatusCompleted:
			completed++
		case storage.LetterStatusSkipped:
			skipped++
		default:
			failed++
			ui.Error("%s [%s]: %v", outcome.DocumentName, outcome.ErrorKind, outcome.Err)
		}
	}

	ui.Section("Batch summary")
	ui.Table([]string{"STATUS", "COUNT"}, [][]string{
		{"completed", fmt.Sprintf("%d", completed)},
		{"skipped", fmt.Sprintf("%d", skipped)},
		{"failed", fmt.Sprintf("%d", failed)},
	})
	ui.Message("Total processing time: %s", totalDuration.Round(time.Millisecond))

	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(outcomes))
	}
	return nil
}
