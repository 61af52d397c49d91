// Package artifacts writes the versioned JSON output bundles produced for
// each completed letter.
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gridline-ai/obsomatch/internal/config"
	"github.com/gridline-ai/obsomatch/internal/observability"
)

// Bundle file names inside a version directory.
const (
	FileGrokMetadata     = "grok_metadata.json"
	FileValidationResult = "validation_result.json"
	FileProcessingResult = "processing_result.json"
	FilePipelineSummary  = "pipeline_summary.json"
	FileMetadata         = "metadata.json"
)

// Nanosecond precision keeps back-to-back runs of the same document in
// separate version directories. Fixed width, so names sort chronologically.
const versionTimeFormat = "20060102T150405.000000000Z"

// Bundle is one complete output set for a document run.
type Bundle struct {
	DocumentID       string
	GrokMetadata     interface{}
	ValidationResult interface{}
	ProcessingResult interface{}
	PipelineSummary  interface{}
	Metadata         interface{}
}

// indexEntry is one row of a document's index.json.
type indexEntry struct {
	Version   string    `json:"version"`
	WrittenAt time.Time `json:"written_at"`
}

// Writer writes bundles under root/json_outputs/<document_id>/<version>/,
// refreshes the latest/ copy and applies the retention policy.
type Writer struct {
	root           string
	retainVersions int
	retainDays     int
	logger         *observability.Logger
	now            func() time.Time
}

// NewWriter creates a writer from output settings.
func NewWriter(cfg config.OutputConfig, logger *observability.Logger) *Writer {
	return &Writer{
		root:           cfg.Root,
		retainVersions: cfg.RetainVersions,
		retainDays:     cfg.RetainDays,
		logger:         logger,
		now:            time.Now,
	}
}

// Write stores one bundle and returns the version directory path. The
// latest/ copy and index.json are refreshed, then old versions beyond the
// retention policy are pruned.
func (w *Writer) Write(bundle Bundle) (string, error) {
	if bundle.DocumentID == "" {
		return "", fmt.Errorf("bundle document id is empty")
	}

	docDir := filepath.Join(w.root, "json_outputs", bundle.DocumentID)
	version := w.now().UTC().Format(versionTimeFormat)
	versionDir := filepath.Join(docDir, version)

	if err := os.MkdirAll(versionDir, 0o755); err != nil {
		return "", fmt.Errorf("create version dir: %w", err)
	}

	files := map[string]interface{}{
		FileGrokMetadata:     bundle.GrokMetadata,
		FileValidationResult: bundle.ValidationResult,
		FileProcessingResult: bundle.ProcessingResult,
		FilePipelineSummary:  bundle.PipelineSummary,
		FileMetadata:         bundle.Metadata,
	}

	for name, payload := range files {
		if err := writeJSON(filepath.Join(versionDir, name), payload); err != nil {
			return "", err
		}
	}

	if err := w.refreshLatest(docDir, versionDir); err != nil {
		return "", err
	}

	if err := w.writeIndex(docDir); err != nil {
		return "", err
	}

	if err := w.updateGlobalIndex(bundle, version); err != nil {
		return "", err
	}

	w.prune(docDir)

	return versionDir, nil
}

// globalIndexEntry is one row of the json_outputs-level index.json, keyed by
// document id.
type globalIndexEntry struct {
	Version   string      `json:"version"`
	WrittenAt time.Time   `json:"written_at"`
	Summary   interface{} `json:"summary,omitempty"`
}

// updateGlobalIndex rewrites the root index mapping each document to its
// newest version and pipeline summary.
func (w *Writer) updateGlobalIndex(bundle Bundle, version string) error {
	indexPath := filepath.Join(w.root, "json_outputs", "index.json")

	index := map[string]globalIndexEntry{}
	if data, err := os.ReadFile(indexPath); err == nil {
		_ = json.Unmarshal(data, &index)
	}

	ts, _ := time.Parse(versionTimeFormat, version)
	index[bundle.DocumentID] = globalIndexEntry{
		Version:   version,
		WrittenAt: ts,
		Summary:   bundle.PipelineSummary,
	}

	return writeJSON(indexPath, index)
}

// refreshLatest replaces latest/ with a copy of the new version directory.
// A copy rather than a symlink keeps the layout portable.
func (w *Writer) refreshLatest(docDir, versionDir string) error {
	latestDir := filepath.Join(docDir, "latest")
	if err := os.RemoveAll(latestDir); err != nil {
		return fmt.Errorf("remove stale latest: %w", err)
	}
	if err := os.MkdirAll(latestDir, 0o755); err != nil {
		return fmt.Errorf("create latest dir: %w", err)
	}

	entries, err := os.ReadDir(versionDir)
	if err != nil {
		return fmt.Errorf("read version dir: %w", err)
	}
	for _, entry := range entries {
		data, err := os.ReadFile(filepath.Join(versionDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("copy %s: %w", entry.Name(), err)
		}
		if err := os.WriteFile(filepath.Join(latestDir, entry.Name()), data, 0o644); err != nil {
			return fmt.Errorf("copy %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// writeIndex rewrites index.json listing the retained versions, newest first.
func (w *Writer) writeIndex(docDir string) error {
	versions, err := w.listVersions(docDir)
	if err != nil {
		return err
	}

	entries := make([]indexEntry, len(versions))
	for i, v := range versions {
		ts, _ := time.Parse(versionTimeFormat, v)
		entries[i] = indexEntry{Version: v, WrittenAt: ts}
	}

	return writeJSON(filepath.Join(docDir, "index.json"), entries)
}

// prune removes versions beyond the retention policy. Both limits apply: a
// version is dropped once it exceeds the count limit or the age limit.
func (w *Writer) prune(docDir string) {
	versions, err := w.listVersions(docDir)
	if err != nil {
		w.logger.Warn().Err(err).Str("dir", docDir).Msg("Failed to list versions for pruning")
		return
	}

	cutoff := w.now().UTC().AddDate(0, 0, -w.retainDays)

	for i, v := range versions {
		ts, err := time.Parse(versionTimeFormat, v)
		tooOld := err == nil && w.retainDays > 0 && ts.Before(cutoff)
		tooMany := w.retainVersions > 0 && i >= w.retainVersions

		if !tooOld && !tooMany {
			continue
		}
		if err := os.RemoveAll(filepath.Join(docDir, v)); err != nil {
			w.logger.Warn().Err(err).Str("version", v).Msg("Failed to prune version")
		}
	}
}

// listVersions returns version directory names, newest first. The timestamp
// format sorts lexicographically.
func (w *Writer) listVersions(docDir string) ([]string, error) {
	entries, err := os.ReadDir(docDir)
	if err != nil {
		return nil, fmt.Errorf("read document dir: %w", err)
	}

	var versions []string
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "latest" {
			continue
		}
		if _, err := time.Parse(versionTimeFormat, entry.Name()); err != nil {
			continue
		}
		versions = append(versions, entry.Name())
	}

	sort.Sort(sort.Reverse(sort.StringSlice(versions)))
	return versions, nil
}

func writeJSON(path string, payload interface{}) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
