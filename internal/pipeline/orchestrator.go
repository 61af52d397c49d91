package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gridline-ai/obsomatch/internal/artifacts"
	"github.com/gridline-ai/obsomatch/internal/config"
	"github.com/gridline-ai/obsomatch/internal/identity"
	"github.com/gridline-ai/obsomatch/internal/llm"
	"github.com/gridline-ai/obsomatch/internal/observability"
	"github.com/gridline-ai/obsomatch/internal/storage"
)

// Pipeline stage names, recorded in the processing trace.
const (
	StageIdentify = "identify"
	StageValidate = "validate"
	StageExtract  = "extract"
	StageDiscover = "discover"
	StageRerank   = "rerank"
	StagePersist  = "persist"
)

// Error kinds reported on failed runs.
const (
	ErrKindValidation = "validation_error"
	ErrKindExtract    = "extract_error"
	ErrKindRerank     = "rerank_error"
	ErrKindPersist    = "persist_error"
	ErrKindCancelled  = "cancelled"
)

// ProcessRequest names one document to process.
type ProcessRequest struct {
	Path           string
	ForceReprocess bool
}

// StageTiming is one entry of the processing trace.
type StageTiming struct {
	Stage      string `json:"stage"`
	DurationMS int64  `json:"duration_ms"`
	Detail     string `json:"detail,omitempty"`
}

// Outcome is the full result of one pipeline run. On failure the partial
// stage outputs collected so far remain populated so callers can inspect
// them without a database round trip.
type Outcome struct {
	Status       storage.LetterStatus
	LetterID     int64
	DocumentName string
	ContentHash  string
	Signature    string
	SkipReason   string
	Extracted    *ExtractedLetter
	Products     []storage.LetterProduct
	Candidates   int
	Strategies   []string
	Validated    *RerankResult
	Steps        []StageTiming
	Duration     time.Duration
	ArtifactDir  string
	ErrorKind    string
	Err          error
}

// Orchestrator drives a document through the full pipeline: identity and
// skip gate, extraction, candidate discovery, match validation and the
// transactional persist.
type Orchestrator struct {
	letters          *storage.LetterStore
	extractor        *Extractor
	discoverer       *Discoverer
	reranker         *Reranker
	artifacts        *artifacts.Writer
	promptVersion    string
	promptConfigHash string
	processingMethod string
	logger           *observability.Logger
}

// NewOrchestrator wires the pipeline together. The artifacts writer may be
// nil to disable bundle output.
func NewOrchestrator(
	letters *storage.LetterStore,
	extractor *Extractor,
	discoverer *Discoverer,
	reranker *Reranker,
	writer *artifacts.Writer,
	cfg *config.Config,
	logger *observability.Logger,
) (*Orchestrator, error) {
	promptConfigHash, err := PromptConfigHash(cfg)
	if err != nil {
		return nil, fmt.Errorf("hash prompt config: %w", err)
	}

	return &Orchestrator{
		letters:          letters,
		extractor:        extractor,
		discoverer:       discoverer,
		reranker:         reranker,
		artifacts:        writer,
		promptVersion:    cfg.Prompts.Version,
		promptConfigHash: promptConfigHash,
		processingMethod: cfg.Pipeline.ProcessingMethod,
		logger:           logger,
	}, nil
}

// PromptConfigHash derives the canonical hash over everything that changes
// model behavior: the prompt templates plus the model tunables. Same bytes
// under a different hash must reprocess.
func PromptConfigHash(cfg *config.Config) (string, error) {
	return identity.PromptConfigHash(struct {
		Prompts     config.PromptConfig `json:"prompts"`
		Model       string              `json:"model"`
		Temperature float64             `json:"temperature"`
		MaxTokens   int                 `json:"max_tokens"`
	}{cfg.Prompts, cfg.LLM.Model, cfg.LLM.Temperature, cfg.LLM.MaxTokens})
}

// Process runs one document through the pipeline. It always returns an
// outcome; failures are reported through Outcome.Err and ErrorKind rather
// than a bare error so partial results survive.
func (o *Orchestrator) Process(ctx context.Context, req ProcessRequest) *Outcome {
	start := time.Now()
	outcome := &Outcome{
		Status:       storage.LetterStatusProcessing,
		DocumentName: filepath.Base(req.Path),
	}
	log := o.logger.WithDocument(outcome.DocumentName)

	defer func() {
		outcome.Duration = time.Since(start)
	}()

	step := func(stage string, began time.Time, detail string) {
		outcome.Steps = append(outcome.Steps, StageTiming{
			Stage:      stage,
			DurationMS: time.Since(began).Milliseconds(),
			Detail:     detail,
		})
	}

	// Identify: derive the content identity and processing signature. The
	// hash is streamed off disk so document size never matters here.
	began := time.Now()
	contentHash, err := identity.FileHash(req.Path)
	if err != nil {
		return o.fail(outcome, ErrKindValidation, err, log)
	}
	outcome.ContentHash = contentHash
	outcome.Signature = identity.ProcessingSignature(contentHash, o.promptConfigHash)
	step(StageIdentify, began, contentHash[:12])

	// Validate: basic document checks before any model spend.
	began = time.Now()
	data, fileSize, err := o.readDocument(req.Path)
	if err != nil {
		return o.fail(outcome, ErrKindValidation, err, log)
	}
	if len(data) == 0 {
		return o.fail(outcome, ErrKindValidation, fmt.Errorf("document %s is empty", req.Path), log)
	}
	step(StageValidate, began, "")

	// Skip gate: same bytes under the same prompts were already processed.
	if !req.ForceReprocess {
		if skipped := o.checkSkip(ctx, outcome, log); skipped {
			return outcome
		}
	} else {
		o.clearPrevious(ctx, req, outcome, log)
	}

	callCtx := llm.CallContext{
		DocumentName: outcome.DocumentName,
		DocumentSize: fileSize,
	}

	// Extract.
	began = time.Now()
	extracted, extractResult, err := o.extractor.Extract(ctx, outcome.DocumentName, data, mimeTypeFor(req.Path), callCtx)
	if err != nil {
		if ctx.Err() != nil {
			return o.fail(outcome, ErrKindCancelled, ctx.Err(), log)
		}
		return o.fail(outcome, ErrKindExtract, err, log)
	}
	outcome.Extracted = extracted
	outcome.Products = BuildProducts(extracted)
	step(StageExtract, began, fmt.Sprintf("%d ranges", len(outcome.Products)))

	// Discover: fail-soft, an empty candidate set is a valid result.
	began = time.Now()
	discovery := o.discoverer.Discover(ctx, outcome.Products)
	outcome.Candidates = len(discovery.Candidates)
	outcome.Strategies = discovery.Strategies
	step(StageDiscover, began, fmt.Sprintf("%d candidates via %s", outcome.Candidates, strings.Join(discovery.Strategies, ",")))

	// Rerank.
	began = time.Now()
	validated, _, err := o.reranker.Rerank(ctx, extracted, discovery.Candidates, callCtx)
	if err != nil {
		if ctx.Err() != nil {
			return o.fail(outcome, ErrKindCancelled, ctx.Err(), log)
		}
		return o.fail(outcome, ErrKindRerank, err, log)
	}
	outcome.Validated = validated
	step(StageRerank, began, fmt.Sprintf("%d validated", len(validated.ValidatedProducts)))

	// Persist: one transaction for the letter and all its children.
	began = time.Now()
	letterID, err := o.persist(ctx, req, outcome, extractResult, fileSize, time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return o.fail(outcome, ErrKindCancelled, ctx.Err(), log)
		}
		return o.fail(outcome, ErrKindPersist, err, log)
	}
	outcome.LetterID = letterID
	step(StagePersist, began, fmt.Sprintf("letter %d", letterID))

	outcome.Status = storage.LetterStatusCompleted
	outcome.Duration = time.Since(start)

	// Post-commit bookkeeping is best-effort.
	o.storeRawContent(ctx, req, outcome, extractResult, fileSize, log)
	o.writeArtifacts(outcome, log)

	log.Info().
		Int64("letter_id", letterID).
		Int("products", len(outcome.Products)).
		Int("matches", len(validated.ValidatedProducts)).
		Dur("duration", time.Since(start)).
		Msg("Pipeline complete")

	return outcome
}

func (o *Orchestrator) readDocument(path string) ([]byte, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, fmt.Errorf("stat document: %w", err)
	}
	if info.IsDir() {
		return nil, 0, fmt.Errorf("document %s is a directory", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("read document: %w", err)
	}
	return data, info.Size(), nil
}

// checkSkip consults the raw-content signature record. A processed record
// under the same signature and prompt version means the exact same work was
// already done, so the run ends as skipped.
func (o *Orchestrator) checkSkip(ctx context.Context, outcome *Outcome, log *observability.Logger) bool {
	rec, err := o.letters.HasBeenProcessed(ctx, outcome.Signature, o.promptVersion)
	if errors.Is(err, storage.ErrNotFound) {
		return false
	}
	if err != nil {
		log.Warn().Err(err).Msg("Skip gate lookup failed, proceeding with processing")
		return false
	}

	outcome.Status = storage.LetterStatusSkipped
	outcome.SkipReason = "identical content already processed under the current prompt configuration"
	if rec.LetterID != nil {
		outcome.LetterID = *rec.LetterID
	}

	log.Info().
		Int64("letter_id", outcome.LetterID).
		Str("signature", outcome.Signature[:12]).
		Msg("Skipping already-processed document")
	return true
}

// clearPrevious deletes the prior letter for this document when a forced
// reprocess was requested. The raw-content record stays; its attempts
// counter tracks the rerun.
func (o *Orchestrator) clearPrevious(ctx context.Context, req ProcessRequest, outcome *Outcome, log *observability.Logger) {
	summary, err := o.letters.FindByIdentity(ctx, outcome.ContentHash, req.Path)
	if err != nil {
		return
	}
	if err := o.letters.DeleteLetter(ctx, summary.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Warn().Err(err).Int64("letter_id", summary.ID).Msg("Failed to delete previous letter")
		return
	}
	log.Info().Int64("letter_id", summary.ID).Msg("Deleted previous letter for forced reprocess")
}

func (o *Orchestrator) persist(ctx context.Context, req ProcessRequest, outcome *Outcome, extractResult llm.Result, fileSize int64, elapsed time.Duration) (int64, error) {
	stepsJSON, err := json.Marshal(outcome.Steps)
	if err != nil {
		return 0, fmt.Errorf("marshal processing steps: %w", err)
	}
	validationJSON, err := json.Marshal(outcome.Validated)
	if err != nil {
		return 0, fmt.Errorf("marshal validation details: %w", err)
	}

	draft := &storage.LetterDraft{
		Letter: storage.Letter{
			DocumentName:         outcome.DocumentName,
			SourceFilePath:       req.Path,
			FileSize:             fileSize,
			ContentHash:          outcome.ContentHash,
			ProcessingMethod:     o.processingMethod,
			ProcessingDurationMS: elapsed.Milliseconds(),
			ExtractionConfidence: outcome.Extracted.ExtractionConfidence,
			RawGrokJSON:          extractResult.Content,
			ProcessingSteps:      string(stepsJSON),
			ValidationDetails:    string(validationJSON),
			Status:               storage.LetterStatusCompleted,
		},
		Products: outcome.Products,
	}

	rangeIndex := make(map[string]int, len(outcome.Products))
	for i, p := range outcome.Products {
		rangeIndex[strings.ToUpper(p.RangeLabel)] = i
	}

	for _, vp := range outcome.Validated.ValidatedProducts {
		var productIndex *int
		if i, ok := rangeIndex[strings.ToUpper(vp.RangeLabel)]; ok {
			idx := i
			productIndex = &idx
		}

		draft.Matches = append(draft.Matches, storage.MatchDraft{
			Match: storage.LetterProductMatch{
				ProductIdentifier: vp.ProductIdentifier,
				Confidence:        vp.Confidence,
				MatchReason:       vp.ValidationReason,
				MatchType:         storage.MatchTypeFinalLLMValidated,
				RangeBased:        true,
			},
			ProductIndex: productIndex,
		})
	}

	return o.letters.PersistLetter(ctx, draft)
}

// storeRawContent upserts the signature record after a successful run. A
// failure here is logged and swallowed; the letter is already committed.
func (o *Orchestrator) storeRawContent(ctx context.Context, req ProcessRequest, outcome *Outcome, extractResult llm.Result, fileSize int64, log *observability.Logger) {
	now := time.Now().UTC()
	words := len(strings.Fields(extractResult.Content))

	rec := &storage.RawContentRecord{
		ContentHash:         outcome.ContentHash,
		LetterID:            &outcome.LetterID,
		ContentLength:       len(extractResult.Content),
		Encoding:            "utf-8",
		ExtractionMethod:    "llm-direct",
		SourcePath:          req.Path,
		FileSize:            fileSize,
		MimeType:            mimeTypeFor(req.Path),
		PromptVersion:       o.promptVersion,
		PromptConfigHash:    o.promptConfigHash,
		Signature:           outcome.Signature,
		Status:              string(storage.LetterStatusCompleted),
		Processed:           true,
		ProcessedAt:         &now,
		Attempts:            1,
		QualityScore:        outcome.Extracted.ExtractionConfidence,
		HasTechnicalContent: len(outcome.Products) > 0,
		WordCount:           words,
		ExtractorResult:     extractResult.Content,
		ExtractorConfidence: outcome.Extracted.ExtractionConfidence,
		ProductsExtracted:   len(outcome.Products),
	}

	if err := o.letters.StoreRawContent(ctx, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to store raw content record")
	}
}

// writeArtifacts writes the JSON output bundle. Best-effort; the pipeline
// result stands with or without the bundle on disk.
func (o *Orchestrator) writeArtifacts(outcome *Outcome, log *observability.Logger) {
	if o.artifacts == nil {
		return
	}

	documentID := strings.TrimSuffix(outcome.DocumentName, filepath.Ext(outcome.DocumentName))
	dir, err := o.artifacts.Write(artifacts.Bundle{
		DocumentID:       documentID,
		GrokMetadata:     outcome.Extracted,
		ValidationResult: outcome.Validated,
		ProcessingResult: map[string]interface{}{
			"letter_id":   outcome.LetterID,
			"status":      outcome.Status,
			"products":    outcome.Products,
			"duration_ms": outcome.Duration.Milliseconds(),
		},
		PipelineSummary: map[string]interface{}{
			"steps":      outcome.Steps,
			"candidates": outcome.Candidates,
			"strategies": outcome.Strategies,
		},
		Metadata: map[string]interface{}{
			"document_name":      outcome.DocumentName,
			"content_hash":       outcome.ContentHash,
			"signature":          outcome.Signature,
			"prompt_version":     o.promptVersion,
			"prompt_config_hash": o.promptConfigHash,
			"processing_method":  o.processingMethod,
		},
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to write artifact bundle")
		return
	}
	outcome.ArtifactDir = dir
}

func (o *Orchestrator) fail(outcome *Outcome, kind string, err error, log *observability.Logger) *Outcome {
	outcome.Status = storage.LetterStatusFailed
	outcome.ErrorKind = kind
	outcome.Err = err
	log.Error().Err(err).Str("error_kind", kind).Msg("Pipeline failed")
	return outcome
}

func mimeTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".html", ".htm":
		return "text/html"
	default:
		return "application/octet-stream"
	}
}
