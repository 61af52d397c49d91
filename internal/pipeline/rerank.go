package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gridline-ai/obsomatch/internal/config"
	"github.com/gridline-ai/obsomatch/internal/llm"
	"github.com/gridline-ai/obsomatch/internal/observability"
	"github.com/gridline-ai/obsomatch/internal/storage"
)

// ValidatedProduct is one approved letter-to-catalog link from the reranker.
type ValidatedProduct struct {
	ProductIdentifier string  `json:"product_identifier"`
	RangeLabel        string  `json:"range_label"`
	Confidence        float64 `json:"confidence"`
	ValidationReason  string  `json:"validation_reason"`
}

// RerankResult is the normalized reranker output.
type RerankResult struct {
	ValidatedProducts    []ValidatedProduct `json:"validated_products"`
	ValidationConfidence float64            `json:"validation_confidence"`
	ValidationErrors     []string           `json:"validation_errors"`
}

// Reranker runs the match validation stage against the model.
type Reranker struct {
	invoker ModelInvoker
	prompts config.PromptConfig
	logger  *observability.Logger
}

// NewReranker creates a reranker.
func NewReranker(invoker ModelInvoker, prompts config.PromptConfig, logger *observability.Logger) *Reranker {
	return &Reranker{invoker: invoker, prompts: prompts, logger: logger}
}

// Rerank asks the model to validate the candidate set against the extracted
// letter. With no candidates it returns an empty result without a model
// call. Identifiers not present in the candidate set are dropped; confidence
// values are clamped to [0, 1].
func (r *Reranker) Rerank(ctx context.Context, extracted *ExtractedLetter, candidates []storage.CatalogRow, callCtx llm.CallContext) (*RerankResult, llm.Result, error) {
	if len(candidates) == 0 {
		return &RerankResult{
			ValidatedProducts: []ValidatedProduct{},
			ValidationErrors:  []string{"no products to validate"},
		}, llm.Result{Success: true}, nil
	}

	extractedJSON, err := json.Marshal(extracted)
	if err != nil {
		return nil, llm.Result{}, fmt.Errorf("marshal extracted letter: %w", err)
	}

	candidatesJSON, err := json.Marshal(ProjectCandidates(candidates))
	if err != nil {
		return nil, llm.Result{}, fmt.Errorf("marshal candidates: %w", err)
	}

	userPrompt := renderTemplate(r.prompts.Rerank.User, map[string]string{
		"extracted_json":  string(extractedJSON),
		"candidates_json": string(candidatesJSON),
	})

	callCtx.PromptTemplate = r.prompts.Rerank.Name
	callCtx.PromptVersion = r.prompts.Version

	result := r.invoker.Invoke(ctx, llm.OperationRerank, r.prompts.Rerank.System, userPrompt, nil, callCtx)
	if !result.Success {
		return nil, result, fmt.Errorf("rerank failed after %d attempts: %s", result.Attempts, result.Error)
	}

	validated, err := r.normalize(result.Object, candidates, callCtx.DocumentName)
	if err != nil {
		return nil, result, fmt.Errorf("normalize rerank result: %w", err)
	}

	r.logger.Info().
		Str("document", callCtx.DocumentName).
		Int("candidates", len(candidates)).
		Int("validated", len(validated.ValidatedProducts)).
		Float64("confidence", validated.ValidationConfidence).
		Msg("Rerank complete")

	return validated, result, nil
}

// normalize converts the generic model object and enforces the contract:
// every approved identifier must come from the candidate set.
func (r *Reranker) normalize(object map[string]interface{}, candidates []storage.CatalogRow, documentName string) (*RerankResult, error) {
	raw, err := json.Marshal(object)
	if err != nil {
		return nil, err
	}

	parsed := &RerankResult{}
	if err := json.Unmarshal(raw, parsed); err != nil {
		return nil, err
	}

	allowed := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		allowed[c.ProductIdentifier] = true
	}

	kept := make([]ValidatedProduct, 0, len(parsed.ValidatedProducts))
	for _, vp := range parsed.ValidatedProducts {
		if !allowed[vp.ProductIdentifier] {
			r.logger.Warn().
				Str("document", documentName).
				Str("product_identifier", vp.ProductIdentifier).
				Msg("Reranker returned identifier outside candidate set, dropping")
			continue
		}
		vp.Confidence = clamp01(vp.Confidence)
		kept = append(kept, vp)
	}

	parsed.ValidatedProducts = kept
	parsed.ValidationConfidence = clamp01(parsed.ValidationConfidence)
	return parsed, nil
}
