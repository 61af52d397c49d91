// Package pipeline implements the letter processing stages: extraction,
// candidate discovery, match validation and orchestration.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gridline-ai/obsomatch/internal/config"
	"github.com/gridline-ai/obsomatch/internal/llm"
	"github.com/gridline-ai/obsomatch/internal/observability"
	"github.com/gridline-ai/obsomatch/internal/storage"
)

// Product line codes used across the catalog.
const (
	ProductLinePSIBS = "PSIBS"
	ProductLinePPIBS = "PPIBS"
	ProductLineDPIBS = "DPIBS"
	ProductLineSPIBS = "SPIBS"
)

// ModelInvoker is the slice of the model client the pipeline stages use.
type ModelInvoker interface {
	Invoke(ctx context.Context, operation, systemPrompt, userPrompt string, attachment *llm.Attachment, callCtx llm.CallContext) llm.Result
}

// DocumentInformation is the document-level metadata the extractor returns.
type DocumentInformation struct {
	DocumentType  string `json:"document_type"`
	DocumentTitle string `json:"document_title"`
}

// ProductIdentification holds the parallel arrays the extractor returns.
// Entries pair up by index; shorter arrays are padded with empty strings.
type ProductIdentification struct {
	Ranges       []string `json:"ranges"`
	Descriptions []string `json:"descriptions"`
	ProductTypes []string `json:"product_types"`
}

// ExtractedLetter is the normalized extractor output.
type ExtractedLetter struct {
	DocumentInformation   DocumentInformation   `json:"document_information"`
	ProductIdentification ProductIdentification `json:"product_identification"`
	ExtractionConfidence  float64               `json:"extraction_confidence"`
}

// Extractor runs the metadata extraction stage against the model.
type Extractor struct {
	invoker ModelInvoker
	prompts config.PromptConfig
	logger  *observability.Logger
}

// NewExtractor creates an extractor.
func NewExtractor(invoker ModelInvoker, prompts config.PromptConfig, logger *observability.Logger) *Extractor {
	return &Extractor{invoker: invoker, prompts: prompts, logger: logger}
}

// Extract sends the raw document to the model and normalizes the response.
// The llm.Result is returned alongside so the orchestrator can preserve the
// verbatim model output and usage even on failure.
func (e *Extractor) Extract(ctx context.Context, documentName string, data []byte, mimeType string, callCtx llm.CallContext) (*ExtractedLetter, llm.Result, error) {
	userPrompt := renderTemplate(e.prompts.Extract.User, map[string]string{
		"document_name": documentName,
	})

	attachment := &llm.Attachment{
		Filename: documentName,
		MimeType: mimeType,
		Data:     data,
	}

	callCtx.PromptTemplate = e.prompts.Extract.Name
	callCtx.PromptVersion = e.prompts.Version

	result := e.invoker.Invoke(ctx, llm.OperationExtract, e.prompts.Extract.System, userPrompt, attachment, callCtx)
	if !result.Success {
		return nil, result, fmt.Errorf("extraction failed after %d attempts: %s", result.Attempts, result.Error)
	}

	extracted, err := normalizeExtraction(result.Object)
	if err != nil {
		return nil, result, fmt.Errorf("normalize extraction: %w", err)
	}

	if extracted.ExtractionConfidence == 0 {
		extracted.ExtractionConfidence = clamp01(result.Confidence)
	}

	e.logger.Info().
		Str("document", documentName).
		Int("ranges", len(extracted.ProductIdentification.Ranges)).
		Float64("confidence", extracted.ExtractionConfidence).
		Msg("Extraction complete")

	return extracted, result, nil
}

// normalizeExtraction re-marshals the generic model object into the typed
// shape, trims whitespace and drops empty range entries.
func normalizeExtraction(object map[string]interface{}) (*ExtractedLetter, error) {
	raw, err := json.Marshal(object)
	if err != nil {
		return nil, err
	}

	extracted := &ExtractedLetter{}
	if err := json.Unmarshal(raw, extracted); err != nil {
		return nil, err
	}

	pi := &extracted.ProductIdentification
	var ranges, descriptions, productTypes []string
	for i, r := range pi.Ranges {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		ranges = append(ranges, r)
		descriptions = append(descriptions, strings.TrimSpace(at(pi.Descriptions, i)))
		productTypes = append(productTypes, strings.TrimSpace(at(pi.ProductTypes, i)))
	}
	pi.Ranges = ranges
	pi.Descriptions = descriptions
	pi.ProductTypes = productTypes

	extracted.ExtractionConfidence = clamp01(extracted.ExtractionConfidence)
	return extracted, nil
}

// BuildProducts converts the extraction into letter product rows, one per
// range, with the product line inferred from the extracted text.
func BuildProducts(extracted *ExtractedLetter) []storage.LetterProduct {
	pi := extracted.ProductIdentification

	products := make([]storage.LetterProduct, 0, len(pi.Ranges))
	for i, r := range pi.Ranges {
		description := at(pi.Descriptions, i)
		productType := at(pi.ProductTypes, i)

		products = append(products, storage.LetterProduct{
			RangeLabel:         r,
			ProductDescription: description,
			ProductLine:        inferProductLine(r+" "+description, productType),
			ObsolescenceStatus: "announced",
			Confidence:         extracted.ExtractionConfidence,
		})
	}
	return products
}

// productLineKeywords maps text keywords to product lines, checked in order.
var productLineKeywords = []struct {
	keywords []string
	line     string
}{
	{[]string{"ups", "galaxy", "uninterruptible", "backup"}, ProductLineSPIBS},
	{[]string{"acb", "masterpact", "powerpact", "easypact"}, ProductLinePPIBS},
	{[]string{"plc", "automation", "control"}, ProductLineDPIBS},
	{[]string{"power", "distribution", "transformer"}, ProductLinePSIBS},
}

// inferProductLine guesses the catalog product line from the extracted range
// text and product type. Defaults to PSIBS when nothing matches.
func inferProductLine(text, productType string) string {
	lower := strings.ToLower(text)
	for _, entry := range productLineKeywords {
		for _, kw := range entry.keywords {
			if containsWord(lower, kw) {
				return entry.line
			}
		}
	}

	lowerType := strings.ToLower(productType)
	if strings.Contains(lowerType, "medium voltage") {
		return ProductLinePSIBS
	}
	if strings.Contains(lowerType, "low voltage") {
		return ProductLinePPIBS
	}

	return ProductLinePSIBS
}

// containsWord matches kw as a whole token so that e.g. "ups" does not fire
// on "groups".
func containsWord(text, kw string) bool {
	for _, tok := range strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '/' || r == ',' || r == '.' || r == '(' || r == ')'
	}) {
		if tok == kw {
			return true
		}
	}
	return false
}

// renderTemplate substitutes {{key}} tokens in a prompt template.
func renderTemplate(template string, vars map[string]string) string {
	out := template
	for key, value := range vars {
		out = strings.ReplaceAll(out, "{{"+key+"}}", value)
	}
	return out
}

func at(s []string, i int) string {
	if i < len(s) {
		return s[i]
	}
	return ""
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
