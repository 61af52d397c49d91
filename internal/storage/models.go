// Package storage provides database models and stores for the matching engine.
package storage

import (
	"time"
)

// LetterStatus represents the processing state of a letter.
type LetterStatus string

const (
	LetterStatusPending    LetterStatus = "pending"
	LetterStatusProcessing LetterStatus = "processing"
	LetterStatusCompleted  LetterStatus = "completed"
	LetterStatusFailed     LetterStatus = "failed"
	LetterStatusSkipped    LetterStatus = "skipped"
	LetterStatusDuplicate  LetterStatus = "duplicate"
)

// MatchType tags how a letter-to-catalog link was produced.
const (
	MatchTypeFinalLLMValidated = "final-llm-validated"
)

// Letter represents one processed obsolescence document.
type Letter struct {
	ID                   int64
	DocumentName         string
	SourceFilePath       string
	FileSize             int64
	ContentHash          string
	ProcessingMethod     string
	ProcessingDurationMS int64
	ExtractionConfidence float64
	RawGrokJSON          string  // extractor response, preserved verbatim
	OCRText              *string // optional supplementary text capture
	ProcessingSteps      string  // opaque JSON trace
	ValidationDetails    string  // opaque JSON: reranker decision record
	Status               LetterStatus
	CreatedAt            time.Time
}

// LetterSummary is the projection returned by identity lookups.
type LetterSummary struct {
	ID                   int64
	Status               LetterStatus
	ProcessingDurationMS int64
	ExtractionConfidence float64
	ValidationDetails    string
	CreatedAt            time.Time
}

// LetterProduct is a product range the extractor says the letter is about.
type LetterProduct struct {
	ID                     int64
	LetterID               int64
	ProductIdentifier      string
	RangeLabel             string
	SubrangeLabel          string
	ProductLine            string // PSIBS / PPIBS / DPIBS / SPIBS
	ProductDescription     string
	ObsolescenceStatus     string
	EndOfServiceDate       string
	ReplacementSuggestions string
	Confidence             float64
}

// LetterProductMatch is a validated link from a letter to one catalog row.
// The catalog reference is deliberately weak: the products table is managed
// by an external process and may evolve independently.
type LetterProductMatch struct {
	ID                int64
	LetterID          int64
	LetterProductID   *int64
	ProductIdentifier string
	Confidence        float64
	MatchReason       string
	TechnicalScore    float64
	NomenclatureScore float64
	ProductLineScore  float64
	MatchType         string
	RangeBased        bool
}

// CatalogRow is one row of the read-only product master table. Owned by the
// catalog store; never leaked past its boundary as a live DB handle.
type CatalogRow struct {
	ProductIdentifier  string
	ProductType        string
	ProductDescription string
	BrandCode          string
	BrandLabel         string
	RangeCode          string
	RangeLabel         string
	SubrangeCode       string
	SubrangeLabel      string
	DeviceTypeLabel    string
	PLServices         string
	CommercialStatus   string
}

// LLMCall records one invocation attempt of the external model. Append-only;
// rows outlive their parent letter if the letter write later fails.
type LLMCall struct {
	CallID           string // uuid
	LetterID         *int64
	Operation        string // extract or rerank
	Model            string
	BaseURL          string
	SystemPromptHash string
	UserPromptHash   string
	PromptVersion    string
	PromptTemplate   string
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
	ResponseTimeMS   int64
	RequestedAt      time.Time
	RespondedAt      time.Time
	Success          bool
	Confidence       *float64
	ErrorKind        string
	ErrorMessage     string
	RetryOrdinal     int
	CodeVersion      string
	PromptConfigHash string
	DocumentName     string
	DocumentSize     int64
	InputChars       int
	OutputChars      int
	EstimatedCost    float64
}

// RawContentRecord captures extracted text plus its derived identity. The
// processing signature is the natural key for "have we processed these bytes
// with these prompts already".
type RawContentRecord struct {
	ID                  int64
	ContentHash         string
	LetterID            *int64
	RawText             string
	ContentLength       int
	Encoding            string
	ExtractionMethod    string
	SourcePath          string
	FileSize            int64
	MimeType            string
	PromptVersion       string
	PromptConfigHash    string
	Signature           string
	Status              string
	Processed           bool
	ProcessedAt         *time.Time
	Attempts            int
	QualityScore        float64
	HasTechnicalContent bool
	HasTables           bool
	WordCount           int
	ParagraphCount      int
	LLMCallID           *string
	ExtractorResult     string
	ExtractorConfidence float64
	ProductsExtracted   int
}

// LetterDraft accumulates a letter and its children in memory so they can be
// written in one transaction once all pipeline stages have succeeded.
type LetterDraft struct {
	Letter   Letter
	Products []LetterProduct
	Matches  []MatchDraft
}

// MatchDraft is a LetterProductMatch plus the index of the extracted range it
// belongs to, resolved to a letter_product id during the persist transaction.
type MatchDraft struct {
	Match        LetterProductMatch
	ProductIndex *int
}

// DailyTokenUsage is one row of the token-usage aggregation derived from
// llm_api_calls.
type DailyTokenUsage struct {
	Day              string
	Operation        string
	Calls            int
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	EstimatedCost    float64
}
