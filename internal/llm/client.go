// Package llm provides the client for the external metadata extractor and
// match validator models.
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/gridline-ai/obsomatch/internal/identity"
	"github.com/gridline-ai/obsomatch/internal/observability"
	"github.com/gridline-ai/obsomatch/internal/storage"
)

// Operation tags for call records.
const (
	OperationExtract = "extract"
	OperationRerank  = "rerank"
)

// Error kinds reported on failed attempts.
const (
	ErrKindTransport = "transport_error"
	ErrKindHTTP      = "http_error"
	ErrKindParse     = "parse_error"
	ErrKindCancelled = "cancelled"
)

// jsonRecovery pulls the outermost {...} block out of a response that is not
// directly parseable, e.g. when the model wraps JSON in markdown fences.
var jsonRecovery = regexp.MustCompile(`(?s)\{.*\}`)

// CallRecorder persists one observability row per model invocation attempt.
// Implemented by storage.LetterStore.
type CallRecorder interface {
	RecordLLMCall(ctx context.Context, call *storage.LLMCall) error
}

// Attachment is an optional raw document sent alongside the user prompt.
type Attachment struct {
	Filename string
	MimeType string
	Data     []byte
}

// CallContext carries per-document metadata into the call records.
type CallContext struct {
	LetterID       *int64
	DocumentName   string
	DocumentSize   int64
	PromptTemplate string
	PromptVersion  string
}

// TokenUsage holds token counts from the response envelope. Nil fields mean
// the provider did not report usage.
type TokenUsage struct {
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
}

// Result is the outcome of an invocation. Success=false carries an error
// string instead of raising across the component boundary.
type Result struct {
	Success        bool
	Content        string                 // raw model output, preserved verbatim
	Object         map[string]interface{} // parsed JSON object
	Confidence     float64
	Usage          TokenUsage
	ResponseTimeMS int64
	Attempts       int
	ErrorKind      string
	Error          string
}

// Config holds client settings.
type Config struct {
	BaseURL          string
	APIKey           string
	Model            string
	Temperature      float64
	MaxTokens        int
	RequestTimeout   time.Duration
	MaxRetries       int
	CostPer1KTokens  float64
	CodeVersion      string
	PromptConfigHash string
	// BackoffBase scales the 2^attempt backoff. Defaults to one second.
	BackoffBase time.Duration
}

// Client calls an OpenRouter-compatible chat completions endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	recorder   CallRecorder
	logger     *observability.Logger
}

// NewClient creates a client. The recorder may be nil, in which case call
// records are dropped.
func NewClient(cfg Config, recorder CallRecorder, logger *observability.Logger) *Client {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		recorder:   recorder,
		logger:     logger,
	}
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string or []contentPart
}

type contentPart struct {
	Type string    `json:"type"`
	Text string    `json:"text,omitempty"`
	File *filePart `json:"file,omitempty"`
}

type filePart struct {
	Filename string `json:"filename"`
	FileData string `json:"file_data"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Invoke calls the model with up to MaxRetries attempts, exponential backoff
// between them, and one call record per attempt. The final failure is
// returned as Success=false, never as an error.
func (c *Client) Invoke(ctx context.Context, operation, systemPrompt, userPrompt string, attachment *Attachment, callCtx CallContext) Result {
	body, err := json.Marshal(c.buildRequest(systemPrompt, userPrompt, attachment))
	if err != nil {
		return Result{Success: false, ErrorKind: ErrKindTransport, Error: fmt.Sprintf("marshal request: %v", err)}
	}

	systemHash := identity.TextHash(systemPrompt)
	userHash := identity.TextHash(userPrompt)
	inputChars := len(systemPrompt) + len(userPrompt)

	var last Result
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		requestedAt := time.Now().UTC()
		result := c.attempt(ctx, body)
		result.Attempts = attempt + 1
		respondedAt := time.Now().UTC()
		result.ResponseTimeMS = respondedAt.Sub(requestedAt).Milliseconds()

		c.record(ctx, &storage.LLMCall{
			CallID:           uuid.New().String(),
			LetterID:         callCtx.LetterID,
			Operation:        operation,
			Model:            c.cfg.Model,
			BaseURL:          c.cfg.BaseURL,
			SystemPromptHash: systemHash,
			UserPromptHash:   userHash,
			PromptVersion:    callCtx.PromptVersion,
			PromptTemplate:   callCtx.PromptTemplate,
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
			ResponseTimeMS:   result.ResponseTimeMS,
			RequestedAt:      requestedAt,
			RespondedAt:      respondedAt,
			Success:          result.Success,
			Confidence:       confidencePtr(result),
			ErrorKind:        result.ErrorKind,
			ErrorMessage:     result.Error,
			RetryOrdinal:     attempt,
			CodeVersion:      c.cfg.CodeVersion,
			PromptConfigHash: c.cfg.PromptConfigHash,
			DocumentName:     callCtx.DocumentName,
			DocumentSize:     callCtx.DocumentSize,
			InputChars:       inputChars,
			OutputChars:      len(result.Content),
			EstimatedCost:    c.estimateCost(result.Usage),
		})

		if result.Success {
			return result
		}
		last = result

		if result.ErrorKind == ErrKindCancelled {
			return last
		}

		if attempt < c.cfg.MaxRetries-1 {
			backoff := c.cfg.BackoffBase * (1 << uint(attempt))
			c.logger.Warn().
				Str("operation", operation).
				Int("attempt", attempt+1).
				Int("max_retries", c.cfg.MaxRetries).
				Dur("backoff", backoff).
				Str("error", result.Error).
				Msg("Model call failed, retrying")

			select {
			case <-ctx.Done():
				last.ErrorKind = ErrKindCancelled
				last.Error = ctx.Err().Error()
				return last
			case <-time.After(backoff):
			}
		}
	}

	return last
}

// attempt performs a single bounded request and parses the response.
func (c *Client) attempt(ctx context.Context, body []byte) Result {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{ErrorKind: ErrKindTransport, Error: fmt.Sprintf("create request: %v", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("HTTP-Referer", "https://github.com/gridline-ai/obsomatch")
	req.Header.Set("X-Title", "Obsolescence Letter Matching Engine")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		kind := ErrKindTransport
		if ctx.Err() != nil {
			kind = ErrKindCancelled
		}
		return Result{ErrorKind: kind, Error: fmt.Sprintf("send request: %v", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{ErrorKind: ErrKindTransport, Error: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return Result{ErrorKind: ErrKindHTTP, Error: fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(string(raw), 300))}
	}

	var envelope chatResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Result{ErrorKind: ErrKindParse, Error: fmt.Sprintf("parse envelope: %v", err)}
	}
	if envelope.Error != nil {
		return Result{ErrorKind: ErrKindHTTP, Error: fmt.Sprintf("API error: %s", envelope.Error.Message)}
	}
	if len(envelope.Choices) == 0 {
		return Result{ErrorKind: ErrKindParse, Error: "empty choices in response"}
	}

	content := envelope.Choices[0].Message.Content

	usage := TokenUsage{}
	if envelope.Usage != nil {
		usage.PromptTokens = intPtr(envelope.Usage.PromptTokens)
		usage.CompletionTokens = intPtr(envelope.Usage.CompletionTokens)
		usage.TotalTokens = intPtr(envelope.Usage.TotalTokens)
	}

	object, ok := parseContent(content)
	if !ok {
		return Result{
			Content:   content,
			Usage:     usage,
			ErrorKind: ErrKindParse,
			Error:     "model output is not a JSON object",
		}
	}

	return Result{
		Success:    true,
		Content:    content,
		Object:     object,
		Confidence: probeConfidence(object),
		Usage:      usage,
	}
}

// parseContent tries a direct JSON parse, then a single greedy regex
// recovery of the outermost object.
func parseContent(content string) (map[string]interface{}, bool) {
	var object map[string]interface{}
	if err := json.Unmarshal([]byte(content), &object); err == nil {
		return object, true
	}

	recovered := jsonRecovery.FindString(content)
	if recovered == "" {
		return nil, false
	}
	if err := json.Unmarshal([]byte(recovered), &object); err != nil {
		return nil, false
	}
	return object, true
}

// probeConfidence extracts a confidence value from known response keys.
func probeConfidence(object map[string]interface{}) float64 {
	if v, ok := floatField(object, "extraction_confidence"); ok {
		return v
	}
	if v, ok := floatField(object, "confidence_score"); ok {
		return v
	}
	if meta, ok := object["extraction_metadata"].(map[string]interface{}); ok {
		if v, ok := floatField(meta, "confidence"); ok {
			return v
		}
	}
	return 0.0
}

func floatField(object map[string]interface{}, key string) (float64, bool) {
	v, ok := object[key].(float64)
	return v, ok
}

func (c *Client) buildRequest(systemPrompt, userPrompt string, attachment *Attachment) chatRequest {
	var userContent interface{} = userPrompt
	if attachment != nil {
		dataURL := "data:" + attachment.MimeType + ";base64," +
			base64.StdEncoding.EncodeToString(attachment.Data)
		userContent = []contentPart{
			{Type: "text", Text: userPrompt},
			{Type: "file", File: &filePart{Filename: attachment.Filename, FileData: dataURL}},
		}
	}

	return chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userContent},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
}

// record writes one call row. Failures are logged and swallowed; the
// pipeline never blocks on observability writes.
func (c *Client) record(ctx context.Context, call *storage.LLMCall) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordLLMCall(ctx, call); err != nil {
		c.logger.Warn().Err(err).Str("operation", call.Operation).Msg("Failed to record model call")
	}
}

func (c *Client) estimateCost(usage TokenUsage) float64 {
	if usage.TotalTokens == nil {
		return 0
	}
	return float64(*usage.TotalTokens) / 1000.0 * c.cfg.CostPer1KTokens
}

func confidencePtr(r Result) *float64 {
	if !r.Success {
		return nil
	}
	v := r.Confidence
	return &v
}

func intPtr(v int) *int {
	return &v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
