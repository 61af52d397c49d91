package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gridline-ai/obsomatch/internal/observability"
)

// LetterStore owns all persistent mutation of letters, extracted ranges,
// validated matches, LLM call records and raw content records.
type LetterStore struct {
	db     *sql.DB
	driver string
	logger *observability.Logger
}

// NewLetterStore creates a letter store on an open connection.
func NewLetterStore(db *sql.DB, driver string, logger *observability.Logger) *LetterStore {
	return &LetterStore{db: db, driver: driver, logger: logger}
}

// Migrate applies the letter-side schema.
func (s *LetterStore) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.db, s.driver)
}

// Healthcheck verifies the connection is alive.
func (s *LetterStore) Healthcheck(ctx context.Context) error {
	var one int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

// FindByIdentity returns the most recent letter matching the content hash or
// source path. Used by the orchestrator's skip gate.
func (s *LetterStore) FindByIdentity(ctx context.Context, contentHash, sourcePath string) (*LetterSummary, error) {
	query := `
		SELECT id, status, processing_duration_ms, extraction_confidence, validation_details, created_at
		FROM letters
		WHERE content_hash = $1 OR source_file_path = $2
		ORDER BY id DESC
		LIMIT 1
	`
	summary := &LetterSummary{}
	err := s.db.QueryRowContext(ctx, query, contentHash, sourcePath).Scan(
		&summary.ID, &summary.Status, &summary.ProcessingDurationMS,
		&summary.ExtractionConfidence, &summary.ValidationDetails, &summary.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return summary, err
}

// HasBeenProcessed looks up the raw content record by its processing
// signature and prompt version. This is the natural-key check for "same
// bytes, same prompts".
func (s *LetterStore) HasBeenProcessed(ctx context.Context, signature, promptVersion string) (*RawContentRecord, error) {
	query := `
		SELECT id, content_hash, letter_id, signature, prompt_version, prompt_config_hash,
			status, processed, processed_at, attempts, extractor_confidence, products_extracted
		FROM letter_raw_content
		WHERE signature = $1 AND prompt_version = $2 AND processed = TRUE
		ORDER BY id DESC
		LIMIT 1
	`
	rec := &RawContentRecord{}
	err := s.db.QueryRowContext(ctx, query, signature, promptVersion).Scan(
		&rec.ID, &rec.ContentHash, &rec.LetterID, &rec.Signature, &rec.PromptVersion,
		&rec.PromptConfigHash, &rec.Status, &rec.Processed, &rec.ProcessedAt,
		&rec.Attempts, &rec.ExtractorConfidence, &rec.ProductsExtracted,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// DeleteLetter removes a letter and, via cascade, its products and matches.
// Used when force_reprocess is requested.
func (s *LetterStore) DeleteLetter(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM letters WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CountLettersByHash returns the number of letter rows for a content hash.
func (s *LetterStore) CountLettersByHash(ctx context.Context, contentHash string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM letters WHERE content_hash = $1`, contentHash).Scan(&n)
	return n, err
}

// PersistLetter writes a letter draft and all its children in one
// transaction. Any failure rolls back the whole letter. Returns the new
// letter id.
func (s *LetterStore) PersistLetter(ctx context.Context, draft *LetterDraft) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	letter := draft.Letter
	if letter.CreatedAt.IsZero() {
		letter.CreatedAt = time.Now().UTC()
	}

	var letterID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO letters (document_name, source_file_path, file_size, content_hash,
			processing_method, processing_duration_ms, extraction_confidence, raw_grok_json,
			ocr_text, processing_steps, validation_details, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`,
		letter.DocumentName, letter.SourceFilePath, letter.FileSize, letter.ContentHash,
		letter.ProcessingMethod, letter.ProcessingDurationMS, letter.ExtractionConfidence,
		letter.RawGrokJSON, letter.OCRText, letter.ProcessingSteps, letter.ValidationDetails,
		letter.Status, letter.CreatedAt,
	).Scan(&letterID)
	if err != nil {
		return 0, fmt.Errorf("insert letter: %w", err)
	}

	productIDs := make([]int64, len(draft.Products))
	for i, product := range draft.Products {
		err = tx.QueryRowContext(ctx, `
			INSERT INTO letter_products (letter_id, product_identifier, range_label,
				subrange_label, product_line, product_description, obsolescence_status,
				end_of_service_date, replacement_suggestions, confidence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id
		`,
			letterID, product.ProductIdentifier, product.RangeLabel, product.SubrangeLabel,
			product.ProductLine, product.ProductDescription, product.ObsolescenceStatus,
			product.EndOfServiceDate, product.ReplacementSuggestions, product.Confidence,
		).Scan(&productIDs[i])
		if err != nil {
			return 0, fmt.Errorf("insert letter product %d: %w", i, err)
		}
	}

	for i, md := range draft.Matches {
		var productID *int64
		if md.ProductIndex != nil && *md.ProductIndex >= 0 && *md.ProductIndex < len(productIDs) {
			productID = &productIDs[*md.ProductIndex]
		}

		m := md.Match
		_, err = tx.ExecContext(ctx, `
			INSERT INTO letter_product_matches (letter_id, letter_product_id,
				product_identifier, confidence, match_reason, technical_score,
				nomenclature_score, product_line_score, match_type, range_based)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			letterID, productID, m.ProductIdentifier, m.Confidence, m.MatchReason,
			m.TechnicalScore, m.NomenclatureScore, m.ProductLineScore, m.MatchType,
			m.RangeBased,
		)
		if err != nil {
			return 0, fmt.Errorf("insert letter product match %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit letter: %w", err)
	}

	return letterID, nil
}

// GetLetter loads a letter by id.
func (s *LetterStore) GetLetter(ctx context.Context, id int64) (*Letter, error) {
	query := `
		SELECT id, document_name, source_file_path, file_size, content_hash,
			processing_method, processing_duration_ms, extraction_confidence, raw_grok_json,
			ocr_text, processing_steps, validation_details, status, created_at
		FROM letters WHERE id = $1
	`
	letter := &Letter{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&letter.ID, &letter.DocumentName, &letter.SourceFilePath, &letter.FileSize,
		&letter.ContentHash, &letter.ProcessingMethod, &letter.ProcessingDurationMS,
		&letter.ExtractionConfidence, &letter.RawGrokJSON, &letter.OCRText,
		&letter.ProcessingSteps, &letter.ValidationDetails, &letter.Status, &letter.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return letter, err
}

// GetLetterProducts loads the extracted ranges for a letter.
func (s *LetterStore) GetLetterProducts(ctx context.Context, letterID int64) ([]*LetterProduct, error) {
	query := `
		SELECT id, letter_id, product_identifier, range_label, subrange_label, product_line,
			product_description, obsolescence_status, end_of_service_date,
			replacement_suggestions, confidence
		FROM letter_products
		WHERE letter_id = $1
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, letterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []*LetterProduct
	for rows.Next() {
		p := &LetterProduct{}
		if err := rows.Scan(
			&p.ID, &p.LetterID, &p.ProductIdentifier, &p.RangeLabel, &p.SubrangeLabel,
			&p.ProductLine, &p.ProductDescription, &p.ObsolescenceStatus,
			&p.EndOfServiceDate, &p.ReplacementSuggestions, &p.Confidence,
		); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// GetLetterMatches loads the validated matches for a letter.
func (s *LetterStore) GetLetterMatches(ctx context.Context, letterID int64) ([]*LetterProductMatch, error) {
	query := `
		SELECT id, letter_id, letter_product_id, product_identifier, confidence,
			match_reason, technical_score, nomenclature_score, product_line_score,
			match_type, range_based
		FROM letter_product_matches
		WHERE letter_id = $1
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, letterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []*LetterProductMatch
	for rows.Next() {
		m := &LetterProductMatch{}
		if err := rows.Scan(
			&m.ID, &m.LetterID, &m.LetterProductID, &m.ProductIdentifier, &m.Confidence,
			&m.MatchReason, &m.TechnicalScore, &m.NomenclatureScore, &m.ProductLineScore,
			&m.MatchType, &m.RangeBased,
		); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// RecordLLMCall appends one observability row. Callers treat failures as
// best-effort: a lost call record never blocks the pipeline.
func (s *LetterStore) RecordLLMCall(ctx context.Context, call *LLMCall) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_api_calls (id, letter_id, operation, model, base_url,
			system_prompt_hash, user_prompt_hash, prompt_version, prompt_template,
			prompt_tokens, completion_tokens, total_tokens, response_time_ms,
			requested_at, responded_at, success, confidence, error_kind, error_message,
			retry_ordinal, code_version, prompt_config_hash, document_name, document_size,
			input_chars, output_chars, estimated_cost)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)
	`,
		call.CallID, call.LetterID, call.Operation, call.Model, call.BaseURL,
		call.SystemPromptHash, call.UserPromptHash, call.PromptVersion, call.PromptTemplate,
		call.PromptTokens, call.CompletionTokens, call.TotalTokens, call.ResponseTimeMS,
		call.RequestedAt, call.RespondedAt, call.Success, call.Confidence, call.ErrorKind,
		call.ErrorMessage, call.RetryOrdinal, call.CodeVersion, call.PromptConfigHash,
		call.DocumentName, call.DocumentSize, call.InputChars, call.OutputChars,
		call.EstimatedCost,
	)
	return err
}

// ListLLMCalls returns the call records for a document name, oldest first.
func (s *LetterStore) ListLLMCalls(ctx context.Context, documentName string) ([]*LLMCall, error) {
	query := `
		SELECT id, letter_id, operation, model, prompt_tokens, completion_tokens,
			total_tokens, response_time_ms, requested_at, responded_at, success,
			confidence, error_kind, error_message, retry_ordinal
		FROM llm_api_calls
		WHERE document_name = $1
		ORDER BY requested_at, retry_ordinal
	`
	rows, err := s.db.QueryContext(ctx, query, documentName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []*LLMCall
	for rows.Next() {
		c := &LLMCall{}
		if err := rows.Scan(
			&c.CallID, &c.LetterID, &c.Operation, &c.Model, &c.PromptTokens,
			&c.CompletionTokens, &c.TotalTokens, &c.ResponseTimeMS, &c.RequestedAt,
			&c.RespondedAt, &c.Success, &c.Confidence, &c.ErrorKind, &c.ErrorMessage,
			&c.RetryOrdinal,
		); err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// StoreRawContent upserts a raw content record on its processing signature.
func (s *LetterStore) StoreRawContent(ctx context.Context, rec *RawContentRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO letter_raw_content (content_hash, letter_id, raw_text, content_length,
			encoding, extraction_method, source_path, file_size, mime_type, prompt_version,
			prompt_config_hash, signature, status, processed, processed_at, attempts,
			quality_score, has_technical_content, has_tables, word_count, paragraph_count,
			llm_call_id, extractor_result, extractor_confidence, products_extracted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25)
		ON CONFLICT (signature) DO UPDATE SET
			letter_id = EXCLUDED.letter_id,
			status = EXCLUDED.status,
			processed = EXCLUDED.processed,
			processed_at = EXCLUDED.processed_at,
			attempts = letter_raw_content.attempts + 1,
			llm_call_id = EXCLUDED.llm_call_id,
			extractor_result = EXCLUDED.extractor_result,
			extractor_confidence = EXCLUDED.extractor_confidence,
			products_extracted = EXCLUDED.products_extracted
	`,
		rec.ContentHash, rec.LetterID, rec.RawText, rec.ContentLength, rec.Encoding,
		rec.ExtractionMethod, rec.SourcePath, rec.FileSize, rec.MimeType, rec.PromptVersion,
		rec.PromptConfigHash, rec.Signature, rec.Status, rec.Processed, rec.ProcessedAt,
		rec.Attempts, rec.QualityScore, rec.HasTechnicalContent, rec.HasTables,
		rec.WordCount, rec.ParagraphCount, rec.LLMCallID, rec.ExtractorResult,
		rec.ExtractorConfidence, rec.ProductsExtracted,
	)
	return err
}

// TokenUsageByDay aggregates llm_api_calls for the last N days, grouped by
// day and operation. Counters for dashboards are derived from here rather
// than a separate metrics pipeline.
func (s *LetterStore) TokenUsageByDay(ctx context.Context, days int) ([]*DailyTokenUsage, error) {
	if days < 1 {
		days = 1
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	dayExpr := "to_char(requested_at, 'YYYY-MM-DD')"
	if s.driver == "sqlite" {
		dayExpr = "date(requested_at)"
	}

	query := fmt.Sprintf(`
		SELECT %s AS day, operation, COUNT(*),
			COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(estimated_cost), 0)
		FROM llm_api_calls
		WHERE requested_at >= $1
		GROUP BY day, operation
		ORDER BY day DESC, operation
	`, dayExpr)

	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var usage []*DailyTokenUsage
	for rows.Next() {
		u := &DailyTokenUsage{}
		if err := rows.Scan(
			&u.Day, &u.Operation, &u.Calls, &u.PromptTokens, &u.CompletionTokens,
			&u.TotalTokens, &u.EstimatedCost,
		); err != nil {
			return nil, err
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}
