package storage

import (
	"context"
	"fmt"
)

// Migrate creates the letter-side tables if they do not exist. The catalog
// products table is managed by an external process and is not touched here.
func Migrate(ctx context.Context, db DB, driver string) error {
	idCol, err := autoIncrementColumn(driver)
	if err != nil {
		return err
	}

	stmts := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS letters (
				id %s,
				document_name TEXT NOT NULL,
				source_file_path TEXT NOT NULL,
				file_size BIGINT NOT NULL DEFAULT 0,
				content_hash TEXT NOT NULL,
				processing_method TEXT NOT NULL DEFAULT '',
				processing_duration_ms BIGINT NOT NULL DEFAULT 0,
				extraction_confidence DOUBLE PRECISION NOT NULL DEFAULT 0
					CHECK (extraction_confidence >= 0 AND extraction_confidence <= 1),
				raw_grok_json TEXT NOT NULL DEFAULT '',
				ocr_text TEXT,
				processing_steps TEXT NOT NULL DEFAULT '',
				validation_details TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'pending',
				created_at TIMESTAMP NOT NULL
			)`, idCol),
		`CREATE INDEX IF NOT EXISTS idx_letters_content_hash ON letters (content_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_letters_source_path ON letters (source_file_path)`,

		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS letter_products (
				id %s,
				letter_id BIGINT NOT NULL REFERENCES letters (id) ON DELETE CASCADE,
				product_identifier TEXT NOT NULL DEFAULT '',
				range_label TEXT NOT NULL DEFAULT '',
				subrange_label TEXT NOT NULL DEFAULT '',
				product_line TEXT NOT NULL DEFAULT '',
				product_description TEXT NOT NULL DEFAULT '',
				obsolescence_status TEXT NOT NULL DEFAULT '',
				end_of_service_date TEXT NOT NULL DEFAULT '',
				replacement_suggestions TEXT NOT NULL DEFAULT '',
				confidence DOUBLE PRECISION NOT NULL DEFAULT 0
					CHECK (confidence >= 0 AND confidence <= 1)
			)`, idCol),
		`CREATE INDEX IF NOT EXISTS idx_letter_products_letter ON letter_products (letter_id)`,

		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS letter_product_matches (
				id %s,
				letter_id BIGINT NOT NULL REFERENCES letters (id) ON DELETE CASCADE,
				letter_product_id BIGINT REFERENCES letter_products (id) ON DELETE CASCADE,
				product_identifier TEXT NOT NULL,
				confidence DOUBLE PRECISION NOT NULL DEFAULT 0
					CHECK (confidence >= 0 AND confidence <= 1),
				match_reason TEXT NOT NULL DEFAULT '',
				technical_score DOUBLE PRECISION NOT NULL DEFAULT 0,
				nomenclature_score DOUBLE PRECISION NOT NULL DEFAULT 0,
				product_line_score DOUBLE PRECISION NOT NULL DEFAULT 0,
				match_type TEXT NOT NULL DEFAULT '',
				range_based BOOLEAN NOT NULL DEFAULT FALSE
			)`, idCol),
		`CREATE INDEX IF NOT EXISTS idx_letter_matches_letter ON letter_product_matches (letter_id)`,

		`CREATE TABLE IF NOT EXISTS llm_api_calls (
				id TEXT PRIMARY KEY,
				letter_id BIGINT,
				operation TEXT NOT NULL,
				model TEXT NOT NULL DEFAULT '',
				base_url TEXT NOT NULL DEFAULT '',
				system_prompt_hash TEXT NOT NULL DEFAULT '',
				user_prompt_hash TEXT NOT NULL DEFAULT '',
				prompt_version TEXT NOT NULL DEFAULT '',
				prompt_template TEXT NOT NULL DEFAULT '',
				prompt_tokens BIGINT,
				completion_tokens BIGINT,
				total_tokens BIGINT,
				response_time_ms BIGINT NOT NULL DEFAULT 0,
				requested_at TIMESTAMP NOT NULL,
				responded_at TIMESTAMP NOT NULL,
				success BOOLEAN NOT NULL DEFAULT FALSE,
				confidence DOUBLE PRECISION,
				error_kind TEXT NOT NULL DEFAULT '',
				error_message TEXT NOT NULL DEFAULT '',
				retry_ordinal BIGINT NOT NULL DEFAULT 0,
				code_version TEXT NOT NULL DEFAULT '',
				prompt_config_hash TEXT NOT NULL DEFAULT '',
				document_name TEXT NOT NULL DEFAULT '',
				document_size BIGINT NOT NULL DEFAULT 0,
				input_chars BIGINT NOT NULL DEFAULT 0,
				output_chars BIGINT NOT NULL DEFAULT 0,
				estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0
			)`,
		`CREATE INDEX IF NOT EXISTS idx_llm_calls_requested_at ON llm_api_calls (requested_at)`,
		`CREATE INDEX IF NOT EXISTS idx_llm_calls_operation ON llm_api_calls (operation)`,

		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS letter_raw_content (
				id %s,
				content_hash TEXT NOT NULL,
				letter_id BIGINT,
				raw_text TEXT NOT NULL DEFAULT '',
				content_length BIGINT NOT NULL DEFAULT 0,
				encoding TEXT NOT NULL DEFAULT 'utf-8',
				extraction_method TEXT NOT NULL DEFAULT '',
				source_path TEXT NOT NULL DEFAULT '',
				file_size BIGINT NOT NULL DEFAULT 0,
				mime_type TEXT NOT NULL DEFAULT '',
				prompt_version TEXT NOT NULL DEFAULT '',
				prompt_config_hash TEXT NOT NULL DEFAULT '',
				signature TEXT NOT NULL UNIQUE,
				status TEXT NOT NULL DEFAULT '',
				processed BOOLEAN NOT NULL DEFAULT FALSE,
				processed_at TIMESTAMP,
				attempts BIGINT NOT NULL DEFAULT 0,
				quality_score DOUBLE PRECISION NOT NULL DEFAULT 0,
				has_technical_content BOOLEAN NOT NULL DEFAULT FALSE,
				has_tables BOOLEAN NOT NULL DEFAULT FALSE,
				word_count BIGINT NOT NULL DEFAULT 0,
				paragraph_count BIGINT NOT NULL DEFAULT 0,
				llm_call_id TEXT,
				extractor_result TEXT NOT NULL DEFAULT '',
				extractor_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
				products_extracted BIGINT NOT NULL DEFAULT 0
			)`, idCol),
		`CREATE INDEX IF NOT EXISTS idx_raw_content_hash ON letter_raw_content (content_hash)`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}

	return nil
}

func autoIncrementColumn(driver string) (string, error) {
	switch driver {
	case "sqlite":
		return "INTEGER PRIMARY KEY AUTOINCREMENT", nil
	case "postgres":
		return "BIGSERIAL PRIMARY KEY", nil
	default:
		return "", fmt.Errorf("unsupported database driver: %s", driver)
	}
}
