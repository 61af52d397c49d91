// Package config provides unified configuration loading for the matching engine.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the matching engine.
type Config struct {
	Database      DatabaseConfig      `yaml:"database"`
	Catalog       DatabaseConfig      `yaml:"catalog"`
	LLM           LLMConfig           `yaml:"llm"`
	Prompts       PromptConfig        `yaml:"prompts"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Cache         CacheConfig         `yaml:"cache"`
	Output        OutputConfig        `yaml:"output"`
	Server        ServerConfig        `yaml:"server"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// DatabaseConfig holds database connection settings. The same shape serves
// both the letter database and the read-only catalog database.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	JournalMode  string `yaml:"journal_mode"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// LLMConfig holds settings for the external model endpoint.
type LLMConfig struct {
	BaseURL         string        `yaml:"base_url"`
	APIKey          string        `yaml:"api_key"`
	Model           string        `yaml:"model"`
	Temperature     float64       `yaml:"temperature"`
	MaxTokens       int           `yaml:"max_tokens"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	CostPer1KTokens float64       `yaml:"cost_per_1k_tokens"`
}

// PromptTemplate is one named prompt pair. The user template may contain
// {{document_name}}, {{extracted_json}} and {{candidates_json}} tokens.
type PromptTemplate struct {
	Name   string `yaml:"name" json:"name"`
	System string `yaml:"system" json:"system"`
	User   string `yaml:"user" json:"user"`
}

// PromptConfig holds the active prompt templates and their version tag.
// Its canonical hash, combined with the model tunables, distinguishes
// "same bytes, different prompts" runs.
type PromptConfig struct {
	Version string         `yaml:"version" json:"version"`
	Extract PromptTemplate `yaml:"extract" json:"extract"`
	Rerank  PromptTemplate `yaml:"rerank" json:"rerank"`
}

// PipelineConfig holds pipeline orchestration settings.
type PipelineConfig struct {
	CandidateLimit   int    `yaml:"candidate_limit"`
	MaxConcurrent    int    `yaml:"max_concurrent"`
	ProcessingMethod string `yaml:"processing_method"`
}

// CacheConfig holds discovery-cache settings.
type CacheConfig struct {
	Driver     string        `yaml:"driver"` // memory or redis
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// OutputConfig holds JSON artifact bundle settings.
type OutputConfig struct {
	Root           string `yaml:"root"`
	RetainVersions int    `yaml:"retain_versions"`
	RetainDays     int    `yaml:"retain_days"`
}

// ServerConfig holds ops HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:         "/tmp/obsomatch.db",
				MaxOpenConns: 1,
				JournalMode:  "WAL",
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Catalog: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:         "/tmp/obsomatch-catalog.db",
				MaxOpenConns: 4,
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    2,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		LLM: LLMConfig{
			BaseURL:         "https://openrouter.ai/api/v1",
			Model:           "x-ai/grok-4",
			Temperature:     0.1,
			MaxTokens:       8192,
			RequestTimeout:  30 * time.Second,
			MaxRetries:      3,
			CostPer1KTokens: 0.005,
		},
		Prompts:  DefaultPrompts(),
		Pipeline: PipelineConfig{
			CandidateLimit:   1000,
			MaxConcurrent:    2,
			ProcessingMethod: "pipeline-v2.3",
		},
		Cache: CacheConfig{
			Driver:     "memory",
			TTL:        5 * time.Minute,
			MaxEntries: 10000,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
			},
		},
		Output: OutputConfig{
			Root:           "/tmp/obsomatch-output",
			RetainVersions: 10,
			RetainDays:     30,
		},
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8086,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// DefaultPrompts returns the built-in prompt templates. Production
// deployments override these from the config file; the version tag must be
// bumped whenever the templates change.
func DefaultPrompts() PromptConfig {
	return PromptConfig{
		Version: "v2.3",
		Extract: PromptTemplate{
			Name: "obsolescence_extract",
			System: "You are an expert at reading industrial obsolescence announcement letters. " +
				"Extract structured metadata and respond with ONLY a valid JSON object, no markdown fences, " +
				"matching this schema: {\"document_information\":{\"document_type\":string,\"document_title\":string}," +
				"\"product_identification\":{\"ranges\":[string],\"descriptions\":[string],\"product_types\":[string]}," +
				"\"extraction_confidence\":number}",
			User: "Extract the obsolescence metadata from the attached document {{document_name}}. " +
				"List every product range the letter announces as obsolete, with a short description " +
				"and product type for each. Report your overall extraction_confidence between 0 and 1.",
		},
		Rerank: PromptTemplate{
			Name: "candidate_rerank",
			System: "You validate links between an obsolescence letter and catalog products. " +
				"You are given the extracted letter metadata and a list of candidate catalog rows. " +
				"Approve only candidates the letter clearly covers. Respond with ONLY a valid JSON object: " +
				"{\"validated_products\":[{\"product_identifier\":string,\"range_label\":string," +
				"\"confidence\":number,\"validation_reason\":string}],\"validation_confidence\":number," +
				"\"validation_errors\":[string]}. Every product_identifier MUST come from the candidate list.",
			User: "Letter metadata:\n{{extracted_json}}\n\nCandidate catalog rows:\n{{candidates_json}}\n\n" +
				"Return the validated matches.",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	for _, db := range []struct {
		name string
		cfg  DatabaseConfig
	}{{"database", c.Database}, {"catalog", c.Catalog}} {
		if db.cfg.Driver != "sqlite" && db.cfg.Driver != "postgres" {
			return fmt.Errorf("invalid %s driver: %s", db.name, db.cfg.Driver)
		}
	}

	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}

	if c.LLM.MaxRetries < 1 {
		return fmt.Errorf("llm max_retries must be at least 1")
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		return fmt.Errorf("llm temperature must be between 0 and 1")
	}

	if c.Pipeline.CandidateLimit < 1 {
		return fmt.Errorf("candidate_limit must be positive")
	}

	if c.Pipeline.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be positive")
	}

	if c.Output.RetainVersions < 1 {
		return fmt.Errorf("retain_versions must be positive")
	}

	if c.Prompts.Version == "" {
		return fmt.Errorf("prompts version must be set")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	return nil
}

// DatabaseDSN returns the letter database connection string.
func (c *Config) DatabaseDSN() string {
	return dsnFor(c.Database)
}

// CatalogDSN returns the catalog database connection string.
func (c *Config) CatalogDSN() string {
	return dsnFor(c.Catalog)
}

func dsnFor(db DatabaseConfig) string {
	if db.Driver == "sqlite" {
		return db.SQLite.Path
	}
	return db.Postgres.DSN
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		applyDatabaseURL(&cfg.Database, v)
	}

	if v := os.Getenv("CATALOG_DATABASE_URL"); v != "" {
		applyDatabaseURL(&cfg.Catalog, v)
	}

	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}

	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}

	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}

	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("OUTPUT_ROOT"); v != "" {
		cfg.Output.Root = v
	}

	if v := os.Getenv("SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}

func applyDatabaseURL(db *DatabaseConfig, url string) {
	if strings.HasPrefix(url, "sqlite:") {
		db.Driver = "sqlite"
		db.SQLite.Path = strings.TrimPrefix(url, "sqlite:")
	} else if strings.HasPrefix(url, "postgres") {
		db.Driver = "postgres"
		db.Postgres.DSN = url
	}
}
