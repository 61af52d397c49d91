// Package commands implements the obsomatch CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/gridline-ai/obsomatch/cmd/obsomatch/ui"
	"github.com/gridline-ai/obsomatch/internal/artifacts"
	"github.com/gridline-ai/obsomatch/internal/cache"
	"github.com/gridline-ai/obsomatch/internal/config"
	"github.com/gridline-ai/obsomatch/internal/llm"
	"github.com/gridline-ai/obsomatch/internal/observability"
	"github.com/gridline-ai/obsomatch/internal/pipeline"
	"github.com/gridline-ai/obsomatch/internal/storage"
)

// version is stamped at build time via -ldflags.
var version = "0.1.0"

var (
	cfgFile string
	verbose bool
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "obsomatch",
	Short: "Obsolescence letter to catalog matching engine",
	Long: `obsomatch processes manufacturer obsolescence letters: it extracts the
announced product ranges with an LLM, discovers candidate products in the
catalog, validates the matches with a second LLM pass and persists the
results with full call-level observability.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
		ui.InitUI(noColor, verbose)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// runtime bundles the wired components a command needs.
type runtime struct {
	cfg     *config.Config
	logger  *observability.Logger
	letters *storage.LetterStore
	catalog *storage.CatalogStore
	orch    *pipeline.Orchestrator
	closers []func() error
}

// close releases connections in reverse wiring order.
func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		_ = rt.closers[i]()
	}
}

// buildRuntime loads config and wires stores, cache, model client and the
// pipeline. withOrchestrator skips the model wiring for read-only commands.
func buildRuntime(ctx context.Context, withOrchestrator bool) (*runtime, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	logLevel := cfg.Observability.LogLevel
	if verbose {
		logLevel = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:       logLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: "obsomatch",
	})

	rt := &runtime{cfg: cfg, logger: logger}

	lettersDB, err := storage.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open letter database: %w", err)
	}
	rt.closers = append(rt.closers, lettersDB.Close)
	rt.letters = storage.NewLetterStore(lettersDB, cfg.Database.Driver, logger)

	if err := rt.letters.Migrate(ctx); err != nil {
		rt.close()
		return nil, fmt.Errorf("migrate letter database: %w", err)
	}

	catalogDB, err := storage.Open(cfg.Catalog)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("open catalog database: %w", err)
	}
	rt.closers = append(rt.closers, catalogDB.Close)

	var cacheClient cache.Client
	if cfg.Cache.Driver == "redis" {
		cacheClient, err = cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
		})
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		rt.closers = append(rt.closers, cacheClient.Close)
	} else {
		cacheClient = cache.NewMemoryClient(cfg.Cache.MaxEntries)
	}

	rt.catalog = storage.NewCatalogStore(catalogDB, cacheClient, cfg.Cache.TTL, logger)

	if !withOrchestrator {
		return rt, nil
	}

	promptConfigHash, err := pipeline.PromptConfigHash(cfg)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("hash prompt config: %w", err)
	}

	client := llm.NewClient(llm.Config{
		BaseURL:          cfg.LLM.BaseURL,
		APIKey:           cfg.LLM.APIKey,
		Model:            cfg.LLM.Model,
		Temperature:      cfg.LLM.Temperature,
		MaxTokens:        cfg.LLM.MaxTokens,
		RequestTimeout:   cfg.LLM.RequestTimeout,
		MaxRetries:       cfg.LLM.MaxRetries,
		CostPer1KTokens:  cfg.LLM.CostPer1KTokens,
		CodeVersion:      version,
		PromptConfigHash: promptConfigHash,
	}, rt.letters, logger)

	rt.orch, err = pipeline.NewOrchestrator(
		rt.letters,
		pipeline.NewExtractor(client, cfg.Prompts, logger),
		pipeline.NewDiscoverer(rt.catalog, cfg.Pipeline.CandidateLimit, logger),
		pipeline.NewReranker(client, cfg.Prompts, logger),
		artifacts.NewWriter(cfg.Output, logger),
		cfg,
		logger,
	)
	if err != nil {
		rt.close()
		return nil, err
	}

	return rt, nil
}
