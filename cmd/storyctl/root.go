package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"story-graph-server/internal/ai"
	"story-graph-server/internal/config"
	"story-graph-server/internal/database"
	"story-graph-server/internal/generator"
	"story-graph-server/internal/interfaces"
	"story-graph-server/internal/logger"
	"story-graph-server/internal/retry"
	"story-graph-server/internal/schemas"
	"story-graph-server/internal/service"
	pkgdb "story-graph-server/pkg/database"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// RootOptions глобальные флаги storyctl.
type RootOptions struct {
	Verbose bool
}

// NewRootCommand создает корневую команду storyctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "storyctl",
		Short:         "Story graph server tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initLogger(opts.Verbose)
		},
	}
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewPlayCommand(opts))
	cmd.AddCommand(NewProgressCommand(opts))
	cmd.AddCommand(NewSummaryCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))
	return cmd
}

// initLogger настраивает глобальный zerolog для консоли
func initLogger(verbose bool) {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()

	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}

// componentLogger zap-логгер для внутренних компонентов: в CLI они пишут только предупреждения.
func componentLogger(verbose bool) *zap.Logger {
	level := "warn"
	if verbose {
		level = "debug"
	}
	l, err := logger.New(logger.Config{Level: level, Encoding: "console", OutputPath: "stderr"})
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func loadConfig(memory bool) (*config.Config, error) {
	if memory {
		if err := os.Setenv("STORAGE_DRIVER", "memory"); err != nil {
			return nil, err
		}
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func connectDB(ctx context.Context, cfg *config.Config, zl *zap.Logger) (*pgxpool.Pool, error) {
	log.Debug().Str("dsn", cfg.GetMaskedDSN()).Msg("connecting to database")
	return pkgdb.Connect(ctx, pkgdb.Config{
		DSN:             cfg.GetDSN(),
		MaskedDSN:       cfg.GetMaskedDSN(),
		MaxConns:        2,
		MaxIdleTime:     cfg.DBIdleTimeout,
		ConnectAttempts: 1,
		PingTimeout:     5 * time.Second,
	}, zl)
}

// buildEngine собирает движок по конфигурации. cleanup закрывает подключения.
func buildEngine(ctx context.Context, cfg *config.Config, zl *zap.Logger) (service.StoryEngine, func(), error) {
	cleanup := func() {}

	var engineRepo interfaces.StoryRepository = database.NewMemoryStoryRepository()
	if cfg.StorageDriver == "postgres" {
		pool, err := connectDB(ctx, cfg, zl)
		if err != nil {
			return nil, cleanup, err
		}
		cleanup = pool.Close
		engineRepo = database.NewPgStoryRepository(pool, zl)
	}

	client, err := ai.NewClient(ai.Config{
		ClientType: cfg.AIClientType,
		BaseURL:    cfg.AIBaseURL,
		APIKey:     cfg.AIAPIKey,
		Model:      cfg.AIModel,
		Timeout:    cfg.AITimeout,
	}, zl)
	if err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("ai client: %w", err)
	}
	prompts, err := generator.DefaultPrompts()
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	gen := generator.New(client, schemas.NewValidator(schemas.WithAllowEndingChoices(cfg.AllowEndingChoice)), prompts, generator.Config{
		MaxAttempts:    cfg.AIMaxAttempts,
		BaseRetryDelay: cfg.AIBaseRetryDelay,
		AttemptTimeout: cfg.AITimeout,
		Temperature:    cfg.AITemperature,
		MaxTokens:      cfg.AIMaxTokens,
		MaxConcurrency: cfg.AIMaxConcurrency,
	}, zl)

	engine := service.NewStoryEngine(engineRepo, gen, nil, service.Config{
		StorageTimeout:         cfg.StorageTimeout,
		StorageRetry:           retry.Policy{MaxAttempts: cfg.StorageMaxAttempts, BaseDelay: cfg.StorageBaseRetryDelay},
		LinkMaxAttempts:        cfg.LinkMaxAttempts,
		MaterializationTimeout: cfg.MaterializationTimeout,
		HistoryDepth:           cfg.AIHistoryDepth,
		LockWaitTimeout:        cfg.LockWaitTimeout,
	}, zl)
	return engine, cleanup, nil
}
