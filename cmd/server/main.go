package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"story-graph-server/internal/ai"
	"story-graph-server/internal/config"
	"story-graph-server/internal/database"
	"story-graph-server/internal/generator"
	"story-graph-server/internal/handler"
	"story-graph-server/internal/interfaces"
	"story-graph-server/internal/lock"
	"story-graph-server/internal/logger"
	"story-graph-server/internal/messaging"
	"story-graph-server/internal/observability"
	"story-graph-server/internal/retry"
	"story-graph-server/internal/schemas"
	"story-graph-server/internal/service"
	"story-graph-server/internal/worker"
	pkgdb "story-graph-server/pkg/database"
	"story-graph-server/pkg/migration"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// Загрузка переменных окружения (.env не обязателен в production)
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: could not load .env file: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	zapLogger, err := logger.New(logger.Config{Level: cfg.LogLevel, Encoding: cfg.LogEncoding})
	if err != nil {
		log.Fatalf("Ошибка инициализации логгера: %v", err)
	}
	defer func() { _ = zapLogger.Sync() }()
	zapLogger.Info("Logger initialized", zap.String("level", cfg.LogLevel), zap.String("env", cfg.Environment))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := observability.InitOTel(ctx, zapLogger, observability.OtelConfig{
		Enabled:     cfg.OtelEnabled,
		ServiceName: cfg.OtelServiceName,
		Environment: cfg.Environment,
		Version:     cfg.ServiceVersion,
		Endpoint:    cfg.OtelEndpoint,
		Insecure:    cfg.OtelInsecure,
		SampleRatio: cfg.OtelSampleRatio,
	})

	// --- Хранилище ---
	storyRepo, jobRepo, dbPool := initStorage(ctx, cfg, zapLogger)
	if dbPool != nil {
		defer dbPool.Close()
	}

	// --- Блокировка материализации (Redis) ---
	var locker interfaces.Locker = lock.NoopLocker{}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			zapLogger.Warn("Redis недоступен, межинстансная блокировка выключена", zap.String("addr", cfg.RedisAddr), zap.Error(err))
			_ = rdb.Close()
		} else {
			locker = lock.NewRedisLocker(rdb, zapLogger)
			defer func() { _ = rdb.Close() }()
			zapLogger.Info("Redis locker enabled", zap.String("addr", cfg.RedisAddr))
		}
		cancel()
	}

	// --- Генерация ---
	aiClient, err := ai.NewClient(ai.Config{
		ClientType: cfg.AIClientType,
		BaseURL:    cfg.AIBaseURL,
		APIKey:     cfg.AIAPIKey,
		Model:      cfg.AIModel,
		Timeout:    cfg.AITimeout,
	}, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create AI client", zap.Error(err))
	}
	prompts, err := generator.DefaultPrompts()
	if err != nil {
		zapLogger.Fatal("Failed to load prompt catalogue", zap.Error(err))
	}
	nodeGenerator := generator.New(aiClient,
		schemas.NewValidator(schemas.WithAllowEndingChoices(cfg.AllowEndingChoice)),
		prompts,
		generator.Config{
			MaxAttempts:    cfg.AIMaxAttempts,
			BaseRetryDelay: cfg.AIBaseRetryDelay,
			AttemptTimeout: cfg.AITimeout,
			Temperature:    cfg.AITemperature,
			MaxTokens:      cfg.AIMaxTokens,
			MaxConcurrency: cfg.AIMaxConcurrency,
		}, zapLogger)

	engine := service.NewStoryEngine(storyRepo, nodeGenerator, locker, service.Config{
		StorageTimeout:         cfg.StorageTimeout,
		StorageRetry:           retry.Policy{MaxAttempts: cfg.StorageMaxAttempts, BaseDelay: cfg.StorageBaseRetryDelay},
		LinkMaxAttempts:        cfg.LinkMaxAttempts,
		MaterializationTimeout: cfg.MaterializationTimeout,
		HistoryDepth:           cfg.AIHistoryDepth,
		LockWaitTimeout:        cfg.LockWaitTimeout,
	}, zapLogger)

	// --- Асинхронная генерация (RabbitMQ) ---
	var publisher interfaces.TaskPublisher
	var consumer *messaging.GenerationTaskConsumer
	if cfg.RabbitMQURL != "" {
		rabbitConn, err := connectRabbitMQ(cfg.RabbitMQURL, zapLogger)
		if err != nil {
			zapLogger.Fatal("Не удалось подключиться к RabbitMQ", zap.Error(err))
		}
		defer rabbitConn.Close()

		taskPublisher, err := messaging.NewRabbitMQTaskPublisher(rabbitConn, cfg.GenerationTaskQueue, zapLogger)
		if err != nil {
			zapLogger.Fatal("Failed to create task publisher", zap.Error(err))
		}
		defer func() { _ = taskPublisher.Close() }()
		publisher = taskPublisher

		taskHandler := worker.NewTaskHandler(engine, jobRepo, zapLogger)
		consumer = messaging.NewGenerationTaskConsumer(rabbitConn, taskHandler, cfg.GenerationTaskQueue, cfg.WorkerConcurrency, zapLogger)
		if err := consumer.Start(ctx); err != nil {
			zapLogger.Fatal("Failed to start generation task consumer", zap.Error(err))
		}
	} else {
		zapLogger.Info("RABBITMQ_URL не задан, асинхронная генерация выключена")
	}
	jobService := service.NewGenerationJobService(jobRepo, publisher, engine, zapLogger)

	// --- HTTP ---
	if cfg.JWTSecret == "" {
		zapLogger.Fatal("JWT_SECRET is required")
	}
	e := handler.NewEcho(handler.NewStoryHandler(engine, jobService, cfg.JWTSecret, zapLogger), zapLogger)

	go func() {
		addr := ":" + cfg.Port
		zapLogger.Info("Starting HTTP server", zap.String("address", addr))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zapLogger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if consumer != nil {
		consumer.Stop()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		zapLogger.Warn("Tracer provider shutdown failed", zap.Error(err))
	}
	zapLogger.Info("Server stopped gracefully")
}

// initStorage выбирает реализацию репозиториев по STORAGE_DRIVER.
func initStorage(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) (interfaces.StoryRepository, interfaces.GenerationJobRepository, *pgxpool.Pool) {
	if cfg.StorageDriver == "memory" {
		zapLogger.Warn("Using in-memory storage: data is lost on restart")
		return database.NewMemoryStoryRepository(), database.NewMemoryGenerationJobRepository(), nil
	}

	pool, err := pkgdb.Connect(ctx, pkgdb.Config{
		DSN:             cfg.GetDSN(),
		MaskedDSN:       cfg.GetMaskedDSN(),
		MaxConns:        int32(cfg.DBMaxConns),
		MaxIdleTime:     cfg.DBIdleTimeout,
		ConnectAttempts: 5,
		RetryDelay:      3 * time.Second,
		PingTimeout:     5 * time.Second,
	}, zapLogger)
	if err != nil {
		zapLogger.Fatal("Не удалось подключиться к базе данных", zap.Error(err))
	}

	if cfg.AutoMigrate {
		migrator := migration.NewMigrator(pool, migration.Source{FS: database.MigrationsFS, Dir: database.MigrationsDir})
		if err := migrator.Up(ctx); err != nil {
			pool.Close()
			zapLogger.Fatal("Failed to apply migrations", zap.Error(err))
		}
	}

	return database.NewPgStoryRepository(pool, zapLogger), database.NewPgGenerationJobRepository(pool, zapLogger), pool
}

// connectRabbitMQ пытается подключиться к RabbitMQ с несколькими попытками
func connectRabbitMQ(url string, zapLogger *zap.Logger) (*amqp.Connection, error) {
	const maxRetries = 5
	const retryDelay = 5 * time.Second

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			zapLogger.Info("Successfully connected to RabbitMQ")
			return conn, nil
		}
		lastErr = err
		zapLogger.Warn("Failed to connect to RabbitMQ, retrying...",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", maxRetries),
			zap.Duration("delay", retryDelay),
			zap.Error(err),
		)
		time.Sleep(retryDelay)
	}
	return nil, fmt.Errorf("rabbitmq: не удалось подключиться после %d попыток: %w", maxRetries, lastErr)
}
