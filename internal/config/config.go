package config

import (
	"fmt"
	"log"
	"time"

	"story-graph-server/internal/utils"

	"github.com/kelseyhightower/envconfig"
)

// Config содержит конфигурацию Story Graph Server
type Config struct {
	// Настройки сервера
	Port        string `envconfig:"SERVER_PORT" default:"8080"`
	Environment string `envconfig:"ENV" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogEncoding string `envconfig:"LOG_ENCODING" default:"json"`

	// Хранилище: postgres или memory (memory только для локальной игры и тестов)
	StorageDriver string `envconfig:"STORAGE_DRIVER" default:"postgres"`

	// Настройки PostgreSQL
	DBHost        string        `envconfig:"DB_HOST" default:"localhost"`
	DBPort        string        `envconfig:"DB_PORT" default:"5432"`
	DBUser        string        `envconfig:"DB_USER" default:"postgres"`
	DBName        string        `envconfig:"DB_NAME" default:"story_graph"`
	DBSSLMode     string        `envconfig:"DB_SSL_MODE" default:"disable"`
	DBMaxConns    int           `envconfig:"DB_MAX_CONNECTIONS" default:"10"`
	DBIdleTimeout time.Duration `envconfig:"DB_MAX_IDLE_MINUTES" default:"5m"`
	AutoMigrate   bool          `envconfig:"DB_AUTO_MIGRATE" default:"true"`
	// Секрет: файл /run/secrets/db_password или DB_PASSWORD
	DBPassword string `envconfig:"DB_PASSWORD"`

	// Настройки AI
	AIClientType      string        `envconfig:"AI_CLIENT_TYPE" default:"openai"` // openai | ollama
	AIBaseURL         string        `envconfig:"AI_BASE_URL" default:"https://api.openai.com/v1"`
	AIModel           string        `envconfig:"AI_MODEL" default:"gpt-4o-mini"`
	AITemperature     float64       `envconfig:"AI_TEMPERATURE" default:"0.7"`
	AIMaxTokens       int           `envconfig:"AI_MAX_TOKENS" default:"1200"`
	AITimeout         time.Duration `envconfig:"AI_TIMEOUT" default:"60s"`
	AIMaxAttempts     int           `envconfig:"AI_MAX_ATTEMPTS" default:"3"`
	AIBaseRetryDelay  time.Duration `envconfig:"AI_BASE_RETRY_DELAY" default:"1s"`
	AIMaxConcurrency  int64         `envconfig:"AI_MAX_CONCURRENCY" default:"8"`
	AIHistoryDepth    int           `envconfig:"AI_HISTORY_DEPTH" default:"3"`
	AllowEndingChoice bool          `envconfig:"ALLOW_ENDING_CHOICES" default:"false"`
	// Секрет: файл /run/secrets/ai_api_key или AI_API_KEY
	AIAPIKey string `envconfig:"AI_API_KEY"`

	// Ретраи и таймауты хранилища
	StorageTimeout         time.Duration `envconfig:"STORAGE_TIMEOUT" default:"5s"`
	StorageMaxAttempts     int           `envconfig:"STORAGE_MAX_ATTEMPTS" default:"3"`
	StorageBaseRetryDelay  time.Duration `envconfig:"STORAGE_BASE_RETRY_DELAY" default:"200ms"`
	LinkMaxAttempts        int           `envconfig:"LINK_MAX_ATTEMPTS" default:"5"`
	MaterializationTimeout time.Duration `envconfig:"MATERIALIZATION_TIMEOUT" default:"4m"`
	LockWaitTimeout        time.Duration `envconfig:"LOCK_WAIT_TIMEOUT" default:"90s"`

	// Redis (блокировка материализации между инстансами). Пустой адрес = выключено.
	RedisAddr string `envconfig:"REDIS_ADDR" default:""`
	RedisDB   int    `envconfig:"REDIS_DB" default:"0"`
	// Секрет: файл /run/secrets/redis_password или REDIS_PASSWORD
	RedisPassword string `envconfig:"REDIS_PASSWORD"`

	// RabbitMQ (асинхронная генерация). Пустой URL = выключено.
	RabbitMQURL         string `envconfig:"RABBITMQ_URL" default:""`
	GenerationTaskQueue string `envconfig:"GENERATION_TASK_QUEUE" default:"story_graph_generation_tasks"`
	WorkerConcurrency   int    `envconfig:"WORKER_CONCURRENCY" default:"4"`

	// Трассировка
	OtelEnabled     bool    `envconfig:"OTEL_ENABLED" default:"false"`
	OtelEndpoint    string  `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:""`
	OtelSampleRatio float64 `envconfig:"OTEL_SAMPLER_RATIO" default:"0.1"`
	OtelInsecure    bool    `envconfig:"OTEL_EXPORTER_OTLP_INSECURE" default:"false"`
	OtelServiceName string  `envconfig:"OTEL_SERVICE_NAME" default:"story-graph-server"`
	ServiceVersion  string  `envconfig:"SERVICE_VERSION" default:"dev"`

	// Секрет: файл /run/secrets/jwt_secret или JWT_SECRET
	JWTSecret string `envconfig:"JWT_SECRET"`
}

// GetDSN возвращает строку подключения (DSN) для PostgreSQL
func (c *Config) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// GetMaskedDSN возвращает DSN без пароля для логов
func (c *Config) GetMaskedDSN() string {
	return fmt.Sprintf("postgres://%s:***@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// Validate проверяет согласованность значений
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("неизвестный STORAGE_DRIVER: %q", c.StorageDriver)
	}
	switch c.AIClientType {
	case "openai", "ollama":
	default:
		return fmt.Errorf("неизвестный AI_CLIENT_TYPE: %q", c.AIClientType)
	}
	if c.AIMaxAttempts < 1 || c.StorageMaxAttempts < 1 || c.LinkMaxAttempts < 1 {
		return fmt.Errorf("количество попыток должно быть >= 1")
	}
	if c.AITimeout <= 0 || c.StorageTimeout <= 0 || c.MaterializationTimeout <= 0 {
		return fmt.Errorf("таймауты должны быть положительными")
	}
	if c.LockWaitTimeout <= 0 || c.LockWaitTimeout > c.MaterializationTimeout/2 {
		return fmt.Errorf("LOCK_WAIT_TIMEOUT должен быть в (0, MATERIALIZATION_TIMEOUT/2]")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY должен быть >= 1")
	}
	return nil
}

// LoadConfig загружает конфигурацию из переменных окружения и секретов
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации: %w", err)
	}

	// Файлы секретов имеют приоритет над переменными окружения
	cfg.DBPassword = utils.SecretOrDefault("db_password", cfg.DBPassword)
	cfg.AIAPIKey = utils.SecretOrDefault("ai_api_key", cfg.AIAPIKey)
	cfg.RedisPassword = utils.SecretOrDefault("redis_password", cfg.RedisPassword)
	cfg.JWTSecret = utils.SecretOrDefault("jwt_secret", cfg.JWTSecret)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Printf("Конфигурация Story Graph Server загружена:")
	log.Printf("  Port: %s, Env: %s, LogLevel: %s", cfg.Port, cfg.Environment, cfg.LogLevel)
	log.Printf("  Storage: %s", cfg.StorageDriver)
	if cfg.StorageDriver == "postgres" {
		log.Printf("  DB DSN: %s", cfg.GetMaskedDSN())
		log.Printf("  DB Max Conns: %d, Idle Timeout: %v", cfg.DBMaxConns, cfg.DBIdleTimeout)
	}
	log.Printf("  AI: type=%s model=%s url=%s timeout=%v attempts=%d", cfg.AIClientType, cfg.AIModel, cfg.AIBaseURL, cfg.AITimeout, cfg.AIMaxAttempts)
	log.Printf("  Storage retries: timeout=%v attempts=%d link_attempts=%d", cfg.StorageTimeout, cfg.StorageMaxAttempts, cfg.LinkMaxAttempts)
	log.Printf("  Redis: %s", valueOrDisabled(cfg.RedisAddr))
	log.Printf("  RabbitMQ queue: %s (%s)", cfg.GenerationTaskQueue, enabledLabel(cfg.RabbitMQURL != ""))
	if cfg.JWTSecret == "" {
		log.Println("  JWT Secret: [НЕ ЗАДАН]")
	} else {
		log.Println("  JWT Secret: [ЗАГРУЖЕН]")
	}

	return &cfg, nil
}

func valueOrDisabled(v string) string {
	if v == "" {
		return "disabled"
	}
	return v
}

func enabledLabel(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
