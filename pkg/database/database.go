package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Config настройки пула подключений PostgreSQL.
type Config struct {
	DSN         string
	MaskedDSN   string
	MaxConns    int32
	MaxIdleTime time.Duration
	// Попытки подключения на старте (БД в docker-compose может подниматься дольше сервиса)
	ConnectAttempts int
	RetryDelay      time.Duration
	PingTimeout     time.Duration
}

// Connect создает пул pgx и ждет доступности базы данных.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("ошибка при разборе строки подключения: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MaxIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxIdleTime
	}
	attempts := cfg.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err = pool.Ping(pingCtx)
			cancel()
			if err == nil {
				logger.Info("Successfully connected to PostgreSQL", zap.String("dsn", cfg.MaskedDSN), zap.Int("attempt", attempt))
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err
		logger.Warn("Failed to connect to PostgreSQL",
			zap.String("dsn", cfg.MaskedDSN),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err),
		)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("подключение к базе данных прервано: %w", ctx.Err())
		case <-time.After(cfg.RetryDelay):
		}
	}
	return nil, fmt.Errorf("не удалось подключиться к базе данных после %d попыток: %w", attempts, lastErr)
}
