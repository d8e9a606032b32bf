// Package testutil поднимает зависимости интеграционных тестов в testcontainers.
package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"story-graph-server/internal/database"
	"story-graph-server/pkg/migration"

	"github.com/docker/docker/client"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

// IntegrationEnv включает интеграционные тесты.
const IntegrationEnv = "INTEGRATION_TESTS"

// RequireDocker пропускает тест, если интеграционные тесты выключены,
// и падает, если они включены, а Docker недоступен.
func RequireDocker(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}
	if os.Getenv(IntegrationEnv) != "1" {
		t.Skipf("Skipping integration tests: set %s=1 to run them", IntegrationEnv)
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		t.Fatalf("Docker client init error: %v. Ensure Docker is running and accessible.", err)
	}
	defer cli.Close()
	if _, err := cli.Ping(context.Background()); err != nil {
		t.Fatalf("Docker daemon is not running or accessible: %v", err)
	}
}

// StartPostgres запускает PostgreSQL, применяет миграции и возвращает пул.
// Контейнер и пул закрываются через t.Cleanup.
func StartPostgres(ctx context.Context, t *testing.T) *pgxpool.Pool {
	t.Helper()

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("story_graph_test"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Minute),
		),
	)
	require.NoError(t, err, "Failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err, "Failed to connect to test postgres")
	t.Cleanup(pool.Close)

	migrator := migration.NewMigrator(pool, migration.Source{FS: database.MigrationsFS, Dir: database.MigrationsDir})
	require.NoError(t, migrator.Up(ctx), "Failed to run migrations")
	return pool
}

// StartRedis запускает Redis и возвращает адрес host:port.
func StartRedis(ctx context.Context, t *testing.T) string {
	t.Helper()

	container, err := tcredis.Run(ctx,
		"docker.io/redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("* Ready to accept connections").
				WithOccurrence(1).
				WithStartupTimeout(1*time.Minute),
		),
	)
	require.NoError(t, err, "Failed to start redis container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate redis container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, port.Port())
}

// StartRabbitMQ запускает RabbitMQ и возвращает AMQP URL.
func StartRabbitMQ(ctx context.Context, t *testing.T) string {
	t.Helper()

	container, err := rabbitmq.Run(ctx,
		"rabbitmq:3-management-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete").WithStartupTimeout(2*time.Minute),
		),
	)
	require.NoError(t, err, "Failed to start rabbitmq container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate rabbitmq container: %v", err)
		}
	})

	url, err := container.AmqpURL(ctx)
	require.NoError(t, err)
	return url
}
