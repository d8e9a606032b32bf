package migration

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// MigrationsTable таблица, в которой golang-migrate хранит версию схемы.
const MigrationsTable = "schema_migrations"

// Source описывает, откуда читать SQL-миграции.
type Source struct {
	FS  fs.FS
	Dir string
}

// Migrator применяет и откатывает миграции схемы.
type Migrator struct {
	source      Source
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewMigrator создает Migrator поверх пула pgx.
func NewMigrator(pool *pgxpool.Pool, source Source) *Migrator {
	return &Migrator{
		source:      source,
		pool:        pool,
		lockTimeout: 30 * time.Second,
	}
}

// Up применяет все новые миграции. Отсутствие изменений не считается ошибкой.
func (m *Migrator) Up(ctx context.Context) error {
	return m.run(ctx, "up", func(mg *migrate.Migrate) error { return mg.Up() })
}

// Down откатывает все миграции.
func (m *Migrator) Down(ctx context.Context) error {
	return m.run(ctx, "down", func(mg *migrate.Migrate) error { return mg.Down() })
}

// Steps применяет (n > 0) или откатывает (n < 0) n миграций.
func (m *Migrator) Steps(ctx context.Context, n int) error {
	if n == 0 {
		return nil
	}
	return m.run(ctx, fmt.Sprintf("steps(%d)", n), func(mg *migrate.Migrate) error { return mg.Steps(n) })
}

// Force помечает схему версией version без выполнения SQL (снятие dirty-флага).
func (m *Migrator) Force(ctx context.Context, version int) error {
	return m.run(ctx, fmt.Sprintf("force(%d)", version), func(mg *migrate.Migrate) error { return mg.Force(version) })
}

// Version возвращает текущую версию схемы. Пустая БД дает (0, false, nil).
func (m *Migrator) Version(ctx context.Context) (uint, bool, error) {
	mg, err := m.open(ctx)
	if err != nil {
		return 0, false, err
	}
	defer closeMigrate(mg)

	version, dirty, err := mg.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

func (m *Migrator) run(ctx context.Context, op string, fn func(*migrate.Migrate) error) error {
	mg, err := m.open(ctx)
	if err != nil {
		return err
	}
	defer closeMigrate(mg)

	start := time.Now()
	err = fn(mg)
	if errors.Is(err, migrate.ErrNoChange) {
		log.Info().Str("op", op).Msg("database schema is up to date")
		return nil
	}
	if err != nil {
		if version, dirty, verr := mg.Version(); verr == nil {
			log.Error().Err(err).Str("op", op).Uint("version", version).Bool("dirty", dirty).Msg("migration failed")
		}
		return fmt.Errorf("migration %s failed: %w", op, err)
	}

	version, dirty, _ := mg.Version()
	log.Info().Str("op", op).Uint("version", version).Bool("dirty", dirty).Dur("took", time.Since(start)).Msg("database migrations applied")
	return nil
}

func (m *Migrator) open(ctx context.Context) (*migrate.Migrate, error) {
	if err := m.pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("database is not reachable: %w", err)
	}

	driver, err := postgres.WithInstance(stdlib.OpenDBFromPool(m.pool), &postgres.Config{
		MigrationsTable:       MigrationsTable,
		MigrationsTableQuoted: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	source, err := iofs.New(m.source.FS, m.source.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations from %q: %w", m.source.Dir, err)
	}

	mg, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	mg.LockTimeout = m.lockTimeout
	return mg, nil
}

func closeMigrate(mg *migrate.Migrate) {
	if srcErr, dbErr := mg.Close(); srcErr != nil || dbErr != nil {
		log.Warn().AnErr("source_error", srcErr).AnErr("database_error", dbErr).Msg("failed to close migrator")
	}
}
