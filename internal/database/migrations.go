package database

import "embed"

// MigrationsDir каталог миграций внутри MigrationsFS.
const MigrationsDir = "migrations"

// MigrationsFS содержит SQL-миграции схемы story graph.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS
