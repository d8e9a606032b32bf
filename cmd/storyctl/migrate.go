package main

import (
	"context"
	"fmt"

	"story-graph-server/internal/database"
	"story-graph-server/pkg/migration"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// NewMigrateCommand создает команду migrate up|down|version.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), rootOpts, func(ctx context.Context, m *migration.Migrator) error {
				return m.Up(ctx)
			})
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (all by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), rootOpts, func(ctx context.Context, m *migration.Migrator) error {
				if steps > 0 {
					return m.Steps(ctx, -steps)
				}
				return m.Down(ctx)
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 0, "number of migrations to roll back (0 = all)")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), rootOpts, func(ctx context.Context, m *migration.Migrator) error {
				version, dirty, err := m.Version(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", version, dirty)
				return nil
			})
		},
	})

	var forceVersion int
	force := &cobra.Command{
		Use:   "force",
		Short: "Set the schema version without running migrations (clears the dirty flag)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), rootOpts, func(ctx context.Context, m *migration.Migrator) error {
				return m.Force(ctx, forceVersion)
			})
		},
	}
	force.Flags().IntVar(&forceVersion, "version", 0, "schema version to record")
	_ = force.MarkFlagRequired("version")
	cmd.AddCommand(force)

	return cmd
}

func withMigrator(ctx context.Context, rootOpts *RootOptions, fn func(context.Context, *migration.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	pool, err := connectDB(ctx, cfg, componentLogger(rootOpts.Verbose))
	if err != nil {
		return err
	}
	defer pool.Close()

	log.Info().Str("dsn", cfg.GetMaskedDSN()).Msg("running migrations")
	return fn(ctx, migration.NewMigrator(pool, migration.Source{FS: database.MigrationsFS, Dir: database.MigrationsDir}))
}
