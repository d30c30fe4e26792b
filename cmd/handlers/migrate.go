package handlers

import (
	"context"
	"fmt"

	"genpost/internal/config"
	"genpost/internal/logger"
	"genpost/internal/persistence"

	"github.com/spf13/cobra"
)

// NewMigrateCmd creates the migrate command for database migrations
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long: `Manage database schema migrations.

Subcommands:
  up       Apply all pending migrations
  status   Show migration status
  rollback Forget the last migration (use with caution!)

Applied migrations are tracked in the schema_migrations table. SQLite and
PostgreSQL each have their own migration set; database.driver selects one.

Examples:
  genpost migrate up
  genpost migrate status
  genpost migrate rollback --force`,
	}

	cmd.AddCommand(newMigrateUpCmd())
	cmd.AddCommand(newMigrateStatusCmd())
	cmd.AddCommand(newMigrateRollbackCmd())

	return cmd
}

func newMigrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *persistence.MigrationManager) error {
				if err := m.Migrate(ctx); err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Println("✅ All migrations applied successfully")
				return nil
			})
		},
	}
}

func newMigrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), runMigrateStatus)
		},
	}
}

func newMigrateRollbackCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Forget the last applied migration",
		Long: `Remove the last applied migration from schema_migrations.

⚠️  WARNING: schema changes are not reverted. Revert them by hand.
Use --force to skip the confirmation prompt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force && !confirm("This only removes the migration record. Proceed?") {
				fmt.Println("Rollback cancelled")
				return nil
			}
			return withMigrator(cmd.Context(), func(ctx context.Context, m *persistence.MigrationManager) error {
				if err := m.Rollback(ctx); err != nil {
					return fmt.Errorf("rollback failed: %w", err)
				}
				logger.Warn("Migration record removed - remember to manually revert database changes", nil)
				fmt.Println("⚠️  Migration record removed")
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Skip confirmation prompt")

	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *persistence.MigrationManager) error) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(ctx, persistence.NewMigrationManager(db))
}

func runMigrateStatus(ctx context.Context, m *persistence.MigrationManager) error {
	status, err := m.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}

	if len(status) == 0 {
		fmt.Println("No migrations found")
		return nil
	}

	fmt.Println("📊 Migration Status")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("%-10s %-10s %s\n", "Version", "Status", "Description")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	pending := 0
	for _, s := range status {
		label, icon := "applied", "✅"
		if !s.Applied {
			label, icon = "pending", "⏳"
			pending++
		}
		fmt.Printf("%-10d %s %-8s %s\n", s.Version, icon, label, s.Description)
	}

	fmt.Println()
	fmt.Printf("Applied: %d | Pending: %d | Total: %d\n", len(status)-pending, pending, len(status))
	if pending > 0 {
		fmt.Println("\nRun 'genpost migrate up' to apply pending migrations")
	}
	return nil
}

func confirm(question string) bool {
	fmt.Printf("%s (yes/no): ", question)
	var response string
	if _, err := fmt.Scanln(&response); err != nil {
		return false
	}
	return response == "yes"
}
