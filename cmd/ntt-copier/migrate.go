package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vm-wylbur/ntt-copier/internal/db"
)

// newMigrateCmd builds the subcommand that applies pending goose migrations
// against NTT_DB_URL (spec.md §9's schema is versioned, not hand-applied).
func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd)
		},
	}

	viper.SetEnvPrefix("NTT")
	viper.AutomaticEnv()
	_ = viper.BindEnv("db_url", "NTT_DB_URL")

	return cmd
}

func runMigrate(cmd *cobra.Command) error {
	dsn := viper.GetString("db_url")
	if dsn == "" {
		return fmt.Errorf("NTT_DB_URL is required")
	}

	ctx := cmd.Context()
	dbi, err := db.Open(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = dbi.Close() }()

	if err := dbi.Migrate(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
	return nil
}
