package migrate

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hermes-inc/hermes/internal/infrastructure/config"
	"github.com/hermes-inc/hermes/internal/infrastructure/database"
	"github.com/hermes-inc/hermes/internal/infrastructure/migration"
	"github.com/hermes-inc/hermes/internal/shared/logger"
)

var env string

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tools",
		Long:  `Apply the database schema or inspect its current state.`,
	}

	cmd.PersistentFlags().StringVarP(&env, "env", "e", "development", "Environment (development, test, production)")

	cmd.AddCommand(
		newUpCommand(),
		newStatusCommand(),
	)

	return cmd
}

func newUpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply the schema",
		Long:  `Create or update every table the mediator needs.`,
		RunE:  runUp,
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show schema status",
		Long:  `Report which mediator tables exist in the configured database.`,
		RunE:  runStatus,
	}
}

func initEnv() (logger.Interface, error) {
	cfg, err := config.Load(env)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logger.Init(&cfg.Logger); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if err := database.Init(&cfg.Database); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return logger.NewLogger(), nil
}

func runUp(cmd *cobra.Command, args []string) error {
	log, err := initEnv()
	if err != nil {
		return err
	}
	defer database.Close()

	log.Infow("applying schema", "environment", env)

	if err := migration.NewManager(database.Get(), log).Run(); err != nil {
		log.Errorw("migration failed", "error", err)
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Infow("schema applied successfully")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	log, err := initEnv()
	if err != nil {
		return err
	}
	defer database.Close()

	migrator := database.Get().Migrator()
	fmt.Printf("\nSchema Status (%s):\n", env)
	for _, table := range migration.Tables() {
		state := "missing"
		if migrator.HasTable(table) {
			state = "present"
		}
		fmt.Printf("  %-20s %s\n", table, state)
	}

	log.Infow("schema status reported")
	return nil
}
