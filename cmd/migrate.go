package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/DanielKusyDev/posthog-session-insights/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		conn, err := database.Connect(cfg.DB)
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := database.AutoMigrate(conn); err != nil {
			return err
		}

		log.Info().Str("driver", cfg.DB.Driver).Msg("Database schema is up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
