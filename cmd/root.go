package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/DanielKusyDev/posthog-session-insights/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "insights",
	Short: "Behavioral context service for PostHog events",
	Long: `A service that ingests PostHog events, enriches them into sessions and
behavioral patterns, and serves per-user context over HTTP.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			config.SetConfigFile(cfgFile)
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		err := cmd.Help()
		if err != nil {
			log.Error().Err(err).Msg("Failed to display help")
		}
	},
}

// Execute executes the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
}
