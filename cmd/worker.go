package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the enrichment worker",
	Long:  `Start the background worker that claims pending events, builds sessions and recomputes user summaries`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize database connections
	conn, db, readOnlyDB, err := openDatabase(cfg.DB)
	if err != nil {
		return err
	}
	defer conn.Close()

	redisCache := newCache(cfg.Redis)
	defer redisCache.Close()

	tracer := newTracer(cfg.Tracing)
	defer tracer.Close()

	processor, closeProcessor, err := newProcessor(cfg, db, readOnlyDB, redisCache, tracer)
	if err != nil {
		return err
	}
	defer closeProcessor()

	log.Info().
		Str("worker_id", cfg.Enrichment.WorkerID).
		Int("workers", cfg.Enrichment.Workers).
		Int("batch_size", cfg.Enrichment.BatchSize).
		Msg("Starting enrichment worker")

	if err := processor.Run(ctx); err != nil {
		return err
	}

	log.Info().Msg("Worker shut down successfully")
	return nil
}
