package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/DanielKusyDev/posthog-session-insights/internal/api"
	"github.com/DanielKusyDev/posthog-session-insights/internal/services"
)

var embeddedWorker bool

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server that ingests PostHog webhooks and serves user context`,
	RunE:  runAPI,
}

func init() {
	apiCmd.Flags().BoolVar(&embeddedWorker, "with-worker", false, "run the enrichment processor in the same process")
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
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

	// Initialize services
	ingestService := services.NewIngestService(db, readOnlyDB, tracer)
	contextService := services.NewContextService(readOnlyDB, redisCache, tracer)
	eventService := services.NewEventService(db, readOnlyDB, tracer)

	server := api.NewServer(cfg.Server, ingestService, contextService, eventService, pingCheck(conn), tracer)

	var processor *services.Processor
	if embeddedWorker {
		var closeProcessor func()
		processor, closeProcessor, err = newProcessor(cfg, db, readOnlyDB, redisCache, tracer)
		if err != nil {
			return err
		}
		defer closeProcessor()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Start()
	})

	if processor != nil {
		g.Go(func() error {
			log.Info().Msg("Starting embedded enrichment processor")
			return processor.Run(gctx)
		})
	}

	// Wait for termination signal or a failing component
	g.Go(func() error {
		<-gctx.Done()
		if err := server.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Shutting down API server")
	return err
}
