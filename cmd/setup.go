package cmd

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/DanielKusyDev/posthog-session-insights/config"
	"github.com/DanielKusyDev/posthog-session-insights/internal/cache"
	"github.com/DanielKusyDev/posthog-session-insights/internal/database"
	"github.com/DanielKusyDev/posthog-session-insights/internal/enrich"
	"github.com/DanielKusyDev/posthog-session-insights/internal/messaging"
	"github.com/DanielKusyDev/posthog-session-insights/internal/patterns"
	"github.com/DanielKusyDev/posthog-session-insights/internal/search"
	"github.com/DanielKusyDev/posthog-session-insights/internal/services"
	"github.com/DanielKusyDev/posthog-session-insights/internal/session"
	"github.com/DanielKusyDev/posthog-session-insights/internal/tracing"
)

// loadConfig reads the configuration and applies its logging settings
func loadConfig() (config.Config, error) {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return config.Config{}, err
	}

	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if cfg.IsDevelopment() || cfg.Logging.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	return cfg, nil
}

// openDatabase connects, migrates and returns the write and read handles
func openDatabase(cfg config.DatabaseConfig) (database.DB, *gorm.DB, *gorm.DB, error) {
	conn, err := database.Connect(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	if err := database.AutoMigrate(conn); err != nil {
		_ = conn.Close()
		return nil, nil, nil, err
	}

	db, err := conn.DB()
	if err != nil {
		_ = conn.Close()
		return nil, nil, nil, errors.Wrap(err, "failed to get database handle")
	}

	return conn, db, conn.ReadOnly(), nil
}

func newCache(cfg config.RedisConfig) *cache.RedisCache {
	redisCache, err := cache.NewRedisCache(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
		redisCache, _ = cache.NewRedisCache(config.RedisConfig{Enabled: false})
	}
	if redisCache.Enabled() {
		log.Info().Str("host", cfg.Host).Dur("ttl", cfg.TTL).Msg("Context cache enabled")
	}
	return redisCache
}

func newTracer(cfg config.TracingConfig) tracing.Tracer {
	tracer, err := tracing.NewTracer(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		return tracing.NoopTracer()
	}
	return tracer
}

func newIndexer(cfg config.ElasticConfig) search.Indexer {
	if !cfg.Enabled {
		return search.NoopIndexer{}
	}
	client, err := search.NewElasticClient(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without the audit index")
		return search.NoopIndexer{}
	}
	return client
}

func newPublisher(cfg config.AzureConfig) messaging.Publisher {
	publisher, err := messaging.NewPublisher(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Service Bus publisher, dead-letter alerts disabled")
		return messaging.NoopPublisher{}
	}
	return publisher
}

// newProcessor wires the enrichment pipeline from configuration
func newProcessor(cfg config.Config, db, readOnlyDB *gorm.DB, redisCache services.Cache, tracer tracing.Tracer) (*services.Processor, func(), error) {
	aggregator, err := patterns.NewAggregator(patterns.Config{
		RecentEventsLimit:   cfg.Aggregation.RecentEventsLimit,
		PagesInSummaryLimit: cfg.Aggregation.PagesInSummaryLimit,
		Thresholds:          cfg.Aggregation.PatternThresholds,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "invalid aggregation config")
	}

	enricher := enrich.NewEnricher(
		enrich.NewLabelBuilder(cfg.Labels.CustomTemplates, cfg.Labels.EnrichmentRules, cfg.Labels.MaxLength),
		cfg.Context.ExcludeKeys,
	)

	publisher := newPublisher(cfg.Azure)
	processor := services.NewProcessor(db, readOnlyDB,
		services.ProcessorConfig{
			WorkerID:            cfg.Enrichment.WorkerID,
			Workers:             cfg.Enrichment.Workers,
			Lanes:               cfg.Enrichment.Lanes,
			BatchSize:           cfg.Enrichment.BatchSize,
			PollInterval:        cfg.Enrichment.PollInterval,
			StallTimeout:        cfg.Enrichment.StallTimeout,
			ReclaimInterval:     cfg.Enrichment.ReclaimInterval,
			SessionHistoryLimit: cfg.Enrichment.SessionHistoryLimit,
			RecentEventsLimit:   cfg.Aggregation.RecentEventsLimit,
			Retry: services.RetryPolicy{
				MaxAttempts: cfg.Enrichment.MaxAttempts,
				Backoff:     cfg.Enrichment.RetryBackoff,
			},
		},
		enricher,
		session.NewBuilder(cfg.Enrichment.SessionInactivityGap),
		aggregator,
		redisCache,
		newIndexer(cfg.Elastic),
		publisher,
		tracer,
	)

	closeFn := func() {
		if err := publisher.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Service Bus publisher")
		}
	}
	return processor, closeFn, nil
}

func pingCheck(conn database.DB) func(context.Context) error {
	return func(context.Context) error {
		return database.Ping(conn)
	}
}
