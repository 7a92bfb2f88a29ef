package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/DanielKusyDev/posthog-session-insights/internal/cache"
	"github.com/DanielKusyDev/posthog-session-insights/internal/enrich"
	"github.com/DanielKusyDev/posthog-session-insights/internal/messaging"
	"github.com/DanielKusyDev/posthog-session-insights/internal/metrics"
	"github.com/DanielKusyDev/posthog-session-insights/internal/models"
	"github.com/DanielKusyDev/posthog-session-insights/internal/patterns"
	"github.com/DanielKusyDev/posthog-session-insights/internal/repositories"
	"github.com/DanielKusyDev/posthog-session-insights/internal/search"
	"github.com/DanielKusyDev/posthog-session-insights/internal/session"
	"github.com/DanielKusyDev/posthog-session-insights/internal/tracing"
)

// Cache stores JSON values by key
type Cache interface {
	Get(ctx context.Context, key string, value interface{}) error
	Set(ctx context.Context, key string, value interface{}) error
	SetNX(ctx context.Context, key string, value interface{}) (bool, error)
}

// ProcessorConfig configures the enrichment processor
type ProcessorConfig struct {
	WorkerID            string
	Workers             int
	Lanes               int
	BatchSize           int
	PollInterval        time.Duration
	StallTimeout        time.Duration
	ReclaimInterval     time.Duration
	SessionHistoryLimit int
	RecentEventsLimit   int
	Retry               RetryPolicy
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	if c.WorkerID == "" {
		c.WorkerID = "worker"
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Lanes <= 0 {
		c.Lanes = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 5 * time.Minute
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = time.Minute
	}
	if c.SessionHistoryLimit <= 0 {
		c.SessionHistoryLimit = 10
	}
	if c.RecentEventsLimit <= 0 {
		c.RecentEventsLimit = patterns.DefaultRecentEventsLimit
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = DefaultRetryPolicy()
	}
	return c
}

// Processor moves raw events through PENDING, PROCESSING and their outcome,
// maintaining sessions and user summaries as events are enriched
type Processor struct {
	db         *gorm.DB
	rawEvents  *repositories.RawEventRepository
	enriched   *repositories.EnrichedEventRepository
	sessions   *repositories.SessionRepository
	summaries  *repositories.SummaryRepository
	enricher   *enrich.Enricher
	builder    *session.Builder
	aggregator *patterns.Aggregator
	locks      *KeyLocks
	cache      Cache
	indexer    search.Indexer
	publisher  messaging.Publisher
	tracer     tracing.Tracer
	cfg        ProcessorConfig
	now        func() time.Time
}

// NewProcessor creates a new processor. Nil sinks and tracer default to no-ops.
func NewProcessor(
	db *gorm.DB,
	readOnlyDB *gorm.DB,
	cfg ProcessorConfig,
	enricher *enrich.Enricher,
	builder *session.Builder,
	aggregator *patterns.Aggregator,
	cache Cache,
	indexer search.Indexer,
	publisher messaging.Publisher,
	tracer tracing.Tracer,
) *Processor {
	if indexer == nil {
		indexer = search.NoopIndexer{}
	}
	if publisher == nil {
		publisher = messaging.NoopPublisher{}
	}
	if tracer == nil {
		tracer = tracing.NoopTracer()
	}

	return &Processor{
		db:         db,
		rawEvents:  repositories.NewRawEventRepository(db, readOnlyDB),
		enriched:   repositories.NewEnrichedEventRepository(db, readOnlyDB),
		sessions:   repositories.NewSessionRepository(db, readOnlyDB),
		summaries:  repositories.NewSummaryRepository(db, readOnlyDB),
		enricher:   enricher,
		builder:    builder,
		aggregator: aggregator,
		locks:      NewKeyLocks(0),
		cache:      cache,
		indexer:    indexer,
		publisher:  publisher,
		tracer:     tracer,
		cfg:        cfg.withDefaults(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the processor's time source
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// Run starts the worker loops and the maintenance job and blocks until ctx
// is cancelled. Loops finish their current batch before returning.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", p.cfg.WorkerID, i)
		g.Go(func() error {
			return p.loop(ctx, workerID)
		})
	}

	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return errors.Wrap(err, "failed to create scheduler")
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(p.cfg.ReclaimInterval),
			gocron.NewTask(func() {
				p.Maintain(ctx)
			}),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return errors.Wrap(err, "failed to schedule maintenance job")
		}

		scheduler.Start()
		<-ctx.Done()
		return scheduler.Shutdown()
	})

	return g.Wait()
}

func (p *Processor) loop(ctx context.Context, workerID string) error {
	log.Info().Str("worker_id", workerID).Msg("Starting enrichment worker")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("worker_id", workerID).Msg("Enrichment worker stopped")
			return nil
		case <-timer.C:
		}

		// A batch in flight is finished even when shutdown starts
		n, err := p.ProcessBatch(context.WithoutCancel(ctx), workerID)
		if err != nil {
			log.Error().Err(err).Str("worker_id", workerID).Msg("Failed to process batch")
		}

		if n == 0 || err != nil {
			timer.Reset(p.cfg.PollInterval)
		} else {
			timer.Reset(0)
		}
	}
}

// ProcessBatch claims up to BatchSize events and processes them. Events of
// one user are handled in claim order; users run in parallel lanes.
func (p *Processor) ProcessBatch(ctx context.Context, workerID string) (int, error) {
	events, err := p.rawEvents.Claim(ctx, workerID, p.cfg.BatchSize, p.now())
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	metrics.RecordClaimed(len(events))
	log.Debug().Str("worker_id", workerID).Int("batch_size", len(events)).Msg("Claimed events")

	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Lanes)
	for _, lane := range groupByUser(events) {
		g.Go(func() error {
			for _, event := range lane {
				p.handle(ctx, event)
			}
			return nil
		})
	}
	_ = g.Wait()

	return len(events), nil
}

func groupByUser(events []models.RawEvent) [][]*models.RawEvent {
	index := make(map[string]int)
	var lanes [][]*models.RawEvent
	for i := range events {
		e := &events[i]
		j, ok := index[e.UserID]
		if !ok {
			j = len(lanes)
			index[e.UserID] = j
			lanes = append(lanes, nil)
		}
		lanes[j] = append(lanes[j], e)
	}
	return lanes
}

// handle processes one claimed event and records its outcome. Failures never
// escape to the batch.
func (p *Processor) handle(ctx context.Context, event *models.RawEvent) {
	start := time.Now()

	err := p.ProcessOne(ctx, event)
	if err == nil {
		metrics.RecordProcessed(string(models.StatusEnriched), time.Since(start))
		return
	}

	status := p.fail(ctx, event, err)
	metrics.RecordProcessed(string(status), time.Since(start))
}

// ProcessOne enriches a claimed event and updates its session and the
// user's summary in a single transaction
func (p *Processor) ProcessOne(ctx context.Context, raw *models.RawEvent) error {
	txn := p.tracer.StartTransaction("ProcessEvent")
	defer p.tracer.EndTransaction(txn)
	p.tracer.AddAttribute(txn, "event_id", raw.ID.String())
	p.tracer.AddAttribute(txn, "user_id", raw.UserID)

	unlock := p.locks.Lock(raw.UserID)
	defer unlock()

	enrichSpan := p.tracer.StartSpan("Enrich", txn)
	event, err := p.enrichEvent(raw)
	enrichSpan.End()
	if err != nil {
		p.tracer.RecordError(txn, err)
		return err
	}

	claimed := *raw
	var summary patterns.Summary
	storeSpan := p.tracer.StartSpan("Store", txn)
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := p.summaries.WithTx(tx).Lock(ctx, raw.UserID)
		if err != nil {
			return err
		}

		if err := p.apply(ctx, tx, &event); err != nil {
			return err
		}

		summary, err = p.recompute(ctx, tx, row)
		if err != nil {
			return err
		}

		return p.rawEvents.WithTx(tx).MarkEnriched(ctx, &claimed, p.now())
	})
	storeSpan.End()
	if err != nil {
		p.tracer.RecordError(txn, err)
		return err
	}
	*raw = claimed

	log.Info().
		Str("event_id", raw.ID.String()).
		Str("user_id", raw.UserID).
		Str("session_id", event.SessionID).
		Str("event_type", string(event.EventType)).
		Int("attempt", raw.AttemptCount).
		Msg("Event enriched")

	p.publishSummary(ctx, summary)
	if err := p.indexer.IndexEvent(ctx, event); err != nil {
		metrics.RecordSinkFailure("elasticsearch")
		log.Warn().Err(err).Str("event_id", event.ID).Msg("Failed to index enriched event")
	}
	return nil
}

func (p *Processor) enrichEvent(raw *models.RawEvent) (session.Event, error) {
	properties := map[string]interface{}{}
	if len(raw.Properties) > 0 {
		if err := json.Unmarshal(raw.Properties, &properties); err != nil {
			return session.Event{}, Permanent(errors.Wrap(err, "malformed event properties"))
		}
		if properties == nil {
			properties = map[string]interface{}{}
		}
	}

	result := p.enricher.Enrich(raw.EventName, properties, raw.ElementsChain)
	return session.Event{
		ID:         raw.ID.String(),
		UserID:     raw.UserID,
		SessionID:  raw.SessionID,
		Name:       raw.EventName,
		EventType:  result.Classification.EventType,
		ActionType: result.Classification.ActionType,
		Label:      result.Label,
		PagePath:   result.Page.Path,
		PageTitle:  result.Page.Title,
		Element:    result.Elements.ElementType,
		Text:       result.Elements.ElementText,
		Hierarchy:  result.Hierarchy,
		Context:    result.Context,
		OccurredAt: raw.OccurredAt.UTC(),
		ReceivedAt: raw.ReceivedAt.UTC(),
	}, nil
}

// apply stores the enriched event and folds it into its session. Events of a
// closed session that occur after its end are kept without a session.
func (p *Processor) apply(ctx context.Context, tx *gorm.DB, event *session.Event) error {
	sessions := p.sessions.WithTx(tx)

	var current *session.Session
	if event.SessionID != "" {
		key := session.Key{UserID: event.UserID, SessionID: event.SessionID}
		row, err := sessions.Get(ctx, key.UserID, key.SessionID)
		switch {
		case err == nil:
			if current, err = p.loadSession(ctx, tx, *row); err != nil {
				return err
			}
		case errors.Is(err, repositories.ErrNotFound):
		default:
			return err
		}

		updated, err := p.builder.Ingest(current, *event)
		switch {
		case err == nil:
			current = updated
		case errors.Is(err, session.ErrSessionClosed):
			log.Warn().
				Str("event_id", event.ID).
				Str("user_id", event.UserID).
				Str("session_id", event.SessionID).
				Msg("Event arrived after its session ended, storing it without a session")
			event.SessionID = ""
			current = nil
		default:
			return err
		}
	}

	row, err := repositories.NewEnrichedEvent(*event)
	if err != nil {
		return Permanent(err)
	}
	if err := p.enriched.WithTx(tx).Upsert(ctx, row); err != nil {
		return err
	}

	if current == nil {
		return nil
	}
	if err := sessions.Save(ctx, repositories.ToSessionModel(current)); err != nil {
		return err
	}
	return p.supersede(ctx, tx, current)
}

// supersede leaves only the user's latest-started open session open. The
// others end when the latest one started, never before their last activity.
func (p *Processor) supersede(ctx context.Context, tx *gorm.DB, current *session.Session) error {
	sessions := p.sessions.WithTx(tx)

	open, err := sessions.ListOpenByUser(ctx, current.UserID)
	if err != nil {
		return err
	}
	if len(open) < 2 {
		return nil
	}

	newest := open[0]
	for _, row := range open[1:] {
		if row.StartedAt.After(newest.StartedAt) {
			newest = row
		}
	}

	for _, row := range open {
		if row.SessionID == newest.SessionID {
			continue
		}
		older, err := p.loadSession(ctx, tx, row)
		if err != nil {
			return err
		}
		if !session.Supersede(older, newest.StartedAt) {
			continue
		}
		if _, err := sessions.Close(ctx, older.UserID, older.SessionID, *older.EndedAt); err != nil {
			return err
		}
		metrics.RecordSessionClosed("superseded")
		log.Info().
			Str("user_id", older.UserID).
			Str("session_id", older.SessionID).
			Str("superseded_by", newest.SessionID).
			Msg("Session superseded")
	}
	return nil
}

func (p *Processor) loadSession(ctx context.Context, tx *gorm.DB, row models.Session) (*session.Session, error) {
	rows, err := p.enriched.WithTx(tx).ListBySession(ctx, row.UserID, row.SessionID)
	if err != nil {
		return nil, err
	}
	events, err := repositories.ToSessionEvents(rows)
	if err != nil {
		return nil, err
	}

	key := session.Key{UserID: row.UserID, SessionID: row.SessionID}
	return p.builder.Rebuild(key, events, row.EndedAt), nil
}

// recompute derives and stores the user's summary from the loaded history
func (p *Processor) recompute(ctx context.Context, tx *gorm.DB, row *models.UserSummary) (patterns.Summary, error) {
	recent, err := p.sessions.WithTx(tx).ListRecentByUser(ctx, row.UserID, p.cfg.SessionHistoryLimit)
	if err != nil {
		return patterns.Summary{}, err
	}

	history := make([]*session.Session, 0, len(recent))
	for _, r := range recent {
		s, err := p.loadSession(ctx, tx, r)
		if err != nil {
			return patterns.Summary{}, err
		}
		history = append(history, s)
	}

	// Recent activity spans every session, not only the loaded history
	latest, err := p.enriched.WithTx(tx).ListRecentByUser(ctx, row.UserID, p.cfg.RecentEventsLimit)
	if err != nil {
		return patterns.Summary{}, err
	}
	recentEvents, err := repositories.ToSessionEvents(latest)
	if err != nil {
		return patterns.Summary{}, err
	}

	summary := p.aggregator.Summarize(row.UserID, history, recentEvents)
	if err := p.summaries.WithTx(tx).Save(ctx, row, summary); err != nil {
		return patterns.Summary{}, err
	}
	return summary, nil
}

// publishSummary overwrites the cached context after a committed recompute
func (p *Processor) publishSummary(ctx context.Context, summary patterns.Summary) {
	if p.cache == nil {
		return
	}
	err := p.cache.Set(ctx, cache.ContextKey(summary.UserID), NewUserContext(summary))
	if err != nil && !errors.Is(err, cache.ErrCacheDisabled) {
		metrics.RecordSinkFailure("redis")
		log.Warn().Err(err).Str("user_id", summary.UserID).Msg("Failed to cache user context")
	}
}

// fail records a failed attempt and returns the resulting status
func (p *Processor) fail(ctx context.Context, event *models.RawEvent, cause error) models.EventStatus {
	now := p.now()
	next := p.cfg.Retry.NextAttemptAt(event.AttemptCount, now)

	status, err := p.rawEvents.MarkFailed(ctx, event, next, cause.Error(), now)
	if err != nil {
		if errors.Is(err, repositories.ErrClaimLost) {
			log.Warn().Err(err).Str("event_id", event.ID.String()).Msg("Claim lost before failure was recorded")
		} else {
			log.Error().Err(err).Str("event_id", event.ID.String()).Msg("Failed to record processing failure")
		}
		return models.StatusProcessing
	}

	logEvent := log.Warn()
	if IsPermanent(cause) {
		logEvent = log.Error()
	}
	logEvent.Err(cause).
		Str("event_id", event.ID.String()).
		Str("user_id", event.UserID).
		Str("status", string(status)).
		Int("attempt", event.AttemptCount).
		Bool("permanent", IsPermanent(cause)).
		Msg("Event processing failed")

	if status == models.StatusDeadLetter {
		event.LastError = cause.Error()
		p.deadLettered(ctx, []models.RawEvent{*event}, now)
	}
	return status
}

func (p *Processor) deadLettered(ctx context.Context, events []models.RawEvent, now time.Time) {
	if len(events) == 0 {
		return
	}
	metrics.RecordDeadLettered(len(events))

	for _, e := range events {
		alert := messaging.DeadLetterAlert{
			EventID:      e.ID.String(),
			UserID:       e.UserID,
			EventName:    e.EventName,
			AttemptCount: e.AttemptCount,
			LastError:    e.LastError,
			DeadAt:       now,
		}
		if err := p.publisher.PublishDeadLetter(ctx, alert); err != nil {
			metrics.RecordSinkFailure("servicebus")
			log.Warn().Err(err).Str("event_id", alert.EventID).Msg("Failed to publish dead-letter alert")
		}
	}
}

// Maintain runs one pass of the periodic jobs
func (p *Processor) Maintain(ctx context.Context) {
	if _, err := p.ReclaimStalled(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to reclaim stalled events")
	}
	if _, err := p.CloseIdleSessions(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to close idle sessions")
	}

	counts, err := p.rawEvents.CountByStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to count events by status")
		return
	}
	for status, n := range counts {
		metrics.SetQueueDepth(string(status), n)
	}
}

// ReclaimStalled releases events stuck in PROCESSING past the stall timeout
func (p *Processor) ReclaimStalled(ctx context.Context) (int, error) {
	now := p.now()
	n, dead, err := p.rawEvents.ReclaimStalled(ctx, now.Add(-p.cfg.StallTimeout), p.cfg.Retry.MaxAttempts, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.RecordReclaimed(n)
		log.Warn().Int("reclaimed", n).Int("dead_lettered", len(dead)).Msg("Reclaimed stalled events")
	}
	p.deadLettered(ctx, dead, now)
	return n, nil
}

// CloseIdleSessions ends open sessions inactive for the inactivity gap and
// refreshes the summaries of their users
func (p *Processor) CloseIdleSessions(ctx context.Context) (int, error) {
	now := p.now()
	cutoff, ok := p.builder.IdleCutoff(now)
	if !ok {
		return 0, nil
	}

	idle, err := p.sessions.ListIdle(ctx, cutoff, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, row := range idle {
		ok, err := p.closeIdle(ctx, row, now)
		if err != nil {
			log.Error().Err(err).Str("user_id", row.UserID).Str("session_id", row.SessionID).Msg("Failed to close idle session")
			continue
		}
		if ok {
			closed++
		}
	}
	return closed, nil
}

func (p *Processor) closeIdle(ctx context.Context, row models.Session, now time.Time) (bool, error) {
	unlock := p.locks.Lock(row.UserID)
	defer unlock()

	closed := false
	var summary patterns.Summary
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lock, err := p.summaries.WithTx(tx).Lock(ctx, row.UserID)
		if err != nil {
			return err
		}

		current, err := p.sessions.WithTx(tx).Get(ctx, row.UserID, row.SessionID)
		if err != nil {
			return err
		}
		s, err := p.loadSession(ctx, tx, *current)
		if err != nil {
			return err
		}
		if !p.builder.CloseIfIdle(s, now) {
			return nil
		}
		if err := p.sessions.WithTx(tx).Save(ctx, repositories.ToSessionModel(s)); err != nil {
			return err
		}

		summary, err = p.recompute(ctx, tx, lock)
		if err != nil {
			return err
		}
		closed = true
		return nil
	})
	if err != nil || !closed {
		return false, err
	}

	metrics.RecordSessionClosed("idle")
	log.Info().Str("user_id", row.UserID).Str("session_id", row.SessionID).Msg("Idle session closed")
	p.publishSummary(ctx, summary)
	return true, nil
}
