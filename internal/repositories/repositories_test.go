package repositories

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/DanielKusyDev/posthog-session-insights/config"
	"github.com/DanielKusyDev/posthog-session-insights/internal/classify"
	"github.com/DanielKusyDev/posthog-session-insights/internal/database"
	"github.com/DanielKusyDev/posthog-session-insights/internal/enrich"
	"github.com/DanielKusyDev/posthog-session-insights/internal/models"
	"github.com/DanielKusyDev/posthog-session-insights/internal/patterns"
	"github.com/DanielKusyDev/posthog-session-insights/internal/session"
)

var t0 = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Connect(config.DatabaseConfig{Driver: database.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.AutoMigrate(db))

	gormDB, err := db.DB()
	require.NoError(t, err)
	return gormDB
}

func appendEvents(t *testing.T, repo *RawEventRepository, n int) []uuid.UUID {
	t.Helper()
	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		e := &models.RawEvent{
			UserID:     fmt.Sprintf("user-%d", i%3),
			SessionID:  "s1",
			EventName:  "$pageview",
			Properties: []byte(`{"$pathname":"/"}`),
			OccurredAt: t0.Add(time.Duration(i) * time.Second),
		}
		created, err := repo.Append(context.Background(), e, t0.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, err)
		require.True(t, created)
		ids = append(ids, e.ID)
	}
	return ids
}

func TestAppendIsIdempotentPerID(t *testing.T) {
	db := newTestDB(t)
	repo := NewRawEventRepository(db, db)
	ctx := context.Background()

	id := uuid.New()
	created, err := repo.Append(ctx, &models.RawEvent{ID: id, UserID: "u1", EventName: "$pageview", OccurredAt: t0}, t0)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.Append(ctx, &models.RawEvent{ID: id, UserID: "u1", EventName: "other", OccurredAt: t0}, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, created)

	stored, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "$pageview", stored.EventName)
	assert.Equal(t, models.StatusPending, stored.Status)
}

func TestClaimOrdersByReceivedAndMarksProcessing(t *testing.T) {
	db := newTestDB(t)
	repo := NewRawEventRepository(db, db)
	ids := appendEvents(t, repo, 5)

	claimed, err := repo.Claim(context.Background(), "w1", 3, t0.Add(time.Hour))
	require.NoError(t, err)

	require.Len(t, claimed, 3)
	for i, e := range claimed {
		assert.Equal(t, ids[i], e.ID)
		assert.Equal(t, models.StatusProcessing, e.Status)
		assert.Equal(t, 1, e.AttemptCount)
		assert.Equal(t, 1, e.Version)
		assert.Equal(t, "w1", e.ClaimedBy)
	}

	stored, err := repo.Get(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, stored.Status)
	assert.Equal(t, 1, stored.AttemptCount)
}

func TestClaimSkipsCandidatesChangedAfterSelect(t *testing.T) {
	db := newTestDB(t)
	repo := NewRawEventRepository(db, db)
	ids := appendEvents(t, repo, 3)

	// Another claimer bumps the first row between the select and the update
	bumped := false
	err := db.Callback().Query().After("gorm:query").Register("test:bump_version", func(tx *gorm.DB) {
		if bumped || tx.Statement.Table != "raw_events" {
			return
		}
		bumped = true
		require.NoError(t, tx.Session(&gorm.Session{NewDB: true}).
			Exec("UPDATE raw_events SET version = version + 1 WHERE id = ?", ids[0]).Error)
	})
	require.NoError(t, err)

	claimed, err := repo.Claim(context.Background(), "w1", 10, t0.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, bumped)

	require.Len(t, claimed, 2)
	assert.Equal(t, ids[1], claimed[0].ID)
	assert.Equal(t, ids[2], claimed[1].ID)

	skipped, err := repo.Get(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, skipped.Status)
	assert.Equal(t, 0, skipped.AttemptCount)
	assert.Equal(t, 1, skipped.Version)

	claimed, err = repo.Claim(context.Background(), "w2", 10, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, ids[0], claimed[0].ID)
	assert.Equal(t, 2, claimed[0].Version)
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	db := newTestDB(t)
	repo := NewRawEventRepository(db, db)
	appendEvents(t, repo, 60)

	var mu sync.Mutex
	seen := make(map[uuid.UUID]string)
	duplicates := 0

	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				claimed, err := repo.Claim(context.Background(), worker, 7, t0.Add(time.Hour))
				if err != nil || len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, e := range claimed {
					if _, ok := seen[e.ID]; ok {
						duplicates++
					}
					seen[e.ID] = worker
				}
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	assert.Zero(t, duplicates)
	assert.Len(t, seen, 60)

	counts, err := repo.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(60), counts[models.StatusProcessing])
	assert.Equal(t, int64(0), counts[models.StatusPending])
}

func TestMarkFailedDelaysRetry(t *testing.T) {
	db := newTestDB(t)
	repo := NewRawEventRepository(db, db)
	ctx := context.Background()
	appendEvents(t, repo, 1)

	claimed, err := repo.Claim(ctx, "w1", 10, t0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	retryAt := t0.Add(30 * time.Second)
	status, err := repo.MarkFailed(ctx, &claimed[0], &retryAt, "boom", t0)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, status)

	early, err := repo.Claim(ctx, "w1", 10, t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.Empty(t, early)

	due, err := repo.Claim(ctx, "w1", 10, t0.Add(31*time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 2, due[0].AttemptCount)
	assert.Equal(t, "boom", due[0].LastError)
}

func TestMarkFailedWithoutRetryDeadLetters(t *testing.T) {
	db := newTestDB(t)
	repo := NewRawEventRepository(db, db)
	ctx := context.Background()
	appendEvents(t, repo, 1)

	claimed, err := repo.Claim(ctx, "w1", 10, t0)
	require.NoError(t, err)

	status, err := repo.MarkFailed(ctx, &claimed[0], nil, "bad payload", t0)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeadLetter, status)

	again, err := repo.Claim(ctx, "w1", 10, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, again)

	dead, err := repo.ListByStatus(ctx, models.StatusDeadLetter, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "bad payload", dead[0].LastError)
}

func TestTransitionRejectsStaleClaim(t *testing.T) {
	db := newTestDB(t)
	repo := NewRawEventRepository(db, db)
	ctx := context.Background()
	appendEvents(t, repo, 1)

	claimed, err := repo.Claim(ctx, "w1", 1, t0)
	require.NoError(t, err)
	stale := claimed[0]

	_, _, err = repo.ReclaimStalled(ctx, t0.Add(time.Minute), 5, t0.Add(time.Minute))
	require.NoError(t, err)

	err = repo.MarkEnriched(ctx, &stale, t0.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrClaimLost)
}

func TestReclaimStalled(t *testing.T) {
	db := newTestDB(t)
	repo := NewRawEventRepository(db, db)
	ctx := context.Background()
	ids := appendEvents(t, repo, 2)

	claimed, err := repo.Claim(ctx, "w1", 2, t0)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// the second event already used its last attempt
	require.NoError(t, db.Model(&models.RawEvent{}).Where("id = ?", ids[1]).Update("attempt_count", 3).Error)

	reclaimed, dead, err := repo.ReclaimStalled(ctx, t0.Add(-time.Second), 3, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, reclaimed, "not stalled yet")
	assert.Empty(t, dead)

	reclaimed, dead, err = repo.ReclaimStalled(ctx, t0.Add(5*time.Minute), 3, t0.Add(6*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, reclaimed)
	require.Len(t, dead, 1)
	assert.Equal(t, ids[1], dead[0].ID)

	first, err := repo.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, first.Status)

	again, err := repo.Claim(ctx, "w2", 10, t0.Add(6*time.Minute))
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, ids[0], again[0].ID)
}

func TestReplay(t *testing.T) {
	db := newTestDB(t)
	repo := NewRawEventRepository(db, db)
	ctx := context.Background()
	ids := appendEvents(t, repo, 2)

	_, err := repo.Replay(ctx, ids[0])
	assert.ErrorIs(t, err, ErrNotReplayable)

	_, err = repo.Replay(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	claimed, err := repo.Claim(ctx, "w1", 1, t0)
	require.NoError(t, err)
	_, err = repo.MarkFailed(ctx, &claimed[0], nil, "dead", t0)
	require.NoError(t, err)

	replayed, err := repo.Replay(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, replayed.Status)
	assert.Zero(t, replayed.AttemptCount)
	assert.Empty(t, replayed.LastError)
	assert.Nil(t, replayed.ProcessedAt)
}

func TestGetMissing(t *testing.T) {
	db := newTestDB(t)
	_, err := NewRawEventRepository(db, db).Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnrichedEventUpsertAndConvert(t *testing.T) {
	db := newTestDB(t)
	repo := NewEnrichedEventRepository(db, db)
	ctx := context.Background()
	rawID := uuid.New()

	e := session.Event{
		ID: rawID.String(), UserID: "u1", SessionID: "s1", Name: "$autocapture",
		EventType: classify.EventTypeClick, ActionType: classify.ActionClick,
		Label: "Clicked 'Buy' button", PagePath: "/", PageTitle: "home page",
		Element: "button", Text: "Buy",
		Hierarchy:  &enrich.Hierarchy{Page: "/", Components: []string{"form"}, Element: "button"},
		Context:    map[string]interface{}{"plan": "pro"},
		OccurredAt: t0, ReceivedAt: t0,
	}
	row, err := NewEnrichedEvent(e)
	require.NoError(t, err)
	require.NoError(t, repo.Upsert(ctx, row))

	e.Label = "Clicked 'Buy now' button"
	again, err := NewEnrichedEvent(e)
	require.NoError(t, err)
	require.NoError(t, repo.Upsert(ctx, again))

	count, err := repo.CountByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	rows, err := repo.ListBySession(ctx, "u1", "s1")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	back, err := ToSessionEvent(rows[0])
	require.NoError(t, err)
	assert.Equal(t, rawID.String(), back.ID)
	assert.Equal(t, "Clicked 'Buy now' button", back.Label)
	assert.Equal(t, e.Hierarchy, back.Hierarchy)
	assert.Equal(t, "pro", back.Context["plan"])
	assert.True(t, t0.Equal(back.OccurredAt))

	_, err = NewEnrichedEvent(session.Event{ID: "not-a-uuid"})
	assert.Error(t, err)
}

func TestListRecentByUserSpansSessions(t *testing.T) {
	db := newTestDB(t)
	repo := NewEnrichedEventRepository(db, db)
	ctx := context.Background()

	for i, sid := range []string{"", "s1", "", "s2", "s3"} {
		row, err := NewEnrichedEvent(session.Event{
			ID: uuid.New().String(), UserID: "u1", SessionID: sid, Name: "custom",
			EventType: classify.EventTypeCustom, ActionType: classify.ActionUnknown,
			OccurredAt: t0.Add(time.Duration(i) * time.Minute), ReceivedAt: t0,
		})
		require.NoError(t, err)
		require.NoError(t, repo.Upsert(ctx, row))
	}
	other, err := NewEnrichedEvent(session.Event{
		ID: uuid.New().String(), UserID: "u2", SessionID: "s9", Name: "custom",
		EventType: classify.EventTypeCustom, ActionType: classify.ActionUnknown,
		OccurredAt: t0.Add(time.Hour), ReceivedAt: t0,
	})
	require.NoError(t, err)
	require.NoError(t, repo.Upsert(ctx, other))

	rows, err := repo.ListRecentByUser(ctx, "u1", 4)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"s3", "s2", "", "s1"}, []string{rows[0].SessionID, rows[1].SessionID, rows[2].SessionID, rows[3].SessionID})
	for i := 1; i < len(rows); i++ {
		assert.True(t, rows[i-1].OccurredAt.After(rows[i].OccurredAt))
	}
}

func TestSessionRepository(t *testing.T) {
	db := newTestDB(t)
	repo := NewSessionRepository(db, db)
	ctx := context.Background()

	b := session.NewBuilder(30 * time.Minute)
	s, err := b.Ingest(nil, session.Event{ID: "a", UserID: "u1", SessionID: "s1", EventType: classify.EventTypePageview, PagePath: "/", OccurredAt: t0, ReceivedAt: t0})
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, ToSessionModel(s)))

	s, err = b.Ingest(s, session.Event{ID: "b", UserID: "u1", SessionID: "s1", EventType: classify.EventTypeClick, PagePath: "/", OccurredAt: t0.Add(time.Minute), ReceivedAt: t0})
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, ToSessionModel(s)))

	stored, err := repo.Get(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.EventCount)
	assert.Equal(t, 1, stored.ClicksCount)
	assert.True(t, stored.Active)
	assert.True(t, t0.Add(time.Minute).Equal(stored.LastSeenAt))

	open, err := repo.ListOpenByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, open, 1)

	idle, err := repo.ListIdle(ctx, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, idle, 1)

	closed, err := repo.Close(ctx, "u1", "s1", t0.Add(31*time.Minute))
	require.NoError(t, err)
	assert.True(t, closed)

	closed, err = repo.Close(ctx, "u1", "s1", t0.Add(40*time.Minute))
	require.NoError(t, err)
	assert.False(t, closed)

	idle, err = repo.ListIdle(ctx, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, idle)

	_, err = repo.Get(ctx, "u1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSummaryRepository(t *testing.T) {
	db := newTestDB(t)
	repo := NewSummaryRepository(db, db)
	ctx := context.Background()

	_, ok, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	err = db.Transaction(func(tx *gorm.DB) error {
		txRepo := repo.WithTx(tx)
		row, err := txRepo.Lock(ctx, "u1")
		if err != nil {
			return err
		}
		return txRepo.Save(ctx, row, patterns.Summary{UserID: "u1", LastSessionSummary: "Viewed 1 page.", ComputedAt: t0})
	})
	require.NoError(t, err)

	summary, ok, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Viewed 1 page.", summary.LastSessionSummary)

	row, err := repo.Lock(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, row.Version)

	_, ok, err = repo.Get(ctx, "u2")
	require.NoError(t, err)
	assert.False(t, ok)
}
