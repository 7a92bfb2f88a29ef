package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/DanielKusyDev/posthog-session-insights/internal/models"
)

// RawEventRepository is the processing queue over raw_events
type RawEventRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewRawEventRepository creates a new raw event repository
func NewRawEventRepository(db *gorm.DB, readOnlyDB *gorm.DB) *RawEventRepository {
	return &RawEventRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// WithTx returns a repository bound to the transaction
func (r *RawEventRepository) WithTx(tx *gorm.DB) *RawEventRepository {
	return &RawEventRepository{db: tx, readOnlyDB: tx}
}

// Append stores a new PENDING event. It reports false when an event with the
// same id already exists, leaving the stored row untouched.
func (r *RawEventRepository) Append(ctx context.Context, event *models.RawEvent, receivedAt time.Time) (bool, error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.Status = models.StatusPending
	event.ReceivedAt = receivedAt
	event.AttemptCount = 0
	event.Version = 0

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(event)
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "failed to append raw event")
	}
	return res.RowsAffected == 1, nil
}

// Claim atomically moves up to limit eligible events to PROCESSING for the
// worker. Eligible are PENDING events and FAILED events whose retry time has
// come, oldest received first. Rows locked or changed by a concurrent claimer
// are skipped, so no event is returned to two claimers.
func (r *RawEventRepository) Claim(ctx context.Context, workerID string, limit int, now time.Time) ([]models.RawEvent, error) {
	var claimed []models.RawEvent

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []models.RawEvent
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? OR (status = ? AND next_attempt_at <= ?)", models.StatusPending, models.StatusFailed, now).
			Order("received_at ASC, id ASC").
			Limit(limit).
			Find(&candidates).Error
		if err != nil {
			return errors.Wrap(err, "failed to select claimable events")
		}

		for i := range candidates {
			c := candidates[i]
			res := tx.Model(&models.RawEvent{}).
				Where("id = ? AND status = ? AND version = ?", c.ID, c.Status, c.Version).
				Updates(map[string]interface{}{
					"status":          models.StatusProcessing,
					"claimed_by":      workerID,
					"claimed_at":      now,
					"next_attempt_at": nil,
					"attempt_count":   gorm.Expr("attempt_count + 1"),
					"version":         gorm.Expr("version + 1"),
				})
			if res.Error != nil {
				return errors.Wrap(res.Error, "failed to claim event")
			}
			if res.RowsAffected != 1 {
				continue
			}

			claimedAt := now
			c.Status = models.StatusProcessing
			c.ClaimedBy = workerID
			c.ClaimedAt = &claimedAt
			c.NextAttemptAt = nil
			c.AttemptCount++
			c.Version++
			claimed = append(claimed, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

// MarkEnriched completes a claimed event. It fails with ErrClaimLost when the
// row is no longer the claimed version.
func (r *RawEventRepository) MarkEnriched(ctx context.Context, event *models.RawEvent, now time.Time) error {
	return r.transition(ctx, event, map[string]interface{}{
		"status":       models.StatusEnriched,
		"processed_at": now,
		"last_error":   "",
	})
}

// MarkFailed records a failed attempt. The event becomes FAILED with the
// given retry time, or DEAD_LETTER when nextAttemptAt is nil.
func (r *RawEventRepository) MarkFailed(ctx context.Context, event *models.RawEvent, nextAttemptAt *time.Time, lastError string, now time.Time) (models.EventStatus, error) {
	status := models.StatusFailed
	updates := map[string]interface{}{
		"last_error":      lastError,
		"next_attempt_at": nextAttemptAt,
	}
	if nextAttemptAt == nil {
		status = models.StatusDeadLetter
		updates["processed_at"] = now
	}
	updates["status"] = status

	if err := r.transition(ctx, event, updates); err != nil {
		return "", err
	}
	return status, nil
}

func (r *RawEventRepository) transition(ctx context.Context, event *models.RawEvent, updates map[string]interface{}) error {
	updates["version"] = gorm.Expr("version + 1")

	res := r.db.WithContext(ctx).Model(&models.RawEvent{}).
		Where("id = ? AND status = ? AND version = ?", event.ID, models.StatusProcessing, event.Version).
		Updates(updates)
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to update event status")
	}
	if res.RowsAffected != 1 {
		return errors.Wrapf(ErrClaimLost, "event %s version %d", event.ID, event.Version)
	}

	event.Version++
	if status, ok := updates["status"].(models.EventStatus); ok {
		event.Status = status
	}
	return nil
}

// ReclaimStalled releases PROCESSING events claimed before cutoff. Events with
// attempts left become FAILED and immediately eligible; the rest become
// DEAD_LETTER and are returned.
func (r *RawEventRepository) ReclaimStalled(ctx context.Context, cutoff time.Time, maxAttempts int, now time.Time) (int, []models.RawEvent, error) {
	reclaimed := 0
	var deadLettered []models.RawEvent

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stalled []models.RawEvent
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND claimed_at < ?", models.StatusProcessing, cutoff).
			Find(&stalled).Error
		if err != nil {
			return errors.Wrap(err, "failed to select stalled events")
		}

		for i := range stalled {
			e := stalled[i]
			updates := map[string]interface{}{
				"version":    gorm.Expr("version + 1"),
				"last_error": "processing stalled",
			}
			exhausted := e.AttemptCount >= maxAttempts
			if exhausted {
				updates["status"] = models.StatusDeadLetter
				updates["processed_at"] = now
			} else {
				updates["status"] = models.StatusFailed
				updates["next_attempt_at"] = now
			}

			res := tx.Model(&models.RawEvent{}).
				Where("id = ? AND status = ? AND version = ?", e.ID, models.StatusProcessing, e.Version).
				Updates(updates)
			if res.Error != nil {
				return errors.Wrap(res.Error, "failed to reclaim event")
			}
			if res.RowsAffected != 1 {
				continue
			}

			reclaimed++
			if exhausted {
				e.Status = models.StatusDeadLetter
				e.Version++
				e.LastError = "processing stalled"
				deadLettered = append(deadLettered, e)
			}
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}

	return reclaimed, deadLettered, nil
}

// Replay returns an ENRICHED or DEAD_LETTER event to PENDING with a fresh attempt budget
func (r *RawEventRepository) Replay(ctx context.Context, id uuid.UUID) (*models.RawEvent, error) {
	var event models.RawEvent

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&event, "id = ?", id).Error; err != nil {
			return wrapNotFound(err, "failed to get raw event")
		}
		if !event.Status.Terminal() {
			return errors.Wrapf(ErrNotReplayable, "event %s is %s", id, event.Status)
		}

		res := tx.Model(&models.RawEvent{}).
			Where("id = ? AND version = ?", event.ID, event.Version).
			Updates(map[string]interface{}{
				"status":          models.StatusPending,
				"attempt_count":   0,
				"version":         gorm.Expr("version + 1"),
				"next_attempt_at": nil,
				"claimed_by":      "",
				"claimed_at":      nil,
				"last_error":      "",
				"processed_at":    nil,
			})
		if res.Error != nil {
			return errors.Wrap(res.Error, "failed to replay event")
		}
		if res.RowsAffected != 1 {
			return errors.Wrapf(ErrClaimLost, "event %s changed during replay", id)
		}
		return tx.First(&event, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}

	return &event, nil
}

// Get returns a raw event by id
func (r *RawEventRepository) Get(ctx context.Context, id uuid.UUID) (*models.RawEvent, error) {
	var event models.RawEvent
	if err := r.readOnlyDB.WithContext(ctx).First(&event, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound(err, "failed to get raw event")
	}
	return &event, nil
}

// ListByStatus returns events in a state, oldest received first
func (r *RawEventRepository) ListByStatus(ctx context.Context, status models.EventStatus, limit int) ([]models.RawEvent, error) {
	var events []models.RawEvent
	err := r.readOnlyDB.WithContext(ctx).
		Where("status = ?", status).
		Order("received_at ASC, id ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list raw events")
	}
	return events, nil
}

// CountByStatus returns the number of events per state, zero for absent states
func (r *RawEventRepository) CountByStatus(ctx context.Context) (map[models.EventStatus]int64, error) {
	var rows []struct {
		Status models.EventStatus
		Count  int64
	}
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.RawEvent{}).
		Select("status, count(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to count raw events")
	}

	counts := make(map[models.EventStatus]int64, len(models.Statuses))
	for _, status := range models.Statuses {
		counts[status] = 0
	}
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
