package repositories

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/DanielKusyDev/posthog-session-insights/internal/models"
	"github.com/DanielKusyDev/posthog-session-insights/internal/patterns"
)

// SummaryRepository provides access to per-user summaries
type SummaryRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewSummaryRepository creates a new summary repository
func NewSummaryRepository(db *gorm.DB, readOnlyDB *gorm.DB) *SummaryRepository {
	return &SummaryRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// WithTx returns a repository bound to the transaction
func (r *SummaryRepository) WithTx(tx *gorm.DB) *SummaryRepository {
	return &SummaryRepository{db: tx, readOnlyDB: tx}
}

// Lock creates the user's summary row if missing and locks it until the
// surrounding transaction ends. Writers for one user serialize on this row.
func (r *SummaryRepository) Lock(ctx context.Context, userID string) (*models.UserSummary, error) {
	db := r.db.WithContext(ctx)

	err := db.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&models.UserSummary{UserID: userID}).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to create summary row")
	}

	var row models.UserSummary
	if err := db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "user_id = ?", userID).Error; err != nil {
		return nil, wrapNotFound(err, "failed to lock summary row")
	}
	return &row, nil
}

// Save stores a recomputed summary over the locked row
func (r *SummaryRepository) Save(ctx context.Context, row *models.UserSummary, summary patterns.Summary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return errors.Wrap(err, "failed to marshal summary")
	}
	computedAt := summary.ComputedAt

	res := r.db.WithContext(ctx).Model(&models.UserSummary{}).
		Where("user_id = ? AND version = ?", row.UserID, row.Version).
		Updates(map[string]interface{}{
			"payload":     payload,
			"has_data":    true,
			"computed_at": computedAt,
			"version":     gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to save summary")
	}
	if res.RowsAffected != 1 {
		return errors.Errorf("summary for %s changed concurrently", row.UserID)
	}

	row.Payload = payload
	row.HasData = true
	row.ComputedAt = &computedAt
	row.Version++
	return nil
}

// Get returns the latest committed summary. ok is false when the user has none.
func (r *SummaryRepository) Get(ctx context.Context, userID string) (patterns.Summary, bool, error) {
	var row models.UserSummary
	err := r.readOnlyDB.WithContext(ctx).First(&row, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return patterns.Summary{}, false, nil
	}
	if err != nil {
		return patterns.Summary{}, false, errors.Wrap(err, "failed to get summary")
	}
	if !row.HasData || len(row.Payload) == 0 {
		return patterns.Summary{}, false, nil
	}

	var summary patterns.Summary
	if err := json.Unmarshal(row.Payload, &summary); err != nil {
		return patterns.Summary{}, false, errors.Wrapf(err, "invalid summary payload for %s", userID)
	}
	return summary, true, nil
}
