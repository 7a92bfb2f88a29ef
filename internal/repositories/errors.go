package repositories

import (
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Common repository errors
var (
	ErrNotFound = errors.New("record not found")
	// ErrClaimLost means the row changed since it was claimed
	ErrClaimLost     = errors.New("claim lost")
	ErrNotReplayable = errors.New("event is not in a replayable state")
)

// wrapNotFound maps gorm's not-found error onto ErrNotFound
func wrapNotFound(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrap(ErrNotFound, msg)
	}
	return errors.Wrap(err, msg)
}
