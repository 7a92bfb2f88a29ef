package database

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const defaultSlowThreshold = 200 * time.Millisecond

// Logger routes gorm's logging through zerolog
type Logger struct {
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

// NewLogger creates a gorm logger. Queries slower than slowThreshold are warned about.
func NewLogger(slowThreshold time.Duration) *Logger {
	if slowThreshold <= 0 {
		slowThreshold = defaultSlowThreshold
	}
	return &Logger{level: gormlogger.Warn, slowThreshold: slowThreshold}
}

// LogMode returns a copy with the given level
func (l *Logger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	c := *l
	c.level = level
	return &c
}

// Info logs at info level
func (l *Logger) Info(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		log.Info().Msgf(msg, args...)
	}
}

// Warn logs at warn level
func (l *Logger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		log.Warn().Msgf(msg, args...)
	}
}

// Error logs at error level
func (l *Logger) Error(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		log.Error().Msgf(msg, args...)
	}
}

// Trace logs a finished statement
func (l *Logger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	var event *zerolog.Event
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		event = log.Error().Err(err)
	case elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		event = log.Warn().Str("threshold", l.slowThreshold.String())
	case l.level >= gormlogger.Info:
		event = log.Debug()
	default:
		return
	}

	sql, rows := fc()
	event.Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", sql).Msg("gorm query")
}
