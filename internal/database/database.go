package database

import (
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/DanielKusyDev/posthog-session-insights/config"
	"github.com/DanielKusyDev/posthog-session-insights/internal/models"
)

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DB is an interface for database operations
type DB interface {
	DB() (*gorm.DB, error)
	// ReadOnly returns the replica handle, or the primary when none is configured
	ReadOnly() *gorm.DB
	Close() error
}

// GormDatabase implements the DB interface for GORM
type GormDatabase struct {
	db       *gorm.DB
	readOnly *gorm.DB
}

// Connect establishes a connection to the database and the optional read replica
func Connect(cfg config.DatabaseConfig) (DB, error) {
	db, err := open(cfg, cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	gdb := &GormDatabase{db: db, readOnly: db}
	if cfg.ReadOnlyDSN != "" && cfg.Driver == DriverPostgres {
		ro, err := open(cfg, cfg.ReadOnlyDSN)
		if err != nil {
			_ = gdb.Close()
			return nil, errors.Wrap(err, "failed to connect to read-only database")
		}
		gdb.readOnly = ro
	}

	return gdb, nil
}

func open(cfg config.DatabaseConfig, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverPostgres, "":
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, errors.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   NewLogger(cfg.SlowThreshold),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get DB instance")
	}

	if cfg.Driver == DriverSQLite {
		// single writer; a recycled connection would drop an in-memory database
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
		return db, nil
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	sqlDB.SetConnMaxLifetime(lifetime)

	return db, nil
}

// DB returns the underlying gorm.DB instance
func (d *GormDatabase) DB() (*gorm.DB, error) {
	return d.db, nil
}

// ReadOnly returns the replica handle
func (d *GormDatabase) ReadOnly() *gorm.DB {
	return d.readOnly
}

// Close closes the database connections
func (d *GormDatabase) Close() error {
	if d.readOnly != nil && d.readOnly != d.db {
		if sqlDB, err := d.readOnly.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AutoMigrate runs database migrations
func AutoMigrate(db DB) error {
	gormDB, err := db.DB()
	if err != nil {
		return err
	}
	return models.SetupModels(gormDB)
}

// Ping checks that the primary connection is alive
func Ping(db DB) error {
	gormDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
