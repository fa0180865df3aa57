package database

import (
	"fmt"

	"github.com/ksred/klear-netting/internal/database/migrations"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the sqlite database at path and runs migrations.
// SQLite allows a single writer, so the pool is capped at one connection.
func NewDatabase(path string, debug bool) (*gorm.DB, error) {
	logLevel := logger.Silent
	if debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate runs every migration in order. Each is idempotent.
func Migrate(db *gorm.DB) error {
	if err := migrations.AddNettingSessions(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddOffsetEntries(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
