package db

import (
	"fmt"
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"npt-ingest-backend/config"
	"npt-ingest-backend/internal/model"
)

// Init initializes the database connection and runs migrations.
func Init(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)

	log.Println("Running database migrations...")
	if err := Migrate(db); err != nil {
		return nil, err
	}

	if err := applyPostgresDDL(db); err != nil {
		log.Printf("Warning: failed to apply postgres-specific DDL: %v. Continuing without it.", err)
	}

	log.Println("Database initialization complete.")
	return db, nil
}

// Migrate creates or updates the core tables. Exposed so tests can migrate
// an in-memory database with the same model set.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Machine{},
		&model.Reason{},
		&model.NptInterval{},
		&model.RotationSample{},
		&model.RawStatusLog{},
		&model.ProcessorCursor{},
	); err != nil {
		return fmt.Errorf("automigrate failed: %w", err)
	}
	return nil
}

// applyPostgresDDL adds constraints AutoMigrate cannot express. The partial
// unique index enforces "at most one open interval per machine" at the
// database level, backing up the application-level state machine.
func applyPostgresDDL(db *gorm.DB) error {
	ddls := []string{
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_npt_one_open_per_machine ON npt_intervals (mc_no) WHERE on_time IS NULL;",
		"CREATE INDEX IF NOT EXISTS idx_npt_mc_off_desc ON npt_intervals (mc_no, off_time DESC);",
	}

	for _, ddl := range ddls {
		if err := db.Exec(ddl).Error; err != nil {
			return fmt.Errorf("DDL failed on %q: %w", ddl, err)
		}
	}
	return nil
}
