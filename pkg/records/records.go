// Package records persists final extraction results and answers duplicate
// lookups. A (file path, expected name) pair that was already processed is a
// duplicate: the worker short-circuits it with the stored record instead of
// re-running extraction, which is what makes at-least-once delivery safe.
package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/eakdogan/ocrflow/pkg/logger"
)

var rlog = logger.With("records")

// Record is one finished extraction, keyed by the task that produced it.
type Record struct {
	ID                    uint      `gorm:"primaryKey" json:"-"`
	TaskID                string    `gorm:"uniqueIndex;size:64" json:"task_id"`
	FilePath              string    `gorm:"index:idx_file_name;size:1024" json:"file_path"`
	ExpectedName          string    `gorm:"index:idx_file_name;size:255" json:"expected_name"`
	DetectedName          *string   `gorm:"size:255" json:"detected_name"`
	MatchStatus           bool      `json:"match_status"`
	InsuranceCompany      *string   `gorm:"size:255" json:"insurance_company"`
	ProcessingTimeSeconds float64   `json:"processing_time_seconds"`
	Status                string    `gorm:"size:32" json:"status"`
	ErrorMessage          string    `gorm:"size:2048" json:"error_message,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
}

// Store is the persistence contract the worker depends on. The engine only
// ever calls these two operations; everything else about the relational
// layer stays behind this boundary.
type Store interface {
	FindDuplicate(ctx context.Context, filePath, expectedName string) (*Record, error)
	Persist(ctx context.Context, rec *Record) error
}

// GormStore is the Postgres-backed Store.
type GormStore struct {
	db *gorm.DB
}

// Open connects to Postgres, runs the schema migration and returns the
// store.
func Open(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate records schema: %w", err)
	}

	rlog.Info().Msg("Postgres connection established")
	return &GormStore{db: db}, nil
}

// FindDuplicate returns the earliest completed record for the same file and
// expected name, or nil when the pair has never been processed.
func (s *GormStore) FindDuplicate(ctx context.Context, filePath, expectedName string) (*Record, error) {
	var rec Record
	err := s.db.WithContext(ctx).
		Where("file_path = ? AND expected_name = ? AND status = ?", filePath, expectedName, "completed").
		Order("created_at asc").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("duplicate lookup: %w", err)
	}
	return &rec, nil
}

// Persist inserts the record.
func (s *GormStore) Persist(ctx context.Context, rec *Record) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("persist record %s: %w", rec.TaskID, err)
	}
	return nil
}
