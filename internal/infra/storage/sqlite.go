package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"orderflow/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Storage is the durable gateway for orders, attempt history and queue jobs.
type Storage struct {
	db *gorm.DB
}

// NewStorage creates a SQLite-backed storage at the given path. An empty path
// falls back to a per-user data directory.
func NewStorage(path string) (*Storage, error) {
	dbPath := path
	if dbPath == "" {
		var err error
		dbPath, err = defaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
	}

	// Ensure directory exists
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Auto Migration
	if err := db.AutoMigrate(&domain.Order{}, &domain.Attempt{}, &domain.Job{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// defaultDBPath resolves the database file location under the user config dir.
func defaultDBPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "orderflow", "data", "orderflow.db"), nil
}

// ======================================================================================
// Order Operations
// ======================================================================================

// UpsertOrder creates or updates an order record
func (s *Storage) UpsertOrder(order *domain.Order) error {
	return s.db.Save(order).Error
}

// GetOrder retrieves an order by ID
func (s *Storage) GetOrder(id string) (*domain.Order, error) {
	var order domain.Order
	err := s.db.First(&order, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ======================================================================================
// Attempt Operations
// ======================================================================================

// UpsertAttempt appends an attempt record, or updates it in place when the
// same (order, number) pair already exists. Historical attempts are never
// deleted.
func (s *Storage) UpsertAttempt(attempt *domain.Attempt) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}, {Name: "number"}},
		DoUpdates: clause.AssignmentColumns([]string{"stage", "venue", "error_msg"}),
	}).Create(attempt).Error
}

// GetAttempts returns all attempts for an order in ascending attempt number
func (s *Storage) GetAttempts(orderID string) ([]domain.Attempt, error) {
	var attempts []domain.Attempt
	err := s.db.Where("order_id = ?", orderID).Order("number asc").Find(&attempts).Error
	return attempts, err
}

// ======================================================================================
// Job Operations
// ======================================================================================

// CreateJob admits a new queued job
func (s *Storage) CreateJob(job *domain.Job) error {
	return s.db.Create(job).Error
}

// DueJobs returns queued jobs whose NextRunAt has elapsed, oldest first
func (s *Storage) DueJobs(now time.Time, limit int) ([]domain.Job, error) {
	var jobs []domain.Job
	err := s.db.
		Where("status = ? AND next_run_at <= ?", domain.JobQueued, now).
		Order("next_run_at asc").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// MarkJobInflight transitions a queued job to inflight. Returns false when the
// job was already claimed by another dispatcher pass.
func (s *Storage) MarkJobInflight(jobID uint) (bool, error) {
	res := s.db.Model(&domain.Job{}).
		Where("id = ? AND status = ?", jobID, domain.JobQueued).
		Update("status", domain.JobInflight)
	return res.RowsAffected > 0, res.Error
}

// CompleteJob marks a job completed and records its final attempt count
func (s *Storage) CompleteJob(jobID uint, attempts int) error {
	return s.db.Model(&domain.Job{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"status":   domain.JobCompleted,
			"attempts": attempts,
		}).Error
}

// RescheduleJob requeues a failed job for a later retry
func (s *Storage) RescheduleJob(jobID uint, attempts int, nextRunAt time.Time, lastError string) error {
	return s.db.Model(&domain.Job{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"status":      domain.JobQueued,
			"attempts":    attempts,
			"next_run_at": nextRunAt,
			"last_error":  lastError,
		}).Error
}

// MarkJobDead permanently dead-letters a job after its retry ceiling
func (s *Storage) MarkJobDead(jobID uint, attempts int, lastError string) error {
	return s.db.Model(&domain.Job{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"status":     domain.JobDead,
			"attempts":   attempts,
			"last_error": lastError,
		}).Error
}

// RequeueInflight flips jobs stranded inflight by a crash back to queued so
// they are redelivered. Called once at startup, before workers run.
func (s *Storage) RequeueInflight() (int64, error) {
	res := s.db.Model(&domain.Job{}).
		Where("status = ?", domain.JobInflight).
		Update("status", domain.JobQueued)
	return res.RowsAffected, res.Error
}

// GetJob retrieves a job by ID
func (s *Storage) GetJob(jobID uint) (*domain.Job, error) {
	var job domain.Job
	err := s.db.First(&job, jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}
