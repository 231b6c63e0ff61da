package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/streamhawk/streamhawk/internal/models"
)

// HistoryRepository manages the download history table.
type HistoryRepository struct {
	db *gorm.DB
}

// NewHistoryRepository creates a history repository.
func NewHistoryRepository(db *gorm.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Add appends a history entry.
func (r *HistoryRepository) Add(ctx context.Context, entry *models.HistoryEntry) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("adding history entry: %w", err)
	}
	return nil
}

// List returns history entries newest first, up to limit (0 means all).
func (r *HistoryRepository) List(ctx context.Context, limit int) ([]*models.HistoryEntry, error) {
	q := r.db.WithContext(ctx).Order("completed_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var list []*models.HistoryEntry
	if err := q.Find(&list).Error; err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	return list, nil
}

// Count returns the total number of history entries.
func (r *HistoryRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.HistoryEntry{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting history: %w", err)
	}
	return n, nil
}

// Delete removes one entry by id.
func (r *HistoryRepository) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Unscoped().Where("id = ?", id).Delete(&models.HistoryEntry{}).Error; err != nil {
		return fmt.Errorf("deleting history entry: %w", err)
	}
	return nil
}

// Clear removes all history entries.
func (r *HistoryRepository) Clear(ctx context.Context) error {
	if err := r.db.WithContext(ctx).Unscoped().Where("1 = 1").Delete(&models.HistoryEntry{}).Error; err != nil {
		return fmt.Errorf("clearing history: %w", err)
	}
	return nil
}

// TrimToSize removes the oldest entries beyond max (0 removes everything).
func (r *HistoryRepository) TrimToSize(ctx context.Context, max int) (int64, error) {
	if max <= 0 {
		res := r.db.WithContext(ctx).Unscoped().Where("1 = 1").Delete(&models.HistoryEntry{})
		if res.Error != nil {
			return 0, fmt.Errorf("trimming history: %w", res.Error)
		}
		return res.RowsAffected, nil
	}

	var keep []models.ULID
	err := r.db.WithContext(ctx).
		Model(&models.HistoryEntry{}).
		Order("completed_at DESC").
		Limit(max).
		Pluck("id", &keep).Error
	if err != nil {
		return 0, fmt.Errorf("selecting history to keep: %w", err)
	}
	if len(keep) == 0 {
		return 0, nil
	}

	res := r.db.WithContext(ctx).Unscoped().
		Where("id NOT IN ?", keep).
		Delete(&models.HistoryEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("trimming history: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteOlderThan removes entries completed before the cutoff.
func (r *HistoryRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Unscoped().
		Where("completed_at < ?", cutoff).
		Delete(&models.HistoryEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("sweeping history: %w", res.Error)
	}
	return res.RowsAffected, nil
}
