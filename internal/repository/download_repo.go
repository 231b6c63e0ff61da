// Package repository provides data access for persisted streamhawk state.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/streamhawk/streamhawk/internal/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// DownloadRepository manages the active-downloads table.
type DownloadRepository struct {
	db *gorm.DB
}

// NewDownloadRepository creates a download repository.
func NewDownloadRepository(db *gorm.DB) *DownloadRepository {
	return &DownloadRepository{db: db}
}

// Create inserts a new download snapshot.
func (r *DownloadRepository) Create(ctx context.Context, d *models.Download) error {
	if err := r.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("creating download: %w", err)
	}
	return nil
}

// Save writes the full current snapshot. Idempotent by primary key, so an
// at-least-once writer is safe.
func (r *DownloadRepository) Save(ctx context.Context, d *models.Download) error {
	if err := r.db.WithContext(ctx).Save(d).Error; err != nil {
		return fmt.Errorf("saving download: %w", err)
	}
	return nil
}

// GetByDownloadID fetches one download by its public id.
func (r *DownloadRepository) GetByDownloadID(ctx context.Context, downloadID string) (*models.Download, error) {
	var d models.Download
	err := r.db.WithContext(ctx).Where("download_id = ?", downloadID).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting download %s: %w", downloadID, err)
	}
	return &d, nil
}

// FindActiveByURL returns the non-terminal download for a URL, if any. Used
// for duplicate suppression.
func (r *DownloadRepository) FindActiveByURL(ctx context.Context, downloadURL string) (*models.Download, error) {
	var d models.Download
	err := r.db.WithContext(ctx).
		Where("download_url = ? AND status IN ?", downloadURL, activeStatuses()).
		First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding active download for url: %w", err)
	}
	return &d, nil
}

// ListAll returns every download snapshot, oldest first.
func (r *DownloadRepository) ListAll(ctx context.Context) ([]*models.Download, error) {
	var list []*models.Download
	if err := r.db.WithContext(ctx).Order("started_at ASC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("listing downloads: %w", err)
	}
	return list, nil
}

// ListActive returns the non-terminal download snapshots, oldest first.
func (r *DownloadRepository) ListActive(ctx context.Context) ([]*models.Download, error) {
	var list []*models.Download
	err := r.db.WithContext(ctx).
		Where("status IN ?", activeStatuses()).
		Order("started_at ASC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("listing active downloads: %w", err)
	}
	return list, nil
}

// CountActive returns the number of non-terminal downloads.
func (r *DownloadRepository) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&models.Download{}).
		Where("status IN ?", activeStatuses()).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("counting active downloads: %w", err)
	}
	return n, nil
}

// Delete removes a download snapshot by public id. Hard delete: snapshots
// are operational state, not an audit trail.
func (r *DownloadRepository) Delete(ctx context.Context, downloadID string) error {
	err := r.db.WithContext(ctx).Unscoped().
		Where("download_id = ?", downloadID).
		Delete(&models.Download{}).Error
	if err != nil {
		return fmt.Errorf("deleting download %s: %w", downloadID, err)
	}
	return nil
}

// DeleteTerminalBefore removes terminal snapshots older than the cutoff.
// The retention window lets late-attaching observers see final states.
func (r *DownloadRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Unscoped().
		Where("status NOT IN ? AND finished_at < ?", activeStatuses(), cutoff).
		Delete(&models.Download{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning terminal downloads: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func activeStatuses() []models.DownloadStatus {
	return []models.DownloadStatus{
		models.DownloadStatusQueued,
		models.DownloadStatusDownloading,
		models.DownloadStatusStopping,
	}
}
