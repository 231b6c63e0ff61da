package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/streamhawk/streamhawk/internal/models"
)

// ScrollRepository remembers per-tab UI scroll offsets.
type ScrollRepository struct {
	db *gorm.DB
}

// NewScrollRepository creates a scroll position repository.
func NewScrollRepository(db *gorm.DB) *ScrollRepository {
	return &ScrollRepository{db: db}
}

// Set upserts the scroll position for a tab.
func (r *ScrollRepository) Set(ctx context.Context, tabID int64, position int) error {
	record := models.ScrollPosition{TabID: tabID, Position: position}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tab_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"position", "updated_at"}),
		}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("setting scroll position: %w", err)
	}
	return nil
}

// Get returns the scroll position for a tab, or 0 if unknown.
func (r *ScrollRepository) Get(ctx context.Context, tabID int64) (int, error) {
	var record models.ScrollPosition
	err := r.db.WithContext(ctx).Where("tab_id = ?", tabID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("getting scroll position: %w", err)
	}
	return record.Position, nil
}

// DeleteTab drops the scroll position of a closed tab.
func (r *ScrollRepository) DeleteTab(ctx context.Context, tabID int64) error {
	err := r.db.WithContext(ctx).Unscoped().
		Where("tab_id = ?", tabID).
		Delete(&models.ScrollPosition{}).Error
	if err != nil {
		return fmt.Errorf("deleting scroll position: %w", err)
	}
	return nil
}
