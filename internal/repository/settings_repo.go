package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/streamhawk/streamhawk/internal/models"
)

// SettingsRepository manages the single persisted settings record.
type SettingsRepository struct {
	db *gorm.DB
}

// NewSettingsRepository creates a settings repository.
func NewSettingsRepository(db *gorm.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get returns the settings record, creating defaults on first access.
func (r *SettingsRepository) Get(ctx context.Context) (*models.AppSettings, error) {
	var s models.AppSettings
	err := r.db.WithContext(ctx).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		defaults := models.DefaultSettings()
		if err := r.db.WithContext(ctx).Create(defaults).Error; err != nil {
			return nil, fmt.Errorf("creating default settings: %w", err)
		}
		return defaults, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting settings: %w", err)
	}
	s.Clamp()
	return &s, nil
}

// Update applies changes through mutate, clamps the result and persists it.
// The stored record is always in range regardless of what the UI sent.
func (r *SettingsRepository) Update(ctx context.Context, mutate func(*models.AppSettings)) (*models.AppSettings, error) {
	s, err := r.Get(ctx)
	if err != nil {
		return nil, err
	}

	mutate(s)
	s.Clamp()

	if err := r.db.WithContext(ctx).Save(s).Error; err != nil {
		return nil, fmt.Errorf("saving settings: %w", err)
	}
	return s, nil
}
