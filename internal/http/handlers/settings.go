package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/streamhawk/streamhawk/internal/fanout"
	"github.com/streamhawk/streamhawk/internal/models"
	"github.com/streamhawk/streamhawk/internal/repository"
)

// SettingsHandler serves the persisted settings record. Updates are partial:
// absent fields keep their current value, out-of-range values are clamped.
type SettingsHandler struct {
	repo *repository.SettingsRepository
	hub  *fanout.Hub
}

// NewSettingsHandler creates a new settings handler.
func NewSettingsHandler(repo *repository.SettingsRepository, hub *fanout.Hub) *SettingsHandler {
	return &SettingsHandler{repo: repo, hub: hub}
}

// SettingsOutput is the settings record.
type SettingsOutput struct {
	Body *models.AppSettings
}

// UpdateSettingsInput carries a partial settings update.
type UpdateSettingsInput struct {
	Body struct {
		MaxConcurrentDownloads    *int    `json:"maxConcurrentDownloads,omitempty"`
		DefaultSavePath           *string `json:"defaultSavePath,omitempty"`
		ShowDownloadNotifications *bool   `json:"showDownloadNotifications,omitempty"`
		AutoGeneratePreviews      *bool   `json:"autoGeneratePreviews,omitempty"`
		MinFileSizeFilter         *int64  `json:"minFileSizeFilter,omitempty"`
		MaxHistorySize            *int    `json:"maxHistorySize,omitempty"`
		HistoryAutoRemoveInterval *int    `json:"historyAutoRemoveInterval,omitempty"`
	}
}

// Register registers the settings routes with the API.
func (h *SettingsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getSettings",
		Method:      "GET",
		Path:        "/api/v1/settings",
		Summary:     "Get settings",
		Tags:        []string{"Settings"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "updateSettings",
		Method:      "PUT",
		Path:        "/api/v1/settings",
		Summary:     "Update settings",
		Description: "Applies a partial settings update; values outside their valid range are clamped",
		Tags:        []string{"Settings"},
	}, h.Update)
}

// Get returns the current settings.
func (h *SettingsHandler) Get(ctx context.Context, _ *struct{}) (*SettingsOutput, error) {
	s, err := h.repo.Get(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("reading settings", err)
	}
	return &SettingsOutput{Body: s}, nil
}

// Update applies a partial settings update and broadcasts the new state.
func (h *SettingsHandler) Update(ctx context.Context, input *UpdateSettingsInput) (*SettingsOutput, error) {
	b := input.Body
	updated, err := h.repo.Update(ctx, func(s *models.AppSettings) {
		if b.MaxConcurrentDownloads != nil {
			s.MaxConcurrentDownloads = *b.MaxConcurrentDownloads
		}
		if b.DefaultSavePath != nil {
			s.DefaultSavePath = *b.DefaultSavePath
		}
		if b.ShowDownloadNotifications != nil {
			s.ShowDownloadNotifications = models.BoolPtr(*b.ShowDownloadNotifications)
		}
		if b.AutoGeneratePreviews != nil {
			s.AutoGeneratePreviews = models.BoolPtr(*b.AutoGeneratePreviews)
		}
		if b.MinFileSizeFilter != nil {
			s.MinFileSizeFilter = *b.MinFileSizeFilter
		}
		if b.MaxHistorySize != nil {
			s.MaxHistorySize = *b.MaxHistorySize
		}
		if b.HistoryAutoRemoveInterval != nil {
			s.HistoryAutoRemoveInterval = *b.HistoryAutoRemoveInterval
		}
	})
	if err != nil {
		return nil, huma.Error500InternalServerError("updating settings", err)
	}

	h.hub.Broadcast(fanout.Message{Type: fanout.TypeSettingsState, Data: updated})
	return &SettingsOutput{Body: updated}, nil
}
