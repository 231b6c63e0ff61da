package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/streamhawk/streamhawk/internal/detect"
	"github.com/streamhawk/streamhawk/internal/fanout"
	"github.com/streamhawk/streamhawk/internal/preview"
	"github.com/streamhawk/streamhawk/internal/stream"
	"github.com/streamhawk/streamhawk/internal/urlnorm"
)

// PreviewGenerator is the helper call behind on-demand preview requests.
type PreviewGenerator interface {
	GeneratePreview(ctx context.Context, url string, headers map[string]string) (string, error)
}

// PreviewHandler serves on-demand preview generation and the preview cache.
type PreviewHandler struct {
	helper  PreviewGenerator
	headers *detect.HeaderCache
	cache   *preview.Cache
	hub     *fanout.Hub
}

// NewPreviewHandler creates a new preview handler.
func NewPreviewHandler(helper PreviewGenerator, headers *detect.HeaderCache, cache *preview.Cache, hub *fanout.Hub) *PreviewHandler {
	return &PreviewHandler{helper: helper, headers: headers, cache: cache, hub: hub}
}

// GeneratePreviewInput requests a preview frame for a stream URL.
type GeneratePreviewInput struct {
	Body struct {
		TabID int64  `json:"tabId"`
		URL   string `json:"url"`
	}
}

// GeneratePreviewOutput carries the preview location.
type GeneratePreviewOutput struct {
	Body struct {
		PreviewURL string `json:"previewUrl"`
		Cached     bool   `json:"cached"`
	}
}

// PreviewStatsOutput is the preview cache counters.
type PreviewStatsOutput struct {
	Body preview.Stats
}

// ClearCachesOutput reports how many cached previews were dropped.
type ClearCachesOutput struct {
	Body struct {
		Cleared int `json:"cleared"`
	}
}

// Register registers the preview routes with the API.
func (h *PreviewHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "generatePreview",
		Method:      "POST",
		Path:        "/api/v1/previews",
		Summary:     "Generate a preview frame",
		Description: "Extracts a preview frame through the helper, serving repeats from cache",
		Tags:        []string{"Previews"},
	}, h.Generate)

	huma.Register(api, huma.Operation{
		OperationID: "getPreviewCacheStats",
		Method:      "GET",
		Path:        "/api/v1/previews/stats",
		Summary:     "Get preview cache statistics",
		Tags:        []string{"Previews"},
	}, h.Stats)

	huma.Register(api, huma.Operation{
		OperationID: "clearCaches",
		Method:      "POST",
		Path:        "/api/v1/caches/clear",
		Summary:     "Clear caches",
		Description: "Drops every cached preview and notifies observers",
		Tags:        []string{"Previews"},
	}, h.Clear)
}

// Generate returns a preview frame URL for a stream.
func (h *PreviewHandler) Generate(ctx context.Context, input *GeneratePreviewInput) (*GeneratePreviewOutput, error) {
	if input.Body.URL == "" {
		return nil, huma.Error422UnprocessableEntity("url is required")
	}

	canonical := urlnorm.Canonicalize(input.Body.URL)
	out := &GeneratePreviewOutput{}

	if cached, ok := h.cache.Get(canonical); ok {
		out.Body.PreviewURL = cached
		out.Body.Cached = true
		return out, nil
	}

	previewURL, err := h.helper.GeneratePreview(ctx, input.Body.URL, h.headers.Headers(stream.TabID(input.Body.TabID)))
	if err != nil {
		return nil, huma.Error502BadGateway("generating preview", err)
	}

	h.cache.Put(canonical, previewURL)
	out.Body.PreviewURL = previewURL
	return out, nil
}

// Stats returns the preview cache counters.
func (h *PreviewHandler) Stats(_ context.Context, _ *struct{}) (*PreviewStatsOutput, error) {
	return &PreviewStatsOutput{Body: h.cache.Stats()}, nil
}

// Clear drops the preview cache.
func (h *PreviewHandler) Clear(_ context.Context, _ *struct{}) (*ClearCachesOutput, error) {
	out := &ClearCachesOutput{}
	out.Body.Cleared = h.cache.Clear()
	h.hub.Broadcast(fanout.Message{Type: fanout.TypeCachesCleared, Data: out.Body})
	h.hub.Broadcast(fanout.Message{Type: fanout.TypePreviewCacheStats, Data: h.cache.Stats()})
	return out, nil
}
