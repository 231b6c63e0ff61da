package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/streamhawk/streamhawk/internal/ingest"
	"github.com/streamhawk/streamhawk/internal/repository"
	"github.com/streamhawk/streamhawk/internal/stream"
)

// VideosHandler serves the per-tab visible stream list and the remembered
// scroll position.
type VideosHandler struct {
	svc    *ingest.Service
	scroll *repository.ScrollRepository
}

// NewVideosHandler creates a new videos handler.
func NewVideosHandler(svc *ingest.Service, scroll *repository.ScrollRepository) *VideosHandler {
	return &VideosHandler{svc: svc, scroll: scroll}
}

// GetVideosInput selects a tab.
type GetVideosInput struct {
	TabID int64 `path:"tab_id" doc:"Browser tab ID"`
}

// GetVideosOutput is the visible stream list, newest first.
type GetVideosOutput struct {
	Body struct {
		Videos []*stream.Stream `json:"videos"`
	}
}

// ScrollInput selects a tab's scroll position.
type ScrollInput struct {
	TabID int64 `path:"tab_id" doc:"Browser tab ID"`
}

// ScrollOutput is a scroll position.
type ScrollOutput struct {
	Body struct {
		Position int `json:"position"`
	}
}

// SetScrollInput stores a tab's scroll position.
type SetScrollInput struct {
	TabID int64 `path:"tab_id" doc:"Browser tab ID"`
	Body  struct {
		Position int `json:"position"`
	}
}

// Register registers the video routes with the API.
func (h *VideosHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getVideos",
		Method:      "GET",
		Path:        "/api/v1/tabs/{tab_id}/videos",
		Summary:     "List visible streams",
		Description: "Returns the discovered streams for a tab, excluding variants linked under a master, newest first",
		Tags:        []string{"Videos"},
	}, h.GetVideos)

	huma.Register(api, huma.Operation{
		OperationID: "getScrollPosition",
		Method:      "GET",
		Path:        "/api/v1/tabs/{tab_id}/scroll",
		Summary:     "Get scroll position",
		Tags:        []string{"Videos"},
	}, h.GetScroll)

	huma.Register(api, huma.Operation{
		OperationID: "setScrollPosition",
		Method:      "PUT",
		Path:        "/api/v1/tabs/{tab_id}/scroll",
		Summary:     "Set scroll position",
		Tags:        []string{"Videos"},
	}, h.SetScroll)
}

// GetVideos returns the visible streams for a tab.
func (h *VideosHandler) GetVideos(_ context.Context, input *GetVideosInput) (*GetVideosOutput, error) {
	out := &GetVideosOutput{}
	out.Body.Videos = h.svc.VisibleStreams(input.TabID)
	if out.Body.Videos == nil {
		out.Body.Videos = []*stream.Stream{}
	}
	return out, nil
}

// GetScroll returns the remembered scroll position for a tab.
func (h *VideosHandler) GetScroll(ctx context.Context, input *ScrollInput) (*ScrollOutput, error) {
	pos, err := h.scroll.Get(ctx, input.TabID)
	if err != nil {
		return nil, huma.Error500InternalServerError("reading scroll position", err)
	}
	out := &ScrollOutput{}
	out.Body.Position = pos
	return out, nil
}

// SetScroll stores the scroll position for a tab.
func (h *VideosHandler) SetScroll(ctx context.Context, input *SetScrollInput) (*AckOutput, error) {
	if err := h.scroll.Set(ctx, input.TabID, input.Body.Position); err != nil {
		return nil, huma.Error500InternalServerError("saving scroll position", err)
	}
	return &AckOutput{Body: AckBody{Accepted: true}}, nil
}
