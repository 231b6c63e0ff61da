package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/streamhawk/streamhawk/internal/models"
	"github.com/streamhawk/streamhawk/internal/orchestrator"
	"github.com/streamhawk/streamhawk/internal/repository"
)

// DownloadsHandler serves download commands and the active/history lists.
type DownloadsHandler struct {
	orch    *orchestrator.Orchestrator
	history *repository.HistoryRepository
}

// NewDownloadsHandler creates a new downloads handler.
func NewDownloadsHandler(orch *orchestrator.Orchestrator, history *repository.HistoryRepository) *DownloadsHandler {
	return &DownloadsHandler{orch: orch, history: history}
}

// StartDownloadInput is a download command from the UI.
type StartDownloadInput struct {
	Body orchestrator.Request
}

// StartDownloadOutput reports the download snapshot. Started is false when
// the URL was already being downloaded; the snapshot then describes the
// existing download.
type StartDownloadOutput struct {
	Body struct {
		Download *models.Download `json:"download"`
		Started  bool             `json:"started"`
	}
}

// CancelDownloadInput identifies a download to cancel.
type CancelDownloadInput struct {
	DownloadID string `path:"download_id" doc:"Download ID"`
}

// ActiveDownloadsOutput is the active downloads list, oldest first.
type ActiveDownloadsOutput struct {
	Body struct {
		Downloads []*models.Download `json:"downloads"`
	}
}

// HistoryInput bounds the history listing.
type HistoryInput struct {
	Limit int `query:"limit" doc:"Maximum entries to return, 0 for all"`
}

// HistoryOutput is the download history, newest first.
type HistoryOutput struct {
	Body struct {
		Entries []*models.HistoryEntry `json:"entries"`
	}
}

// DeleteHistoryEntryInput identifies one history entry.
type DeleteHistoryEntryInput struct {
	ID string `path:"id" doc:"History entry ID"`
}

// Register registers the download routes with the API.
func (h *DownloadsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "startDownload",
		Method:      "POST",
		Path:        "/api/v1/downloads",
		Summary:     "Start a download",
		Description: "Starts a download through the helper, or returns the existing one for the same URL",
		Tags:        []string{"Downloads"},
	}, h.Start)

	huma.Register(api, huma.Operation{
		OperationID: "cancelDownload",
		Method:      "POST",
		Path:        "/api/v1/downloads/{download_id}/cancel",
		Summary:     "Cancel a download",
		Tags:        []string{"Downloads"},
	}, h.Cancel)

	huma.Register(api, huma.Operation{
		OperationID: "getActiveDownloads",
		Method:      "GET",
		Path:        "/api/v1/downloads",
		Summary:     "List active downloads",
		Description: "Returns tracked downloads including recently finished ones inside the retention window",
		Tags:        []string{"Downloads"},
	}, h.Active)

	huma.Register(api, huma.Operation{
		OperationID: "getDownloadHistory",
		Method:      "GET",
		Path:        "/api/v1/downloads/history",
		Summary:     "List download history",
		Tags:        []string{"Downloads"},
	}, h.History)

	huma.Register(api, huma.Operation{
		OperationID: "deleteHistoryEntry",
		Method:      "DELETE",
		Path:        "/api/v1/downloads/history/{id}",
		Summary:     "Delete one history entry",
		Tags:        []string{"Downloads"},
	}, h.DeleteHistoryEntry)

	huma.Register(api, huma.Operation{
		OperationID: "clearDownloadHistory",
		Method:      "DELETE",
		Path:        "/api/v1/downloads/history",
		Summary:     "Clear download history",
		Tags:        []string{"Downloads"},
	}, h.ClearHistory)
}

// Start handles a download command.
func (h *DownloadsHandler) Start(ctx context.Context, input *StartDownloadInput) (*StartDownloadOutput, error) {
	if input.Body.DownloadURL == "" {
		return nil, huma.Error422UnprocessableEntity("downloadUrl is required")
	}

	d, started, err := h.orch.Start(ctx, input.Body)
	if err != nil {
		return nil, huma.Error500InternalServerError("starting download", err)
	}

	out := &StartDownloadOutput{}
	out.Body.Download = d
	out.Body.Started = started
	return out, nil
}

// Cancel stops a download.
func (h *DownloadsHandler) Cancel(ctx context.Context, input *CancelDownloadInput) (*AckOutput, error) {
	if err := h.orch.Cancel(ctx, input.DownloadID); err != nil {
		return nil, huma.Error500InternalServerError("canceling download", err)
	}
	return &AckOutput{Body: AckBody{Accepted: true}}, nil
}

// Active returns tracked download snapshots.
func (h *DownloadsHandler) Active(_ context.Context, _ *struct{}) (*ActiveDownloadsOutput, error) {
	out := &ActiveDownloadsOutput{}
	out.Body.Downloads = h.orch.ActiveDownloads()
	if out.Body.Downloads == nil {
		out.Body.Downloads = []*models.Download{}
	}
	return out, nil
}

// History returns download history entries.
func (h *DownloadsHandler) History(ctx context.Context, input *HistoryInput) (*HistoryOutput, error) {
	entries, err := h.history.List(ctx, input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing history", err)
	}
	out := &HistoryOutput{}
	out.Body.Entries = entries
	if out.Body.Entries == nil {
		out.Body.Entries = []*models.HistoryEntry{}
	}
	return out, nil
}

// DeleteHistoryEntry removes one history entry.
func (h *DownloadsHandler) DeleteHistoryEntry(ctx context.Context, input *DeleteHistoryEntryInput) (*AckOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity("invalid history entry id")
	}
	if err := h.history.Delete(ctx, id); err != nil {
		return nil, huma.Error500InternalServerError("deleting history entry", err)
	}
	return &AckOutput{Body: AckBody{Accepted: true}}, nil
}

// ClearHistory removes every history entry.
func (h *DownloadsHandler) ClearHistory(ctx context.Context, _ *struct{}) (*AckOutput, error) {
	if err := h.history.Clear(ctx); err != nil {
		return nil, huma.Error500InternalServerError("clearing history", err)
	}
	return &AckOutput{Body: AckBody{Accepted: true}}, nil
}
