package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/streamhawk/streamhawk/internal/fanout"
	"github.com/streamhawk/streamhawk/internal/ingest"
	"github.com/streamhawk/streamhawk/internal/models"
	"github.com/streamhawk/streamhawk/internal/observability"
)

// ActiveDownloadsSource lists the tracked download snapshots.
type ActiveDownloadsSource interface {
	ActiveDownloads() []*models.Download
}

// SettingsSource reads the persisted settings record.
type SettingsSource interface {
	Get(ctx context.Context) (*models.AppSettings, error)
}

// ObserverHandler attaches UI observers over SSE and relays their
// tab-scoped state feed.
type ObserverHandler struct {
	hub               *fanout.Hub
	svc               *ingest.Service
	downloads         ActiveDownloadsSource
	settings          SettingsSource
	helper            HelperStatus
	logger            *slog.Logger
	heartbeatInterval time.Duration
}

// NewObserverHandler creates a new observer handler.
func NewObserverHandler(hub *fanout.Hub, svc *ingest.Service, logger *slog.Logger) *ObserverHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ObserverHandler{
		hub:               hub,
		svc:               svc,
		logger:            observability.WithComponent(logger, "observers"),
		heartbeatInterval: 30 * time.Second,
	}
}

// WithDownloads sets the source for the active-downloads seed on connect.
func (h *ObserverHandler) WithDownloads(src ActiveDownloadsSource) *ObserverHandler {
	h.downloads = src
	return h
}

// WithSettings sets the source for the settings seed on connect.
func (h *ObserverHandler) WithSettings(src SettingsSource) *ObserverHandler {
	h.settings = src
	return h
}

// WithHelper sets the source for the helper connection state seed.
func (h *ObserverHandler) WithHelper(status HelperStatus) *ObserverHandler {
	h.helper = status
	return h
}

// SetHeartbeatInterval sets the SSE heartbeat interval (for testing).
func (h *ObserverHandler) SetHeartbeatInterval(interval time.Duration) {
	h.heartbeatInterval = interval
}

// ChooseSavePathInput asks a tab's observer to open a save path picker.
type ChooseSavePathInput struct {
	Body struct {
		TabID int64 `json:"tabId"`
	}
}

// Register registers the non-streaming observer routes with the API.
func (h *ObserverHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "chooseSavePath",
		Method:      "POST",
		Path:        "/api/v1/observers/choose-save-path",
		Summary:     "Request a save path picker",
		Description: "Relays a chooseSavePath message to the tab's observers",
		Tags:        []string{"Observers"},
	}, h.ChooseSavePath)
}

// RegisterSSE registers the SSE stream endpoint on a chi router. Separate
// from Register because Huma does not stream.
func (h *ObserverHandler) RegisterSSE(router interface {
	Get(pattern string, handlerFn http.HandlerFunc)
}) {
	router.Get("/api/v1/observers/stream", h.handleStream)
}

// ChooseSavePath relays a save path picker request.
func (h *ObserverHandler) ChooseSavePath(_ context.Context, input *ChooseSavePathInput) (*AckOutput, error) {
	h.hub.SendToTab(input.Body.TabID, fanout.Message{Type: fanout.TypeChooseSavePath})
	return &AckOutput{Body: AckBody{Accepted: true}}, nil
}

// handleStream is the SSE feed for one observer. The tabId query parameter
// scopes the feed; omit it to observe every tab.
func (h *ObserverHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	tabID := fanout.GlobalTab
	if raw := r.URL.Query().Get("tabId"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid tabId", http.StatusBadRequest)
			return
		}
		tabID = parsed
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	// The stream outlives the server's write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("clearing write deadline failed", slog.Any("error", err))
	}

	obs := h.hub.Register(tabID)
	defer h.hub.Unregister(obs.PortID)

	fmt.Fprintf(w, "event: registered\ndata: {\"portId\":%q,\"tabId\":%d}\n\n", obs.PortID, tabID)
	if err := rc.Flush(); err != nil {
		return
	}

	h.writeSeed(r.Context(), w)
	if err := rc.Flush(); err != nil {
		return
	}

	// Seed the new observer with the current visible set.
	if tabID != fanout.GlobalTab {
		h.svc.FullRefresh(tabID)
	}

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ":heartbeat %d\n\n", time.Now().Unix())
			if err := rc.Flush(); err != nil {
				return
			}
		case msg, ok := <-obs.Messages():
			if !ok {
				// Evicted by the hub.
				return
			}
			if err := writeSSEMessage(w, msg); err != nil {
				h.logger.Debug("writing SSE message failed",
					slog.String("type", msg.Type),
					slog.Any("error", err))
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// writeSeed replays the current daemon state to a freshly attached observer,
// matching what the UI expects right after registering.
func (h *ObserverHandler) writeSeed(ctx context.Context, w http.ResponseWriter) {
	if h.helper != nil {
		_ = writeSSEMessage(w, fanout.Message{
			Type: fanout.TypeHelperState,
			Data: map[string]bool{"connected": h.helper.Connected()},
		})
	}
	if h.settings != nil {
		if s, err := h.settings.Get(ctx); err == nil {
			_ = writeSSEMessage(w, fanout.Message{Type: fanout.TypeSettingsState, Data: s})
		}
	}
	if h.downloads != nil {
		_ = writeSSEMessage(w, fanout.Message{
			Type: fanout.TypeActiveDownloads,
			Data: map[string]any{"downloads": h.downloads.ActiveDownloads()},
		})
	}
}

func writeSSEMessage(w http.ResponseWriter, msg fanout.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data)
	return err
}
