// Package fanout multiplexes state updates to UI observers. Each observer
// is an attached SSE connection identified by a port id; messages are
// tab-scoped or global. Delivery is best effort: a dead or saturated
// observer is evicted, never waited on.
package fanout

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/streamhawk/streamhawk/internal/observability"
)

// GlobalTab subscribes an observer to every tab's messages.
const GlobalTab int64 = -1

// Message types sent to observers.
const (
	TypeVideosStateUpdate = "videos-state-update"
	TypeDownloadQueued    = "download-queued"
	TypeDownloadStarted   = "download-started"
	TypeDownloadProgress  = "download-progress"
	TypeDownloadSuccess   = "download-success"
	TypeDownloadError     = "download-error"
	TypeDownloadCanceled  = "download-canceled"
	TypeDownloadStopping  = "download-stopping"
	TypeDownloadCount     = "downloadCountUpdated"
	TypeActiveDownloads   = "activeDownloadsData"
	TypeSettingsState     = "settingsState"
	TypeCachesCleared     = "cachesCleared"
	TypePreviewCacheStats = "previewCacheStats"
	TypeHelperState       = "nativeHostConnectionState"
	TypeChooseSavePath    = "chooseSavePath"
	TypeNotification      = "notification"
)

// Video state actions within a videos-state-update message.
const (
	ActionAdd         = "add"
	ActionUpdate      = "update"
	ActionRemove      = "remove"
	ActionFullRefresh = "full-refresh"
)

// Message is one unit of observer-visible state.
type Message struct {
	Type  string `json:"type"`
	TabID int64  `json:"tabId,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Observer is one attached UI connection.
type Observer struct {
	// PortID is the opaque identifier the UI uses for inbound commands.
	PortID string

	// TabID scopes tab messages; GlobalTab receives everything.
	TabID int64

	ch chan Message
}

// Messages is the observer's receive channel. Closed on eviction.
func (o *Observer) Messages() <-chan Message {
	return o.ch
}

// observerBuffer bounds per-observer queueing before eviction.
const observerBuffer = 64

// Hub is the process-wide observer registry.
type Hub struct {
	mu        sync.RWMutex
	observers map[string]*Observer
	logger    *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		observers: make(map[string]*Observer),
		logger:    observability.WithComponent(logger, "fanout"),
	}
}

// Register attaches a new observer scoped to tabID.
func (h *Hub) Register(tabID int64) *Observer {
	o := &Observer{
		PortID: uuid.New().String(),
		TabID:  tabID,
		ch:     make(chan Message, observerBuffer),
	}

	h.mu.Lock()
	h.observers[o.PortID] = o
	h.mu.Unlock()

	h.logger.Debug("observer attached",
		slog.String("port_id", o.PortID),
		slog.Int64("tab_id", tabID))
	return o
}

// Unregister detaches an observer and closes its channel.
func (h *Hub) Unregister(portID string) {
	h.mu.Lock()
	o, ok := h.observers[portID]
	if ok {
		delete(h.observers, portID)
	}
	h.mu.Unlock()

	if ok {
		close(o.ch)
		h.logger.Debug("observer detached", slog.String("port_id", portID))
	}
}

// Lookup returns the observer for a port id, or nil.
func (h *Hub) Lookup(portID string) *Observer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.observers[portID]
}

// Count returns the number of attached observers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// SendToTab delivers a message to observers of the tab and to global
// observers.
func (h *Hub) SendToTab(tabID int64, msg Message) {
	msg.TabID = tabID
	h.deliver(func(o *Observer) bool {
		return o.TabID == tabID || o.TabID == GlobalTab
	}, msg)
}

// Broadcast delivers a message to every observer.
func (h *Hub) Broadcast(msg Message) {
	h.deliver(func(*Observer) bool { return true }, msg)
}

// deliver fans a message out without blocking; observers that cannot keep
// up are evicted so one stuck connection cannot stall the rest.
func (h *Hub) deliver(match func(*Observer) bool, msg Message) {
	h.mu.RLock()
	var stuck []string
	for id, o := range h.observers {
		if !match(o) {
			continue
		}
		select {
		case o.ch <- msg:
		default:
			stuck = append(stuck, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range stuck {
		h.logger.Warn("evicting saturated observer", slog.String("port_id", id))
		h.Unregister(id)
	}
}
