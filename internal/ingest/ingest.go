// Package ingest turns raw browser events into registry state. It runs the
// classifier over webRequest and DOM sightings, captures request headers
// for later replay, feeds new streams into enrichment, and mirrors every
// registry change to UI observers.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/streamhawk/streamhawk/internal/classify"
	"github.com/streamhawk/streamhawk/internal/detect"
	"github.com/streamhawk/streamhawk/internal/fanout"
	"github.com/streamhawk/streamhawk/internal/models"
	"github.com/streamhawk/streamhawk/internal/observability"
	"github.com/streamhawk/streamhawk/internal/registry"
	"github.com/streamhawk/streamhawk/internal/repository"
	"github.com/streamhawk/streamhawk/internal/stream"
	"github.com/streamhawk/streamhawk/internal/urlnorm"
)

// Enricher receives streams to enrich and tab cancellations.
type Enricher interface {
	Enrich(s *stream.Stream)
	CancelTab(tabID stream.TabID)
}

// SettingsProvider supplies the current persisted settings.
type SettingsProvider interface {
	Get(ctx context.Context) (*models.AppSettings, error)
}

// WebRequestEvent is a response sighting from the browser's network layer.
type WebRequestEvent struct {
	TabID              int64             `json:"tabId"`
	URL                string            `json:"url"`
	ContentType        string            `json:"contentType,omitempty"`
	ContentLength      int64             `json:"contentLength,omitempty"`
	ContentDisposition string            `json:"contentDisposition,omitempty"`
	RequestHeaders     map[string]string `json:"requestHeaders,omitempty"`
	Title              string            `json:"title,omitempty"`
}

// DOMEvent is a sighting contributed by in-page scanning.
type DOMEvent struct {
	TabID    int64  `json:"tabId"`
	URL      string `json:"url"`
	Source   string `json:"source,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Poster   string `json:"poster,omitempty"`
	Title    string `json:"title,omitempty"`
}

// videoDelta is the videos-state-update payload.
type videoDelta struct {
	Action   string           `json:"action"`
	VideoURL string           `json:"videoUrl,omitempty"`
	Video    *stream.Stream   `json:"video,omitempty"`
	Videos   []*stream.Stream `json:"videos,omitempty"`
}

// Service is the event ingestion front of the detection pipeline.
type Service struct {
	registry *registry.Registry
	detect   *detect.Store
	headers  *detect.HeaderCache
	enrich   Enricher
	scroll   *repository.ScrollRepository
	settings SettingsProvider
	hub      *fanout.Hub
	logger   *slog.Logger
}

// New creates the ingestion service and wires the registry change feed to
// the observer hub.
func New(
	reg *registry.Registry,
	det *detect.Store,
	headers *detect.HeaderCache,
	enricher Enricher,
	scroll *repository.ScrollRepository,
	settings SettingsProvider,
	hub *fanout.Hub,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		registry: reg,
		detect:   det,
		headers:  headers,
		enrich:   enricher,
		scroll:   scroll,
		settings: settings,
		hub:      hub,
		logger:   observability.WithComponent(logger, "ingest"),
	}
	reg.AddListener(s.onRegistryChange)
	return s
}

// onRegistryChange mirrors registry mutations to observers. A variant that
// just got linked under a master leaves the visible set, so its update is
// delivered as a removal.
func (s *Service) onRegistryChange(c registry.Change) {
	delta := videoDelta{VideoURL: c.Stream.Canonical, Video: c.Stream}
	switch c.Type {
	case registry.ChangeAdd:
		delta.Action = fanout.ActionAdd
	case registry.ChangeRemove:
		delta.Action = fanout.ActionRemove
		delta.Video = nil
	case registry.ChangeUpdate:
		if c.Stream.HasKnownMaster {
			delta.Action = fanout.ActionRemove
			delta.Video = nil
		} else {
			delta.Action = fanout.ActionUpdate
		}
	default:
		return
	}
	s.hub.SendToTab(int64(c.TabID), fanout.Message{
		Type: fanout.TypeVideosStateUpdate,
		Data: delta,
	})
}

// HandleWebRequest processes one network sighting.
func (s *Service) HandleWebRequest(ctx context.Context, ev WebRequestEvent) {
	if len(ev.RequestHeaders) > 0 {
		s.headers.Capture(stream.TabID(ev.TabID), ev.RequestHeaders)
	}

	meta := &classify.RespMeta{
		ContentType:        ev.ContentType,
		ContentLength:      ev.ContentLength,
		ContentDisposition: ev.ContentDisposition,
	}
	source := stream.SourceWebRequestURL
	if ev.ContentType != "" {
		source = stream.SourceWebRequestMime
	}
	s.ingest(ctx, ev.TabID, ev.URL, meta, source, "", ev.Title, "")
}

// HandleDOM processes one in-page sighting.
func (s *Service) HandleDOM(ctx context.Context, ev DOMEvent) {
	var meta *classify.RespMeta
	if ev.MimeType != "" {
		meta = &classify.RespMeta{ContentType: ev.MimeType}
	}
	s.ingest(ctx, ev.TabID, ev.URL, meta, domSource(ev.Source), ev.MimeType, ev.Title, ev.Poster)
}

func domSource(kind string) stream.Source {
	switch kind {
	case "xhr":
		return stream.SourceDOMNetworkXHR
	case "fetch":
		return stream.SourceDOMNetworkFtch
	case "mutation":
		return stream.SourceDOMMutation
	default:
		return stream.SourceDOMScan
	}
}

// ingest classifies one sighting and upserts the resulting stream. Segment
// and ignored verdicts never reach the registry.
func (s *Service) ingest(ctx context.Context, tabID int64, rawURL string, meta *classify.RespMeta, source stream.Source, mimeType, title, poster string) {
	decision := classify.Classify(rawURL, meta, classify.Options{
		TabID:       stream.TabID(tabID),
		Segments:    s.detect,
		MinFileSize: s.minFileSize(ctx),
	})

	switch decision.Verdict {
	case classify.VerdictIgnored, classify.VerdictSegment:
		return
	}

	canonical := urlnorm.Canonicalize(decision.URL)
	if decision.Verdict == classify.VerdictBlob {
		canonical = urlnorm.CanonicalizeBlob(decision.URL, mimeType)
	}

	st := &stream.Stream{
		URL:                 decision.URL,
		Canonical:           canonical,
		TabID:               stream.TabID(tabID),
		Kind:                decision.Verdict.StreamKind(),
		Container:           decision.Container,
		MediaKind:           decision.MediaKind,
		Source:              source,
		DetectedAt:          time.Now(),
		Title:               title,
		Poster:              poster,
		OriginalURL:         decision.OriginalURL,
		FoundFromQueryParam: decision.FoundFromQueryParam,
	}

	result := s.registry.Upsert(stream.TabID(tabID), st)
	if result.New {
		s.logger.Debug("stream discovered",
			slog.Int64("tab_id", tabID),
			slog.String("kind", string(st.Kind)),
			slog.String("canonical", canonical))
		s.enrich.Enrich(result.Stream)
	}
}

// minFileSize reads the direct-file size filter from settings.
func (s *Service) minFileSize(ctx context.Context) int64 {
	st, err := s.settings.Get(ctx)
	if err != nil || st == nil {
		return models.DefaultMinFileSizeFilter
	}
	return st.MinFileSizeFilter
}

// TabClosed drops every bit of per-tab state.
func (s *Service) TabClosed(ctx context.Context, tabID int64) {
	s.cleanupTab(tabID)
	if err := s.scroll.DeleteTab(ctx, tabID); err != nil {
		s.logger.Warn("deleting scroll position failed",
			slog.Int64("tab_id", tabID),
			slog.String("error", err.Error()))
	}
	s.logger.Debug("tab closed", slog.Int64("tab_id", tabID))
}

// Navigated resets detection state on a top-frame navigation commit.
// Downloads and the remembered scroll position survive navigation.
func (s *Service) Navigated(_ context.Context, tabID int64) {
	s.cleanupTab(tabID)
	s.logger.Debug("tab navigated", slog.Int64("tab_id", tabID))
}

func (s *Service) cleanupTab(tabID int64) {
	tab := stream.TabID(tabID)
	s.enrich.CancelTab(tab)
	s.registry.Destroy(tab)
	s.detect.Cleanup(tab)
	s.headers.Cleanup(tab)

	s.hub.SendToTab(tabID, fanout.Message{
		Type: fanout.TypeVideosStateUpdate,
		Data: videoDelta{Action: fanout.ActionFullRefresh, Videos: []*stream.Stream{}},
	})
}

// VisibleStreams returns the observer-facing stream list for a tab.
func (s *Service) VisibleStreams(tabID int64) []*stream.Stream {
	return s.registry.VisibleStreams(stream.TabID(tabID))
}

// FullRefresh pushes the complete visible set for a tab to its observers.
func (s *Service) FullRefresh(tabID int64) {
	s.hub.SendToTab(tabID, fanout.Message{
		Type: fanout.TypeVideosStateUpdate,
		Data: videoDelta{Action: fanout.ActionFullRefresh, Videos: s.VisibleStreams(tabID)},
	})
}
