package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/streamhawk/streamhawk/internal/detect"
	"github.com/streamhawk/streamhawk/internal/fanout"
	"github.com/streamhawk/streamhawk/internal/models"
	"github.com/streamhawk/streamhawk/internal/registry"
	"github.com/streamhawk/streamhawk/internal/repository"
	"github.com/streamhawk/streamhawk/internal/stream"
	"github.com/streamhawk/streamhawk/internal/urlnorm"
)

type fakeEnricher struct {
	mu       sync.Mutex
	enriched []*stream.Stream
	canceled []stream.TabID
}

func (f *fakeEnricher) Enrich(s *stream.Stream) {
	f.mu.Lock()
	f.enriched = append(f.enriched, s)
	f.mu.Unlock()
}

func (f *fakeEnricher) CancelTab(tabID stream.TabID) {
	f.mu.Lock()
	f.canceled = append(f.canceled, tabID)
	f.mu.Unlock()
}

func (f *fakeEnricher) enrichCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enriched)
}

type staticSettings struct {
	s *models.AppSettings
}

func (f *staticSettings) Get(context.Context) (*models.AppSettings, error) {
	return f.s, nil
}

type fixture struct {
	svc      *Service
	registry *registry.Registry
	detect   *detect.Store
	headers  *detect.HeaderCache
	enricher *fakeEnricher
	scroll   *repository.ScrollRepository
	hub      *fanout.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.ScrollPosition{}))

	reg := registry.New(nil)
	det := detect.NewStore(nil)
	headers := detect.NewHeaderCache()
	enricher := &fakeEnricher{}
	scroll := repository.NewScrollRepository(db)
	hub := fanout.NewHub(nil)

	svc := New(reg, det, headers, enricher, scroll, &staticSettings{s: models.DefaultSettings()}, hub, nil)
	return &fixture{
		svc:      svc,
		registry: reg,
		detect:   det,
		headers:  headers,
		enricher: enricher,
		scroll:   scroll,
		hub:      hub,
	}
}

func drain(o *fanout.Observer) []fanout.Message {
	var out []fanout.Message
	for {
		select {
		case m := <-o.Messages():
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestManifestSightingUpsertsAndEnriches(t *testing.T) {
	fx := newFixture(t)

	ev := WebRequestEvent{
		TabID:          7,
		URL:            "https://cdn.example.com/v/master.m3u8",
		ContentType:    "application/vnd.apple.mpegurl",
		RequestHeaders: map[string]string{"Cookie": "session=abc", "Accept": "*/*"},
	}
	fx.svc.HandleWebRequest(context.Background(), ev)

	visible := fx.svc.VisibleStreams(7)
	require.Len(t, visible, 1)
	assert.Equal(t, stream.KindHLS, visible[0].Kind)
	assert.Equal(t, stream.SourceWebRequestMime, visible[0].Source)
	assert.Equal(t, 1, fx.enricher.enrichCount())

	// Only replayable headers are kept.
	captured := fx.headers.Headers(7)
	assert.Equal(t, map[string]string{"Cookie": "session=abc"}, captured)

	// A re-sighting merges without re-enriching.
	fx.svc.HandleWebRequest(context.Background(), ev)
	assert.Len(t, fx.svc.VisibleStreams(7), 1)
	assert.Equal(t, 1, fx.enricher.enrichCount())
}

func TestSegmentNeverUpserted(t *testing.T) {
	fx := newFixture(t)

	now := time.Now()
	fx.detect.MarkMPD(7, now)
	fx.detect.AddSegmentPrefixes(7, []string{"https://cdn.example.com/dash/v1/segments/"}, now)

	fx.svc.HandleWebRequest(context.Background(), WebRequestEvent{
		TabID:       7,
		URL:         "https://cdn.example.com/dash/v1/segments/video_12.mp4?range=0-499999",
		ContentType: "video/mp4",
	})

	assert.Empty(t, fx.svc.VisibleStreams(7))
	assert.Zero(t, fx.enricher.enrichCount())
}

func TestTrackingWrapperExtraction(t *testing.T) {
	fx := newFixture(t)

	fx.svc.HandleWebRequest(context.Background(), WebRequestEvent{
		TabID: 7,
		URL:   "https://tracker.example.com/ping.gif?u=https%3A%2F%2Fcdn.example.com%2Fm.m3u8",
	})

	visible := fx.svc.VisibleStreams(7)
	require.Len(t, visible, 1)
	assert.Equal(t, stream.KindHLS, visible[0].Kind)
	assert.True(t, visible[0].FoundFromQueryParam)
	assert.Equal(t, urlnorm.Canonicalize("https://cdn.example.com/m.m3u8"), visible[0].Canonical)
}

func TestSmallDirectFileFiltered(t *testing.T) {
	fx := newFixture(t)

	fx.svc.HandleWebRequest(context.Background(), WebRequestEvent{
		TabID:         7,
		URL:           "https://cdn.example.com/tiny.mp4",
		ContentType:   "video/mp4",
		ContentLength: 10 * 1024, // under the 100KB default filter
	})

	assert.Empty(t, fx.svc.VisibleStreams(7))
}

func TestBlobDOMEvent(t *testing.T) {
	fx := newFixture(t)

	fx.svc.HandleDOM(context.Background(), DOMEvent{
		TabID:    7,
		URL:      "blob:https://watch.example.com/3c1f",
		Source:   "mutation",
		MimeType: "video/mp4",
	})

	visible := fx.svc.VisibleStreams(7)
	require.Len(t, visible, 1)
	assert.Equal(t, stream.KindBlob, visible[0].Kind)
	assert.Equal(t, stream.SourceDOMMutation, visible[0].Source)
	assert.Equal(t, urlnorm.CanonicalizeBlob("blob:https://watch.example.com/3c1f", "video/mp4"), visible[0].Canonical)
}

func TestRegistryChangesReachObservers(t *testing.T) {
	fx := newFixture(t)
	obs := fx.hub.Register(7)

	fx.svc.HandleWebRequest(context.Background(), WebRequestEvent{
		TabID:       7,
		URL:         "https://cdn.example.com/v/1080.m3u8",
		ContentType: "application/vnd.apple.mpegurl",
	})

	msgs := drain(obs)
	require.Len(t, msgs, 1)
	assert.Equal(t, fanout.TypeVideosStateUpdate, msgs[0].Type)
	delta := msgs[0].Data.(videoDelta)
	assert.Equal(t, fanout.ActionAdd, delta.Action)
	require.NotNil(t, delta.Video)
	assert.Equal(t, stream.KindHLS, delta.Video.Kind)

	// Linking the standalone under a master turns its update into a removal.
	variantCanonical := urlnorm.Canonicalize("https://cdn.example.com/v/1080.m3u8")
	masterCanonical := urlnorm.Canonicalize("https://cdn.example.com/v/master.m3u8")
	fx.registry.Upsert(7, &stream.Stream{
		URL:        "https://cdn.example.com/v/master.m3u8",
		Canonical:  masterCanonical,
		TabID:      7,
		Kind:       stream.KindHLS,
		DetectedAt: time.Now(),
	})
	drain(obs)
	fx.registry.AttachVariantsOfMaster(7, masterCanonical, []stream.Variant{
		{URL: "https://cdn.example.com/v/1080.m3u8", Canonical: variantCanonical},
	})

	var sawRemove bool
	for _, m := range drain(obs) {
		d := m.Data.(videoDelta)
		if d.Action == fanout.ActionRemove && d.VideoURL == variantCanonical {
			sawRemove = true
		}
	}
	assert.True(t, sawRemove)
	assert.Len(t, fx.svc.VisibleStreams(7), 1)
}

func TestTabClosedClearsEverything(t *testing.T) {
	fx := newFixture(t)
	obs := fx.hub.Register(7)

	fx.svc.HandleWebRequest(context.Background(), WebRequestEvent{
		TabID:          7,
		URL:            "https://cdn.example.com/v/master.m3u8",
		ContentType:    "application/vnd.apple.mpegurl",
		RequestHeaders: map[string]string{"Referer": "https://watch.example.com/"},
	})
	require.NoError(t, fx.scroll.Set(context.Background(), 7, 320))
	drain(obs)

	fx.svc.TabClosed(context.Background(), 7)

	assert.Empty(t, fx.svc.VisibleStreams(7))
	assert.Nil(t, fx.headers.Headers(7))
	assert.Equal(t, []stream.TabID{7}, fx.enricher.canceled)

	pos, err := fx.scroll.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Zero(t, pos)

	msgs := drain(obs)
	var sawRefresh bool
	for _, m := range msgs {
		if m.Type == fanout.TypeVideosStateUpdate {
			if d, ok := m.Data.(videoDelta); ok && d.Action == fanout.ActionFullRefresh {
				sawRefresh = true
				assert.Empty(t, d.Videos)
			}
		}
	}
	assert.True(t, sawRefresh)
}

func TestNavigationKeepsScroll(t *testing.T) {
	fx := newFixture(t)

	fx.svc.HandleWebRequest(context.Background(), WebRequestEvent{
		TabID:       7,
		URL:         "https://cdn.example.com/v/master.m3u8",
		ContentType: "application/vnd.apple.mpegurl",
	})
	require.NoError(t, fx.scroll.Set(context.Background(), 7, 320))

	fx.svc.Navigated(context.Background(), 7)

	assert.Empty(t, fx.svc.VisibleStreams(7))
	pos, err := fx.scroll.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 320, pos)
}
