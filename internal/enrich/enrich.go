// Package enrich runs the staged metadata pipeline for discovered streams:
// light parse of manifest heads, full parse of masters, sequential variant
// probes and preview generation. All network and helper work funnels
// through the rate limiter, and every stage result lands in the registry
// as an observer-visible update.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streamhawk/streamhawk/internal/detect"
	"github.com/streamhawk/streamhawk/internal/fetch"
	"github.com/streamhawk/streamhawk/internal/manifest"
	"github.com/streamhawk/streamhawk/internal/models"
	"github.com/streamhawk/streamhawk/internal/observability"
	"github.com/streamhawk/streamhawk/internal/ratelimit"
	"github.com/streamhawk/streamhawk/internal/registry"
	"github.com/streamhawk/streamhawk/internal/stream"
)

// HelperClient is the subset of the helper connection the pipeline needs.
type HelperClient interface {
	Probe(ctx context.Context, url string, headers map[string]string, light bool) (*stream.ProbeMeta, error)
	GeneratePreview(ctx context.Context, url string, headers map[string]string) (string, error)
}

// SettingsProvider supplies the current persisted settings.
type SettingsProvider interface {
	Get(ctx context.Context) (*models.AppSettings, error)
}

// Fetcher retrieves manifest bodies.
type Fetcher interface {
	Get(ctx context.Context, rawURL string, headers map[string]string) (*fetch.Result, error)
}

// Task classes for the in-flight guard. Per stream and class, at most one
// call is outstanding.
const (
	classLightParse = "light-parse"
	classProbe      = "probe"
	classPreview    = "preview"
)

// Pipeline drives enrichment for all tabs.
type Pipeline struct {
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	helper   HelperClient
	fetcher  Fetcher
	detect   *detect.Store
	headers  *detect.HeaderCache
	settings SettingsProvider
	logger   *slog.Logger

	mu         sync.Mutex
	processing map[string]struct{}
}

// New creates the enrichment pipeline.
func New(
	reg *registry.Registry,
	limiter *ratelimit.Limiter,
	helper HelperClient,
	fetcher Fetcher,
	det *detect.Store,
	headers *detect.HeaderCache,
	settings SettingsProvider,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		registry:   reg,
		limiter:    limiter,
		helper:     helper,
		fetcher:    fetcher,
		detect:     det,
		headers:    headers,
		settings:   settings,
		logger:     observability.WithComponent(logger, "enrich"),
		processing: make(map[string]struct{}),
	}
}

// Enrich dispatches a newly discovered stream into its pipeline stages.
func (p *Pipeline) Enrich(s *stream.Stream) {
	switch s.Kind {
	case stream.KindBlob:
		p.enrichBlob(s)
	case stream.KindHLS, stream.KindDASH:
		p.scheduleLightParse(s)
	case stream.KindDirect, stream.KindUnknown:
		p.scheduleProbe(s.TabID, s.Canonical, s.URL, true)
	}
}

// CancelTab drops all pending enrichment for a tab.
func (p *Pipeline) CancelTab(tabID stream.TabID) {
	p.limiter.CancelTab(tabID)
}

func processingKey(tabID stream.TabID, canonical, class string) string {
	return fmt.Sprintf("%d|%s|%s", tabID, canonical, class)
}

// tryAcquire claims the per-stream per-class slot. Returns false when the
// same work is already in flight.
func (p *Pipeline) tryAcquire(tabID stream.TabID, canonical, class string) bool {
	key := processingKey(tabID, canonical, class)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.processing[key]; busy {
		return false
	}
	p.processing[key] = struct{}{}
	return true
}

func (p *Pipeline) release(tabID stream.TabID, canonical, class string) {
	key := processingKey(tabID, canonical, class)
	p.mu.Lock()
	delete(p.processing, key)
	p.mu.Unlock()
}

// enrichBlob marks a blob stream complete with synthetic metadata. Blob
// URLs cannot be fetched out of process, so there is nothing to parse.
func (p *Pipeline) enrichBlob(s *stream.Stream) {
	p.registry.Update(s.TabID, s.Canonical, func(st *stream.Stream) {
		st.LightParsed = true
		st.FullyParsed = true
		st.Subtype = stream.SubtypeStandalone
		if st.ProbeMeta == nil {
			st.ProbeMeta = &stream.ProbeMeta{Container: "blob", HasVideo: true}
		}
	})
}

// scheduleLightParse queues stage 1 for a manifest stream.
func (p *Pipeline) scheduleLightParse(s *stream.Stream) {
	tabID, canonical, rawURL, kind := s.TabID, s.Canonical, s.URL, s.Kind
	if !p.tryAcquire(tabID, canonical, classLightParse) {
		return
	}

	ticket := p.limiter.Enqueue(tabID, classLightParse, func(ctx context.Context) error {
		return p.lightParse(ctx, tabID, canonical, rawURL, kind)
	})
	go func() {
		<-ticket.Done()
		p.release(tabID, canonical, classLightParse)
		if err := ticket.Err(); err != nil && err != ratelimit.ErrCanceled && err != ratelimit.ErrClosed {
			p.logger.Debug("light parse failed",
				slog.Int64("tab_id", int64(tabID)),
				slog.String("url", rawURL),
				slog.String("error", err.Error()))
		}
	}()
}

// lightParse fetches the manifest and classifies it. Masters continue into
// full parse; fetch failures and non-media bodies poison the stream.
func (p *Pipeline) lightParse(ctx context.Context, tabID stream.TabID, canonical, rawURL string, kind stream.Kind) error {
	res, err := p.fetcher.Get(ctx, rawURL, p.headers.Headers(tabID))
	if err != nil {
		p.registry.Update(tabID, canonical, func(st *stream.Stream) {
			st.LightParsed = true
			st.Subtype = stream.SubtypeFetchFail
		})
		return fmt.Errorf("fetching manifest: %w", err)
	}

	switch kind {
	case stream.KindHLS:
		return p.lightParseHLS(tabID, canonical, res)
	case stream.KindDASH:
		return p.parseMPD(tabID, canonical, res)
	}
	return nil
}

func (p *Pipeline) lightParseHLS(tabID stream.TabID, canonical string, res *fetch.Result) error {
	subtype := manifest.LightClassifyHLS(res.Body)

	// A playlist already linked under a master is a variant, not a
	// standalone stream.
	if subtype == stream.SubtypeStandalone && p.registry.MasterOf(tabID, canonical) != "" {
		subtype = stream.SubtypeVariant
	}

	var meta *stream.ParserMeta
	if subtype == stream.SubtypeStandalone || subtype == stream.SubtypeVariant {
		if parsed, err := manifest.ParseHLSMedia(res.Body); err == nil {
			meta = parsed
		}
	}

	p.registry.Update(tabID, canonical, func(st *stream.Stream) {
		st.LightParsed = true
		st.Subtype = subtype
		if meta != nil {
			st.ParserMeta = meta
		}
	})

	if subtype == stream.SubtypeMaster {
		p.fullParseHLS(tabID, canonical, res)
	}
	return nil
}

// fullParseHLS extracts the variant set of a master playlist and kicks off
// the sequential variant probes.
func (p *Pipeline) fullParseHLS(tabID stream.TabID, canonical string, res *fetch.Result) {
	variants, err := manifest.ParseHLSMaster(res.FinalURL, res.Body)
	if err != nil {
		p.logger.Warn("master playlist parse failed",
			slog.Int64("tab_id", int64(tabID)),
			slog.String("error", err.Error()))
		return
	}

	p.registry.AttachVariantsOfMaster(tabID, canonical, variants)
	p.probeVariantsSequentially(tabID, canonical, variants)
}

// parseMPD handles a DASH manifest: one parse covers light and full stages.
// Segment prefixes feed the detection context for noise suppression.
func (p *Pipeline) parseMPD(tabID stream.TabID, canonical string, res *fetch.Result) error {
	result, err := manifest.ParseMPD(res.FinalURL, res.Body)
	if err != nil {
		p.registry.Update(tabID, canonical, func(st *stream.Stream) {
			st.LightParsed = true
			st.Subtype = stream.SubtypeNotAMedia
		})
		return fmt.Errorf("parsing MPD: %w", err)
	}

	now := time.Now()
	p.detect.MarkMPD(tabID, now)
	p.detect.AddSegmentPrefixes(tabID, result.SegmentPrefixes, now)

	subtype := stream.SubtypeStandalone
	if len(result.Variants) > 0 {
		subtype = stream.SubtypeMaster
	}

	p.registry.Update(tabID, canonical, func(st *stream.Stream) {
		st.LightParsed = true
		st.FullyParsed = true
		st.Subtype = subtype
		st.ParserMeta = result.Meta
	})

	if len(result.Variants) > 0 {
		p.registry.AttachVariantsOfMaster(tabID, canonical, result.Variants)
		p.probeVariantsSequentially(tabID, canonical, result.Variants)
	}
	return nil
}

// probeVariantsSequentially walks the variant list best first. Each probe
// is its own rate-limited task; the next starts only after the previous
// finished so a master with many variants cannot monopolize the limiter.
// The top variant also gets a preview.
func (p *Pipeline) probeVariantsSequentially(tabID stream.TabID, masterCanonical string, variants []stream.Variant) {
	go func() {
		for i := range variants {
			v := variants[i]
			if !p.tryAcquire(tabID, v.Canonical, classProbe) {
				continue
			}
			ticket := p.limiter.Enqueue(tabID, classProbe, func(ctx context.Context) error {
				return p.probeVariant(ctx, tabID, masterCanonical, i, v.URL)
			})
			<-ticket.Done()
			p.release(tabID, v.Canonical, classProbe)
			if err := ticket.Err(); err == ratelimit.ErrCanceled || err == ratelimit.ErrClosed {
				return
			}

			if i == 0 {
				p.schedulePreviewForVariant(tabID, masterCanonical, v)
			}
		}
	}()
}

// probeVariant stores probe results on the variant entry of its master.
func (p *Pipeline) probeVariant(ctx context.Context, tabID stream.TabID, masterCanonical string, index int, url string) error {
	meta, err := p.helper.Probe(ctx, url, p.headers.Headers(tabID), false)
	if err != nil {
		p.logger.Debug("variant probe failed",
			slog.Int64("tab_id", int64(tabID)),
			slog.String("url", url),
			slog.String("error", err.Error()))
		return err
	}

	p.registry.Update(tabID, masterCanonical, func(st *stream.Stream) {
		if index < len(st.Variants) {
			st.Variants[index].ProbeMeta = meta
		}
		if index == 0 && st.ProbeMeta == nil {
			st.ProbeMeta = meta
		}
	})
	return nil
}

// schedulePreviewForVariant requests a preview for the best variant and
// stores the URL on that variant's entry under its master.
func (p *Pipeline) schedulePreviewForVariant(tabID stream.TabID, masterCanonical string, v stream.Variant) {
	if !p.previewsEnabled() {
		return
	}
	if !p.tryAcquire(tabID, v.Canonical, classPreview) {
		return
	}

	ticket := p.limiter.Enqueue(tabID, classPreview, func(ctx context.Context) error {
		previewURL, err := p.helper.GeneratePreview(ctx, v.URL, p.headers.Headers(tabID))
		if err != nil {
			return err
		}
		p.registry.Update(tabID, masterCanonical, func(st *stream.Stream) {
			if len(st.Variants) > 0 {
				st.Variants[0].PreviewURL = previewURL
			}
		})
		return nil
	})
	go func() {
		<-ticket.Done()
		p.release(tabID, v.Canonical, classPreview)
	}()
}

// scheduleProbe queues the probe stage for direct and unknown streams,
// with a follow-up preview when enabled.
func (p *Pipeline) scheduleProbe(tabID stream.TabID, canonical, rawURL string, withPreview bool) {
	if !p.tryAcquire(tabID, canonical, classProbe) {
		return
	}

	ticket := p.limiter.Enqueue(tabID, classProbe, func(ctx context.Context) error {
		meta, err := p.helper.Probe(ctx, rawURL, p.headers.Headers(tabID), false)
		if err != nil {
			return err
		}
		p.registry.Update(tabID, canonical, func(st *stream.Stream) {
			st.ProbeMeta = meta
			st.FullyParsed = true
			if st.Kind == stream.KindUnknown && meta.Container != "" {
				st.Kind = stream.KindDirect
				st.Container = meta.Container
			}
			if meta.HasVideo {
				st.MediaKind = stream.MediaVideo
			} else if meta.HasAudio {
				st.MediaKind = stream.MediaAudio
			}
		})
		return nil
	})
	go func() {
		<-ticket.Done()
		p.release(tabID, canonical, classProbe)
		if err := ticket.Err(); err != nil {
			return
		}
		if withPreview {
			p.schedulePreview(tabID, canonical, rawURL)
		}
	}()
}

// schedulePreview queues preview generation for a standalone stream.
func (p *Pipeline) schedulePreview(tabID stream.TabID, canonical, rawURL string) {
	if !p.previewsEnabled() {
		return
	}
	if !p.tryAcquire(tabID, canonical, classPreview) {
		return
	}

	ticket := p.limiter.Enqueue(tabID, classPreview, func(ctx context.Context) error {
		previewURL, err := p.helper.GeneratePreview(ctx, rawURL, p.headers.Headers(tabID))
		if err != nil {
			return err
		}
		p.registry.Update(tabID, canonical, func(st *stream.Stream) {
			st.PreviewURL = previewURL
		})
		return nil
	})
	go func() {
		<-ticket.Done()
		p.release(tabID, canonical, classPreview)
	}()
}

func (p *Pipeline) previewsEnabled() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := p.settings.Get(ctx)
	if err != nil {
		return true
	}
	return models.BoolVal(s.AutoGeneratePreviews)
}
