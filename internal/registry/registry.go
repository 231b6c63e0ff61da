// Package registry is the per-tab store of discovered streams. It owns
// stream identity (tab + canonical URL), the variant-to-master relationship
// map, and change notification fan-in for the UI and the enrichment
// pipeline.
package registry

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/streamhawk/streamhawk/internal/stream"
)

// ChangeType describes a registry mutation visible to observers.
type ChangeType string

const (
	ChangeAdd    ChangeType = "add"
	ChangeUpdate ChangeType = "update"
	ChangeRemove ChangeType = "remove"
)

// Change is a single observer-visible registry delta.
type Change struct {
	Type   ChangeType
	TabID  stream.TabID
	Stream *stream.Stream
}

// Listener receives registry changes. Listeners are invoked synchronously
// in mutation order with the registry lock held: they must not call back
// into the registry and must not block.
type Listener func(Change)

// tabStreams holds all streams and variant links for one tab.
type tabStreams struct {
	streams         map[string]*stream.Stream // canonical -> stream
	variantToMaster map[string]string         // variant canonical -> master canonical
}

// Registry is the process-wide stream store.
type Registry struct {
	mu        sync.RWMutex
	tabs      map[stream.TabID]*tabStreams
	listeners []Listener
	logger    *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tabs:   make(map[stream.TabID]*tabStreams),
		logger: logger,
	}
}

// AddListener registers a change listener. Not safe to call concurrently
// with mutations; wire listeners during startup.
func (r *Registry) AddListener(fn Listener) {
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) emitLocked(c Change) {
	for _, fn := range r.listeners {
		fn(c)
	}
}

func (r *Registry) tabLocked(tabID stream.TabID) *tabStreams {
	ts := r.tabs[tabID]
	if ts == nil {
		ts = &tabStreams{
			streams:         make(map[string]*stream.Stream),
			variantToMaster: make(map[string]string),
		}
		r.tabs[tabID] = ts
	}
	return ts
}

// UpsertResult reports whether an upsert created a new stream or merged
// into an existing one.
type UpsertResult struct {
	New    bool
	Stream *stream.Stream
}

// Upsert inserts a stream or merges a re-sighting into the existing record.
// Merge precedence: first-sighting fields (DetectedAt, accumulated parse
// state, probe metadata, relationship flags) are preserved; presentational
// fields (poster, title, expiry) take the incoming value when provided.
func (r *Registry) Upsert(tabID stream.TabID, s *stream.Stream) UpsertResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := r.tabLocked(tabID)
	existing := ts.streams[s.Canonical]

	if existing == nil {
		record := s.Clone()
		record.TabID = tabID
		if masterCanonical, ok := ts.variantToMaster[record.Canonical]; ok {
			record.IsVariant = true
			record.HasKnownMaster = true
			record.MasterCanonical = masterCanonical
		}
		ts.streams[record.Canonical] = record

		r.emitLocked(Change{Type: ChangeAdd, TabID: tabID, Stream: record.Clone()})
		return UpsertResult{New: true, Stream: record.Clone()}
	}

	changed := mergeStream(existing, s)
	if changed {
		r.emitLocked(Change{Type: ChangeUpdate, TabID: tabID, Stream: existing.Clone()})
	}
	return UpsertResult{New: false, Stream: existing.Clone()}
}

// mergeStream folds an incoming sighting into the existing record and
// reports whether anything observer-visible changed.
func mergeStream(existing, incoming *stream.Stream) bool {
	changed := false

	// A kind upgrade from unknown is strictly newer information.
	if existing.Kind == stream.KindUnknown && incoming.Kind != stream.KindUnknown {
		existing.Kind = incoming.Kind
		changed = true
	}
	if existing.Container == "" && incoming.Container != "" {
		existing.Container = incoming.Container
		changed = true
	}
	if existing.MediaKind == "" && incoming.MediaKind != "" {
		existing.MediaKind = incoming.MediaKind
		changed = true
	}
	if incoming.Poster != "" && incoming.Poster != existing.Poster {
		existing.Poster = incoming.Poster
		changed = true
	}
	if incoming.Title != "" && incoming.Title != existing.Title {
		existing.Title = incoming.Title
		changed = true
	}
	if incoming.ExpiryInfo != "" && incoming.ExpiryInfo != existing.ExpiryInfo {
		existing.ExpiryInfo = incoming.ExpiryInfo
		changed = true
	}
	if existing.ProbeMeta == nil && incoming.ProbeMeta != nil {
		pm := *incoming.ProbeMeta
		existing.ProbeMeta = &pm
		changed = true
	}
	if !existing.FoundFromQueryParam && incoming.FoundFromQueryParam {
		existing.FoundFromQueryParam = true
		existing.OriginalURL = incoming.OriginalURL
		changed = true
	}
	return changed
}

// AttachVariantsOfMaster records the variant list of a parsed master and
// links any standalone streams that turn out to be variants of it.
func (r *Registry) AttachVariantsOfMaster(tabID stream.TabID, masterCanonical string, variants []stream.Variant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := r.tabLocked(tabID)

	master := ts.streams[masterCanonical]
	if master != nil {
		master.IsMaster = true
		master.Variants = variants
		master.FullyParsed = true
		r.emitLocked(Change{Type: ChangeUpdate, TabID: tabID, Stream: master.Clone()})
	}

	for _, v := range variants {
		if v.Canonical == "" || v.Canonical == masterCanonical {
			continue
		}
		ts.variantToMaster[v.Canonical] = masterCanonical

		if standalone := ts.streams[v.Canonical]; standalone != nil && !standalone.HasKnownMaster {
			standalone.IsVariant = true
			standalone.HasKnownMaster = true
			standalone.MasterCanonical = masterCanonical
			r.emitLocked(Change{Type: ChangeUpdate, TabID: tabID, Stream: standalone.Clone()})
		}
	}
}

// Update applies a mutation to a stream and emits an update delta carrying
// the post-change state. Returns false if the stream is gone (tab closed).
func (r *Registry) Update(tabID stream.TabID, canonical string, mutate func(*stream.Stream)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := r.tabs[tabID]
	if ts == nil {
		return false
	}
	s := ts.streams[canonical]
	if s == nil {
		return false
	}

	mutate(s)
	r.emitLocked(Change{Type: ChangeUpdate, TabID: tabID, Stream: s.Clone()})
	return true
}

// Get returns a copy of a stream, or nil.
func (r *Registry) Get(tabID stream.TabID, canonical string) *stream.Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ts := r.tabs[tabID]
	if ts == nil {
		return nil
	}
	s := ts.streams[canonical]
	if s == nil {
		return nil
	}
	return s.Clone()
}

// MasterOf returns the canonical URL of the known master for a variant
// canonical, or "".
func (r *Registry) MasterOf(tabID stream.TabID, variantCanonical string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ts := r.tabs[tabID]
	if ts == nil {
		return ""
	}
	return ts.variantToMaster[variantCanonical]
}

// VisibleStreams returns the streams shown to observers for a tab: all
// streams except variants with a known master, newest first.
func (r *Registry) VisibleStreams(tabID stream.TabID) []*stream.Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ts := r.tabs[tabID]
	if ts == nil {
		return nil
	}

	out := make([]*stream.Stream, 0, len(ts.streams))
	for _, s := range ts.streams {
		if s.HasKnownMaster {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	return out
}

// Destroy drops all per-tab state. Called on tab close and top-frame
// navigation commit.
func (r *Registry) Destroy(tabID stream.TabID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tabs[tabID]; !ok {
		return
	}
	delete(r.tabs, tabID)
	r.logger.Debug("registry tab destroyed", slog.Int64("tab_id", int64(tabID)))
}

// TabCount returns the number of tabs with tracked streams.
func (r *Registry) TabCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tabs)
}

// StreamCount returns the number of streams tracked for a tab, including
// linked variants that are hidden from the visible set.
func (r *Registry) StreamCount(tabID stream.TabID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ts := r.tabs[tabID]
	if ts == nil {
		return 0
	}
	return len(ts.streams)
}
