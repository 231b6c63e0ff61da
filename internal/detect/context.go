// Package detect holds volatile per-tab detection state: DASH manifest
// sightings, learned segment path prefixes, and captured request headers.
// Everything here dies with the tab.
package detect

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/streamhawk/streamhawk/internal/stream"
)

// UnknownTab is passed when the event source could not attribute a sighting
// to a tab.
const UnknownTab stream.TabID = -1

// recentMPDWindow is how long an MPD sighting keeps a tab eligible for
// prefix association when the reporting side lost the tab ID. Best effort:
// under rapid tab churn this can misattribute, which is acceptable because
// the prefixes only suppress segment noise.
const recentMPDWindow = 60 * time.Second

// tabContext is the per-tab detection state.
type tabContext struct {
	mpdSeenAt       time.Time
	segmentPrefixes map[string]struct{}
}

// Store tracks detection context for all tabs.
type Store struct {
	mu     sync.RWMutex
	tabs   map[stream.TabID]*tabContext
	logger *slog.Logger
}

// NewStore creates an empty detection context store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		tabs:   make(map[stream.TabID]*tabContext),
		logger: logger,
	}
}

// MarkMPD records that an MPD manifest was observed for the tab.
func (s *Store) MarkMPD(tabID stream.TabID, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tc := s.tabs[tabID]
	if tc == nil {
		tc = &tabContext{segmentPrefixes: make(map[string]struct{})}
		s.tabs[tabID] = tc
	}
	tc.mpdSeenAt = now
}

// AddSegmentPrefixes unions segment path prefixes into the tab's set.
// When tabID is UnknownTab, the prefixes attach to the tab with the most
// recent MPD sighting inside recentMPDWindow, if any.
func (s *Store) AddSegmentPrefixes(tabID stream.TabID, prefixes []string, now time.Time) {
	if len(prefixes) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tc := s.tabs[tabID]
	if tc == nil && tabID == UnknownTab {
		tabID, tc = s.mostRecentMPDTabLocked(now)
	}
	if tc == nil {
		if tabID == UnknownTab {
			s.logger.Debug("segment prefixes dropped, no recent MPD tab")
			return
		}
		tc = &tabContext{segmentPrefixes: make(map[string]struct{})}
		s.tabs[tabID] = tc
	}

	for _, p := range prefixes {
		if p == "" {
			continue
		}
		tc.segmentPrefixes[p] = struct{}{}
	}
}

// mostRecentMPDTabLocked returns the tab with the freshest MPD sighting
// within the recency window. Caller holds the lock.
func (s *Store) mostRecentMPDTabLocked(now time.Time) (stream.TabID, *tabContext) {
	var (
		bestID stream.TabID
		best   *tabContext
	)
	for id, tc := range s.tabs {
		if tc.mpdSeenAt.IsZero() || now.Sub(tc.mpdSeenAt) >= recentMPDWindow {
			continue
		}
		if best == nil || tc.mpdSeenAt.After(best.mpdSeenAt) {
			bestID, best = id, tc
		}
	}
	return bestID, best
}

// HasMPDContext implements classify.SegmentContext.
func (s *Store) HasMPDContext(tabID stream.TabID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tc := s.tabs[tabID]
	return tc != nil && !tc.mpdSeenAt.IsZero()
}

// MatchesSegmentPrefix implements classify.SegmentContext.
func (s *Store) MatchesSegmentPrefix(tabID stream.TabID, rawURL string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tc := s.tabs[tabID]
	if tc == nil {
		return false
	}
	for prefix := range tc.segmentPrefixes {
		if strings.HasPrefix(rawURL, prefix) {
			return true
		}
	}
	return false
}

// Cleanup drops all detection state for a tab.
func (s *Store) Cleanup(tabID stream.TabID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tabs, tabID)
}
