// Package stream defines the in-memory domain model for discovered media
// streams. Streams live only as long as their tab; nothing in this package
// is persisted.
package stream

import (
	"time"
)

// TabID identifies a browser tab as reported by the event source.
type TabID int64

// Kind classifies a discovered stream.
type Kind string

const (
	KindHLS     Kind = "hls"
	KindDASH    Kind = "dash"
	KindDirect  Kind = "direct"
	KindBlob    Kind = "blob"
	KindUnknown Kind = "unknown"
)

// MediaKind distinguishes video from audio-only streams.
type MediaKind string

const (
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

// Source records where a sighting came from.
type Source string

const (
	SourceWebRequestMime Source = "webRequest-mime"
	SourceWebRequestURL  Source = "webRequest-url"
	SourceDOMScan        Source = "dom-scan"
	SourceDOMNetworkXHR  Source = "dom-network-xhr"
	SourceDOMNetworkFtch Source = "dom-network-fetch"
	SourceDOMMutation    Source = "dom-mutation"
)

// Subtype is the light-parse classification of a manifest.
type Subtype string

const (
	SubtypeMaster     Subtype = "master"
	SubtypeVariant    Subtype = "variant"
	SubtypeStandalone Subtype = "standalone"
	SubtypeNotAMedia  Subtype = "not-a-media"
	SubtypeFetchFail  Subtype = "fetch-failed"
)

// ProbeMeta holds technical metadata returned by the helper probe.
type ProbeMeta struct {
	Container      string   `json:"container,omitempty"`
	Format         string   `json:"format,omitempty"`
	Width          int      `json:"width,omitempty"`
	Height         int      `json:"height,omitempty"`
	FPS            float64  `json:"fps,omitempty"`
	Duration       float64  `json:"duration,omitempty"`
	VideoCodec     string   `json:"videoCodec,omitempty"`
	AudioCodec     string   `json:"audioCodec,omitempty"`
	HasVideo       bool     `json:"hasVideo"`
	HasAudio       bool     `json:"hasAudio"`
	VideoBitrate   int64    `json:"videoBitrate,omitempty"`
	TotalBitrate   int64    `json:"totalBitrate,omitempty"`
	SizeBytes      int64    `json:"sizeBytes,omitempty"`
	EstimatedBytes int64    `json:"estimatedFileSizeBytes,omitempty"`
	SubtitleTracks []string `json:"subtitleTracks,omitempty"`
}

// ParserMeta holds metadata extracted from a manifest parse.
type ParserMeta struct {
	VariantCount   int     `json:"variantCount,omitempty"`
	TargetDuration float64 `json:"targetDuration,omitempty"`
	TotalDuration  float64 `json:"totalDuration,omitempty"`
	SegmentCount   int     `json:"segmentCount,omitempty"`
	IsLive         bool    `json:"isLive,omitempty"`
	IsEncrypted    bool    `json:"isEncrypted,omitempty"`
}

// Variant is a specific-quality child of a master stream.
// Variants of a master are ordered best first: index 0 is highest quality.
type Variant struct {
	URL        string      `json:"url"`
	Canonical  string      `json:"canonical"`
	Bandwidth  int64       `json:"bandwidth,omitempty"`
	Width      int         `json:"width,omitempty"`
	Height     int         `json:"height,omitempty"`
	FPS        float64     `json:"fps,omitempty"`
	Codecs     string      `json:"codecs,omitempty"`
	ParserMeta *ParserMeta `json:"parserMeta,omitempty"`
	ProbeMeta  *ProbeMeta  `json:"probeMeta,omitempty"`
	PreviewURL string      `json:"previewUrl,omitempty"`
}

// Stream is the central record for a discovered media asset within a tab.
// Identity within a tab is the Canonical URL.
type Stream struct {
	URL       string    `json:"url"`
	Canonical string    `json:"canonical"`
	TabID     TabID     `json:"tabId"`
	Kind      Kind      `json:"kind"`
	Container string    `json:"container,omitempty"`
	MediaKind MediaKind `json:"mediaKind,omitempty"`
	Source    Source    `json:"source"`

	// DetectedAt is a monotonic timestamp assigned at first sighting.
	DetectedAt time.Time `json:"detectedAt"`

	// Parse state.
	LightParsed bool    `json:"lightParsed,omitempty"`
	Subtype     Subtype `json:"subtype,omitempty"`
	FullyParsed bool    `json:"fullyParsed,omitempty"`

	// Relationship state.
	IsMaster        bool      `json:"isMaster,omitempty"`
	IsVariant       bool      `json:"isVariant,omitempty"`
	HasKnownMaster  bool      `json:"hasKnownMaster,omitempty"`
	MasterCanonical string    `json:"masterCanonical,omitempty"`
	Variants        []Variant `json:"variants,omitempty"`

	// Technical metadata.
	ProbeMeta  *ProbeMeta  `json:"probeMeta,omitempty"`
	ParserMeta *ParserMeta `json:"parserMeta,omitempty"`
	PreviewURL string      `json:"previewUrl,omitempty"`
	Poster     string      `json:"poster,omitempty"`
	Title      string      `json:"title,omitempty"`
	ExpiryInfo string      `json:"expiryInfo,omitempty"`

	// Provenance.
	OriginalURL         string `json:"originalUrl,omitempty"`
	FoundFromQueryParam bool   `json:"foundFromQueryParam,omitempty"`
}

// Clone returns a deep copy of the stream. The registry hands out clones so
// callers never mutate shared state.
func (s *Stream) Clone() *Stream {
	c := *s
	if s.Variants != nil {
		c.Variants = make([]Variant, len(s.Variants))
		copy(c.Variants, s.Variants)
		for i := range s.Variants {
			if s.Variants[i].ParserMeta != nil {
				pm := *s.Variants[i].ParserMeta
				c.Variants[i].ParserMeta = &pm
			}
			if s.Variants[i].ProbeMeta != nil {
				pm := *s.Variants[i].ProbeMeta
				c.Variants[i].ProbeMeta = &pm
			}
		}
	}
	if s.ProbeMeta != nil {
		pm := *s.ProbeMeta
		c.ProbeMeta = &pm
	}
	if s.ParserMeta != nil {
		pm := *s.ParserMeta
		c.ParserMeta = &pm
	}
	return &c
}

// Poisoned reports whether the light parse marked this stream unusable for
// the UI (not a media manifest, or its fetch failed).
func (s *Stream) Poisoned() bool {
	return s.Subtype == SubtypeNotAMedia || s.Subtype == SubtypeFetchFail
}

// IsManifest reports whether the stream kind is a manifest type.
func (s *Stream) IsManifest() bool {
	return s.Kind == KindHLS || s.Kind == KindDASH
}
