// Package classify decides what a sighted URL is: an HLS or DASH manifest, a
// direct media file, a media segment, a blob, or noise. Classification is a
// pure function of the URL, the optional response metadata, and the per-tab
// segment context supplied by the caller.
package classify

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/streamhawk/streamhawk/internal/stream"
)

// Verdict is the outcome of classification.
type Verdict string

const (
	VerdictHLS     Verdict = "hls"
	VerdictDASH    Verdict = "dash"
	VerdictDirect  Verdict = "direct"
	VerdictBlob    Verdict = "blob"
	VerdictSegment Verdict = "segment"
	VerdictIgnored Verdict = "ignored"
)

// StreamKind maps a media verdict to the stream kind. Segment and ignored
// verdicts never become streams.
func (v Verdict) StreamKind() stream.Kind {
	switch v {
	case VerdictHLS:
		return stream.KindHLS
	case VerdictDASH:
		return stream.KindDASH
	case VerdictDirect:
		return stream.KindDirect
	case VerdictBlob:
		return stream.KindBlob
	default:
		return stream.KindUnknown
	}
}

// RespMeta carries response metadata from the event source, when available.
type RespMeta struct {
	ContentType        string
	ContentLength      int64
	AcceptRanges       string
	ContentDisposition string
	Filename           string
}

// SegmentContext answers per-tab questions used by the segment test.
// The detect package implements it.
type SegmentContext interface {
	// HasMPDContext reports whether an MPD was seen for the tab.
	HasMPDContext(tabID stream.TabID) bool
	// MatchesSegmentPrefix reports whether the URL matches a learned
	// DASH segment path prefix for the tab.
	MatchesSegmentPrefix(tabID stream.TabID, rawURL string) bool
}

// Options carries the per-call classification context.
type Options struct {
	TabID stream.TabID

	// Segments is consulted by the segment test. Nil disables the
	// context-dependent checks (MPD presence, learned prefixes).
	Segments SegmentContext

	// MinFileSize drops direct files with a smaller declared content length.
	// Zero disables the filter.
	MinFileSize int64
}

// Decision is the classification result.
type Decision struct {
	Verdict   Verdict
	Container string
	MediaKind stream.MediaKind

	// URL is the final candidate. It differs from the input when a media URL
	// was extracted from a tracking wrapper's query parameter.
	URL                 string
	OriginalURL         string
	FoundFromQueryParam bool
}

// nonMediaExtensions never identify playable media.
var nonMediaExtensions = map[string]bool{
	"js": true, "css": true, "json": true, "xml": true,
	"woff": true, "woff2": true, "ttf": true, "eot": true, "otf": true,
	"jpg": true, "jpeg": true, "png": true, "gif": true, "svg": true,
	"ico": true, "webp": true, "avif": true, "bmp": true,
	"pdf": true, "doc": true, "docx": true, "xls": true, "xlsx": true,
	"ppt": true, "pptx": true, "txt": true, "map": true,
	"htm": true, "html": true, "php": true, "asp": true, "aspx": true, "jsp": true,
}

// directContainers are extensions of progressive media files.
var directContainers = map[string]bool{
	"mp4": true, "webm": true, "ogg": true, "mov": true, "avi": true,
	"mkv": true, "flv": true, "3gp": true, "m4v": true, "wmv": true,
}

// trackerMarkers identify analytics/beacon endpoints.
var trackerMarkers = []string{"/ping/", "/track/", "/pixel/", "/analytics/", "jwpltx", "ping.gif"}

// segmentPatterns match common segment naming schemes.
var segmentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`segment-\d+`),
	regexp.MustCompile(`chunk-\d+`),
	regexp.MustCompile(`frag-\d+`),
	regexp.MustCompile(`seq-\d+`),
	regexp.MustCompile(`part-\d+`),
	regexp.MustCompile(`/(media|video|audio)_\d+`),
	regexp.MustCompile(`dash\d+`),
	regexp.MustCompile(`\d+\.(m4s|ts)$`),
	regexp.MustCompile(`[-_]\d+[-_]\d+\.(m4s|mp4)(\?|$)`),
}

// byteRangePattern matches explicit byte-range query hints on segment URLs.
var byteRangePattern = regexp.MustCompile(`(bytes|range)=\d+-\d+`)

// Classify runs the full decision procedure on a sighted URL.
func Classify(rawURL string, meta *RespMeta, opts Options) Decision {
	return classify(rawURL, meta, opts, false)
}

func classify(rawURL string, meta *RespMeta, opts Options, extracted bool) Decision {
	if strings.HasPrefix(rawURL, "blob:") {
		return Decision{Verdict: VerdictBlob, URL: rawURL, FoundFromQueryParam: extracted}
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return classifyRawString(rawURL, extracted)
	}

	lowerPath := strings.ToLower(u.Path)
	ext := pathExtension(lowerPath)

	// Non-media extensions and tracker endpoints are dropped, unless they
	// wrap a real media URL in a query parameter.
	dropped := nonMediaExtensions[ext] || isTracker(u)
	if inner := embeddedMediaURL(u); inner != "" && !extracted {
		return classifyEmbedded(rawURL, inner, opts)
	}
	if dropped {
		return Decision{Verdict: VerdictIgnored, URL: rawURL}
	}

	if meta != nil && meta.ContentType != "" {
		if d, ok := classifyByContentType(rawURL, u, meta, opts, extracted); ok {
			return d
		}
	}

	return classifyByPath(rawURL, u, ext, opts, extracted)
}

func classifyEmbedded(outer, inner string, opts Options) Decision {
	// Response metadata belongs to the wrapper, not the inner URL.
	d := classify(inner, nil, opts, true)
	if d.Verdict == VerdictIgnored || d.Verdict == VerdictSegment {
		return Decision{Verdict: VerdictIgnored, URL: outer}
	}
	d.OriginalURL = outer
	d.FoundFromQueryParam = true
	return d
}

// classifyRawString is the fallback for unparseable URLs.
func classifyRawString(raw string, extracted bool) Decision {
	lower := strings.ToLower(raw)
	for _, marker := range trackerMarkers {
		if strings.Contains(lower, marker) {
			return Decision{Verdict: VerdictIgnored, URL: raw}
		}
	}
	switch {
	case strings.Contains(lower, ".m3u8"):
		return Decision{Verdict: VerdictHLS, URL: raw, FoundFromQueryParam: extracted}
	case strings.Contains(lower, ".mpd"):
		return Decision{Verdict: VerdictDASH, URL: raw, FoundFromQueryParam: extracted}
	}
	return Decision{Verdict: VerdictIgnored, URL: raw}
}

func classifyByContentType(rawURL string, u *url.URL, meta *RespMeta, opts Options, extracted bool) (Decision, bool) {
	ct := strings.ToLower(strings.TrimSpace(meta.ContentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}

	switch {
	case ct == "application/dash+xml" || ct == "application/vnd.mpeg.dash.mpd":
		return Decision{Verdict: VerdictDASH, URL: rawURL, FoundFromQueryParam: extracted}, true

	case strings.Contains(ct, "mpegurl") || strings.Contains(ct, "m3u8"):
		return Decision{Verdict: VerdictHLS, URL: rawURL, FoundFromQueryParam: extracted}, true

	case ct == "application/xml" || ct == "text/xml" || ct == "application/octet-stream":
		// Misconfigured servers ship MPDs under generic XML/binary types.
		if strings.Contains(strings.ToLower(rawURL), ".mpd") {
			return Decision{Verdict: VerdictDASH, URL: rawURL, FoundFromQueryParam: extracted}, true
		}
		return Decision{}, false

	case ct == "video/mp2t":
		return Decision{Verdict: VerdictSegment, URL: rawURL}, true

	case strings.HasPrefix(ct, "video/") || strings.HasPrefix(ct, "audio/"):
		if isSegmentURL(rawURL, u, opts) {
			return Decision{Verdict: VerdictSegment, URL: rawURL}, true
		}
		if opts.MinFileSize > 0 && meta.ContentLength > 0 && meta.ContentLength < opts.MinFileSize {
			return Decision{Verdict: VerdictIgnored, URL: rawURL}, true
		}
		mediaKind := stream.MediaVideo
		if strings.HasPrefix(ct, "audio/") {
			mediaKind = stream.MediaAudio
		}
		container := strings.TrimPrefix(strings.TrimPrefix(ct, "video/"), "audio/")
		return Decision{
			Verdict:             VerdictDirect,
			MediaKind:           mediaKind,
			Container:           container,
			URL:                 rawURL,
			FoundFromQueryParam: extracted,
		}, true
	}

	return Decision{}, false
}

func classifyByPath(rawURL string, u *url.URL, ext string, opts Options, extracted bool) Decision {
	switch {
	case ext == "m3u8":
		return Decision{Verdict: VerdictHLS, URL: rawURL, FoundFromQueryParam: extracted}
	case ext == "mpd":
		return Decision{Verdict: VerdictDASH, URL: rawURL, FoundFromQueryParam: extracted}
	case directContainers[ext]:
		if isSegmentURL(rawURL, u, opts) {
			return Decision{Verdict: VerdictSegment, URL: rawURL}
		}
		return Decision{
			Verdict:             VerdictDirect,
			Container:           ext,
			MediaKind:           stream.MediaVideo,
			URL:                 rawURL,
			FoundFromQueryParam: extracted,
		}
	}
	return Decision{Verdict: VerdictIgnored, URL: rawURL}
}

// isSegmentURL is the segment test for direct-looking URLs.
func isSegmentURL(rawURL string, u *url.URL, opts Options) bool {
	lowerPath := strings.ToLower(u.Path)
	ext := pathExtension(lowerPath)
	if ext == "ts" || ext == "m4s" {
		return true
	}

	lower := strings.ToLower(rawURL)
	if opts.Segments != nil {
		if byteRangePattern.MatchString(lower) && opts.Segments.HasMPDContext(opts.TabID) {
			return true
		}
		if opts.Segments.MatchesSegmentPrefix(opts.TabID, rawURL) {
			return true
		}
	}

	for _, pattern := range segmentPatterns {
		if pattern.MatchString(lower) {
			return true
		}
	}
	return false
}

// embeddedMediaURL scans query parameter values for a wrapped manifest URL.
func embeddedMediaURL(u *url.URL) string {
	for _, values := range u.Query() {
		for _, v := range values {
			if decoded, err := url.QueryUnescape(v); err == nil {
				v = decoded
			}
			if !strings.Contains(v, ".m3u8") && !strings.Contains(v, ".mpd") {
				continue
			}
			if strings.Contains(v, "http") || strings.Contains(v, "://") {
				return v
			}
			if strings.HasPrefix(v, "/") {
				return u.Scheme + "://" + u.Host + v
			}
		}
	}
	return ""
}

func isTracker(u *url.URL) bool {
	lower := strings.ToLower(u.Host + u.Path)
	for _, marker := range trackerMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func pathExtension(lowerPath string) string {
	i := strings.LastIndexByte(lowerPath, '.')
	if i < 0 || i == len(lowerPath)-1 {
		return ""
	}
	ext := lowerPath[i+1:]
	if strings.ContainsAny(ext, "/") {
		return ""
	}
	return ext
}
