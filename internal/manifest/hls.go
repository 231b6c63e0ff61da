// Package manifest parses HLS playlists and DASH MPDs into the stream
// model: light classification of a manifest head, full variant extraction
// for masters, and segment-prefix learning for DASH noise suppression.
package manifest

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/streamhawk/streamhawk/internal/stream"
	"github.com/streamhawk/streamhawk/internal/urlnorm"
)

// LightClassifyHLS classifies a playlist head without a full parse. The
// input may be truncated, so this works on tag presence, not structure.
func LightClassifyHLS(data []byte) stream.Subtype {
	text := string(data)
	if !strings.Contains(text, "#EXTM3U") {
		return stream.SubtypeNotAMedia
	}
	if strings.Contains(text, "#EXT-X-STREAM-INF") {
		return stream.SubtypeMaster
	}
	if strings.Contains(text, "#EXTINF") {
		return stream.SubtypeStandalone
	}
	return stream.SubtypeNotAMedia
}

// ParseHLSMaster extracts the variant list of a multivariant playlist,
// ordered best first: highest bandwidth, then highest resolution.
func ParseHLSMaster(baseURL string, data []byte) ([]stream.Variant, error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parsing multivariant playlist: %w", err)
	}
	mv, ok := pl.(*playlist.Multivariant)
	if !ok {
		return nil, fmt.Errorf("expected multivariant playlist, got media")
	}

	variants := make([]stream.Variant, 0, len(mv.Variants))
	for _, v := range mv.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		absolute := absolutizeURL(baseURL, v.URI)
		sv := stream.Variant{
			URL:       absolute,
			Canonical: urlnorm.Canonicalize(absolute),
			Bandwidth: int64(v.Bandwidth),
			Codecs:    strings.Join(v.Codecs, ","),
		}
		sv.Width, sv.Height = parseResolution(v.Resolution)
		if v.FrameRate != nil {
			sv.FPS = *v.FrameRate
		}
		variants = append(variants, sv)
	}

	sort.SliceStable(variants, func(i, j int) bool {
		if variants[i].Bandwidth != variants[j].Bandwidth {
			return variants[i].Bandwidth > variants[j].Bandwidth
		}
		return variants[i].Height > variants[j].Height
	})
	return variants, nil
}

// ParseHLSMedia summarizes a media playlist.
func ParseHLSMedia(data []byte) (*stream.ParserMeta, error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parsing media playlist: %w", err)
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return nil, fmt.Errorf("expected media playlist, got multivariant")
	}

	meta := &stream.ParserMeta{
		TargetDuration: float64(media.TargetDuration),
		SegmentCount:   len(media.Segments),
		IsLive:         !media.Endlist,
	}

	var total time.Duration
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		total += seg.Duration
		if seg.Key != nil {
			meta.IsEncrypted = true
		}
	}
	meta.TotalDuration = total.Seconds()
	return meta, nil
}

// parseResolution splits an HLS RESOLUTION value ("1920x1080").
func parseResolution(res string) (width, height int) {
	parts := strings.SplitN(strings.ToLower(res), "x", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	w, err1 := strconv.Atoi(parts[0])
	h, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return w, h
}

// absolutizeURL resolves a playlist-relative reference.
func absolutizeURL(baseURL, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		if idx := strings.LastIndex(baseURL, "/"); idx >= 0 {
			return baseURL[:idx+1] + ref
		}
		return ref
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(parsed).String()
}
