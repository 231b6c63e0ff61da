// Package urlnorm canonicalizes URLs for stream deduplication.
//
// This is the single canonicalization implementation; every call site in the
// daemon must use it so two sightings of the same asset always collapse to
// one identity.
package urlnorm

import (
	"net/url"
	"path"
	"strings"
)

// safeStripParams are query parameters that never affect response content.
// The list is deliberately conservative: signed CDN auth tokens must survive
// canonicalization or the URL stops working.
var safeStripParams = map[string]bool{
	"fbclid":      true,
	"gclid":       true,
	"msclkid":     true,
	"_t":          true,
	"_r":          true,
	"cache":       true,
	"_":           true,
	"time":        true,
	"timestamp":   true,
	"random":      true,
	"nonce":       true,
	"cachebuster": true,
}

// knownPlayerTags are hosts of well-known players whose blob URLs we tag so
// repeated blob sightings on the same player page dedupe.
var knownPlayerTags = []string{"youtube", "vimeo", "dailymotion", "twitch", "jwplayer"}

// manifestPathMarkers identify manifest-like URLs whose query strings are
// stream-session noise (seq, segment, session, cmsid, start, end, quality,
// itag, v). Those collapse to origin + pathname.
var manifestPathMarkers = []string{"/manifest", "/playlist", "/master.m3u8", "/index.m3u8"}

// Canonicalize returns the canonical form of a URL. It is idempotent:
// Canonicalize(Canonicalize(u)) == Canonicalize(u).
func Canonicalize(rawURL string) string {
	if strings.HasPrefix(rawURL, "blob:") {
		return CanonicalizeBlob(rawURL, "")
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	// Trim trailing path slashes, except the root path.
	for len(u.Path) > 1 && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	if isManifestLike(u.Path) {
		// Session parameters on manifest URLs vary per playback session.
		return origin(u) + u.EscapedPath()
	}

	q := u.Query()
	changed := false
	for key := range q {
		lower := strings.ToLower(key)
		if safeStripParams[lower] || strings.HasPrefix(lower, "utm_") {
			q.Del(key)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	if u.RawQuery == "" {
		u.RawQuery = ""
		return origin(u) + u.EscapedPath()
	}

	u.Fragment = ""
	return u.String()
}

// CanonicalizeBlob canonicalizes an in-memory object URL. Blob URLs never
// share identity across origins; the optional MIME type narrows identity on
// pages that create several blobs of different kinds.
func CanonicalizeBlob(rawURL, mimeType string) string {
	inner := strings.TrimPrefix(rawURL, "blob:")
	key := "unknown-origin"
	var host string
	if u, err := url.Parse(inner); err == nil && u.Host != "" {
		key = strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
		host = strings.ToLower(u.Host)
	}
	key += "-blob"
	if main := mimeMainType(mimeType); main != "" {
		key += "-" + main
	}
	if tag := playerTag(host); tag != "" {
		key += "-" + tag
	}
	return key
}

// BaseDirectory returns origin + dirname(pathname) for a URL, used to learn
// DASH segment path prefixes from variant URLs.
func BaseDirectory(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		if i := strings.LastIndex(rawURL, "/"); i > 0 {
			return rawURL[:i]
		}
		return rawURL
	}
	dir := path.Dir(u.Path)
	if dir == "." {
		dir = "/"
	}
	return origin(u) + dir
}

func origin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

func isManifestLike(p string) bool {
	lower := strings.ToLower(p)
	for _, marker := range manifestPathMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return strings.HasSuffix(lower, "manifest.mpd")
}

func mimeMainType(mimeType string) string {
	if mimeType == "" {
		return ""
	}
	main, _, _ := strings.Cut(mimeType, "/")
	return strings.ToLower(strings.TrimSpace(main))
}

func playerTag(host string) string {
	for _, tag := range knownPlayerTags {
		if strings.Contains(host, tag) {
			return tag
		}
	}
	return ""
}
