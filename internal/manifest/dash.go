package manifest

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/streamhawk/streamhawk/internal/stream"
	"github.com/streamhawk/streamhawk/internal/urlnorm"
)

// mpd mirrors the subset of the DASH MPD schema needed for variant and
// segment-prefix extraction.
type mpd struct {
	XMLName                   xml.Name    `xml:"MPD"`
	Type                      string      `xml:"type,attr"`
	MediaPresentationDuration string      `xml:"mediaPresentationDuration,attr"`
	BaseURL                   string      `xml:"BaseURL"`
	Periods                   []mpdPeriod `xml:"Period"`
}

type mpdPeriod struct {
	BaseURL        string             `xml:"BaseURL"`
	AdaptationSets []mpdAdaptationSet `xml:"AdaptationSet"`
}

type mpdAdaptationSet struct {
	MimeType        string              `xml:"mimeType,attr"`
	ContentType     string              `xml:"contentType,attr"`
	BaseURL         string              `xml:"BaseURL"`
	SegmentTemplate *mpdSegmentTemplate `xml:"SegmentTemplate"`
	Representations []mpdRepresentation `xml:"Representation"`
}

type mpdRepresentation struct {
	ID              string              `xml:"id,attr"`
	Bandwidth       int64               `xml:"bandwidth,attr"`
	Width           int                 `xml:"width,attr"`
	Height          int                 `xml:"height,attr"`
	FrameRate       string              `xml:"frameRate,attr"`
	Codecs          string              `xml:"codecs,attr"`
	MimeType        string              `xml:"mimeType,attr"`
	BaseURL         string              `xml:"BaseURL"`
	SegmentTemplate *mpdSegmentTemplate `xml:"SegmentTemplate"`
}

type mpdSegmentTemplate struct {
	Media          string `xml:"media,attr"`
	Initialization string `xml:"initialization,attr"`
}

// DASHResult is everything learned from one MPD parse.
type DASHResult struct {
	Variants        []stream.Variant
	SegmentPrefixes []string
	Meta            *stream.ParserMeta
}

// ParseMPD extracts video representations as variants (best first) and the
// segment path prefixes the detection context uses to suppress media
// segment requests.
func ParseMPD(manifestURL string, data []byte) (*DASHResult, error) {
	var doc mpd
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing MPD: %w", err)
	}

	result := &DASHResult{
		Meta: &stream.ParserMeta{
			IsLive:        doc.Type == "dynamic",
			TotalDuration: parseISODuration(doc.MediaPresentationDuration),
		},
	}

	prefixes := make(map[string]struct{})
	for _, period := range doc.Periods {
		periodBase := resolveBase(manifestURL, doc.BaseURL, period.BaseURL)
		for _, as := range period.AdaptationSets {
			asBase := resolveBase(periodBase, as.BaseURL)
			for _, rep := range as.Representations {
				repBase := resolveBase(asBase, rep.BaseURL)

				tpl := rep.SegmentTemplate
				if tpl == nil {
					tpl = as.SegmentTemplate
				}
				if tpl != nil {
					if p := templatePrefix(repBase, tpl.Media, rep.ID); p != "" {
						prefixes[p] = struct{}{}
					}
					if p := templatePrefix(repBase, tpl.Initialization, rep.ID); p != "" {
						prefixes[p] = struct{}{}
					}
				} else if rep.BaseURL != "" {
					prefixes[urlnorm.BaseDirectory(repBase)+"/"] = struct{}{}
				}

				if !isVideoRepresentation(as, rep) {
					continue
				}
				variantURL := representationURL(manifestURL, repBase, rep.ID)
				result.Variants = append(result.Variants, stream.Variant{
					URL:       variantURL,
					Canonical: variantCanonical(manifestURL, rep.ID, variantURL),
					Bandwidth: rep.Bandwidth,
					Width:     rep.Width,
					Height:    rep.Height,
					FPS:       parseFrameRate(rep.FrameRate),
					Codecs:    rep.Codecs,
				})
			}
		}
	}

	sort.SliceStable(result.Variants, func(i, j int) bool {
		if result.Variants[i].Bandwidth != result.Variants[j].Bandwidth {
			return result.Variants[i].Bandwidth > result.Variants[j].Bandwidth
		}
		return result.Variants[i].Height > result.Variants[j].Height
	})
	result.Meta.VariantCount = len(result.Variants)

	for p := range prefixes {
		result.SegmentPrefixes = append(result.SegmentPrefixes, p)
	}
	sort.Strings(result.SegmentPrefixes)
	return result, nil
}

// isVideoRepresentation keeps video (and bare) representations, skipping
// audio-only and text adaptation sets.
func isVideoRepresentation(as mpdAdaptationSet, rep mpdRepresentation) bool {
	mime := rep.MimeType
	if mime == "" {
		mime = as.MimeType
	}
	if strings.HasPrefix(mime, "audio/") || strings.HasPrefix(mime, "text/") || strings.HasPrefix(mime, "application/ttml") {
		return false
	}
	ct := as.ContentType
	if ct == "audio" || ct == "text" {
		return false
	}
	return true
}

// representationURL is a stable per-representation identity. The MPD rarely
// names a single playable URL per representation, so the manifest URL is
// suffixed with the representation id.
func representationURL(manifestURL, repBase, repID string) string {
	if repBase != manifestURL && repBase != "" && !strings.ContainsAny(repBase, "$") {
		if strings.Contains(repBase, "://") && strings.Contains(lastSegment(repBase), ".") {
			return repBase
		}
	}
	sep := "#"
	return manifestURL + sep + "rep=" + repID
}

// variantCanonical keeps synthetic representation URLs distinct after
// canonicalization, which collapses manifest-like URLs to origin+path.
func variantCanonical(manifestURL, repID, variantURL string) string {
	if strings.Contains(variantURL, "#rep=") {
		return urlnorm.Canonicalize(manifestURL) + "#rep=" + repID
	}
	return urlnorm.Canonicalize(variantURL)
}

func lastSegment(u string) string {
	if idx := strings.LastIndex(u, "/"); idx >= 0 {
		return u[idx+1:]
	}
	return u
}

// templatePrefix resolves a segment template against its base URL and cuts
// it at the first template variable, keeping the directory part.
func templatePrefix(baseURL, tpl, repID string) string {
	if tpl == "" {
		return ""
	}
	tpl = strings.ReplaceAll(tpl, "$RepresentationID$", repID)
	if idx := strings.Index(tpl, "$"); idx >= 0 {
		tpl = tpl[:idx]
	}
	resolved := absolutizeURL(baseURL, tpl)
	if idx := strings.LastIndex(resolved, "/"); idx >= 0 {
		resolved = resolved[:idx+1]
	}
	if !strings.Contains(resolved, "://") {
		return ""
	}
	return resolved
}

// resolveBase folds successive BaseURL elements onto the document URL.
func resolveBase(parent string, bases ...string) string {
	current := parent
	for _, b := range bases {
		if b == "" {
			continue
		}
		current = absolutizeURL(current, b)
	}
	return current
}

var frameRatePattern = regexp.MustCompile(`^(\d+)(?:/(\d+))?$`)

// parseFrameRate handles both "30" and "30000/1001" notations.
func parseFrameRate(s string) float64 {
	m := frameRatePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0
	}
	num, _ := strconv.ParseFloat(m[1], 64)
	if m[2] == "" {
		return num
	}
	den, _ := strconv.ParseFloat(m[2], 64)
	if den == 0 {
		return 0
	}
	return num / den
}

var isoDurationPattern = regexp.MustCompile(`^PT(?:(\d+(?:\.\d+)?)H)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)S)?$`)

// parseISODuration converts an ISO 8601 duration ("PT1H2M3.5S") to seconds.
func parseISODuration(s string) float64 {
	m := isoDurationPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0
	}
	var total float64
	if m[1] != "" {
		h, _ := strconv.ParseFloat(m[1], 64)
		total += h * 3600
	}
	if m[2] != "" {
		min, _ := strconv.ParseFloat(m[2], 64)
		total += min * 60
	}
	if m[3] != "" {
		sec, _ := strconv.ParseFloat(m[3], 64)
		total += sec
	}
	return total
}
