package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/streamhawk/streamhawk/internal/stream"
)

// fakeSegments is a stub SegmentContext for tests.
type fakeSegments struct {
	mpd      bool
	prefixes []string
}

func (f *fakeSegments) HasMPDContext(stream.TabID) bool { return f.mpd }

func (f *fakeSegments) MatchesSegmentPrefix(_ stream.TabID, rawURL string) bool {
	for _, p := range f.prefixes {
		if len(rawURL) >= len(p) && rawURL[:len(p)] == p {
			return true
		}
	}
	return false
}

func TestClassifyByContentType(t *testing.T) {
	tests := []struct {
		name string
		url  string
		meta *RespMeta
		want Verdict
	}{
		{
			name: "apple mpegurl",
			url:  "https://cdn.example.com/v/master.m3u8",
			meta: &RespMeta{ContentType: "application/vnd.apple.mpegurl"},
			want: VerdictHLS,
		},
		{
			name: "x-mpegURL with charset",
			url:  "https://cdn.example.com/v/live",
			meta: &RespMeta{ContentType: "application/x-mpegURL; charset=utf-8"},
			want: VerdictHLS,
		},
		{
			name: "dash xml",
			url:  "https://cdn.example.com/v/stream",
			meta: &RespMeta{ContentType: "application/dash+xml"},
			want: VerdictDASH,
		},
		{
			name: "misconfigured mpd as text/xml",
			url:  "https://cdn.example.com/v/manifest.mpd",
			meta: &RespMeta{ContentType: "text/xml"},
			want: VerdictDASH,
		},
		{
			name: "mp2t always segment",
			url:  "https://cdn.example.com/v/file",
			meta: &RespMeta{ContentType: "video/mp2t"},
			want: VerdictSegment,
		},
		{
			name: "progressive video",
			url:  "https://cdn.example.com/v/movie",
			meta: &RespMeta{ContentType: "video/mp4", ContentLength: 50_000_000},
			want: VerdictDirect,
		},
		{
			name: "audio direct",
			url:  "https://cdn.example.com/v/song",
			meta: &RespMeta{ContentType: "audio/mpeg", ContentLength: 9_000_000},
			want: VerdictDirect,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Classify(tt.url, tt.meta, Options{})
			assert.Equal(t, tt.want, d.Verdict)
		})
	}
}

func TestClassifyMinFileSizeFilter(t *testing.T) {
	meta := &RespMeta{ContentType: "video/mp4", ContentLength: 50_000}
	d := Classify("https://cdn.example.com/tiny.mp4", meta, Options{MinFileSize: 100_000})
	assert.Equal(t, VerdictIgnored, d.Verdict)

	// Unknown length is never dropped.
	d = Classify("https://cdn.example.com/unknown.mp4", &RespMeta{ContentType: "video/mp4"}, Options{MinFileSize: 100_000})
	assert.Equal(t, VerdictDirect, d.Verdict)
}

func TestClassifyByPath(t *testing.T) {
	tests := []struct {
		url       string
		want      Verdict
		container string
	}{
		{"https://cdn.example.com/v/master.m3u8", VerdictHLS, ""},
		{"https://cdn.example.com/v/stream.mpd", VerdictDASH, ""},
		{"https://cdn.example.com/v/movie.mp4", VerdictDirect, "mp4"},
		{"https://cdn.example.com/v/clip.webm", VerdictDirect, "webm"},
		{"https://cdn.example.com/app.js", VerdictIgnored, ""},
		{"https://cdn.example.com/logo.png", VerdictIgnored, ""},
		{"https://cdn.example.com/page", VerdictIgnored, ""},
		{"blob:https://cdn.example.com/uuid", VerdictBlob, ""},
	}

	for _, tt := range tests {
		d := Classify(tt.url, nil, Options{})
		assert.Equal(t, tt.want, d.Verdict, tt.url)
		assert.Equal(t, tt.container, d.Container, tt.url)
	}
}

func TestSegmentSuppression(t *testing.T) {
	segs := &fakeSegments{mpd: true, prefixes: []string{"https://cdn.example.com/dash/v1/segments/"}}
	opts := Options{TabID: 7, Segments: segs}

	// Learned DASH prefix with a byte-range query: must be a segment even
	// though the content type says plain video.
	d := Classify(
		"https://cdn.example.com/dash/v1/segments/video_12.mp4?range=0-499999",
		&RespMeta{ContentType: "video/mp4", ContentLength: 500_000},
		opts,
	)
	assert.Equal(t, VerdictSegment, d.Verdict)

	// Plain extension heuristics.
	for _, u := range []string{
		"https://cdn.example.com/v/chunk-001.ts",
		"https://cdn.example.com/v/frag-12.m4s",
		"https://cdn.example.com/v/media_044.mp4",
		"https://cdn.example.com/v/1080p_17-3840.m4s",
	} {
		d := Classify(u, &RespMeta{ContentType: "video/mp4"}, opts)
		assert.Equal(t, VerdictSegment, d.Verdict, u)
	}

	// Byte ranges without an MPD context do not imply segments.
	d = Classify(
		"https://cdn.example.com/files/video.mp4?bytes=0-100000",
		&RespMeta{ContentType: "video/mp4", ContentLength: 500_000},
		Options{TabID: 7, Segments: &fakeSegments{}},
	)
	assert.Equal(t, VerdictDirect, d.Verdict)
}

func TestTrackingWrapperExtraction(t *testing.T) {
	d := Classify("https://tracker.example.net/ping.gif?u=https%3A%2F%2Fcdn.example.com%2Fm.m3u8", nil, Options{})

	assert.Equal(t, VerdictHLS, d.Verdict)
	assert.True(t, d.FoundFromQueryParam)
	assert.Equal(t, "https://cdn.example.com/m.m3u8", d.URL)
	assert.Equal(t, "https://tracker.example.net/ping.gif?u=https%3A%2F%2Fcdn.example.com%2Fm.m3u8", d.OriginalURL)
}

func TestTrackerWithoutEmbeddedURLDropped(t *testing.T) {
	for _, u := range []string{
		"https://tracker.example.net/ping.gif?event=play",
		"https://stats.example.net/analytics/collect?v=1",
		"https://cdn.jwpltx.com/v1/ping?e=x",
	} {
		d := Classify(u, nil, Options{})
		assert.Equal(t, VerdictIgnored, d.Verdict, u)
	}
}

func TestVerdictStreamKind(t *testing.T) {
	assert.Equal(t, stream.KindHLS, VerdictHLS.StreamKind())
	assert.Equal(t, stream.KindDASH, VerdictDASH.StreamKind())
	assert.Equal(t, stream.KindDirect, VerdictDirect.StreamKind())
	assert.Equal(t, stream.KindBlob, VerdictBlob.StreamKind())
	assert.Equal(t, stream.KindUnknown, VerdictIgnored.StreamKind())
}
