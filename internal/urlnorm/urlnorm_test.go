package urlnorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalizeStripsTrackingParams(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "utm params removed",
			in:   "https://cdn.example.com/v/video.mp4?utm_source=x&utm_medium=y",
			want: "https://cdn.example.com/v/video.mp4",
		},
		{
			name: "cachebuster removed, token kept",
			in:   "https://cdn.example.com/v/video.mp4?cachebuster=123&token=abc",
			want: "https://cdn.example.com/v/video.mp4?token=abc",
		},
		{
			name: "signed auth params survive",
			in:   "https://cdn.example.com/v/video.mp4?Expires=123&Signature=xyz&Key-Pair-Id=k",
			want: "https://cdn.example.com/v/video.mp4?Expires=123&Signature=xyz&Key-Pair-Id=k",
		},
		{
			name: "host and scheme lowercased",
			in:   "HTTPS://CDN.Example.COM/V/file.mp4",
			want: "https://cdn.example.com/V/file.mp4",
		},
		{
			name: "trailing slash trimmed",
			in:   "https://cdn.example.com/v/dir/",
			want: "https://cdn.example.com/v/dir",
		},
		{
			name: "root path preserved",
			in:   "https://cdn.example.com/",
			want: "https://cdn.example.com/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Canonicalize(tt.in))
		})
	}
}

func TestCanonicalizeManifestCollapsesSessionParams(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{
			in:   "https://cdn.example.com/hls/master.m3u8?seq=4&session=abc",
			want: "https://cdn.example.com/hls/master.m3u8",
		},
		{
			in:   "https://cdn.example.com/v/manifest.mpd?start=0&end=100",
			want: "https://cdn.example.com/v/manifest.mpd",
		},
		{
			in:   "https://cdn.example.com/api/playlist/123?itag=22&quality=hd",
			want: "https://cdn.example.com/api/playlist/123",
		},
		{
			in:   "https://cdn.example.com/hls/index.m3u8?cmsid=99",
			want: "https://cdn.example.com/hls/index.m3u8",
		},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Canonicalize(tt.in))
	}
}

func TestCanonicalizeIdempotent(t *testing.T) {
	urls := []string{
		"https://cdn.example.com/v/video.mp4?utm_source=x&token=abc",
		"https://cdn.example.com/hls/master.m3u8?seq=4",
		"HTTPS://CDN.Example.COM/V/dir/",
		"blob:https://player.example.com/550e8400-e29b",
		"not a url at all",
		"https://cdn.example.com/",
	}

	for _, u := range urls {
		once := Canonicalize(u)
		assert.Equal(t, once, Canonicalize(once), "canonicalize must be idempotent for %q", u)
	}
}

func TestCanonicalizeBlob(t *testing.T) {
	a := CanonicalizeBlob("blob:https://site-a.example.com/uuid-1", "video/mp4")
	b := CanonicalizeBlob("blob:https://site-b.example.com/uuid-1", "video/mp4")
	assert.NotEqual(t, a, b, "blob URLs must never share identity across origins")

	assert.Equal(t, "https://site-a.example.com-blob-video",
		CanonicalizeBlob("blob:https://site-a.example.com/x", "video/mp4"))
	assert.Equal(t, "https://site-a.example.com-blob",
		CanonicalizeBlob("blob:https://site-a.example.com/x", ""))
	assert.Equal(t, "https://www.youtube.com-blob-video-youtube",
		CanonicalizeBlob("blob:https://www.youtube.com/abc", "video/mp4"))
}

func TestBaseDirectory(t *testing.T) {
	assert.Equal(t, "https://cdn.example.com/dash/v1/segments",
		BaseDirectory("https://cdn.example.com/dash/v1/segments/video_1.m4s"))
	assert.Equal(t, "https://cdn.example.com/",
		BaseDirectory("https://cdn.example.com/file.mp4"))
}
