package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMarkMPDAndPrefixMatch(t *testing.T) {
	s := NewStore(nil)
	now := time.Now()

	assert.False(t, s.HasMPDContext(7))

	s.MarkMPD(7, now)
	assert.True(t, s.HasMPDContext(7))

	s.AddSegmentPrefixes(7, []string{"https://cdn.example.com/dash/v1/segments/"}, now)
	assert.True(t, s.MatchesSegmentPrefix(7, "https://cdn.example.com/dash/v1/segments/video_12.mp4"))
	assert.False(t, s.MatchesSegmentPrefix(7, "https://cdn.example.com/other/video_12.mp4"))
	assert.False(t, s.MatchesSegmentPrefix(8, "https://cdn.example.com/dash/v1/segments/video_12.mp4"))
}

func TestUnknownTabAssociatesWithRecentMPD(t *testing.T) {
	s := NewStore(nil)
	now := time.Now()

	s.MarkMPD(3, now.Add(-2*time.Minute)) // stale
	s.MarkMPD(5, now.Add(-10*time.Second))

	s.AddSegmentPrefixes(UnknownTab, []string{"https://cdn.example.com/seg/"}, now)

	assert.True(t, s.MatchesSegmentPrefix(5, "https://cdn.example.com/seg/chunk1.m4s"))
	assert.False(t, s.MatchesSegmentPrefix(3, "https://cdn.example.com/seg/chunk1.m4s"))
}

func TestUnknownTabWithNoRecentMPDDropsPrefixes(t *testing.T) {
	s := NewStore(nil)
	now := time.Now()

	s.MarkMPD(3, now.Add(-2*time.Minute))
	s.AddSegmentPrefixes(UnknownTab, []string{"https://cdn.example.com/seg/"}, now)

	assert.False(t, s.MatchesSegmentPrefix(3, "https://cdn.example.com/seg/chunk1.m4s"))
}

func TestCleanup(t *testing.T) {
	s := NewStore(nil)
	now := time.Now()

	s.MarkMPD(7, now)
	s.AddSegmentPrefixes(7, []string{"https://cdn.example.com/seg/"}, now)

	s.Cleanup(7)

	assert.False(t, s.HasMPDContext(7))
	assert.False(t, s.MatchesSegmentPrefix(7, "https://cdn.example.com/seg/chunk1.m4s"))
}

func TestHeaderCache(t *testing.T) {
	c := NewHeaderCache()

	c.Capture(7, map[string]string{
		"cookie":          "sid=abc",
		"User-Agent":      "Mozilla/5.0",
		"X-Custom-Header": "ignored",
	})
	c.Capture(7, map[string]string{"Referer": "https://watch.example.com/ep1"})

	h := c.Headers(7)
	assert.Equal(t, "sid=abc", h["Cookie"])
	assert.Equal(t, "Mozilla/5.0", h["User-Agent"])
	assert.Equal(t, "https://watch.example.com/ep1", h["Referer"])
	assert.NotContains(t, h, "X-Custom-Header")

	assert.Nil(t, c.Headers(8))

	c.Cleanup(7)
	assert.Nil(t, c.Headers(7))
}
