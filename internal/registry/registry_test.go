package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhawk/streamhawk/internal/stream"
)

func newStream(canonical string, kind stream.Kind, detectedAt time.Time) *stream.Stream {
	return &stream.Stream{
		URL:        canonical,
		Canonical:  canonical,
		Kind:       kind,
		Source:     stream.SourceWebRequestMime,
		DetectedAt: detectedAt,
	}
}

func TestUpsertNewThenMerge(t *testing.T) {
	r := New(nil)
	now := time.Now()

	var changes []Change
	r.AddListener(func(c Change) { changes = append(changes, c) })

	res := r.Upsert(7, newStream("https://cdn.example.com/master.m3u8", stream.KindHLS, now))
	assert.True(t, res.New)
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeAdd, changes[0].Type)

	// Re-sighting with a title: merged, not duplicated.
	again := newStream("https://cdn.example.com/master.m3u8", stream.KindHLS, now.Add(time.Second))
	again.Title = "Episode 1"
	res = r.Upsert(7, again)
	assert.False(t, res.New)
	assert.Equal(t, "Episode 1", res.Stream.Title)
	assert.Equal(t, now, res.Stream.DetectedAt, "first sighting time is preserved")
	require.Len(t, changes, 2)
	assert.Equal(t, ChangeUpdate, changes[1].Type)

	// Identical re-sighting emits nothing.
	res = r.Upsert(7, newStream("https://cdn.example.com/master.m3u8", stream.KindHLS, now.Add(2*time.Second)))
	assert.False(t, res.New)
	assert.Len(t, changes, 2)

	assert.Equal(t, 1, r.StreamCount(7))
}

func TestUpsertSameCanonicalDifferentTabs(t *testing.T) {
	r := New(nil)
	now := time.Now()

	r.Upsert(1, newStream("https://cdn.example.com/m.m3u8", stream.KindHLS, now))
	r.Upsert(2, newStream("https://cdn.example.com/m.m3u8", stream.KindHLS, now))

	assert.Equal(t, 1, r.StreamCount(1))
	assert.Equal(t, 1, r.StreamCount(2))
	assert.Equal(t, 2, r.TabCount())
}

func TestMergePreservesEarlierKnowledge(t *testing.T) {
	r := New(nil)
	now := time.Now()

	first := newStream("https://cdn.example.com/movie", stream.KindUnknown, now)
	r.Upsert(7, first)

	upgraded := newStream("https://cdn.example.com/movie", stream.KindDirect, now.Add(time.Second))
	upgraded.Container = "mp4"
	res := r.Upsert(7, upgraded)

	assert.Equal(t, stream.KindDirect, res.Stream.Kind)
	assert.Equal(t, "mp4", res.Stream.Container)

	// A later unknown sighting cannot downgrade.
	res = r.Upsert(7, newStream("https://cdn.example.com/movie", stream.KindUnknown, now.Add(2*time.Second)))
	assert.Equal(t, stream.KindDirect, res.Stream.Kind)
}

func TestAttachVariantsLinksStandalones(t *testing.T) {
	r := New(nil)
	now := time.Now()

	master := newStream("https://cdn.example.com/master.m3u8", stream.KindHLS, now)
	r.Upsert(7, master)

	// A variant already seen as a standalone stream.
	standalone := newStream("https://cdn.example.com/1080p.m3u8", stream.KindHLS, now.Add(time.Second))
	r.Upsert(7, standalone)

	r.AttachVariantsOfMaster(7, "https://cdn.example.com/master.m3u8", []stream.Variant{
		{URL: "https://cdn.example.com/1080p.m3u8", Canonical: "https://cdn.example.com/1080p.m3u8", Bandwidth: 5_000_000},
		{URL: "https://cdn.example.com/720p.m3u8", Canonical: "https://cdn.example.com/720p.m3u8", Bandwidth: 2_500_000},
	})

	got := r.Get(7, "https://cdn.example.com/1080p.m3u8")
	require.NotNil(t, got)
	assert.True(t, got.IsVariant)
	assert.True(t, got.HasKnownMaster)
	assert.Equal(t, "https://cdn.example.com/master.m3u8", got.MasterCanonical)

	m := r.Get(7, "https://cdn.example.com/master.m3u8")
	require.NotNil(t, m)
	assert.True(t, m.IsMaster)
	assert.True(t, m.FullyParsed)
	assert.Len(t, m.Variants, 2)

	// The linked variant disappears from the visible set.
	visible := r.VisibleStreams(7)
	require.Len(t, visible, 1)
	assert.Equal(t, "https://cdn.example.com/master.m3u8", visible[0].Canonical)

	assert.Equal(t, "https://cdn.example.com/master.m3u8", r.MasterOf(7, "https://cdn.example.com/720p.m3u8"))
}

func TestVariantSeenAfterMasterIsLinkedOnInsert(t *testing.T) {
	r := New(nil)
	now := time.Now()

	r.Upsert(7, newStream("https://cdn.example.com/master.m3u8", stream.KindHLS, now))
	r.AttachVariantsOfMaster(7, "https://cdn.example.com/master.m3u8", []stream.Variant{
		{URL: "https://cdn.example.com/720p.m3u8", Canonical: "https://cdn.example.com/720p.m3u8"},
	})

	res := r.Upsert(7, newStream("https://cdn.example.com/720p.m3u8", stream.KindHLS, now.Add(time.Second)))
	assert.True(t, res.New)
	assert.True(t, res.Stream.HasKnownMaster)
	assert.Equal(t, "https://cdn.example.com/master.m3u8", res.Stream.MasterCanonical)

	visible := r.VisibleStreams(7)
	require.Len(t, visible, 1)
	assert.Equal(t, "https://cdn.example.com/master.m3u8", visible[0].Canonical)
}

func TestVisibleStreamsNewestFirst(t *testing.T) {
	r := New(nil)
	now := time.Now()

	r.Upsert(7, newStream("https://a.example.com/1.m3u8", stream.KindHLS, now))
	r.Upsert(7, newStream("https://b.example.com/2.m3u8", stream.KindHLS, now.Add(2*time.Second)))
	r.Upsert(7, newStream("https://c.example.com/3.m3u8", stream.KindHLS, now.Add(time.Second)))

	visible := r.VisibleStreams(7)
	require.Len(t, visible, 3)
	assert.Equal(t, "https://b.example.com/2.m3u8", visible[0].Canonical)
	assert.Equal(t, "https://c.example.com/3.m3u8", visible[1].Canonical)
	assert.Equal(t, "https://a.example.com/1.m3u8", visible[2].Canonical)
}

func TestUpdateEmitsPostChangeState(t *testing.T) {
	r := New(nil)
	now := time.Now()

	r.Upsert(7, newStream("https://cdn.example.com/m.m3u8", stream.KindHLS, now))

	var last Change
	r.AddListener(func(c Change) { last = c })

	ok := r.Update(7, "https://cdn.example.com/m.m3u8", func(s *stream.Stream) {
		s.LightParsed = true
		s.Subtype = stream.SubtypeMaster
	})
	assert.True(t, ok)
	require.NotNil(t, last.Stream)
	assert.True(t, last.Stream.LightParsed)
	assert.Equal(t, stream.SubtypeMaster, last.Stream.Subtype)

	assert.False(t, r.Update(9, "https://cdn.example.com/m.m3u8", func(*stream.Stream) {}))
}

func TestDestroyDropsTabState(t *testing.T) {
	r := New(nil)
	now := time.Now()

	r.Upsert(7, newStream("https://cdn.example.com/m.m3u8", stream.KindHLS, now))
	r.AttachVariantsOfMaster(7, "https://cdn.example.com/m.m3u8", []stream.Variant{
		{URL: "https://cdn.example.com/v.m3u8", Canonical: "https://cdn.example.com/v.m3u8"},
	})

	r.Destroy(7)

	assert.Nil(t, r.Get(7, "https://cdn.example.com/m.m3u8"))
	assert.Empty(t, r.VisibleStreams(7))
	assert.Equal(t, "", r.MasterOf(7, "https://cdn.example.com/v.m3u8"))
	assert.Equal(t, 0, r.TabCount())
}

func TestGetReturnsCopy(t *testing.T) {
	r := New(nil)
	now := time.Now()

	r.Upsert(7, newStream("https://cdn.example.com/m.m3u8", stream.KindHLS, now))

	got := r.Get(7, "https://cdn.example.com/m.m3u8")
	got.Title = "mutated"

	assert.Equal(t, "", r.Get(7, "https://cdn.example.com/m.m3u8").Title)
}
