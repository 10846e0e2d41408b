// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package state

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qsync/internal/overlay"
)

func ptr[T any](v T) *T { return &v }

func torrentPatch(name, category, tags string, state qbt.TorrentState, progress float64) *TorrentPatch {
	return &TorrentPatch{
		Name:     ptr(name),
		Category: ptr(category),
		Tags:     ptr(tags),
		State:    ptr(state),
		Progress: ptr(progress),
	}
}

// assertIndexConsistent recomputes every partition from scratch and compares.
func assertIndexConsistent(t *testing.T, md *MainData) {
	t.Helper()

	expected := md.rebuildIndex()
	for _, dim := range Dimensions {
		require.Equal(t, expected.Keys(dim), md.Index().Keys(dim), "keys of %s", dim)
		for _, key := range expected.Keys(dim) {
			assert.Equal(t, expected.Lookup(dim, key).Sorted(), md.Index().Lookup(dim, key).Sorted(), "%s/%s", dim, key)
		}
	}

	for _, dim := range Dimensions {
		for _, key := range md.Index().Keys(dim) {
			for hash, torrent := range md.Torrents {
				assert.Equal(t, md.Matches(dim, key, torrent), md.Index().Lookup(dim, key).Has(hash), "%s/%s/%s", dim, key, hash)
			}
		}
	}
}

func TestPatchTypesAreComplete(t *testing.T) {
	require.NoError(t, overlay.Check[Torrent, TorrentPatch]())
	require.NoError(t, overlay.Check[Category, CategoryPatch]())
	require.NoError(t, overlay.Check[ServerState, ServerStatePatch]())
	require.NoError(t, overlay.Check[Peer, PeerPatch]())
	require.NoError(t, overlay.Check[Preferences, PreferencesPatch]())
}

func TestNewMainData(t *testing.T) {
	md := NewMainData(&MainDataPayload{
		Rid: 1,
		Torrents: map[string]*TorrentPatch{
			"abc123": torrentPatch("debian.iso", "isos", "linux, iso", qbt.TorrentStateUploading, 1),
			"def456": torrentPatch("notes.txt", "", "", qbt.TorrentStateDownloading, 0.3),
		},
		Categories: map[string]*CategoryPatch{
			"isos": {SavePath: ptr("/data/isos")},
		},
		Tags: []string{"linux", "iso", "linux"},
		Trackers: map[string][]string{
			"https://tracker.example/announce": {"abc123"},
		},
		ServerState: &ServerStatePatch{ConnectionStatus: ptr("connected"), DhtNodes: ptr(int64(300))},
	}, Options{})

	assert.Equal(t, int64(1), md.Rid)
	assert.Equal(t, []string{"linux", "iso"}, md.Tags)
	assert.Equal(t, "isos", md.Categories["isos"].Name)
	assert.Equal(t, "/data/isos", md.Categories["isos"].SavePath)
	assert.Equal(t, "connected", md.ServerState.ConnectionStatus)
	assert.Equal(t, []string{"linux", "iso"}, md.Torrents["abc123"].Tags)
	assert.Equal(t, "abc123", md.Torrents["abc123"].Hash)

	ix := md.Index()
	assert.Equal(t, 2, ix.Count(DimensionStatus, KeyAll))
	assert.Equal(t, 1, ix.Count(DimensionStatus, "seeding"))
	assert.Equal(t, 1, ix.Count(DimensionStatus, "downloading"))
	assert.Equal(t, 1, ix.Count(DimensionStatus, "completed"))
	assert.Equal(t, []string{"abc123"}, ix.Lookup(DimensionCategory, "isos").Sorted())
	assert.Equal(t, []string{"def456"}, ix.Lookup(DimensionCategory, KeyUncategorized).Sorted())
	assert.Equal(t, []string{"def456"}, ix.Lookup(DimensionTag, KeyUntagged).Sorted())
	assert.Equal(t, []string{"abc123"}, ix.Lookup(DimensionTracker, "https://tracker.example/announce").Sorted())
	assert.Equal(t, []string{"def456"}, ix.Lookup(DimensionTracker, KeyTrackerless).Sorted())
	assertIndexConsistent(t, md)
}

func TestNewMainDataEmpty(t *testing.T) {
	for _, snapshot := range []*MainDataPayload{nil, {Rid: 1}} {
		md := NewMainData(snapshot, Options{})
		for _, dim := range Dimensions {
			assert.True(t, md.Index().Has(dim, KeyAll))
			assert.Zero(t, md.Index().Count(dim, KeyAll))
		}
		assert.True(t, md.Index().Has(DimensionCategory, KeyUncategorized))
		assert.True(t, md.Index().Has(DimensionTag, KeyUntagged))
		assert.True(t, md.Index().Has(DimensionTracker, KeyTrackerless))
	}
}

func TestApplyTagIdempotence(t *testing.T) {
	md := NewMainData(&MainDataPayload{Rid: 1}, Options{})

	diff := &MainDataPayload{Rid: 2, Tags: []string{"movies"}}
	md.Apply(diff)
	md.Apply(diff)

	assert.Equal(t, []string{"movies"}, md.Tags)
	assert.True(t, md.Index().Has(DimensionTag, "movies"))
}

func TestApplyRemovalConsistency(t *testing.T) {
	md := NewMainData(&MainDataPayload{
		Rid: 1,
		Torrents: map[string]*TorrentPatch{
			"abc123": torrentPatch("debian.iso", "isos", "linux", qbt.TorrentStateUploading, 1),
			"zzz999": torrentPatch("arch.iso", "isos", "linux", qbt.TorrentStatePausedUp, 1),
		},
		Categories: map[string]*CategoryPatch{"isos": {SavePath: ptr("/isos")}},
		Tags:       []string{"linux"},
		Trackers:   map[string][]string{"udp://tracker.example:1337": {"abc123", "zzz999"}},
	}, Options{})

	md.Apply(&MainDataPayload{Rid: 2, TorrentsRemoved: []string{"abc123", "missing"}})

	ix := md.Index()
	assert.NotContains(t, md.Torrents, "abc123")
	assert.False(t, ix.Lookup(DimensionTag, "linux").Has("abc123"))
	assert.False(t, ix.Lookup(DimensionCategory, "isos").Has("abc123"))
	assert.False(t, ix.Lookup(DimensionTracker, KeyAll).Has("abc123"))
	for _, key := range ix.Keys(DimensionStatus) {
		assert.False(t, ix.Lookup(DimensionStatus, key).Has("abc123"), key)
	}
	assert.True(t, ix.Lookup(DimensionTag, "linux").Has("zzz999"))
	assertIndexConsistent(t, md)
}

func TestApplyTorrentUpdates(t *testing.T) {
	tests := []struct {
		name   string
		diff   *MainDataPayload
		verify func(t *testing.T, md *MainData, torrent *Torrent)
	}{
		{
			name: "category_change_moves_partitions",
			diff: &MainDataPayload{
				Categories: map[string]*CategoryPatch{"movies": {SavePath: ptr("/movies")}},
				Torrents:   map[string]*TorrentPatch{"abc123": {Category: ptr("movies")}},
			},
			verify: func(t *testing.T, md *MainData, torrent *Torrent) {
				assert.Equal(t, "movies", torrent.Category)
				assert.False(t, md.Index().Lookup(DimensionCategory, "isos").Has("abc123"))
				assert.True(t, md.Index().Lookup(DimensionCategory, "movies").Has("abc123"))
			},
		},
		{
			name: "progress_crossing_completion_flips_status",
			diff: &MainDataPayload{
				Torrents: map[string]*TorrentPatch{"abc123": {Progress: ptr(1.0), State: ptr(qbt.TorrentStateStalledUp)}},
			},
			verify: func(t *testing.T, md *MainData, torrent *Torrent) {
				assert.True(t, md.Index().Lookup(DimensionStatus, "completed").Has("abc123"))
				assert.True(t, md.Index().Lookup(DimensionStatus, "stalled_uploading").Has("abc123"))
				assert.False(t, md.Index().Lookup(DimensionStatus, "downloading").Has("abc123"))
			},
		},
		{
			name: "absent_fields_keep_values",
			diff: &MainDataPayload{
				Torrents: map[string]*TorrentPatch{"abc123": {DlSpeed: ptr(int64(0))}},
			},
			verify: func(t *testing.T, md *MainData, torrent *Torrent) {
				assert.Equal(t, "debian.iso", torrent.Name)
				assert.Equal(t, []string{"linux"}, torrent.Tags)
				assert.Zero(t, torrent.DlSpeed)
			},
		},
		{
			name: "tags_replace_wholesale",
			diff: &MainDataPayload{
				Tags:     []string{"keep"},
				Torrents: map[string]*TorrentPatch{"abc123": {Tags: ptr("keep")}},
			},
			verify: func(t *testing.T, md *MainData, torrent *Torrent) {
				assert.Equal(t, []string{"keep"}, torrent.Tags)
				assert.False(t, md.Index().Lookup(DimensionTag, "linux").Has("abc123"))
				assert.True(t, md.Index().Lookup(DimensionTag, "keep").Has("abc123"))
			},
		},
		{
			name: "empty_tags_make_untagged",
			diff: &MainDataPayload{
				Torrents: map[string]*TorrentPatch{"abc123": {Tags: ptr("")}},
			},
			verify: func(t *testing.T, md *MainData, torrent *Torrent) {
				assert.Empty(t, torrent.Tags)
				assert.True(t, md.Index().Lookup(DimensionTag, KeyUntagged).Has("abc123"))
			},
		},
		{
			name: "tracker_removal_makes_trackerless",
			diff: &MainDataPayload{TrackersRemoved: []string{"udp://tracker.example:1337"}},
			verify: func(t *testing.T, md *MainData, torrent *Torrent) {
				assert.False(t, md.Index().Has(DimensionTracker, "udp://tracker.example:1337"))
				assert.True(t, md.Index().Lookup(DimensionTracker, KeyTrackerless).Has("abc123"))
				assert.Empty(t, md.TrackersFor("abc123"))
			},
		},
		{
			name: "tracker_replacement_moves_hashes",
			diff: &MainDataPayload{Trackers: map[string][]string{
				"udp://tracker.example:1337": {},
				"https://other.example/a":    {"abc123"},
			}},
			verify: func(t *testing.T, md *MainData, torrent *Torrent) {
				assert.Zero(t, md.Index().Count(DimensionTracker, "udp://tracker.example:1337"))
				assert.True(t, md.Index().Lookup(DimensionTracker, "https://other.example/a").Has("abc123"))
				assert.False(t, md.Index().Lookup(DimensionTracker, KeyTrackerless).Has("abc123"))
				assert.Equal(t, []string{"https://other.example/a"}, md.TrackersFor("abc123"))
			},
		},
		{
			name: "category_removal_drops_key",
			diff: &MainDataPayload{CategoriesRemoved: []string{"isos", KeyAll}},
			verify: func(t *testing.T, md *MainData, torrent *Torrent) {
				assert.NotContains(t, md.Categories, "isos")
				assert.False(t, md.Index().Has(DimensionCategory, "isos"))
				assert.True(t, md.Index().Has(DimensionCategory, KeyAll))
			},
		},
		{
			name: "server_state_partial_merge",
			diff: &MainDataPayload{ServerState: &ServerStatePatch{DlInfoSpeed: ptr(int64(0))}},
			verify: func(t *testing.T, md *MainData, torrent *Torrent) {
				assert.Equal(t, "connected", md.ServerState.ConnectionStatus)
				assert.Zero(t, md.ServerState.DlInfoSpeed)
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			md := NewMainData(&MainDataPayload{
				Rid: 1,
				Torrents: map[string]*TorrentPatch{
					"abc123": torrentPatch("debian.iso", "isos", "linux", qbt.TorrentStateDownloading, 0.5),
				},
				Categories:  map[string]*CategoryPatch{"isos": {SavePath: ptr("/isos")}},
				Tags:        []string{"linux"},
				Trackers:    map[string][]string{"udp://tracker.example:1337": {"abc123"}},
				ServerState: &ServerStatePatch{ConnectionStatus: ptr("connected"), DlInfoSpeed: ptr(int64(1024))},
			}, Options{})
			torrent := md.Torrents["abc123"]

			tt.diff.Rid = 2
			md.Apply(tt.diff)

			assert.Same(t, torrent, md.Torrents["abc123"])
			assert.Equal(t, int64(2), md.Rid)
			tt.verify(t, md, torrent)
			assertIndexConsistent(t, md)
		})
	}
}

func TestApplyFullUpdateReconciles(t *testing.T) {
	md := NewMainData(&MainDataPayload{
		Rid: 1,
		Torrents: map[string]*TorrentPatch{
			"keep": torrentPatch("keep", "a", "x", qbt.TorrentStateUploading, 1),
			"gone": torrentPatch("gone", "b", "y", qbt.TorrentStateUploading, 1),
		},
		Categories: map[string]*CategoryPatch{"a": {}, "b": {}},
		Tags:       []string{"x", "y"},
		Trackers:   map[string][]string{"t1": {"keep"}, "t2": {"gone"}},
	}, Options{})
	kept := md.Torrents["keep"]

	md.Apply(&MainDataPayload{
		Rid:        5,
		FullUpdate: true,
		Torrents: map[string]*TorrentPatch{
			"keep": torrentPatch("keep", "a", "x", qbt.TorrentStatePausedUp, 1),
		},
		Categories: map[string]*CategoryPatch{"a": {}},
		Tags:       []string{"x"},
		Trackers:   map[string][]string{"t1": {"keep"}},
	})

	assert.Same(t, kept, md.Torrents["keep"])
	assert.NotContains(t, md.Torrents, "gone")
	assert.Equal(t, []string{"x"}, md.Tags)
	assert.NotContains(t, md.Categories, "b")
	assert.NotContains(t, md.Trackers, "t2")
	assert.True(t, md.Index().Lookup(DimensionStatus, "paused").Has("keep"))
	assertIndexConsistent(t, md)
}

func TestSubcategories(t *testing.T) {
	md := NewMainData(&MainDataPayload{
		Rid: 1,
		Torrents: map[string]*TorrentPatch{
			"h1": torrentPatch("one", "tv", "", qbt.TorrentStateUploading, 1),
			"h2": torrentPatch("two", "tv/shows", "", qbt.TorrentStateUploading, 1),
			"h3": torrentPatch("three", "tvx", "", qbt.TorrentStateUploading, 1),
		},
		Categories: map[string]*CategoryPatch{"tv": {}, "tv/shows": {}, "tvx": {}},
	}, Options{})

	assert.Equal(t, []string{"h1"}, md.Index().Lookup(DimensionCategory, "tv").Sorted())

	md.SetOptions(Options{Subcategories: true})
	assert.Equal(t, []string{"h1", "h2"}, md.Index().Lookup(DimensionCategory, "tv").Sorted())
	assertIndexConsistent(t, md)

	md.Apply(&MainDataPayload{Rid: 2, Torrents: map[string]*TorrentPatch{"h3": {Category: ptr("tv/movies")}}})
	assert.Equal(t, []string{"h1", "h2", "h3"}, md.Index().Lookup(DimensionCategory, "tv").Sorted())
	assertIndexConsistent(t, md)
}

var randomStates = []qbt.TorrentState{
	qbt.TorrentStateDownloading, qbt.TorrentStateUploading, qbt.TorrentStateStalledDl,
	qbt.TorrentStateStalledUp, qbt.TorrentStatePausedDl, qbt.TorrentStateStoppedUp,
	qbt.TorrentStateCheckingUp, qbt.TorrentStateMoving, qbt.TorrentStateError,
	qbt.TorrentStateMetaDl, qbt.TorrentStateForcedUp, qbt.TorrentStateQueuedDl,
}

type randomModel struct {
	rng        *rand.Rand
	hashes     []string
	categories []string
	tags       []string
	trackers   []string
}

func (m randomModel) pick(values []string) string {
	return values[m.rng.IntN(len(values))]
}

func (m randomModel) torrent() *TorrentPatch {
	var tags []string
	for _, tag := range m.tags {
		if m.rng.IntN(3) == 0 {
			tags = append(tags, tag)
		}
	}
	progress := []float64{0, 0.25, 0.99, 1}[m.rng.IntN(4)]
	category := ""
	if m.rng.IntN(4) > 0 {
		category = m.pick(m.categories)
	}
	return torrentPatch("t", category, joinTags(tags), randomStates[m.rng.IntN(len(randomStates))], progress)
}

func joinTags(tags []string) string {
	out := ""
	for i, tag := range tags {
		if i > 0 {
			out += ", "
		}
		out += tag
	}
	return out
}

func (m randomModel) trackerGroup() []string {
	var hashes []string
	for _, hash := range m.hashes {
		if m.rng.IntN(4) == 0 {
			hashes = append(hashes, hash)
		}
	}
	return hashes
}

func (m randomModel) diff(rid int64) *MainDataPayload {
	diff := &MainDataPayload{Rid: rid}

	switch m.rng.IntN(10) {
	case 0:
		diff.FullUpdate = true
		diff.Torrents = map[string]*TorrentPatch{}
		for _, hash := range m.hashes {
			if m.rng.IntN(5) > 0 {
				diff.Torrents[hash] = m.torrent()
			}
		}
		diff.Categories = map[string]*CategoryPatch{}
		for _, c := range m.categories[:2] {
			diff.Categories[c] = &CategoryPatch{}
		}
		diff.Tags = slices.Clone(m.tags[:2])
		diff.Trackers = map[string][]string{m.trackers[0]: m.trackerGroup()}
		return diff
	case 1:
		diff.CategoriesRemoved = []string{m.pick(m.categories)}
		diff.TagsRemoved = []string{m.pick(m.tags)}
		diff.TrackersRemoved = []string{m.pick(m.trackers)}
	case 2:
		diff.Categories = map[string]*CategoryPatch{m.pick(m.categories): {SavePath: ptr("/x")}}
		diff.Tags = []string{m.pick(m.tags), m.pick(m.tags)}
	}

	diff.Torrents = map[string]*TorrentPatch{}
	for i := 0; i < 1+m.rng.IntN(4); i++ {
		hash := m.pick(m.hashes)
		switch m.rng.IntN(5) {
		case 0:
			diff.TorrentsRemoved = append(diff.TorrentsRemoved, hash)
		case 1:
			diff.Torrents[hash] = m.torrent()
		case 2:
			diff.Torrents[hash] = &TorrentPatch{Progress: ptr(1.0)}
		case 3:
			diff.Torrents[hash] = &TorrentPatch{State: ptr(randomStates[m.rng.IntN(len(randomStates))])}
		default:
			diff.Torrents[hash] = &TorrentPatch{Category: ptr(m.pick(m.categories)), Tags: ptr(m.pick(m.tags))}
		}
	}
	if m.rng.IntN(3) == 0 {
		diff.Trackers = map[string][]string{m.pick(m.trackers): m.trackerGroup()}
	}

	return diff
}

func TestIndexConsistencyUnderRandomDiffs(t *testing.T) {
	for _, subcategories := range []bool{false, true} {
		subcategories := subcategories
		t.Run(fmt.Sprintf("subcategories=%v", subcategories), func(t *testing.T) {
			m := randomModel{
				rng:        rand.New(rand.NewPCG(42, 7)),
				categories: []string{"movies", "movies/hd", "tv", "isos"},
				tags:       []string{"linux", "keep", "cross-seed", "tv"},
				trackers:   []string{"udp://a.example:80", "https://b.example/announce", "https://c.example/announce"},
			}
			for i := 0; i < 40; i++ {
				m.hashes = append(m.hashes, fmt.Sprintf("%040x", i))
			}

			snapshot := &MainDataPayload{
				Rid:        1,
				Torrents:   map[string]*TorrentPatch{},
				Categories: map[string]*CategoryPatch{},
				Tags:       slices.Clone(m.tags),
				Trackers:   map[string][]string{},
			}
			for _, hash := range m.hashes[:25] {
				snapshot.Torrents[hash] = m.torrent()
			}
			for _, c := range m.categories {
				snapshot.Categories[c] = &CategoryPatch{SavePath: ptr("/" + c)}
			}
			for _, tr := range m.trackers {
				snapshot.Trackers[tr] = m.trackerGroup()
			}

			md := NewMainData(snapshot, Options{Subcategories: subcategories})
			assertIndexConsistent(t, md)

			for rid := int64(2); rid < 300; rid++ {
				md.Apply(m.diff(rid))
				assertIndexConsistent(t, md)
				if t.Failed() {
					t.Fatalf("index diverged after rid %d", rid)
				}
			}
		})
	}
}
