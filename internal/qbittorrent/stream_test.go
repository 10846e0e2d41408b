// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qsync/internal/qbittorrent/state"
)

const (
	testInterval = 10 * time.Millisecond
	waitFor      = 2 * time.Second
)

func ptr[T any](v T) *T { return &v }

// fakeInstanceClient serves queued payloads. Once a queue is drained it
// answers with an empty diff at the requested rid.
type fakeInstanceClient struct {
	mu sync.Mutex

	caps        Capabilities
	mainData    []*state.MainDataPayload
	mainDataErr []error
	rids        []int64

	peers    map[string][]*state.PeersPayload
	peersErr map[string]error
	files    map[string][]state.TorrentFile
	filesErr map[string]error

	prefs    *state.PreferencesPatch
	setPrefs []map[string]any

	healthy *bool
}

func newFakeInstanceClient() *fakeInstanceClient {
	return &fakeInstanceClient{
		caps: Capabilities{
			WebAPIVersion:         "2.11.2",
			SupportsTorrentPeers:  true,
			SupportsFilePriority:  true,
			SupportsFileIndex:     true,
			SupportsSubcategories: true,
		},
		peers:    make(map[string][]*state.PeersPayload),
		peersErr: make(map[string]error),
		files:    make(map[string][]state.TorrentFile),
		filesErr: make(map[string]error),
		prefs:    &state.PreferencesPatch{},
	}
}

func (f *fakeInstanceClient) SyncMainData(_ context.Context, rid int64) (*state.MainDataPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rids = append(f.rids, rid)
	if len(f.mainDataErr) > 0 {
		err := f.mainDataErr[0]
		f.mainDataErr = f.mainDataErr[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.mainData) > 0 {
		payload := f.mainData[0]
		f.mainData = f.mainData[1:]
		return payload, nil
	}
	return &state.MainDataPayload{Rid: rid}, nil
}

func (f *fakeInstanceClient) SyncPeers(_ context.Context, hash string, rid int64) (*state.PeersPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.peersErr[hash]; err != nil {
		return nil, err
	}
	if queue := f.peers[hash]; len(queue) > 0 {
		f.peers[hash] = queue[1:]
		return queue[0], nil
	}
	return &state.PeersPayload{Rid: rid}, nil
}

func (f *fakeInstanceClient) GetTorrentFiles(_ context.Context, hash string) ([]state.TorrentFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.filesErr[hash]; err != nil {
		return nil, err
	}
	return f.files[hash], nil
}

func (f *fakeInstanceClient) GetPreferences(context.Context) (*state.PreferencesPatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	patch := *f.prefs
	return &patch, nil
}

func (f *fakeInstanceClient) SetPreferencesCtx(_ context.Context, prefs map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.setPrefs = append(f.setPrefs, prefs)
	if v, ok := prefs["use_subcategories"].(bool); ok {
		f.prefs.UseSubcategories = ptr(v)
	}
	return nil
}

func (f *fakeInstanceClient) Capabilities() Capabilities {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.caps
}

func (f *fakeInstanceClient) updateHealthStatus(healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = &healthy
}

func (f *fakeInstanceClient) seenRids() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.rids...)
}

type recordingObserver struct {
	mu       sync.Mutex
	applied  map[StreamKind]int
	failed   map[StreamKind]int
	started  map[StreamKind]int
	stopped  map[StreamKind]int
	lastFail error
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		applied: make(map[StreamKind]int),
		failed:  make(map[StreamKind]int),
		started: make(map[StreamKind]int),
		stopped: make(map[StreamKind]int),
	}
}

func (o *recordingObserver) DiffApplied(_ int, kind StreamKind, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.applied[kind]++
}

func (o *recordingObserver) SyncFailed(_ int, kind StreamKind, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed[kind]++
	o.lastFail = err
}

func (o *recordingObserver) StreamStarted(_ int, kind StreamKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started[kind]++
}

func (o *recordingObserver) StreamStopped(_ int, kind StreamKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped[kind]++
}

func (o *recordingObserver) count(m map[StreamKind]int, kind StreamKind) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return m[kind]
}

func snapshotPayload(rid int64) *state.MainDataPayload {
	return &state.MainDataPayload{
		Rid:        rid,
		FullUpdate: true,
		Torrents: map[string]*state.TorrentPatch{
			"aaa": {Name: ptr("debian.iso"), Category: ptr("isos"), State: ptr(qbt.TorrentStateUploading), Progress: ptr(1.0)},
			"bbb": {Name: ptr("arch.iso"), Category: ptr("isos"), State: ptr(qbt.TorrentStateDownloading), Progress: ptr(0.4)},
		},
		Categories: map[string]*state.CategoryPatch{
			"isos": {SavePath: ptr("/data/isos")},
		},
	}
}

func runStream(t *testing.T, run func(context.Context) error) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errCh
}

func TestMainDataStreamAppliesDiffs(t *testing.T) {
	client := newFakeInstanceClient()
	client.mainData = []*state.MainDataPayload{
		snapshotPayload(1),
		{Rid: 2, Torrents: map[string]*state.TorrentPatch{"bbb": {Progress: ptr(1.0), State: ptr(qbt.TorrentStateUploading)}}},
		{Rid: 3, TorrentsRemoved: []string{"aaa"}},
	}
	observer := newRecordingObserver()

	ms := NewMainDataStream(1, client, testInterval, state.Options{}, observer)
	ms.onUpdate = func() { client.updateHealthStatus(true) }

	cancel, errCh := runStream(t, ms.Run)

	ctx, done := context.WithTimeout(context.Background(), waitFor)
	defer done()
	require.NoError(t, ms.Wait(ctx))

	require.Eventually(t, func() bool {
		var rid int64
		ms.View(func(md *state.MainData) { rid = md.Rid })
		return rid == 3
	}, waitFor, testInterval)

	ms.View(func(md *state.MainData) {
		assert.NotContains(t, md.Torrents, "aaa")
		require.Contains(t, md.Torrents, "bbb")
		assert.Equal(t, 1.0, md.Torrents["bbb"].Progress)
		assert.Equal(t, 1, md.Index().Count(state.DimensionStatus, "completed"))
		assert.Equal(t, 1, md.Index().Count(state.DimensionCategory, "isos"))
	})

	rids := client.seenRids()
	require.GreaterOrEqual(t, len(rids), 3)
	assert.Equal(t, []int64{0, 1, 2}, rids[:3], "every request carries the last applied rid")
	assert.False(t, ms.LastUpdate().IsZero())
	assert.GreaterOrEqual(t, observer.count(observer.applied, StreamMainData), 3)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 1, observer.count(observer.started, StreamMainData))
	assert.Equal(t, 1, observer.count(observer.stopped, StreamMainData))
}

func TestStreamSkipsTransientErrors(t *testing.T) {
	client := newFakeInstanceClient()
	client.mainDataErr = []error{
		errors.New("connection refused"),
		&StatusError{StatusCode: http.StatusBadGateway, Endpoint: "sync/maindata"},
	}
	client.mainData = []*state.MainDataPayload{snapshotPayload(5)}
	observer := newRecordingObserver()

	ms := NewMainDataStream(1, client, testInterval, state.Options{}, observer)
	runStream(t, ms.Run)

	ctx, done := context.WithTimeout(context.Background(), waitFor)
	defer done()
	require.NoError(t, ms.Wait(ctx))

	assert.Equal(t, 2, observer.count(observer.failed, StreamMainData))
	assert.NoError(t, ms.Err())

	rids := client.seenRids()
	assert.Equal(t, []int64{0, 0, 0}, rids[:3], "a failed tick does not advance the rid")
}

func TestStreamStopsOnTerminalError(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{name: "not found", status: http.StatusNotFound},
		{name: "forbidden", status: http.StatusForbidden},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeInstanceClient()
			client.peersErr["gone"] = &StatusError{StatusCode: tt.status, Endpoint: "sync/torrentPeers"}

			ps := NewPeerStream(1, "gone", client, testInterval, nil)
			_, errCh := runStream(t, ps.Run)

			select {
			case err := <-errCh:
				require.Error(t, err)
				assert.True(t, IsTerminal(err))
			case <-time.After(waitFor):
				t.Fatal("stream did not stop")
			}

			assert.True(t, IsTerminal(ps.Err()))
			assert.Equal(t, tt.status, statusCode(ps.Err()))

			ctx, done := context.WithTimeout(context.Background(), waitFor)
			defer done()
			assert.True(t, IsTerminal(ps.Wait(ctx)), "waiters see the terminal error")
			assert.False(t, ps.View(func(*state.Peers) {}))
		})
	}
}

func TestStreamSetInterval(t *testing.T) {
	ms := NewMainDataStream(1, newFakeInstanceClient(), time.Hour, state.Options{}, nil)
	assert.Equal(t, time.Hour, ms.Interval())

	ms.SetInterval(testInterval)
	assert.Equal(t, testInterval, ms.Interval())

	ms.SetInterval(0)
	assert.Equal(t, time.Second, ms.Interval())
}

func TestFileStreamKeepsTreeIdentity(t *testing.T) {
	client := newFakeInstanceClient()
	client.files["aaa"] = []state.TorrentFile{
		{Index: 0, Name: "show/s01e01.mkv", Size: 100, Progress: 1, Priority: state.PriorityNormal},
		{Index: 1, Name: "show/s01e02.mkv", Size: 300, Progress: 0, Priority: state.PriorityNormal},
	}

	fs := NewFileStream(1, "aaa", client, testInterval, nil)
	runStream(t, fs.Run)

	ctx, done := context.WithTimeout(context.Background(), waitFor)
	defer done()
	require.NoError(t, fs.Wait(ctx))

	var folder *state.ContentItem
	fs.View(func(tree *state.ContentTree) {
		item, ok := tree.Get("show")
		require.True(t, ok)
		folder = item
		assert.Equal(t, int64(400), item.Size)
	})

	client.mu.Lock()
	client.files["aaa"] = []state.TorrentFile{
		{Index: 0, Name: "show/s01e01.mkv", Size: 100, Progress: 1, Priority: state.PriorityNormal},
		{Index: 1, Name: "show/s01e02.mkv", Size: 300, Progress: 1, Priority: state.PriorityNormal},
	}
	client.mu.Unlock()

	require.Eventually(t, func() bool {
		var progress float64
		fs.View(func(tree *state.ContentTree) {
			if item, ok := tree.Get("show"); ok {
				progress = item.Progress
			}
		})
		return progress == 1
	}, waitFor, testInterval)

	fs.View(func(tree *state.ContentTree) {
		item, _ := tree.Get("show")
		assert.Same(t, folder, item, "folders are updated in place")
	})
	assert.Equal(t, "aaa", fs.Hash())
}

func TestMainDataStreamSetOptions(t *testing.T) {
	client := newFakeInstanceClient()
	client.mainData = []*state.MainDataPayload{{
		Rid:        1,
		FullUpdate: true,
		Torrents: map[string]*state.TorrentPatch{
			"aaa": {Name: ptr("a"), Category: ptr("tv/shows")},
		},
		Categories: map[string]*state.CategoryPatch{"tv": {}, "tv/shows": {}},
	}}

	ms := NewMainDataStream(1, client, testInterval, state.Options{}, nil)
	runStream(t, ms.Run)

	ctx, done := context.WithTimeout(context.Background(), waitFor)
	defer done()
	require.NoError(t, ms.Wait(ctx))

	count := func() int {
		var n int
		ms.View(func(md *state.MainData) { n = md.Index().Count(state.DimensionCategory, "tv") })
		return n
	}
	assert.Equal(t, 0, count())

	ms.SetOptions(state.Options{Subcategories: true})
	assert.Equal(t, 1, count())
	assert.True(t, ms.Options().Subcategories)

	ms.SetOptions(state.Options{})
	assert.Equal(t, 0, count())
}
