// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/expr-lang/expr/vm"
	"github.com/pkg/errors"

	"github.com/autobrr/qsync/internal/qbittorrent/state"
)

var ErrTorrentNotFound = errors.New("torrent not found")

// firstSyncTimeout bounds how long a read waits for a fresh stream's first payload.
const firstSyncTimeout = 15 * time.Second

// TorrentResponse is one page of torrents plus the sidebar data of the instance.
type TorrentResponse struct {
	Torrents         []state.Torrent           `json:"torrents"`
	Total            int                       `json:"total"`
	Counts           *TorrentCounts            `json:"counts"`
	Categories       map[string]state.Category `json:"categories"`
	Tags             []string                  `json:"tags"`
	ServerState      state.ServerState         `json:"serverState"`
	UseSubcategories bool                      `json:"useSubcategories"`
	HasMore          bool                      `json:"hasMore"`
	Rid              int64                     `json:"rid"`
}

type PeersResponse struct {
	Rid       int64                 `json:"rid"`
	ShowFlags bool                  `json:"showFlags"`
	Peers     map[string]state.Peer `json:"peers"`
}

// SyncManager answers read requests from the synchronised models.
type SyncManager struct {
	clientPool *ClientPool
	exprCache  *ttlcache.Cache[string, *vm.Program]
}

func NewSyncManager(clientPool *ClientPool) *SyncManager {
	return &SyncManager{
		clientPool: clientPool,
		exprCache:  newExprCache(),
	}
}

func (sm *SyncManager) Close() {
	sm.exprCache.Close()
}

func waitFirstSync(ctx context.Context, wait func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, firstSyncTimeout)
	defer cancel()
	return wait(ctx)
}

func (sm *SyncManager) mainData(ctx context.Context, instanceID int) (*MainDataStream, error) {
	is, err := sm.clientPool.GetSync(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	ms := is.MainData()
	if err := waitFirstSync(ctx, ms.Wait); err != nil {
		return nil, errors.Wrap(err, "main data not available")
	}
	return ms, nil
}

// GetTorrents filters, searches, sorts and pages the torrents of an instance.
func (sm *SyncManager) GetTorrents(ctx context.Context, instanceID int, query TorrentQuery) (*TorrentResponse, error) {
	var program *vm.Program
	if query.Filters.Expr != "" {
		p, err := compileExpr(sm.exprCache, query.Filters.Expr)
		if err != nil {
			return nil, err
		}
		program = p
	}

	ms, err := sm.mainData(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	response := &TorrentResponse{}
	var torrents []state.Torrent
	ms.View(func(md *state.MainData) {
		torrents = collectTorrents(md, selectHashes(md, query.Filters))
		response.Counts = countsFromIndex(md)
		response.Categories = copyCategories(md.Categories)
		response.Tags = slices.Clone(md.Tags)
		response.ServerState = md.ServerState
		response.UseSubcategories = md.Options().Subcategories
		response.Rid = md.Rid
	})

	if program != nil {
		torrents = filterTorrentsByExpr(torrents, program)
	}

	torrents = filterTorrentsBySearch(torrents, query.Search)

	// without an explicit sort a search keeps its relevance order
	if query.Sort != "" || query.Search == "" {
		sortTorrents(torrents, query.Sort, query.Order)
	}

	response.Total = len(torrents)
	response.Torrents, response.HasMore = paginate(torrents, query.Limit, query.Offset)

	return response, nil
}

func (sm *SyncManager) GetCounts(ctx context.Context, instanceID int) (*TorrentCounts, error) {
	ms, err := sm.mainData(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	var counts *TorrentCounts
	ms.View(func(md *state.MainData) {
		counts = countsFromIndex(md)
	})
	return counts, nil
}

func copyCategories(in map[string]*state.Category) map[string]state.Category {
	out := make(map[string]state.Category, len(in))
	for name, category := range in {
		out[name] = *category
	}
	return out
}

func (sm *SyncManager) GetCategories(ctx context.Context, instanceID int) (map[string]state.Category, error) {
	ms, err := sm.mainData(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	var categories map[string]state.Category
	ms.View(func(md *state.MainData) {
		categories = copyCategories(md.Categories)
	})
	return categories, nil
}

func (sm *SyncManager) GetTags(ctx context.Context, instanceID int) ([]string, error) {
	ms, err := sm.mainData(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	var tags []string
	ms.View(func(md *state.MainData) {
		tags = slices.Clone(md.Tags)
	})
	return tags, nil
}

// GetTrackers returns tracker URL -> member hashes, hashes sorted.
func (sm *SyncManager) GetTrackers(ctx context.Context, instanceID int) (map[string][]string, error) {
	ms, err := sm.mainData(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	trackers := make(map[string][]string)
	ms.View(func(md *state.MainData) {
		for trackerURL, hashes := range md.Trackers {
			trackers[trackerURL] = slices.Sorted(slices.Values(hashes))
		}
	})
	return trackers, nil
}

func (sm *SyncManager) GetServerState(ctx context.Context, instanceID int) (*state.ServerState, error) {
	ms, err := sm.mainData(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	var serverState state.ServerState
	ms.View(func(md *state.MainData) {
		serverState = md.ServerState
	})
	return &serverState, nil
}

func (sm *SyncManager) ensureTorrent(ctx context.Context, instanceID int, hash string) (*InstanceSync, error) {
	ms, err := sm.mainData(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	known := false
	ms.View(func(md *state.MainData) {
		_, known = md.Torrents[hash]
	})
	if !known {
		return nil, ErrTorrentNotFound
	}

	return sm.clientPool.GetSync(ctx, instanceID)
}

// GetTorrentPeers returns the swarm of a torrent, starting its peer stream
// on first use.
func (sm *SyncManager) GetTorrentPeers(ctx context.Context, instanceID int, hash string) (*PeersResponse, error) {
	is, err := sm.ensureTorrent(ctx, instanceID, hash)
	if err != nil {
		return nil, err
	}

	ps, err := is.PeerStream(hash)
	if err != nil {
		return nil, err
	}

	if err := waitFirstSync(ctx, ps.Wait); err != nil {
		return nil, translateStreamError(err)
	}

	response := &PeersResponse{}
	ps.View(func(peers *state.Peers) {
		response.Rid = peers.Rid
		response.ShowFlags = peers.ShowFlags
		response.Peers = make(map[string]state.Peer, peers.Len())
		for key, peer := range peers.Values() {
			response.Peers[key] = *peer
		}
	})
	return response, nil
}

// GetTorrentFiles returns the content tree of a torrent in display order.
func (sm *SyncManager) GetTorrentFiles(ctx context.Context, instanceID int, hash string) ([]state.ContentItem, error) {
	is, err := sm.ensureTorrent(ctx, instanceID, hash)
	if err != nil {
		return nil, err
	}

	fs, err := is.FileStream(hash)
	if err != nil {
		return nil, err
	}

	if err := waitFirstSync(ctx, fs.Wait); err != nil {
		return nil, translateStreamError(err)
	}

	var items []state.ContentItem
	fs.View(func(tree *state.ContentTree) {
		values := tree.Values()
		items = make([]state.ContentItem, len(values))
		for i, item := range values {
			items[i] = *item
		}
	})
	return items, nil
}

func translateStreamError(err error) error {
	if statusCode(err) == 404 {
		return ErrTorrentNotFound
	}
	return err
}

func (sm *SyncManager) GetPreferences(ctx context.Context, instanceID int) (*state.Preferences, error) {
	is, err := sm.clientPool.GetSync(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if prefs, err := is.Preferences(); err == nil {
		return prefs, nil
	}
	return is.RefreshPreferences(ctx)
}

func (sm *SyncManager) UpdatePreferences(ctx context.Context, instanceID int, update map[string]any) (*state.Preferences, error) {
	is, err := sm.clientPool.GetSync(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return is.UpdatePreferences(ctx, update)
}

func (sm *SyncManager) GetCapabilities(ctx context.Context, instanceID int) (Capabilities, error) {
	client, err := sm.clientPool.GetClient(ctx, instanceID)
	if err != nil {
		return Capabilities{}, err
	}
	return client.Capabilities(), nil
}

// InstanceSnapshot is the per instance view the metrics collector reads.
type InstanceSnapshot struct {
	InstanceID  int
	Torrents    int
	Status      map[string]int
	PeerStreams int
	FileStreams int
}

// Snapshots reads the index counts of every running instance without
// connecting new ones.
func (sm *SyncManager) Snapshots() []InstanceSnapshot {
	syncs := sm.clientPool.Syncs()
	ids := slices.Sorted(maps.Keys(syncs))

	out := make([]InstanceSnapshot, 0, len(ids))
	for _, id := range ids {
		is := syncs[id]
		snapshot := InstanceSnapshot{InstanceID: id}
		snapshot.PeerStreams, snapshot.FileStreams = is.StreamCounts()
		ok := is.MainData().View(func(md *state.MainData) {
			ix := md.Index()
			snapshot.Torrents = ix.Count(state.DimensionStatus, state.KeyAll)
			snapshot.Status = ix.Counts(state.DimensionStatus)
		})
		if ok {
			out = append(out, snapshot)
		}
	}
	return out
}
