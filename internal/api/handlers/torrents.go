// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"cmp"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/qsync/internal/qbittorrent"
	"github.com/autobrr/qsync/internal/qbittorrent/state"
)

const (
	defaultPageSize = 300
	maxPageSize     = 2000
)

type TorrentsHandler struct {
	syncManager *qbittorrent.SyncManager
}

func NewTorrentsHandler(syncManager *qbittorrent.SyncManager) *TorrentsHandler {
	return &TorrentsHandler{
		syncManager: syncManager,
	}
}

// truncateExpr truncates long filter expressions for cleaner logging
func truncateExpr(expr string, maxLen int) string {
	if len(expr) <= maxLen {
		return expr
	}
	return expr[:maxLen-3] + "..."
}

// parseTorrentQuery reads limit, page or offset, sort, order, search and the
// JSON encoded filters parameter.
func parseTorrentQuery(r *http.Request) (qbittorrent.TorrentQuery, error) {
	values := r.URL.Query()

	query := qbittorrent.TorrentQuery{
		Limit:  defaultPageSize,
		Sort:   strings.TrimSpace(values.Get("sort")),
		Order:  strings.ToLower(strings.TrimSpace(values.Get("order"))),
		Search: strings.TrimSpace(values.Get("search")),
	}

	if l := values.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxPageSize {
			query.Limit = parsed
		}
	}

	if o := values.Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			query.Offset = parsed
		}
	} else if p := values.Get("page"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil && parsed >= 0 {
			query.Offset = parsed * query.Limit
		}
	}

	if query.Order != "asc" {
		query.Order = "desc"
	}

	if f := values.Get("filters"); f != "" {
		if err := json.Unmarshal([]byte(f), &query.Filters); err != nil {
			return query, err
		}
	}

	return query, nil
}

// ListTorrents returns one page of torrents plus the sidebar data of the instance
func (h *TorrentsHandler) ListTorrents(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := instanceIDParam(w, r)
	if !ok {
		return
	}

	query, err := parseTorrentQuery(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid filters")
		return
	}

	logEvent := log.Debug().
		Int("instanceID", instanceID).
		Str("sort", query.Sort).
		Str("order", query.Order).
		Int("offset", query.Offset).
		Int("limit", query.Limit).
		Str("search", query.Search)
	if query.Filters.Expr != "" {
		logEvent = logEvent.Str("expr", truncateExpr(query.Filters.Expr, 150))
	}
	if len(query.Filters.Status) > 0 {
		logEvent = logEvent.Strs("status", query.Filters.Status)
	}
	if len(query.Filters.Categories) > 0 {
		logEvent = logEvent.Strs("categories", query.Filters.Categories)
	}
	if len(query.Filters.Tags) > 0 {
		logEvent = logEvent.Strs("tags", query.Filters.Tags)
	}
	logEvent.Msg("Torrent list request parameters")

	response, err := h.syncManager.GetTorrents(r.Context(), instanceID, query)
	if err != nil {
		respondSyncError(w, err, instanceID, "torrents:list", "Failed to get torrents")
		return
	}

	RespondJSONWithETag(w, r, response)
}

func (h *TorrentsHandler) GetCounts(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := instanceIDParam(w, r)
	if !ok {
		return
	}

	counts, err := h.syncManager.GetCounts(r.Context(), instanceID)
	if err != nil {
		respondSyncError(w, err, instanceID, "torrents:getCounts", "Failed to get counts")
		return
	}

	RespondJSONWithETag(w, r, counts)
}

// GetCategories returns all categories
func (h *TorrentsHandler) GetCategories(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := instanceIDParam(w, r)
	if !ok {
		return
	}

	categories, err := h.syncManager.GetCategories(r.Context(), instanceID)
	if err != nil {
		respondSyncError(w, err, instanceID, "torrents:getCategories", "Failed to get categories")
		return
	}

	RespondJSONWithETag(w, r, categories)
}

// GetTags returns all tags
func (h *TorrentsHandler) GetTags(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := instanceIDParam(w, r)
	if !ok {
		return
	}

	tags, err := h.syncManager.GetTags(r.Context(), instanceID)
	if err != nil {
		respondSyncError(w, err, instanceID, "torrents:getTags", "Failed to get tags")
		return
	}

	RespondJSONWithETag(w, r, tags)
}

// GetTrackers returns every tracker URL with the hashes announcing to it
func (h *TorrentsHandler) GetTrackers(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := instanceIDParam(w, r)
	if !ok {
		return
	}

	trackers, err := h.syncManager.GetTrackers(r.Context(), instanceID)
	if err != nil {
		respondSyncError(w, err, instanceID, "torrents:getTrackers", "Failed to get trackers")
		return
	}

	RespondJSONWithETag(w, r, trackers)
}

func (h *TorrentsHandler) GetServerState(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := instanceIDParam(w, r)
	if !ok {
		return
	}

	serverState, err := h.syncManager.GetServerState(r.Context(), instanceID)
	if err != nil {
		respondSyncError(w, err, instanceID, "torrents:getServerState", "Failed to get server state")
		return
	}

	RespondJSONWithETag(w, r, serverState)
}

// SortedPeer represents a peer with its key for sorting
type SortedPeer struct {
	Key string `json:"key"`
	state.Peer
}

// SortedPeersResponse wraps the peers response with sorted peers
type SortedPeersResponse struct {
	*qbittorrent.PeersResponse
	SortedPeers []SortedPeer `json:"sorted_peers"`
}

// sortPeers puts seeders first, then orders by progress, download speed and
// upload speed, with the peer key as a stable tiebreak.
func sortPeers(peers map[string]state.Peer) []SortedPeer {
	sorted := make([]SortedPeer, 0, len(peers))
	for key, peer := range peers {
		sorted = append(sorted, SortedPeer{Key: key, Peer: peer})
	}

	slices.SortFunc(sorted, func(a, b SortedPeer) int {
		aSeeder, bSeeder := a.Progress == 1.0, b.Progress == 1.0
		if aSeeder != bSeeder {
			if aSeeder {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(b.Progress, a.Progress); c != 0 {
			return c
		}
		if c := cmp.Compare(b.DlSpeed, a.DlSpeed); c != 0 {
			return c
		}
		if c := cmp.Compare(b.UpSpeed, a.UpSpeed); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})

	return sorted
}

// GetTorrentPeers starts or reuses the peer stream of a torrent
func (h *TorrentsHandler) GetTorrentPeers(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := instanceIDParam(w, r)
	if !ok {
		return
	}
	hash, ok := hashParam(w, r)
	if !ok {
		return
	}

	peers, err := h.syncManager.GetTorrentPeers(r.Context(), instanceID, hash)
	if err != nil {
		respondSyncError(w, err, instanceID, "torrents:getPeers", "Failed to get torrent peers")
		return
	}

	response := &SortedPeersResponse{
		PeersResponse: peers,
		SortedPeers:   sortPeers(peers.Peers),
	}

	log.Trace().
		Int("instanceID", instanceID).
		Str("hash", hash).
		Int("peerCount", len(response.SortedPeers)).
		Msg("Torrent peers response with sorted peers")

	RespondJSONWithETag(w, r, response)
}

// GetTorrentFiles returns the content tree of a torrent, folders included
func (h *TorrentsHandler) GetTorrentFiles(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := instanceIDParam(w, r)
	if !ok {
		return
	}
	hash, ok := hashParam(w, r)
	if !ok {
		return
	}

	files, err := h.syncManager.GetTorrentFiles(r.Context(), instanceID, hash)
	if err != nil {
		respondSyncError(w, err, instanceID, "torrents:getFiles", "Failed to get torrent files")
		return
	}
	if files == nil {
		files = []state.ContentItem{}
	}

	RespondJSONWithETag(w, r, files)
}
