// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package state

import (
	"strings"

	qbt "github.com/autobrr/go-qbittorrent"
)

// Torrent is the materialized view of one torrent. Records are updated in
// place and never replaced while the hash stays in the model.
type Torrent struct {
	AddedOn            int64            `json:"added_on"`
	AmountLeft         int64            `json:"amount_left"`
	AutoManaged        bool             `json:"auto_tmm"`
	Availability       float64          `json:"availability"`
	Category           string           `json:"category"`
	Completed          int64            `json:"completed"`
	CompletionOn       int64            `json:"completion_on"`
	ContentPath        string           `json:"content_path"`
	DlLimit            int64            `json:"dl_limit"`
	DlSpeed            int64            `json:"dlspeed"`
	DownloadPath       string           `json:"download_path"`
	Downloaded         int64            `json:"downloaded"`
	DownloadedSession  int64            `json:"downloaded_session"`
	ETA                int64            `json:"eta"`
	FirstLastPiecePrio bool             `json:"f_l_piece_prio"`
	ForceStart         bool             `json:"force_start"`
	Hash               string           `json:"hash"`
	InfohashV1         string           `json:"infohash_v1"`
	InfohashV2         string           `json:"infohash_v2"`
	LastActivity       int64            `json:"last_activity"`
	MagnetURI          string           `json:"magnet_uri"`
	MaxRatio           float64          `json:"max_ratio"`
	MaxSeedingTime     int64            `json:"max_seeding_time"`
	Name               string           `json:"name"`
	NumComplete        int64            `json:"num_complete"`
	NumIncomplete      int64            `json:"num_incomplete"`
	NumLeechs          int64            `json:"num_leechs"`
	NumSeeds           int64            `json:"num_seeds"`
	Priority           int64            `json:"priority"`
	Progress           float64          `json:"progress"`
	Ratio              float64          `json:"ratio"`
	RatioLimit         float64          `json:"ratio_limit"`
	SavePath           string           `json:"save_path"`
	SeedingTime        int64            `json:"seeding_time"`
	SeedingTimeLimit   int64            `json:"seeding_time_limit"`
	SeenComplete       int64            `json:"seen_complete"`
	SequentialDownload bool             `json:"seq_dl"`
	Size               int64            `json:"size"`
	State              qbt.TorrentState `json:"state"`
	SuperSeeding       bool             `json:"super_seeding"`
	Tags               []string         `json:"tags"`
	TimeActive         int64            `json:"time_active"`
	TotalSize          int64            `json:"total_size"`
	Tracker            string           `json:"tracker"`
	TrackersCount      int64            `json:"trackers_count"`
	UpLimit            int64            `json:"up_limit"`
	Uploaded           int64            `json:"uploaded"`
	UploadedSession    int64            `json:"uploaded_session"`
	UpSpeed            int64            `json:"upspeed"`
}

// TorrentPatch is a torrent entry of a sync/maindata payload. Absent fields are nil.
type TorrentPatch struct {
	AddedOn            *int64            `json:"added_on"`
	AmountLeft         *int64            `json:"amount_left"`
	AutoManaged        *bool             `json:"auto_tmm"`
	Availability       *float64          `json:"availability"`
	Category           *string           `json:"category"`
	Completed          *int64            `json:"completed"`
	CompletionOn       *int64            `json:"completion_on"`
	ContentPath        *string           `json:"content_path"`
	DlLimit            *int64            `json:"dl_limit"`
	DlSpeed            *int64            `json:"dlspeed"`
	DownloadPath       *string           `json:"download_path"`
	Downloaded         *int64            `json:"downloaded"`
	DownloadedSession  *int64            `json:"downloaded_session"`
	ETA                *int64            `json:"eta"`
	FirstLastPiecePrio *bool             `json:"f_l_piece_prio"`
	ForceStart         *bool             `json:"force_start"`
	Hash               *string           `json:"hash"`
	InfohashV1         *string           `json:"infohash_v1"`
	InfohashV2         *string           `json:"infohash_v2"`
	LastActivity       *int64            `json:"last_activity"`
	MagnetURI          *string           `json:"magnet_uri"`
	MaxRatio           *float64          `json:"max_ratio"`
	MaxSeedingTime     *int64            `json:"max_seeding_time"`
	Name               *string           `json:"name"`
	NumComplete        *int64            `json:"num_complete"`
	NumIncomplete      *int64            `json:"num_incomplete"`
	NumLeechs          *int64            `json:"num_leechs"`
	NumSeeds           *int64            `json:"num_seeds"`
	Priority           *int64            `json:"priority"`
	Progress           *float64          `json:"progress"`
	Ratio              *float64          `json:"ratio"`
	RatioLimit         *float64          `json:"ratio_limit"`
	SavePath           *string           `json:"save_path"`
	SeedingTime        *int64            `json:"seeding_time"`
	SeedingTimeLimit   *int64            `json:"seeding_time_limit"`
	SeenComplete       *int64            `json:"seen_complete"`
	SequentialDownload *bool             `json:"seq_dl"`
	Size               *int64            `json:"size"`
	State              *qbt.TorrentState `json:"state"`
	SuperSeeding       *bool             `json:"super_seeding"`
	Tags               *string           `json:"tags" overlay:"-"`
	TimeActive         *int64            `json:"time_active"`
	TotalSize          *int64            `json:"total_size"`
	Tracker            *string           `json:"tracker"`
	TrackersCount      *int64            `json:"trackers_count"`
	UpLimit            *int64            `json:"up_limit"`
	Uploaded           *int64            `json:"uploaded"`
	UploadedSession    *int64            `json:"uploaded_session"`
	UpSpeed            *int64            `json:"upspeed"`
}

type Category struct {
	Name     string `json:"name"`
	SavePath string `json:"savePath"`
}

type CategoryPatch struct {
	Name     *string `json:"name"`
	SavePath *string `json:"savePath"`
}

type ServerState struct {
	AlltimeDl            int64  `json:"alltime_dl"`
	AlltimeUl            int64  `json:"alltime_ul"`
	AverageTimeQueue     int64  `json:"average_time_queue"`
	ConnectionStatus     string `json:"connection_status"`
	DhtNodes             int64  `json:"dht_nodes"`
	DlInfoData           int64  `json:"dl_info_data"`
	DlInfoSpeed          int64  `json:"dl_info_speed"`
	DlRateLimit          int64  `json:"dl_rate_limit"`
	FreeSpaceOnDisk      int64  `json:"free_space_on_disk"`
	GlobalRatio          string `json:"global_ratio"`
	QueuedIoJobs         int64  `json:"queued_io_jobs"`
	Queueing             bool   `json:"queueing"`
	ReadCacheHits        string `json:"read_cache_hits"`
	ReadCacheOverload    string `json:"read_cache_overload"`
	RefreshInterval      int64  `json:"refresh_interval"`
	TotalBuffersSize     int64  `json:"total_buffers_size"`
	TotalPeerConnections int64  `json:"total_peer_connections"`
	TotalQueuedSize      int64  `json:"total_queued_size"`
	TotalWastedSession   int64  `json:"total_wasted_session"`
	UpInfoData           int64  `json:"up_info_data"`
	UpInfoSpeed          int64  `json:"up_info_speed"`
	UpRateLimit          int64  `json:"up_rate_limit"`
	UseAltSpeedLimits    bool   `json:"use_alt_speed_limits"`
	WriteCacheOverload   string `json:"write_cache_overload"`
}

type ServerStatePatch struct {
	AlltimeDl            *int64  `json:"alltime_dl"`
	AlltimeUl            *int64  `json:"alltime_ul"`
	AverageTimeQueue     *int64  `json:"average_time_queue"`
	ConnectionStatus     *string `json:"connection_status"`
	DhtNodes             *int64  `json:"dht_nodes"`
	DlInfoData           *int64  `json:"dl_info_data"`
	DlInfoSpeed          *int64  `json:"dl_info_speed"`
	DlRateLimit          *int64  `json:"dl_rate_limit"`
	FreeSpaceOnDisk      *int64  `json:"free_space_on_disk"`
	GlobalRatio          *string `json:"global_ratio"`
	QueuedIoJobs         *int64  `json:"queued_io_jobs"`
	Queueing             *bool   `json:"queueing"`
	ReadCacheHits        *string `json:"read_cache_hits"`
	ReadCacheOverload    *string `json:"read_cache_overload"`
	RefreshInterval      *int64  `json:"refresh_interval"`
	TotalBuffersSize     *int64  `json:"total_buffers_size"`
	TotalPeerConnections *int64  `json:"total_peer_connections"`
	TotalQueuedSize      *int64  `json:"total_queued_size"`
	TotalWastedSession   *int64  `json:"total_wasted_session"`
	UpInfoData           *int64  `json:"up_info_data"`
	UpInfoSpeed          *int64  `json:"up_info_speed"`
	UpRateLimit          *int64  `json:"up_rate_limit"`
	UseAltSpeedLimits    *bool   `json:"use_alt_speed_limits"`
	WriteCacheOverload   *string `json:"write_cache_overload"`
}

// MainDataPayload is a sync/maindata response, either a snapshot or a diff.
type MainDataPayload struct {
	Rid               int64                     `json:"rid"`
	FullUpdate        bool                      `json:"full_update"`
	Torrents          map[string]*TorrentPatch  `json:"torrents"`
	TorrentsRemoved   []string                  `json:"torrents_removed"`
	Categories        map[string]*CategoryPatch `json:"categories"`
	CategoriesRemoved []string                  `json:"categories_removed"`
	Tags              []string                  `json:"tags"`
	TagsRemoved       []string                  `json:"tags_removed"`
	Trackers          map[string][]string       `json:"trackers"`
	TrackersRemoved   []string                  `json:"trackers_removed"`
	ServerState       *ServerStatePatch         `json:"server_state"`
}

type Peer struct {
	Client       string  `json:"client"`
	Connection   string  `json:"connection"`
	Country      string  `json:"country"`
	CountryCode  string  `json:"country_code"`
	DlSpeed      int64   `json:"dl_speed"`
	Downloaded   int64   `json:"downloaded"`
	Files        string  `json:"files"`
	Flags        string  `json:"flags"`
	FlagsDesc    string  `json:"flags_desc"`
	IP           string  `json:"ip"`
	PeerIDClient string  `json:"peer_id_client"`
	Port         int     `json:"port"`
	Progress     float64 `json:"progress"`
	Relevance    float64 `json:"relevance"`
	UpSpeed      int64   `json:"up_speed"`
	Uploaded     int64   `json:"uploaded"`
}

type PeerPatch struct {
	Client       *string  `json:"client"`
	Connection   *string  `json:"connection"`
	Country      *string  `json:"country"`
	CountryCode  *string  `json:"country_code"`
	DlSpeed      *int64   `json:"dl_speed"`
	Downloaded   *int64   `json:"downloaded"`
	Files        *string  `json:"files"`
	Flags        *string  `json:"flags"`
	FlagsDesc    *string  `json:"flags_desc"`
	IP           *string  `json:"ip"`
	PeerIDClient *string  `json:"peer_id_client"`
	Port         *int     `json:"port"`
	Progress     *float64 `json:"progress"`
	Relevance    *float64 `json:"relevance"`
	UpSpeed      *int64   `json:"up_speed"`
	Uploaded     *int64   `json:"uploaded"`
}

// PeersPayload is a sync/torrentPeers response.
type PeersPayload struct {
	Rid          int64                 `json:"rid"`
	FullUpdate   bool                  `json:"full_update"`
	ShowFlags    *bool                 `json:"show_flags"`
	Peers        map[string]*PeerPatch `json:"peers"`
	PeersRemoved []string              `json:"peers_removed"`
}

// ParseTags splits the daemon's comma separated tag list.
func ParseTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}

	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, part := range parts {
		if tag := strings.TrimSpace(part); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
