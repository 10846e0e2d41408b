// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package state

import "github.com/autobrr/qsync/internal/overlay"

// Preferences is the canonical copy of the daemon's application preferences
// that qsync exposes.
type Preferences struct {
	AddTrackers                  string         `json:"add_trackers"`
	AddTrackersEnabled           bool           `json:"add_trackers_enabled"`
	AltDlLimit                   int64          `json:"alt_dl_limit"`
	AltUpLimit                   int64          `json:"alt_up_limit"`
	AnnounceToAllTiers           bool           `json:"announce_to_all_tiers"`
	AnnounceToAllTrackers        bool           `json:"announce_to_all_trackers"`
	AnonymousMode                bool           `json:"anonymous_mode"`
	AutoTmmEnabled               bool           `json:"auto_tmm_enabled"`
	BannedIPs                    string         `json:"banned_IPs"`
	BypassLocalAuth              bool           `json:"bypass_local_auth"`
	CategoryChangedTmmEnabled    bool           `json:"category_changed_tmm_enabled"`
	Dht                          bool           `json:"dht"`
	DlLimit                      int64          `json:"dl_limit"`
	DontCountSlowTorrents        bool           `json:"dont_count_slow_torrents"`
	Encryption                   int64          `json:"encryption"`
	ExcludedFileNames            string         `json:"excluded_file_names"`
	ExcludedFileNamesEnabled     bool           `json:"excluded_file_names_enabled"`
	ExportDir                    string         `json:"export_dir"`
	ExportDirFin                 string         `json:"export_dir_fin"`
	IncompleteFilesExt           bool           `json:"incomplete_files_ext"`
	IPFilterEnabled              bool           `json:"ip_filter_enabled"`
	IPFilterPath                 string         `json:"ip_filter_path"`
	ListenPort                   int64          `json:"listen_port"`
	Locale                       string         `json:"locale"`
	Lsd                          bool           `json:"lsd"`
	MaxActiveDownloads           int64          `json:"max_active_downloads"`
	MaxActiveTorrents            int64          `json:"max_active_torrents"`
	MaxActiveUploads             int64          `json:"max_active_uploads"`
	MaxConnec                    int64          `json:"max_connec"`
	MaxConnecPerTorrent          int64          `json:"max_connec_per_torrent"`
	MaxRatio                     float64        `json:"max_ratio"`
	MaxRatioAct                  int64          `json:"max_ratio_act"`
	MaxRatioEnabled              bool           `json:"max_ratio_enabled"`
	MaxSeedingTime               int64          `json:"max_seeding_time"`
	MaxSeedingTimeEnabled        bool           `json:"max_seeding_time_enabled"`
	MaxUploads                   int64          `json:"max_uploads"`
	MaxUploadsPerTorrent         int64          `json:"max_uploads_per_torrent"`
	Pex                          bool           `json:"pex"`
	PreallocateAll               bool           `json:"preallocate_all"`
	QueueingEnabled              bool           `json:"queueing_enabled"`
	RandomPort                   bool           `json:"random_port"`
	RefreshInterval              int64          `json:"refresh_interval"`
	SavePath                     string         `json:"save_path"`
	SavePathChangedTmmEnabled    bool           `json:"save_path_changed_tmm_enabled"`
	ScanDirs                     map[string]any `json:"scan_dirs"`
	SchedulerEnabled             bool           `json:"scheduler_enabled"`
	StartPausedEnabled           bool           `json:"start_paused_enabled"`
	TempPath                     string         `json:"temp_path"`
	TempPathEnabled              bool           `json:"temp_path_enabled"`
	TorrentChangedTmmEnabled     bool           `json:"torrent_changed_tmm_enabled"`
	TorrentContentLayout         string         `json:"torrent_content_layout"`
	TorrentStopCondition         string         `json:"torrent_stop_condition"`
	UpLimit                      int64          `json:"up_limit"`
	Upnp                         bool           `json:"upnp"`
	UseCategoryPathsInManualMode bool           `json:"use_category_paths_in_manual_mode"`
	UseSubcategories             bool           `json:"use_subcategories"`
	WebUIPort                    int64          `json:"web_ui_port"`
	WebUIUsername                string         `json:"web_ui_username"`
}

type PreferencesPatch struct {
	AddTrackers                  *string        `json:"add_trackers"`
	AddTrackersEnabled           *bool          `json:"add_trackers_enabled"`
	AltDlLimit                   *int64         `json:"alt_dl_limit"`
	AltUpLimit                   *int64         `json:"alt_up_limit"`
	AnnounceToAllTiers           *bool          `json:"announce_to_all_tiers"`
	AnnounceToAllTrackers        *bool          `json:"announce_to_all_trackers"`
	AnonymousMode                *bool          `json:"anonymous_mode"`
	AutoTmmEnabled               *bool          `json:"auto_tmm_enabled"`
	BannedIPs                    *string        `json:"banned_IPs"`
	BypassLocalAuth              *bool          `json:"bypass_local_auth"`
	CategoryChangedTmmEnabled    *bool          `json:"category_changed_tmm_enabled"`
	Dht                          *bool          `json:"dht"`
	DlLimit                      *int64         `json:"dl_limit"`
	DontCountSlowTorrents        *bool          `json:"dont_count_slow_torrents"`
	Encryption                   *int64         `json:"encryption"`
	ExcludedFileNames            *string        `json:"excluded_file_names"`
	ExcludedFileNamesEnabled     *bool          `json:"excluded_file_names_enabled"`
	ExportDir                    *string        `json:"export_dir"`
	ExportDirFin                 *string        `json:"export_dir_fin"`
	IncompleteFilesExt           *bool          `json:"incomplete_files_ext"`
	IPFilterEnabled              *bool          `json:"ip_filter_enabled"`
	IPFilterPath                 *string        `json:"ip_filter_path"`
	ListenPort                   *int64         `json:"listen_port"`
	Locale                       *string        `json:"locale"`
	Lsd                          *bool          `json:"lsd"`
	MaxActiveDownloads           *int64         `json:"max_active_downloads"`
	MaxActiveTorrents            *int64         `json:"max_active_torrents"`
	MaxActiveUploads             *int64         `json:"max_active_uploads"`
	MaxConnec                    *int64         `json:"max_connec"`
	MaxConnecPerTorrent          *int64         `json:"max_connec_per_torrent"`
	MaxRatio                     *float64       `json:"max_ratio"`
	MaxRatioAct                  *int64         `json:"max_ratio_act"`
	MaxRatioEnabled              *bool          `json:"max_ratio_enabled"`
	MaxSeedingTime               *int64         `json:"max_seeding_time"`
	MaxSeedingTimeEnabled        *bool          `json:"max_seeding_time_enabled"`
	MaxUploads                   *int64         `json:"max_uploads"`
	MaxUploadsPerTorrent         *int64         `json:"max_uploads_per_torrent"`
	Pex                          *bool          `json:"pex"`
	PreallocateAll               *bool          `json:"preallocate_all"`
	QueueingEnabled              *bool          `json:"queueing_enabled"`
	RandomPort                   *bool          `json:"random_port"`
	RefreshInterval              *int64         `json:"refresh_interval"`
	SavePath                     *string        `json:"save_path"`
	SavePathChangedTmmEnabled    *bool          `json:"save_path_changed_tmm_enabled"`
	ScanDirs                     map[string]any `json:"scan_dirs"`
	SchedulerEnabled             *bool          `json:"scheduler_enabled"`
	StartPausedEnabled           *bool          `json:"start_paused_enabled"`
	TempPath                     *string        `json:"temp_path"`
	TempPathEnabled              *bool          `json:"temp_path_enabled"`
	TorrentChangedTmmEnabled     *bool          `json:"torrent_changed_tmm_enabled"`
	TorrentContentLayout         *string        `json:"torrent_content_layout"`
	TorrentStopCondition         *string        `json:"torrent_stop_condition"`
	UpLimit                      *int64         `json:"up_limit"`
	Upnp                         *bool          `json:"upnp"`
	UseCategoryPathsInManualMode *bool          `json:"use_category_paths_in_manual_mode"`
	UseSubcategories             *bool          `json:"use_subcategories"`
	WebUIPort                    *int64         `json:"web_ui_port"`
	WebUIUsername                *string        `json:"web_ui_username"`
}

// MergePreferences overlays a partial payload onto the canonical object,
// creating one when existing is nil. scan_dirs merges per directory.
func MergePreferences(existing *Preferences, patch *PreferencesPatch) *Preferences {
	if existing == nil {
		existing = &Preferences{ScanDirs: map[string]any{}}
	}
	overlay.Apply(existing, patch)
	return existing
}
