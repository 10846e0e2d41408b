// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package state

import (
	"slices"

	qbt "github.com/autobrr/go-qbittorrent"
)

var torrentStateCategories = map[qbt.TorrentFilter][]qbt.TorrentState{
	qbt.TorrentFilterDownloading:        {qbt.TorrentStateDownloading, qbt.TorrentStateStalledDl, qbt.TorrentStateMetaDl, qbt.TorrentStateQueuedDl, qbt.TorrentStateAllocating, qbt.TorrentStateCheckingDl, qbt.TorrentStateForcedDl},
	qbt.TorrentFilterUploading:          {qbt.TorrentStateUploading, qbt.TorrentStateStalledUp, qbt.TorrentStateQueuedUp, qbt.TorrentStateCheckingUp, qbt.TorrentStateForcedUp},
	qbt.TorrentFilter("seeding"):        {qbt.TorrentStateUploading, qbt.TorrentStateStalledUp, qbt.TorrentStateQueuedUp, qbt.TorrentStateCheckingUp, qbt.TorrentStateForcedUp},
	qbt.TorrentFilterPaused:             {qbt.TorrentStatePausedDl, qbt.TorrentStatePausedUp, qbt.TorrentStateStoppedDl, qbt.TorrentStateStoppedUp},
	qbt.TorrentFilterActive:             {qbt.TorrentStateDownloading, qbt.TorrentStateUploading, qbt.TorrentStateForcedDl, qbt.TorrentStateForcedUp},
	qbt.TorrentFilterStalled:            {qbt.TorrentStateStalledDl, qbt.TorrentStateStalledUp},
	qbt.TorrentFilterChecking:           {qbt.TorrentStateCheckingDl, qbt.TorrentStateCheckingUp, qbt.TorrentStateCheckingResumeData},
	qbt.TorrentFilterError:              {qbt.TorrentStateError, qbt.TorrentStateMissingFiles},
	qbt.TorrentFilterMoving:             {qbt.TorrentStateMoving},
	qbt.TorrentFilterStalledUploading:   {qbt.TorrentStateStalledUp},
	qbt.TorrentFilterStalledDownloading: {qbt.TorrentStateStalledDl},
	qbt.TorrentFilterStopped:            {qbt.TorrentStateStoppedDl, qbt.TorrentStateStoppedUp},
}

// StatusKeys lists every key of the status dimension.
var StatusKeys = []string{
	KeyAll,
	string(qbt.TorrentFilterDownloading),
	string(qbt.TorrentFilterUploading),
	"seeding",
	string(qbt.TorrentFilterCompleted),
	string(qbt.TorrentFilterPaused),
	string(qbt.TorrentFilterStopped),
	string(qbt.TorrentFilterResumed),
	string(qbt.TorrentFilterRunning),
	string(qbt.TorrentFilterActive),
	string(qbt.TorrentFilterInactive),
	string(qbt.TorrentFilterStalled),
	string(qbt.TorrentFilterStalledUploading),
	string(qbt.TorrentFilterStalledDownloading),
	string(qbt.TorrentFilterChecking),
	string(qbt.TorrentFilterMoving),
	string(qbt.TorrentFilterError),
}

func isPausedOrStopped(state qbt.TorrentState) bool {
	return slices.Contains(torrentStateCategories[qbt.TorrentFilterPaused], state) ||
		slices.Contains(torrentStateCategories[qbt.TorrentFilterStopped], state)
}

// MatchStatus reports whether the torrent belongs to the given status filter.
func MatchStatus(t *Torrent, status string) bool {
	switch qbt.TorrentFilter(status) {
	case qbt.TorrentFilterAll:
		return true
	case qbt.TorrentFilterCompleted:
		return t.Progress == 1
	case qbt.TorrentFilterInactive:
		return !slices.Contains(torrentStateCategories[qbt.TorrentFilterActive], t.State)
	case qbt.TorrentFilterRunning, qbt.TorrentFilterResumed:
		return !isPausedOrStopped(t.State)
	case qbt.TorrentFilterStopped, qbt.TorrentFilterPaused:
		return isPausedOrStopped(t.State)
	}

	if states, ok := torrentStateCategories[qbt.TorrentFilter(status)]; ok {
		return slices.Contains(states, t.State)
	}

	return string(t.State) == status
}
