// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	internalqbittorrent "github.com/autobrr/qsync/internal/qbittorrent"
)

// InstanceCapabilitiesResponse describes supported features for an instance.
type InstanceCapabilitiesResponse struct {
	SupportsTorrentPeers  bool   `json:"supportsTorrentPeers"`
	SupportsFilePriority  bool   `json:"supportsFilePriority"`
	SupportsFileIndex     bool   `json:"supportsFileIndex"`
	SupportsSubcategories bool   `json:"supportsSubcategories"`
	WebAPIVersion         string `json:"webAPIVersion,omitempty"`
}

// NewInstanceCapabilitiesResponse creates a response payload from the capability flags of a client.
func NewInstanceCapabilitiesResponse(caps internalqbittorrent.Capabilities) InstanceCapabilitiesResponse {
	return InstanceCapabilitiesResponse{
		SupportsTorrentPeers:  caps.SupportsTorrentPeers,
		SupportsFilePriority:  caps.SupportsFilePriority,
		SupportsFileIndex:     caps.SupportsFileIndex,
		SupportsSubcategories: caps.SupportsSubcategories,
		WebAPIVersion:         caps.WebAPIVersion,
	}
}
