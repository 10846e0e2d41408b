// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/qsync/internal/qbittorrent"
)

type PreferencesHandler struct {
	syncManager *qbittorrent.SyncManager
}

func NewPreferencesHandler(syncManager *qbittorrent.SyncManager) *PreferencesHandler {
	return &PreferencesHandler{
		syncManager: syncManager,
	}
}

// GetPreferences returns the merged daemon preferences
func (h *PreferencesHandler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := instanceIDParam(w, r)
	if !ok {
		return
	}

	prefs, err := h.syncManager.GetPreferences(r.Context(), instanceID)
	if err != nil {
		respondSyncError(w, err, instanceID, "preferences:get", "Failed to get preferences")
		return
	}

	RespondJSONWithETag(w, r, prefs)
}

// UpdatePreferences sends a partial update and returns the merged result.
// Keys are qBittorrent preference names.
func (h *PreferencesHandler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := instanceIDParam(w, r)
	if !ok {
		return
	}

	var update map[string]any
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(update) == 0 {
		RespondError(w, http.StatusBadRequest, "No preferences provided")
		return
	}

	prefs, err := h.syncManager.UpdatePreferences(r.Context(), instanceID, update)
	if err != nil {
		respondSyncError(w, err, instanceID, "preferences:update", "Failed to update preferences")
		return
	}

	log.Debug().Int("instanceID", instanceID).Int("keys", len(update)).Msg("Preferences updated")

	RespondJSON(w, http.StatusOK, prefs)
}
