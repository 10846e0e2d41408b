// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qsync/internal/models"
	"github.com/autobrr/qsync/internal/qbittorrent"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

// RespondJSON writes data as a JSON response
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{Error: message})
}

// RespondJSONWithETag writes a 200 response tagged with a weak ETag of the
// body, or an empty 304 when the client already holds that body.
func RespondJSONWithETag(w http.ResponseWriter, r *http.Request, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
		RespondError(w, http.StatusInternalServerError, "Failed to encode response")
		return
	}

	etag := `W/"` + strconv.FormatUint(xxhash.Sum64(body), 16) + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")

	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
	w.Write([]byte("\n"))
}

func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == strings.TrimPrefix(etag, "W/") {
			return true
		}
	}
	return false
}

func instanceIDParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	instanceID, err := strconv.Atoi(chi.URLParam(r, "instanceID"))
	if err != nil || instanceID <= 0 {
		RespondError(w, http.StatusBadRequest, "Invalid instance ID")
		return 0, false
	}
	return instanceID, true
}

func hashParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	hash := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "hash")))
	if hash == "" {
		RespondError(w, http.StatusBadRequest, "Torrent hash is required")
		return "", false
	}
	return hash, true
}

// respondSyncError maps sync and registry errors to a status code. Anything
// unknown is logged and reported as a 500 with the given message.
func respondSyncError(w http.ResponseWriter, err error, instanceID int, action, message string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInstanceNotFound):
		RespondError(w, http.StatusNotFound, "Instance not found")
		return
	case errors.Is(err, qbittorrent.ErrTorrentNotFound):
		RespondError(w, http.StatusNotFound, "Torrent not found")
		return
	case errors.Is(err, qbittorrent.ErrInvalidExpression):
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, qbittorrent.ErrInstanceDisabled):
		log.Debug().Int("instanceID", instanceID).Str("action", action).Msg("Request for disabled instance")
		RespondError(w, http.StatusConflict, "Instance is disabled")
		return
	case errors.Is(err, qbittorrent.ErrPeersNotSupported):
		RespondError(w, http.StatusNotImplemented, err.Error())
		return
	case errors.Is(err, qbittorrent.ErrInBackoff),
		errors.Is(err, qbittorrent.ErrLoginFailed),
		errors.Is(err, qbittorrent.ErrIPBanned),
		errors.Is(err, qbittorrent.ErrSyncStopped),
		errors.Is(err, qbittorrent.ErrPoolClosed),
		errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}

	log.Error().Err(err).Int("instanceID", instanceID).Str("action", action).Msg(message)
	RespondError(w, status, message)
}
