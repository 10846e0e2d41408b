// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/qsync/internal/models"
	internalqbittorrent "github.com/autobrr/qsync/internal/qbittorrent"
)

const capabilitiesTimeout = 15 * time.Second

type InstancesHandler struct {
	instanceStore *models.InstanceStore
	clientPool    *internalqbittorrent.ClientPool
	syncManager   *internalqbittorrent.SyncManager
}

func NewInstancesHandler(instanceStore *models.InstanceStore, clientPool *internalqbittorrent.ClientPool, syncManager *internalqbittorrent.SyncManager) *InstancesHandler {
	return &InstancesHandler{
		instanceStore: instanceStore,
		clientPool:    clientPool,
		syncManager:   syncManager,
	}
}

// InstanceResponse is an instance plus its cached connection state. Secrets
// are never included.
type InstanceResponse struct {
	ID                 int                    `json:"id"`
	Name               string                 `json:"name"`
	Host               string                 `json:"host"`
	Username           string                 `json:"username"`
	BasicUsername      *string                `json:"basicUsername,omitempty"`
	TLSSkipVerify      bool                   `json:"tlsSkipVerify"`
	SortOrder          int                    `json:"sortOrder"`
	IsActive           bool                   `json:"isActive"`
	Connected          bool                   `json:"connected"`
	ConnectionStatus   string                 `json:"connectionStatus,omitempty"`
	HasDecryptionError bool                   `json:"hasDecryptionError"`
	RecentErrors       []models.InstanceError `json:"recentErrors,omitempty"`
}

type DeleteInstanceResponse struct {
	Message string `json:"message"`
}

func (h *InstancesHandler) buildInstanceResponses(ctx context.Context, instances []*models.Instance) []InstanceResponse {
	decryptionErrors := h.clientPool.GetInstancesWithDecryptionErrors()

	responses := make([]InstanceResponse, 0, len(instances))
	for _, instance := range instances {
		responses = append(responses, h.buildInstanceResponse(ctx, instance, decryptionErrors))
	}
	return responses
}

// buildInstanceResponse reads the cached connection state only; it never
// connects to the daemon.
func (h *InstancesHandler) buildInstanceResponse(ctx context.Context, instance *models.Instance, decryptionErrors []int) InstanceResponse {
	client, _ := h.clientPool.GetClientOffline(instance.ID)
	healthy := client != nil && client.IsHealthy() && instance.IsActive

	response := InstanceResponse{
		ID:                 instance.ID,
		Name:               instance.Name,
		Host:               instance.Host,
		Username:           instance.Username,
		BasicUsername:      instance.BasicUsername,
		TLSSkipVerify:      instance.TLSSkipVerify,
		SortOrder:          instance.SortOrder,
		IsActive:           instance.IsActive,
		Connected:          healthy,
		HasDecryptionError: slices.Contains(decryptionErrors, instance.ID),
	}

	switch {
	case !instance.IsActive:
		response.ConnectionStatus = "disabled"
	case healthy:
		response.ConnectionStatus = "connected"
	case client != nil:
		response.ConnectionStatus = "unhealthy"
	}

	if instance.IsActive && !healthy {
		recentErrors, err := h.clientPool.GetErrorStore().GetRecentErrors(ctx, instance.ID, 5)
		if err != nil {
			log.Error().Err(err).Int("instanceID", instance.ID).Msg("Failed to get recent errors")
		} else {
			response.RecentErrors = recentErrors
		}
	}

	return response
}

// connectAsync warms the client pool so the next read does not pay for the login.
func (h *InstancesHandler) connectAsync(instanceID int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log.Debug().Int("instanceID", instanceID).Msg("Testing connection asynchronously")

	if _, err := h.clientPool.GetClient(ctx, instanceID); err != nil {
		log.Debug().Err(err).Int("instanceID", instanceID).Msg("Async connection test failed")
		return
	}

	log.Debug().Int("instanceID", instanceID).Msg("Async connection test succeeded")
}

func respondInstanceStoreError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, models.ErrInstanceNotFound):
		RespondError(w, http.StatusNotFound, "Instance not found")
	case errors.Is(err, models.ErrInstanceExists):
		RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrInvalidInstance):
		RespondError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Msgf("Failed to %s instance", action)
		RespondError(w, http.StatusInternalServerError, "Failed to "+action+" instance")
	}
}

// ListInstances returns all instances
func (h *InstancesHandler) ListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := h.instanceStore.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list instances")
		RespondError(w, http.StatusInternalServerError, "Failed to list instances")
		return
	}

	RespondJSON(w, http.StatusOK, h.buildInstanceResponses(r.Context(), instances))
}

// CreateInstance registers a daemon and connects to it in the background
func (h *InstancesHandler) CreateInstance(w http.ResponseWriter, r *http.Request) {
	var req models.InstanceInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Host) == "" {
		RespondError(w, http.StatusBadRequest, "Name and host are required")
		return
	}

	instance, err := h.instanceStore.Create(r.Context(), req)
	if err != nil {
		respondInstanceStoreError(w, err, "create")
		return
	}

	if instance.IsActive {
		go h.connectAsync(instance.ID)
	}

	RespondJSON(w, http.StatusCreated, h.buildInstanceResponse(r.Context(), instance, nil))
}

// UpdateInstance updates an existing instance. Redacted secrets keep their stored value.
func (h *InstancesHandler) UpdateInstance(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := instanceIDParam(w, r)
	if !ok {
		return
	}

	var req models.InstanceInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Host) == "" {
		RespondError(w, http.StatusBadRequest, "Name and host are required")
		return
	}

	instance, err := h.instanceStore.Update(r.Context(), instanceID, req)
	if err != nil {
		respondInstanceStoreError(w, err, "update")
		return
	}

	// Remove old client from pool to force reconnection
	h.clientPool.RemoveClient(instanceID)
	if err := h.clientPool.GetErrorStore().ClearErrors(r.Context(), instanceID); err != nil {
		log.Warn().Err(err).Int("instanceID", instanceID).Msg("Failed to clear instance errors")
	}

	if instance.IsActive {
		go h.connectAsync(instance.ID)
	}

	RespondJSON(w, http.StatusOK, h.buildInstanceResponse(r.Context(), instance, nil))
}

// DeleteInstance deletes an instance and stops its sync
func (h *InstancesHandler) DeleteInstance(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := instanceIDParam(w, r)
	if !ok {
		return
	}

	if err := h.instanceStore.Delete(r.Context(), instanceID); err != nil {
		respondInstanceStoreError(w, err, "delete")
		return
	}

	h.clientPool.RemoveClient(instanceID)

	RespondJSON(w, http.StatusOK, DeleteInstanceResponse{
		Message: "Instance deleted successfully",
	})
}

// GetInstanceErrors returns the most recent connection errors of an instance.
func (h *InstancesHandler) GetInstanceErrors(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := instanceIDParam(w, r)
	if !ok {
		return
	}

	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	errs, err := h.clientPool.GetErrorStore().GetRecentErrors(r.Context(), instanceID, limit)
	if err != nil {
		log.Error().Err(err).Int("instanceID", instanceID).Msg("Failed to get recent errors")
		RespondError(w, http.StatusInternalServerError, "Failed to get instance errors")
		return
	}
	if errs == nil {
		errs = []models.InstanceError{}
	}

	RespondJSON(w, http.StatusOK, errs)
}

// GetInstanceCapabilities returns the capability flags of an instance,
// connecting to it when needed.
func (h *InstancesHandler) GetInstanceCapabilities(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := instanceIDParam(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), capabilitiesTimeout)
	defer cancel()

	caps, err := h.syncManager.GetCapabilities(ctx, instanceID)
	if err != nil {
		respondSyncError(w, err, instanceID, "instances:getCapabilities", "Failed to load instance capabilities")
		return
	}

	RespondJSON(w, http.StatusOK, NewInstanceCapabilitiesResponse(caps))
}
