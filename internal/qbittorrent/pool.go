// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qsync/internal/models"
)

var (
	ErrClientNotFound   = errors.New("qBittorrent client not found")
	ErrPoolClosed       = errors.New("client pool is closed")
	ErrInstanceDisabled = errors.New("qBittorrent instance is disabled")
	ErrInBackoff        = errors.New("instance is in backoff period, will retry later")
)

// Backoff constants
const (
	healthCheckInterval    = 30 * time.Second
	healthCheckTimeout     = 10 * time.Second
	minHealthCheckInterval = 20 * time.Second

	// Normal failure backoff durations
	initialBackoff = 10 * time.Second
	maxBackoff     = 1 * time.Minute

	// Ban-related backoff durations
	banInitialBackoff = 5 * time.Minute
	banMaxBackoff     = 1 * time.Hour
)

// failureInfo tracks failure state and backoff for an instance
type failureInfo struct {
	nextRetry time.Time
	attempts  int
}

type decryptionErrorInfo struct {
	logged    bool
	lastError time.Time
}

// ClientPool owns one Client and one InstanceSync per active instance.
type ClientPool struct {
	ctx               context.Context
	cancel            context.CancelFunc
	clients           map[int]*Client
	syncs             map[int]*InstanceSync
	instanceStore     *models.InstanceStore
	errorStore        *models.InstanceErrorStore
	syncConfig        SyncConfig
	observer          StreamObserver
	mu                sync.RWMutex
	creationMu        sync.Mutex          // Serialize client creation operations
	creationLocks     map[int]*sync.Mutex // Per-instance creation locks
	closed            bool
	healthTicker      *time.Ticker
	stopHealth        chan struct{}
	failureTracker    map[int]*failureInfo
	decryptionTracker map[int]*decryptionErrorInfo
}

func NewClientPool(instanceStore *models.InstanceStore, errorStore *models.InstanceErrorStore, syncConfig SyncConfig, observer StreamObserver) (*ClientPool, error) {
	ctx, cancel := context.WithCancel(context.Background())

	cp := &ClientPool{
		ctx:               ctx,
		cancel:            cancel,
		clients:           make(map[int]*Client),
		syncs:             make(map[int]*InstanceSync),
		instanceStore:     instanceStore,
		errorStore:        errorStore,
		syncConfig:        syncConfig.withDefaults(),
		observer:          observer,
		creationLocks:     make(map[int]*sync.Mutex),
		healthTicker:      time.NewTicker(healthCheckInterval),
		stopHealth:        make(chan struct{}),
		failureTracker:    make(map[int]*failureInfo),
		decryptionTracker: make(map[int]*decryptionErrorInfo),
	}

	go cp.healthCheckLoop()

	return cp, nil
}

// getInstanceLock gets or creates a per-instance creation lock
func (cp *ClientPool) getInstanceLock(instanceID int) *sync.Mutex {
	cp.creationMu.Lock()
	defer cp.creationMu.Unlock()

	if lock, exists := cp.creationLocks[instanceID]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	cp.creationLocks[instanceID] = lock
	return lock
}

// GetClientOffline returns the pooled client without attempting to create one.
func (cp *ClientPool) GetClientOffline(instanceID int) (*Client, error) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	if cp.closed {
		return nil, ErrPoolClosed
	}

	client, exists := cp.clients[instanceID]
	if !exists {
		return nil, ErrClientNotFound
	}

	return client, nil
}

// GetClient returns a qBittorrent client for the given instance ID with default timeout
func (cp *ClientPool) GetClient(ctx context.Context, instanceID int) (*Client, error) {
	return cp.GetClientWithTimeout(ctx, instanceID, defaultClientTimeout)
}

// GetClientWithTimeout returns a qBittorrent client for the given instance ID with custom timeout
func (cp *ClientPool) GetClientWithTimeout(ctx context.Context, instanceID int, timeout time.Duration) (*Client, error) {
	cp.mu.RLock()
	if cp.closed {
		cp.mu.RUnlock()
		return nil, ErrPoolClosed
	}

	client, exists := cp.clients[instanceID]
	cp.mu.RUnlock()

	if exists {
		if client.IsHealthy() {
			return client, nil
		}

		if err := client.HealthCheck(ctx); err != nil {
			return nil, errors.Wrap(err, "client healthcheck failed")
		}
		return client, nil
	}

	return cp.createClientWithTimeout(ctx, instanceID, timeout)
}

// GetSync returns the running sync of an instance, connecting it first if needed.
func (cp *ClientPool) GetSync(ctx context.Context, instanceID int) (*InstanceSync, error) {
	if _, err := cp.GetClient(ctx, instanceID); err != nil {
		return nil, err
	}

	cp.mu.RLock()
	defer cp.mu.RUnlock()

	is, ok := cp.syncs[instanceID]
	if !ok {
		return nil, ErrClientNotFound
	}
	return is, nil
}

// createClientWithTimeout creates a new client connection with custom timeout
func (cp *ClientPool) createClientWithTimeout(ctx context.Context, instanceID int, timeout time.Duration) (*Client, error) {
	// Use per-instance lock to prevent blocking other instances
	instanceLock := cp.getInstanceLock(instanceID)
	instanceLock.Lock()
	defer instanceLock.Unlock()

	cp.mu.RLock()
	inBackoff := cp.isInBackoffLocked(instanceID)
	cp.mu.RUnlock()

	if inBackoff {
		return nil, errors.Wrapf(ErrInBackoff, "instance %d", instanceID)
	}

	// Double-check if client was created while we were waiting for the lock
	cp.mu.RLock()
	if client, exists := cp.clients[instanceID]; exists && client.IsHealthy() {
		cp.mu.RUnlock()
		return client, nil
	}
	cp.mu.RUnlock()

	instance, err := cp.instanceStore.Get(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	if !instance.IsActive {
		return nil, ErrInstanceDisabled
	}

	password, err := cp.instanceStore.GetDecryptedPassword(instance)
	if err != nil {
		if cp.isDecryptionError(err) && cp.shouldLogDecryptionError(instanceID) {
			log.Error().Err(err).Int("instanceID", instanceID).Str("instanceName", instance.Name).
				Msg("Failed to decrypt password - likely due to sessionSecret change. Instance will be unavailable until the password is saved again")
		}
		return nil, fmt.Errorf("failed to decrypt password: %w", err)
	}

	var basicPassword *string
	if instance.BasicPasswordEncrypted != nil {
		basicPassword, err = cp.instanceStore.GetDecryptedBasicPassword(instance)
		if err != nil {
			if cp.isDecryptionError(err) && cp.shouldLogDecryptionError(instanceID) {
				log.Error().Err(err).Int("instanceID", instanceID).Str("instanceName", instance.Name).
					Msg("Failed to decrypt basic auth password - likely due to sessionSecret change. Instance will be unavailable until the password is saved again")
			}
			return nil, fmt.Errorf("failed to decrypt basic auth password: %w", err)
		}
	}

	client, err := NewClientWithTimeout(ctx, instanceID, instance.Host, instance.Username, password, instance.BasicUsername, basicPassword, instance.TLSSkipVerify, timeout)
	if err != nil {
		cp.trackFailure(instanceID, err)
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrPoolClosed
	}
	previous := cp.syncs[instanceID]
	is := NewInstanceSync(instanceID, client, cp.syncConfig, cp.observer)
	cp.clients[instanceID] = client
	cp.syncs[instanceID] = is
	cp.resetFailureTrackingLocked(instanceID)
	cp.mu.Unlock()

	if previous != nil {
		_ = previous.Stop()
	}

	is.Start(cp.ctx)
	go cp.watchSync(instanceID, is)

	return client, nil
}

// watchSync drops the instance when its main data stream ends for good, so
// the next request reconnects through the backoff logic.
func (cp *ClientPool) watchSync(instanceID int, is *InstanceSync) {
	select {
	case <-cp.ctx.Done():
		return
	case <-is.Done():
	}

	err := is.Err()
	log.Warn().Err(err).Int("instanceID", instanceID).Msg("Main data stream stopped, dropping client")
	cp.trackFailure(instanceID, err)

	cp.mu.RLock()
	current := cp.syncs[instanceID]
	cp.mu.RUnlock()

	if current == is {
		cp.RemoveClient(instanceID)
	}
}

// RemoveClient stops the sync of an instance and removes it from the pool
func (cp *ClientPool) RemoveClient(instanceID int) {
	instanceLock := cp.getInstanceLock(instanceID)
	instanceLock.Lock()

	cp.mu.Lock()
	is := cp.syncs[instanceID]
	delete(cp.clients, instanceID)
	delete(cp.syncs, instanceID)
	cp.mu.Unlock()

	if is != nil {
		if err := is.Stop(); err != nil && !IsTerminal(err) {
			log.Debug().Err(err).Int("instanceID", instanceID).Msg("Instance sync stopped with error")
		}
	}

	instanceLock.Unlock()

	cp.creationMu.Lock()
	delete(cp.creationLocks, instanceID)
	cp.creationMu.Unlock()

	log.Info().Int("instanceID", instanceID).Msg("Removed client from pool")
}

// SetSyncConfig applies reloaded intervals to running and future syncs.
func (cp *ClientPool) SetSyncConfig(cfg SyncConfig) {
	cfg = cfg.withDefaults()

	cp.mu.Lock()
	cp.syncConfig = cfg
	syncs := make([]*InstanceSync, 0, len(cp.syncs))
	for _, is := range cp.syncs {
		syncs = append(syncs, is)
	}
	cp.mu.Unlock()

	for _, is := range syncs {
		is.SetConfig(cfg)
	}
}

// Syncs returns the running syncs keyed by instance ID.
func (cp *ClientPool) Syncs() map[int]*InstanceSync {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	out := make(map[int]*InstanceSync, len(cp.syncs))
	for id, is := range cp.syncs {
		out[id] = is
	}
	return out
}

// healthCheckLoop periodically checks the health of all clients
func (cp *ClientPool) healthCheckLoop() {
	for {
		select {
		case <-cp.healthTicker.C:
			cp.performHealthChecks()
		case <-cp.stopHealth:
			return
		}
	}
}

// performHealthChecks checks the health of all clients
func (cp *ClientPool) performHealthChecks() {
	cp.mu.RLock()
	clients := make([]*Client, 0, len(cp.clients))
	for _, client := range cp.clients {
		clients = append(clients, client)
	}
	cp.mu.RUnlock()

	for _, client := range clients {
		instanceID := client.GetInstanceID()

		if time.Since(client.GetLastHealthCheck()) < minHealthCheckInterval {
			continue
		}

		if cp.isInBackoff(instanceID) {
			continue
		}

		go func(client *Client, instanceID int) {
			ctx, cancel := context.WithTimeout(cp.ctx, healthCheckTimeout)
			defer cancel()

			if err := client.HealthCheck(ctx); err != nil {
				log.Warn().Err(err).Int("instanceID", instanceID).Msg("Health check failed")
				cp.trackFailure(instanceID, err)
			} else {
				cp.ResetFailureTracking(instanceID)
			}
		}(client, instanceID)
	}
}

// GetErrorStore returns the error store instance for external use
func (cp *ClientPool) GetErrorStore() *models.InstanceErrorStore {
	return cp.errorStore
}

// Close stops every sync and releases resources
func (cp *ClientPool) Close() error {
	cp.mu.Lock()

	if cp.closed {
		cp.mu.Unlock()
		return nil
	}

	cp.closed = true
	close(cp.stopHealth)
	cp.healthTicker.Stop()

	syncs := make([]*InstanceSync, 0, len(cp.syncs))
	for id, is := range cp.syncs {
		syncs = append(syncs, is)
		delete(cp.syncs, id)
		delete(cp.clients, id)
	}
	cp.failureTracker = make(map[int]*failureInfo)

	cp.mu.Unlock()

	cp.cancel()
	for _, is := range syncs {
		_ = is.Stop()
	}

	log.Info().Msg("Client pool closed")
	return nil
}

// isInBackoff checks if an instance is in backoff period
func (cp *ClientPool) isInBackoff(instanceID int) bool {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.isInBackoffLocked(instanceID)
}

// isInBackoffLocked checks if an instance is in backoff period (caller must hold lock)
func (cp *ClientPool) isInBackoffLocked(instanceID int) bool {
	info, exists := cp.failureTracker[instanceID]
	if !exists {
		return false
	}
	return time.Now().Before(info.nextRetry)
}

// trackFailure records a failure and applies exponential backoff
func (cp *ClientPool) trackFailure(instanceID int, err error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	info, exists := cp.failureTracker[instanceID]
	if !exists {
		info = &failureInfo{}
		cp.failureTracker[instanceID] = info
	}

	info.attempts++

	if cp.errorStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if recordErr := cp.errorStore.RecordError(ctx, instanceID, err); recordErr != nil {
			log.Error().Err(recordErr).Int("instanceID", instanceID).Msg("Failed to record error to database")
		}
	}

	var backoffDuration time.Duration
	if cp.isBanError(err) {
		backoffDuration = cp.calculateBackoff(info.attempts, banInitialBackoff, banMaxBackoff)
		log.Warn().Int("instanceID", instanceID).Int("attempts", info.attempts).Dur("backoffDuration", backoffDuration).Msg("IP ban detected, applying extended backoff")
	} else {
		backoffDuration = cp.calculateBackoff(info.attempts, initialBackoff, maxBackoff)
		log.Debug().Int("instanceID", instanceID).Int("attempts", info.attempts).Dur("backoffDuration", backoffDuration).Msg("Connection failure, applying backoff")
	}

	info.nextRetry = time.Now().Add(backoffDuration)
}

// calculateBackoff returns exponential backoff duration with limits
func (cp *ClientPool) calculateBackoff(attempts int, initialDuration, maxDuration time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 16 {
		return maxDuration
	}
	return min(time.Duration(1<<(attempts-1))*initialDuration, maxDuration)
}

// ResetFailureTracking clears failure tracking for successful connections or explicit user actions
func (cp *ClientPool) ResetFailureTracking(instanceID int) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.resetFailureTrackingLocked(instanceID)
}

func (cp *ClientPool) resetFailureTrackingLocked(instanceID int) {
	hadFailures := false

	if _, exists := cp.failureTracker[instanceID]; exists {
		delete(cp.failureTracker, instanceID)
		hadFailures = true
		log.Debug().Int("instanceID", instanceID).Msg("Reset failure tracking after successful connection")
	}

	if _, exists := cp.decryptionTracker[instanceID]; exists {
		delete(cp.decryptionTracker, instanceID)
		hadFailures = true
		log.Debug().Int("instanceID", instanceID).Msg("Reset decryption error tracking after successful connection")
	}

	if cp.errorStore == nil {
		return
	}

	// Always clear persisted errors, the in-memory tracker does not survive restarts
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if clearErr := cp.errorStore.ClearErrors(ctx, instanceID); clearErr != nil {
		log.Error().Err(clearErr).Int("instanceID", instanceID).Msg("Failed to clear errors from database")
	} else if hadFailures {
		log.Debug().Int("instanceID", instanceID).Msg("Cleared instance errors from database after successful connection")
	}
}

// isBanError checks if the error indicates an IP ban
func (cp *ClientPool) isBanError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrIPBanned) {
		return true
	}
	return models.CategorizeError(err) == models.ErrorTypeBan
}

// shouldLogDecryptionError reports true only the first time an instance fails to decrypt
func (cp *ClientPool) shouldLogDecryptionError(instanceID int) bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if info, exists := cp.decryptionTracker[instanceID]; exists {
		return !info.logged
	}

	cp.decryptionTracker[instanceID] = &decryptionErrorInfo{
		logged:    true,
		lastError: time.Now(),
	}
	return true
}

// isDecryptionError checks if the error is related to password decryption
func (cp *ClientPool) isDecryptionError(err error) bool {
	if err == nil {
		return false
	}

	errorStr := strings.ToLower(err.Error())
	return strings.Contains(errorStr, "cipher: message authentication failed") ||
		strings.Contains(errorStr, "failed to decrypt password")
}

// GetInstancesWithDecryptionErrors returns a list of instance IDs that have decryption errors
func (cp *ClientPool) GetInstancesWithDecryptionErrors() []int {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	var instanceIDs []int
	for id, info := range cp.decryptionTracker {
		if info.logged {
			instanceIDs = append(instanceIDs, id)
		}
	}

	return instanceIDs
}
