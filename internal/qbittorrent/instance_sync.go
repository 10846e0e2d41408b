// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"sync"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/qsync/internal/qbittorrent/state"
)

var (
	ErrSyncStopped          = errors.New("instance sync is stopped")
	ErrPeersNotSupported    = errors.New("qBittorrent WebAPI does not support torrent peers")
	ErrPreferencesNotLoaded = errors.New("preferences not loaded")
)

// SyncConfig holds the polling settings of an instance.
type SyncConfig struct {
	RefreshInterval      time.Duration
	PeerRefreshInterval  time.Duration
	FilesRefreshInterval time.Duration
	StreamIdleTimeout    time.Duration
	Subcategories        bool
}

func (c SyncConfig) withDefaults() SyncConfig {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 1500 * time.Millisecond
	}
	if c.PeerRefreshInterval <= 0 {
		c.PeerRefreshInterval = c.RefreshInterval
	}
	if c.FilesRefreshInterval <= 0 {
		c.FilesRefreshInterval = c.RefreshInterval
	}
	if c.StreamIdleTimeout <= 0 {
		c.StreamIdleTimeout = 30 * time.Second
	}
	return c
}

// instanceClient is the part of Client an InstanceSync depends on.
type instanceClient interface {
	mainDataSource
	peerSource
	fileSource
	GetPreferences(ctx context.Context) (*state.PreferencesPatch, error)
	SetPreferencesCtx(ctx context.Context, prefs map[string]any) error
	Capabilities() Capabilities
	updateHealthStatus(healthy bool)
}

type torrentStream[S any] struct {
	stream S
	cancel context.CancelFunc
}

// InstanceSync runs every stream of one instance: the main data stream for
// its whole lifetime and peer or file streams while somebody reads them.
type InstanceSync struct {
	instanceID int
	client     instanceClient
	observer   StreamObserver
	logger     zerolog.Logger

	cfgMu sync.RWMutex
	cfg   SyncConfig

	mainData *MainDataStream
	peers    *ttlcache.Cache[string, *torrentStream[*PeerStream]]
	files    *ttlcache.Cache[string, *torrentStream[*FileStream]]

	prefsMu     sync.RWMutex
	preferences *state.Preferences

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	stopped bool
}

func NewInstanceSync(instanceID int, client instanceClient, cfg SyncConfig, observer StreamObserver) *InstanceSync {
	cfg = cfg.withDefaults()
	if observer == nil {
		observer = nopObserver{}
	}

	is := &InstanceSync{
		instanceID: instanceID,
		client:     client,
		observer:   observer,
		cfg:        cfg,
		logger:     log.With().Str("module", "sync").Int("instanceID", instanceID).Logger(),
	}

	is.mainData = NewMainDataStream(instanceID, client, cfg.RefreshInterval, is.indexOptions(nil), observer)
	is.mainData.onUpdate = func() { client.updateHealthStatus(true) }
	is.mainData.onError = func(error) { client.updateHealthStatus(false) }

	is.peers = ttlcache.New(ttlcache.Options[string, *torrentStream[*PeerStream]]{}.
		SetDefaultTTL(cfg.StreamIdleTimeout).
		SetDeallocationFunc(func(hash string, ts *torrentStream[*PeerStream], _ ttlcache.DeallocationReason) {
			ts.cancel()
			is.logger.Trace().Str("hash", hash).Msg("Peer stream released")
		}))
	is.files = ttlcache.New(ttlcache.Options[string, *torrentStream[*FileStream]]{}.
		SetDefaultTTL(cfg.StreamIdleTimeout).
		SetDeallocationFunc(func(hash string, ts *torrentStream[*FileStream], _ ttlcache.DeallocationReason) {
			ts.cancel()
			is.logger.Trace().Str("hash", hash).Msg("File stream released")
		}))

	return is
}

// Start launches the main data stream. It returns immediately.
func (is *InstanceSync) Start(ctx context.Context) {
	is.mu.Lock()
	defer is.mu.Unlock()

	if is.group != nil || is.stopped {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	is.ctx = groupCtx
	is.cancel = cancel
	is.group = group

	group.Go(func() error {
		if _, err := is.RefreshPreferences(groupCtx); err != nil && groupCtx.Err() == nil {
			is.logger.Debug().Err(err).Msg("Initial preferences fetch failed")
		}
		return nil
	})

	group.Go(func() error {
		err := is.mainData.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	is.logger.Debug().Dur("refreshInterval", is.config().RefreshInterval).Msg("Instance sync started")
}

// Stop cancels every stream and waits for them to return.
func (is *InstanceSync) Stop() error {
	is.mu.Lock()
	if is.stopped {
		is.mu.Unlock()
		return nil
	}
	is.stopped = true
	cancel, group := is.cancel, is.group
	is.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	is.peers.Close()
	is.files.Close()

	if group == nil {
		return nil
	}

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	is.logger.Debug().Err(err).Msg("Instance sync stopped")
	return err
}

// Done is closed when the main data stream hit a terminal error.
func (is *InstanceSync) Done() <-chan struct{} {
	return is.mainData.Done()
}

func (is *InstanceSync) Err() error {
	return is.mainData.Err()
}

func (is *InstanceSync) MainData() *MainDataStream {
	return is.mainData
}

func (is *InstanceSync) config() SyncConfig {
	is.cfgMu.RLock()
	defer is.cfgMu.RUnlock()
	return is.cfg
}

// SetConfig applies new polling intervals to running streams. Idle timeouts
// only affect streams created afterwards.
func (is *InstanceSync) SetConfig(cfg SyncConfig) {
	cfg = cfg.withDefaults()

	is.cfgMu.Lock()
	is.cfg = cfg
	is.cfgMu.Unlock()

	is.mainData.SetInterval(cfg.RefreshInterval)
	for _, hash := range cachedHashes(is.peers) {
		if ts, ok := is.peers.Get(hash); ok {
			ts.stream.SetInterval(cfg.PeerRefreshInterval)
		}
	}
	for _, hash := range cachedHashes(is.files) {
		if ts, ok := is.files.Get(hash); ok {
			ts.stream.SetInterval(cfg.FilesRefreshInterval)
		}
	}

	is.prefsMu.RLock()
	is.mainData.SetOptions(is.indexOptions(is.preferences))
	is.prefsMu.RUnlock()
}

// indexOptions enables subcategory matching only when qsync, the WebAPI and
// the daemon's own preference all allow it.
func (is *InstanceSync) indexOptions(prefs *state.Preferences) state.Options {
	enabled := is.config().Subcategories && is.client.Capabilities().SupportsSubcategories
	if prefs != nil {
		enabled = enabled && prefs.UseSubcategories
	}
	return state.Options{Subcategories: enabled}
}

func (is *InstanceSync) runContext() (context.Context, *errgroup.Group, error) {
	is.mu.Lock()
	defer is.mu.Unlock()
	if is.stopped || is.group == nil {
		return nil, nil, ErrSyncStopped
	}
	return is.ctx, is.group, nil
}

// PeerStream returns the running peer stream of a torrent, starting it on
// first use. Every call counts as a read and keeps the stream alive.
func (is *InstanceSync) PeerStream(hash string) (*PeerStream, error) {
	if !is.client.Capabilities().SupportsTorrentPeers {
		return nil, ErrPeersNotSupported
	}

	is.mu.Lock()
	defer is.mu.Unlock()

	if is.stopped || is.group == nil {
		return nil, ErrSyncStopped
	}
	if ts, ok := is.peers.Get(hash); ok {
		return ts.stream, nil
	}

	ps := NewPeerStream(is.instanceID, hash, is.client, is.config().PeerRefreshInterval, is.observer)
	is.launch(hash, ps.Stream.Run, func(cancel context.CancelFunc) {
		is.peers.Set(hash, &torrentStream[*PeerStream]{stream: ps, cancel: cancel}, ttlcache.DefaultTTL)
	}, func() { releaseStream(is, is.peers, hash, ps) })

	return ps, nil
}

// FileStream returns the running file stream of a torrent, starting it on
// first use.
func (is *InstanceSync) FileStream(hash string) (*FileStream, error) {
	is.mu.Lock()
	defer is.mu.Unlock()

	if is.stopped || is.group == nil {
		return nil, ErrSyncStopped
	}
	if ts, ok := is.files.Get(hash); ok {
		return ts.stream, nil
	}

	fs := NewFileStream(is.instanceID, hash, is.client, is.config().FilesRefreshInterval, is.observer)
	is.launch(hash, fs.Stream.Run, func(cancel context.CancelFunc) {
		is.files.Set(hash, &torrentStream[*FileStream]{stream: fs, cancel: cancel}, ttlcache.DefaultTTL)
	}, func() { releaseStream(is, is.files, hash, fs) })

	return fs, nil
}

// launch runs a per torrent stream inside the group. Its failures never
// cancel the group: a vanished torrent only ends its own stream. Caller
// holds is.mu.
func (is *InstanceSync) launch(hash string, run func(context.Context) error, register func(context.CancelFunc), release func()) {
	streamCtx, cancel := context.WithCancel(is.ctx)
	register(cancel)

	is.group.Go(func() error {
		defer cancel()
		err := run(streamCtx)
		if IsTerminal(err) {
			is.logger.Debug().Err(err).Str("hash", hash).Msg("Torrent stream ended")
			release()
		}
		return nil
	})
}

// releaseStream drops the cache entry of an ended stream. The entry may
// already belong to a newer stream for the same hash, which is left alone.
func releaseStream[S comparable](is *InstanceSync, cache *ttlcache.Cache[string, *torrentStream[S]], hash string, stream S) {
	is.mu.Lock()
	defer is.mu.Unlock()

	if is.stopped {
		return
	}
	if ts, ok := cache.Get(hash); ok && ts.stream == stream {
		cache.Delete(hash)
	}
}

// cachedHashes lists the hashes held by a stream cache. GetKeys pads its
// result with zero values.
func cachedHashes[V any](cache *ttlcache.Cache[string, V]) []string {
	keys := cache.GetKeys()
	hashes := keys[:0]
	for _, key := range keys {
		if key != "" {
			hashes = append(hashes, key)
		}
	}
	return hashes
}

// StreamCounts returns the number of live peer and file streams.
func (is *InstanceSync) StreamCounts() (peers, files int) {
	return len(cachedHashes(is.peers)), len(cachedHashes(is.files))
}

// RefreshPreferences fetches the daemon preferences and merges them into the
// cached copy.
func (is *InstanceSync) RefreshPreferences(ctx context.Context) (*state.Preferences, error) {
	patch, err := is.client.GetPreferences(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get preferences")
	}

	// options are applied under the lock so concurrent refreshes cannot
	// leave the index on an older preference
	is.prefsMu.Lock()
	is.preferences = state.MergePreferences(is.preferences, patch)
	prefs := *is.preferences
	is.mainData.SetOptions(is.indexOptions(&prefs))
	is.prefsMu.Unlock()

	return &prefs, nil
}

// Preferences returns a copy of the cached preferences.
func (is *InstanceSync) Preferences() (*state.Preferences, error) {
	is.prefsMu.RLock()
	defer is.prefsMu.RUnlock()
	if is.preferences == nil {
		return nil, ErrPreferencesNotLoaded
	}
	prefs := *is.preferences
	return &prefs, nil
}

// UpdatePreferences pushes a partial update to the daemon and merges the
// result back.
func (is *InstanceSync) UpdatePreferences(ctx context.Context, update map[string]any) (*state.Preferences, error) {
	if err := is.client.SetPreferencesCtx(ctx, update); err != nil {
		return nil, errors.Wrap(err, "failed to set preferences")
	}
	return is.RefreshPreferences(ctx)
}
