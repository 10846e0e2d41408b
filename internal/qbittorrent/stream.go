// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qsync/internal/qbittorrent/state"
)

type StreamKind string

const (
	StreamMainData StreamKind = "maindata"
	StreamPeers    StreamKind = "peers"
	StreamFiles    StreamKind = "files"
)

// StreamObserver receives per tick outcomes, typically to feed metrics.
type StreamObserver interface {
	DiffApplied(instanceID int, kind StreamKind, took time.Duration)
	SyncFailed(instanceID int, kind StreamKind, err error)
	StreamStarted(instanceID int, kind StreamKind)
	StreamStopped(instanceID int, kind StreamKind)
}

type nopObserver struct{}

func (nopObserver) DiffApplied(int, StreamKind, time.Duration) {}
func (nopObserver) SyncFailed(int, StreamKind, error)          {}
func (nopObserver) StreamStarted(int, StreamKind)              {}
func (nopObserver) StreamStopped(int, StreamKind)              {}

// Stream polls one daemon resource and folds every response into a model
// of type T. Ticks never overlap: the fetch runs without holding the lock,
// the reducer runs under the write lock and readers use View.
type Stream[T, P any] struct {
	kind       StreamKind
	instanceID int
	interval   atomic.Int64
	fetch      func(ctx context.Context, current *T) (P, error)
	apply      func(current *T, payload P) *T
	observer   StreamObserver
	onUpdate   func()
	onError    func(error)
	logger     zerolog.Logger

	mu         sync.RWMutex
	model      *T
	lastUpdate time.Time

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
	err       error
}

func newStream[T, P any](kind StreamKind, instanceID int, interval time.Duration, observer StreamObserver,
	fetch func(ctx context.Context, current *T) (P, error), apply func(current *T, payload P) *T,
) *Stream[T, P] {
	if observer == nil {
		observer = nopObserver{}
	}

	s := &Stream[T, P]{
		kind:       kind,
		instanceID: instanceID,
		fetch:      fetch,
		apply:      apply,
		observer:   observer,
		logger:     log.With().Str("module", "stream").Str("stream", string(kind)).Int("instanceID", instanceID).Logger(),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.SetInterval(interval)
	return s
}

func (s *Stream[T, P]) Kind() StreamKind {
	return s.kind
}

func (s *Stream[T, P]) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

// SetInterval changes the polling period from the next tick on.
func (s *Stream[T, P]) SetInterval(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	s.interval.Store(int64(interval))
}

// Run polls until ctx is cancelled or the resource becomes terminal. The
// first tick happens immediately.
func (s *Stream[T, P]) Run(ctx context.Context) error {
	s.observer.StreamStarted(s.instanceID, s.kind)
	defer s.observer.StreamStopped(s.instanceID, s.kind)

	interval := s.Interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.tick(ctx); err != nil {
			return err
		}

		if next := s.Interval(); next != interval {
			interval = next
			ticker.Reset(interval)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return s.Err()
		case <-ticker.C:
		}
	}
}

func (s *Stream[T, P]) tick(ctx context.Context) error {
	payload, err := s.fetch(ctx, s.model)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.observer.SyncFailed(s.instanceID, s.kind, err)
		if s.onError != nil {
			s.onError(err)
		}

		if IsTerminal(err) {
			s.logger.Debug().Err(err).Msg("Resource gone, stopping stream")
			s.stop(err)
			return s.Err()
		}

		s.logger.Warn().Err(err).Msg("Sync failed, skipping tick")
		return nil
	}

	start := time.Now()
	s.mu.Lock()
	s.model = s.apply(s.model, payload)
	s.lastUpdate = start
	s.mu.Unlock()

	s.observer.DiffApplied(s.instanceID, s.kind, time.Since(start))
	if s.onUpdate != nil {
		s.onUpdate()
	}
	s.readyOnce.Do(func() { close(s.ready) })

	return nil
}

// stop ends the stream for good. Run returns at its next select.
func (s *Stream[T, P]) stop(cause error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.err = errors.Wrapf(cause, "%s stream stopped", s.kind)
		s.mu.Unlock()
		close(s.done)
	})
}

// Done is closed once the stream stopped on a terminal error.
func (s *Stream[T, P]) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error, nil while the stream is alive.
func (s *Stream[T, P]) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Wait blocks until the first payload has been applied.
func (s *Stream[T, P]) Wait(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// View runs fn with the model under the read lock. It reports false before
// the first payload arrived. fn must not retain the model.
func (s *Stream[T, P]) View(fn func(model *T)) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.model == nil {
		return false
	}
	fn(s.model)
	return true
}

// Update runs fn with the model under the write lock.
func (s *Stream[T, P]) Update(fn func(model *T)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return false
	}
	fn(s.model)
	return true
}

func (s *Stream[T, P]) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}

type mainDataSource interface {
	SyncMainData(ctx context.Context, rid int64) (*state.MainDataPayload, error)
}

type peerSource interface {
	SyncPeers(ctx context.Context, hash string, rid int64) (*state.PeersPayload, error)
}

type fileSource interface {
	GetTorrentFiles(ctx context.Context, hash string) ([]state.TorrentFile, error)
}

// MainDataStream keeps the main data model of an instance.
type MainDataStream struct {
	*Stream[state.MainData, *state.MainDataPayload]
	optsMu sync.RWMutex
	opts   state.Options
}

func NewMainDataStream(instanceID int, source mainDataSource, interval time.Duration, opts state.Options, observer StreamObserver) *MainDataStream {
	ms := &MainDataStream{opts: opts}
	ms.Stream = newStream(StreamMainData, instanceID, interval, observer,
		func(ctx context.Context, current *state.MainData) (*state.MainDataPayload, error) {
			var rid int64
			if current != nil {
				rid = current.Rid
			}
			return source.SyncMainData(ctx, rid)
		},
		func(current *state.MainData, payload *state.MainDataPayload) *state.MainData {
			if current == nil {
				return state.NewMainData(payload, ms.Options())
			}
			current.Apply(payload)
			return current
		},
	)
	return ms
}

func (ms *MainDataStream) Options() state.Options {
	ms.optsMu.RLock()
	defer ms.optsMu.RUnlock()
	return ms.opts
}

// SetOptions switches index options and rebuilds the index when they changed.
func (ms *MainDataStream) SetOptions(opts state.Options) {
	ms.optsMu.Lock()
	changed := ms.opts != opts
	ms.opts = opts
	ms.optsMu.Unlock()

	if changed {
		ms.Update(func(md *state.MainData) {
			md.SetOptions(opts)
		})
	}
}

// PeerStream keeps the swarm of one torrent.
type PeerStream struct {
	*Stream[state.Peers, *state.PeersPayload]
	hash string
}

func NewPeerStream(instanceID int, hash string, source peerSource, interval time.Duration, observer StreamObserver) *PeerStream {
	return &PeerStream{
		hash: hash,
		Stream: newStream(StreamPeers, instanceID, interval, observer,
			func(ctx context.Context, current *state.Peers) (*state.PeersPayload, error) {
				var rid int64
				if current != nil {
					rid = current.Rid
				}
				return source.SyncPeers(ctx, hash, rid)
			},
			func(current *state.Peers, payload *state.PeersPayload) *state.Peers {
				if current == nil {
					return state.NewPeers(payload)
				}
				current.Apply(payload)
				return current
			},
		),
	}
}

func (ps *PeerStream) Hash() string {
	return ps.hash
}

// FileStream keeps the content tree of one torrent.
type FileStream struct {
	*Stream[state.ContentTree, []state.TorrentFile]
	hash string
}

func NewFileStream(instanceID int, hash string, source fileSource, interval time.Duration, observer StreamObserver) *FileStream {
	return &FileStream{
		hash: hash,
		Stream: newStream(StreamFiles, instanceID, interval, observer,
			func(ctx context.Context, _ *state.ContentTree) ([]state.TorrentFile, error) {
				return source.GetTorrentFiles(ctx, hash)
			},
			func(current *state.ContentTree, files []state.TorrentFile) *state.ContentTree {
				return state.MergeTree(files, current)
			},
		),
	}
}

func (fs *FileStream) Hash() string {
	return fs.hash
}
