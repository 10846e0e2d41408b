// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qsync/internal/qbittorrent"
)

const namespace = "qsync"

// SnapshotSource reads the index counts of running instances.
type SnapshotSource interface {
	Snapshots() []qbittorrent.InstanceSnapshot
}

// MetricsManager owns a private registry and records stream outcomes. It is
// handed to the client pool as its StreamObserver.
type MetricsManager struct {
	registry *prometheus.Registry

	diffsApplied  *prometheus.CounterVec
	syncErrors    *prometheus.CounterVec
	applyDuration *prometheus.HistogramVec
	activeStreams *prometheus.GaugeVec
	torrents      *TorrentCollector
}

var _ qbittorrent.StreamObserver = (*MetricsManager)(nil)

func NewMetricsManager() *MetricsManager {
	registry := prometheus.NewRegistry()

	m := &MetricsManager{
		registry: registry,
		diffsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "diffs_applied_total",
			Help:      "Payloads folded into a synchronised model",
		}, []string{"instance", "stream"}),
		syncErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "errors_total",
			Help:      "Failed sync requests",
		}, []string{"instance", "stream"}),
		applyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "apply_duration_seconds",
			Help:      "Time spent applying a payload under the model lock",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}, []string{"stream"}),
		activeStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Running sync streams",
		}, []string{"instance", "stream"}),
		torrents: NewTorrentCollector(),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.diffsApplied,
		m.syncErrors,
		m.applyDuration,
		m.activeStreams,
		m.torrents,
	)

	log.Debug().Msg("Metrics manager initialized")

	return m
}

// SetSource attaches the snapshot source once the sync manager exists.
func (m *MetricsManager) SetSource(source SnapshotSource) {
	m.torrents.SetSource(source)
}

func (m *MetricsManager) GetRegistry() *prometheus.Registry {
	return m.registry
}

func instanceLabel(instanceID int) string {
	return strconv.Itoa(instanceID)
}

func (m *MetricsManager) DiffApplied(instanceID int, kind qbittorrent.StreamKind, took time.Duration) {
	m.diffsApplied.WithLabelValues(instanceLabel(instanceID), string(kind)).Inc()
	m.applyDuration.WithLabelValues(string(kind)).Observe(took.Seconds())
}

func (m *MetricsManager) SyncFailed(instanceID int, kind qbittorrent.StreamKind, _ error) {
	m.syncErrors.WithLabelValues(instanceLabel(instanceID), string(kind)).Inc()
}

func (m *MetricsManager) StreamStarted(instanceID int, kind qbittorrent.StreamKind) {
	m.activeStreams.WithLabelValues(instanceLabel(instanceID), string(kind)).Inc()
}

func (m *MetricsManager) StreamStopped(instanceID int, kind qbittorrent.StreamKind) {
	m.activeStreams.WithLabelValues(instanceLabel(instanceID), string(kind)).Dec()
}
