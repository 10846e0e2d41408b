// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/autobrr/qsync/internal/qbittorrent"
)

// TorrentCollector exports the index counts at scrape time, so gauges never
// lag behind the models.
type TorrentCollector struct {
	mu     sync.RWMutex
	source SnapshotSource

	torrentsDesc *prometheus.Desc
	statusDesc   *prometheus.Desc
	streamsDesc  *prometheus.Desc
}

func NewTorrentCollector() *TorrentCollector {
	return &TorrentCollector{
		torrentsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "torrents"),
			"Torrents known per instance",
			[]string{"instance"},
			nil,
		),
		statusDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "torrents_by_status"),
			"Torrents per status filter",
			[]string{"instance", "status"},
			nil,
		),
		streamsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "torrent_streams"),
			"Cached per torrent streams",
			[]string{"instance", "stream"},
			nil,
		),
	}
}

func (c *TorrentCollector) SetSource(source SnapshotSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.source = source
}

func (c *TorrentCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.torrentsDesc
	ch <- c.statusDesc
	ch <- c.streamsDesc
}

func (c *TorrentCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	source := c.source
	c.mu.RUnlock()

	if source == nil {
		return
	}

	for _, snapshot := range source.Snapshots() {
		instance := instanceLabel(snapshot.InstanceID)
		ch <- prometheus.MustNewConstMetric(c.torrentsDesc, prometheus.GaugeValue, float64(snapshot.Torrents), instance)
		for status, count := range snapshot.Status {
			ch <- prometheus.MustNewConstMetric(c.statusDesc, prometheus.GaugeValue, float64(count), instance, status)
		}
		ch <- prometheus.MustNewConstMetric(c.streamsDesc, prometheus.GaugeValue, float64(snapshot.PeerStreams), instance, string(qbittorrent.StreamPeers))
		ch <- prometheus.MustNewConstMetric(c.streamsDesc, prometheus.GaugeValue, float64(snapshot.FileStreams), instance, string(qbittorrent.StreamFiles))
	}
}
