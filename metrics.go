package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "udpt"

// Drop reasons used as the "reason" label of udpt_dropped_packets_total.
const (
	dropMalformed   = "malformed"
	dropPolicy      = "policy"
	dropRateLimited = "rate_limited"
)

type metrics struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	errorResponses  *prometheus.CounterVec
	writeFailures   prometheus.Counter
	prunedPeers     prometheus.Counter
	prunedTorrents  prometheus.Counter
	cleanupDuration prometheus.Histogram
}

// newMetrics registers the tracker collectors on a private registry.
// snapshot feeds the torrent/peer gauges at scrape time.
func newMetrics(snapshot func() (Snapshot, error)) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Decoded requests by action.",
		}, []string{"action"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_packets_total",
			Help:      "Datagrams dropped without a reply.",
		}, []string{"reason"}),
		errorResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "error_responses_total",
			Help:      "Error responses sent, by message.",
		}, []string{"message"}),
		writeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "write_failures_total",
			Help:      "Responses that could not be written to the socket.",
		}),
		prunedPeers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cleanup_removed_peers_total",
			Help:      "Peers removed by the cleanup sweep.",
		}),
		prunedTorrents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cleanup_removed_torrents_total",
			Help:      "Torrents removed by the cleanup sweep.",
		}),
		cleanupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "cleanup_duration_seconds",
			Help:      "Time spent in one cleanup sweep.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}

	m.registry.MustRegister(
		m.requests, m.dropped, m.errorResponses, m.writeFailures,
		m.prunedPeers, m.prunedTorrents, m.cleanupDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newRegistryCollector(snapshot),
	)
	return m
}

// registryCollector reports registry sizes from a fresh snapshot on every scrape.
type registryCollector struct {
	snapshot func() (Snapshot, error)
	torrents *prometheus.Desc
	peers    *prometheus.Desc
	seeders  *prometheus.Desc
	leechers *prometheus.Desc
}

func newRegistryCollector(snapshot func() (Snapshot, error)) *registryCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, nil, nil)
	}
	return &registryCollector{
		snapshot: snapshot,
		torrents: desc("torrents", "Torrents in the registry."),
		peers:    desc("peers", "Peers in the registry."),
		seeders:  desc("seeders", "Peers with nothing left to download."),
		leechers: desc("leechers", "Peers still downloading."),
	}
}

func (c *registryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.torrents
	ch <- c.peers
	ch <- c.seeders
	ch <- c.leechers
}

func (c *registryCollector) Collect(ch chan<- prometheus.Metric) {
	snap, err := c.snapshot()
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.torrents, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.torrents, prometheus.GaugeValue, float64(snap.Torrents))
	ch <- prometheus.MustNewConstMetric(c.peers, prometheus.GaugeValue, float64(snap.Peers))
	ch <- prometheus.MustNewConstMetric(c.seeders, prometheus.GaugeValue, float64(snap.Seeders))
	ch <- prometheus.MustNewConstMetric(c.leechers, prometheus.GaugeValue, float64(snap.Leechers))
}
