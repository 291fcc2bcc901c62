// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "whisper"

type counterDesc struct {
	desc    *prometheus.Desc
	counter func(*MetricsRegistry) *Counter
}

// Collector exports a MetricsRegistry in Prometheus format. Values are read
// at scrape time so the hot paths keep using plain atomics.
type Collector struct {
	registry *MetricsRegistry

	counters      []counterDesc
	lastScanned   *prometheus.Desc
	scanTime      *prometheus.Desc
	uptimeSeconds *prometheus.Desc
}

// NewCollector creates a collector over mr.
func NewCollector(mr *MetricsRegistry) *Collector {
	counter := func(name, help string, get func(*MetricsRegistry) *Counter) counterDesc {
		return counterDesc{
			desc:    prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
			counter: get,
		}
	}
	return &Collector{
		registry: mr,
		counters: []counterDesc{
			counter("announcements_scanned_total", "Announcements handed to a scanner.",
				func(r *MetricsRegistry) *Counter { return r.AnnouncementsScanned }),
			counter("announcements_skipped_total", "Announcements of a foreign scheme.",
				func(r *MetricsRegistry) *Counter { return r.AnnouncementsSkipped }),
			counter("announcements_invalid_total", "Malformed announcements.",
				func(r *MetricsRegistry) *Counter { return r.AnnouncementsInvalid }),
			counter("view_tag_matches_total", "Announcements whose view tag matched.",
				func(r *MetricsRegistry) *Counter { return r.ViewTagMatches }),
			counter("decryption_misses_total", "View tag matches rejected by the cipher.",
				func(r *MetricsRegistry) *Counter { return r.DecryptionMisses }),
			counter("messages_received_total", "Messages decrypted.",
				func(r *MetricsRegistry) *Counter { return r.MessagesReceived }),
			counter("messages_sent_total", "Announcements published.",
				func(r *MetricsRegistry) *Counter { return r.MessagesSent }),
			counter("publish_errors_total", "Failed publishes.",
				func(r *MetricsRegistry) *Counter { return r.PublishErrors }),
			counter("registry_lookups_total", "Meta-address registry lookups.",
				func(r *MetricsRegistry) *Counter { return r.RegistryLookups }),
			counter("log_queries_total", "Announcement log queries.",
				func(r *MetricsRegistry) *Counter { return r.LogQueries }),
			counter("log_query_errors_total", "Failed announcement log queries.",
				func(r *MetricsRegistry) *Counter { return r.LogQueryErrors }),
			counter("rpc_requests_total", "JSON-RPC requests served.",
				func(r *MetricsRegistry) *Counter { return r.RPCRequests }),
		},
		lastScanned: prometheus.NewDesc(prometheus.BuildFQName(namespace, "scan", "last_block"),
			"Last block covered by a scan.", nil, nil),
		scanTime: prometheus.NewDesc(prometheus.BuildFQName(namespace, "scan", "duration_milliseconds_mean"),
			"Mean scan window duration.", nil, nil),
		uptimeSeconds: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "uptime_seconds"),
			"Seconds since the registry was created.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, cd := range c.counters {
		ch <- cd.desc
	}
	ch <- c.lastScanned
	ch <- c.scanTime
	ch <- c.uptimeSeconds
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, cd := range c.counters {
		ch <- prometheus.MustNewConstMetric(cd.desc, prometheus.CounterValue, float64(cd.counter(c.registry).Get()))
	}
	ch <- prometheus.MustNewConstMetric(c.lastScanned, prometheus.GaugeValue, float64(c.registry.LastScannedBlock.Get()))
	ch <- prometheus.MustNewConstMetric(c.scanTime, prometheus.GaugeValue, c.registry.ScanTime.Mean())
	ch <- prometheus.MustNewConstMetric(c.uptimeSeconds, prometheus.GaugeValue, c.registry.GetMetrics().Uptime.Seconds())
}

// Handler returns an http.Handler serving the global registry on a private
// Prometheus registry.
func Handler() (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(globalRegistry)); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
