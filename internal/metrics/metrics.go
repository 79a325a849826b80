// Package metrics implements the Prometheus scrape surface: a
// prometheus.Collector that pulls live numbers from the registry, port
// pool, and per-call RTP counters at scrape time rather than pushing them
// on every mutation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveCallsProvider exposes the number of live calls.
type ActiveCallsProvider interface {
	ActiveCallCount() int
}

// PortPoolProvider exposes RTP port pool saturation.
type PortPoolProvider interface {
	Capacity() int
	AllocatedCount() int
}

// RTPStatsProvider aggregates RTP packet counters across all live calls.
type RTPStatsProvider interface {
	AggregatePacketsReceived() uint64
	AggregatePacketsSent() uint64
	AggregateSendErrors() uint64
}

// CleanupCounter exposes cumulative cleanup counts by reason, e.g.
// "both-ended", "grace-timeout", "assistant-terminate".
type CleanupCounter interface {
	CleanupCountsByReason() map[string]uint64
}

// ReconnectCounter exposes the cumulative count of successful AI-RT
// reconnects after a dropped connection.
type ReconnectCounter interface {
	ReconnectCount() uint64
}

// Collector is a prometheus.Collector that gathers voice bridge metrics at
// scrape time. Any provider may be nil if unavailable (e.g. in a test
// harness that only wires the registry).
type Collector struct {
	activeCalls ActiveCallsProvider
	portPool    PortPoolProvider
	rtp         RTPStatsProvider
	cleanups    CleanupCounter
	reconnects  ReconnectCounter
	startTime   time.Time

	activeCallsDesc    *prometheus.Desc
	portPoolDesc       *prometheus.Desc
	portPoolCapDesc    *prometheus.Desc
	rtpReceivedDesc    *prometheus.Desc
	rtpSentDesc        *prometheus.Desc
	rtpSendErrorsDesc  *prometheus.Desc
	cleanupsDesc       *prometheus.Desc
	reconnectsDesc     *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a new metrics collector.
func NewCollector(
	activeCalls ActiveCallsProvider,
	portPool PortPoolProvider,
	rtp RTPStatsProvider,
	cleanups CleanupCounter,
	reconnects ReconnectCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		activeCalls: activeCalls,
		portPool:    portPool,
		rtp:         rtp,
		cleanups:    cleanups,
		reconnects:  reconnects,
		startTime:   startTime,

		activeCallsDesc: prometheus.NewDesc(
			"flowbridge_active_calls",
			"Number of currently active calls",
			nil, nil,
		),
		portPoolDesc: prometheus.NewDesc(
			"flowbridge_rtp_ports_allocated",
			"Number of RTP ports currently held out of the pool",
			nil, nil,
		),
		portPoolCapDesc: prometheus.NewDesc(
			"flowbridge_rtp_ports_capacity",
			"Total size of the RTP port pool",
			nil, nil,
		),
		rtpReceivedDesc: prometheus.NewDesc(
			"flowbridge_rtp_packets_received_total",
			"Total RTP packets received across all calls",
			nil, nil,
		),
		rtpSentDesc: prometheus.NewDesc(
			"flowbridge_rtp_packets_sent_total",
			"Total RTP packets sent across all calls",
			nil, nil,
		),
		rtpSendErrorsDesc: prometheus.NewDesc(
			"flowbridge_rtp_send_errors_total",
			"Total RTP send errors across all calls",
			nil, nil,
		),
		cleanupsDesc: prometheus.NewDesc(
			"flowbridge_cleanups_total",
			"Total call cleanups by reason",
			[]string{"reason"}, nil,
		),
		reconnectsDesc: prometheus.NewDesc(
			"flowbridge_airt_reconnects_total",
			"Total successful AI-RT WebSocket reconnects",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"flowbridge_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.portPoolDesc
	ch <- c.portPoolCapDesc
	ch <- c.rtpReceivedDesc
	ch <- c.rtpSentDesc
	ch <- c.rtpSendErrorsDesc
	ch <- c.cleanupsDesc
	ch <- c.reconnectsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector, querying all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.activeCalls.ActiveCallCount()),
		)
	}

	if c.portPool != nil {
		ch <- prometheus.MustNewConstMetric(
			c.portPoolDesc, prometheus.GaugeValue,
			float64(c.portPool.AllocatedCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.portPoolCapDesc, prometheus.GaugeValue,
			float64(c.portPool.Capacity()),
		)
	}

	if c.rtp != nil {
		ch <- prometheus.MustNewConstMetric(
			c.rtpReceivedDesc, prometheus.CounterValue,
			float64(c.rtp.AggregatePacketsReceived()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rtpSentDesc, prometheus.CounterValue,
			float64(c.rtp.AggregatePacketsSent()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rtpSendErrorsDesc, prometheus.CounterValue,
			float64(c.rtp.AggregateSendErrors()),
		)
	}

	if c.cleanups != nil {
		for reason, count := range c.cleanups.CleanupCountsByReason() {
			ch <- prometheus.MustNewConstMetric(
				c.cleanupsDesc, prometheus.CounterValue,
				float64(count), reason,
			)
		}
	}

	if c.reconnects != nil {
		ch <- prometheus.MustNewConstMetric(
			c.reconnectsDesc, prometheus.CounterValue,
			float64(c.reconnects.ReconnectCount()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
