// Package metrics exposes a channel's statistics counters as Prometheus
// metrics (counters, plus a gauge for the active count), collected on
// demand the way TCPInfoCollector snapshots live connection state in this
// codebase's socket-metrics exporter: one Collector per channel, Collect
// pulling a fresh Stats snapshot rather than tracking duplicate state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dtnwg/bplib"
)

// StatsSource is the subset of pkg/channel.Channel this collector needs:
// a point-in-time snapshot of its counters.
type StatsSource interface {
	Stats() bplib.Stats
}

type gauge struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(bplib.Stats) float64
}

// ChannelCollector reports one channel's counters under a constant
// "channel" label, so several channels can share one registry.
type ChannelCollector struct {
	source StatsSource
	label  string
	gauges []gauge
}

// NewChannelCollector builds a collector for source, labelling every
// metric it emits with channel (typically "ipn:<node>.<service>").
func NewChannelCollector(channel string, source StatsSource) *ChannelCollector {
	labels := []string{"channel"}
	mk := func(name, help string, vt prometheus.ValueType, value func(bplib.Stats) float64) gauge {
		return gauge{desc: prometheus.NewDesc("bplib_"+name, help, labels, nil), valueType: vt, value: value}
	}
	counter, gaugeType := prometheus.CounterValue, prometheus.GaugeValue

	return &ChannelCollector{
		source: source,
		label:  channel,
		gauges: []gauge{
			mk("lost_total", "Bundles evicted from the active table before acknowledgement.", counter, func(s bplib.Stats) float64 { return float64(s.Lost) }),
			mk("expired_total", "Bundles dropped after their lifetime elapsed.", counter, func(s bplib.Stats) float64 { return float64(s.Expired) }),
			mk("acknowledged_total", "CIDs released by an incoming custody signal.", counter, func(s bplib.Stats) float64 { return float64(s.Acknowledged) }),
			mk("transmitted_total", "Bundles handed to the transport by Load.", counter, func(s bplib.Stats) float64 { return float64(s.Transmitted) }),
			mk("retransmitted_total", "Bundles re-offered by Load after a retransmit timeout.", counter, func(s bplib.Stats) float64 { return float64(s.Retransmitted) }),
			mk("received_total", "Blocks successfully decoded by Process.", counter, func(s bplib.Stats) float64 { return float64(s.Received) }),
			mk("generated_total", "Bundles produced by Store.", counter, func(s bplib.Stats) float64 { return float64(s.Generated) }),
			mk("delivered_total", "Payloads enqueued for Accept.", counter, func(s bplib.Stats) float64 { return float64(s.Delivered) }),
			mk("bundles_total", "Data bundles enqueued for transmission.", counter, func(s bplib.Stats) float64 { return float64(s.Bundles) }),
			mk("payloads_total", "Payloads enqueued for local delivery.", counter, func(s bplib.Stats) float64 { return float64(s.Payloads) }),
			mk("records_total", "Administrative (DACS) bundles enqueued for transmission, plus received bundles queued for forwarding.", counter, func(s bplib.Stats) float64 { return float64(s.Records) }),
			mk("active", "CIDs currently outstanding in the active table.", gaugeType, func(s bplib.Stats) float64 { return float64(s.Active) }),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *ChannelCollector) Describe(out chan<- *prometheus.Desc) {
	for _, g := range c.gauges {
		out <- g.desc
	}
}

// Collect implements prometheus.Collector, snapshotting the channel's
// counters once per call so every gauge in this pass is internally
// consistent.
func (c *ChannelCollector) Collect(out chan<- prometheus.Metric) {
	snapshot := c.source.Stats()
	for _, g := range c.gauges {
		out <- prometheus.MustNewConstMetric(g.desc, g.valueType, g.value(snapshot), c.label)
	}
}
