package biermetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gobier"
	subsystem = "bier"
)

// Label names for BIER metrics.
const (
	labelReason = "reason"
)

// -------------------------------------------------------------------------
// Collector — Prometheus BIER Metrics
// -------------------------------------------------------------------------

// Collector holds all BIER Prometheus metrics. It implements the
// forwarding engine's Observer interface, so every replication decision
// is counted as it happens.
//
// Metrics are designed for production multicast monitoring:
//   - Packet counters track processed/forwarded/delivered volumes.
//   - Drop counters are labeled by reason for precise alerting.
//   - Table gauges expose the installed forwarding state size.
type Collector struct {
	// PacketsProcessed counts BIER packets entering the forwarding engine.
	PacketsProcessed prometheus.Counter

	// ActionsEmitted counts replication copies handed to the transport.
	ActionsEmitted prometheus.Counter

	// LocalDeliveries counts payloads decapsulated for the local application.
	LocalDeliveries prometheus.Counter

	// PacketsDropped counts whole-packet drops, labeled by reason.
	PacketsDropped *prometheus.CounterVec

	// NoRouteBits counts egress bits skipped for lack of an adjacency.
	// The rest of the packet's bits are still served.
	NoRouteBits prometheus.Counter

	// PacketsSent counts replication copies successfully written to the
	// wire by the daemon's send path.
	PacketsSent prometheus.Counter

	// SendErrors counts transport write failures.
	SendErrors prometheus.Counter

	// BIFTs tracks the number of installed forwarding tables.
	BIFTs prometheus.Gauge

	// BIFTEntries tracks the total adjacency entries across all tables.
	BIFTEntries prometheus.Gauge
}

// NewCollector creates a Collector with all BIER metrics registered against
// the provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
//
// All metrics are created with the "gobier_bier_" prefix (namespace_subsystem)
// to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.PacketsProcessed,
		c.ActionsEmitted,
		c.LocalDeliveries,
		c.PacketsDropped,
		c.NoRouteBits,
		c.PacketsSent,
		c.SendErrors,
		c.BIFTs,
		c.BIFTEntries,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		PacketsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_processed_total",
			Help:      "Total BIER packets entering the forwarding engine.",
		}),

		ActionsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "actions_emitted_total",
			Help:      "Total replication copies produced, one per next-hop neighbor.",
		}),

		LocalDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "local_delivered_total",
			Help:      "Total payloads decapsulated for the local application.",
		}),

		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total BIER packets dropped, labeled by reason.",
		}, []string{labelReason}),

		NoRouteBits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "no_route_bits_total",
			Help:      "Total egress bits skipped because no adjacency was configured.",
		}),

		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Total replication copies written to the wire.",
		}),

		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "send_errors_total",
			Help:      "Total transport write failures.",
		}),

		BIFTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bifts",
			Help:      "Number of installed Bit Index Forwarding Tables.",
		}),

		BIFTEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bift_entries",
			Help:      "Total adjacency entries across all installed tables.",
		}),
	}
}

// -------------------------------------------------------------------------
// Observer — forwarding engine hooks
// -------------------------------------------------------------------------

// PacketProcessed counts one packet entering the engine.
func (c *Collector) PacketProcessed() {
	c.PacketsProcessed.Inc()
}

// ActionEmitted counts one replication copy.
func (c *Collector) ActionEmitted() {
	c.ActionsEmitted.Inc()
}

// LocalDelivered counts one local payload delivery.
func (c *Collector) LocalDelivered() {
	c.LocalDeliveries.Inc()
}

// PacketDropped counts one whole-packet drop under the given reason.
func (c *Collector) PacketDropped(reason string) {
	c.PacketsDropped.WithLabelValues(reason).Inc()
}

// NoRouteBit counts one egress bit with no configured adjacency.
func (c *Collector) NoRouteBit() {
	c.NoRouteBits.Inc()
}

// -------------------------------------------------------------------------
// Transport Counters
// -------------------------------------------------------------------------

// IncPacketsSent counts one successful wire transmission.
func (c *Collector) IncPacketsSent() {
	c.PacketsSent.Inc()
}

// IncSendErrors counts one transport write failure.
func (c *Collector) IncSendErrors() {
	c.SendErrors.Inc()
}

// -------------------------------------------------------------------------
// Table State
// -------------------------------------------------------------------------

// SetTableSize records the installed forwarding state size. Called on
// startup and after every configuration reload.
func (c *Collector) SetTableSize(bifts, entries int) {
	c.BIFTs.Set(float64(bifts))
	c.BIFTEntries.Set(float64(entries))
}
