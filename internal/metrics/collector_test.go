package biermetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/dantte-lp/gobier/internal/bier"
	biermetrics "github.com/dantte-lp/gobier/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := biermetrics.NewCollector(reg)

	if c.PacketsProcessed == nil {
		t.Error("PacketsProcessed is nil")
	}
	if c.ActionsEmitted == nil {
		t.Error("ActionsEmitted is nil")
	}
	if c.LocalDeliveries == nil {
		t.Error("LocalDeliveries is nil")
	}
	if c.PacketsDropped == nil {
		t.Error("PacketsDropped is nil")
	}
	if c.NoRouteBits == nil {
		t.Error("NoRouteBits is nil")
	}
	if c.PacketsSent == nil {
		t.Error("PacketsSent is nil")
	}
	if c.SendErrors == nil {
		t.Error("SendErrors is nil")
	}
	if c.BIFTs == nil {
		t.Error("BIFTs is nil")
	}
	if c.BIFTEntries == nil {
		t.Error("BIFTEntries is nil")
	}

	// Verify all metrics are registered by gathering them.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	// No data yet, so families may be empty -- but registration must not panic.
	_ = families
}

// The collector satisfies the forwarding engine's telemetry interface.
var _ bier.Observer = (*biermetrics.Collector)(nil)

func TestObserverCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := biermetrics.NewCollector(reg)

	c.PacketProcessed()
	c.PacketProcessed()
	c.PacketProcessed()

	if val := counterValue(t, c.PacketsProcessed); val != 3 {
		t.Errorf("PacketsProcessed = %v, want 3", val)
	}

	c.ActionEmitted()
	c.ActionEmitted()

	if val := counterValue(t, c.ActionsEmitted); val != 2 {
		t.Errorf("ActionsEmitted = %v, want 2", val)
	}

	c.LocalDelivered()

	if val := counterValue(t, c.LocalDeliveries); val != 1 {
		t.Errorf("LocalDeliveries = %v, want 1", val)
	}

	c.NoRouteBit()
	c.NoRouteBit()

	if val := counterValue(t, c.NoRouteBits); val != 2 {
		t.Errorf("NoRouteBits = %v, want 2", val)
	}
}

func TestDropReasonLabels(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := biermetrics.NewCollector(reg)

	reason := bier.DropUnknownSubDomain.String()
	c.PacketDropped(reason)
	c.PacketDropped(reason)

	if val := counterVecValue(t, c.PacketsDropped, reason); val != 2 {
		t.Errorf("PacketsDropped{%s} = %v, want 2", reason, val)
	}

	// A different reason gets its own series.
	if val := counterVecValue(t, c.PacketsDropped, "other"); val != 0 {
		t.Errorf("PacketsDropped{other} = %v, want 0", val)
	}
}

func TestTransportCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := biermetrics.NewCollector(reg)

	c.IncPacketsSent()
	c.IncPacketsSent()
	c.IncSendErrors()

	if val := counterValue(t, c.PacketsSent); val != 2 {
		t.Errorf("PacketsSent = %v, want 2", val)
	}
	if val := counterValue(t, c.SendErrors); val != 1 {
		t.Errorf("SendErrors = %v, want 1", val)
	}
}

func TestSetTableSize(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := biermetrics.NewCollector(reg)

	c.SetTableSize(2, 9)

	if val := gaugeValue(t, c.BIFTs); val != 2 {
		t.Errorf("BIFTs = %v, want 2", val)
	}
	if val := gaugeValue(t, c.BIFTEntries); val != 9 {
		t.Errorf("BIFTEntries = %v, want 9", val)
	}

	// Reload with a smaller table overwrites, not accumulates.
	c.SetTableSize(1, 4)

	if val := gaugeValue(t, c.BIFTs); val != 1 {
		t.Errorf("BIFTs after reload = %v, want 1", val)
	}
	if val := gaugeValue(t, c.BIFTEntries); val != 4 {
		t.Errorf("BIFTEntries after reload = %v, want 4", val)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// counterValue reads the current value of a plain Counter.
func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}

// counterVecValue reads the current value of a CounterVec with the given labels.
func counterVecValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}

// gaugeValue reads the current value of a plain Gauge.
func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}
