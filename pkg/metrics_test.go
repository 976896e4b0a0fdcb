package pkg

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Overflows.Inc()
	m.Events.WithLabelValues("bus_reset").Add(2)

	if got := testutil.ToFloat64(m.Overflows); got != 1 {
		t.Errorf("overflows = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Events.WithLabelValues("bus_reset")); got != 2 {
		t.Errorf("bus_reset events = %v, want 2", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) == 0 {
		t.Error("no metric families registered")
	}
}

func TestNewMetricsNilRegisterer(t *testing.T) {
	m := NewMetrics(nil)
	m.Timeouts.Inc()
	if got := testutil.ToFloat64(m.Timeouts); got != 1 {
		t.Errorf("timeouts = %v, want 1", got)
	}
}
