package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewMetrics(WithRegistry(reg), WithNamespace("test")), reg
}

func TestMetricsRegistered(t *testing.T) {
	_, reg := newTestMetrics(t)

	// Vectors only appear once a label set is used; plain collectors always do.
	n, err := testutil.GatherAndCount(reg,
		"test_server_active_connections",
		"test_server_connections_accepted_total",
		"test_server_broadcast_cycles_total",
		"test_server_bytes_sent_total")
	if err != nil {
		t.Fatalf("GatherAndCount error: %v", err)
	}
	if n != 4 {
		t.Errorf("registered series = %d, want 4", n)
	}
}

func TestMetricsConnectionLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.connectionAccepted()
	m.connectionAccepted()
	m.connectionClosed()
	m.connectionRejected(RejectResolveFailed)

	if got := testutil.ToFloat64(m.activeConnections); got != 1 {
		t.Errorf("active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.acceptedTotal); got != 2 {
		t.Errorf("accepted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.rejectedTotal.WithLabelValues(RejectResolveFailed)); got != 1 {
		t.Errorf("rejected = %v, want 1", got)
	}

	m.observeResolve(10*time.Millisecond, errors.New("x"))
	if got := testutil.CollectAndCount(m.resolveDuration); got != 1 {
		t.Errorf("resolve series = %d, want 1", got)
	}

	m.resetActive()
	if got := testutil.ToFloat64(m.activeConnections); got != 0 {
		t.Errorf("active after reset = %v", got)
	}
}

func TestMetricsBroadcast(t *testing.T) {
	m, _ := newTestMetrics(t)
	r := NewRegistry()
	addRecorded(t, r, 1)
	addRecorded(t, r, 2)
	broken := addRecorded(t, r, 3)
	broken.err = errors.New("reset")

	b := NewBroadcaster(r, locationProvider(), BroadcasterConfig{Metrics: m, Logger: testLogger()})
	res := b.RunCycle(context.Background())

	if got := testutil.ToFloat64(m.deliveriesTotal.WithLabelValues(DeliveryOK)); got != 2 {
		t.Errorf("delivered = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.deliveriesTotal.WithLabelValues(DeliverySendFailed)); got != 1 {
		t.Errorf("send failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.bytesSent); got != float64(res.BytesSent) {
		t.Errorf("bytes = %v, want %d", got, res.BytesSent)
	}
	if got := testutil.ToFloat64(m.cyclesTotal); got != 1 {
		t.Errorf("cycles = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.connectionAccepted()
	m.connectionClosed()
	m.connectionRejected(RejectCapacity)
	m.acceptError()
	m.observeResolve(time.Second, nil)
	m.observeCycle(CycleResult{})
	m.delivery(DeliveryOK, 10)
	m.resetActive()
}
