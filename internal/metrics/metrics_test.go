package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveSync(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveSync(120*time.Millisecond, 10, 9, 1, nil)
	m.ObserveSync(40*time.Millisecond, 0, 0, 0, errors.New("fetch failed"))

	if got := testutil.ToFloat64(m.passes.WithLabelValues("success")); got != 1 {
		t.Fatalf("expected success=1, got %f", got)
	}
	if got := testutil.ToFloat64(m.passes.WithLabelValues("failure")); got != 1 {
		t.Fatalf("expected failure=1, got %f", got)
	}
	if got := testutil.ToFloat64(m.records.WithLabelValues("upserted")); got != 9 {
		t.Fatalf("expected upserted=9, got %f", got)
	}
	if got := testutil.ToFloat64(m.records.WithLabelValues("skipped")); got != 1 {
		t.Fatalf("expected skipped=1, got %f", got)
	}
	if got := testutil.ToFloat64(m.lastSuccess); got <= 0 {
		t.Fatalf("expected last success timestamp to be set, got %f", got)
	}

	if n, err := testutil.GatherAndCount(reg, "posmirror_sync_duration_seconds"); err != nil {
		t.Fatalf("gather: %v", err)
	} else if n != 1 {
		t.Fatalf("expected one duration histogram, got %d", n)
	}
}

func TestObserveMutation(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveMutation("create", nil)
	m.ObserveMutation("create", errors.New("status 500"))
	m.ObserveMutation("", nil)

	if got := testutil.ToFloat64(m.mutations.WithLabelValues("create", "success")); got != 1 {
		t.Fatalf("expected create success=1, got %f", got)
	}
	if got := testutil.ToFloat64(m.mutations.WithLabelValues("create", "failure")); got != 1 {
		t.Fatalf("expected create failure=1, got %f", got)
	}
	if got := testutil.ToFloat64(m.mutations.WithLabelValues("unknown", "success")); got != 1 {
		t.Fatalf("expected unknown success=1, got %f", got)
	}
}

func TestSetMirrorSize(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SetMirrorSize(42)

	if got := testutil.ToFloat64(m.mirrorSize); got != 42 {
		t.Fatalf("expected 42, got %f", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveSync(time.Second, 1, 1, 0, nil)
	m.ObserveMutation("update", nil)
	m.SetMirrorSize(3)

	unregistered := New(nil)
	unregistered.ObserveSync(time.Second, 1, 1, 0, nil)
	unregistered.ObserveMutation("delete", errors.New("boom"))
	unregistered.SetMirrorSize(3)
}
