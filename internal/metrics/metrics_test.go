package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/battery-hawk/corewatch/internal/metrics"
)

func TestRegisterSucceedsOnFreshRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := metrics.Register(reg); err == nil {
		t.Fatal("expected second Register on the same registry to fail")
	}
}
