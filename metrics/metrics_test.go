package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/flowwatch/flowwatch/metrics"
)

func TestErrorCountIncrements(t *testing.T) {
	before := testutil.ToFloat64(metrics.ErrorCount.WithLabelValues("parse"))
	metrics.ErrorCount.WithLabelValues("parse").Inc()
	after := testutil.ToFloat64(metrics.ErrorCount.WithLabelValues("parse"))
	if after != before+1 {
		t.Errorf("expected ErrorCount{type=parse} to increment by 1, got %v -> %v", before, after)
	}
}

func TestTrackedFlowsGaugeSettable(t *testing.T) {
	metrics.TrackedFlowsGauge.Set(42)
	if got := testutil.ToFloat64(metrics.TrackedFlowsGauge); got != 42 {
		t.Errorf("expected TrackedFlowsGauge to read 42, got %v", got)
	}
}
