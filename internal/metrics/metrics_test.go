package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// counterValue reads the current value of a counter child.
func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestObserveTick(t *testing.T) {
	before := counterValue(t, WorkerTicksTotal.WithLabelValues("repair", "ran"))
	ObserveTick("repair", "ran", time.Now())
	after := counterValue(t, WorkerTicksTotal.WithLabelValues("repair", "ran"))

	if after != before+1 {
		t.Fatalf("expected tick counter to increase by 1, got %v -> %v", before, after)
	}
}

func TestLedgerCounters(t *testing.T) {
	before := counterValue(t, LedgerNoopsTotal.WithLabelValues("updateStatus"))
	LedgerNoopsTotal.WithLabelValues("updateStatus").Inc()
	after := counterValue(t, LedgerNoopsTotal.WithLabelValues("updateStatus"))

	if after != before+1 {
		t.Fatalf("expected noop counter to increase by 1, got %v -> %v", before, after)
	}
}
