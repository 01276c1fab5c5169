package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordTransferOutcomeIncrementsLabel(t *testing.T) {
	m := New()

	m.RecordTransferOutcome("completed")
	m.RecordTransferOutcome("completed")
	m.RecordTransferOutcome("cancelled")

	if got := testutil.ToFloat64(m.TransfersByOutcome.WithLabelValues("completed")); got != 2 {
		t.Fatalf("expected 2 completed outcomes, got %v", got)
	}
	if got := testutil.ToFloat64(m.TransfersByOutcome.WithLabelValues("cancelled")); got != 1 {
		t.Fatalf("expected 1 cancelled outcome, got %v", got)
	}
}

func TestQueueDepthGauge(t *testing.T) {
	m := New()
	m.QueueDepth.Set(5)
	if got := testutil.ToFloat64(m.QueueDepth); got != 5 {
		t.Fatalf("expected queue depth 5, got %v", got)
	}
}
