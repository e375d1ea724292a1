package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_RegistersWithoutPanic(t *testing.T) {
	r := New()
	if r.PromRegistry() == nil {
		t.Fatal("expected a non-nil private registry")
	}
}

func TestSetPoolState_UpdatesGauges(t *testing.T) {
	r := New()
	r.SetPoolState(3, 1, 2)

	if got := testutil.ToFloat64(r.poolKeyAvailable.WithLabelValues("ready")); got != 3 {
		t.Errorf("ready = %v, want 3", got)
	}
	if got := testutil.ToFloat64(r.poolKeyAvailable.WithLabelValues("backoff")); got != 2 {
		t.Errorf("backoff = %v, want 2", got)
	}
}

func TestRecordAcquisition_IncrementsCounter(t *testing.T) {
	r := New()
	r.RecordAcquisition()
	r.RecordAcquisition()
	r.RecordAcquisitionFailure()

	if got := testutil.ToFloat64(r.poolAcquisitions); got != 2 {
		t.Errorf("acquisitions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.poolAcquisitionFailures); got != 1 {
		t.Errorf("acquisition failures = %v, want 1", got)
	}
}

func TestObserveForwarderUpstream_RecordsByStreamAndOutcome(t *testing.T) {
	r := New()
	r.ObserveForwarderUpstream(true, "success", 50*time.Millisecond)

	if got := testutil.CollectAndCount(r.forwarderUpstreamDuration); got != 1 {
		t.Errorf("observed %d series, want 1", got)
	}
}

func TestHandler_IsNonNil(t *testing.T) {
	r := New()
	if r.Handler() == nil {
		t.Fatal("expected a non-nil metrics handler")
	}
}
