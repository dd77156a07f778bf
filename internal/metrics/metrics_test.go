package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistry_Counters(t *testing.T) {
	r := NewRegistry()

	r.Subscribed()
	r.PassPublished(3, 10*time.Millisecond)
	r.PassDiscarded()
	r.EnrichmentFailed(2)
	r.Unsubscribed()

	if got := testutil.ToFloat64(r.Passes); got != 1 {
		t.Errorf("passes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.Records); got != 3 {
		t.Errorf("records = %v, want 3", got)
	}
	if got := testutil.ToFloat64(r.EnrichmentFailures); got != 2 {
		t.Errorf("failures = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.LiveSubscriptions); got != 0 {
		t.Errorf("live = %v, want 0", got)
	}
}

func TestRegistry_NilSafe(t *testing.T) {
	var r *Registry
	r.Subscribed()
	r.PassPublished(1, time.Second)
	r.PassDiscarded()
	r.EnrichmentFailed(1)
	r.Unsubscribed()
}

func TestRegistry_Handler(t *testing.T) {
	r := NewRegistry()
	r.PassPublished(5, time.Millisecond)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(rec.Body.String(), "intel_cache_passes_total 1") {
		t.Errorf("metrics output missing pass counter:\n%s", rec.Body.String())
	}
}
