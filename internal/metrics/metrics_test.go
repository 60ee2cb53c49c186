package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerServesPrometheusFormat(t *testing.T) {
	r := New()
	r.AcquireTotal.WithLabelValues("acquired").Inc()
	r.ConcurrencyInUse.WithLabelValues("key1").Set(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "sentinel_concurrency_acquire_total") {
		t.Fatalf("body missing acquire_total metric: %s", body)
	}
	if !strings.Contains(body, "sentinel_concurrency_slots_in_use") {
		t.Fatalf("body missing slots_in_use metric: %s", body)
	}
}
