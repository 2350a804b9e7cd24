package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_DomainCounters(t *testing.T) {
	m := New("test")

	m.RecordOrder("stripe", "paid")
	m.RecordOrder("stripe", "paid")
	m.RecordDownload("ok")
	m.RecordWaitlistSignup()
	m.RecordOutboxDrop()

	if got := testutil.ToFloat64(m.orders.WithLabelValues("stripe", "paid")); got != 2 {
		t.Errorf("orders_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.downloads.WithLabelValues("ok")); got != 1 {
		t.Errorf("downloads_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.waitlistSignups); got != 1 {
		t.Errorf("waitlist_signups_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.outboxDropped); got != 1 {
		t.Errorf("outbox_dropped_total = %v, want 1", got)
	}
}

func TestMetrics_SetHealthIsOneHot(t *testing.T) {
	m := New("test")
	m.SetHealth("degraded", 62)

	if got := testutil.ToFloat64(m.healthStatus.WithLabelValues("degraded")); got != 1 {
		t.Errorf("degraded = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.healthStatus.WithLabelValues("healthy")); got != 0 {
		t.Errorf("healthy = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.healthScore); got != 62 {
		t.Errorf("score = %v, want 62", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordOrder("paypal", "paid")
	m.RecordBackup("ok")
	m.RecordOutboxDrop()
	m.SetHealth("healthy", 100)
}

func TestHandler_Exposes(t *testing.T) {
	m := New("test")
	m.RecordHTTPRequest("get", "/health", "200", 10*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `test_http_requests_total{method="GET",path="/health",status="200"} 1`) {
		t.Errorf("request counter missing from exposition")
	}
}

func TestCanonicalPath(t *testing.T) {
	tests := map[string]string{
		"":                             "/",
		"/":                            "/",
		"/health":                      "/health",
		"/api/admin/orders/123/labels": "/api/admin",
		"/api/downloads/abc":           "/api/downloads",
	}
	for in, want := range tests {
		if got := CanonicalPath(in); got != want {
			t.Errorf("CanonicalPath(%q) = %q, want %q", in, got, want)
		}
	}
}
