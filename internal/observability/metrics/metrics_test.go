package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("event_type", "invoice.paid"),
		attribute.String("subject_id", "456"),
		attribute.String("outcome", "processed"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "subject_id" {
			t.Fatalf("expected subject_id to be dropped")
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordBillCreated(context.Background(), true)
	m.RecordWebhookEvent(context.Background(), "invoice.paid", "processed")
	m.RecordBatchInvoice(context.Background(), "error")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "backoffice"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordActivityQuery(context.Background(), 3)
	m.RecordBillTransition(context.Background(), "draft", "sent")
	m.RecordCreditApplied(context.Background())
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := prometheus.NewRegistry()
	m, err := newHTTPMetrics(registry, Config{ServiceName: "backoffice", Environment: "test"})
	if err != nil {
		t.Fatalf("new http metrics: %v", err)
	}
	again, err := newHTTPMetrics(registry, Config{ServiceName: "backoffice", Environment: "test"})
	if err != nil {
		t.Fatalf("re-register http metrics: %v", err)
	}

	r := gin.New()
	r.Use(GinMiddleware(again))
	r.GET("/bills/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/bills/1", nil))
	}

	got := promtestutil.ToFloat64(m.requests.WithLabelValues(http.MethodGet, "/bills/:id", "4xx"))
	if got != 2 {
		t.Fatalf("expected 2 requests, got %v", got)
	}

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	hist := findMetric(families, "backoffice_http_request_duration_seconds", map[string]string{"route": "/bills/:id", "env": "test"})
	if hist == nil || hist.GetHistogram().GetSampleCount() != 2 {
		t.Fatalf("expected 2 latency samples, got %v", hist)
	}
}

func findMetric(families []*dto.MetricFamily, name string, labels map[string]string) *dto.Metric {
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if labelsMatch(metric, labels) {
				return metric
			}
		}
	}
	return nil
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, pair := range metric.GetLabel() {
		if want, ok := labels[pair.GetName()]; ok {
			if pair.GetValue() != want {
				return false
			}
			matched++
		}
	}
	return matched == len(labels)
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{200: "2xx", 503: "5xx", 0: "unknown"}
	for status, want := range cases {
		if got := statusClass(status); got != want {
			t.Fatalf("status %d: expected %s, got %s", status, want, got)
		}
	}
}
