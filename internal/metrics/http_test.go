package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMiddleware(t *testing.T) {
	m := New()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("missing"))
	})
	wrapped := HTTPMiddleware(m, handler)

	req := httptest.NewRequest("GET", "/v1/speakers/spk-42/metrics", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rec.Code)
	}

	got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/v1/speakers/{speaker_id}/metrics", "404"))
	if got != 1 {
		t.Errorf("http_requests_total = %v, want 1", got)
	}
	if v := testutil.ToFloat64(m.HTTPRequestsInFlight); v != 0 {
		t.Errorf("expected in-flight requests to be 0, got %v", v)
	}
}

func TestHTTPMiddleware_NilMetrics(t *testing.T) {
	called := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	HTTPMiddleware(nil, handler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if !called {
		t.Error("handler not called when metrics are disabled")
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"static root", "/", "/"},
		{"health endpoint", "/healthz", "/healthz"},
		{"create evaluation", "/v1/evaluations", "/v1/evaluations"},
		{"evaluation by id", "/v1/evaluations/7f9c-11", "/v1/evaluations/{id}"},
		{"speaker metrics", "/v1/speakers/spk-1/metrics", "/v1/speakers/{speaker_id}/metrics"},
		{"speaker rebuild", "/v1/speakers/spk-1/metrics/rebuild", "/v1/speakers/{speaker_id}/metrics/rebuild"},
		{"speaker evaluations", "/v1/speakers/spk-1/evaluations", "/v1/speakers/{speaker_id}/evaluations"},
		{"unknown", "/wp-admin/login.php", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := normalizePath(tt.input); result != tt.expected {
				t.Errorf("normalizePath(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		code     int
		expected string
	}{
		{200, "200"},
		{201, "201"},
		{404, "404"},
		{422, "422"},
		{503, "503"},
		{150, "1xx"},
		{250, "2xx"},
		{350, "3xx"},
		{450, "4xx"},
		{550, "5xx"},
		{999, "999"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if result := statusCode(tt.code); result != tt.expected {
				t.Errorf("statusCode(%d) = %q, want %q", tt.code, result, tt.expected)
			}
		})
	}
}

func TestResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	wrapped := &responseWriter{
		ResponseWriter: rec,
		statusCode:     http.StatusOK,
	}

	wrapped.WriteHeader(http.StatusCreated)
	if wrapped.statusCode != http.StatusCreated {
		t.Errorf("expected status 201, got %d", wrapped.statusCode)
	}

	wrapped2 := &responseWriter{
		ResponseWriter: httptest.NewRecorder(),
		statusCode:     http.StatusOK,
	}
	_, _ = wrapped2.Write([]byte("test"))
	if !wrapped2.written {
		t.Error("expected written flag to be true")
	}
	if wrapped2.statusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", wrapped2.statusCode)
	}
}

func BenchmarkNormalizePath(b *testing.B) {
	paths := []string{
		"/v1/evaluations/7f9c",
		"/v1/speakers/spk-1/metrics",
		"/healthz",
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for _, path := range paths {
			_ = normalizePath(path)
		}
	}
}
