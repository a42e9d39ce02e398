package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/notegrade/notegrade/internal/bus"
	"github.com/notegrade/notegrade/internal/config"
	"github.com/notegrade/notegrade/internal/pkg/logger"
)

const seedYAML = `references:
  - id: ref-1
    text: Patient has diabetis and hypertension.
candidates:
  - id: cand-1
    text: Patient has diabetes and hypertension.
    word_count: 5
    confidence: 0.92
  - id: cand-2
    text: Patient has diabetes.
`

func testAppConfig(t *testing.T) *config.Config {
	t.Helper()
	seed := filepath.Join(t.TempDir(), "drafts.yaml")
	if err := os.WriteFile(seed, []byte(seedYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Storage.Type = "memory"
	cfg.Drafts.Type = "memory"
	cfg.Drafts.SeedFile = seed
	cfg.Similarity.Providers = "lexical"
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(context.Background(), Config{Version: "test"}, cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func serve(h http.Handler, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Host != "0.0.0.0" {
		t.Errorf("Host = %q, want %q", cfg.Host, "0.0.0.0")
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want %d", cfg.Port, 8080)
	}
	if cfg.Version != "dev" {
		t.Errorf("Version = %q, want %q", cfg.Version, "dev")
	}
	if cfg.ReadTimeout == 0 || cfg.WriteTimeout == 0 || cfg.ShutdownTimeout == 0 {
		t.Error("timeouts should not be zero")
	}
}

func TestResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	w := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	w.WriteHeader(http.StatusNotFound)
	if w.status != http.StatusNotFound {
		t.Errorf("status after WriteHeader = %d, want %d", w.status, http.StatusNotFound)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("underlying status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestServer_Routes(t *testing.T) {
	s := newTestServer(t, testAppConfig(t))
	h := s.Handler()

	body := `{"speaker_id":"spk-1","reference_draft_id":"ref-1","candidate_id":"cand-1"}`
	rec := serve(h, http.MethodPost, "/v1/evaluations", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /v1/evaluations = %d, body %s", rec.Code, rec.Body)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("response has no request ID")
	}

	rec = serve(h, http.MethodPost, "/v1/evaluations", body, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("duplicate POST = %d, want 200", rec.Code)
	}

	rec = serve(h, http.MethodGet, "/v1/speakers/spk-1/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("GET speaker metrics = %d", rec.Code)
	}

	rec = serve(h, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d", rec.Code)
	}
	var health HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || health.Version != "test" || health.Components["similarity"] != "lexical" {
		t.Errorf("health = %+v", health)
	}

	rec = serve(h, http.MethodGet, "/v1/version", "", nil)
	if !strings.Contains(rec.Body.String(), `"test"`) {
		t.Errorf("version body = %s", rec.Body)
	}

	rec = serve(h, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	for _, name := range []string{
		"notegrade_evaluations_total",
		"notegrade_duplicate_evaluations_total",
		"notegrade_http_requests_total",
	} {
		if !strings.Contains(rec.Body.String(), name) {
			t.Errorf("/metrics missing %s", name)
		}
	}
}

func TestServer_RequestIDPropagates(t *testing.T) {
	s := newTestServer(t, testAppConfig(t))

	rec := serve(s.Handler(), http.MethodGet, "/healthz", "", http.Header{RequestIDHeader: {"req-abc"}})
	if got := rec.Header().Get(RequestIDHeader); got != "req-abc" {
		t.Errorf("X-Request-ID = %q, want req-abc", got)
	}
}

func TestServer_MetricsDisabled(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Observability.MetricsEnabled = false
	s := newTestServer(t, cfg)

	if rec := serve(s.Handler(), http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("GET /metrics with metrics disabled = %d, want 404", rec.Code)
	}
}

func TestServer_RateLimit(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Security.RateLimit = 1
	cfg.Security.RateBurst = 1
	s := newTestServer(t, cfg)

	header := http.Header{"X-Client-Id": {"svc-a"}}
	if rec := serve(s.Handler(), http.MethodGet, "/healthz", "", header); rec.Code != http.StatusOK {
		t.Fatalf("first request = %d", rec.Code)
	}
	rec := serve(s.Handler(), http.MethodGet, "/healthz", "", header)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request = %d, want 429", rec.Code)
	}
}

func TestServer_BusRequest(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Bus.ConsumeRequests = true
	s := newTestServer(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	event, err := bus.NewEvent("test", bus.EvaluationRequested{
		SpeakerID: "spk-bus", ReferenceDraftID: "ref-1", CandidateID: "cand-2",
	})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := s.Bus().Request(ctx, bus.TopicEvaluationRequested, event)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	p, err := bus.Decode(resp)
	if err != nil {
		t.Fatal(err)
	}
	done, ok := p.(bus.EvaluationCompleted)
	if !ok {
		t.Fatalf("reply = %T %+v, want EvaluationCompleted", p, p)
	}
	if done.SpeakerID != "spk-bus" || done.EvaluationID == "" {
		t.Errorf("reply = %+v", done)
	}

	if _, err := s.Evaluation().GetSpeakerMetric(ctx, "spk-bus"); err != nil {
		t.Errorf("speaker metric not stored: %v", err)
	}
}

func TestServer_SimilarityResponder(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Similarity.ServeBus = true
	s := newTestServer(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Subscribe(ctx); err != nil {
		t.Fatal(err)
	}

	event, err := bus.NewEvent("test", bus.SimilarityRequested{TextA: "same text", TextB: "same text"})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := s.Bus().Request(ctx, bus.TopicSimilarityRequested, event)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	p, err := bus.Decode(resp)
	if err != nil {
		t.Fatal(err)
	}
	if got := p.(bus.SimilarityComputed); got.Score != 1 || got.Error != "" {
		t.Errorf("reply = %+v, want score 1", got)
	}
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown storage", func(c *config.Config) { c.Storage.Type = "bogus" }},
		{"unknown bus", func(c *config.Config) { c.Bus.Type = "bogus" }},
		{"unknown drafts", func(c *config.Config) { c.Drafts.Type = "bogus" }},
		{"unknown similarity", func(c *config.Config) { c.Similarity.Providers = "bogus" }},
		{"missing seed", func(c *config.Config) { c.Drafts.SeedFile = "/nonexistent/drafts.yaml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testAppConfig(t)
			tt.mutate(cfg)
			if _, err := New(context.Background(), Config{}, cfg, nil); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), logger.Discard())

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("panic escaped middleware: %v", r)
		}
	}()

	var buf bytes.Buffer
	rec := serve(loggingMiddleware(h, logger.NewWithWriter(&buf, "debug", "text")), http.MethodGet, "/x", "", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "INTERNAL_ERROR") {
		t.Errorf("body = %s", body)
	}
	if !strings.Contains(buf.String(), "HTTP request failed") {
		t.Errorf("server error not logged: %s", buf.String())
	}
}
