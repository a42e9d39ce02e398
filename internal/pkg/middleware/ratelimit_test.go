package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestLimiter(t *testing.T, rps float64, burst int) *RateLimiter {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewRateLimiter(ctx, RateLimiterConfig{
		RequestsPerSecond: rps,
		Burst:             burst,
		CleanupInterval:   time.Hour,
		IdleTTL:           time.Minute,
	})
}

func TestRateLimiter_AllowBurst(t *testing.T) {
	rl := newTestLimiter(t, 1, 3)

	for i := 0; i < 3; i++ {
		if !rl.Allow("ip:10.0.0.1") {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}
	if rl.Allow("ip:10.0.0.1") {
		t.Error("request beyond burst should be rejected")
	}
	if !rl.Allow("ip:10.0.0.2") {
		t.Error("a different client should have its own bucket")
	}
}

func TestRateLimiter_EvictIdle(t *testing.T) {
	rl := newTestLimiter(t, 1, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.nowFunc = func() time.Time { return now }

	rl.Allow("client:ingest")
	now = now.Add(2 * time.Minute)
	rl.Allow("client:notes")

	if got := rl.evictIdle(); got != 1 {
		t.Errorf("evictIdle() = %d, want 1", got)
	}
	if _, ok := rl.clients["client:notes"]; !ok {
		t.Error("active client was evicted")
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := newTestLimiter(t, 1, 1)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/evaluations", nil)
		req.Header.Set(ClientHeader, "note-service")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := do(); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}
	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Error("missing Retry-After header")
	}
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"client header", map[string]string{ClientHeader: "svc-a"}, "1.2.3.4:5", "client:svc-a"},
		{"forwarded for", map[string]string{"X-Forwarded-For": "9.9.9.9, 10.0.0.1"}, "1.2.3.4:5", "ip:9.9.9.9"},
		{"real ip", map[string]string{"X-Real-IP": "8.8.8.8"}, "1.2.3.4:5", "ip:8.8.8.8"},
		{"remote addr", nil, "1.2.3.4:5678", "ip:1.2.3.4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientKey(req); got != tt.want {
				t.Errorf("ClientKey() = %q, want %q", got, tt.want)
			}
		})
	}
}
