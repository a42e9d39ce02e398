package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"time"
)

// HTTPMiddleware wraps an HTTP handler to collect metrics.
//
// Usage:
//
//	handler := metrics.HTTPMiddleware(m, mux)
func HTTPMiddleware(m *Metrics, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		m.RecordHTTP(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader captures the status code and calls the underlying WriteHeader.
func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// Write ensures status code is set before writing.
func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(w.statusCode)
	}
	return w.ResponseWriter.Write(b)
}

// Path parameters are replaced so label cardinality stays bounded.
var pathPatterns = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`^/v1/evaluations/[^/]+$`), "/v1/evaluations/{id}"},
	{regexp.MustCompile(`^/v1/speakers/[^/]+/`), "/v1/speakers/{speaker_id}/"},
}

// normalizePath maps a request path onto its route template.
//
// Examples:
//   - /v1/evaluations/7f9c -> /v1/evaluations/{id}
//   - /v1/speakers/spk-1/metrics -> /v1/speakers/{speaker_id}/metrics
func normalizePath(path string) string {
	switch path {
	case "/", "/healthz", "/metrics", "/v1/evaluations", "/v1/score", "/v1/metrics/overall":
		return path
	}

	for _, p := range pathPatterns {
		if p.re.MatchString(path) {
			return p.re.ReplaceAllString(path, p.replacement)
		}
	}
	return "other"
}

// statusCode keeps the codes this service returns and folds the rest into
// their class.
func statusCode(code int) string {
	switch code {
	case 200, 201, 400, 404, 405, 422, 429, 500, 502, 503, 504:
		return strconv.Itoa(code)
	}
	if code >= 100 && code < 600 {
		return fmt.Sprintf("%dxx", code/100)
	}
	return strconv.Itoa(code)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it.
func (w *responseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker if the underlying ResponseWriter supports it.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
}
