package evaluation

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/notegrade/notegrade/internal/bucket"
	"github.com/notegrade/notegrade/internal/pkg/errors"
	"github.com/notegrade/notegrade/internal/store"
)

func newTestMux(t *testing.T) (*http.ServeMux, *testEnv) {
	t.Helper()
	env := newTestEnv(t, nil)
	mux := http.NewServeMux()
	NewHandler(env.svc).RegisterRoutes(mux)
	return mux, env
}

func do(t *testing.T, mux http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
}

func TestHandler_Evaluate(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := do(t, mux, http.MethodPost, "/v1/evaluations", req("cand-good"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var first Result
	decodeBody(t, rec, &first)
	if first.Evaluation == nil || first.Evaluation.BucketRecommended != bucket.B {
		t.Fatalf("unexpected result %+v", first)
	}

	rec = do(t, mux, http.MethodPost, "/v1/evaluations", req("cand-good"))
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d, want 200", rec.Code)
	}
	var dup map[string]interface{}
	decodeBody(t, rec, &dup)
	if dup["already_evaluated"] != true {
		t.Errorf("duplicate body = %v, want already_evaluated true", dup)
	}

	rec = do(t, mux, http.MethodGet, "/v1/evaluations/"+first.Evaluation.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET evaluation status = %d", rec.Code)
	}
	var got store.Evaluation
	decodeBody(t, rec, &got)
	if got.ID != first.Evaluation.ID || got.CandidateID != "cand-good" {
		t.Errorf("GET evaluation = %+v", got)
	}
}

func TestHandler_Errors(t *testing.T) {
	mux, env := newTestMux(t)
	env.sim.score = goodSemantic

	tests := []struct {
		name     string
		method   string
		path     string
		body     interface{}
		wantCode int
		wantErr  string
	}{
		{"malformed body", http.MethodPost, "/v1/evaluations", "{", http.StatusBadRequest, errors.CodeInvalidRequest},
		{"unknown field", http.MethodPost, "/v1/evaluations", `{"speaker":"x"}`, http.StatusBadRequest, errors.CodeInvalidRequest},
		{"missing ids", http.MethodPost, "/v1/evaluations", Request{SpeakerID: "spk-1"}, http.StatusBadRequest, errors.CodeValidation},
		{"unknown candidate", http.MethodPost, "/v1/evaluations", req("cand-missing"), http.StatusNotFound, errors.CodeNotFound},
		{"unknown evaluation", http.MethodGet, "/v1/evaluations/nope", nil, http.StatusNotFound, errors.CodeNotFound},
		{"unknown speaker metric", http.MethodGet, "/v1/speakers/ghost/metrics", nil, http.StatusNotFound, errors.CodeNotFound},
		{"rebuild unknown speaker", http.MethodPost, "/v1/speakers/ghost/metrics/rebuild", nil, http.StatusNotFound, errors.CodeNotFound},
		{"score out of range", http.MethodPost, "/v1/score", `{"reference_text":"a","candidate_text":"a","semantic_similarity":1.5}`, http.StatusBadRequest, errors.CodeInvalidMetric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, mux, tt.method, tt.path, tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body)
			}
			var resp errors.ErrorResponse
			decodeBody(t, rec, &resp)
			if resp.Code != tt.wantErr {
				t.Errorf("error code = %q, want %q", resp.Code, tt.wantErr)
			}
		})
	}
}

func TestHandler_Score(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := do(t, mux, http.MethodPost, "/v1/score", ScoreRequest{ReferenceText: refText, CandidateText: goodText})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var s Scores
	decodeBody(t, rec, &s)
	if s.BucketRecommended != bucket.B || s.WordEdits.Substitutions != 1 {
		t.Errorf("scores = %+v", s)
	}
}

func TestHandler_SpeakerRoutes(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := do(t, mux, http.MethodGet, "/v1/speakers/spk-1/evaluations", nil)
	var empty ListEvaluationsResponse
	decodeBody(t, rec, &empty)
	if rec.Code != http.StatusOK || empty.Total != 0 || empty.Evaluations == nil {
		t.Errorf("empty list = %d %+v", rec.Code, empty)
	}

	for _, id := range []string{"cand-good", "cand-poor"} {
		if rec := do(t, mux, http.MethodPost, "/v1/evaluations", req(id)); rec.Code != http.StatusCreated {
			t.Fatalf("evaluate %s status = %d", id, rec.Code)
		}
	}

	rec = do(t, mux, http.MethodGet, "/v1/speakers/spk-1/evaluations", nil)
	var list ListEvaluationsResponse
	decodeBody(t, rec, &list)
	if list.SpeakerID != "spk-1" || list.Total != 2 || len(list.Evaluations) != 2 {
		t.Errorf("list = %+v", list)
	}

	rec = do(t, mux, http.MethodGet, "/v1/speakers/spk-1/metrics", nil)
	var m store.SpeakerMetric
	decodeBody(t, rec, &m)
	if rec.Code != http.StatusOK || m.TotalEvaluations != 2 {
		t.Errorf("metric = %d %+v", rec.Code, m)
	}

	rec = do(t, mux, http.MethodPost, "/v1/speakers/spk-1/metrics/rebuild", nil)
	var rebuilt store.SpeakerMetric
	decodeBody(t, rec, &rebuilt)
	if rec.Code != http.StatusOK || rebuilt.TotalEvaluations != 2 {
		t.Errorf("rebuild = %d %+v", rec.Code, rebuilt)
	}

	rec = do(t, mux, http.MethodGet, "/v1/metrics/overall", nil)
	var o store.OverallMetrics
	decodeBody(t, rec, &o)
	if rec.Code != http.StatusOK || o.TotalEvaluations != 2 || o.TotalSpeakers != 1 {
		t.Errorf("overall = %d %+v", rec.Code, o)
	}
}
