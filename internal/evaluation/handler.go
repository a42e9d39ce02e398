package evaluation

import (
	"encoding/json"
	"net/http"

	"github.com/notegrade/notegrade/internal/pkg/errors"
	"github.com/notegrade/notegrade/internal/store"
)

// maxBodyBytes bounds request bodies; score requests carry two full drafts.
const maxBodyBytes = 1 << 20

// Handler provides HTTP handlers for evaluation.
type Handler struct {
	svc *Service
}

// NewHandler creates a new evaluation handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers evaluation routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/evaluations", h.handleEvaluate)
	mux.HandleFunc("GET /v1/evaluations/{id}", h.handleGetEvaluation)
	mux.HandleFunc("POST /v1/score", h.handleScore)
	mux.HandleFunc("GET /v1/speakers/{speaker_id}/metrics", h.handleSpeakerMetric)
	mux.HandleFunc("GET /v1/speakers/{speaker_id}/evaluations", h.handleListEvaluations)
	mux.HandleFunc("POST /v1/speakers/{speaker_id}/metrics/rebuild", h.handleRebuild)
	mux.HandleFunc("GET /v1/metrics/overall", h.handleOverall)
}

// ScoreRequest is the body of POST /v1/score. SemanticSimilarity is
// computed by the configured provider when omitted.
type ScoreRequest struct {
	ReferenceText      string   `json:"reference_text"`
	CandidateText      string   `json:"candidate_text"`
	SemanticSimilarity *float64 `json:"semantic_similarity,omitempty"`
}

// ListEvaluationsResponse is the body of GET /v1/speakers/{id}/evaluations.
type ListEvaluationsResponse struct {
	SpeakerID   string              `json:"speaker_id"`
	Evaluations []*store.Evaluation `json:"evaluations"`
	Total       int                 `json:"total"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.InvalidRequestError("invalid request body: " + err.Error())
	}
	return nil
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := decode(w, r, &req); err != nil {
		errors.WriteError(w, err)
		return
	}

	res, err := h.svc.Evaluate(r.Context(), req)
	if err != nil {
		errors.WriteError(w, err)
		return
	}

	status := http.StatusCreated
	if res.AlreadyEvaluated {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (h *Handler) handleGetEvaluation(w http.ResponseWriter, r *http.Request) {
	e, err := h.svc.GetEvaluation(r.Context(), r.PathValue("id"))
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) handleScore(w http.ResponseWriter, r *http.Request) {
	var req ScoreRequest
	if err := decode(w, r, &req); err != nil {
		errors.WriteError(w, err)
		return
	}

	scores, err := h.svc.Score(r.Context(), req.ReferenceText, req.CandidateText, req.SemanticSimilarity)
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scores)
}

func (h *Handler) handleSpeakerMetric(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.GetSpeakerMetric(r.Context(), r.PathValue("speaker_id"))
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) handleListEvaluations(w http.ResponseWriter, r *http.Request) {
	speakerID := r.PathValue("speaker_id")
	evals, err := h.svc.ListEvaluations(r.Context(), speakerID)
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListEvaluationsResponse{
		SpeakerID:   speakerID,
		Evaluations: evals,
		Total:       len(evals),
	})
}

func (h *Handler) handleRebuild(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.RebuildSpeakerMetric(r.Context(), r.PathValue("speaker_id"))
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) handleOverall(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.GetOverallMetrics(r.Context())
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
