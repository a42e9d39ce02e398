// Package evaluation grades candidate notes against their reference drafts
// and keeps per-speaker running statistics.
//
// Engine is the pure pipeline (tokenize, align, score, classify). Recorder
// persists a scored evaluation together with the speaker aggregate in one
// transaction. Service composes both with the draft source, the similarity
// provider and the event bus.
package evaluation

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/notegrade/notegrade/internal/bucket"
	"github.com/notegrade/notegrade/internal/bus"
	"github.com/notegrade/notegrade/internal/config"
	"github.com/notegrade/notegrade/internal/drafts"
	"github.com/notegrade/notegrade/internal/metrics"
	"github.com/notegrade/notegrade/internal/pkg/errors"
	"github.com/notegrade/notegrade/internal/pkg/logger"
	"github.com/notegrade/notegrade/internal/pkg/retry"
	"github.com/notegrade/notegrade/internal/pkg/security"
	"github.com/notegrade/notegrade/internal/scoring"
	"github.com/notegrade/notegrade/internal/similarity"
	"github.com/notegrade/notegrade/internal/store"
)

const (
	tracerName  = "github.com/notegrade/notegrade/internal/evaluation"
	eventSource = "notegrade"
)

// Config parameterizes a Service.
type Config struct {
	Engine        EngineConfig
	Retry         retry.Policy
	TrendCap      int
	DefaultBucket bucket.Bucket
}

// ConfigFrom extracts the service settings from application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Engine: EngineConfig{
			Weights:            cfg.Scoring.Weights(),
			Window:             cfg.Scoring.Window(),
			Thresholds:         cfg.Bucket.Thresholds(),
			SentenceMatchRatio: cfg.Scoring.SentenceMatchRatio,
		},
		Retry:         cfg.Retry.Policy(),
		TrendCap:      cfg.Scoring.TrendCap,
		DefaultBucket: cfg.Bucket.DefaultBucket(),
	}
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Engine:        DefaultEngineConfig(),
		Retry:         retry.DefaultPolicy(),
		TrendCap:      DefaultTrendCap,
		DefaultBucket: bucket.C,
	}
}

// Deps are the collaborators of a Service. Bus, Metrics, Tracer and Log may
// be nil.
type Deps struct {
	Storage    store.Storage
	Drafts     drafts.Source
	Similarity similarity.Provider
	Bus        bus.Bus
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer
	Log        *logger.Logger
}

// Service evaluates candidates and serves speaker statistics.
type Service struct {
	engine        *Engine
	recorder      *Recorder
	storage       store.Storage
	drafts        drafts.Source
	similarity    similarity.Provider
	bus           bus.Bus
	metrics       *metrics.Metrics
	tracer        trace.Tracer
	log           *logger.Logger
	defaultBucket bucket.Bucket
}

// NewService creates a Service.
func NewService(cfg Config, deps Deps) (*Service, error) {
	if deps.Storage == nil || deps.Drafts == nil || deps.Similarity == nil {
		return nil, errors.New(errors.CodeValidation, "evaluation service requires storage, drafts and similarity")
	}
	if deps.Log == nil {
		deps.Log = logger.Discard()
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer(tracerName)
	}

	engine, err := NewEngine(cfg.Engine)
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "invalid scoring configuration", err)
	}
	recorder, err := NewRecorder(deps.Storage, RecorderConfig{
		Retry:         cfg.Retry,
		TrendCap:      cfg.TrendCap,
		DefaultBucket: cfg.DefaultBucket,
	}, deps.Metrics, deps.Tracer, deps.Log)
	if err != nil {
		return nil, err
	}

	return &Service{
		engine:        engine,
		recorder:      recorder,
		storage:       deps.Storage,
		drafts:        deps.Drafts,
		similarity:    deps.Similarity,
		bus:           deps.Bus,
		metrics:       deps.Metrics,
		tracer:        deps.Tracer,
		log:           deps.Log.WithComponent("evaluation"),
		defaultBucket: recorder.defaultBucket,
	}, nil
}

// Evaluate grades one candidate against its reference draft, stores the
// evaluation and updates the speaker aggregate. Evaluating a (speaker,
// candidate) pair again returns the stored record with AlreadyEvaluated set.
func (s *Service) Evaluate(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "evaluation.evaluate", trace.WithAttributes(
		attribute.String("speaker_id", req.SpeakerID),
		attribute.String("candidate_id", req.CandidateID),
	))
	defer span.End()

	res, err := s.evaluate(ctx, req)
	if err != nil {
		code := errors.CodeOf(err)
		s.metrics.RecordEvaluationError(code)
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		return nil, err
	}

	span.SetAttributes(
		attribute.Bool("already_evaluated", res.AlreadyEvaluated),
		attribute.String("bucket", res.Evaluation.BucketRecommended.String()),
	)
	if res.AlreadyEvaluated {
		s.metrics.RecordDuplicate()
		s.log.WithContext(ctx).Info("Candidate already evaluated",
			"speaker_id", req.SpeakerID, "candidate_id", req.CandidateID, "evaluation_id", res.Evaluation.ID)
		return res, nil
	}

	e := res.Evaluation
	s.metrics.RecordEvaluation(metrics.EvaluationOutcome{
		Before:      e.BucketBefore,
		Recommended: e.BucketRecommended,
		Changed:     e.BucketChanged,
		Critical:    e.CriticalLowQuality,
		Quality:     e.QualityScore,
		Improvement: e.ImprovementScore,
	}, time.Since(start))
	s.notify(ctx, res)
	return res, nil
}

func (s *Service) evaluate(ctx context.Context, req Request) (*Result, error) {
	v := security.EvaluationRequestValidator{
		SpeakerID:        req.SpeakerID,
		ReferenceDraftID: req.ReferenceDraftID,
		CandidateID:      req.CandidateID,
		SessionID:        req.SessionID,
	}
	if err := v.Validate(); err != nil {
		return nil, errors.ValidationError(err.Error())
	}

	log := s.log.WithContext(ctx).WithSpeaker(req.SpeakerID)

	// The transactional insert stays authoritative; this only skips the
	// draft fetch and similarity call for known duplicates.
	if existing, err := s.storage.FindEvaluation(ctx, req.SpeakerID, req.CandidateID); err == nil {
		metric, err := s.storage.GetSpeakerMetric(ctx, req.SpeakerID)
		if err != nil {
			return nil, errors.StorageError("loading speaker metric", err)
		}
		return &Result{Evaluation: existing, SpeakerMetric: metric, AlreadyEvaluated: true}, nil
	} else if !stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.StorageError("checking for existing evaluation", err)
	}

	var (
		reference string
		candidate drafts.Candidate
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		reference, err = s.drafts.ReferenceText(gctx, req.ReferenceDraftID)
		return draftErr("reference draft "+req.ReferenceDraftID, err)
	})
	g.Go(func() error {
		var err error
		candidate, err = s.drafts.Candidate(gctx, req.CandidateID)
		return draftErr("candidate "+req.CandidateID, err)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := validateTexts(reference, candidate.Text); err != nil {
		return nil, err
	}

	semantic, err := s.similarity.Similarity(ctx, reference, candidate.Text)
	if err != nil {
		if errors.CodeOf(err) == "" {
			err = errors.SimilarityError("computing semantic similarity", err)
		}
		return nil, err
	}

	scores, err := s.engine.Score(reference, candidate.Text, semantic)
	if err != nil {
		return nil, scoreErr(err)
	}
	if scores.Degenerate {
		log.Warn("Reference has no words, improvement score set to 0", "reference_draft_id", req.ReferenceDraftID)
	}

	rec, err := s.recorder.Record(ctx, &store.Evaluation{
		ID:                         uuid.NewString(),
		SpeakerID:                  req.SpeakerID,
		ReferenceDraftID:           req.ReferenceDraftID,
		CandidateID:                req.CandidateID,
		SessionID:                  req.SessionID,
		ReferenceText:              reference,
		CandidateText:              candidate.Text,
		ReferenceWordCount:         scores.ReferenceWordCount,
		CandidateWordCount:         scores.CandidateWordCount,
		CandidateReportedWordCount: candidate.WordCount,
		CandidateConfidence:        candidate.Confidence,
		SentenceEditRate:           scores.SentenceEditRate,
		WordErrorRate:              scores.WordErrorRate,
		SemanticSimilarity:         scores.SemanticSimilarity,
		QualityScore:               scores.QualityScore,
		ImprovementScore:           scores.ImprovementScore,
		ExpansionRatio:             scores.ExpansionRatio,
		WordEdits:                  scores.WordEdits,
		BucketRecommended:          scores.BucketRecommended,
		CriticalLowQuality:         scores.CriticalLowQuality,
		Degenerate:                 scores.Degenerate,
		CreatedAt:                  time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	if !rec.AlreadyEvaluated {
		log.Debug("Evaluation recorded",
			"evaluation_id", rec.Evaluation.ID,
			"quality_score", rec.Evaluation.QualityScore,
			"improvement_score", rec.Evaluation.ImprovementScore,
			"bucket", rec.Evaluation.BucketRecommended,
		)
	}
	return &Result{
		Evaluation:       rec.Evaluation,
		SpeakerMetric:    rec.SpeakerMetric,
		AlreadyEvaluated: rec.AlreadyEvaluated,
	}, nil
}

// notify publishes the events for a new evaluation. Failures are logged and
// never undo the stored record.
func (s *Service) notify(ctx context.Context, res *Result) {
	e := res.Evaluation
	log := s.log.WithContext(ctx).WithSpeaker(e.SpeakerID)

	if e.BucketChanged {
		log.Info("Speaker bucket changed",
			"from", e.BucketBefore, "to", e.BucketRecommended,
			"direction", bucket.Direction(e.BucketBefore, e.BucketRecommended))
	}
	if e.CriticalLowQuality {
		log.Warn("Critically low quality score", "evaluation_id", e.ID, "quality_score", e.QualityScore)
	}

	if s.bus == nil {
		return
	}

	s.publish(ctx, bus.TopicEvaluationCompleted, completedPayload(res))
	if e.BucketChanged {
		s.publish(ctx, bus.TopicBucketChanged, bus.BucketChanged{
			SpeakerID:         e.SpeakerID,
			EvaluationID:      e.ID,
			From:              e.BucketBefore,
			To:                e.BucketRecommended,
			Direction:         bucket.Direction(e.BucketBefore, e.BucketRecommended),
			BucketChangeCount: res.SpeakerMetric.BucketChangeCount,
		})
	}
	if e.CriticalLowQuality {
		s.publish(ctx, bus.TopicQualityAlert, bus.QualityAlert{
			SpeakerID:    e.SpeakerID,
			EvaluationID: e.ID,
			QualityScore: e.QualityScore,
			Threshold:    s.engine.Thresholds().Critical,
		})
	}
}

func (s *Service) publish(ctx context.Context, topic string, p bus.Payload) {
	event, err := bus.NewEvent(eventSource, p)
	if err == nil {
		err = s.bus.Publish(ctx, topic, event)
	}
	if err != nil {
		s.log.WithContext(ctx).Warn("Failed to publish event", "topic", topic, "error", err)
	}
}

func completedPayload(res *Result) bus.EvaluationCompleted {
	e := res.Evaluation
	return bus.EvaluationCompleted{
		EvaluationID:       e.ID,
		SpeakerID:          e.SpeakerID,
		CandidateID:        e.CandidateID,
		SessionID:          e.SessionID,
		QualityScore:       e.QualityScore,
		ImprovementScore:   e.ImprovementScore,
		BucketBefore:       e.BucketBefore,
		BucketRecommended:  e.BucketRecommended,
		BucketChanged:      e.BucketChanged,
		CriticalLowQuality: e.CriticalLowQuality,
		AlreadyEvaluated:   res.AlreadyEvaluated,
	}
}

// Score computes every derived metric without storing anything. When
// semantic is nil the similarity provider supplies it.
func (s *Service) Score(ctx context.Context, reference, candidate string, semantic *float64) (*Scores, error) {
	if err := validateTexts(reference, candidate); err != nil {
		return nil, err
	}

	var sem float64
	if semantic != nil {
		sem = *semantic
	} else {
		var err error
		sem, err = s.similarity.Similarity(ctx, reference, candidate)
		if err != nil {
			if errors.CodeOf(err) == "" {
				err = errors.SimilarityError("computing semantic similarity", err)
			}
			return nil, err
		}
	}

	scores, err := s.engine.Score(reference, candidate, sem)
	if err != nil {
		return nil, scoreErr(err)
	}
	return &scores, nil
}

// GetEvaluation returns a stored evaluation.
func (s *Service) GetEvaluation(ctx context.Context, id string) (*store.Evaluation, error) {
	e, err := s.storage.GetEvaluation(ctx, id)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.NotFoundError("evaluation " + id)
	}
	if err != nil {
		return nil, errors.StorageError("loading evaluation", err)
	}
	return e, nil
}

// ListEvaluations returns a speaker's evaluations, oldest first. A speaker
// without evaluations yields an empty list.
func (s *Service) ListEvaluations(ctx context.Context, speakerID string) ([]*store.Evaluation, error) {
	evals, err := s.storage.ListEvaluations(ctx, speakerID)
	if err != nil {
		return nil, errors.StorageError("listing evaluations", err)
	}
	if evals == nil {
		evals = []*store.Evaluation{}
	}
	return evals, nil
}

// GetSpeakerMetric returns a speaker's aggregate, or a NOT_FOUND error when
// the speaker has no evaluations.
func (s *Service) GetSpeakerMetric(ctx context.Context, speakerID string) (*store.SpeakerMetric, error) {
	m, err := s.storage.GetSpeakerMetric(ctx, speakerID)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.NotFoundError("speaker " + speakerID)
	}
	if err != nil {
		return nil, errors.StorageError("loading speaker metric", err)
	}
	return m, nil
}

// ListSpeakerMetrics returns every speaker aggregate.
func (s *Service) ListSpeakerMetrics(ctx context.Context) ([]*store.SpeakerMetric, error) {
	ms, err := s.storage.ListSpeakerMetrics(ctx)
	if err != nil {
		return nil, errors.StorageError("listing speaker metrics", err)
	}
	return ms, nil
}

// GetOverallMetrics rolls every speaker aggregate up into one summary.
func (s *Service) GetOverallMetrics(ctx context.Context) (*store.OverallMetrics, error) {
	ms, err := s.ListSpeakerMetrics(ctx)
	if err != nil {
		return nil, err
	}
	return Overall(ms), nil
}

// Overall combines speaker aggregates. Averages are weighted by each
// speaker's evaluation count; the distribution counts speakers by current
// bucket and always lists A, B and C.
func Overall(ms []*store.SpeakerMetric) *store.OverallMetrics {
	out := &store.OverallMetrics{BucketDistribution: make(map[bucket.Bucket]int, len(bucket.All))}
	for _, b := range bucket.All {
		out.BucketDistribution[b] = 0
	}

	var quality, improvement float64
	for _, m := range ms {
		out.TotalSpeakers++
		out.TotalEvaluations += m.TotalEvaluations
		quality += m.AvgQualityScore * float64(m.TotalEvaluations)
		improvement += m.AvgImprovementScore * float64(m.TotalEvaluations)
		if m.CurrentBucket.Valid() {
			out.BucketDistribution[m.CurrentBucket]++
		}
	}
	if out.TotalEvaluations > 0 {
		out.AvgQualityScore = quality / float64(out.TotalEvaluations)
		out.AvgImprovementScore = improvement / float64(out.TotalEvaluations)
	}
	return out
}

// RebuildSpeakerMetric recomputes a speaker's aggregate from the stored
// evaluations.
func (s *Service) RebuildSpeakerMetric(ctx context.Context, speakerID string) (*store.SpeakerMetric, error) {
	if err := security.ValidateID("speaker_id", speakerID); err != nil {
		return nil, errors.ValidationError(err.Error())
	}
	m, err := s.recorder.Rebuild(ctx, speakerID)
	if err != nil {
		return nil, err
	}
	s.log.WithContext(ctx).WithSpeaker(speakerID).Info("Speaker metric rebuilt", "total_evaluations", m.TotalEvaluations)
	return m, nil
}

// CurrentBucket returns the speaker's bucket, or the default bucket for a
// speaker without evaluations.
func (s *Service) CurrentBucket(ctx context.Context, speakerID string) (bucket.Bucket, error) {
	m, err := s.storage.GetSpeakerMetric(ctx, speakerID)
	if stderrors.Is(err, store.ErrNotFound) {
		return s.defaultBucket, nil
	}
	if err != nil {
		return "", errors.StorageError("loading speaker metric", err)
	}
	return m.CurrentBucket, nil
}

// Ping checks the storage backend.
func (s *Service) Ping(ctx context.Context) error {
	return s.storage.Ping(ctx)
}

// validateTexts bounds the drafts handed to the engine, whether they came from
// a caller or from the draft source.
func validateTexts(reference, candidate string) error {
	if err := security.ValidateText("reference_text", reference); err != nil {
		return errors.ValidationError(err.Error())
	}
	if err := security.ValidateText("candidate_text", candidate); err != nil {
		return errors.ValidationError(err.Error())
	}
	return nil
}

func draftErr(what string, err error) error {
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, drafts.ErrNotFound):
		return errors.NotFoundError(what)
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(errors.CodeTimeout, "fetching "+what, err)
	default:
		return errors.Wrap(errors.CodeUnavailable, "fetching "+what, err)
	}
}

func scoreErr(err error) error {
	var me *scoring.MetricError
	if stderrors.As(err, &me) {
		return errors.InvalidMetricError(me.Field, me.Value)
	}
	if stderrors.Is(err, scoring.ErrInvalidMetric) {
		return errors.Wrap(errors.CodeInvalidMetric, "invalid metric", err)
	}
	return errors.InternalError("scoring failed", err)
}
