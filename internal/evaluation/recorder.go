package evaluation

import (
	"context"
	stderrors "errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/notegrade/notegrade/internal/bucket"
	"github.com/notegrade/notegrade/internal/metrics"
	"github.com/notegrade/notegrade/internal/pkg/errors"
	"github.com/notegrade/notegrade/internal/pkg/logger"
	"github.com/notegrade/notegrade/internal/pkg/retry"
	"github.com/notegrade/notegrade/internal/store"
)

// Recorded is the outcome of one Record call.
type Recorded struct {
	Evaluation       *store.Evaluation
	SpeakerMetric    *store.SpeakerMetric
	AlreadyEvaluated bool
}

// Recorder stores evaluations and updates speaker aggregates in one speaker
// transaction, retrying lost races under a bounded policy.
type Recorder struct {
	storage       store.Storage
	retrier       *retry.Retrier
	trendCap      int
	defaultBucket bucket.Bucket
	metrics       *metrics.Metrics
	tracer        trace.Tracer
	log           *logger.Logger
	now           func() time.Time
}

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	Retry         retry.Policy
	TrendCap      int
	DefaultBucket bucket.Bucket
}

// NewRecorder creates a Recorder. m and tracer may be nil.
func NewRecorder(storage store.Storage, cfg RecorderConfig, m *metrics.Metrics, tracer trace.Tracer, log *logger.Logger) (*Recorder, error) {
	if err := cfg.Retry.Validate(); err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "invalid retry policy", err)
	}
	if cfg.TrendCap < 1 {
		cfg.TrendCap = DefaultTrendCap
	}
	if !cfg.DefaultBucket.Valid() {
		cfg.DefaultBucket = bucket.C
	}
	if log == nil {
		log = logger.Discard()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(tracerName)
	}

	r := &Recorder{
		storage:       storage,
		trendCap:      cfg.TrendCap,
		defaultBucket: cfg.DefaultBucket,
		metrics:       m,
		tracer:        tracer,
		log:           log.WithComponent("recorder"),
		now:           time.Now,
	}
	r.retrier = retry.New(cfg.Retry, r.log).OnRetry(func(string, int, error) {
		m.RecordTxRetry()
	})
	return r, nil
}

// Record inserts e unless the speaker already has an evaluation of
// e.CandidateID, and folds it into the speaker aggregate. The prior bucket is
// read inside the transaction, so e.BucketBefore and e.BucketChanged are set
// here. When a record already exists it is returned unchanged with
// AlreadyEvaluated set.
func (r *Recorder) Record(ctx context.Context, e *store.Evaluation) (*Recorded, error) {
	ctx, span := r.tracer.Start(ctx, "evaluation.record", trace.WithAttributes(
		attribute.String("speaker_id", e.SpeakerID),
		attribute.String("candidate_id", e.CandidateID),
	))
	defer span.End()

	out, err := retry.Do(ctx, r.retrier, "record evaluation", isConflict,
		func(ctx context.Context, attempt int) (*Recorded, error) {
			span.SetAttributes(attribute.Int("attempts", attempt))
			return r.recordOnce(ctx, e)
		})
	if err != nil {
		span.RecordError(err)
		return nil, r.mapErr(e.SpeakerID, err)
	}
	return out, nil
}

func (r *Recorder) recordOnce(ctx context.Context, in *store.Evaluation) (*Recorded, error) {
	var out Recorded
	err := r.storage.WithinSpeaker(ctx, in.SpeakerID, func(ctx context.Context, tx store.Tx) error {
		existing, err := tx.FindEvaluation(ctx, in.CandidateID)
		switch {
		case err == nil:
			metric, err := tx.GetSpeakerMetric(ctx)
			if err != nil {
				return err
			}
			out = Recorded{Evaluation: existing, SpeakerMetric: metric, AlreadyEvaluated: true}
			return nil
		case !stderrors.Is(err, store.ErrNotFound):
			return err
		}

		prev, err := tx.GetSpeakerMetric(ctx)
		if err != nil && !stderrors.Is(err, store.ErrNotFound) {
			return err
		}

		e := in.Clone()
		e.BucketBefore = r.defaultBucket
		if prev != nil {
			e.BucketBefore = prev.CurrentBucket
		}
		e.BucketChanged = bucket.Changed(e.BucketBefore, e.BucketRecommended)

		if err := tx.InsertEvaluation(ctx, e); err != nil {
			return err
		}
		metric := Apply(prev, e, r.trendCap, r.now().UTC())
		if err := tx.SaveSpeakerMetric(ctx, metric); err != nil {
			return err
		}

		out = Recorded{Evaluation: e, SpeakerMetric: metric}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Rebuild recomputes a speaker's aggregate from every stored evaluation.
func (r *Recorder) Rebuild(ctx context.Context, speakerID string) (*store.SpeakerMetric, error) {
	ctx, span := r.tracer.Start(ctx, "evaluation.rebuild", trace.WithAttributes(
		attribute.String("speaker_id", speakerID),
	))
	defer span.End()

	out, err := retry.Do(ctx, r.retrier, "rebuild speaker metric", isConflict,
		func(ctx context.Context, _ int) (*store.SpeakerMetric, error) {
			var metric *store.SpeakerMetric
			err := r.storage.WithinSpeaker(ctx, speakerID, func(ctx context.Context, tx store.Tx) error {
				evals, err := tx.ListEvaluations(ctx)
				if err != nil {
					return err
				}
				if len(evals) == 0 {
					return store.ErrNotFound
				}
				metric = Fold(evals, r.trendCap, r.now().UTC())
				return tx.SaveSpeakerMetric(ctx, metric)
			})
			return metric, err
		})
	if err != nil {
		span.RecordError(err)
		return nil, r.mapErr(speakerID, err)
	}
	return out, nil
}

func (r *Recorder) mapErr(speakerID string, err error) error {
	var exhausted *retry.ExhaustedError
	switch {
	case stderrors.As(err, &exhausted):
		r.metrics.RecordTxConflictExhausted()
		r.log.WithSpeaker(speakerID).Error("Speaker transaction kept conflicting", "attempts", exhausted.Attempts)
		return errors.ConflictError(speakerID, exhausted.Attempts, err)
	case stderrors.Is(err, store.ErrNotFound):
		return errors.NotFoundError("speaker " + speakerID)
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(errors.CodeTimeout, "evaluation abandoned before commit", err)
	default:
		return errors.StorageError("recording evaluation", err)
	}
}

// isConflict reports a lost race. A lost insert race resolves on the next
// attempt, which finds the winner's record.
func isConflict(err error) bool {
	return stderrors.Is(err, store.ErrConflict) || stderrors.Is(err, store.ErrAlreadyExists)
}
