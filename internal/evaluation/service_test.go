package evaluation

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/notegrade/notegrade/internal/bucket"
	"github.com/notegrade/notegrade/internal/bus"
	"github.com/notegrade/notegrade/internal/drafts"
	"github.com/notegrade/notegrade/internal/metrics"
	"github.com/notegrade/notegrade/internal/pkg/errors"
	"github.com/notegrade/notegrade/internal/pkg/retry"
	"github.com/notegrade/notegrade/internal/pkg/security"
	"github.com/notegrade/notegrade/internal/similarity"
	"github.com/notegrade/notegrade/internal/store"
)

const (
	refText      = "Patient has diabetis and hypertension."
	goodText     = "Patient has diabetes and hypertension."
	poorText     = "Unrelated words entirely."
	goodSemantic = 0.5
)

type fixedSimilarity struct {
	score float64
	err   error
	calls atomic.Int32
	hook  func(ctx context.Context)
}

func (f *fixedSimilarity) Name() string { return "fixed" }

func (f *fixedSimilarity) Similarity(ctx context.Context, a, b string) (float64, error) {
	f.calls.Add(1)
	if f.hook != nil {
		f.hook(ctx)
	}
	return f.score, f.err
}

// conflictingStorage fails the first n speaker transactions with ErrConflict.
type conflictingStorage struct {
	store.Storage
	remaining atomic.Int32
}

func (c *conflictingStorage) WithinSpeaker(ctx context.Context, speakerID string, fn func(ctx context.Context, tx store.Tx) error) error {
	if c.remaining.Add(-1) >= 0 {
		return store.ErrConflict
	}
	return c.Storage.WithinSpeaker(ctx, speakerID, fn)
}

type testEnv struct {
	svc     *Service
	storage *store.MemoryStorage
	drafts  *drafts.MemorySource
	sim     *fixedSimilarity
	bus     *bus.MemoryBus
	metrics *metrics.Metrics
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 1}
}

func newTestEnv(t *testing.T, wrap func(store.Storage) store.Storage) *testEnv {
	t.Helper()

	env := &testEnv{
		storage: store.NewMemoryStorage(),
		drafts:  drafts.NewMemorySource(),
		sim:     &fixedSimilarity{score: goodSemantic},
		bus:     bus.NewMemoryBus(nil),
		metrics: metrics.New(),
	}
	t.Cleanup(func() { _ = env.bus.Close() })

	env.drafts.PutReference("ref-1", refText)
	env.drafts.PutCandidate(drafts.Candidate{ID: "cand-good", Text: goodText, WordCount: 5, Confidence: 0.9})
	env.drafts.PutCandidate(drafts.Candidate{ID: "cand-poor", Text: poorText, WordCount: 3, Confidence: 0.4})

	var storage store.Storage = env.storage
	if wrap != nil {
		storage = wrap(storage)
	}

	cfg := DefaultConfig()
	cfg.Retry = fastRetry()
	svc, err := NewService(cfg, Deps{
		Storage:    storage,
		Drafts:     env.drafts,
		Similarity: env.sim,
		Bus:        env.bus,
		Metrics:    env.metrics,
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	env.svc = svc
	return env
}

func req(candidateID string) Request {
	return Request{SpeakerID: "spk-1", ReferenceDraftID: "ref-1", CandidateID: candidateID, SessionID: "sess-1"}
}

func TestService_EvaluateNew(t *testing.T) {
	env := newTestEnv(t, nil)

	res, err := env.svc.Evaluate(context.Background(), req("cand-good"))
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if res.AlreadyEvaluated {
		t.Error("first evaluation reported as duplicate")
	}

	e := res.Evaluation
	if e.ID == "" {
		t.Error("evaluation has no ID")
	}
	if e.BucketBefore != bucket.C || e.BucketRecommended != bucket.B || !e.BucketChanged {
		t.Errorf("buckets = %s -> %s changed=%v, want C -> B changed", e.BucketBefore, e.BucketRecommended, e.BucketChanged)
	}
	if e.SentenceEditRate != 0 || math.Abs(e.WordErrorRate-0.2) > 1e-9 {
		t.Errorf("SER=%v WER=%v, want 0 and 0.2", e.SentenceEditRate, e.WordErrorRate)
	}
	if e.CandidateReportedWordCount != 5 || e.CandidateConfidence != 0.9 {
		t.Errorf("candidate metadata not kept: %+v", e)
	}
	if e.ReferenceText != refText || e.CandidateText != goodText {
		t.Error("texts not stored")
	}

	m := res.SpeakerMetric
	if m.TotalEvaluations != 1 || m.CurrentBucket != bucket.B || m.BucketChangeCount != 1 {
		t.Errorf("metric = %+v", m)
	}

	stored, err := env.svc.GetEvaluation(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("GetEvaluation() error = %v", err)
	}
	if stored.QualityScore != e.QualityScore {
		t.Errorf("stored quality = %v, want %v", stored.QualityScore, e.QualityScore)
	}

	if v := testutil.ToFloat64(env.metrics.Evaluations.WithLabelValues("B")); v != 1 {
		t.Errorf("evaluations{bucket=B} = %v, want 1", v)
	}
	if v := testutil.ToFloat64(env.metrics.BucketChanges.WithLabelValues("C", "B")); v != 1 {
		t.Errorf("bucket_changes{C,B} = %v, want 1", v)
	}
}

func TestService_EvaluateIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	first, err := env.svc.Evaluate(ctx, req("cand-good"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.svc.Evaluate(ctx, req("cand-good"))
	if err != nil {
		t.Fatalf("second Evaluate() error = %v", err)
	}

	if !second.AlreadyEvaluated {
		t.Error("second call should report AlreadyEvaluated")
	}
	if second.Evaluation.ID != first.Evaluation.ID {
		t.Errorf("second call returned %s, want existing %s", second.Evaluation.ID, first.Evaluation.ID)
	}
	if second.SpeakerMetric.TotalEvaluations != 1 {
		t.Errorf("TotalEvaluations = %d, want 1", second.SpeakerMetric.TotalEvaluations)
	}
	if n := env.sim.calls.Load(); n != 1 {
		t.Errorf("similarity called %d times, want 1", n)
	}

	evals, _ := env.svc.ListEvaluations(ctx, "spk-1")
	if len(evals) != 1 {
		t.Errorf("stored %d evaluations, want 1", len(evals))
	}
	if v := testutil.ToFloat64(env.metrics.DuplicateEvaluations); v != 1 {
		t.Errorf("duplicates = %v, want 1", v)
	}
}

func TestService_ConcurrentDuplicates(t *testing.T) {
	env := newTestEnv(t, nil)

	var wg sync.WaitGroup
	var fresh atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.svc.Evaluate(context.Background(), req("cand-good"))
			if err != nil {
				t.Errorf("Evaluate() error = %v", err)
				return
			}
			if !res.AlreadyEvaluated {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := fresh.Load(); n != 1 {
		t.Errorf("%d calls created an evaluation, want exactly 1", n)
	}
	m, err := env.svc.GetSpeakerMetric(context.Background(), "spk-1")
	if err != nil {
		t.Fatal(err)
	}
	if m.TotalEvaluations != 1 {
		t.Errorf("TotalEvaluations = %d, want 1", m.TotalEvaluations)
	}
}

func TestService_ConcurrentSameSpeaker(t *testing.T) {
	env := newTestEnv(t, nil)
	const n = 16
	for i := 0; i < n; i++ {
		env.drafts.PutCandidate(drafts.Candidate{ID: fmt.Sprintf("cand-%d", i), Text: goodText})
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := env.svc.Evaluate(context.Background(), req(fmt.Sprintf("cand-%d", i))); err != nil {
				t.Errorf("Evaluate(cand-%d) error = %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	ctx := context.Background()
	m, err := env.svc.GetSpeakerMetric(ctx, "spk-1")
	if err != nil {
		t.Fatal(err)
	}
	evals, _ := env.svc.ListEvaluations(ctx, "spk-1")
	if m.TotalEvaluations != n || len(evals) != n {
		t.Fatalf("TotalEvaluations = %d, stored = %d, want %d", m.TotalEvaluations, len(evals), n)
	}

	changed := 0
	var sum float64
	for _, e := range evals {
		sum += e.QualityScore
		if e.BucketChanged {
			changed++
		}
	}
	if changed != 1 || m.BucketChangeCount != changed {
		t.Errorf("BucketChangeCount = %d, changed records = %d, want 1", m.BucketChangeCount, changed)
	}
	if math.Abs(m.AvgQualityScore-sum/n) > 1e-9 {
		t.Errorf("AvgQualityScore = %v, want mean %v", m.AvgQualityScore, sum/n)
	}
}

func TestService_MeanAcrossDifferentScores(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	var sum float64
	ids := []string{"cand-good", "cand-poor", "cand-extra"}
	env.drafts.PutCandidate(drafts.Candidate{ID: "cand-extra", Text: "Patient has diabetes, hypertension and asthma."})
	for _, id := range ids {
		res, err := env.svc.Evaluate(ctx, req(id))
		if err != nil {
			t.Fatalf("Evaluate(%s) error = %v", id, err)
		}
		sum += res.Evaluation.QualityScore
	}

	m, _ := env.svc.GetSpeakerMetric(ctx, "spk-1")
	if math.Abs(m.AvgQualityScore-sum/3) > 1e-9 {
		t.Errorf("AvgQualityScore = %v, want %v", m.AvgQualityScore, sum/3)
	}
	if len(m.Trend) != 3 {
		t.Errorf("len(Trend) = %d, want 3", len(m.Trend))
	}
}

func TestService_EvaluateErrors(t *testing.T) {
	tests := []struct {
		name     string
		req      Request
		simErr   error
		wantCode string
	}{
		{"missing speaker", Request{ReferenceDraftID: "ref-1", CandidateID: "cand-good"}, nil, errors.CodeValidation},
		{"bad candidate id", Request{SpeakerID: "spk-1", ReferenceDraftID: "ref-1", CandidateID: "../etc"}, nil, errors.CodeValidation},
		{"unknown reference", Request{SpeakerID: "spk-1", ReferenceDraftID: "ref-x", CandidateID: "cand-good"}, nil, errors.CodeNotFound},
		{"unknown candidate", Request{SpeakerID: "spk-1", ReferenceDraftID: "ref-1", CandidateID: "cand-x"}, nil, errors.CodeNotFound},
		{"similarity down", req("cand-good"), stderrors.New("provider offline"), errors.CodeSimilarityError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.sim.err = tt.simErr

			_, err := env.svc.Evaluate(context.Background(), tt.req)
			if got := errors.CodeOf(err); got != tt.wantCode {
				t.Fatalf("Evaluate() code = %q (err %v), want %q", got, err, tt.wantCode)
			}

			if _, err := env.storage.GetSpeakerMetric(context.Background(), "spk-1"); !stderrors.Is(err, store.ErrNotFound) {
				t.Error("failed evaluation left a speaker metric behind")
			}
			if v := testutil.ToFloat64(env.metrics.EvaluationErrors.WithLabelValues(tt.wantCode)); v != 1 {
				t.Errorf("evaluation_errors{%s} = %v, want 1", tt.wantCode, v)
			}
		})
	}
}

func TestService_InvalidSimilarityIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sim.score = 1.5

	_, err := env.svc.Evaluate(context.Background(), req("cand-good"))
	if !errors.IsInvalidMetric(err) {
		t.Fatalf("Evaluate() error = %v, want INVALID_METRIC", err)
	}
	if evals, _ := env.storage.ListEvaluations(context.Background(), "spk-1"); len(evals) != 0 {
		t.Error("invalid metric was stored")
	}
}

func TestService_OutOfRangeProviderScoreIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sim.score = 1.7

	svc, err := NewService(DefaultConfig(), Deps{
		Storage:    env.storage,
		Drafts:     env.drafts,
		Similarity: similarity.NewFallback([]similarity.Provider{env.sim, similarity.NewLexicalProvider()}, 0, env.metrics, nil),
		Metrics:    env.metrics,
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	_, err = svc.Evaluate(context.Background(), req("cand-good"))
	if !errors.IsInvalidMetric(err) {
		t.Fatalf("Evaluate() error = %v, want INVALID_METRIC", err)
	}
	if evals, _ := env.storage.ListEvaluations(context.Background(), "spk-1"); len(evals) != 0 {
		t.Error("invalid metric was stored")
	}
	if _, err := env.storage.GetSpeakerMetric(context.Background(), "spk-1"); !stderrors.Is(err, store.ErrNotFound) {
		t.Error("invalid metric touched the speaker aggregate")
	}
}

func TestService_OversizedDraftIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	env.drafts.PutCandidate(drafts.Candidate{
		ID:   "cand-huge",
		Text: strings.Repeat("word ", security.MaxTextLength/5+1),
	})

	_, err := env.svc.Evaluate(context.Background(), req("cand-huge"))
	if got := errors.CodeOf(err); got != errors.CodeValidation {
		t.Fatalf("Evaluate() code = %q (err %v), want %q", got, err, errors.CodeValidation)
	}
	if env.sim.calls.Load() != 0 {
		t.Error("oversized draft reached the similarity provider")
	}
	if evals, _ := env.storage.ListEvaluations(context.Background(), "spk-1"); len(evals) != 0 {
		t.Error("oversized draft was stored")
	}
}

func TestService_AbandonedBeforeCommit(t *testing.T) {
	env := newTestEnv(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	env.sim.hook = func(context.Context) { cancel() }

	if _, err := env.svc.Evaluate(ctx, req("cand-good")); err == nil {
		t.Fatal("Evaluate() should fail once the caller gives up")
	}
	if evals, _ := env.storage.ListEvaluations(context.Background(), "spk-1"); len(evals) != 0 {
		t.Error("abandoned evaluation was stored")
	}
}

func TestService_RetriesConflicts(t *testing.T) {
	var cs *conflictingStorage
	env := newTestEnv(t, func(s store.Storage) store.Storage {
		cs = &conflictingStorage{Storage: s}
		return cs
	})
	cs.remaining.Store(2)

	res, err := env.svc.Evaluate(context.Background(), req("cand-good"))
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if res.SpeakerMetric.TotalEvaluations != 1 {
		t.Errorf("TotalEvaluations = %d, want 1", res.SpeakerMetric.TotalEvaluations)
	}
	if v := testutil.ToFloat64(env.metrics.TxRetries); v != 2 {
		t.Errorf("tx_retries = %v, want 2", v)
	}
}

func TestService_ConflictExhausted(t *testing.T) {
	var cs *conflictingStorage
	env := newTestEnv(t, func(s store.Storage) store.Storage {
		cs = &conflictingStorage{Storage: s}
		return cs
	})
	cs.remaining.Store(100)

	_, err := env.svc.Evaluate(context.Background(), req("cand-good"))
	if !errors.IsConflict(err) {
		t.Fatalf("Evaluate() error = %v, want TRANSACTION_CONFLICT", err)
	}
	if v := testutil.ToFloat64(env.metrics.TxConflictsExhausted); v != 1 {
		t.Errorf("tx_conflicts_exhausted = %v, want 1", v)
	}
	if evals, _ := env.storage.ListEvaluations(context.Background(), "spk-1"); len(evals) != 0 {
		t.Error("conflicting evaluation was stored")
	}
}

func TestService_PublishesEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	var mu sync.Mutex
	got := map[bus.EventKind][]bus.Payload{}
	for _, topic := range []string{bus.TopicEvaluationCompleted, bus.TopicBucketChanged, bus.TopicQualityAlert} {
		_ = env.bus.Subscribe(ctx, topic, func(ctx context.Context, e bus.Event) error {
			p, err := bus.Decode(e)
			if err != nil {
				return err
			}
			mu.Lock()
			got[e.Type] = append(got[e.Type], p)
			mu.Unlock()
			return nil
		})
	}

	env.sim.score = goodSemantic
	if _, err := env.svc.Evaluate(ctx, req("cand-good")); err != nil {
		t.Fatal(err)
	}
	env.sim.score = 0.1
	if _, err := env.svc.Evaluate(ctx, req("cand-poor")); err != nil {
		t.Fatal(err)
	}
	// A duplicate publishes nothing.
	if _, err := env.svc.Evaluate(ctx, req("cand-poor")); err != nil {
		t.Fatal(err)
	}
	env.bus.DrainTimeout(time.Second)

	mu.Lock()
	defer mu.Unlock()

	if n := len(got[bus.KindEvaluationCompleted]); n != 2 {
		t.Errorf("evaluation.completed events = %d, want 2", n)
	}

	changes := got[bus.KindBucketChanged]
	if len(changes) != 2 {
		t.Fatalf("bucket.changed events = %d, want 2", len(changes))
	}
	sawDemotion := false
	for _, p := range changes {
		c := p.(bus.BucketChanged)
		if c.From == bucket.B && c.To == bucket.C && c.Direction == "demoted" && c.BucketChangeCount == 2 {
			sawDemotion = true
		}
	}
	if !sawDemotion {
		t.Errorf("no B -> C demotion among %+v", changes)
	}

	alerts := got[bus.KindQualityAlert]
	if len(alerts) != 1 {
		t.Fatalf("quality.alert events = %d, want 1", len(alerts))
	}
	if a := alerts[0].(bus.QualityAlert); a.Threshold != 0.5 || a.QualityScore >= 0.5 {
		t.Errorf("alert = %+v", a)
	}
}

func TestService_NoBus(t *testing.T) {
	env := newTestEnv(t, nil)
	env.svc.bus = nil
	if _, err := env.svc.Evaluate(context.Background(), req("cand-good")); err != nil {
		t.Fatalf("Evaluate() without bus error = %v", err)
	}
}

func TestService_Reads(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.svc.GetSpeakerMetric(ctx, "spk-1"); !errors.IsNotFound(err) {
		t.Errorf("GetSpeakerMetric() before any evaluation = %v, want NOT_FOUND", err)
	}
	if _, err := env.svc.GetEvaluation(ctx, "missing"); !errors.IsNotFound(err) {
		t.Errorf("GetEvaluation(missing) = %v, want NOT_FOUND", err)
	}
	evals, err := env.svc.ListEvaluations(ctx, "spk-1")
	if err != nil || evals == nil || len(evals) != 0 {
		t.Errorf("ListEvaluations() = %v, %v; want empty non-nil", evals, err)
	}
	b, err := env.svc.CurrentBucket(ctx, "spk-1")
	if err != nil || b != bucket.C {
		t.Errorf("CurrentBucket() = %s, %v; want default C", b, err)
	}

	if _, err := env.svc.Evaluate(ctx, req("cand-good")); err != nil {
		t.Fatal(err)
	}
	other := req("cand-poor")
	other.SpeakerID = "spk-2"
	if _, err := env.svc.Evaluate(ctx, other); err != nil {
		t.Fatal(err)
	}

	b, _ = env.svc.CurrentBucket(ctx, "spk-1")
	if b != bucket.B {
		t.Errorf("CurrentBucket() = %s, want B", b)
	}

	o, err := env.svc.GetOverallMetrics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if o.TotalEvaluations != 2 || o.TotalSpeakers != 2 {
		t.Errorf("overall = %+v", o)
	}
	if o.BucketDistribution[bucket.B] != 1 || o.BucketDistribution[bucket.C] != 1 || o.BucketDistribution[bucket.A] != 0 {
		t.Errorf("distribution = %v", o.BucketDistribution)
	}
}

func TestService_Rebuild(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for _, id := range []string{"cand-good", "cand-poor"} {
		if _, err := env.svc.Evaluate(ctx, req(id)); err != nil {
			t.Fatal(err)
		}
	}
	want, _ := env.svc.GetSpeakerMetric(ctx, "spk-1")

	// Corrupt the aggregate behind the service's back.
	err := env.storage.WithinSpeaker(ctx, "spk-1", func(ctx context.Context, tx store.Tx) error {
		bad := want.Clone()
		bad.TotalEvaluations = 99
		bad.AvgQualityScore = 0
		return tx.SaveSpeakerMetric(ctx, bad)
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := env.svc.RebuildSpeakerMetric(ctx, "spk-1")
	if err != nil {
		t.Fatalf("RebuildSpeakerMetric() error = %v", err)
	}
	if got.TotalEvaluations != want.TotalEvaluations ||
		math.Abs(got.AvgQualityScore-want.AvgQualityScore) > 1e-12 ||
		got.BucketChangeCount != want.BucketChangeCount ||
		got.CurrentBucket != want.CurrentBucket {
		t.Errorf("rebuilt = %+v, want %+v", got, want)
	}

	if _, err := env.svc.RebuildSpeakerMetric(ctx, "spk-none"); !errors.IsNotFound(err) {
		t.Errorf("RebuildSpeakerMetric(unknown) = %v, want NOT_FOUND", err)
	}
}

func TestService_Score(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	sem := 0.9
	got, err := env.svc.Score(ctx, refText, goodText, &sem)
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if got.SemanticSimilarity != 0.9 {
		t.Errorf("SemanticSimilarity = %v, want supplied 0.9", got.SemanticSimilarity)
	}
	if env.sim.calls.Load() != 0 {
		t.Error("provider called despite supplied similarity")
	}

	got, err = env.svc.Score(ctx, refText, goodText, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.SemanticSimilarity != goodSemantic {
		t.Errorf("SemanticSimilarity = %v, want provider's %v", got.SemanticSimilarity, goodSemantic)
	}

	bad := 2.0
	if _, err := env.svc.Score(ctx, refText, goodText, &bad); !errors.IsInvalidMetric(err) {
		t.Errorf("Score(sem=2) error = %v, want INVALID_METRIC", err)
	}

	if evals, _ := env.storage.ListEvaluations(ctx, "spk-1"); len(evals) != 0 {
		t.Error("Score() stored an evaluation")
	}
}

func TestNewService_RequiresDeps(t *testing.T) {
	if _, err := NewService(DefaultConfig(), Deps{}); err == nil {
		t.Error("NewService() without deps should fail")
	}

	cfg := DefaultConfig()
	cfg.Retry.MaxAttempts = 0
	_, err := NewService(cfg, Deps{
		Storage:    store.NewMemoryStorage(),
		Drafts:     drafts.NewMemorySource(),
		Similarity: &fixedSimilarity{},
	})
	if err == nil {
		t.Error("NewService() with invalid retry policy should fail")
	}
}
