package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type recordedPublish struct {
	Topic  string
	Kind   string
	Failed bool
}

type fakeRecorder struct {
	mu   sync.Mutex
	seen []recordedPublish
}

func (r *fakeRecorder) RecordBusPublish(topic, kind string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, recordedPublish{Topic: topic, Kind: kind, Failed: err != nil})
}

func TestInstrumentedBus(t *testing.T) {
	inner := NewMemoryBus(nil)
	rec := &fakeRecorder{}
	b := NewInstrumentedBus(inner, rec)
	defer b.Close()

	ctx := context.Background()
	err := b.Subscribe(ctx, TopicEvaluationRequested, func(ctx context.Context, event Event) error {
		p, err := Decode(event)
		if err != nil {
			return err
		}
		var reply Payload = EvaluationCompleted{SpeakerID: "spk-1", CandidateID: "cand-1"}
		if p.(EvaluationRequested).CandidateID == "missing" {
			reply = EvaluationFailed{SpeakerID: "spk-1", CandidateID: "missing", Code: "NOT_FOUND", Message: "candidate draft missing"}
		}
		resp, err := Reply(event, "test", reply)
		if err != nil {
			return err
		}
		return inner.Publish(ctx, ResponseTopic(TopicEvaluationRequested), resp)
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	alert, err := NewEvent("test", QualityAlert{SpeakerID: "spk-1", QualityScore: 0.1, Threshold: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(ctx, TopicQualityAlert, alert); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	for _, cand := range []string{"cand-1", "missing"} {
		req, err := NewEvent("test", EvaluationRequested{SpeakerID: "spk-1", CandidateID: cand})
		if err != nil {
			t.Fatal(err)
		}
		reqCtx, cancel := context.WithTimeout(ctx, time.Second)
		_, err = b.Request(reqCtx, TopicEvaluationRequested, req)
		cancel()
		if err != nil {
			t.Fatalf("Request(%s) failed: %v", cand, err)
		}
	}

	want := []recordedPublish{
		{Topic: TopicQualityAlert, Kind: string(KindQualityAlert)},
		{Topic: TopicEvaluationRequested, Kind: string(KindEvaluationRequested)},
		{Topic: TopicEvaluationRequested, Kind: string(KindEvaluationRequested), Failed: true},
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if diff := cmp.Diff(want, rec.seen); diff != "" {
		t.Errorf("recorded mismatch (-want +got):\n%s", diff)
	}
}

func TestFailedReply(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		failed  bool
	}{
		{"completed", EvaluationCompleted{SpeakerID: "spk-1"}, false},
		{"failed", EvaluationFailed{SpeakerID: "spk-1", Code: "NOT_FOUND"}, true},
		{"similarity", SimilarityComputed{Score: 0.4}, false},
		{"similarity error", SimilarityComputed{Error: "provider returned NaN"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewEvent("test", tt.payload)
			if err != nil {
				t.Fatal(err)
			}
			if got := failedReply(e) != nil; got != tt.failed {
				t.Errorf("failedReply() failed = %v, want %v", got, tt.failed)
			}
		})
	}
}
