package evaluation

import (
	"context"
	"fmt"

	"github.com/notegrade/notegrade/internal/bus"
	"github.com/notegrade/notegrade/internal/pkg/errors"
	"github.com/notegrade/notegrade/internal/pkg/logger"
)

// EventHandler serves evaluation requests arriving on the bus.
type EventHandler struct {
	svc *Service
	bus bus.Bus
	log *logger.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(svc *Service, b bus.Bus, log *logger.Logger) *EventHandler {
	if log == nil {
		log = logger.Discard()
	}
	return &EventHandler{svc: svc, bus: b, log: log.WithComponent("evaluation-events")}
}

// Start subscribes to bus.TopicEvaluationRequested.
func (h *EventHandler) Start(ctx context.Context) error {
	return h.bus.Subscribe(ctx, bus.TopicEvaluationRequested, h.Handle)
}

// Handle processes one event. Requests carrying a correlation ID are
// answered on the response topic with EvaluationCompleted or
// EvaluationFailed. Failures are always published there.
func (h *EventHandler) Handle(ctx context.Context, event bus.Event) error {
	payload, err := bus.Decode(event)
	if err != nil {
		h.log.WithContext(ctx).Warn("Dropping undecodable event", "event_id", event.ID, "type", event.Type, "error", err)
		return err
	}

	switch p := payload.(type) {
	case bus.EvaluationRequested:
		return h.handleRequested(ctx, event, p)
	case bus.EvaluationCompleted, bus.EvaluationFailed, bus.BucketChanged,
		bus.QualityAlert, bus.SimilarityRequested, bus.SimilarityComputed:
		return fmt.Errorf("unexpected %s event on %s", event.Type, bus.TopicEvaluationRequested)
	default:
		return fmt.Errorf("unhandled payload %T", p)
	}
}

func (h *EventHandler) handleRequested(ctx context.Context, event bus.Event, p bus.EvaluationRequested) error {
	res, err := h.svc.Evaluate(ctx, Request{
		SpeakerID:        p.SpeakerID,
		ReferenceDraftID: p.ReferenceDraftID,
		CandidateID:      p.CandidateID,
		SessionID:        p.SessionID,
	})

	var reply bus.Payload
	if err != nil {
		h.log.WithContext(ctx).WithSpeaker(p.SpeakerID).Warn("Evaluation request failed",
			"event_id", event.ID, "candidate_id", p.CandidateID, "error", err)
		code := errors.CodeOf(err)
		if code == "" {
			code = errors.CodeInternal
		}
		reply = bus.EvaluationFailed{
			SpeakerID:   p.SpeakerID,
			CandidateID: p.CandidateID,
			Code:        code,
			Message:     err.Error(),
		}
	} else {
		reply = completedPayload(res)
	}

	if event.CorrelationID == "" && err == nil {
		// evaluation.completed was already published by the service.
		return nil
	}

	resp, rerr := bus.Reply(event, eventSource, reply)
	if rerr != nil {
		return rerr
	}
	return h.bus.Publish(ctx, bus.ResponseTopic(bus.TopicEvaluationRequested), resp)
}
