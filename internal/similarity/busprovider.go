package similarity

import (
	"context"
	"fmt"
	"math"

	"github.com/notegrade/notegrade/internal/bus"
	"github.com/notegrade/notegrade/internal/pkg/logger"
)

const busSource = "similarity"

// BusProvider asks a remote similarity service over the event bus.
type BusProvider struct {
	bus bus.Bus
}

// NewBusProvider creates a provider that requests scores on
// bus.TopicSimilarityRequested.
func NewBusProvider(b bus.Bus) *BusProvider {
	return &BusProvider{bus: b}
}

// Name implements Provider.
func (p *BusProvider) Name() string { return "bus" }

// Similarity implements Provider.
func (p *BusProvider) Similarity(ctx context.Context, a, b string) (float64, error) {
	req, err := bus.NewEvent(busSource, bus.SimilarityRequested{TextA: a, TextB: b})
	if err != nil {
		return 0, err
	}

	resp, err := p.bus.Request(ctx, bus.TopicSimilarityRequested, req)
	if err != nil {
		return 0, err
	}

	payload, err := bus.Decode(resp)
	if err != nil {
		return 0, err
	}
	computed, ok := payload.(bus.SimilarityComputed)
	if !ok {
		return 0, fmt.Errorf("unexpected similarity response %s", resp.Type)
	}
	if computed.Error != "" {
		return 0, fmt.Errorf("remote similarity: %s", computed.Error)
	}
	return computed.Score, nil
}

// Responder answers similarity requests from the bus with a local provider.
type Responder struct {
	bus      bus.Bus
	provider Provider
	log      *logger.Logger
}

// NewResponder creates a responder backed by provider.
func NewResponder(b bus.Bus, provider Provider, log *logger.Logger) *Responder {
	if log == nil {
		log = logger.Discard()
	}
	return &Responder{bus: b, provider: provider, log: log.WithComponent("similarity-responder")}
}

// Start subscribes to bus.TopicSimilarityRequested.
func (r *Responder) Start(ctx context.Context) error {
	return r.bus.Subscribe(ctx, bus.TopicSimilarityRequested, r.handle)
}

func (r *Responder) handle(ctx context.Context, event bus.Event) error {
	payload, err := bus.Decode(event)
	if err != nil {
		return err
	}
	req, ok := payload.(bus.SimilarityRequested)
	if !ok {
		return fmt.Errorf("unexpected event %s on %s", event.Type, bus.TopicSimilarityRequested)
	}

	result := bus.SimilarityComputed{Model: r.provider.Name()}
	score, err := r.provider.Similarity(ctx, req.TextA, req.TextB)
	if err != nil {
		r.log.WithContext(ctx).Warn("Similarity request failed", "event_id", event.ID, "error", err)
		result.Error = err.Error()
	} else if math.IsNaN(score) {
		result.Error = "provider returned NaN"
	} else {
		result.Score = score
	}

	resp, err := bus.Reply(event, busSource, result)
	if err != nil {
		return err
	}
	return r.bus.Publish(ctx, bus.ResponseTopic(bus.TopicSimilarityRequested), resp)
}
