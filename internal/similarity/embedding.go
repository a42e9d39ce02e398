package similarity

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/notegrade/notegrade/internal/pkg/hash"
)

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// ModelID identifies the model; it is part of every cache key.
	ModelID() string
}

// EmbeddingProvider scores two texts by the cosine similarity of their
// embeddings. Negative cosines clamp to 0.
type EmbeddingProvider struct {
	embedder Embedder
	cache    Cache
}

// NewEmbeddingProvider creates a provider. cache may be nil.
func NewEmbeddingProvider(embedder Embedder, cache Cache) *EmbeddingProvider {
	return &EmbeddingProvider{embedder: embedder, cache: cache}
}

// Name implements Provider.
func (p *EmbeddingProvider) Name() string { return "embedding" }

// Similarity implements Provider.
func (p *EmbeddingProvider) Similarity(ctx context.Context, a, b string) (float64, error) {
	if strings.TrimSpace(a) == "" && strings.TrimSpace(b) == "" {
		return 1, nil
	}
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return 0, nil
	}

	va, err := p.embed(ctx, a)
	if err != nil {
		return 0, err
	}
	vb, err := p.embed(ctx, b)
	if err != nil {
		return 0, err
	}

	cos, err := Cosine(va, vb)
	if err != nil {
		return 0, err
	}
	// Opposed vectors count as unrelated.
	return Clamp(cos), nil
}

func (p *EmbeddingProvider) embed(ctx context.Context, text string) ([]float32, error) {
	model := p.embedder.ModelID()
	key := hash.EmbeddingKey(model, text)

	if p.cache != nil {
		if vec, ok, err := p.cache.Get(ctx, key); err == nil && ok {
			return vec, nil
		}
	}

	vec, err := p.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if p.cache != nil {
		// A failed cache write only costs a future lookup.
		_ = p.cache.Put(ctx, key, model, vec)
	}
	return vec, nil
}

// Cosine returns the cosine similarity of a and b in [-1,1].
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("embedding dimensions differ: %d vs %d", len(a), len(b))
	}

	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, fmt.Errorf("zero-length embedding")
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = oai.EmbeddingModelTextEmbedding3Small

// OpenAIEmbedder embeds text with the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client oai.Client
	model  string
}

// NewOpenAIEmbedder creates an embedder. baseURL may point at any
// OpenAI-compatible endpoint; empty keeps the default.
func NewOpenAIEmbedder(apiKey, baseURL, model string, timeout time.Duration) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embeddings: api key must not be empty")
	}
	if model == "" {
		model = DefaultOpenAIModel
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if timeout > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: timeout}))
	}

	return &OpenAIEmbedder{client: oai.NewClient(opts...), model: model}, nil
}

// ModelID implements Embedder.
func (e *OpenAIEmbedder) ModelID() string { return e.model }

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: e.model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(text),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: empty response")
	}

	in := resp.Data[0].Embedding
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out, nil
}
