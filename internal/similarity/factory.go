package similarity

import (
	"context"
	"fmt"

	"github.com/notegrade/notegrade/internal/bus"
	"github.com/notegrade/notegrade/internal/config"
	"github.com/notegrade/notegrade/internal/metrics"
	"github.com/notegrade/notegrade/internal/pkg/errors"
	"github.com/notegrade/notegrade/internal/pkg/logger"
)

// Chain is the configured provider chain plus the resources it owns.
type Chain struct {
	*Fallback
	closers []func()
}

// Close releases caches opened by New.
func (c *Chain) Close() {
	for _, fn := range c.closers {
		fn()
	}
}

// New builds the provider chain named in cfg.Providers. b is required only
// when the chain includes "bus"; m may be nil.
func New(ctx context.Context, cfg config.SimilarityConfig, b bus.Bus, m *metrics.Metrics, log *logger.Logger) (*Chain, error) {
	if log == nil {
		log = logger.Discard()
	}

	chain := &Chain{}
	var providers []Provider

	for _, name := range cfg.ProviderList() {
		switch name {
		case "lexical":
			providers = append(providers, NewLexicalProvider())

		case "openai":
			embedder, err := NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, cfg.Timeout)
			if err != nil {
				chain.Close()
				return nil, errors.Wrap(errors.CodeValidation, "configuring openai embeddings", err)
			}

			var cache Cache = NewMemoryCache(0)
			if cfg.CacheDSN != "" {
				vc, err := NewVectorCache(ctx, cfg.CacheDSN, cfg.EmbeddingDim)
				if err != nil {
					chain.Close()
					return nil, errors.StorageError("opening embedding cache", err)
				}
				chain.closers = append(chain.closers, vc.Close)
				cache = vc
			}
			providers = append(providers, NewEmbeddingProvider(embedder, cache))

		case "bus":
			if b == nil {
				chain.Close()
				return nil, errors.New(errors.CodeValidation, "bus similarity provider requires an event bus")
			}
			providers = append(providers, NewBusProvider(b))

		default:
			chain.Close()
			return nil, errors.New(errors.CodeValidation, fmt.Sprintf("unknown similarity provider: %s", name))
		}
	}

	if len(providers) == 0 {
		providers = append(providers, NewLexicalProvider())
	}

	chain.Fallback = NewFallback(providers, cfg.Timeout, m, log)
	log.Info("Similarity chain configured", "providers", chain.Name())
	return chain, nil
}
