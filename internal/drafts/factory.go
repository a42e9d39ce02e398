package drafts

import (
	"context"
	"fmt"

	"github.com/notegrade/notegrade/internal/config"
	"github.com/notegrade/notegrade/internal/pkg/errors"
	"github.com/notegrade/notegrade/internal/pkg/logger"
)

// New creates the configured draft source.
func New(ctx context.Context, cfg config.DraftsConfig, log *logger.Logger) (Source, error) {
	if log == nil {
		log = logger.Discard()
	}

	switch cfg.Type {
	case "memory", "":
		src := NewMemorySource()
		if cfg.SeedFile != "" {
			if err := src.LoadSeed(cfg.SeedFile); err != nil {
				return nil, errors.Wrap(errors.CodeValidation, "loading drafts seed", err)
			}
			log.Info("Loaded drafts seed", "path", cfg.SeedFile)
		}
		return src, nil

	case "postgres":
		src, err := NewPostgresSource(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, errors.StorageError("opening postgres drafts", err)
		}
		return src, nil

	default:
		return nil, errors.New(errors.CodeValidation, fmt.Sprintf("unknown drafts type: %s", cfg.Type))
	}
}
