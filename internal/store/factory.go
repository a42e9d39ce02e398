package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/notegrade/notegrade/internal/config"
	"github.com/notegrade/notegrade/internal/pkg/errors"
	"github.com/notegrade/notegrade/internal/pkg/logger"
)

// New creates a Storage based on the configuration.
func New(ctx context.Context, cfg config.StorageConfig, log *logger.Logger) (Storage, error) {
	switch strings.ToLower(cfg.Type) {
	case "memory", "":
		log.Info("Using in-memory storage")
		return NewMemoryStorage(), nil

	case "sqlite":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." && !strings.HasPrefix(cfg.SQLitePath, ":memory:") {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.StorageError("creating sqlite directory", err)
			}
		}
		s, err := NewSQLiteStorage(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, errors.StorageError("opening sqlite storage", err)
		}
		log.Info("Using SQLite storage", "path", cfg.SQLitePath)
		return s, nil

	case "postgres":
		s, err := NewPostgresStorage(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, errors.StorageError("opening postgres storage", err)
		}
		log.Info("Using PostgreSQL storage")
		return s, nil

	case "redis":
		s, err := NewRedisStorage(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, errors.StorageError("opening redis storage", err)
		}
		log.Info("Using Redis storage", "prefix", cfg.RedisPrefix)
		return s, nil

	default:
		return nil, errors.New(errors.CodeValidation, fmt.Sprintf("unknown storage type: %s", cfg.Type))
	}
}
