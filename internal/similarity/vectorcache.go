package similarity

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// VectorCache persists embeddings in PostgreSQL with the pgvector extension,
// so repeated texts are embedded once across restarts and replicas.
type VectorCache struct {
	pool *pgxpool.Pool
	dim  int
}

const vectorCacheDDL = `
CREATE TABLE IF NOT EXISTS embedding_cache (
    key        TEXT        PRIMARY KEY,
    model      TEXT        NOT NULL,
    embedding  vector(%d)  NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// NewVectorCache connects to dsn, installs the vector extension and the cache
// table, then opens a pool with pgvector types registered on every connection.
func NewVectorCache(ctx context.Context, dsn string, dim int) (*VectorCache, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vector cache: dimension must be positive, got %d", dim)
	}

	// The extension has to exist before types can be registered.
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("vector cache: connect: %w", err)
	}
	_, err = conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err == nil {
		_, err = conn.Exec(ctx, fmt.Sprintf(vectorCacheDDL, dim))
	}
	closeErr := conn.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("vector cache: migrate: %w", err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("vector cache: close migration connection: %w", closeErr)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("vector cache: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("vector cache: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("vector cache: ping: %w", err)
	}

	return &VectorCache{pool: pool, dim: dim}, nil
}

// Get implements Cache.
func (c *VectorCache) Get(ctx context.Context, key string) ([]float32, bool, error) {
	var vec pgvector.Vector
	err := c.pool.QueryRow(ctx, `SELECT embedding FROM embedding_cache WHERE key = $1`, key).Scan(&vec)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("vector cache: get: %w", err)
	}
	return vec.Slice(), true, nil
}

// Put implements Cache. Vectors of the wrong dimension are rejected.
func (c *VectorCache) Put(ctx context.Context, key, model string, vec []float32) error {
	if len(vec) != c.dim {
		return fmt.Errorf("vector cache: embedding has %d dimensions, table has %d", len(vec), c.dim)
	}
	_, err := c.pool.Exec(ctx, `
		INSERT INTO embedding_cache (key, model, embedding)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING`,
		key, model, pgvector.NewVector(vec))
	if err != nil {
		return fmt.Errorf("vector cache: put: %w", err)
	}
	return nil
}

// Close releases the pool.
func (c *VectorCache) Close() {
	c.pool.Close()
}
