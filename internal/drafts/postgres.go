package drafts

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS reference_drafts (
  id TEXT PRIMARY KEY,
  text TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS candidate_drafts (
  id TEXT PRIMARY KEY,
  text TEXT NOT NULL,
  word_count INTEGER NOT NULL DEFAULT 0,
  confidence DOUBLE PRECISION NOT NULL DEFAULT 0
);
`

// PostgresSource reads drafts from the reference_drafts and candidate_drafts
// tables.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource connects to dsn and ensures the draft tables exist.
func NewPostgresSource(ctx context.Context, dsn string) (*PostgresSource, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres drafts: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres drafts: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres drafts: migrate: %w", err)
	}
	return &PostgresSource{pool: pool}, nil
}

// ReferenceText implements Source.
func (s *PostgresSource) ReferenceText(ctx context.Context, id string) (string, error) {
	var text string
	err := s.pool.QueryRow(ctx, `SELECT text FROM reference_drafts WHERE id = $1`, id).Scan(&text)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("reference %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("postgres drafts: reference %s: %w", id, err)
	}
	return text, nil
}

// Candidate implements Source.
func (s *PostgresSource) Candidate(ctx context.Context, id string) (Candidate, error) {
	c := Candidate{ID: id}
	err := s.pool.QueryRow(ctx,
		`SELECT text, word_count, confidence FROM candidate_drafts WHERE id = $1`, id,
	).Scan(&c.Text, &c.WordCount, &c.Confidence)
	if errors.Is(err, pgx.ErrNoRows) {
		return Candidate{}, fmt.Errorf("candidate %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Candidate{}, fmt.Errorf("postgres drafts: candidate %s: %w", id, err)
	}
	return c, nil
}

// PutReference upserts a reference draft.
func (s *PostgresSource) PutReference(ctx context.Context, id, text string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reference_drafts (id, text) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET text = EXCLUDED.text`, id, text)
	return err
}

// PutCandidate upserts a candidate draft.
func (s *PostgresSource) PutCandidate(ctx context.Context, c Candidate) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO candidate_drafts (id, text, word_count, confidence) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET text = EXCLUDED.text,
		  word_count = EXCLUDED.word_count, confidence = EXCLUDED.confidence`,
		c.ID, c.Text, c.WordCount, c.Confidence)
	return err
}

// Close implements Source.
func (s *PostgresSource) Close() error {
	s.pool.Close()
	return nil
}
