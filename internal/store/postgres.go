package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notegrade/notegrade/internal/bucket"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS evaluations (
  seq BIGSERIAL PRIMARY KEY,
  id TEXT NOT NULL UNIQUE,
  speaker_id TEXT NOT NULL,
  reference_draft_id TEXT NOT NULL,
  candidate_id TEXT NOT NULL,
  session_id TEXT NOT NULL DEFAULT '',
  reference_text TEXT NOT NULL,
  candidate_text TEXT NOT NULL,
  reference_word_count INTEGER NOT NULL,
  candidate_word_count INTEGER NOT NULL,
  candidate_reported_word_count INTEGER NOT NULL DEFAULT 0,
  candidate_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
  sentence_edit_rate DOUBLE PRECISION NOT NULL,
  word_error_rate DOUBLE PRECISION NOT NULL,
  semantic_similarity DOUBLE PRECISION NOT NULL,
  quality_score DOUBLE PRECISION NOT NULL,
  improvement_score DOUBLE PRECISION NOT NULL,
  expansion_ratio DOUBLE PRECISION NOT NULL,
  word_substitutions INTEGER NOT NULL DEFAULT 0,
  word_insertions INTEGER NOT NULL DEFAULT 0,
  word_deletions INTEGER NOT NULL DEFAULT 0,
  bucket_before TEXT NOT NULL,
  bucket_recommended TEXT NOT NULL,
  bucket_changed BOOLEAN NOT NULL,
  critical_low_quality BOOLEAN NOT NULL,
  degenerate BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (speaker_id, candidate_id)
);
CREATE INDEX IF NOT EXISTS idx_evaluations_speaker ON evaluations (speaker_id, seq);
CREATE TABLE IF NOT EXISTS speaker_metrics (
  speaker_id TEXT PRIMARY KEY,
  total_evaluations INTEGER NOT NULL,
  avg_quality_score DOUBLE PRECISION NOT NULL,
  avg_improvement_score DOUBLE PRECISION NOT NULL,
  avg_semantic_similarity DOUBLE PRECISION NOT NULL,
  avg_sentence_edit_rate DOUBLE PRECISION NOT NULL,
  avg_word_error_rate DOUBLE PRECISION NOT NULL,
  current_bucket TEXT NOT NULL CHECK (current_bucket IN ('A', 'B', 'C')),
  bucket_change_count INTEGER NOT NULL,
  trend DOUBLE PRECISION[] NOT NULL DEFAULT '{}',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
`

// PostgreSQL SQLSTATEs that mean "try again".
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgUniqueViolation      = "23505"
)

// PostgresStorage persists to PostgreSQL. Speaker transactions take a
// transaction-scoped advisory lock on the speaker ID, so concurrent
// evaluations of one speaker queue up across every service instance.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage connects to dsn and applies the schema.
func NewPostgresStorage(ctx context.Context, dsn string) (*PostgresStorage, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &PostgresStorage{pool: pool}, nil
}

// NewPostgresStorageFromPool wraps an existing pool. The schema must exist.
func NewPostgresStorageFromPool(pool *pgxpool.Pool) *PostgresStorage {
	return &PostgresStorage{pool: pool}
}

func (s *PostgresStorage) WithinSpeaker(ctx context.Context, speakerID string, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", pgErr(err))
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, speakerID); err != nil {
		return fmt.Errorf("postgres store: lock speaker %s: %w", speakerID, pgErr(err))
	}

	if err := fn(ctx, &postgresTx{tx: tx, speakerID: speakerID}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit: %w", pgErr(err))
	}
	return nil
}

// pgErr maps retryable SQLSTATEs onto ErrConflict.
func pgErr(err error) error {
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch pe.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case pgUniqueViolation:
			return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
		}
	}
	return err
}

// pgQuerier is satisfied by *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *PostgresStorage) GetEvaluation(ctx context.Context, id string) (*Evaluation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+evaluationColumns+` FROM evaluations WHERE id = $1`, id)
	e, err := scanPgEvaluation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("evaluation %s: %w", id, ErrNotFound)
	}
	return e, err
}

func (s *PostgresStorage) FindEvaluation(ctx context.Context, speakerID, candidateID string) (*Evaluation, error) {
	return findPgEvaluation(ctx, s.pool, speakerID, candidateID)
}

func (s *PostgresStorage) ListEvaluations(ctx context.Context, speakerID string) ([]*Evaluation, error) {
	return listPgEvaluations(ctx, s.pool, speakerID)
}

func (s *PostgresStorage) GetSpeakerMetric(ctx context.Context, speakerID string) (*SpeakerMetric, error) {
	return getPgMetric(ctx, s.pool, speakerID)
}

func (s *PostgresStorage) ListSpeakerMetrics(ctx context.Context) ([]*SpeakerMetric, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+metricColumns+` FROM speaker_metrics ORDER BY speaker_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list metrics: %w", err)
	}
	defer rows.Close()

	var out []*SpeakerMetric
	for rows.Next() {
		m, err := scanPgMetric(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

type postgresTx struct {
	tx        pgx.Tx
	speakerID string
}

func (t *postgresTx) SpeakerID() string { return t.speakerID }

func (t *postgresTx) FindEvaluation(ctx context.Context, candidateID string) (*Evaluation, error) {
	return findPgEvaluation(ctx, t.tx, t.speakerID, candidateID)
}

func (t *postgresTx) InsertEvaluation(ctx context.Context, e *Evaluation) error {
	if e.SpeakerID != t.speakerID {
		return fmt.Errorf("postgres store: insert for %s in tx of %s: %w", e.SpeakerID, t.speakerID, ErrSpeakerMismatch)
	}
	tag, err := t.tx.Exec(ctx, `INSERT INTO evaluations (`+evaluationColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
ON CONFLICT (speaker_id, candidate_id) DO NOTHING`,
		e.ID, e.SpeakerID, e.ReferenceDraftID, e.CandidateID, e.SessionID,
		e.ReferenceText, e.CandidateText, e.ReferenceWordCount, e.CandidateWordCount,
		e.CandidateReportedWordCount, e.CandidateConfidence,
		e.SentenceEditRate, e.WordErrorRate, e.SemanticSimilarity, e.QualityScore, e.ImprovementScore, e.ExpansionRatio,
		e.WordEdits.Substitutions, e.WordEdits.Insertions, e.WordEdits.Deletions,
		string(e.BucketBefore), string(e.BucketRecommended), e.BucketChanged, e.CriticalLowQuality, e.Degenerate,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: insert evaluation: %w", pgErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: insert %s/%s: %w", e.SpeakerID, e.CandidateID, ErrAlreadyExists)
	}
	return nil
}

func (t *postgresTx) ListEvaluations(ctx context.Context) ([]*Evaluation, error) {
	return listPgEvaluations(ctx, t.tx, t.speakerID)
}

func (t *postgresTx) GetSpeakerMetric(ctx context.Context) (*SpeakerMetric, error) {
	return getPgMetric(ctx, t.tx, t.speakerID)
}

func (t *postgresTx) SaveSpeakerMetric(ctx context.Context, m *SpeakerMetric) error {
	if m.SpeakerID != t.speakerID {
		return fmt.Errorf("postgres store: save metric for %s in tx of %s: %w", m.SpeakerID, t.speakerID, ErrSpeakerMismatch)
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO speaker_metrics (`+metricColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (speaker_id) DO UPDATE SET
  total_evaluations = EXCLUDED.total_evaluations,
  avg_quality_score = EXCLUDED.avg_quality_score,
  avg_improvement_score = EXCLUDED.avg_improvement_score,
  avg_semantic_similarity = EXCLUDED.avg_semantic_similarity,
  avg_sentence_edit_rate = EXCLUDED.avg_sentence_edit_rate,
  avg_word_error_rate = EXCLUDED.avg_word_error_rate,
  current_bucket = EXCLUDED.current_bucket,
  bucket_change_count = EXCLUDED.bucket_change_count,
  trend = EXCLUDED.trend,
  updated_at = EXCLUDED.updated_at`,
		m.SpeakerID, m.TotalEvaluations, m.AvgQualityScore, m.AvgImprovementScore,
		m.AvgSemanticSimilarity, m.AvgSentenceEditRate, m.AvgWordErrorRate,
		string(m.CurrentBucket), m.BucketChangeCount, nonNilTrend(m.Trend),
		m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save metric: %w", pgErr(err))
	}
	return nil
}

func findPgEvaluation(ctx context.Context, q pgQuerier, speakerID, candidateID string) (*Evaluation, error) {
	row := q.QueryRow(ctx, `SELECT `+evaluationColumns+` FROM evaluations WHERE speaker_id = $1 AND candidate_id = $2`, speakerID, candidateID)
	e, err := scanPgEvaluation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("evaluation %s/%s: %w", speakerID, candidateID, ErrNotFound)
	}
	return e, err
}

func listPgEvaluations(ctx context.Context, q pgQuerier, speakerID string) ([]*Evaluation, error) {
	rows, err := q.Query(ctx, `SELECT `+evaluationColumns+` FROM evaluations WHERE speaker_id = $1 ORDER BY seq`, speakerID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list evaluations: %w", pgErr(err))
	}
	defer rows.Close()

	out := []*Evaluation{}
	for rows.Next() {
		e, err := scanPgEvaluation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func getPgMetric(ctx context.Context, q pgQuerier, speakerID string) (*SpeakerMetric, error) {
	row := q.QueryRow(ctx, `SELECT `+metricColumns+` FROM speaker_metrics WHERE speaker_id = $1`, speakerID)
	m, err := scanPgMetric(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("speaker metric %s: %w", speakerID, ErrNotFound)
	}
	return m, err
}

func scanPgEvaluation(row pgx.Row) (*Evaluation, error) {
	var (
		e                 Evaluation
		before, recommend string
	)
	err := row.Scan(
		&e.ID, &e.SpeakerID, &e.ReferenceDraftID, &e.CandidateID, &e.SessionID,
		&e.ReferenceText, &e.CandidateText, &e.ReferenceWordCount, &e.CandidateWordCount,
		&e.CandidateReportedWordCount, &e.CandidateConfidence,
		&e.SentenceEditRate, &e.WordErrorRate, &e.SemanticSimilarity, &e.QualityScore, &e.ImprovementScore, &e.ExpansionRatio,
		&e.WordEdits.Substitutions, &e.WordEdits.Insertions, &e.WordEdits.Deletions,
		&before, &recommend, &e.BucketChanged, &e.CriticalLowQuality, &e.Degenerate, &e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("postgres store: scan evaluation: %w", err)
	}
	e.BucketBefore = bucket.Bucket(before)
	e.BucketRecommended = bucket.Bucket(recommend)
	return &e, nil
}

func scanPgMetric(row pgx.Row) (*SpeakerMetric, error) {
	var (
		m       SpeakerMetric
		current string
	)
	err := row.Scan(
		&m.SpeakerID, &m.TotalEvaluations, &m.AvgQualityScore, &m.AvgImprovementScore,
		&m.AvgSemanticSimilarity, &m.AvgSentenceEditRate, &m.AvgWordErrorRate,
		&current, &m.BucketChangeCount, &m.Trend, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("postgres store: scan metric: %w", err)
	}
	m.CurrentBucket = bucket.Bucket(current)
	m.Trend = nonNilTrend(m.Trend)
	return &m, nil
}
