package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/notegrade/notegrade/internal/bucket"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS evaluations (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
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
  candidate_confidence REAL NOT NULL DEFAULT 0,
  sentence_edit_rate REAL NOT NULL,
  word_error_rate REAL NOT NULL,
  semantic_similarity REAL NOT NULL,
  quality_score REAL NOT NULL,
  improvement_score REAL NOT NULL,
  expansion_ratio REAL NOT NULL,
  word_substitutions INTEGER NOT NULL DEFAULT 0,
  word_insertions INTEGER NOT NULL DEFAULT 0,
  word_deletions INTEGER NOT NULL DEFAULT 0,
  bucket_before TEXT NOT NULL,
  bucket_recommended TEXT NOT NULL,
  bucket_changed INTEGER NOT NULL,
  critical_low_quality INTEGER NOT NULL,
  degenerate INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  UNIQUE (speaker_id, candidate_id)
);
CREATE INDEX IF NOT EXISTS idx_evaluations_speaker ON evaluations (speaker_id, seq);
CREATE TABLE IF NOT EXISTS speaker_metrics (
  speaker_id TEXT PRIMARY KEY,
  total_evaluations INTEGER NOT NULL,
  avg_quality_score REAL NOT NULL,
  avg_improvement_score REAL NOT NULL,
  avg_semantic_similarity REAL NOT NULL,
  avg_sentence_edit_rate REAL NOT NULL,
  avg_word_error_rate REAL NOT NULL,
  current_bucket TEXT NOT NULL,
  bucket_change_count INTEGER NOT NULL,
  trend TEXT NOT NULL DEFAULT '[]',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
`

const evaluationColumns = `id, speaker_id, reference_draft_id, candidate_id, session_id,
  reference_text, candidate_text, reference_word_count, candidate_word_count,
  candidate_reported_word_count, candidate_confidence,
  sentence_edit_rate, word_error_rate, semantic_similarity, quality_score, improvement_score, expansion_ratio,
  word_substitutions, word_insertions, word_deletions,
  bucket_before, bucket_recommended, bucket_changed, critical_low_quality, degenerate, created_at`

const metricColumns = `speaker_id, total_evaluations, avg_quality_score, avg_improvement_score,
  avg_semantic_similarity, avg_sentence_edit_rate, avg_word_error_rate,
  current_bucket, bucket_change_count, trend, created_at, updated_at`

// SQLiteStorage persists to a single SQLite file through modernc.org/sqlite.
// In-process writers are serialized per speaker; BEGIN IMMEDIATE plus the
// busy timeout covers other processes sharing the file.
type SQLiteStorage struct {
	db       *sql.DB
	speakers *keyLock
}

// NewSQLiteStorage opens (creating if needed) the database at path and
// applies the schema.
func NewSQLiteStorage(ctx context.Context, path string) (*SQLiteStorage, error) {
	dsn := path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	if strings.HasPrefix(path, ":memory:") || strings.HasPrefix(path, "file:") {
		dsn = path
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// One writer connection avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &SQLiteStorage{db: db, speakers: newKeyLock()}, nil
}

func (s *SQLiteStorage) WithinSpeaker(ctx context.Context, speakerID string, fn func(ctx context.Context, tx Tx) error) error {
	unlock := s.speakers.Lock(speakerID)
	defer unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: begin: %w", sqliteErr(err))
	}
	defer sqlTx.Rollback()

	if err := fn(ctx, &sqliteTx{tx: sqlTx, speakerID: speakerID}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: commit: %w", sqliteErr(err))
	}
	return nil
}

// sqliteErr maps lock contention onto ErrConflict.
func sqliteErr(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case sqlite3.SQLITE_CONSTRAINT:
			return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
		}
	}
	return err
}

func (s *SQLiteStorage) GetEvaluation(ctx context.Context, id string) (*Evaluation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+evaluationColumns+` FROM evaluations WHERE id = ?`, id)
	e, err := scanSQLiteEvaluation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("evaluation %s: %w", id, ErrNotFound)
	}
	return e, err
}

func (s *SQLiteStorage) FindEvaluation(ctx context.Context, speakerID, candidateID string) (*Evaluation, error) {
	return findSQLiteEvaluation(ctx, s.db, speakerID, candidateID)
}

func (s *SQLiteStorage) ListEvaluations(ctx context.Context, speakerID string) ([]*Evaluation, error) {
	return listSQLiteEvaluations(ctx, s.db, speakerID)
}

func (s *SQLiteStorage) GetSpeakerMetric(ctx context.Context, speakerID string) (*SpeakerMetric, error) {
	return getSQLiteMetric(ctx, s.db, speakerID)
}

func (s *SQLiteStorage) ListSpeakerMetrics(ctx context.Context) ([]*SpeakerMetric, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+metricColumns+` FROM speaker_metrics ORDER BY speaker_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list metrics: %w", err)
	}
	defer rows.Close()

	var out []*SpeakerMetric
	for rows.Next() {
		m, err := scanSQLiteMetric(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type sqliteTx struct {
	tx        *sql.Tx
	speakerID string
}

func (t *sqliteTx) SpeakerID() string { return t.speakerID }

func (t *sqliteTx) FindEvaluation(ctx context.Context, candidateID string) (*Evaluation, error) {
	return findSQLiteEvaluation(ctx, t.tx, t.speakerID, candidateID)
}

func (t *sqliteTx) InsertEvaluation(ctx context.Context, e *Evaluation) error {
	if e.SpeakerID != t.speakerID {
		return fmt.Errorf("sqlite store: insert for %s in tx of %s: %w", e.SpeakerID, t.speakerID, ErrSpeakerMismatch)
	}
	res, err := t.tx.ExecContext(ctx, `INSERT OR IGNORE INTO evaluations (`+evaluationColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SpeakerID, e.ReferenceDraftID, e.CandidateID, e.SessionID,
		e.ReferenceText, e.CandidateText, e.ReferenceWordCount, e.CandidateWordCount,
		e.CandidateReportedWordCount, e.CandidateConfidence,
		e.SentenceEditRate, e.WordErrorRate, e.SemanticSimilarity, e.QualityScore, e.ImprovementScore, e.ExpansionRatio,
		e.WordEdits.Substitutions, e.WordEdits.Insertions, e.WordEdits.Deletions,
		string(e.BucketBefore), string(e.BucketRecommended), e.BucketChanged, e.CriticalLowQuality, e.Degenerate,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite store: insert evaluation: %w", sqliteErr(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite store: insert evaluation: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite store: insert %s/%s: %w", e.SpeakerID, e.CandidateID, ErrAlreadyExists)
	}
	return nil
}

func (t *sqliteTx) ListEvaluations(ctx context.Context) ([]*Evaluation, error) {
	return listSQLiteEvaluations(ctx, t.tx, t.speakerID)
}

func (t *sqliteTx) GetSpeakerMetric(ctx context.Context) (*SpeakerMetric, error) {
	return getSQLiteMetric(ctx, t.tx, t.speakerID)
}

func (t *sqliteTx) SaveSpeakerMetric(ctx context.Context, m *SpeakerMetric) error {
	if m.SpeakerID != t.speakerID {
		return fmt.Errorf("sqlite store: save metric for %s in tx of %s: %w", m.SpeakerID, t.speakerID, ErrSpeakerMismatch)
	}
	trend, err := json.Marshal(nonNilTrend(m.Trend))
	if err != nil {
		return fmt.Errorf("sqlite store: encode trend: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO speaker_metrics (`+metricColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (speaker_id) DO UPDATE SET
  total_evaluations = excluded.total_evaluations,
  avg_quality_score = excluded.avg_quality_score,
  avg_improvement_score = excluded.avg_improvement_score,
  avg_semantic_similarity = excluded.avg_semantic_similarity,
  avg_sentence_edit_rate = excluded.avg_sentence_edit_rate,
  avg_word_error_rate = excluded.avg_word_error_rate,
  current_bucket = excluded.current_bucket,
  bucket_change_count = excluded.bucket_change_count,
  trend = excluded.trend,
  updated_at = excluded.updated_at`,
		m.SpeakerID, m.TotalEvaluations, m.AvgQualityScore, m.AvgImprovementScore,
		m.AvgSemanticSimilarity, m.AvgSentenceEditRate, m.AvgWordErrorRate,
		string(m.CurrentBucket), m.BucketChangeCount, string(trend),
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite store: save metric: %w", sqliteErr(err))
	}
	return nil
}

func findSQLiteEvaluation(ctx context.Context, q querier, speakerID, candidateID string) (*Evaluation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+evaluationColumns+` FROM evaluations WHERE speaker_id = ? AND candidate_id = ?`, speakerID, candidateID)
	e, err := scanSQLiteEvaluation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("evaluation %s/%s: %w", speakerID, candidateID, ErrNotFound)
	}
	return e, err
}

func listSQLiteEvaluations(ctx context.Context, q querier, speakerID string) ([]*Evaluation, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+evaluationColumns+` FROM evaluations WHERE speaker_id = ? ORDER BY seq`, speakerID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list evaluations: %w", sqliteErr(err))
	}
	defer rows.Close()

	out := []*Evaluation{}
	for rows.Next() {
		e, err := scanSQLiteEvaluation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func getSQLiteMetric(ctx context.Context, q querier, speakerID string) (*SpeakerMetric, error) {
	row := q.QueryRowContext(ctx, `SELECT `+metricColumns+` FROM speaker_metrics WHERE speaker_id = ?`, speakerID)
	m, err := scanSQLiteMetric(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("speaker metric %s: %w", speakerID, ErrNotFound)
	}
	return m, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEvaluation(row scanner) (*Evaluation, error) {
	var (
		e                 Evaluation
		before, recommend string
		changed, critical bool
		degenerate        bool
		createdAt         string
	)
	err := row.Scan(
		&e.ID, &e.SpeakerID, &e.ReferenceDraftID, &e.CandidateID, &e.SessionID,
		&e.ReferenceText, &e.CandidateText, &e.ReferenceWordCount, &e.CandidateWordCount,
		&e.CandidateReportedWordCount, &e.CandidateConfidence,
		&e.SentenceEditRate, &e.WordErrorRate, &e.SemanticSimilarity, &e.QualityScore, &e.ImprovementScore, &e.ExpansionRatio,
		&e.WordEdits.Substitutions, &e.WordEdits.Insertions, &e.WordEdits.Deletions,
		&before, &recommend, &changed, &critical, &degenerate, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("sqlite store: scan evaluation: %w", err)
	}
	e.BucketBefore = bucket.Bucket(before)
	e.BucketRecommended = bucket.Bucket(recommend)
	e.BucketChanged, e.CriticalLowQuality, e.Degenerate = changed, critical, degenerate
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("sqlite store: evaluation %s created_at: %w", e.ID, err)
	}
	return &e, nil
}

func scanSQLiteMetric(row scanner) (*SpeakerMetric, error) {
	var (
		m                    SpeakerMetric
		current, trend       string
		createdAt, updatedAt string
	)
	err := row.Scan(
		&m.SpeakerID, &m.TotalEvaluations, &m.AvgQualityScore, &m.AvgImprovementScore,
		&m.AvgSemanticSimilarity, &m.AvgSentenceEditRate, &m.AvgWordErrorRate,
		&current, &m.BucketChangeCount, &trend, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("sqlite store: scan metric: %w", err)
	}
	m.CurrentBucket = bucket.Bucket(current)
	if err := json.Unmarshal([]byte(trend), &m.Trend); err != nil {
		return nil, fmt.Errorf("sqlite store: decode trend of %s: %w", m.SpeakerID, err)
	}
	m.Trend = nonNilTrend(m.Trend)
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("sqlite store: metric %s created_at: %w", m.SpeakerID, err)
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("sqlite store: metric %s updated_at: %w", m.SpeakerID, err)
	}
	return &m, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nonNilTrend(t []float64) []float64 {
	if t == nil {
		return []float64{}
	}
	return t
}
