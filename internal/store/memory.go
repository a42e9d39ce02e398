package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type evalKey struct {
	speakerID   string
	candidateID string
}

// MemoryStorage keeps everything in process memory. Used for tests and
// single-instance development.
type MemoryStorage struct {
	mu          sync.RWMutex
	evaluations map[string]*Evaluation
	byKey       map[evalKey]string
	bySpeaker   map[string][]string
	metrics     map[string]*SpeakerMetric

	speakers *keyLock
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		evaluations: make(map[string]*Evaluation),
		byKey:       make(map[evalKey]string),
		bySpeaker:   make(map[string][]string),
		metrics:     make(map[string]*SpeakerMetric),
		speakers:    newKeyLock(),
	}
}

// WithinSpeaker stages writes and applies them only after fn succeeds.
func (m *MemoryStorage) WithinSpeaker(ctx context.Context, speakerID string, fn func(ctx context.Context, tx Tx) error) error {
	unlock := m.speakers.Lock(speakerID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{store: m, speakerID: speakerID}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(tx)
}

func (m *MemoryStorage) commit(tx *memoryTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range tx.inserts {
		if _, ok := m.byKey[evalKey{e.SpeakerID, e.CandidateID}]; ok {
			return fmt.Errorf("memory store: commit %s/%s: %w", e.SpeakerID, e.CandidateID, ErrAlreadyExists)
		}
		if _, ok := m.evaluations[e.ID]; ok {
			return fmt.Errorf("memory store: commit evaluation %s: %w", e.ID, ErrAlreadyExists)
		}
	}
	for _, e := range tx.inserts {
		m.evaluations[e.ID] = e
		m.byKey[evalKey{e.SpeakerID, e.CandidateID}] = e.ID
		m.bySpeaker[e.SpeakerID] = append(m.bySpeaker[e.SpeakerID], e.ID)
	}
	if tx.metric != nil {
		m.metrics[tx.speakerID] = tx.metric
	}
	return nil
}

func (m *MemoryStorage) GetEvaluation(ctx context.Context, id string) (*Evaluation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.evaluations[id]
	if !ok {
		return nil, fmt.Errorf("evaluation %s: %w", id, ErrNotFound)
	}
	return e.Clone(), nil
}

func (m *MemoryStorage) FindEvaluation(ctx context.Context, speakerID, candidateID string) (*Evaluation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(speakerID, candidateID)
}

func (m *MemoryStorage) findLocked(speakerID, candidateID string) (*Evaluation, error) {
	id, ok := m.byKey[evalKey{speakerID, candidateID}]
	if !ok {
		return nil, fmt.Errorf("evaluation %s/%s: %w", speakerID, candidateID, ErrNotFound)
	}
	return m.evaluations[id].Clone(), nil
}

func (m *MemoryStorage) ListEvaluations(ctx context.Context, speakerID string) ([]*Evaluation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(speakerID), nil
}

func (m *MemoryStorage) listLocked(speakerID string) []*Evaluation {
	ids := m.bySpeaker[speakerID]
	out := make([]*Evaluation, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.evaluations[id].Clone())
	}
	return out
}

func (m *MemoryStorage) GetSpeakerMetric(ctx context.Context, speakerID string) (*SpeakerMetric, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metric, ok := m.metrics[speakerID]
	if !ok {
		return nil, fmt.Errorf("speaker metric %s: %w", speakerID, ErrNotFound)
	}
	return metric.Clone(), nil
}

func (m *MemoryStorage) ListSpeakerMetrics(ctx context.Context) ([]*SpeakerMetric, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*SpeakerMetric, 0, len(m.metrics))
	for _, metric := range m.metrics {
		out = append(out, metric.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpeakerID < out[j].SpeakerID })
	return out, nil
}

func (m *MemoryStorage) Ping(ctx context.Context) error { return nil }

func (m *MemoryStorage) Close() error { return nil }

// memoryTx reads committed state plus its own staged writes.
type memoryTx struct {
	store     *MemoryStorage
	speakerID string
	inserts   []*Evaluation
	metric    *SpeakerMetric
}

func (t *memoryTx) SpeakerID() string { return t.speakerID }

func (t *memoryTx) FindEvaluation(ctx context.Context, candidateID string) (*Evaluation, error) {
	for _, e := range t.inserts {
		if e.CandidateID == candidateID {
			return e.Clone(), nil
		}
	}
	return t.store.FindEvaluation(ctx, t.speakerID, candidateID)
}

func (t *memoryTx) InsertEvaluation(ctx context.Context, e *Evaluation) error {
	if e.SpeakerID != t.speakerID {
		return fmt.Errorf("memory store: insert for %s in tx of %s: %w", e.SpeakerID, t.speakerID, ErrSpeakerMismatch)
	}
	if _, err := t.FindEvaluation(ctx, e.CandidateID); err == nil {
		return fmt.Errorf("memory store: insert %s/%s: %w", e.SpeakerID, e.CandidateID, ErrAlreadyExists)
	}
	t.inserts = append(t.inserts, e.Clone())
	return nil
}

func (t *memoryTx) ListEvaluations(ctx context.Context) ([]*Evaluation, error) {
	out, err := t.store.ListEvaluations(ctx, t.speakerID)
	if err != nil {
		return nil, err
	}
	for _, e := range t.inserts {
		out = append(out, e.Clone())
	}
	return out, nil
}

func (t *memoryTx) GetSpeakerMetric(ctx context.Context) (*SpeakerMetric, error) {
	if t.metric != nil {
		return t.metric.Clone(), nil
	}
	return t.store.GetSpeakerMetric(ctx, t.speakerID)
}

func (t *memoryTx) SaveSpeakerMetric(ctx context.Context, m *SpeakerMetric) error {
	if m.SpeakerID != t.speakerID {
		return fmt.Errorf("memory store: save metric for %s in tx of %s: %w", m.SpeakerID, t.speakerID, ErrSpeakerMismatch)
	}
	t.metric = m.Clone()
	return nil
}
