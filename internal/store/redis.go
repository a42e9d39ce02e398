package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage persists to Redis. Speaker transactions use WATCH/MULTI on
// the speaker's candidate index and metric keys; a concurrent writer makes
// EXEC fail, which is reported as ErrConflict.
//
// Layout under prefix:
//
//	eval:{id}                  evaluation JSON
//	speaker:{id}:candidates    hash candidate_id -> evaluation id
//	speaker:{id}:evals         list of evaluation ids, insertion order
//	speaker:{id}:metric        speaker metric JSON
//	speakers                   set of speaker ids with a metric
type RedisStorage struct {
	client   *redis.Client
	prefix   string
	speakers *keyLock
}

// NewRedisStorage connects to the Redis server at url.
func NewRedisStorage(ctx context.Context, url, prefix string) (*RedisStorage, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewRedisStorageFromClient(client, prefix), nil
}

// NewRedisStorageFromClient wraps an existing client.
func NewRedisStorageFromClient(client *redis.Client, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = "notegrade:"
	}
	return &RedisStorage{client: client, prefix: prefix, speakers: newKeyLock()}
}

func (s *RedisStorage) evalKey(id string) string { return s.prefix + "eval:" + id }
func (s *RedisStorage) candidatesKey(sp string) string {
	return s.prefix + "speaker:" + sp + ":candidates"
}
func (s *RedisStorage) evalListKey(sp string) string { return s.prefix + "speaker:" + sp + ":evals" }
func (s *RedisStorage) metricKey(sp string) string   { return s.prefix + "speaker:" + sp + ":metric" }
func (s *RedisStorage) speakerSetKey() string        { return s.prefix + "speakers" }

func (s *RedisStorage) WithinSpeaker(ctx context.Context, speakerID string, fn func(ctx context.Context, tx Tx) error) error {
	unlock := s.speakers.Lock(speakerID)
	defer unlock()

	err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
		tx := &redisTx{store: s, rtx: rtx, speakerID: speakerID}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(tx.inserts) == 0 && tx.metric == nil {
			return nil
		}
		return tx.commit(ctx)
	}, s.candidatesKey(speakerID), s.metricKey(speakerID))

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("redis store: speaker %s: %w", speakerID, ErrConflict)
	}
	return err
}

func (s *RedisStorage) GetEvaluation(ctx context.Context, id string) (*Evaluation, error) {
	return getRedisEvaluation(ctx, s.client, s.evalKey(id))
}

func (s *RedisStorage) FindEvaluation(ctx context.Context, speakerID, candidateID string) (*Evaluation, error) {
	return s.find(ctx, s.client, speakerID, candidateID)
}

func (s *RedisStorage) find(ctx context.Context, c redisReader, speakerID, candidateID string) (*Evaluation, error) {
	id, err := c.HGet(ctx, s.candidatesKey(speakerID), candidateID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("evaluation %s/%s: %w", speakerID, candidateID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis store: find evaluation: %w", err)
	}
	return getRedisEvaluation(ctx, c, s.evalKey(id))
}

func (s *RedisStorage) ListEvaluations(ctx context.Context, speakerID string) ([]*Evaluation, error) {
	return s.list(ctx, s.client, speakerID)
}

func (s *RedisStorage) list(ctx context.Context, c redisReader, speakerID string) ([]*Evaluation, error) {
	ids, err := c.LRange(ctx, s.evalListKey(speakerID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: list evaluations: %w", err)
	}
	out := make([]*Evaluation, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.evalKey(id)
	}
	vals, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: load evaluations: %w", err)
	}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("redis store: evaluation %s listed but missing", ids[i])
		}
		var e Evaluation
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("redis store: decode evaluation %s: %w", ids[i], err)
		}
		out = append(out, &e)
	}
	return out, nil
}

func (s *RedisStorage) GetSpeakerMetric(ctx context.Context, speakerID string) (*SpeakerMetric, error) {
	return s.getMetric(ctx, s.client, speakerID)
}

func (s *RedisStorage) getMetric(ctx context.Context, c redisReader, speakerID string) (*SpeakerMetric, error) {
	raw, err := c.Get(ctx, s.metricKey(speakerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("speaker metric %s: %w", speakerID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis store: get metric: %w", err)
	}
	var m SpeakerMetric
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("redis store: decode metric %s: %w", speakerID, err)
	}
	m.Trend = nonNilTrend(m.Trend)
	return &m, nil
}

func (s *RedisStorage) ListSpeakerMetrics(ctx context.Context) ([]*SpeakerMetric, error) {
	speakers, err := s.client.SMembers(ctx, s.speakerSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: list speakers: %w", err)
	}
	sort.Strings(speakers)

	out := make([]*SpeakerMetric, 0, len(speakers))
	for _, sp := range speakers {
		m, err := s.getMetric(ctx, s.client, sp)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// redisReader is satisfied by *redis.Client and *redis.Tx.
type redisReader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
}

func getRedisEvaluation(ctx context.Context, c redisReader, key string) (*Evaluation, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis store: get evaluation: %w", err)
	}
	var e Evaluation
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("redis store: decode evaluation: %w", err)
	}
	return &e, nil
}

// redisTx reads through the watching connection and buffers writes until
// commit, which runs them in one MULTI/EXEC.
type redisTx struct {
	store     *RedisStorage
	rtx       *redis.Tx
	speakerID string
	inserts   []*Evaluation
	metric    *SpeakerMetric
}

func (t *redisTx) SpeakerID() string { return t.speakerID }

func (t *redisTx) FindEvaluation(ctx context.Context, candidateID string) (*Evaluation, error) {
	for _, e := range t.inserts {
		if e.CandidateID == candidateID {
			return e.Clone(), nil
		}
	}
	return t.store.find(ctx, t.rtx, t.speakerID, candidateID)
}

func (t *redisTx) InsertEvaluation(ctx context.Context, e *Evaluation) error {
	if e.SpeakerID != t.speakerID {
		return fmt.Errorf("redis store: insert for %s in tx of %s: %w", e.SpeakerID, t.speakerID, ErrSpeakerMismatch)
	}
	if _, err := t.FindEvaluation(ctx, e.CandidateID); err == nil {
		return fmt.Errorf("redis store: insert %s/%s: %w", e.SpeakerID, e.CandidateID, ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	t.inserts = append(t.inserts, e.Clone())
	return nil
}

func (t *redisTx) ListEvaluations(ctx context.Context) ([]*Evaluation, error) {
	out, err := t.store.list(ctx, t.rtx, t.speakerID)
	if err != nil {
		return nil, err
	}
	for _, e := range t.inserts {
		out = append(out, e.Clone())
	}
	return out, nil
}

func (t *redisTx) GetSpeakerMetric(ctx context.Context) (*SpeakerMetric, error) {
	if t.metric != nil {
		return t.metric.Clone(), nil
	}
	return t.store.getMetric(ctx, t.rtx, t.speakerID)
}

func (t *redisTx) SaveSpeakerMetric(ctx context.Context, m *SpeakerMetric) error {
	if m.SpeakerID != t.speakerID {
		return fmt.Errorf("redis store: save metric for %s in tx of %s: %w", m.SpeakerID, t.speakerID, ErrSpeakerMismatch)
	}
	t.metric = m.Clone()
	return nil
}

func (t *redisTx) commit(ctx context.Context) error {
	s := t.store
	_, err := t.rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range t.inserts {
			raw, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("redis store: encode evaluation: %w", err)
			}
			pipe.Set(ctx, s.evalKey(e.ID), raw, 0)
			pipe.HSet(ctx, s.candidatesKey(t.speakerID), e.CandidateID, e.ID)
			pipe.RPush(ctx, s.evalListKey(t.speakerID), e.ID)
		}
		if t.metric != nil {
			raw, err := json.Marshal(t.metric)
			if err != nil {
				return fmt.Errorf("redis store: encode metric: %w", err)
			}
			pipe.Set(ctx, s.metricKey(t.speakerID), raw, 0)
			pipe.SAdd(ctx, s.speakerSetKey(), t.speakerID)
		}
		return nil
	})
	return err
}
