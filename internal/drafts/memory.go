package drafts

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// MemorySource holds drafts in memory. It backs tests, the CLI and
// deployments that push drafts in through the seed file.
type MemorySource struct {
	mu         sync.RWMutex
	references map[string]string
	candidates map[string]Candidate
}

// NewMemorySource returns an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		references: make(map[string]string),
		candidates: make(map[string]Candidate),
	}
}

// Seed is the YAML layout read by LoadSeed.
type Seed struct {
	References []Reference `yaml:"references"`
	Candidates []Candidate `yaml:"candidates"`
}

// LoadSeed reads drafts from a YAML file into s.
func (s *MemorySource) LoadSeed(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read drafts seed: %w", err)
	}

	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse drafts seed: %w", err)
	}

	for i, r := range seed.References {
		if r.ID == "" {
			return fmt.Errorf("drafts seed: reference %d has no id", i)
		}
		s.PutReference(r.ID, r.Text)
	}
	for i, c := range seed.Candidates {
		if c.ID == "" {
			return fmt.Errorf("drafts seed: candidate %d has no id", i)
		}
		s.PutCandidate(c)
	}
	return nil
}

// PutReference stores or replaces a reference draft.
func (s *MemorySource) PutReference(id, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.references[id] = text
}

// PutCandidate stores or replaces a candidate draft.
func (s *MemorySource) PutCandidate(c Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates[c.ID] = c
}

// ReferenceText implements Source.
func (s *MemorySource) ReferenceText(ctx context.Context, id string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	text, ok := s.references[id]
	if !ok {
		return "", fmt.Errorf("reference %s: %w", id, ErrNotFound)
	}
	return text, nil
}

// Candidate implements Source.
func (s *MemorySource) Candidate(ctx context.Context, id string) (Candidate, error) {
	if err := ctx.Err(); err != nil {
		return Candidate{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.candidates[id]
	if !ok {
		return Candidate{}, fmt.Errorf("candidate %s: %w", id, ErrNotFound)
	}
	return c, nil
}

// Close implements Source.
func (s *MemorySource) Close() error { return nil }
