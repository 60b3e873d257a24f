// Package memory is a process-local store used by the memory driver and in
// tests. Nothing survives a restart.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"game_mas/internal/domain"
)

var (
	ErrAgentNotFound       = errors.New("agent not found in store")
	ErrDuplicateAdjustment = errors.New("adjustment already recorded")
)

type Store struct {
	mu          sync.RWMutex
	agents      map[string]domain.AgentRecord
	decisions   []domain.DecisionLog
	adjustments map[string][]domain.AdjustmentEntry
	seen        map[string]bool
	nextID      int64
}

func New() *Store {
	return &Store{
		agents:      make(map[string]domain.AgentRecord),
		adjustments: make(map[string][]domain.AdjustmentEntry),
		seen:        make(map[string]bool),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) Migrate(context.Context) error { return nil }

func (s *Store) UpsertAgent(_ context.Context, rec domain.AgentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.agents[rec.ID]; ok {
		rec.RegisteredAt = existing.RegisteredAt
	} else if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	s.agents[rec.ID] = rec
	return nil
}

func (s *Store) GetAgent(_ context.Context, agentID string) (domain.AgentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.agents[agentID]
	if !ok {
		return domain.AgentRecord{}, fmt.Errorf("get agent %s: %w", agentID, ErrAgentNotFound)
	}
	return rec, nil
}

func (s *Store) ListAgents(context.Context) ([]domain.AgentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AgentRecord, 0, len(s.agents))
	for _, rec := range s.agents {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) LogDecision(_ context.Context, entry domain.DecisionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	entry.ID = s.nextID
	if len(entry.Payload) == 0 {
		entry.Payload = []byte("{}")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.decisions = append(s.decisions, entry)
	return nil
}

// ListDecisions returns the newest decisions for agentID first.
func (s *Store) ListDecisions(_ context.Context, agentID string, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 300
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DecisionLog, 0)
	for i := len(s.decisions) - 1; i >= 0 && len(out) < limit; i-- {
		if s.decisions[i].AgentID == agentID {
			out = append(out, s.decisions[i])
		}
	}
	return out, nil
}

func (s *Store) AppendAdjustment(_ context.Context, entry domain.AdjustmentEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[entry.ID] {
		return fmt.Errorf("append adjustment %s: %w", entry.ID, ErrDuplicateAdjustment)
	}
	s.seen[entry.ID] = true
	s.adjustments[entry.AgentID] = append(s.adjustments[entry.AgentID], entry)
	return nil
}

func (s *Store) ListAdjustments(_ context.Context, agentID string) ([]domain.AdjustmentEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.adjustments[agentID]
	out := make([]domain.AdjustmentEntry, len(entries))
	copy(out, entries)
	return out, nil
}
