package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"game_mas/internal/domain"
)

var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrAgentBusy     = errors.New("agent has a task in flight")
	ErrInvalidStatus = errors.New("invalid agent status")
	ErrEmptyAgentID  = errors.New("empty agent id")
)

type Registry struct {
	mu     sync.RWMutex
	agents map[string]domain.AgentRecord
	now    func() time.Time
}

func New() *Registry {
	return &Registry{
		agents: make(map[string]domain.AgentRecord),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Register creates the record for id, or resets an idle one. A working agent
// is rejected with ErrAgentBusy; use ForceRegister to discard its task slot.
func (r *Registry) Register(id string, kind domain.AgentKind) (domain.AgentRecord, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.AgentRecord{}, ErrEmptyAgentID
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[id]; ok && existing.Status == domain.AgentStatusWorking {
		return existing, fmt.Errorf("register %s: %w", id, ErrAgentBusy)
	}
	return r.put(id, kind), nil
}

func (r *Registry) ForceRegister(id string, kind domain.AgentKind) (domain.AgentRecord, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.AgentRecord{}, ErrEmptyAgentID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.put(id, kind), nil
}

func (r *Registry) put(id string, kind domain.AgentKind) domain.AgentRecord {
	now := r.now()
	rec := domain.AgentRecord{
		ID:           id,
		Kind:         kind,
		Status:       domain.AgentStatusIdle,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	if existing, ok := r.agents[id]; ok {
		rec.RegisteredAt = existing.RegisteredAt
	}
	r.agents[id] = rec
	return rec
}

func (r *Registry) SetStatus(id string, status domain.AgentStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("set status %s: %w", id, ErrAgentNotFound)
	}
	rec.Status = status
	rec.UpdatedAt = r.now()
	r.agents[id] = rec
	return nil
}

func (r *Registry) GetStatus(id string) (domain.AgentStatus, error) {
	rec, err := r.Get(id)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

func (r *Registry) Get(id string) (domain.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.agents[id]
	if !ok {
		return domain.AgentRecord{}, fmt.Errorf("get agent %s: %w", id, ErrAgentNotFound)
	}
	return rec, nil
}

func (r *Registry) Snapshot() []domain.AgentRecord {
	r.mu.RLock()
	out := make([]domain.AgentRecord, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
