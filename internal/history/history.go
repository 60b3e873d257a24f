package history

import (
	"context"
	"fmt"
	"log"
	"sync"

	"game_mas/internal/domain"
)

// Log is the append-only adjustment history of one agent. All returns
// entries oldest first and never fewer than a previous call.
type Log interface {
	Append(ctx context.Context, entry domain.AdjustmentEntry) error
	All(ctx context.Context) ([]domain.AdjustmentEntry, error)
}

type Memory struct {
	mu      sync.RWMutex
	entries []domain.AdjustmentEntry
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(_ context.Context, entry domain.AdjustmentEntry) error {
	m.mu.Lock()
	m.entries = append(m.entries, entry)
	m.mu.Unlock()
	return nil
}

func (m *Memory) All(context.Context) ([]domain.AdjustmentEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.AdjustmentEntry, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

type Store interface {
	AppendAdjustment(ctx context.Context, entry domain.AdjustmentEntry) error
	ListAdjustments(ctx context.Context, agentID string) ([]domain.AdjustmentEntry, error)
}

type Durable struct {
	store   Store
	agentID string
}

func NewDurable(store Store, agentID string) *Durable {
	return &Durable{store: store, agentID: agentID}
}

func (d *Durable) Append(ctx context.Context, entry domain.AdjustmentEntry) error {
	if entry.AgentID == "" {
		entry.AgentID = d.agentID
	}
	if entry.AgentID != d.agentID {
		return fmt.Errorf("append adjustment for %s to history of %s", entry.AgentID, d.agentID)
	}
	return d.store.AppendAdjustment(ctx, entry)
}

func (d *Durable) All(ctx context.Context) ([]domain.AdjustmentEntry, error) {
	return d.store.ListAdjustments(ctx, d.agentID)
}

// Sink receives every entry after it has been appended. Implementations must
// be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, entry domain.AdjustmentEntry) error
}

// Notifying forwards appended entries to sinks. A sink failure is logged and
// never fails the append.
type Notifying struct {
	Log
	sinks  []Sink
	logger *log.Logger
}

func WithSinks(base Log, logger *log.Logger, sinks ...Sink) Log {
	if len(sinks) == 0 {
		return base
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Notifying{Log: base, sinks: sinks, logger: logger}
}

func (n *Notifying) Append(ctx context.Context, entry domain.AdjustmentEntry) error {
	if err := n.Log.Append(ctx, entry); err != nil {
		return err
	}
	for _, s := range n.sinks {
		if err := s.Send(ctx, entry); err != nil {
			n.logger.Printf("history sink failed agent=%s entry=%s: %v", entry.AgentID, entry.ID, err)
		}
	}
	return nil
}
