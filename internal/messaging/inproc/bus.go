package inproc

import (
	"errors"
	"sync"

	"game_mas/internal/domain"
)

var (
	ErrAgentNotRegistered = errors.New("agent is not registered in bus")
	ErrAgentQueueFull     = errors.New("agent queue is full")
)

// Bus keeps one buffered task queue per agent.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.Envelope
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan domain.Envelope),
		buffer: buffer,
	}
}

func (b *Bus) Register(agentID string) <-chan domain.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[agentID]; ok {
		return ch
	}
	ch := make(chan domain.Envelope, b.buffer)
	b.subs[agentID] = ch
	return ch
}

func (b *Bus) Unregister(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[agentID]
	if !ok {
		return
	}
	delete(b.subs, agentID)
	close(ch)
}

// Publish never blocks: a full queue is reported as ErrAgentQueueFull.
func (b *Bus) Publish(env domain.Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, ok := b.subs[env.ToAgent]
	if !ok {
		return ErrAgentNotRegistered
	}

	select {
	case ch <- env:
		return nil
	default:
		return ErrAgentQueueFull
	}
}

func (b *Bus) Depth(agentID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[agentID])
}
