package telemetry

import (
	"fmt"

	"game_mas/internal/domain"
)

const DefaultWindowSize = 10

type DrainPolicy string

const (
	// DrainAll empties the buffer once the window is reached, so a batch may
	// exceed WindowSize when appends outpace draining.
	DrainAll DrainPolicy = "all"
	// DrainWindow takes exactly WindowSize records and leaves the rest buffered.
	DrainWindow DrainPolicy = "window"
)

func ParseDrainPolicy(v string) (DrainPolicy, error) {
	switch DrainPolicy(v) {
	case "", DrainAll:
		return DrainAll, nil
	case DrainWindow:
		return DrainWindow, nil
	default:
		return "", fmt.Errorf("unknown drain policy %q", v)
	}
}

type Trigger struct {
	WindowSize int
	Policy     DrainPolicy
}

func (t Trigger) windowSize() int {
	if t.WindowSize <= 0 {
		return DefaultWindowSize
	}
	return t.WindowSize
}

// CheckAndDrain returns a batch once the buffer holds at least WindowSize
// records. Below the window the buffer is left untouched.
func (t Trigger) CheckAndDrain(b *Buffer) (domain.AnalysisBatch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return t.drainLocked(b)
}

// Offer appends rec and checks the window in one critical section.
func (t Trigger) Offer(b *Buffer, rec domain.TelemetryRecord) (domain.AnalysisBatch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, rec)
	return t.drainLocked(b)
}

func (t Trigger) drainLocked(b *Buffer) (domain.AnalysisBatch, bool) {
	size := t.windowSize()
	if len(b.records) < size {
		return nil, false
	}
	if t.Policy == DrainWindow {
		return b.drainLocked(size), true
	}
	return b.drainLocked(0), true
}
