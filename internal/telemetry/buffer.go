package telemetry

import (
	"sync"

	"game_mas/internal/domain"
)

// Buffer is the ordered record buffer of one analysis agent. Append and
// drain share the same mutex so no record is lost or duplicated.
type Buffer struct {
	mu      sync.Mutex
	records []domain.TelemetryRecord
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

func (b *Buffer) Append(rec domain.TelemetryRecord) {
	b.mu.Lock()
	b.records = append(b.records, rec)
	b.mu.Unlock()
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Restore puts a drained batch back in front of anything appended since.
func (b *Buffer) Restore(batch domain.AnalysisBatch) {
	if len(batch) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	merged := make([]domain.TelemetryRecord, 0, len(batch)+len(b.records))
	merged = append(merged, batch...)
	merged = append(merged, b.records...)
	b.records = merged
}

// drainLocked removes the first n records, or all of them when n <= 0.
func (b *Buffer) drainLocked(n int) domain.AnalysisBatch {
	if n <= 0 || n >= len(b.records) {
		out := domain.AnalysisBatch(b.records)
		b.records = nil
		return out
	}
	out := make(domain.AnalysisBatch, n)
	copy(out, b.records[:n])
	rest := make([]domain.TelemetryRecord, len(b.records)-n)
	copy(rest, b.records[n:])
	b.records = rest
	return out
}
