package agent

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"game_mas/internal/anomaly"
	"game_mas/internal/domain"
	"game_mas/internal/history"
	"game_mas/internal/suggest"
	"game_mas/internal/telemetry"
)

type memoryJournal struct {
	mu      sync.Mutex
	entries []domain.DecisionLog
}

func (j *memoryJournal) LogDecision(_ context.Context, entry domain.DecisionLog) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
	return nil
}

func (j *memoryJournal) actions() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.entries))
	for _, e := range j.entries {
		out = append(out, e.Action)
	}
	return out
}

func newTestBalancer(t *testing.T, cfg BalancerConfig) (*Balancer, *history.Memory) {
	t.Helper()
	mem := history.NewMemory()
	if cfg.History == nil {
		cfg.History = mem
	}
	if cfg.Detector.Seed == 0 {
		cfg.Detector.Seed = 42
	}
	cfg.Logger = log.New(io.Discard, "", 0)
	return NewBalancer(cfg), mem
}

func realtime(t *testing.T, completion float64, attempts int, success bool) domain.AnalyzeRealtime {
	t.Helper()
	task, err := domain.NewAnalyzeRealtime(domain.TelemetryRecord{CompletionTime: completion, Attempts: attempts, Success: success})
	if err != nil {
		t.Fatalf("new analyze task: %v", err)
	}
	return task
}

func TestRealtimePendingUntilWindow(t *testing.T) {
	b, _ := newTestBalancer(t, BalancerConfig{})
	ctx := context.Background()
	for i := 0; i < 9; i++ {
		res := b.Handle(ctx, "balancer-1", realtime(t, 50, 1, true))
		if res.Status != domain.ResultStatusPending || res.Message != pendingMessage {
			t.Fatalf("record %d: result=%+v want pending", i, res)
		}
		if b.Buffered() != i+1 {
			t.Fatalf("buffered=%d want %d", b.Buffered(), i+1)
		}
	}
	if !b.LastAnalysis().IsZero() {
		t.Fatalf("no analysis should have run yet")
	}
}

func TestRealtimeHealthyWindowRecordsNothing(t *testing.T) {
	b, mem := newTestBalancer(t, BalancerConfig{})
	ctx := context.Background()
	var res domain.Result
	for i := 0; i < 10; i++ {
		res = b.Handle(ctx, "balancer-1", realtime(t, 50, 1, true))
	}
	if res.Status != domain.ResultStatusCompleted || res.Analysis == nil {
		t.Fatalf("tenth record result=%+v want completed analysis", res)
	}
	if res.Analysis.SuccessRate != 1.0 || res.Analysis.AverageCompletionTime != 50 || res.Analysis.SampleSize != 10 {
		t.Fatalf("analysis=%+v", res.Analysis)
	}
	if len(res.Suggestions) != 0 {
		t.Fatalf("suggestions=%q want none", res.Suggestions)
	}
	entries, _ := mem.All(ctx)
	if len(entries) != 0 {
		t.Fatalf("history entries=%d want 0", len(entries))
	}
	if b.Buffered() != 0 {
		t.Fatalf("buffer should be drained")
	}
}

func TestRealtimeLowSuccessRecordsAdjustment(t *testing.T) {
	journal := &memoryJournal{}
	b, _ := newTestBalancer(t, BalancerConfig{Journal: journal})
	ctx := context.Background()
	var res domain.Result
	for i := 0; i < 10; i++ {
		res = b.Handle(ctx, "balancer-1", realtime(t, 50, 1, i >= 7))
	}
	if res.Status != domain.ResultStatusCompleted {
		t.Fatalf("result=%+v", res)
	}
	if !reflect.DeepEqual(res.Suggestions, []string{suggest.ReduceDifficulty}) {
		t.Fatalf("suggestions=%q", res.Suggestions)
	}

	hist := b.Handle(ctx, "balancer-1", domain.GetHistory{})
	if hist.Status != domain.ResultStatusCompleted || len(hist.History) != 1 {
		t.Fatalf("history result=%+v", hist)
	}
	entry := hist.History[0]
	if entry.AgentID != "balancer-1" || entry.Analysis.SampleSize != 10 {
		t.Fatalf("entry=%+v", entry)
	}
	if entry.Analysis.SuccessRate < 0.2999 || entry.Analysis.SuccessRate > 0.3001 {
		t.Fatalf("snapshot success rate=%v", entry.Analysis.SuccessRate)
	}
	if got := journal.actions(); len(got) != 1 || got[0] != "analysis_completed" {
		t.Fatalf("journal actions=%q", got)
	}
}

func TestRealtimeInsufficientSamples(t *testing.T) {
	tests := []struct {
		name     string
		rebuffer bool
		wantLeft int
	}{
		{name: "batch dropped", rebuffer: false, wantLeft: 0},
		{name: "batch rebuffered", rebuffer: true, wantLeft: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b, _ := newTestBalancer(t, BalancerConfig{
				Trigger:                telemetry.Trigger{WindowSize: 1},
				RebufferOnInsufficient: tc.rebuffer,
			})
			res := b.Handle(context.Background(), "balancer-1", realtime(t, 10, 1, true))
			if res.Status != domain.ResultStatusFailed || res.ErrorKind != domain.ErrorKindInsufficientSamples {
				t.Fatalf("result=%+v", res)
			}
			if b.Buffered() != tc.wantLeft {
				t.Fatalf("buffered=%d want %d", b.Buffered(), tc.wantLeft)
			}
		})
	}
}

func TestRealtimeFlagsOutlier(t *testing.T) {
	b, _ := newTestBalancer(t, BalancerConfig{Detector: anomaly.Config{Seed: 9}})
	ctx := context.Background()
	var res domain.Result
	for i := 0; i < 10; i++ {
		completion := 60.0
		if i == 4 {
			completion = 4000
		}
		res = b.Handle(ctx, "balancer-1", realtime(t, completion, 1, true))
	}
	if res.Analysis == nil || len(res.Analysis.Anomalies) != 1 || res.Analysis.Anomalies[0].CompletionTime != 4000 {
		t.Fatalf("analysis=%+v", res.Analysis)
	}
	want := []string{suggest.OptimizeLevelFlow, suggest.AnomalyReview(1)}
	if !reflect.DeepEqual(res.Suggestions, want) {
		t.Fatalf("suggestions=%q want=%q", res.Suggestions, want)
	}
}

func TestRealtimeStampsCapturedAt(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b, _ := newTestBalancer(t, BalancerConfig{Trigger: telemetry.Trigger{WindowSize: 2}, Now: func() time.Time { return fixed }})
	ctx := context.Background()
	b.Handle(ctx, "balancer-1", realtime(t, 1, 1, false))
	res := b.Handle(ctx, "balancer-1", realtime(t, 1000, 1, false))
	if res.Analysis == nil {
		t.Fatalf("expected analysis, got %+v", res)
	}
	if !b.LastAnalysis().Equal(fixed) {
		t.Fatalf("last analysis=%v want %v", b.LastAnalysis(), fixed)
	}
}

func TestEmptyHistoryEncodesArray(t *testing.T) {
	b, _ := newTestBalancer(t, BalancerConfig{})
	res := b.Handle(context.Background(), "balancer-1", domain.GetHistory{})
	if res.Status != domain.ResultStatusCompleted || res.History == nil || len(res.History) != 0 {
		t.Fatalf("result=%+v", res)
	}
	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"history":[]`) {
		t.Fatalf("encoded=%s", data)
	}
}
