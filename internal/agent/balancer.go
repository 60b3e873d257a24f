package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"game_mas/internal/anomaly"
	"game_mas/internal/domain"
	"game_mas/internal/history"
	"game_mas/internal/suggest"
	"game_mas/internal/telemetry"
)

const pendingMessage = "waiting for more data"

type BalancerConfig struct {
	Trigger  telemetry.Trigger
	Detector anomaly.Config
	Rules    suggest.Rules
	History  history.Log
	// RebufferOnInsufficient puts a batch that was too small to analyse back
	// into the buffer instead of dropping it.
	RebufferOnInsufficient bool
	Journal                Journal
	Logger                 *log.Logger
	Now                    func() time.Time
}

// Balancer runs the streaming telemetry analysis and the batch dataset
// analysis for one agent.
type Balancer struct {
	trigger  telemetry.Trigger
	buffer   *telemetry.Buffer
	detector *anomaly.Detector
	engine   *suggest.Engine
	history  history.Log
	rebuffer bool
	journal  Journal
	logger   *log.Logger
	now      func() time.Time

	mu           sync.Mutex
	dataset      []domain.TelemetryRecord
	lastAnalysis time.Time
}

func NewBalancer(cfg BalancerConfig) *Balancer {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.History == nil {
		cfg.History = history.NewMemory()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Balancer{
		trigger:  cfg.Trigger,
		buffer:   telemetry.NewBuffer(),
		detector: anomaly.New(cfg.Detector),
		engine:   suggest.NewEngine(cfg.Rules, cfg.History, cfg.Logger),
		history:  cfg.History,
		rebuffer: cfg.RebufferOnInsufficient,
		journal:  cfg.Journal,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
}

func (b *Balancer) Kinds() []domain.TaskKind {
	return []domain.TaskKind{
		domain.TaskKindAnalyzeRealtime,
		domain.TaskKindGetHistory,
		domain.TaskKindAnalyzeData,
		domain.TaskKindAdjustBalance,
	}
}

func (b *Balancer) Handle(ctx context.Context, agentID string, task domain.Task) domain.Result {
	switch t := task.(type) {
	case domain.AnalyzeRealtime:
		return b.analyzeRealtime(ctx, agentID, t.Record)
	case domain.GetHistory:
		return b.getHistory(ctx)
	case domain.AnalyzeData:
		return b.analyzeData(ctx, agentID, t.Records)
	case domain.AdjustBalance:
		return b.adjustBalance(ctx, agentID)
	default:
		return domain.FailedResult(domain.ErrorKindUnknownTaskKind, fmt.Errorf("%w: %q", domain.ErrUnknownTaskKind, task.Kind()))
	}
}

func (b *Balancer) Buffered() int {
	return b.buffer.Len()
}

func (b *Balancer) LastAnalysis() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastAnalysis
}

func (b *Balancer) analyzeRealtime(ctx context.Context, agentID string, rec domain.TelemetryRecord) domain.Result {
	if err := domain.ValidateRecord(rec); err != nil {
		return domain.FailedResult(domain.ErrorKindInvalidField, err)
	}
	if rec.CapturedAt.IsZero() {
		rec.CapturedAt = b.now()
	}
	batch, ok := b.trigger.Offer(b.buffer, rec)
	if !ok {
		return domain.PendingResult(pendingMessage)
	}

	analysis, err := b.detector.Analyze(batch)
	if err != nil {
		if errors.Is(err, anomaly.ErrInsufficientSamples) {
			if b.rebuffer {
				b.buffer.Restore(batch)
			}
			logAction(ctx, b.journal, agentID, "analysis_skipped", "drained batch too small to analyse", map[string]any{
				"batch_size": len(batch),
				"rebuffered": b.rebuffer,
			})
			return domain.FailedResult(domain.ErrorKindInsufficientSamples, err)
		}
		return domain.FailedResult(domain.ErrorKindInternal, err)
	}
	b.mu.Lock()
	b.lastAnalysis = b.now()
	b.mu.Unlock()

	suggestions, entry, err := b.engine.Apply(ctx, agentID, analysis)
	if err != nil {
		b.logger.Printf("agent=%s record adjustment failed: %v", agentID, err)
		res := domain.FailedResult(domain.ErrorKindInternal, err)
		res.Analysis = &analysis
		res.Suggestions = suggestions
		return res
	}
	entryID := ""
	if entry != nil {
		entryID = entry.ID
	}
	logAction(ctx, b.journal, agentID, "analysis_completed", "window analysis finished", map[string]any{
		"sample_size":  analysis.SampleSize,
		"success_rate": analysis.SuccessRate,
		"anomalies":    len(analysis.Anomalies),
		"suggestions":  suggestions,
		"entry_id":     entryID,
	})

	res := domain.CompletedResult()
	res.Analysis = &analysis
	res.Suggestions = suggestions
	return res
}

func (b *Balancer) getHistory(ctx context.Context) domain.Result {
	entries, err := b.history.All(ctx)
	if err != nil {
		return domain.FailedResult(domain.ErrorKindInternal, fmt.Errorf("read adjustment history: %w", err))
	}
	if entries == nil {
		entries = []domain.AdjustmentEntry{}
	}
	res := domain.CompletedResult()
	res.Kind = domain.TaskKindGetHistory
	res.History = entries
	return res
}
