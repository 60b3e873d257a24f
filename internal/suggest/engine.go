package suggest

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"game_mas/internal/domain"
)

const (
	ReduceDifficulty  = "reduce current difficulty"
	OptimizeLevelFlow = "optimize level flow"

	defaultMinSuccessRate       = 0.4
	defaultMaxCompletionSeconds = 300
)

func AnomalyReview(count int) string {
	return fmt.Sprintf("%d anomalous data points detected, recommend review", count)
}

type Rules struct {
	MinSuccessRate       float64
	MaxCompletionSeconds float64
}

func DefaultRules() Rules {
	return Rules{
		MinSuccessRate:       defaultMinSuccessRate,
		MaxCompletionSeconds: defaultMaxCompletionSeconds,
	}
}

func (r Rules) withDefaults() Rules {
	if r.MinSuccessRate <= 0 {
		r.MinSuccessRate = defaultMinSuccessRate
	}
	if r.MaxCompletionSeconds <= 0 {
		r.MaxCompletionSeconds = defaultMaxCompletionSeconds
	}
	return r
}

// Derive evaluates every rule independently, in a fixed order.
func (r Rules) Derive(res domain.AnalysisResult) []string {
	r = r.withDefaults()
	var out []string
	if res.SuccessRate < r.MinSuccessRate {
		out = append(out, ReduceDifficulty)
	}
	if res.AverageCompletionTime > r.MaxCompletionSeconds {
		out = append(out, OptimizeLevelFlow)
	}
	if n := len(res.Anomalies); n > 0 {
		out = append(out, AnomalyReview(n))
	}
	return out
}

type HistoryAppender interface {
	Append(ctx context.Context, entry domain.AdjustmentEntry) error
}

type Engine struct {
	rules   Rules
	history HistoryAppender
	logger  *log.Logger
	now     func() time.Time
	newID   func() string
}

func NewEngine(rules Rules, history HistoryAppender, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		rules:   rules.withDefaults(),
		history: history,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// Apply derives suggestions and records an adjustment entry when at least
// one rule fired. With no suggestions nothing is written.
func (e *Engine) Apply(ctx context.Context, agentID string, res domain.AnalysisResult) ([]string, *domain.AdjustmentEntry, error) {
	suggestions := e.rules.Derive(res)
	if len(suggestions) == 0 {
		return nil, nil, nil
	}
	entry := domain.AdjustmentEntry{
		ID:          e.newID(),
		AgentID:     agentID,
		Timestamp:   e.now(),
		Suggestions: suggestions,
		Analysis:    res,
	}
	if err := e.history.Append(ctx, entry); err != nil {
		return suggestions, nil, fmt.Errorf("append adjustment history: %w", err)
	}
	e.logger.Printf("agent=%s adjustment recorded id=%s suggestions=%d sample_size=%d", agentID, entry.ID, len(suggestions), res.SampleSize)
	return suggestions, &entry, nil
}
