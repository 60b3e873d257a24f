package agent

import (
	"context"
	"encoding/json"

	"game_mas/internal/domain"
)

type Journal interface {
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

func mustJSON(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return payload
}

func logAction(ctx context.Context, journal Journal, agentID string, action string, reason string, payload any) {
	if journal == nil || agentID == "" || action == "" {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw := []byte("{}")
	if payload != nil {
		raw = mustJSON(payload)
	}
	_ = journal.LogDecision(ctx, domain.DecisionLog{
		AgentID: agentID,
		Action:  action,
		Reason:  reason,
		Payload: raw,
	})
}

func trim(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
