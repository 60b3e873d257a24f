package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"game_mas/internal/domain"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("GAME_MAS_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("set GAME_MAS_TEST_DATABASE_URL to run Postgres integration tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestPostgresStoreIntegration(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()
	agentID := "balancer-" + uuid.NewString()

	if err := store.UpsertAgent(ctx, domain.AgentRecord{ID: agentID, Kind: domain.AgentKindBalancer, Status: domain.AgentStatusIdle}); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	rec, err := store.GetAgent(ctx, agentID)
	if err != nil || rec.Kind != domain.AgentKindBalancer {
		t.Fatalf("agent=%+v err=%v", rec, err)
	}
	if _, err := store.GetAgent(ctx, "missing-"+uuid.NewString()); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("err=%v want ErrAgentNotFound", err)
	}

	for _, action := range []string{"task_accepted", "task_completed"} {
		if err := store.LogDecision(ctx, domain.DecisionLog{AgentID: agentID, Action: action, Reason: "integration"}); err != nil {
			t.Fatalf("log decision: %v", err)
		}
	}
	decisions, err := store.ListDecisions(ctx, agentID, 10)
	if err != nil || len(decisions) != 2 || decisions[0].Action != "task_completed" {
		t.Fatalf("decisions=%+v err=%v", decisions, err)
	}

	entry := domain.AdjustmentEntry{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		Timestamp:   time.Now().UTC().Truncate(time.Microsecond),
		Suggestions: []string{"reduce current difficulty"},
		Analysis:    domain.AnalysisResult{SuccessRate: 0.3, SampleSize: 10},
	}
	if err := store.AppendAdjustment(ctx, entry); err != nil {
		t.Fatalf("append adjustment: %v", err)
	}
	entries, err := store.ListAdjustments(ctx, agentID)
	if err != nil || len(entries) != 1 {
		t.Fatalf("entries=%+v err=%v", entries, err)
	}
	if !entries[0].Timestamp.Equal(entry.Timestamp) || entries[0].Analysis.SampleSize != 10 {
		t.Fatalf("entry=%+v", entries[0])
	}
}
