package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"game_mas/internal/config"
	"game_mas/internal/domain"
	"game_mas/internal/registry"
	"game_mas/internal/suggest"
)

func newTestApp(t *testing.T, mutate func(*config.Config)) *App {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Driver = config.StoreMemory
	cfg.Export.Root = t.TempDir()
	cfg.Analysis.Seed = 1
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := Build(context.Background(), cfg, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.Start(ctx)
	t.Cleanup(func() {
		cancel()
		a.Wait()
		_ = a.Close()
	})
	return a
}

func realtimeTask(completion float64, success bool) domain.RawTask {
	return domain.RawTask{
		Type: string(domain.TaskKindAnalyzeRealtime),
		Payload: map[string]any{
			"completion_time": completion,
			"attempts":        1,
			"success":         success,
		},
	}
}

func TestLowSuccessWindowEndToEnd(t *testing.T) {
	a := newTestApp(t, nil)
	ctx := context.Background()

	var last domain.Result
	for i := 0; i < 10; i++ {
		res, err := a.Submit(ctx, "balancer-1", realtimeTask(50, i >= 7))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if i < 9 && res.Status != domain.ResultStatusPending {
			t.Fatalf("submit %d: result=%+v want pending", i, res)
		}
		last = res
	}
	if last.Status != domain.ResultStatusCompleted || len(last.Suggestions) != 1 || last.Suggestions[0] != suggest.ReduceDifficulty {
		t.Fatalf("window result=%+v", last)
	}

	entries, err := a.History(ctx, "balancer-1")
	if err != nil || len(entries) != 1 {
		t.Fatalf("history=%+v err=%v", entries, err)
	}
	res, err := a.Submit(ctx, "balancer-1", domain.RawTask{Type: "get_history"})
	if err != nil || len(res.History) != 1 || res.History[0].ID != entries[0].ID {
		t.Fatalf("get_history=%+v err=%v", res, err)
	}

	decisions, err := a.Decisions(ctx, "balancer-1", 5)
	if err != nil || len(decisions) == 0 {
		t.Fatalf("decisions=%v err=%v", decisions, err)
	}
	if decisions[0].Action != "task_completed" {
		t.Fatalf("newest decision=%s", decisions[0].Action)
	}

	rel, err := a.ExportHistory(ctx, "balancer-1")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(a.Config().Export.Root, filepath.FromSlash(rel)))
	if err != nil || !strings.Contains(string(raw), entries[0].ID) {
		t.Fatalf("export content err=%v", err)
	}
}

func TestAgentsFromConfig(t *testing.T) {
	a := newTestApp(t, nil)
	agents := a.Agents()
	if len(agents) != 4 {
		t.Fatalf("agents=%+v", agents)
	}
	for _, rec := range agents {
		if rec.Status != domain.AgentStatusIdle {
			t.Fatalf("agent %s status=%s", rec.ID, rec.Status)
		}
	}
	if _, err := a.Agent("ghost"); !errors.Is(err, registry.ErrAgentNotFound) {
		t.Fatalf("err=%v", err)
	}
	if _, err := a.History(context.Background(), "ghost"); !errors.Is(err, registry.ErrAgentNotFound) {
		t.Fatalf("history err=%v", err)
	}
}

func TestOtherAgentKinds(t *testing.T) {
	a := newTestApp(t, nil)
	ctx := context.Background()

	res, err := a.Submit(ctx, "environment-1", domain.RawTask{Type: "weather_system", Payload: map[string]any{"weather_type": "foggy"}})
	if err != nil || res.Status != domain.ResultStatusCompleted || res.Weather == nil || res.Weather.Weather != "foggy" {
		t.Fatalf("weather=%+v err=%v", res, err)
	}

	res, err = a.Submit(ctx, "npc-1", domain.RawTask{Type: "dialogue", Payload: map[string]any{"context": "a merchant"}})
	if err != nil || res.ErrorKind != domain.ErrorKindGenerationFailed {
		t.Fatalf("dialogue=%+v err=%v", res, err)
	}

	res, err = a.Submit(ctx, "npc-1", domain.RawTask{Type: "weather_system"})
	if err != nil || res.ErrorKind != domain.ErrorKindUnknownTaskKind {
		t.Fatalf("unsupported kind=%+v err=%v", res, err)
	}
}

func TestReplay(t *testing.T) {
	a := newTestApp(t, nil)
	var b strings.Builder
	for i := 0; i < 12; i++ {
		fmt.Fprintf(&b, `{"completion_time": 50, "attempts": 1, "success": %t}`+"\n", i%2 == 0)
	}
	b.WriteString("\nnot json\n")
	b.WriteString(`{"attempts": 1, "success": true}` + "\n")

	summary, err := a.Replay(context.Background(), "balancer-1", strings.NewReader(b.String()))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if summary.Records != 13 || len(summary.Analyses) != 1 || summary.Pending != 11 || summary.Failed != 2 {
		t.Fatalf("summary=%+v", summary)
	}
	if summary.Analyses[0].SampleSize != 10 || summary.Analyses[0].SuccessRate != 0.5 {
		t.Fatalf("analysis=%+v", summary.Analyses[0])
	}
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = config.StoreMemory
	cfg.Export.Root = t.TempDir()
	cfg.Analysis.DrainPolicy = "never"
	if _, err := Build(context.Background(), cfg, log.New(io.Discard, "", 0)); err == nil {
		t.Fatalf("expected invalid config error")
	}
}

func TestOpenSQLiteStore(t *testing.T) {
	store, err := OpenStore(context.Background(), config.StoreConfig{Driver: config.StoreSQLite, Path: filepath.Join(t.TempDir(), "app.db")})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()
	if err := store.LogDecision(context.Background(), domain.DecisionLog{AgentID: "a", Action: "x"}); err != nil {
		t.Fatalf("log decision: %v", err)
	}
}
