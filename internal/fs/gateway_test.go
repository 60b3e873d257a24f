package fs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"game_mas/internal/domain"
)

type testPolicy struct {
	allowed bool
}

func (p testPolicy) CanExport(_ context.Context, _ string, _ string) (bool, string, error) {
	if p.allowed {
		return true, "allowed", nil
	}
	return false, "denied", nil
}

type testJournal struct {
	entries []domain.DecisionLog
}

func (j *testJournal) LogDecision(_ context.Context, entry domain.DecisionLog) error {
	j.entries = append(j.entries, entry)
	return nil
}

func TestWriteFileDeniedByPolicy(t *testing.T) {
	journal := &testJournal{}
	gw, err := NewGateway(t.TempDir(), testPolicy{allowed: false}, journal)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	_, err = gw.WriteFile(context.Background(), "balancer-1", "balancer-1/a.json", []byte("{}"))
	if !errors.Is(err, ErrForbiddenFileOperation) {
		t.Fatalf("err=%v want ErrForbiddenFileOperation", err)
	}
	if len(journal.entries) != 1 || journal.entries[0].Action != "export_denied" {
		t.Fatalf("journal=%+v", journal.entries)
	}
}

func TestWriteFileRejectsEscapes(t *testing.T) {
	gw, err := NewGateway(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	for _, p := range []string{"../outside.json", "a/../../outside.json", "", "."} {
		if _, err := gw.WriteFile(context.Background(), "balancer-1", p, []byte("{}")); err == nil {
			t.Fatalf("expected %q to be rejected", p)
		}
	}
	if _, err := gw.ExportHistory(context.Background(), "..", nil); err == nil {
		t.Fatalf("expected agent id escaping root to be rejected")
	}
}

func TestExportHistoryWritesJSON(t *testing.T) {
	root := t.TempDir()
	journal := &testJournal{}
	gw, err := NewGateway(root, testPolicy{allowed: true}, journal)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	gw.now = func() time.Time { return time.Date(2026, 4, 5, 6, 7, 8, 900_000_000, time.UTC) }

	entries := []domain.AdjustmentEntry{{
		ID:          "e-1",
		AgentID:     "balancer-1",
		Suggestions: []string{"reduce current difficulty"},
		Analysis:    domain.AnalysisResult{SuccessRate: 0.3, SampleSize: 10},
	}}
	rel, err := gw.ExportHistory(context.Background(), "balancer-1", entries)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if rel != "balancer-1/history-20260405T060708.900Z.json" {
		t.Fatalf("path=%s", rel)
	}

	raw, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	var decoded historyExport
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if decoded.AgentID != "balancer-1" || len(decoded.Entries) != 1 || decoded.Entries[0].ID != "e-1" {
		t.Fatalf("export=%+v", decoded)
	}
	if again, err := gw.ReadFile(rel); err != nil || string(again) != string(raw) {
		t.Fatalf("ReadFile mismatch err=%v", err)
	}
	if len(journal.entries) != 1 || journal.entries[0].Action != "history_exported" {
		t.Fatalf("journal=%+v", journal.entries)
	}
}
