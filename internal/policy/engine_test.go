package policy

import (
	"context"
	"testing"
)

func TestCanExport(t *testing.T) {
	engine, err := New([]Rule{
		{Agent: "balancer-*", Path: "balancer-*/**", Effect: EffectAllow},
		{Agent: "*", Path: "balancer-2/**", Effect: EffectDeny},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	tests := []struct {
		agent, path string
		want        bool
	}{
		{agent: "balancer-1", path: "balancer-1/history-1.json", want: true},
		{agent: "balancer-2", path: "balancer-2/history-1.json", want: false},
		{agent: "npc-1", path: "npc-1/history-1.json", want: false},
		{agent: "balancer-1", path: "./balancer-1/sub/history.json", want: true},
	}
	for _, tc := range tests {
		got, reason, err := engine.CanExport(context.Background(), tc.agent, tc.path)
		if err != nil {
			t.Fatalf("CanExport: %v", err)
		}
		if got != tc.want {
			t.Fatalf("CanExport(%s, %s)=%v (%s) want %v", tc.agent, tc.path, got, reason, tc.want)
		}
	}
}

func TestNoRulesAllowsEverything(t *testing.T) {
	engine, err := New(nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if ok, _, _ := engine.CanExport(context.Background(), "npc-1", "npc-1/x.json"); !ok {
		t.Fatalf("expected allow without rules")
	}
}

func TestNewRejectsBadRules(t *testing.T) {
	if _, err := New([]Rule{{Path: "x/**", Effect: "maybe"}}); err == nil {
		t.Fatalf("expected unknown effect error")
	}
	if _, err := New([]Rule{{Effect: EffectAllow}}); err == nil {
		t.Fatalf("expected empty path error")
	}
}
