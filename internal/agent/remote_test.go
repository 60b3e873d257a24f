package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"game_mas/internal/domain"
)

type fakeGenerator struct {
	out  json.RawMessage
	err  error
	last GenerationRequest
	wait time.Duration
}

func (g *fakeGenerator) Generate(ctx context.Context, req GenerationRequest) (json.RawMessage, error) {
	g.last = req
	if g.wait > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(g.wait):
		}
	}
	return g.out, g.err
}

func TestRemoteForwardsPrompt(t *testing.T) {
	gen := &fakeGenerator{out: json.RawMessage(`{"line":"hail"}`)}
	journal := &memoryJournal{}
	r := NewRemote(gen, RemoteKinds(domain.AgentKindNPC), RemoteConfig{Journal: journal, Logger: log.New(io.Discard, "", 0)})

	task := domain.Generate{TaskKind: domain.TaskKindDialogue, Prompt: "tavern keeper", Params: map[string]any{"mood": "grumpy"}}
	res := r.Handle(context.Background(), "npc-1", task)
	if res.Status != domain.ResultStatusCompleted || string(res.Output) != `{"line":"hail"}` {
		t.Fatalf("result=%+v", res)
	}
	if gen.last.AgentID != "npc-1" || gen.last.Prompt != "tavern keeper" || gen.last.Params["mood"] != "grumpy" {
		t.Fatalf("request=%+v", gen.last)
	}
	if got := journal.actions(); len(got) != 1 || got[0] != "generation_completed" {
		t.Fatalf("journal=%q", got)
	}
}

func TestRemoteFailuresBecomeGenerationFailed(t *testing.T) {
	quiet := log.New(io.Discard, "", 0)
	task := domain.Generate{TaskKind: domain.TaskKindStoryline, Prompt: "a heist"}
	tests := []struct {
		name string
		gen  Generator
		cfg  RemoteConfig
	}{
		{name: "service error", gen: &fakeGenerator{err: errors.New("upstream 503")}, cfg: RemoteConfig{Logger: quiet}},
		{name: "no generator", gen: nil, cfg: RemoteConfig{Logger: quiet}},
		{name: "timeout", gen: &fakeGenerator{wait: time.Second}, cfg: RemoteConfig{Timeout: 10 * time.Millisecond, Logger: quiet}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRemote(tc.gen, RemoteKinds(domain.AgentKindContent), tc.cfg)
			res := r.Handle(context.Background(), "content-1", task)
			if res.Status != domain.ResultStatusFailed || res.ErrorKind != domain.ErrorKindGenerationFailed || res.Error == "" {
				t.Fatalf("result=%+v", res)
			}
		})
	}
}

func TestRemoteKinds(t *testing.T) {
	if got := RemoteKinds(domain.AgentKindBalancer); got != nil {
		t.Fatalf("balancer remote kinds=%v", got)
	}
	if got := RemoteKinds(domain.AgentKindEnvironment); len(got) != 1 || got[0] != domain.TaskKindSceneGeneration {
		t.Fatalf("environment remote kinds=%v", got)
	}
}
