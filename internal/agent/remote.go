package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"game_mas/internal/domain"
)

var ErrGeneratorUnavailable = errors.New("no generation service configured")

type GenerationRequest struct {
	AgentID string          `json:"agent_id"`
	Kind    domain.TaskKind `json:"kind"`
	Prompt  string          `json:"prompt"`
	Params  map[string]any  `json:"params,omitempty"`
}

// Generator is the boundary to a remote generation service.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (json.RawMessage, error)
}

// RemoteKinds lists the generation task kinds served by each agent kind.
func RemoteKinds(kind domain.AgentKind) []domain.TaskKind {
	switch kind {
	case domain.AgentKindNPC:
		return []domain.TaskKind{domain.TaskKindDialogue, domain.TaskKindEmotionalResponse}
	case domain.AgentKindContent:
		return []domain.TaskKind{domain.TaskKindStoryline, domain.TaskKindCharacters, domain.TaskKindElements}
	case domain.AgentKindEnvironment:
		return []domain.TaskKind{domain.TaskKindSceneGeneration}
	default:
		return nil
	}
}

type RemoteConfig struct {
	Timeout time.Duration
	Journal Journal
	Logger  *log.Logger
}

// Remote forwards generation tasks and turns every generator failure into a
// failed result.
type Remote struct {
	kinds     []domain.TaskKind
	generator Generator
	timeout   time.Duration
	journal   Journal
	logger    *log.Logger
}

func NewRemote(generator Generator, kinds []domain.TaskKind, cfg RemoteConfig) *Remote {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Remote{
		kinds:     kinds,
		generator: generator,
		timeout:   cfg.Timeout,
		journal:   cfg.Journal,
		logger:    cfg.Logger,
	}
}

func (r *Remote) Kinds() []domain.TaskKind {
	return r.kinds
}

func (r *Remote) Handle(ctx context.Context, agentID string, task domain.Task) domain.Result {
	gen, ok := task.(domain.Generate)
	if !ok {
		return domain.FailedResult(domain.ErrorKindUnknownTaskKind, fmt.Errorf("%w: %q", domain.ErrUnknownTaskKind, task.Kind()))
	}
	if r.generator == nil {
		return domain.FailedResult(domain.ErrorKindGenerationFailed, ErrGeneratorUnavailable)
	}
	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	started := time.Now()
	output, err := r.generator.Generate(callCtx, GenerationRequest{
		AgentID: agentID,
		Kind:    gen.TaskKind,
		Prompt:  gen.Prompt,
		Params:  gen.Params,
	})
	if err != nil {
		r.logger.Printf("agent=%s generation kind=%s failed after %s: %v", agentID, gen.TaskKind, time.Since(started).Round(time.Millisecond), err)
		logAction(ctx, r.journal, agentID, "generation_failed", "remote generation failed", map[string]any{
			"kind":  gen.TaskKind,
			"error": trim(err.Error(), 400),
		})
		return domain.FailedResult(domain.ErrorKindGenerationFailed, err)
	}
	logAction(ctx, r.journal, agentID, "generation_completed", "remote generation returned output", map[string]any{
		"kind":         gen.TaskKind,
		"output_bytes": len(output),
	})
	res := domain.CompletedResult()
	res.Output = output
	return res
}
