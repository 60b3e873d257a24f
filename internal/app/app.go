package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"game_mas/internal/agent"
	"game_mas/internal/anomaly"
	"game_mas/internal/config"
	"game_mas/internal/domain"
	"game_mas/internal/fs"
	"game_mas/internal/history"
	"game_mas/internal/lifecycle"
	"game_mas/internal/messaging/inproc"
	"game_mas/internal/messaging/natspub"
	"game_mas/internal/orchestrator"
	"game_mas/internal/policy"
	"game_mas/internal/registry"
	"game_mas/internal/store/memory"
	"game_mas/internal/store/postgres"
	"game_mas/internal/store/sqlite"
	"game_mas/internal/suggest"
	"game_mas/internal/telemetry"
)

// Store is the persistence contract shared by the sqlite, postgres and
// memory drivers.
type Store interface {
	Migrate(ctx context.Context) error
	Close() error
	UpsertAgent(ctx context.Context, rec domain.AgentRecord) error
	ListAgents(ctx context.Context) ([]domain.AgentRecord, error)
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
	ListDecisions(ctx context.Context, agentID string, limit int) ([]domain.DecisionLog, error)
	AppendAdjustment(ctx context.Context, entry domain.AdjustmentEntry) error
	ListAdjustments(ctx context.Context, agentID string) ([]domain.AdjustmentEntry, error)
}

type App struct {
	cfg          config.Config
	logger       *log.Logger
	store        Store
	registry     *registry.Registry
	orchestrator *orchestrator.Service
	exporter     *fs.Gateway
	histories    map[string]history.Log
	balancers    map[string]*agent.Balancer
	closers      []func() error
}

func OpenStore(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Driver {
	case config.StoreSQLite, "":
		store, err = sqlite.Open(cfg.Path)
	case config.StorePostgres:
		store, err = postgres.Open(ctx, cfg.DatabaseURL)
	case config.StoreMemory:
		store = memory.New()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func Build(ctx context.Context, cfg config.Config, logger *log.Logger) (*App, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}

	store, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	a := &App{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		registry:  registry.New(),
		histories: make(map[string]history.Log),
		balancers: make(map[string]*agent.Balancer),
		closers:   []func() error{store.Close},
	}
	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.cfg
	exportPolicy, err := policy.New(cfg.Export.Rules)
	if err != nil {
		return err
	}
	a.exporter, err = fs.NewGateway(cfg.Export.Root, exportPolicy, a.store)
	if err != nil {
		return fmt.Errorf("init export root: %w", err)
	}

	var sinks []history.Sink
	if cfg.NATS.URL != "" {
		pub, err := natspub.Connect(natspub.Config{URL: cfg.NATS.URL, Subject: cfg.NATS.Subject, Logger: a.logger})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pub.Close)
		sinks = append(sinks, pub)
	}

	var generator agent.Generator
	if cfg.Generator.Endpoint != "" {
		gen, err := agent.NewAPIGenerator(agent.APIGeneratorConfig{
			Endpoint:     cfg.Generator.Endpoint,
			Model:        cfg.Generator.Model,
			AuthToken:    cfg.Generator.AuthToken,
			Timeout:      cfg.Generator.Timeout(),
			Retries:      cfg.Generator.Retries,
			RetryBackoff: cfg.Generator.RetryBackoff(),
			Logger:       a.logger,
		})
		if err != nil {
			return err
		}
		generator = gen
	}

	drain, err := telemetry.ParseDrainPolicy(cfg.Analysis.DrainPolicy)
	if err != nil {
		return err
	}
	a.orchestrator = orchestrator.New(a.registry, inproc.New(cfg.Bus.Buffer), a.store, orchestrator.Config{}, a.logger)

	for _, ac := range cfg.Agents {
		hist := history.WithSinks(history.NewDurable(a.store, ac.ID), a.logger, sinks...)
		a.histories[ac.ID] = hist

		var caps []lifecycle.Capability
		switch ac.Kind {
		case domain.AgentKindBalancer:
			b := agent.NewBalancer(agent.BalancerConfig{
				Trigger: telemetry.Trigger{WindowSize: cfg.Analysis.WindowSize, Policy: drain},
				Detector: anomaly.Config{
					Contamination: cfg.Analysis.Contamination,
					Trees:         cfg.Analysis.Trees,
					SampleSize:    cfg.Analysis.SampleSize,
					Seed:          cfg.Analysis.Seed,
				},
				Rules: suggest.Rules{
					MinSuccessRate:       cfg.Analysis.MinSuccessRate,
					MaxCompletionSeconds: cfg.Analysis.MaxCompletionSeconds,
				},
				History:                hist,
				RebufferOnInsufficient: cfg.Analysis.RebufferOnInsufficient,
				Journal:                a.store,
				Logger:                 a.logger,
			})
			a.balancers[ac.ID] = b
			caps = append(caps, b)
		case domain.AgentKindEnvironment:
			caps = append(caps, agent.NewEnvironment(agent.EnvironmentConfig{
				Seed:    cfg.Analysis.Seed,
				Journal: a.store,
				Logger:  a.logger,
			}))
		}
		if kinds := agent.RemoteKinds(ac.Kind); len(kinds) > 0 {
			caps = append(caps, agent.NewRemote(generator, kinds, agent.RemoteConfig{
				Timeout: cfg.Generator.Timeout(),
				Journal: a.store,
				Logger:  a.logger,
			}))
		}

		w := lifecycle.New(lifecycle.Config{ID: ac.ID, Kind: ac.Kind, Journal: a.store, Logger: a.logger}, a.registry, caps...)
		if err := a.orchestrator.AddWorker(ctx, w); err != nil {
			return err
		}
	}
	a.logger.Printf("app wired agents=%d store=%s export_root=%s nats=%t generator=%t",
		len(cfg.Agents), cfg.Store.Driver, a.exporter.Root(), len(sinks) > 0, generator != nil)
	return nil
}

func (a *App) Config() config.Config { return a.cfg }

func (a *App) Start(ctx context.Context) {
	a.orchestrator.Start(ctx)
}

func (a *App) Wait() {
	a.orchestrator.Wait()
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) Agents() []domain.AgentRecord {
	return a.orchestrator.Agents()
}

func (a *App) Agent(id string) (domain.AgentRecord, error) {
	return a.orchestrator.Agent(id)
}

func (a *App) Submit(ctx context.Context, agentID string, task domain.Task) (domain.Result, error) {
	return a.orchestrator.Submit(ctx, agentID, task)
}

func (a *App) History(ctx context.Context, agentID string) ([]domain.AdjustmentEntry, error) {
	if _, err := a.registry.Get(agentID); err != nil {
		return nil, err
	}
	return a.histories[agentID].All(ctx)
}

func (a *App) Decisions(ctx context.Context, agentID string, limit int) ([]domain.DecisionLog, error) {
	if _, err := a.registry.Get(agentID); err != nil {
		return nil, err
	}
	return a.store.ListDecisions(ctx, agentID, limit)
}

func (a *App) ExportHistory(ctx context.Context, agentID string) (string, error) {
	entries, err := a.History(ctx, agentID)
	if err != nil {
		return "", err
	}
	return a.exporter.ExportHistory(ctx, agentID, entries)
}

type ReplaySummary struct {
	Records     int
	Pending     int
	Analyses    []domain.AnalysisResult
	Suggestions [][]string
	Failed      int
	Errors      []string
}

// Replay submits every JSON line of r to agentID as an analyze_realtime task.
// Blank lines are skipped; malformed lines count as failures.
func (a *App) Replay(ctx context.Context, agentID string, r io.Reader) (ReplaySummary, error) {
	var summary ReplaySummary
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(text), &payload); err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		summary.Records++
		res, err := a.Submit(ctx, agentID, domain.RawTask{Type: string(domain.TaskKindAnalyzeRealtime), Payload: payload})
		if err != nil {
			return summary, fmt.Errorf("replay line %d: %w", line, err)
		}
		switch res.Status {
		case domain.ResultStatusPending:
			summary.Pending++
		case domain.ResultStatusCompleted:
			if res.Analysis != nil {
				summary.Analyses = append(summary.Analyses, *res.Analysis)
				summary.Suggestions = append(summary.Suggestions, res.Suggestions)
			}
		default:
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("line %d: %s: %s", line, res.ErrorKind, res.Error))
		}
	}
	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("read telemetry: %w", err)
	}
	return summary, nil
}
