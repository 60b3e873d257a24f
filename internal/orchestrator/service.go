package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"game_mas/internal/domain"
	"game_mas/internal/lifecycle"
)

const orchestratorAgentID = "orchestrator"

var ErrWorkerExists = errors.New("worker already attached")

type Registry interface {
	Register(id string, kind domain.AgentKind) (domain.AgentRecord, error)
	Get(id string) (domain.AgentRecord, error)
	Snapshot() []domain.AgentRecord
}

type Bus interface {
	Register(agentID string) <-chan domain.Envelope
	Publish(env domain.Envelope) error
}

// Store persists agent records and orchestrator decisions. It may be nil.
type Store interface {
	UpsertAgent(ctx context.Context, rec domain.AgentRecord) error
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

type Config struct {
	SubmitTimeout time.Duration
	PersistRetry  int
}

func (c Config) withDefaults() Config {
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 30 * time.Second
	}
	if c.PersistRetry <= 0 {
		c.PersistRetry = 6
	}
	return c
}

// Service routes submitted tasks to agent queues and runs one loop per
// agent, so every agent processes a single task at a time.
type Service struct {
	registry Registry
	bus      Bus
	store    Store
	cfg      Config
	logger   *log.Logger

	wg sync.WaitGroup

	mu      sync.Mutex
	workers map[string]*lifecycle.Worker
	runCtx  context.Context
}

func New(registry Registry, bus Bus, store Store, cfg Config, logger *log.Logger) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		registry: registry,
		bus:      bus,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		workers:  make(map[string]*lifecycle.Worker),
	}
}

// AddWorker registers the agent and attaches its queue. Workers added after
// Start begin consuming immediately.
func (s *Service) AddWorker(ctx context.Context, w *lifecycle.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[w.ID()]; ok {
		return fmt.Errorf("add worker %s: %w", w.ID(), ErrWorkerExists)
	}
	rec, err := s.registry.Register(w.ID(), w.Kind())
	if err != nil {
		return fmt.Errorf("add worker %s: %w", w.ID(), err)
	}
	s.workers[w.ID()] = w
	queue := s.bus.Register(w.ID())
	s.persistAgent(ctx, rec)
	s.logAction(ctx, "", "agent_registered", "agent attached to orchestrator", rec)
	if s.runCtx != nil {
		s.startLoop(s.runCtx, w, queue)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return
	}
	s.runCtx = ctx
	for id, w := range s.workers {
		s.startLoop(ctx, w, s.bus.Register(id))
	}
}

func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) startLoop(ctx context.Context, w *lifecycle.Worker, queue <-chan domain.Envelope) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.workerLoop(ctx, w, queue)
	}()
}

func (s *Service) workerLoop(ctx context.Context, w *lifecycle.Worker, queue <-chan domain.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-queue:
			if !ok {
				return
			}
			s.process(ctx, w, env)
		}
	}
}

func (s *Service) process(ctx context.Context, w *lifecycle.Worker, env domain.Envelope) {
	started := time.Now()
	res, err := w.Run(ctx, env.Task)
	if err != nil {
		s.logger.Printf("orchestrator task agent=%s envelope=%s kind=%s error=%v", w.ID(), env.ID, env.Task.Kind(), err)
	} else {
		s.logger.Printf("orchestrator task agent=%s envelope=%s kind=%s status=%s queued=%s took=%s",
			w.ID(), env.ID, env.Task.Kind(), res.Status,
			started.Sub(env.SubmittedAt).Round(time.Millisecond), time.Since(started).Round(time.Millisecond))
	}
	if rec, getErr := s.registry.Get(w.ID()); getErr == nil {
		s.persistAgent(ctx, rec)
	}
	if env.Reply != nil {
		select {
		case env.Reply <- domain.Delivery{Result: res, Err: err}:
		default:
			s.logger.Printf("orchestrator reply dropped agent=%s envelope=%s", w.ID(), env.ID)
		}
	}
}

// Submit queues task for agentID and waits for its result. A full queue is
// rejected immediately.
func (s *Service) Submit(ctx context.Context, agentID string, task domain.Task) (domain.Result, error) {
	if task == nil {
		return domain.Result{}, fmt.Errorf("submit to %s: nil task", agentID)
	}
	if _, err := s.registry.Get(agentID); err != nil {
		return domain.Result{}, err
	}
	env := domain.Envelope{
		ID:          uuid.NewString(),
		ToAgent:     agentID,
		Task:        task,
		Reply:       make(chan domain.Delivery, 1),
		SubmittedAt: time.Now(),
	}
	if err := s.bus.Publish(env); err != nil {
		s.logAction(ctx, env.ID, "task_rejected", "agent queue refused task", map[string]any{
			"agent_id": agentID,
			"kind":     task.Kind(),
			"error":    err.Error(),
		})
		return domain.Result{}, fmt.Errorf("submit %s to %s: %w", task.Kind(), agentID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	defer cancel()
	select {
	case <-ctx.Done():
		return domain.Result{}, fmt.Errorf("wait for %s on %s: %w", task.Kind(), agentID, ctx.Err())
	case d := <-env.Reply:
		return d.Result, d.Err
	}
}

func (s *Service) Agents() []domain.AgentRecord {
	return s.registry.Snapshot()
}

func (s *Service) Agent(id string) (domain.AgentRecord, error) {
	return s.registry.Get(id)
}

func (s *Service) persistAgent(ctx context.Context, rec domain.AgentRecord) {
	if s.store == nil {
		return
	}
	var err error
	for attempt := 0; attempt < s.cfg.PersistRetry; attempt++ {
		err = s.store.UpsertAgent(ctx, rec)
		if err == nil || !isSQLiteBusy(err) {
			break
		}
		time.Sleep(time.Duration(30*(attempt+1)) * time.Millisecond)
	}
	if err != nil {
		s.logger.Printf("orchestrator persist agent=%s failed: %v", rec.ID, err)
	}
}

func (s *Service) logAction(ctx context.Context, taskID, action, reason string, payload any) {
	if s.store == nil {
		return
	}
	if err := s.store.LogDecision(ctx, domain.DecisionLog{
		AgentID: orchestratorAgentID,
		TaskID:  taskID,
		Action:  action,
		Reason:  reason,
		Payload: mustJSON(payload),
	}); err != nil {
		s.logger.Printf("orchestrator log decision %s failed: %v", action, err)
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
