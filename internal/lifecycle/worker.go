package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"game_mas/internal/domain"
)

var (
	ErrTaskInFlight = errors.New("agent already has a task in flight")
	ErrNoActiveTask = errors.New("agent has no active task")
)

type StatusSetter interface {
	SetStatus(id string, status domain.AgentStatus) error
}

type Capability interface {
	Kinds() []domain.TaskKind
	Handle(ctx context.Context, agentID string, task domain.Task) domain.Result
}

type Journal interface {
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

type Config struct {
	ID      string
	Kind    domain.AgentKind
	Journal Journal
	Logger  *log.Logger
}

// Worker enforces accept -> process -> complete for one agent. Callers must
// serialize Process for the same worker.
type Worker struct {
	id       string
	kind     domain.AgentKind
	status   StatusSetter
	handlers map[domain.TaskKind]Capability
	journal  Journal
	logger   *log.Logger

	mu      sync.Mutex
	current domain.Task
	taskID  string
}

func New(cfg Config, status StatusSetter, caps ...Capability) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	w := &Worker{
		id:       cfg.ID,
		kind:     cfg.Kind,
		status:   status,
		handlers: make(map[domain.TaskKind]Capability),
		journal:  cfg.Journal,
		logger:   cfg.Logger,
	}
	for _, c := range caps {
		for _, kind := range c.Kinds() {
			w.handlers[kind] = c
		}
	}
	return w
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) Kind() domain.AgentKind { return w.kind }

func (w *Worker) Supports(kind domain.TaskKind) bool {
	_, ok := w.handlers[kind]
	return ok
}

func (w *Worker) Accept(ctx context.Context, task domain.Task) error {
	if task == nil {
		return fmt.Errorf("accept: nil task")
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current != nil {
		return fmt.Errorf("accept %s on %s: %w", task.Kind(), w.id, ErrTaskInFlight)
	}
	if err := w.status.SetStatus(w.id, domain.AgentStatusWorking); err != nil {
		return err
	}
	w.current = task
	w.taskID = uuid.NewString()
	w.logAction(ctx, w.taskID, "task_accepted", "agent accepted task", map[string]any{
		"kind": task.Kind(),
	})
	return nil
}

// Process runs the accepted task. Malformed tasks and capability failures are
// returned as failed results; only protocol violations return an error.
func (w *Worker) Process(ctx context.Context) (res domain.Result, err error) {
	w.mu.Lock()
	task, taskID := w.current, w.taskID
	w.mu.Unlock()
	if task == nil {
		return domain.Result{}, ErrNoActiveTask
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Printf("agent=%s task=%s kind=%s panic: %v", w.id, taskID, task.Kind(), r)
			res = domain.FailedResult(domain.ErrorKindInternal, fmt.Errorf("task handler panicked: %v", r))
		}
		res.TaskID = taskID
		res.Kind = task.Kind()
	}()

	handler, ok := w.handlers[task.Kind()]
	if !ok {
		err := fmt.Errorf("%w: %q for agent %s", domain.ErrUnknownTaskKind, task.Kind(), w.id)
		return domain.FailedResult(domain.ErrorKindUnknownTaskKind, err), nil
	}
	if raw, isRaw := task.(domain.RawTask); isRaw {
		decoded, decodeErr := domain.DecodeTask(raw)
		if decodeErr != nil {
			return domain.FailedResult(domain.ClassifyError(decodeErr), decodeErr), nil
		}
		task = decoded
	}
	return handler.Handle(ctx, w.id, task), nil
}

func (w *Worker) Complete(ctx context.Context, result domain.Result) (domain.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current == nil {
		return result, ErrNoActiveTask
	}
	taskID := w.taskID
	w.current = nil
	w.taskID = ""
	w.logAction(ctx, taskID, "task_completed", "agent completed task", map[string]any{
		"status":     result.Status,
		"error_kind": result.ErrorKind,
	})
	if err := w.status.SetStatus(w.id, domain.AgentStatusIdle); err != nil {
		return result, err
	}
	return result, nil
}

func (w *Worker) Run(ctx context.Context, task domain.Task) (domain.Result, error) {
	if err := w.Accept(ctx, task); err != nil {
		return domain.Result{}, err
	}
	res, err := w.Process(ctx)
	if err != nil {
		res = domain.FailedResult(domain.ErrorKindInternal, err)
	}
	return w.Complete(ctx, res)
}

func (w *Worker) logAction(ctx context.Context, taskID, action, reason string, payload any) {
	if w.journal == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("{}")
	}
	if err := w.journal.LogDecision(ctx, domain.DecisionLog{
		AgentID: w.id,
		TaskID:  taskID,
		Action:  action,
		Reason:  reason,
		Payload: raw,
	}); err != nil {
		w.logger.Printf("agent=%s log decision %s failed: %v", w.id, action, err)
	}
}
