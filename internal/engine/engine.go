package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/fireforget/internal/background"
	"github.com/seantiz/fireforget/internal/handler"
	"github.com/seantiz/fireforget/internal/model"
	"github.com/seantiz/fireforget/internal/store"
)

// DefaultTimeoutS is the per-task timeout in seconds when none is specified.
const DefaultTimeoutS = 30

// ErrInvalidInput is returned by Validate when a handler rejects task input.
var ErrInvalidInput = errors.New("invalid task input")

// errKilled is the cancellation cause of a task stopped through Cancel.
var errKilled = errors.New("task killed")

// Engine runs tasks through a background.Producer and records their
// lifecycle in the store.
type Engine struct {
	store    store.Store
	registry *handler.Registry
	tasks    background.Producer
	logger   *slog.Logger
	broker   *EventBroker

	// cancels maps task ID to the context.CancelCauseFunc of its run.
	cancels sync.Map
}

// NewEngine creates an engine that schedules task execution on tasks.
func NewEngine(s store.Store, reg *handler.Registry, tasks background.Producer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    s,
		registry: reg,
		tasks:    tasks,
		logger:   logger,
		broker:   NewEventBroker(),
	}
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Handlers lists the registered task handlers.
func (e *Engine) Handlers() []handler.Info {
	return e.registry.List()
}

// Validate checks that kind has a handler and, if the handler can validate,
// that input is acceptable to it.
func (e *Engine) Validate(kind string, input json.RawMessage) error {
	h, err := e.registry.Resolve(kind)
	if err != nil {
		return err
	}
	if v, ok := h.(handler.Validator); ok {
		if err := v.Validate(input); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	return nil
}

// Submit stores t as pending and schedules its execution without waiting
// for it. The scheduled function works on a copy of t. If scheduling is
// refused the task is recorded as canceled and the error is returned.
func (e *Engine) Submit(ctx context.Context, t *model.Task) error {
	if err := e.store.CreateTask(ctx, t); err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	tCopy := *t
	err := e.tasks.Schedule(ctx, func(ctx context.Context) error {
		return e.execute(ctx, &tCopy)
	})
	if err != nil {
		e.finish(&tCopy, model.StatusCanceled, nil, nil, fmt.Sprintf("not scheduled: %v", err))
		e.broker.Close(t.ID)
		return fmt.Errorf("schedule task: %w", err)
	}

	return nil
}

// Cancel kills a task. A running task has its context cancelled and is
// recorded as killed once its handler returns; a pending task is marked
// killed and never runs. Terminal tasks yield store.ErrInvalidTransition.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	if e.kill(id) {
		return nil
	}
	if err := e.store.UpdateTaskStatus(ctx, id, model.StatusKilled); err != nil {
		return fmt.Errorf("kill task %s: %w", id, err)
	}
	// The run may have registered between the lookup and the update.
	e.kill(id)
	return nil
}

func (e *Engine) kill(id string) bool {
	v, ok := e.cancels.Load(id)
	if !ok {
		return false
	}
	v.(context.CancelCauseFunc)(errKilled)
	return true
}

// execute runs one task: pending -> running -> completed, failed, canceled
// or killed. ctx is the shutdown context. The returned error is what the
// background tracker records: nil for success and kills, ctx's error for
// shutdown, and the handler failure otherwise.
func (e *Engine) execute(ctx context.Context, t *model.Task) error {
	// Runs after finish has recorded the terminal status.
	defer e.broker.Close(t.ID)

	// Registered before the running transition so Cancel never misses a run.
	runCtx, kill := context.WithCancelCause(ctx)
	defer kill(nil)
	e.cancels.Store(t.ID, kill)
	defer e.cancels.Delete(t.ID)

	if err := ctx.Err(); err != nil {
		e.finish(t, model.StatusCanceled, nil, nil, "canceled before start")
		return err
	}

	if err := e.store.UpdateTaskStatus(context.Background(), t.ID, model.StatusRunning); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			e.logger.Info("task killed before start", "task_id", t.ID)
			tasksTotal.WithLabelValues(t.Kind, model.StatusKilled).Inc()
			return nil
		}
		e.logger.Error("failed to transition to running", "task_id", t.ID, "error", err)
		e.finish(t, model.StatusFailed, nil, nil, fmt.Sprintf("failed to start: %v", err))
		return fmt.Errorf("start task %s: %w", t.ID, err)
	}

	start := time.Now()

	timeoutS := DefaultTimeoutS
	if t.TimeoutS != nil && *t.TimeoutS > 0 {
		timeoutS = *t.TimeoutS
	}
	taskCtx, cancel := context.WithTimeout(runCtx, time.Duration(timeoutS)*time.Second)
	defer cancel()

	h, err := e.registry.Resolve(t.Kind)
	if err != nil {
		e.finish(t, model.StatusFailed, &start, nil, fmt.Sprintf("resolve handler: %v", err))
		return fmt.Errorf("resolve handler: %w", err)
	}

	// Emit persists each line for history, then publishes it live.
	var seq atomic.Int32
	spec := handler.Spec{
		TaskID: t.ID,
		Kind:   t.Kind,
		Input:  t.Input,
		Emit: func(line string) {
			n := int(seq.Add(1) - 1)
			if err := e.store.InsertEventLine(context.Background(), t.ID, n, line); err != nil {
				e.logger.Error("failed to persist event line", "task_id", t.ID, "seq", n, "error", err)
			}
			if dropped := e.broker.Publish(t.ID, line); dropped > 0 {
				eventsDropped.Add(float64(dropped))
			}
		},
	}

	defer func() {
		if r := recover(); r != nil {
			e.finish(t, model.StatusFailed, &start, nil, fmt.Sprintf("handler panicked: %v", r))
			panic(r)
		}
	}()

	result, err := h.Run(taskCtx, spec)
	switch {
	case err == nil:
		e.finish(t, model.StatusCompleted, &start, result.Output, "")
		return nil
	case ctx.Err() != nil:
		e.finish(t, model.StatusCanceled, &start, nil, "canceled by shutdown")
		return ctx.Err()
	case errors.Is(context.Cause(runCtx), errKilled):
		e.finish(t, model.StatusKilled, &start, nil, errKilled.Error())
		return nil
	case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		msg := fmt.Sprintf("task timed out after %ds", timeoutS)
		e.finish(t, model.StatusFailed, &start, nil, msg)
		return fmt.Errorf("task %s: %s", t.ID, msg)
	default:
		e.finish(t, model.StatusFailed, &start, nil, err.Error())
		return fmt.Errorf("run %s task %s: %w", t.Kind, t.ID, err)
	}
}

// finish records the terminal state of t. startedAt is nil if the task never
// started.
func (e *Engine) finish(t *model.Task, status string, startedAt *time.Time, output []byte, errMsg string) {
	now := time.Now().UTC()
	rec := &model.Task{
		ID:         t.ID,
		Status:     status,
		Output:     output,
		Error:      errMsg,
		StartedAt:  startedAt,
		FinishedAt: &now,
	}
	if startedAt != nil {
		d := int(time.Since(*startedAt).Milliseconds())
		rec.DurationMS = &d
	}

	if err := e.store.UpdateTask(context.Background(), rec); err != nil {
		e.logger.Error("failed to record task result", "task_id", t.ID, "status", status, "error", err)
		return
	}
	tasksTotal.WithLabelValues(t.Kind, status).Inc()
	e.logger.Info("task finished", "task_id", t.ID, "kind", t.Kind, "status", status)
}
