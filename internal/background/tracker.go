package background

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
)

// DefaultCompletionTimeout bounds CompletePending when Config leaves it unset.
const DefaultCompletionTimeout = 30 * time.Second

// Func is a unit of fire-and-forget work. The context it receives is the
// tracker's shutdown context, cancelled when the tracker is closed.
type Func func(ctx context.Context) error

// Producer schedules fire-and-forget work.
type Producer interface {
	// Schedule starts fn in the background and returns without waiting for
	// it. ctx only governs the scheduling itself: if it is already done, fn
	// is not started.
	Schedule(ctx context.Context, fn Func) error
}

// Consumer waits for scheduled work and shuts the tracker down.
type Consumer interface {
	// CompletePending waits for every task registered at the time of the
	// call, the completion timeout, or ctx, whichever comes first.
	CompletePending(ctx context.Context) error
	io.Closer
}

// Compile-time interface satisfaction checks.
var (
	_ Producer = (*Tracker)(nil)
	_ Consumer = (*Tracker)(nil)
)

// Register exposes one tracker through both capability views so that work
// scheduled through the Producer is what the Consumer drains.
func Register(t *Tracker) (Producer, Consumer) {
	return t, t
}

// Config holds tracker settings. The zero value is usable.
type Config struct {
	// CompletionTimeout bounds each CompletePending call. Values <= 0 mean
	// DefaultCompletionTimeout.
	CompletionTimeout time.Duration

	// Clock is the time source for timeouts and durations. Nil means the
	// real clock.
	Clock clockwork.Clock
}

// Status is the lifecycle state of a tracked task.
type Status int32

// Tracked task states.
const (
	StatusPending Status = iota
	StatusCompleted
	StatusFaulted
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return outcomeCompleted
	case StatusFaulted:
		return outcomeFaulted
	case StatusCanceled:
		return outcomeCanceled
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Stats is a point-in-time view of tracker counters.
type Stats struct {
	Pending   int64  `json:"pending"`
	Scheduled uint64 `json:"scheduled"`
	Completed uint64 `json:"completed"`
	Faulted   uint64 `json:"faulted"`
	Canceled  uint64 `json:"canceled"`
	Closed    bool   `json:"closed"`
}

type trackedTask struct {
	id      ulid.ULID
	started time.Time
	status  atomic.Int32
	// swept is set by a drain before it removes a finished entry, so the
	// task's own removal does not report the entry as missing.
	swept atomic.Bool
	done  chan struct{}
}

func (t *trackedTask) finished() bool {
	return Status(t.status.Load()) != StatusPending
}

// Tracker runs fire-and-forget work and tracks it until it finishes.
// It is safe for concurrent use.
type Tracker struct {
	logger  *slog.Logger
	clock   clockwork.Clock
	timeout time.Duration

	shutdown context.Context
	cancel   context.CancelFunc

	// mu is held shared by Schedule from the closed check through the
	// registry insert and exclusively by Close while it sets closed.
	mu        sync.RWMutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	// tasks maps ulid.ULID to *trackedTask.
	tasks sync.Map

	pending   atomic.Int64
	scheduled atomic.Uint64
	completed atomic.Uint64
	faulted   atomic.Uint64
	canceled  atomic.Uint64
}

// New creates a tracker whose shutdown context derives from parent.
// Cancelling parent has the same effect on running work as Close, but only
// Close stops new work from being scheduled.
func New(parent context.Context, cfg Config, logger *slog.Logger) *Tracker {
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = DefaultCompletionTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}

	shutdown, cancel := context.WithCancel(parent)
	return &Tracker{
		logger:   logger,
		clock:    cfg.Clock,
		timeout:  cfg.CompletionTimeout,
		shutdown: shutdown,
		cancel:   cancel,
	}
}

// CompletionTimeout returns the bound applied to each CompletePending call.
func (t *Tracker) CompletionTimeout() time.Duration {
	return t.timeout
}

// Schedule registers fn and starts it on a new goroutine.
func (t *Tracker) Schedule(ctx context.Context, fn Func) error {
	if fn == nil {
		return ErrNilFunc
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("schedule task: %w", err)
	}

	task := &trackedTask{
		id:      ulid.Make(),
		started: t.clock.Now(),
		done:    make(chan struct{}),
	}

	// Registration happens before the goroutine starts, so even a task that
	// returns immediately finds its own entry.
	t.tasks.Store(task.id, task)
	t.pending.Add(1)
	t.scheduled.Add(1)
	tasksScheduled.Inc()
	tasksInFlight.Inc()

	go t.run(task, fn)

	return nil
}

// run executes fn and performs the task's completion bookkeeping.
func (t *Tracker) run(task *trackedTask, fn Func) {
	defer close(task.done)

	err := t.invoke(fn)
	status := t.classify(err)
	elapsed := t.clock.Since(task.started)

	switch status {
	case StatusCompleted:
		t.completed.Add(1)
	case StatusCanceled:
		t.canceled.Add(1)
		t.logger.Debug("fire-and-forget task canceled by shutdown",
			"task_id", task.id.String(),
			"duration_ms", elapsed.Milliseconds(),
		)
	case StatusFaulted:
		t.faulted.Add(1)
		attrs := []any{
			"task_id", task.id.String(),
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		}
		var pe *PanicError
		if errors.As(err, &pe) {
			attrs = append(attrs, "stack", string(pe.Stack))
		}
		t.logger.Warn("fire-and-forget task failed", attrs...)
	}
	tasksFinished.WithLabelValues(status.String()).Inc()
	taskDuration.Observe(elapsed.Seconds())

	task.status.Store(int32(status))

	if _, loaded := t.tasks.LoadAndDelete(task.id); !loaded && !task.swept.Load() {
		registryAnomalies.Inc()
		t.logger.Warn("fire-and-forget task missing from registry", "task_id", task.id.String())
	}

	t.pending.Add(-1)
	tasksInFlight.Dec()
}

// invoke calls fn with the shutdown context, turning a panic into a
// *PanicError.
func (t *Tracker) invoke(fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(t.shutdown)
}

func (t *Tracker) classify(err error) Status {
	switch {
	case err == nil:
		return StatusCompleted
	case errors.Is(err, context.Canceled) && t.shutdown.Err() != nil:
		return StatusCanceled
	default:
		return StatusFaulted
	}
}

// CompletePending waits for the tasks registered when it is called. Tasks
// scheduled afterwards are not waited for. It returns an error matching
// ErrCompletionTimeout when the completion timeout elapses first, or one
// wrapping ctx.Err() when ctx is done first.
func (t *Tracker) CompletePending(ctx context.Context) error {
	start := t.clock.Now()
	defer func() {
		drainDuration.Observe(t.clock.Since(start).Seconds())
	}()

	snapshot := t.snapshot()
	if len(snapshot) == 0 {
		return nil
	}

	timer := t.clock.NewTimer(t.timeout)
	defer timer.Stop()

	for i, task := range snapshot {
		select {
		case <-task.done:
		case <-ctx.Done():
			return fmt.Errorf("complete pending tasks: %w", ctx.Err())
		case <-timer.Chan():
			drainTimeouts.Inc()
			return &TimeoutError{Timeout: t.timeout, Pending: countRunning(snapshot[i:])}
		}
	}

	return nil
}

// snapshot returns the registered tasks that have not finished yet. Entries
// that already finished are swept from the registry on the way.
func (t *Tracker) snapshot() []*trackedTask {
	var tasks []*trackedTask
	t.tasks.Range(func(key, value any) bool {
		task := value.(*trackedTask)
		if task.finished() {
			task.swept.Store(true)
			t.tasks.CompareAndDelete(key, task)
			return true
		}
		tasks = append(tasks, task)
		return true
	})
	return tasks
}

func countRunning(tasks []*trackedTask) int {
	n := 0
	for _, task := range tasks {
		select {
		case <-task.done:
		default:
			n++
		}
	}
	return n
}

// Close cancels the shutdown context, stops accepting work and waits for
// in-flight tasks, bounded by the completion timeout. Cancellation caused by
// the shutdown itself is not an error; a timeout is. Later calls return the
// first call's result.
func (t *Tracker) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed.Store(true)
		t.mu.Unlock()
		t.cancel()

		err := t.CompletePending(context.Background())
		if errors.Is(err, context.Canceled) && t.shutdown.Err() != nil {
			err = nil
		}
		if err != nil {
			t.logger.Error("background tracker closed with pending tasks", "error", err)
		}
		t.closeErr = err
	})
	return t.closeErr
}

// Done returns a channel that is closed when the shutdown context is
// cancelled.
func (t *Tracker) Done() <-chan struct{} {
	return t.shutdown.Done()
}

// Len returns the number of tasks currently registered.
func (t *Tracker) Len() int {
	n := 0
	t.tasks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Stats returns the tracker counters.
func (t *Tracker) Stats() Stats {
	return Stats{
		Pending:   t.pending.Load(),
		Scheduled: t.scheduled.Load(),
		Completed: t.completed.Load(),
		Faulted:   t.faulted.Load(),
		Canceled:  t.canceled.Load(),
		Closed:    t.closed.Load(),
	}
}
