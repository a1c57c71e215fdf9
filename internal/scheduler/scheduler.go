// Package scheduler 以固定节拍从任务队列取任务，经资源调控器准入后交给有界工作池执行。
// Package scheduler pops queued tasks on a fixed tick, asks the governor
// for admission and runs admitted tasks on a bounded worker pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"localagent/internal/clock"
	"localagent/internal/errs"
	"localagent/internal/events"
	"localagent/internal/governor"
	"localagent/internal/storage"
)

// Store is the task queue.
type Store interface {
	GetNextTask(ctx context.Context) (storage.PendingTask, bool, error)
	CompleteTask(ctx context.Context, id string) error
	RequeueTask(ctx context.Context, id, note string) error
	FailTask(ctx context.Context, id, cause string, delay func(retry int) time.Duration) (storage.PendingTask, error)
	CancelTask(ctx context.Context, id string) (storage.TaskStatus, error)
	MarkTaskCancelled(ctx context.Context, id string) error
	RecoverRunningTasks(ctx context.Context) (int, error)
	PurgeTerminalTasks(ctx context.Context, before time.Time) (int, error)
}

// Admitter grants resource reservations.
type Admitter interface {
	Admit(req governor.Request) (governor.Decision, *governor.Reservation)
}

// Handler executes one task type. A handler must leave the store
// consistent when ctx is cancelled: it commits in one store call at the end.
type Handler interface {
	Handle(ctx context.Context, t storage.PendingTask) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t storage.PendingTask) error

func (f HandlerFunc) Handle(ctx context.Context, t storage.PendingTask) error { return f(ctx, t) }

// Options tunes a Scheduler.
type Options struct {
	Tick        time.Duration
	MaxWorkers  int
	Retention   time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Clock       clock.Clock
	Logger      *zap.Logger
	Bus         *events.Bus
}

// TaskEvent is published on every task state change.
type TaskEvent struct {
	ID     string             `json:"id"`
	Type   storage.TaskType   `json:"task_type"`
	Status storage.TaskStatus `json:"status"`
	Error  string             `json:"error,omitempty"`
}

type Scheduler struct {
	store    Store
	gov      Admitter
	handlers map[storage.TaskType]Handler
	clk      clock.Clock
	log      *zap.Logger
	bus      *events.Bus

	tick        time.Duration
	retention   time.Duration
	backoffBase time.Duration
	backoffMax  time.Duration

	slots *semaphore.Weighted
	wg    sync.WaitGroup
	wake  chan struct{}

	mu        sync.Mutex
	running   map[string]context.CancelFunc
	cancelled map[string]bool
	lastPurge time.Time
}

func New(store Store, gov Admitter, opts Options) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = 2 * time.Second
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 2
	}
	if opts.Retention <= 0 {
		opts.Retention = 72 * time.Hour
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 5 * time.Second
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Scheduler{
		store:       store,
		gov:         gov,
		handlers:    make(map[storage.TaskType]Handler),
		clk:         opts.Clock,
		log:         opts.Logger,
		bus:         opts.Bus,
		tick:        opts.Tick,
		retention:   opts.Retention,
		backoffBase: opts.BackoffBase,
		backoffMax:  opts.BackoffMax,
		slots:       semaphore.NewWeighted(int64(opts.MaxWorkers)),
		wake:        make(chan struct{}, 1),
		running:     make(map[string]context.CancelFunc),
		cancelled:   make(map[string]bool),
	}
}

// Register binds a handler to a task type. It must be called before Run.
func (s *Scheduler) Register(tt storage.TaskType, h Handler) {
	s.handlers[tt] = h
}

// Wake requests an early tick, typically after a task is queued.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Backoff returns the delay before retry number retry (1-based).
func (s *Scheduler) Backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := s.backoffBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= s.backoffMax {
			return s.backoffMax
		}
	}
	return d
}

// Running reports the ids of tasks currently executing.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	return ids
}

// Run recovers tasks left running by a previous process, then ticks until
// ctx is done. It returns after every in-flight worker has finished.
func (s *Scheduler) Run(ctx context.Context) error {
	if n, err := s.store.RecoverRunningTasks(ctx); err != nil {
		return fmt.Errorf("recover running tasks: %w", err)
	} else if n > 0 {
		s.log.Info("recovered interrupted tasks", zap.Int("count", n))
	}
	s.mu.Lock()
	s.lastPurge = s.clk.Now()
	s.mu.Unlock()

	t := s.clk.NewTicker(s.tick)
	defer t.Stop()
	defer s.wg.Wait()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		case <-s.wake:
		}
	}
}

// Tick drains eligible tasks while admission succeeds. A denied task goes
// back to the queue and ends the tick.
func (s *Scheduler) Tick(ctx context.Context) {
	s.maybePurge(ctx)
	for ctx.Err() == nil {
		if !s.slots.TryAcquire(1) {
			return
		}
		task, ok, err := s.claim(ctx)
		if err != nil || !ok {
			s.slots.Release(1)
			if err != nil && ctx.Err() == nil {
				s.log.Error("dequeue task", zap.Error(err))
			}
			return
		}

		h, known := s.handlers[task.Type]
		if !known {
			s.slots.Release(1)
			s.unclaim(task.ID)
			s.fail(context.WithoutCancel(ctx), task, fmt.Errorf("no handler for task type %q", task.Type))
			continue
		}

		decision, res := s.gov.Admit(governor.Request{
			EstimatedCPU: task.EstimatedCPU,
			EstimatedRAM: task.EstimatedRAM,
			RequiresGPU:  task.RequiresGPU,
		})
		if !decision.Allowed {
			s.slots.Release(1)
			s.unclaim(task.ID)
			note := decision.Err().Error()
			if err := s.store.RequeueTask(context.WithoutCancel(ctx), task.ID, note); err != nil {
				s.log.Error("requeue denied task", zap.String("task", task.ID), zap.Error(err))
			}
			s.log.Debug("admission denied", zap.String("task", task.ID), zap.String("reason", decision.Reason))
			s.publish(task, storage.TaskQueued, note)
			return
		}
		s.dispatch(ctx, task, h, res)
	}
}

// claim dequeues the next task and registers it as running in one step
// under s.mu, so Cancel never sees a claimed task without an entry.
func (s *Scheduler) claim(ctx context.Context) (storage.PendingTask, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok, err := s.store.GetNextTask(ctx)
	if err != nil || !ok {
		return task, ok, err
	}
	s.running[task.ID] = func() {}
	return task, true, nil
}

func (s *Scheduler) unclaim(id string) {
	s.mu.Lock()
	delete(s.running, id)
	delete(s.cancelled, id)
	s.mu.Unlock()
}

func (s *Scheduler) dispatch(ctx context.Context, task storage.PendingTask, h Handler, res *governor.Reservation) {
	taskCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.running[task.ID] = cancel
	if s.cancelled[task.ID] {
		cancel()
	}
	s.mu.Unlock()
	s.publish(task, storage.TaskRunning, "")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.slots.Release(1)
		defer cancel()

		err := runHandler(taskCtx, h, task)
		res.Release()

		s.mu.Lock()
		userCancelled := s.cancelled[task.ID]
		delete(s.running, task.ID)
		delete(s.cancelled, task.ID)
		s.mu.Unlock()

		store := context.WithoutCancel(ctx)
		switch {
		case err == nil:
			if err := s.store.CompleteTask(store, task.ID); err != nil {
				s.log.Error("complete task", zap.String("task", task.ID), zap.Error(err))
				return
			}
			s.publish(task, storage.TaskCompleted, "")
		case userCancelled:
			if err := s.store.MarkTaskCancelled(store, task.ID); err != nil {
				s.log.Error("mark task cancelled", zap.String("task", task.ID), zap.Error(err))
				return
			}
			s.publish(task, storage.TaskCancelled, "cancelled")
		case ctx.Err() != nil:
			if err := s.store.RequeueTask(store, task.ID, "interrupted by shutdown"); err != nil {
				s.log.Error("requeue interrupted task", zap.String("task", task.ID), zap.Error(err))
			}
		default:
			s.fail(store, task, err)
		}
	}()
}

// runHandler turns a handler panic into an error so one bad task cannot
// take the process down.
func runHandler(ctx context.Context, h Handler, task storage.PendingTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, task)
}

func (s *Scheduler) fail(ctx context.Context, task storage.PendingTask, cause error) {
	after, err := s.store.FailTask(ctx, task.ID, cause.Error(), s.Backoff)
	if err != nil {
		s.log.Error("record task failure", zap.String("task", task.ID), zap.Error(err))
		return
	}
	switch after.Status {
	case storage.TaskFailed:
		exhausted := &errs.TaskExhaustedError{TaskID: task.ID, Attempts: after.RetryCount, Err: cause}
		s.log.Warn("task failed permanently", zap.String("type", string(task.Type)), zap.Error(exhausted))
	case storage.TaskQueued:
		s.log.Info("task will retry",
			zap.String("task", task.ID),
			zap.Int("retry", after.RetryCount),
			zap.Time("available_at", after.AvailableAt),
			zap.Error(cause))
	}
	s.publish(task, after.Status, cause.Error())
}

// Cancel cancels a task. Queued tasks are cancelled in the store and never
// run; running tasks have their context cancelled.
func (s *Scheduler) Cancel(ctx context.Context, id string) (storage.TaskStatus, error) {
	status, err := s.store.CancelTask(ctx, id)
	if err != nil {
		return "", err
	}
	if status == storage.TaskRunning {
		s.mu.Lock()
		if cancel, ok := s.running[id]; ok {
			s.cancelled[id] = true
			cancel()
		}
		s.mu.Unlock()
	}
	if status == storage.TaskCancelled {
		s.bus.Publish(events.KindTask, TaskEvent{ID: id, Status: status})
	}
	return status, nil
}

func (s *Scheduler) maybePurge(ctx context.Context) {
	now := s.clk.Now()
	s.mu.Lock()
	due := now.Sub(s.lastPurge) >= time.Hour
	if due {
		s.lastPurge = now
	}
	s.mu.Unlock()
	if !due {
		return
	}
	n, err := s.store.PurgeTerminalTasks(ctx, now.Add(-s.retention))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Warn("purge terminal tasks", zap.Error(err))
		}
		return
	}
	if n > 0 {
		s.log.Info("purged terminal tasks", zap.Int("count", n))
	}
}

func (s *Scheduler) publish(task storage.PendingTask, status storage.TaskStatus, msg string) {
	s.bus.Publish(events.KindTask, TaskEvent{ID: task.ID, Type: task.Type, Status: status, Error: msg})
}
