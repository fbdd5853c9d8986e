package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kubev2v/bot-runner/pkg/metrics"
	"go.uber.org/zap"
)

var (
	ErrQueueFull     = errors.New("task queue is full")
	ErrPoolStopped   = errors.New("worker pool is stopped")
	ErrDuplicateTask = errors.New("a task with this key is already queued or running")
	ErrTaskTimeout   = errors.New("task timed out")
)

type Config struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration // zero disables the timeout
}

func DefaultConfig() *Config {
	return &Config{
		Workers:     4,
		QueueSize:   100,
		TaskTimeout: 2 * time.Hour,
	}
}

func (cfg *Config) Validate() error {
	if cfg.Workers < 1 {
		return errors.New("workers must be greater than 0")
	}
	if cfg.QueueSize < 1 {
		return errors.New("queue size must be greater than 0")
	}
	if cfg.TaskTimeout < 0 {
		return errors.New("task timeout must be greater than or equal to 0")
	}
	return nil
}

// Task is one unit of work. Run must return once ctx is done.
type Task struct {
	Key string
	Run func(ctx context.Context) error
}

type Metrics struct {
	ActiveWorkers  atomic.Int64
	PendingTasks   atomic.Int64
	CompletedTasks atomic.Int64
	FailedTasks    atomic.Int64
	CancelledTasks atomic.Int64
}

type entry struct {
	task   Task
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// Pool runs tasks on a fixed number of goroutines fed by a bounded queue.
// Every task gets its own context which can be cancelled by key while the
// task is queued or running.
type Pool struct {
	workers     int
	taskTimeout time.Duration

	tasks  chan *entry
	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	entries map[string]*entry

	metrics *Metrics
	log     *zap.SugaredLogger
}

func NewPool(cfg *Config) (*Pool, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker pool config: %w", err)
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	return &Pool{
		workers:     cfg.Workers,
		taskTimeout: cfg.TaskTimeout,
		tasks:       make(chan *entry, cfg.QueueSize),
		ctx:         ctx,
		cancel:      cancel,
		entries:     make(map[string]*entry),
		metrics:     &Metrics{},
		log:         zap.S().Named("worker_pool"),
	}, nil
}

func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.log.Infow("worker pool started", "workers", p.workers, "queue_size", cap(p.tasks))
}

// Stop refuses new tasks and waits for the queued and running ones. When ctx
// ends first the remaining tasks are cancelled with ErrPoolStopped.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.log.Warn("worker pool stop timed out, cancelling remaining tasks")
		p.cancel(ErrPoolStopped)
		<-done
	}
	p.cancel(ErrPoolStopped)
	p.log.Info("worker pool stopped")
}

// Submit queues t without blocking.
func (p *Pool) Submit(t Task) error {
	if t.Run == nil {
		return errors.New("task has no run function")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolStopped
	}
	if t.Key != "" {
		if _, found := p.entries[t.Key]; found {
			return ErrDuplicateTask
		}
	}

	ctx, cancel := context.WithCancelCause(p.ctx)
	e := &entry{task: t, ctx: ctx, cancel: cancel}

	select {
	case p.tasks <- e:
	default:
		cancel(ErrQueueFull)
		return ErrQueueFull
	}

	if t.Key != "" {
		p.entries[t.Key] = e
	}
	p.metrics.PendingTasks.Add(1)
	metrics.UpdateQueueDepthMetric(len(p.tasks))
	return nil
}

// Cancel cancels the queued or running task with the given key. A queued task
// still runs, with an already cancelled context, so it can record the outcome.
func (p *Pool) Cancel(key string, cause error) bool {
	p.mu.Lock()
	e, found := p.entries[key]
	p.mu.Unlock()
	if !found {
		return false
	}
	e.cancel(cause)
	p.metrics.CancelledTasks.Add(1)
	return true
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for e := range p.tasks {
		metrics.UpdateQueueDepthMetric(len(p.tasks))
		p.process(e)
	}
}

func (p *Pool) process(e *entry) {
	p.metrics.ActiveWorkers.Add(1)
	p.metrics.PendingTasks.Add(-1)

	ctx := e.ctx
	if p.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, p.taskTimeout, ErrTaskTimeout)
		defer cancel()
	}

	defer func() {
		p.metrics.ActiveWorkers.Add(-1)
		e.cancel(context.Canceled)

		p.mu.Lock()
		if p.entries[e.task.Key] == e {
			delete(p.entries, e.task.Key)
		}
		p.mu.Unlock()

		if r := recover(); r != nil {
			p.metrics.FailedTasks.Add(1)
			p.log.Errorw("task panicked", "key", e.task.Key, "panic", r)
		}
	}()

	if err := e.task.Run(ctx); err != nil {
		p.metrics.FailedTasks.Add(1)
		p.log.Debugw("task failed", "key", e.task.Key, "error", err)
		return
	}
	p.metrics.CompletedTasks.Add(1)
}

func (p *Pool) GetMetrics() map[string]int64 {
	return map[string]int64{
		"active_workers":  p.metrics.ActiveWorkers.Load(),
		"pending_tasks":   p.metrics.PendingTasks.Load(),
		"completed_tasks": p.metrics.CompletedTasks.Load(),
		"failed_tasks":    p.metrics.FailedTasks.Load(),
		"cancelled_tasks": p.metrics.CancelledTasks.Load(),
	}
}

// IsBusy reports whether a new task would have to wait.
func (p *Pool) IsBusy() bool {
	return p.metrics.ActiveWorkers.Load() >= int64(p.workers) || p.metrics.PendingTasks.Load() > 0
}

func (p *Pool) IsIdle() bool {
	return p.metrics.ActiveWorkers.Load() == 0 && p.metrics.PendingTasks.Load() == 0
}
