// Package workerpool runs tasks on a fixed set of goroutines with a bounded
// queue and per-task retries.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrPoolClosed is returned when submitting to a stopped pool
	ErrPoolClosed = errors.New("pool is shutting down")
	// ErrQueueFull is returned by Submit when the queue has no room
	ErrQueueFull = errors.New("task queue is full")
)

// Task is one unit of work. Context, when set, bounds the task's attempts.
type Task struct {
	ID      string
	Payload interface{}
	Context context.Context

	reply chan *Result
}

// Result is what a WorkerFunc reports for a task
type Result struct {
	TaskID  string
	Success bool
	Error   error
	Data    interface{}
}

// WorkerFunc processes one attempt of a task
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config holds worker pool configuration
type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries is how many extra attempts a failed task gets
	MaxRetries int
	// RetryDelay grows linearly: attempt n waits n*RetryDelay
	RetryDelay time.Duration
	// GracefulShutdownTimeout bounds Stop
	GracefulShutdownTimeout time.Duration
	// Retryable filters which failures are retried; nil retries all
	Retryable func(error) bool
}

// DefaultConfig returns pool defaults
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               1024,
		MaxRetries:              3,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

type counters struct {
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	active    atomic.Int64
	queued    atomic.Int64
}

// Pool is a fixed set of workers reading from one queue
type Pool struct {
	cfg    Config
	fn     WorkerFunc
	logger *zap.Logger

	queue    chan *Task
	stopping chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// mu guards closing queue against concurrent sends
	mu     sync.RWMutex
	closed bool

	n counters
}

// New creates a pool; call Start to launch the workers
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, errors.New("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = defaults.GracefulShutdownTimeout
	}

	return &Pool{
		cfg:      cfg,
		fn:       fn,
		logger:   logger,
		queue:    make(chan *Task, cfg.QueueSize),
		stopping: make(chan struct{}),
	}, nil
}

// Start launches the workers
func (p *Pool) Start() {
	p.wg.Add(p.cfg.Workers)
	for id := 0; id < p.cfg.Workers; id++ {
		go p.run(id)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize))
}

// Submit queues a task without waiting for room or for its result
func (p *Pool) Submit(task *Task) error {
	return p.send(context.Background(), task, false)
}

// SubmitWait queues a task, waiting for room if needed, and returns its
// result. An error means the task never produced one.
func (p *Pool) SubmitWait(ctx context.Context, task *Task) (*Result, error) {
	task.reply = make(chan *Result, 1)
	if task.Context == nil {
		task.Context = ctx
	}
	if err := p.send(ctx, task, true); err != nil {
		return nil, err
	}

	select {
	case res := <-task.reply:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) send(ctx context.Context, task *Task, wait bool) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	if !wait {
		select {
		case p.queue <- task:
		default:
			return ErrQueueFull
		}
	} else {
		select {
		case p.queue <- task:
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopping:
			return ErrPoolClosed
		}
	}
	p.n.submitted.Add(1)
	p.n.queued.Add(1)
	return nil
}

// Stop closes the queue and lets workers finish what is already queued,
// giving up after GracefulShutdownTimeout.
func (p *Pool) Stop() error {
	p.logger.Info("stopping worker pool")

	// release blocked senders before taking the write lock
	p.stopOnce.Do(func() { close(p.stopping) })

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-time.After(p.cfg.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
		return fmt.Errorf("worker pool shutdown timed out after %s", p.cfg.GracefulShutdownTimeout)
	}
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	p.n.active.Add(1)
	defer p.n.active.Add(-1)

	for task := range p.queue {
		p.n.queued.Add(-1)
		res := p.process(task)
		if res.Success {
			p.n.completed.Add(1)
		} else {
			p.n.failed.Add(1)
			p.logger.Error("task failed",
				zap.String("task_id", task.ID),
				zap.Int("worker_id", id),
				zap.Error(res.Error))
		}
		if task.reply != nil {
			task.reply <- res
		}
	}
}

// process runs the task until it succeeds, fails permanently, or runs out
// of retries
func (p *Pool) process(task *Task) *Result {
	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return &Result{TaskID: task.ID, Error: err}
		}
		res := p.fn(ctx, task)
		if res.Success || !p.retryable(res.Error) {
			return res
		}
		if attempt == p.cfg.MaxRetries {
			return &Result{
				TaskID: task.ID,
				Error:  fmt.Errorf("task failed after %d retries: %w", p.cfg.MaxRetries, res.Error),
			}
		}

		p.n.retried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(res.Error))

		timer := time.NewTimer(p.cfg.RetryDelay * time.Duration(attempt+1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return &Result{TaskID: task.ID, Error: ctx.Err()}
		case <-timer.C:
		}
	}
}

func (p *Pool) retryable(err error) bool {
	return p.cfg.Retryable == nil || p.cfg.Retryable(err)
}

// Stats holds pool counters
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns a snapshot of the counters
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: p.n.submitted.Load(),
		TasksCompleted: p.n.completed.Load(),
		TasksFailed:    p.n.failed.Load(),
		TasksRetried:   p.n.retried.Load(),
		ActiveWorkers:  p.n.active.Load(),
		QueueDepth:     p.n.queued.Load(),
		QueueCapacity:  p.cfg.QueueSize,
		Workers:        p.cfg.Workers,
	}
}

// IsHealthy reports whether the queue is below 90% of capacity
func (p *Pool) IsHealthy() bool {
	return p.n.queued.Load()*10 < int64(p.cfg.QueueSize)*9
}
