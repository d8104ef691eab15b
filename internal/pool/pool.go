// Package pool runs jobs on a fixed number of worker slots behind a bounded queue.
package pool

import (
	"context"
	"sync"
	"sync/atomic"

	appErr "execbox/pkg/errors"
	"execbox/pkg/utils/logger"

	"go.uber.org/zap"
)

// Policy decides what Submit does when the queue is full.
type Policy string

const (
	PolicyBlock  Policy = "block"
	PolicyReject Policy = "reject"
)

// Config sizes the pool. It is read-only after New.
type Config struct {
	Size      int
	QueueSize int
	Policy    Policy
}

// Task is one unit of work. ctx is cancelled when the submitter's context
// ends or the pool is force-stopped.
type Task func(ctx context.Context)

// Observer receives pool gauges.
type Observer interface {
	SetQueueDepth(n int)
	SetBusyWorkers(n int)
	IncPoolRejected()
}

type queued struct {
	ctx  context.Context
	task Task
}

// Pool is a bounded worker pool owned by its creator.
type Pool struct {
	cfg   Config
	tasks chan queued
	obs   Observer

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	busy      atomic.Int64
}

// New validates cfg and starts the workers.
func New(cfg Config, obs Observer) (*Pool, error) {
	if cfg.Size <= 0 {
		return nil, appErr.ValidationError("pool.size", "must be positive")
	}
	if cfg.QueueSize < 0 {
		return nil, appErr.ValidationError("pool.queueSize", "must be non-negative")
	}
	switch cfg.Policy {
	case "":
		cfg.Policy = PolicyBlock
	case PolicyBlock, PolicyReject:
	default:
		return nil, appErr.ValidationError("pool.policy", "must be block or reject")
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:    cfg,
		tasks:  make(chan queued, cfg.QueueSize),
		obs:    obs,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.wg.Add(cfg.Size)
	for i := 0; i < cfg.Size; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit enqueues task. Under PolicyReject a full queue fails immediately
// with ExecQueueFull; under PolicyBlock it waits for space until ctx ends.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if task == nil {
		return appErr.ValidationError("task", "required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("worker pool is closed")
	}

	item := queued{ctx: ctx, task: task}
	if p.cfg.Policy == PolicyReject {
		select {
		case p.tasks <- item:
			p.reportDepth()
			return nil
		case <-p.done:
			return appErr.New(appErr.ServiceUnavailable).WithMessage("worker pool is closed")
		default:
			if p.obs != nil {
				p.obs.IncPoolRejected()
			}
			return appErr.New(appErr.ExecQueueFull).WithMessage("worker pool is full")
		}
	}

	select {
	case p.tasks <- item:
		p.reportDepth()
		return nil
	case <-p.done:
		return appErr.New(appErr.ServiceUnavailable).WithMessage("worker pool is closed")
	case <-ctx.Done():
		return appErr.Wrapf(ctx.Err(), appErr.ExecQueueFull, "wait for worker pool cancelled")
	}
}

// Accepting reports whether Submit would take a task right now without waiting.
func (p *Pool) Accepting() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	return len(p.tasks) < cap(p.tasks) || p.busy.Load() < int64(p.cfg.Size)
}

// Busy returns the number of workers running a task.
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

// Close stops intake and waits for queued and running tasks. When ctx ends
// first, running tasks are cancelled and Close returns once they unwind.
func (p *Pool) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		p.closed = true
		close(p.tasks)
		p.mu.Unlock()
	})

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		p.cancel()
		return nil
	case <-ctx.Done():
		logger.Warn(ctx, "worker pool drain timed out, cancelling running tasks")
		p.cancel()
		<-finished
		return appErr.Wrapf(ctx.Err(), appErr.Timeout, "worker pool drain timed out")
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for item := range p.tasks {
		p.reportDepth()
		p.run(item)
	}
}

func (p *Pool) run(item queued) {
	p.setBusy(1)
	defer p.setBusy(-1)

	ctx, cancel := context.WithCancel(item.ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "worker pool task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	item.task(ctx)
}

func (p *Pool) setBusy(delta int64) {
	n := p.busy.Add(delta)
	if p.obs != nil {
		p.obs.SetBusyWorkers(int(n))
	}
}

func (p *Pool) reportDepth() {
	if p.obs != nil {
		p.obs.SetQueueDepth(len(p.tasks))
	}
}
