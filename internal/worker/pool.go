package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed  = errors.New("worker_pool_closed")
	ErrInvalidSize = errors.New("invalid_worker_pool_size")
)

// Task is a unit of work executed by the pool.
type Task func(ctx context.Context)

// Pool runs tasks on a fixed set of goroutines owned by the caller.
type Pool struct {
	name  string
	log   *zap.Logger
	tasks chan Task

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
}

// New starts size workers with a queue of the same depth.
func New(name string, size int, log *zap.Logger) (*Pool, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:   name,
		log:    log.Named("worker").With(zap.String("pool", name)),
		tasks:  make(chan Task, size),
		ctx:    ctx,
		cancel: cancel,
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.loop()
	}
	return p, nil
}

// Submit queues a task, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// Shutdown stops accepting tasks, cancels the task context and waits for in-flight tasks.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.cancel()
		p.mu.Lock()
		p.closed = true
		close(p.tasks)
		p.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool %s shutdown: %w", p.name, ctx.Err())
	}
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker task panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	task(p.ctx)
}
