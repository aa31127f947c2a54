package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/iconidentify/moegrabba/internal/domain"
)

// ErrPoolClosed is returned when work is submitted to a closed pool.
var ErrPoolClosed = errors.New("compute pool closed")

// Offloader runs CPU-bound work away from the calling goroutine.
type Offloader interface {
	// Submit runs fn on the offloader and waits for it or for ctx.
	Submit(ctx context.Context, fn func(ctx context.Context) error) error
}

type computeTask struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// ComputePool is a fixed set of goroutines that run after-effects such as
// transcodes, so download workers are never blocked by CPU work.
type ComputePool struct {
	tasks  chan computeTask
	quit   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	logger *slog.Logger
}

// NewComputePool starts a pool with the given number of workers.
func NewComputePool(workers int, logger *slog.Logger) *ComputePool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &ComputePool{
		tasks:  make(chan computeTask),
		quit:   make(chan struct{}),
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Submit hands fn to an idle worker and waits for its result. If ctx is done
// before a worker picks fn up, Submit returns a cancellation error without
// running it. A running fn observes the same ctx and Submit returns only after
// it has returned.
func (p *ComputePool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	task := computeTask{ctx: ctx, fn: fn, done: make(chan error, 1)}

	select {
	case <-p.quit:
		return ErrPoolClosed
	case <-ctx.Done():
		return domain.Cancelled(ctx.Err())
	case p.tasks <- task:
	}

	// A handed-off fn may still be removing partial output after ctx is done.
	err := <-task.done
	if err != nil && ctx.Err() != nil && !errors.Is(err, domain.ErrCancelled) {
		return domain.Cancelled(ctx.Err())
	}
	return err
}

// Close stops accepting work and waits for running tasks to finish.
func (p *ComputePool) Close() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}

func (p *ComputePool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.quit:
			return
		case task := <-p.tasks:
			task.done <- p.run(id, task)
		}
	}
}

func (p *ComputePool) run(id int, task computeTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("compute task panicked", "worker_id", id, "panic", r)
			err = fmt.Errorf("compute task panicked: %v", r)
		}
	}()
	if err := domain.CheckContext(task.ctx); err != nil {
		return err
	}
	return task.fn(task.ctx)
}
