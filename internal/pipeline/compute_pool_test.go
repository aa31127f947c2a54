package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iconidentify/moegrabba/internal/domain"
)

func TestComputePool_SubmitReturnsResult(t *testing.T) {
	pool := NewComputePool(2, nil)
	defer pool.Close()

	if err := pool.Submit(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Errorf("Submit = %v, want nil", err)
	}

	want := errors.New("boom")
	if err := pool.Submit(context.Background(), func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Errorf("Submit = %v, want %v", err, want)
	}
}

func TestComputePool_BoundsConcurrency(t *testing.T) {
	pool := NewComputePool(2, nil)
	defer pool.Close()

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Submit(context.Background(), func(context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestComputePool_CancelWhileRunning(t *testing.T) {
	pool := NewComputePool(1, nil)
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()

	err := pool.Submit(ctx, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return domain.Cancelled(ctx.Err())
	})
	if !errors.Is(err, domain.ErrCancelled) {
		t.Errorf("Submit = %v, want ErrCancelled", err)
	}
}

func TestComputePool_CancelWaitsForCleanup(t *testing.T) {
	pool := NewComputePool(1, nil)
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()

	var cleaned atomic.Bool
	err := pool.Submit(ctx, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		cleaned.Store(true)
		return errors.New("partial output removed")
	})
	if !errors.Is(err, domain.ErrCancelled) {
		t.Errorf("Submit = %v, want ErrCancelled", err)
	}
	if !cleaned.Load() {
		t.Error("Submit returned before the task finished cleaning up")
	}
}

func TestComputePool_CancelledBeforeSubmit(t *testing.T) {
	pool := NewComputePool(1, nil)
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := pool.Submit(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	if !errors.Is(err, domain.ErrCancelled) {
		t.Errorf("Submit = %v, want ErrCancelled", err)
	}
	if ran {
		t.Error("task should not run after cancellation")
	}
}

func TestComputePool_RecoversPanic(t *testing.T) {
	pool := NewComputePool(1, nil)
	defer pool.Close()

	err := pool.Submit(context.Background(), func(context.Context) error {
		panic("decoder exploded")
	})
	if err == nil {
		t.Fatal("expected error from panicking task")
	}

	if err := pool.Submit(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Errorf("pool unusable after panic: %v", err)
	}
}

func TestComputePool_Closed(t *testing.T) {
	pool := NewComputePool(1, nil)
	pool.Close()
	pool.Close()

	if err := pool.Submit(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Submit = %v, want ErrPoolClosed", err)
	}
}
